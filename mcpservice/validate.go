package mcpservice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// CheckRequired fails when s is empty.
func CheckRequired(field, s string) error {
	if s == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// CheckMaxLen fails when s is longer than n characters.
func CheckMaxLen(field, s string, n int) error {
	if utf8.RuneCountInString(s) > n {
		return &ValidationError{Field: field, Message: "must be at most " + strconv.Itoa(n) + " characters"}
	}
	return nil
}

// checkPresent verifies that every name in required is present and non-null
// in the raw argument object.
func checkPresent(raw json.RawMessage, required []string) error {
	if len(required) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return &ValidationError{Message: "arguments must be an object"}
	}
	for _, name := range required {
		v, ok := obj[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return &ValidationError{Field: name, Message: "is required"}
		}
	}
	return nil
}

// decodeArgs decodes raw into a value of type A. Decoder errors are mapped to
// ValidationError so callers can name the offending field.
func decodeArgs[A any](raw json.RawMessage, strict bool) (A, error) {
	var a A
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&a); err != nil {
		return a, toValidationError(err)
	}
	return a, nil
}

func toValidationError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{
			Field:   typeErr.Field,
			Message: fmt.Sprintf("expected %s, got %s", jsonKind(typeErr.Type), typeErr.Value),
		}
	}
	if name, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return &ValidationError{Field: strings.Trim(name, `"`), Message: "unknown field"}
	}
	return &ValidationError{Message: "invalid arguments: " + err.Error()}
}

func jsonKind(t reflect.Type) string {
	if t == nil {
		return "value"
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	}
	return t.String()
}
