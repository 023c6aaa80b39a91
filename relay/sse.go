package relay

import (
	"bufio"
	"io"
	"strings"
)

// event is one dispatched Server-Sent Event.
type event struct {
	Name string
	Data string
	ID   string
}

// eventReader decodes an SSE byte stream. Comment lines are skipped, data
// lines are joined with "\n" and the event name defaults to "message".
type eventReader struct {
	sc *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &eventReader{sc: sc}
}

// Next returns the next event, or io.EOF once the stream ends. A trailing
// event without its terminating blank line is discarded.
func (er *eventReader) Next() (event, error) {
	var (
		ev   event
		data []string
		seen bool
	)
	for er.sc.Scan() {
		line := er.sc.Text()
		if line == "" {
			if !seen {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			if ev.Name == "" {
				ev.Name = "message"
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
		case "id":
			ev.ID = value
		default:
			continue
		}
		seen = true
	}
	if err := er.sc.Err(); err != nil {
		return event{}, err
	}
	return event{}, io.EOF
}
