package mcpservice

import "fmt"

// ToolNotFoundError is returned by ToolsContainer.Call for unregistered names.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return "Unknown tool: " + e.Name
}

// ToolExecutionError wraps any error returned while running a tool,
// including argument validation failures.
type ToolExecutionError struct {
	Name string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Name, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ValidationError reports an invalid tool argument. Field is empty when the
// problem is not tied to a single argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
