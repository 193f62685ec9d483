package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a name that is
// not registered. The model asked for a capability that does not exist;
// retrying will not help.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidArguments is returned when a call's arguments are not a JSON
// object or do not satisfy the tool's input schema.
type ErrInvalidArguments struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %s", e.ToolName, e.Reason)
}
