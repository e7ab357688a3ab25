package host

import "fmt"

// Error is a failed bridge request: instantiation, state access, or GUI.
// Bridge failures are per-request; they never affect other instances and
// never stall the request queue.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin host: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func hostErr(op string, format string, args ...any) *Error {
	return &Error{Op: op, Err: fmt.Errorf(format, args...)}
}
