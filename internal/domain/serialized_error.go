package domain

import (
	"errors"
	"fmt"
)

// SerializedError is the storable shape of an error. It survives the
// database round-trip with name, message and cause intact; the stack is
// best-effort and only populated for recovered panics.
type SerializedError struct {
	Name    string           `json:"name"`
	Message string           `json:"message"`
	Cause   *SerializedError `json:"cause,omitempty"`
	Stack   string           `json:"stack,omitempty"`
}

// Error implements the error interface so a deserialized error can be
// surfaced to handlers directly.
func (e *SerializedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Name != "" && e.Name != "Error" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap exposes the cause chain to errors.Is/As.
func (e *SerializedError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// Namer lets typed errors choose their serialized name. Errors that do not
// implement it serialize as "Error".
type Namer interface {
	ErrorName() string
}

// SerializeError converts any error into its storable shape, preserving the
// wrap chain as nested causes.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	// Already serialized (read back from the store): keep verbatim.
	var se *SerializedError
	if errors.As(err, &se) && se.Error() == err.Error() {
		return se
	}

	out := &SerializedError{Name: "Error", Message: err.Error()}
	if n, ok := err.(Namer); ok {
		out.Name = n.ErrorName()
	}
	if cause := errors.Unwrap(err); cause != nil {
		out.Cause = SerializeError(cause)
	}
	return out
}
