package flashbus

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrConflictingRegistration = errors.New("handler is already registered on a different execution context")
	ErrInvalidMode             = errors.New("invalid thread mode")
	ErrClosed                  = errors.New("executor is closed")
)

// ConsumerError describes a handler that panicked while receiving an event.
// It's logged and passed to the handler set with [WithErrorHandler], but never returned to the poster.
type ConsumerError struct {
	EventType EventType
	Handler   Handler
	Recovered any
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("handler %T panicked while handling %v: %v", e.Handler, e.EventType, e.Recovered)
}

// Unwrap exposes the recovered value if the handler panicked with an error.
func (e *ConsumerError) Unwrap() error {
	err, _ := e.Recovered.(error)
	return err
}
