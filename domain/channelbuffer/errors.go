package channelbuffer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a Context is used before Init.
	ErrNotReady = errors.New("channel buffer context not initialised")
	// ErrUnexpectedSender is returned when a frame arrives from a sender
	// other than the one first seen on the channel.
	ErrUnexpectedSender = errors.New("message from unexpected sender")
	// ErrHandlerPanic is returned after a panic escaped a state handler
	// and the channel was stopped.
	ErrHandlerPanic = errors.New("channel handler panicked")
)

var (
	errTransitionLoop = errors.New("transition chain did not settle")
	errAlreadyStarted = errors.New("channel already locked onto a sequence")
)

// StateTransitionError wraps a failure raised while a state handled an
// event or while the context moved between states.
type StateTransitionError struct {
	From  State
	Event StateEvent
	Err   error
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("state transition failed [state:%s, event:%s]: %v", e.From, e.Event, e.Err)
}

func (e *StateTransitionError) Unwrap() error {
	return e.Err
}
