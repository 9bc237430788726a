package channelbuffer

import "go.uber.org/zap"

// maxTransitionChain bounds how many enter hooks may chain further
// transitions off a single event.
const maxTransitionChain = 4

// Transition records one completed state change.
type Transition struct {
	From  State
	To    State
	Event StateEvent
}

// proceed applies e to the current state: exit the old state, switch,
// enter the new one, and keep going while enter yields another event.
// An event that maps a state onto itself is a no-op, which is what makes
// Stop absorbing.
func (c *Context) proceed(e StateEvent) error {
	for depth := 0; e != EventNone; depth++ {
		from := c.state
		if depth >= maxTransitionChain {
			return &StateTransitionError{From: from, Event: e, Err: errTransitionLoop}
		}
		to := from.next(e)
		if to == from {
			return nil
		}
		if err := from.exit(c); err != nil {
			return &StateTransitionError{From: from, Event: e, Err: err}
		}
		c.state = to
		c.log.Info("state changed",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Stringer("event", e))
		if c.listener != nil {
			c.listener(Transition{From: from, To: to, Event: e})
		}

		next, err := to.enter(c)
		if err != nil {
			return &StateTransitionError{From: to, Event: e, Err: err}
		}
		e = next
	}
	return nil
}
