package channelbuffer

import "fmt"

const (
	// NullSequence marks an unset channel sequence.
	NullSequence int64 = -1
	// NullResponseSeq is the ResponseSeq of a plain (non-snapshot) message.
	NullResponseSeq int32 = -1
	// StartResponseSeq is the number of the first part of a sequential snapshot.
	StartResponseSeq int32 = 1
	// DefaultMaxMessageSize bounds the payload an Event can hold.
	DefaultMaxMessageSize = 512
)

// Event is a reusable envelope for one buffered message or snapshot part.
// Events are allocated once, when the buffers are created, and
// overwritten in place by Merge.
type Event struct {
	ChannelID   int32
	ChannelSeq  int64
	ResponseSeq int32
	TemplateID  int32

	buf    []byte
	length int
}

// NewEvent returns an Event able to hold payloads up to capacity bytes.
func NewEvent(capacity int) *Event {
	return &Event{
		ChannelSeq:  NullSequence,
		ResponseSeq: NullResponseSeq,
		buf:         make([]byte, capacity),
	}
}

// Merge copies payload and metadata into the event.
func (e *Event) Merge(channelID int32, channelSeq int64, responseSeq int32, templateID int32, payload []byte) error {
	if len(payload) > len(e.buf) {
		return fmt.Errorf("channel event: payload of %d bytes exceeds capacity %d", len(payload), len(e.buf))
	}
	e.ChannelID = channelID
	e.ChannelSeq = channelSeq
	e.ResponseSeq = responseSeq
	e.TemplateID = templateID
	e.length = copy(e.buf, payload)
	return nil
}

// Payload returns the stored bytes. The slice is only valid until the
// event is reused.
func (e *Event) Payload() []byte {
	return e.buf[:e.length]
}

// Length returns the number of payload bytes held.
func (e *Event) Length() int {
	return e.length
}

// IsSnapshot reports whether the event holds a snapshot part.
func (e *Event) IsSnapshot() bool {
	return e.ResponseSeq != NullResponseSeq
}

// EventHandler receives recovered events during Flush, in strictly
// increasing order. seq is the buffer sequence of the event (the channel
// sequence for messages, the part number for snapshot parts).
type EventHandler interface {
	OnEvent(e *Event, seq int64, endOfBatch bool) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(e *Event, seq int64, endOfBatch bool) error

func (f EventHandlerFunc) OnEvent(e *Event, seq int64, endOfBatch bool) error {
	return f(e, seq, endOfBatch)
}
