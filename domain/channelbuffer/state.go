package channelbuffer

import (
	"bytes"

	"go.uber.org/zap"
)

// State is a stateless variant of the channel state machine. All mutable
// data lives in the Context.
type State uint8

const (
	StateInitialization State = iota
	StatePassThru
	StateBuffering
	StateStop
)

func (s State) String() string {
	switch s {
	case StateInitialization:
		return "INITIALIZATION"
	case StatePassThru:
		return "PASS_THRU"
	case StateBuffering:
		return "BUFFERING"
	case StateStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// StateEvent drives a transition between states.
type StateEvent uint8

const (
	EventNone StateEvent = iota
	EventStartSeqDetected
	EventGapDetected
	EventMessageNotReceived
	EventRecovered
	EventFail
)

func (e StateEvent) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventStartSeqDetected:
		return "START_SEQ_DETECTED"
	case EventGapDetected:
		return "GAP_DETECTED"
	case EventMessageNotReceived:
		return "MESSAGE_NOT_RECEIVED"
	case EventRecovered:
		return "RECOVERED"
	case EventFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// next is the transition table. Anything not listed fails the channel.
func (s State) next(e StateEvent) State {
	switch {
	case e == EventFail:
		return StateStop
	case s == StateInitialization && e == EventStartSeqDetected:
		return StatePassThru
	case s == StatePassThru && (e == EventGapDetected || e == EventMessageNotReceived):
		return StateBuffering
	case s == StateBuffering && e == EventRecovered:
		return StatePassThru
	default:
		return StateStop
	}
}

func (s State) enter(c *Context) (StateEvent, error) {
	switch s {
	case StateBuffering:
		c.expectedNextSnapshotSeq = StartResponseSeq
		if c.messageBuffer.IsEmpty() {
			c.messageBuffer.StartSequence(c.expectedNextChannelSeq)
		}
	case StateStop:
		c.log.Error("channel stopped, no further events will be processed",
			zap.Int64("expected_next_seq", c.expectedNextChannelSeq))
	}
	return EventNone, nil
}

func (s State) exit(c *Context) error {
	if s == StateBuffering {
		c.resetSnapshot()
	}
	return nil
}

func (s State) onMessage(c *Context, m *Message, a *MessageAction) (StateEvent, error) {
	switch s {
	case StateInitialization:
		c.expectedNextChannelSeq = m.ChannelSeq + 1
		a.set(SendNow)
		return EventStartSeqDetected, nil
	case StatePassThru:
		return passThruOnMessage(c, m, a)
	case StateBuffering:
		return bufferingOnMessage(c, m, a)
	default:
		a.set(DroppedNoAction)
		return EventNone, nil
	}
}

func (s State) onSequentialSnapshot(c *Context, p *SnapshotPart, a *MessageAction) (StateEvent, error) {
	if s == StateBuffering {
		return bufferingOnSequentialSnapshot(c, p, a)
	}
	c.log.Debug("dropped sequential snapshot",
		zap.Stringer("state", s),
		zap.Int64("channel_seq", p.ChannelSeq),
		zap.Int32("snapshot_seq", p.SnapshotSeq))
	a.set(DroppedNoAction)
	return EventNone, nil
}

func (s State) onIndividualSnapshot(c *Context, m *Message, a *MessageAction) (StateEvent, error) {
	c.log.Debug("dropped individual snapshot",
		zap.Stringer("state", s),
		zap.Int64("channel_seq", m.ChannelSeq))
	a.set(DroppedNoAction)
	return EventNone, nil
}

func (s State) onMessageNotReceived(c *Context, channelID int32, fromSeq, toSeq int64) (StateEvent, error) {
	switch s {
	case StatePassThru:
		c.requestMessage(channelID, fromSeq, toSeq)
		return EventMessageNotReceived, nil
	case StateBuffering:
		c.requestMessage(channelID, fromSeq, toSeq)
		return EventNone, nil
	default:
		c.log.Debug("ignored missing message notice",
			zap.Stringer("state", s),
			zap.Int64("from_seq", fromSeq),
			zap.Int64("to_seq", toSeq))
		return EventNone, nil
	}
}

func (s State) onMissingMessageRequestFailure(c *Context, result ResultType) (StateEvent, error) {
	if s == StateStop {
		return EventNone, nil
	}
	c.log.Error("retransmission request failed",
		zap.Stringer("state", s),
		zap.Stringer("result", result))
	return EventFail, nil
}

func passThruOnMessage(c *Context, m *Message, a *MessageAction) (StateEvent, error) {
	switch {
	case m.ChannelSeq == c.expectedNextChannelSeq:
		c.expectedNextChannelSeq++
		a.set(SendNow)
		return EventNone, nil

	case m.ChannelSeq > c.expectedNextChannelSeq:
		missing := c.expectedNextChannelSeq
		if err := c.storeMessageAndSetMissingSequence(missing, m); err != nil {
			// TODO: an overflowing gap leaves the channel in PassThru with
			// nothing requested; needs a resync path (snapshot request).
			c.log.Warn("dropped message, cannot buffer gap",
				zap.Int64("channel_seq", m.ChannelSeq),
				zap.Int64("expected_next_seq", missing),
				zap.Error(err))
			a.set(DroppedNoAction)
			return EventNone, nil
		}
		a.set(StoredNoAction)
		c.requestMessage(m.ChannelID, missing, missing)
		return EventGapDetected, nil

	default:
		c.log.Debug("dropped stale message",
			zap.Int64("channel_seq", m.ChannelSeq),
			zap.Int64("expected_next_seq", c.expectedNextChannelSeq))
		a.set(DroppedNoAction)
		return EventNone, nil
	}
}

func bufferingOnMessage(c *Context, m *Message, a *MessageAction) (StateEvent, error) {
	if m.ChannelSeq < c.expectedNextChannelSeq {
		c.log.Debug("dropped stale message while buffering",
			zap.Int64("channel_seq", m.ChannelSeq),
			zap.Int64("expected_next_seq", c.expectedNextChannelSeq))
		a.set(DroppedNoAction)
		return EventNone, nil
	}
	if prev, ok := c.messageBuffer.Get(m.ChannelSeq); ok && !bytes.Equal(prev.Payload(), m.Payload) {
		c.log.Warn("buffered message replaced by a different payload",
			zap.Int64("channel_seq", m.ChannelSeq))
	}
	if err := c.storeMessage(m); err != nil {
		c.log.Warn("dropped message, cannot buffer",
			zap.Int64("channel_seq", m.ChannelSeq),
			zap.Int64("expected_next_seq", c.expectedNextChannelSeq),
			zap.Error(err))
		a.set(DroppedNoAction)
		return EventNone, nil
	}
	a.set(StoredNoAction)
	if m.ChannelSeq != c.expectedNextChannelSeq {
		return EventNone, nil
	}
	return flushAndRecover(c)
}

func bufferingOnSequentialSnapshot(c *Context, p *SnapshotPart, a *MessageAction) (StateEvent, error) {
	if p.ChannelSeq < c.expectedNextChannelSeq || p.ChannelSeq < c.channelSeqOfSnapshot {
		c.log.Debug("dropped stale snapshot part",
			zap.Int64("channel_seq", p.ChannelSeq),
			zap.Int32("snapshot_seq", p.SnapshotSeq),
			zap.Int64("expected_next_seq", c.expectedNextChannelSeq))
		a.set(DroppedNoAction)
		return EventNone, nil
	}

	restart := p.ChannelSeq > c.channelSeqOfSnapshot && p.SnapshotSeq == StartResponseSeq
	if p.SnapshotSeq != c.expectedNextSnapshotSeq && !restart {
		c.log.Debug("dropped out of order snapshot part",
			zap.Int64("channel_seq", p.ChannelSeq),
			zap.Int32("snapshot_seq", p.SnapshotSeq),
			zap.Int32("expected_snapshot_seq", c.expectedNextSnapshotSeq))
		a.set(DroppedNoAction)
		return EventNone, nil
	}

	if err := c.storeSnapshot(p); err != nil {
		c.log.Warn("dropped snapshot part, cannot buffer",
			zap.Int64("channel_seq", p.ChannelSeq),
			zap.Int32("snapshot_seq", p.SnapshotSeq),
			zap.Error(err))
		a.set(DroppedNoAction)
		return EventNone, nil
	}
	a.set(StoredNoAction)

	if c.channelSeqOfCompletedSnapshot == NullSequence ||
		c.channelSeqOfCompletedSnapshot < c.expectedNextChannelSeq {
		return EventNone, nil
	}
	return flushAndRecover(c)
}

func flushAndRecover(c *Context) (StateEvent, error) {
	drained, err := c.Flush()
	if err != nil {
		return EventNone, err
	}
	if drained {
		return EventRecovered, nil
	}
	return EventNone, nil
}
