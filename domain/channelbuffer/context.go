package channelbuffer

import (
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"feedhandler/infra/memory"
)

const sinkIDNotApplicable = -1

// Option configures a Context.
type Option func(*Context)

// WithRequester sets the retransmission requester. The default drops
// every request.
func WithRequester(r MissingMessageRequester) Option {
	return func(c *Context) {
		if r != nil {
			c.requester = r
		}
	}
}

// WithLogger sets the logger. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) {
		if l != nil {
			c.log = l
		}
	}
}

// WithSenderCheck toggles the check that every frame on the channel comes
// from the sender seen first. Enabled by default.
func WithSenderCheck(enabled bool) Option {
	return func(c *Context) {
		c.senderCheck = enabled
	}
}

// WithMaxMessageSize sets the payload capacity of every buffered Event.
func WithMaxMessageSize(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// WithStateListener registers fn to be called after every state change.
func WithStateListener(fn func(Transition)) Option {
	return func(c *Context) {
		c.listener = fn
	}
}

// Context is the recovery session of one channel. It owns the sequence
// counters, the message and snapshot buffers, and the current State.
//
// A Context must be driven by one goroutine only.
type Context struct {
	name                   string
	id                     int32
	messageBufferCapacity  int
	snapshotBufferCapacity int
	maxMessageSize         int
	senderCheck            bool

	state     State
	requester MissingMessageRequester
	handler   EventHandler
	listener  func(Transition)
	log       *zap.Logger

	expectedNextChannelSeq        int64
	expectedNextSnapshotSeq       int32
	sumOfSnapshotSeq              int64
	expectedSenderSinkID          int
	channelSeqOfSnapshot          int64
	channelSeqOfCompletedSnapshot int64

	messageBuffer  *memory.SequenceBuffer[*Event]
	snapshotBuffer *memory.SequenceBuffer[*Event]
	ready          bool
}

// NewContext creates a channel context named "<name>-<id>". Buffers are
// not allocated until Init.
func NewContext(
	name string,
	id int32,
	messageBufferCapacity int,
	snapshotBufferCapacity int,
	handler EventHandler,
	opts ...Option,
) *Context {
	c := &Context{
		name:                          name + "-" + strconv.Itoa(int(id)),
		id:                            id,
		messageBufferCapacity:         messageBufferCapacity,
		snapshotBufferCapacity:        snapshotBufferCapacity,
		maxMessageSize:                DefaultMaxMessageSize,
		senderCheck:                   true,
		state:                         StateInitialization,
		requester:                     nopRequester{},
		handler:                       handler,
		log:                           zap.NewNop(),
		expectedNextChannelSeq:        NullSequence,
		expectedNextSnapshotSeq:       NullResponseSeq,
		expectedSenderSinkID:          sinkIDNotApplicable,
		channelSeqOfSnapshot:          NullSequence,
		channelSeqOfCompletedSnapshot: NullSequence,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("channel", c.name))
	return c
}

// Init allocates both buffers the first time it is called, then resets
// all counters. Allocation is expensive and should happen before any
// traffic flows; shouldBeReady logs a warning when the caller expected
// that to have happened already.
func (c *Context) Init(shouldBeReady bool) error {
	if !c.ready {
		mb, err := memory.NewSequenceBuffer(c.messageBufferCapacity, c.newEvent)
		if err != nil {
			return fmt.Errorf("channel %s: message buffer: %w", c.name, err)
		}
		sb, err := memory.NewSequenceBuffer(c.snapshotBufferCapacity, c.newEvent)
		if err != nil {
			return fmt.Errorf("channel %s: snapshot buffer: %w", c.name, err)
		}
		c.messageBuffer = mb
		c.snapshotBuffer = sb
		c.ready = true

		if shouldBeReady {
			c.log.Warn("channel buffer context was expected to be ready but was not")
		}
	}
	c.clear()
	return nil
}

func (c *Context) newEvent() *Event {
	return NewEvent(c.maxMessageSize)
}

func (c *Context) Name() string           { return c.name }
func (c *Context) ID() int32              { return c.id }
func (c *Context) State() State           { return c.state }
func (c *Context) IsReady() bool          { return c.ready }
func (c *Context) ExpectedNextSeq() int64 { return c.expectedNextChannelSeq }

func (c *Context) ExpectedNextSnapshotSeq() int32 {
	return c.expectedNextSnapshotSeq
}

func (c *Context) ChannelSeqOfCompletedSnapshot() int64 {
	return c.channelSeqOfCompletedSnapshot
}

// OnMessage feeds one sequenced message into the state machine and
// reports through action whether the caller should forward it now.
func (c *Context) OnMessage(m *Message, action *MessageAction) (err error) {
	if err := c.precheck(m.SenderSinkID); err != nil {
		return err
	}
	defer c.recoverToStop(&err)

	e, herr := c.state.onMessage(c, m, action)
	c.settle(e, herr, m.ChannelSeq)
	return nil
}

// OnSequentialSnapshot feeds one part of a sequential snapshot.
func (c *Context) OnSequentialSnapshot(p *SnapshotPart, action *MessageAction) (err error) {
	if err := c.precheck(p.SenderSinkID); err != nil {
		return err
	}
	defer c.recoverToStop(&err)

	e, herr := c.state.onSequentialSnapshot(c, p, action)
	c.settle(e, herr, p.ChannelSeq)
	return nil
}

// OnIndividualSnapshot feeds a stand-alone snapshot. No state accepts
// these; they are always dropped.
func (c *Context) OnIndividualSnapshot(m *Message, action *MessageAction) (err error) {
	if err := c.precheck(m.SenderSinkID); err != nil {
		return err
	}
	defer c.recoverToStop(&err)

	e, herr := c.state.onIndividualSnapshot(c, m, action)
	c.settle(e, herr, m.ChannelSeq)
	return nil
}

// OnMessageNotReceived reports that [fromSeq, toSeq] is known to be
// missing, typically from an upstream heartbeat.
func (c *Context) OnMessageNotReceived(fromSeq, toSeq int64) (err error) {
	if !c.ready {
		return ErrNotReady
	}
	defer c.recoverToStop(&err)

	e, herr := c.state.onMessageNotReceived(c, c.id, fromSeq, toSeq)
	c.settle(e, herr, fromSeq)
	return nil
}

// OnMissingMessageRequestFailure is called by the transport when a
// retransmission request could not be served.
func (c *Context) OnMissingMessageRequestFailure(result ResultType) (err error) {
	if !c.ready {
		return ErrNotReady
	}
	defer c.recoverToStop(&err)

	e, herr := c.state.onMissingMessageRequestFailure(c, result)
	c.settle(e, herr, c.expectedNextChannelSeq)
	return nil
}

// Flush releases buffered events downstream in order. A completed
// snapshot that is not behind the stream goes first and fast-forwards
// the expected sequence past it; then messages are drained up to the
// first hole. It reports whether the message buffer ended up empty.
func (c *Context) Flush() (bool, error) {
	if !c.ready {
		return false, ErrNotReady
	}
	if c.messageBuffer.IsEmpty() && c.expectedNextChannelSeq != NullSequence {
		c.messageBuffer.StartSequence(c.expectedNextChannelSeq)
	}
	if c.channelSeqOfCompletedSnapshot != NullSequence &&
		c.channelSeqOfCompletedSnapshot >= c.expectedNextChannelSeq {
		pos := c.channelSeqOfCompletedSnapshot
		if _, err := c.snapshotBuffer.FlushTillNull(c.release); err != nil {
			return false, err
		}
		c.snapshotBuffer.ClearAndStartSequenceAt(int64(StartResponseSeq))
		c.expectedNextChannelSeq = pos + 1
		c.channelSeqOfCompletedSnapshot = NullSequence
		c.discardMessagesUpTo(pos)
	}

	next, err := c.messageBuffer.FlushTillNull(c.release)
	c.expectedNextChannelSeq = next
	if err != nil {
		return false, err
	}
	return c.messageBuffer.IsEmpty(), nil
}

// ClearUpTo discards everything up to and including seq, typically after
// the downstream has resynchronised past it. The expected sequence moves
// to at least seq+1, and a snapshot positioned at or before seq is
// dropped together with its progress. A Buffering channel whose next
// message is already parked is flushed.
func (c *Context) ClearUpTo(seq int64) (err error) {
	if !c.ready {
		return ErrNotReady
	}
	if at := c.messageBuffer.Sequence(); at != memory.NullSequence && seq < at-1 {
		return fmt.Errorf("%w: clear up to %d behind buffer at %d", memory.ErrOutsideOfBufferRange, seq, at)
	}
	defer c.recoverToStop(&err)

	c.discardMessagesUpTo(seq)
	if c.channelSeqOfSnapshot <= seq {
		c.resetSnapshot()
		if c.state == StateBuffering {
			c.expectedNextSnapshotSeq = StartResponseSeq
		}
	}
	if c.expectedNextChannelSeq != NullSequence && c.expectedNextChannelSeq <= seq {
		c.expectedNextChannelSeq = seq + 1
	}

	if c.state != StateBuffering || !c.messageBuffer.Contains(c.expectedNextChannelSeq) {
		return nil
	}
	e, herr := flushAndRecover(c)
	c.settle(e, herr, seq)
	return nil
}

// StartAt locks a fresh channel onto nextSeq without waiting for a first
// message, as when resuming after a restart. The channel enters PassThru,
// so anything after a hole at nextSeq goes through gap recovery.
func (c *Context) StartAt(nextSeq int64) (err error) {
	if !c.ready {
		return ErrNotReady
	}
	if c.state != StateInitialization {
		return &StateTransitionError{From: c.state, Event: EventStartSeqDetected, Err: errAlreadyStarted}
	}
	defer c.recoverToStop(&err)

	c.expectedNextChannelSeq = nextSeq
	return c.proceed(EventStartSeqDetected)
}

func (c *Context) clear() {
	c.expectedNextChannelSeq = NullSequence
	c.expectedNextSnapshotSeq = NullResponseSeq
	c.channelSeqOfSnapshot = NullSequence
	c.channelSeqOfCompletedSnapshot = NullSequence
	c.sumOfSnapshotSeq = 0
	if c.messageBuffer.Sequence() != memory.NullSequence {
		c.messageBuffer.ClearAndStartSequenceAt(0)
	}
	if c.snapshotBuffer.Sequence() != memory.NullSequence {
		c.snapshotBuffer.ClearAndStartSequenceAt(int64(StartResponseSeq))
	}
}

func (c *Context) resetSnapshot() {
	c.expectedNextSnapshotSeq = NullResponseSeq
	c.channelSeqOfSnapshot = NullSequence
	c.channelSeqOfCompletedSnapshot = NullSequence
	c.sumOfSnapshotSeq = 0
	c.snapshotBuffer.ClearAndStartSequenceAt(int64(StartResponseSeq))
}

func (c *Context) precheck(senderSinkID int) error {
	if !c.ready {
		return ErrNotReady
	}
	if !c.senderCheck {
		return nil
	}
	if c.expectedSenderSinkID == sinkIDNotApplicable {
		c.expectedSenderSinkID = senderSinkID
		return nil
	}
	if c.expectedSenderSinkID != senderSinkID {
		return fmt.Errorf("%w [senderSinkId:%d, expectedSinkId:%d]",
			ErrUnexpectedSender, senderSinkID, c.expectedSenderSinkID)
	}
	return nil
}

// settle applies the event a handler produced. Failures are logged and
// abandon the current frame only; the channel stays where it is.
func (c *Context) settle(e StateEvent, herr error, channelSeq int64) {
	err := herr
	if herr != nil {
		err = &StateTransitionError{From: c.state, Event: e, Err: herr}
	} else {
		err = c.proceed(e)
	}
	if err != nil {
		c.log.Error("state transition failed",
			zap.Int64("channel_seq", channelSeq),
			zap.Error(err))
	}
}

func (c *Context) recoverToStop(err *error) {
	r := recover()
	if r == nil {
		return
	}
	from := c.state
	c.state = StateStop
	c.log.Error("handler panicked, channel stopped",
		zap.Stringer("from", from),
		zap.Any("panic", r))
	if c.listener != nil && from != StateStop {
		c.listener(Transition{From: from, To: StateStop, Event: EventFail})
	}
	*err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
}

func (c *Context) requestMessage(channelID int32, fromSeq, toSeq int64) {
	c.requester.Request(c, channelID, c.expectedNextChannelSeq, fromSeq, toSeq, c.expectedSenderSinkID)
}

func (c *Context) release(e *Event, seq int64, endOfBatch bool) error {
	return c.handler.OnEvent(e, seq, endOfBatch)
}

func (c *Context) storeMessageAndSetMissingSequence(missingSeq int64, m *Message) error {
	c.messageBuffer.StartSequence(missingSeq)
	return c.storeMessage(m)
}

func (c *Context) storeMessage(m *Message) error {
	if err := c.checkPayload(m.Payload); err != nil {
		return err
	}
	e, err := c.messageBuffer.Claim(m.ChannelSeq)
	if err != nil {
		return err
	}
	return e.Merge(m.ChannelID, m.ChannelSeq, NullResponseSeq, m.TemplateID, m.Payload)
}

// storeSnapshot buffers one accepted part by its part number. A part for
// a newer channel position starts a fresh snapshot. Completion uses the
// triangular sum 1+2+...+N = N(N+1)/2 instead of tracking parts one by one.
func (c *Context) storeSnapshot(p *SnapshotPart) error {
	if err := c.checkPayload(p.Payload); err != nil {
		return err
	}
	if p.ChannelSeq > c.channelSeqOfSnapshot {
		c.snapshotBuffer.ClearAndStartSequenceAt(int64(StartResponseSeq))
		c.channelSeqOfSnapshot = p.ChannelSeq
		c.sumOfSnapshotSeq = 0
	}
	e, err := c.snapshotBuffer.Claim(int64(p.SnapshotSeq))
	if err != nil {
		return err
	}
	if err := e.Merge(p.ChannelID, p.ChannelSeq, p.SnapshotSeq, p.TemplateID, p.Payload); err != nil {
		return err
	}

	c.sumOfSnapshotSeq += int64(p.SnapshotSeq)
	c.expectedNextSnapshotSeq = p.SnapshotSeq + 1
	if p.IsLast && c.sumOfSnapshotSeq == sumOfSequence(int64(p.SnapshotSeq)) {
		c.channelSeqOfCompletedSnapshot = p.ChannelSeq
		c.expectedNextSnapshotSeq = StartResponseSeq
	}
	return nil
}

var errPayloadTooLarge = errors.New("payload exceeds max message size")

func (c *Context) checkPayload(payload []byte) error {
	if len(payload) > c.maxMessageSize {
		return fmt.Errorf("%w [length:%d, max:%d]", errPayloadTooLarge, len(payload), c.maxMessageSize)
	}
	return nil
}

// discardMessagesUpTo drops messages a flushed snapshot already covers.
// If pos lies beyond the buffer window every buffered message is older
// than pos, so the whole buffer is restarted after it.
func (c *Context) discardMessagesUpTo(pos int64) {
	if pos < c.messageBuffer.Sequence() {
		return
	}
	if err := c.messageBuffer.ClearUpTo(pos); err != nil {
		c.messageBuffer.ClearAndStartSequenceAt(pos + 1)
	}
}

func sumOfSequence(last int64) int64 {
	return (last * (last + 1)) >> 1
}
