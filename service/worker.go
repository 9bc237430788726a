package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"feedhandler/domain/channelbuffer"
	"feedhandler/infra/frame"
	"feedhandler/infra/outbox"
)

type cmdKind uint8

const (
	cmdFrame cmdKind = iota
	cmdMissing
	cmdFailure
	cmdClear
)

type command struct {
	kind   cmdKind
	frame  *frame.Frame
	from   int64
	to     int64
	result channelbuffer.ResultType
}

// worker owns one channel context. Everything except the atomic status
// fields is touched by the worker goroutine only.
type worker struct {
	svc  *FeedService
	id   int32
	ctx  *channelbuffer.Context
	cmds chan command
	log  *zap.Logger

	lastRequest time.Time
	failures    []channelbuffer.ResultType

	msg    channelbuffer.Message
	part   channelbuffer.SnapshotPart
	action channelbuffer.MessageAction
	out    frame.Frame

	state     atomic.Uint32
	expected  atomic.Int64
	delivered atomic.Uint64
	requests  atomic.Uint64
}

func newWorker(s *FeedService, id int32) (*worker, error) {
	w := &worker{
		svc:  s,
		id:   id,
		cmds: make(chan command, s.cfg.QueueSize),
	}

	w.ctx = channelbuffer.NewContext(
		s.cfg.Name,
		id,
		s.cfg.MessageCapacity,
		s.cfg.SnapshotCapacity,
		w,
		channelbuffer.WithRequester(w),
		channelbuffer.WithLogger(s.log),
		channelbuffer.WithSenderCheck(s.cfg.SenderCheck),
		channelbuffer.WithMaxMessageSize(s.cfg.MaxMessageSize),
		channelbuffer.WithStateListener(w.onTransition),
	)
	w.log = s.log.With(zap.String("channel", w.ctx.Name()))
	if err := w.ctx.Init(false); err != nil {
		return nil, err
	}
	if p, ok := s.resume[id]; ok {
		if err := w.ctx.StartAt(p + 1); err != nil {
			return nil, fmt.Errorf("channel %s: resume after %d: %w", w.ctx.Name(), p, err)
		}
		w.log.Info("resumed from journal", zap.Int64("expected_next_seq", p+1))
	}
	w.publish()
	s.metrics.State.WithLabelValues(w.ctx.Name()).Set(float64(w.ctx.State()))
	return w, nil
}

func (w *worker) run(ctx context.Context) {
	var tick <-chan time.Time
	if w.svc.cfg.RequestTimeout > 0 {
		t := time.NewTicker(w.svc.cfg.RequestTimeout / 2)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case cmd := <-w.cmds:
			w.handle(cmd)
		case now := <-tick:
			w.checkTimeout(now)
		}
	}
}

// drain settles commands still queued at shutdown. Their frames may
// already be committed upstream, so they are processed, not dropped.
func (w *worker) drain() {
	for {
		select {
		case cmd := <-w.cmds:
			w.handle(cmd)
		default:
			return
		}
	}
}

func (w *worker) handle(cmd command) {
	var err error
	switch cmd.kind {
	case cmdFrame:
		err = w.onFrame(cmd.frame)
		w.svc.release(cmd.frame)
	case cmdMissing:
		err = w.ctx.OnMessageNotReceived(cmd.from, cmd.to)
	case cmdFailure:
		err = w.onFailure(cmd.result)
	case cmdClear:
		err = w.ctx.ClearUpTo(cmd.to)
	}
	if err != nil {
		w.onError(err)
	}

	// Requests that could not be recorded fail the channel only after the
	// command that issued them has settled.
	for len(w.failures) > 0 {
		result := w.failures[0]
		w.failures = w.failures[1:]
		if err := w.onFailure(result); err != nil {
			w.onError(err)
		}
	}
	w.publish()
}

func (w *worker) onFrame(f *frame.Frame) error {
	switch f.Kind {
	case frame.KindMessage:
		w.msg = channelbuffer.Message{
			ChannelID:    f.ChannelID,
			ChannelSeq:   f.ChannelSeq,
			TemplateID:   f.TemplateID,
			SenderSinkID: int(f.SenderSinkID),
			Payload:      f.Payload,
		}
		if err := w.ctx.OnMessage(&w.msg, &w.action); err != nil {
			return err
		}
		w.count(w.action.ActionType())
		if w.action.ActionType() == channelbuffer.SendNow {
			return w.deliver(f)
		}
		return nil

	case frame.KindSequentialSnapshot:
		w.part = channelbuffer.SnapshotPart{
			Message: channelbuffer.Message{
				ChannelID:    f.ChannelID,
				ChannelSeq:   f.ChannelSeq,
				TemplateID:   f.TemplateID,
				SenderSinkID: int(f.SenderSinkID),
				Payload:      f.Payload,
			},
			SnapshotSeq: f.SnapshotSeq,
			IsLast:      f.IsLast,
		}
		if err := w.ctx.OnSequentialSnapshot(&w.part, &w.action); err != nil {
			return err
		}
		w.count(w.action.ActionType())
		return nil

	case frame.KindIndividualSnapshot:
		w.msg = channelbuffer.Message{
			ChannelID:    f.ChannelID,
			ChannelSeq:   f.ChannelSeq,
			TemplateID:   f.TemplateID,
			SenderSinkID: int(f.SenderSinkID),
			Payload:      f.Payload,
		}
		if err := w.ctx.OnIndividualSnapshot(&w.msg, &w.action); err != nil {
			return err
		}
		w.count(w.action.ActionType())
		return nil

	case frame.KindMissing:
		if f.SnapshotSeq <= 0 {
			w.log.Warn("ignoring empty missing range", zap.Int64("channel_seq", f.ChannelSeq))
			return nil
		}
		return w.ctx.OnMessageNotReceived(f.ChannelSeq, f.ChannelSeq+int64(f.SnapshotSeq)-1)

	default:
		w.log.Warn("ignoring frame of unknown kind", zap.Stringer("kind", f.Kind))
		return nil
	}
}

func (w *worker) onFailure(result channelbuffer.ResultType) error {
	w.svc.metrics.RequestFailures.WithLabelValues(w.ctx.Name(), result.String()).Inc()
	return w.ctx.OnMissingMessageRequestFailure(result)
}

// checkTimeout fails a channel whose retransmission never arrived.
func (w *worker) checkTimeout(now time.Time) {
	timeout := w.svc.cfg.RequestTimeout
	if timeout <= 0 || w.lastRequest.IsZero() || w.ctx.State() != channelbuffer.StateBuffering {
		return
	}
	if now.Sub(w.lastRequest) < timeout {
		return
	}
	w.log.Warn("retransmission timed out",
		zap.Int64("expected_next_seq", w.ctx.ExpectedNextSeq()),
		zap.Duration("waited", now.Sub(w.lastRequest)))
	w.lastRequest = time.Time{}
	if err := w.onFailure(channelbuffer.ResultTimedOut); err != nil {
		w.onError(err)
	}
	w.publish()
}

func (w *worker) onError(err error) {
	kind := "other"
	switch {
	case errors.Is(err, channelbuffer.ErrUnexpectedSender):
		kind = "unexpected_sender"
	case errors.Is(err, channelbuffer.ErrHandlerPanic):
		kind = "panic"
	case errors.Is(err, channelbuffer.ErrNotReady):
		kind = "not_ready"
	}
	w.svc.metrics.Errors.WithLabelValues(w.ctx.Name(), kind).Inc()
	w.log.Warn("frame rejected", zap.String("kind", kind), zap.Error(err))
}

func (w *worker) count(a channelbuffer.ActionType) {
	w.svc.metrics.Actions.WithLabelValues(w.ctx.Name(), a.String()).Inc()
}

func (w *worker) deliver(f *frame.Frame) error {
	if w.svc.sink != nil {
		if err := w.svc.sink.Deliver(f); err != nil {
			return err
		}
	}
	w.delivered.Add(1)
	w.svc.metrics.Delivered.WithLabelValues(w.ctx.Name()).Inc()
	return nil
}

func (w *worker) publish() {
	w.state.Store(uint32(w.ctx.State()))
	w.expected.Store(w.ctx.ExpectedNextSeq())
	w.svc.metrics.ExpectedNextSeq.WithLabelValues(w.ctx.Name()).Set(float64(w.ctx.ExpectedNextSeq()))
}

func (w *worker) status() ChannelStatus {
	return ChannelStatus{
		ChannelID:       w.id,
		Name:            w.ctx.Name(),
		State:           channelbuffer.State(w.state.Load()).String(),
		ExpectedNextSeq: w.expected.Load(),
		Delivered:       w.delivered.Load(),
		Requests:        w.requests.Load(),
	}
}

//
// ──────────────────────────────────────────────────────────
// channelbuffer callbacks
// ──────────────────────────────────────────────────────────
//

// OnEvent releases a buffered event during a flush.
func (w *worker) OnEvent(e *channelbuffer.Event, _ int64, endOfBatch bool) error {
	w.out.Reset()
	w.out.Kind = frame.KindMessage
	if e.IsSnapshot() {
		w.out.Kind = frame.KindSequentialSnapshot
		w.out.SnapshotSeq = e.ResponseSeq
		w.out.IsLast = endOfBatch
	}
	w.out.ChannelID = e.ChannelID
	w.out.ChannelSeq = e.ChannelSeq
	w.out.TemplateID = e.TemplateID
	w.out.Payload = append(w.out.Payload, e.Payload()...)
	return w.deliver(&w.out)
}

// Request records a retransmission request in the outbox.
func (w *worker) Request(_ *channelbuffer.Context, channelID int32, expectedNextSeq, fromSeq, toSeq int64, senderSinkID int) {
	w.requests.Add(1)
	w.lastRequest = time.Now()
	w.svc.metrics.Requests.WithLabelValues(w.ctx.Name()).Inc()

	log := w.log.With(
		zap.Int64("expected_next_seq", expectedNextSeq),
		zap.Int64("from_seq", fromSeq),
		zap.Int64("to_seq", toSeq))
	if w.svc.store == nil {
		log.Info("retransmission requested")
		return
	}

	id := w.svc.seq.Next()
	err := w.svc.store.PutNew(id, outbox.Request{
		ChannelID:       channelID,
		ExpectedNextSeq: expectedNextSeq,
		FromSeq:         fromSeq,
		ToSeq:           toSeq,
		SenderSinkID:    int32(senderSinkID),
	})
	if err != nil {
		log.Error("recording retransmission request failed", zap.Error(err))
		w.failures = append(w.failures, channelbuffer.ResultFailed)
		return
	}
	log.Info("retransmission requested", zap.Uint64("request_id", id))
}

func (w *worker) onTransition(t channelbuffer.Transition) {
	name := w.ctx.Name()
	w.state.Store(uint32(t.To))
	w.svc.metrics.State.WithLabelValues(name).Set(float64(t.To))
	w.svc.metrics.Transitions.WithLabelValues(name, t.From.String(), t.To.String()).Inc()
	if t.Event == channelbuffer.EventGapDetected {
		w.svc.metrics.Gaps.WithLabelValues(name).Inc()
	}
	if t.From == channelbuffer.StateBuffering {
		w.lastRequest = time.Time{}
	}
	if w.svc.observer != nil {
		w.svc.observer(w.status(), t)
	}
}
