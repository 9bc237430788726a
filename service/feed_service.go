package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"feedhandler/domain/channelbuffer"
	"feedhandler/infra/frame"
	"feedhandler/infra/metrics"
	"feedhandler/infra/outbox"
	"feedhandler/infra/sequence"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrStopped        = errors.New("feed service stopped")
)

// RequestStore durably records retransmission requests.
type RequestStore interface {
	PutNew(id uint64, r outbox.Request) error
}

type Config struct {
	// Name prefixes every channel name ("<name>-<id>").
	Name             string
	Channels         []int32
	MessageCapacity  int
	SnapshotCapacity int
	MaxMessageSize   int
	SenderCheck      bool
	// QueueSize is the per-channel command queue length.
	QueueSize int
	// RequestTimeout fails a channel that stays BUFFERING this long after
	// its last retransmission request. Zero disables it.
	RequestTimeout time.Duration
}

// StateObserver is told about every state change of every channel. It
// runs on the channel's worker goroutine and must not block.
type StateObserver func(status ChannelStatus, t channelbuffer.Transition)

type Option func(*FeedService)

func WithLogger(l *zap.Logger) Option {
	return func(s *FeedService) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *FeedService) { s.metrics = m }
}

// WithRequestStore makes retransmission requests durable. Ids come from
// seq, which should already be resumed past the highest stored id.
func WithRequestStore(store RequestStore, seq *sequence.Sequencer) Option {
	return func(s *FeedService) {
		s.store = store
		s.seq = seq
	}
}

// WithRelease is called with every submitted frame once its channel is
// done with it.
func WithRelease(fn func(*frame.Frame)) Option {
	return func(s *FeedService) { s.release = fn }
}

func WithStateObserver(fn StateObserver) Option {
	return func(s *FeedService) { s.observer = fn }
}

// WithResumePoints starts each listed channel in PASS_THRU expecting the
// sequence after its resume point. Frames released before a restart are
// dropped as stale, and anything lost in between is requested as a gap.
func WithResumePoints(points map[int32]int64) Option {
	return func(s *FeedService) { s.resume = points }
}

/*
FeedService is the only write entry point into the channel state
machines. Every configured channel gets one channelbuffer.Context and one
worker goroutine that owns it; all input for a channel is funnelled
through that worker's command queue.
*/
type FeedService struct {
	cfg      Config
	sink     Sink
	log      *zap.Logger
	metrics  *metrics.Metrics
	store    RequestStore
	seq      *sequence.Sequencer
	release  func(*frame.Frame)
	observer StateObserver
	resume   map[int32]int64

	workers map[int32]*worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New builds and initialises one context per channel. No goroutine runs
// until Start.
func New(cfg Config, sink Sink, opts ...Option) (*FeedService, error) {
	if len(cfg.Channels) == 0 {
		return nil, errors.New("feed service: no channels configured")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.MessageCapacity <= 0 {
		cfg.MessageCapacity = 4096
	}
	if cfg.SnapshotCapacity <= 0 {
		cfg.SnapshotCapacity = 1024
	}
	s := &FeedService{
		cfg:     cfg,
		sink:    sink,
		log:     zap.NewNop(),
		release: func(*frame.Frame) {},
		workers: make(map[int32]*worker, len(cfg.Channels)),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.store != nil && s.seq == nil {
		s.seq = sequence.New(0)
	}
	s.log = s.log.Named("feed")

	for _, id := range cfg.Channels {
		if _, dup := s.workers[id]; dup {
			return nil, fmt.Errorf("feed service: duplicate channel %d", id)
		}
		w, err := newWorker(s, id)
		if err != nil {
			return nil, err
		}
		s.workers[id] = w
	}
	return s, nil
}

// Start runs one worker per channel until ctx is done or Stop is called.
func (s *FeedService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.run(ctx)
		}(w)
	}
	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	s.log.Info("started", zap.Int("channels", len(s.workers)))
}

// Stop cancels every worker and waits for them to exit.
func (s *FeedService) Stop() {
	s.mu.Lock()
	started := s.started
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	if started {
		<-s.done
	}
}

//
// ──────────────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────────────
//

// Submit hands f to its channel. The service owns f from here on and
// gives it back through the release callback.
func (s *FeedService) Submit(ctx context.Context, f *frame.Frame) error {
	w, ok := s.workers[f.ChannelID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, f.ChannelID)
	}
	return s.enqueue(ctx, w, command{kind: cmdFrame, frame: f})
}

// NotifyMissing reports that [fromSeq, toSeq] will never arrive on
// channelID without a retransmission.
func (s *FeedService) NotifyMissing(ctx context.Context, channelID int32, fromSeq, toSeq int64) error {
	if toSeq < fromSeq {
		return fmt.Errorf("invalid range [%d, %d]", fromSeq, toSeq)
	}
	w, ok := s.workers[channelID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	return s.enqueue(ctx, w, command{kind: cmdMissing, from: fromSeq, to: toSeq})
}

// ClearUpTo discards everything buffered on channelID up to and including
// seq and moves the channel past it.
func (s *FeedService) ClearUpTo(ctx context.Context, channelID int32, seq int64) error {
	w, ok := s.workers[channelID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	return s.enqueue(ctx, w, command{kind: cmdClear, to: seq})
}

// ReportRequestFailure routes a failed retransmission request back to
// its channel.
func (s *FeedService) ReportRequestFailure(ctx context.Context, channelID int32, result channelbuffer.ResultType) error {
	w, ok := s.workers[channelID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	return s.enqueue(ctx, w, command{kind: cmdFailure, result: result})
}

func (s *FeedService) enqueue(ctx context.Context, w *worker, cmd command) error {
	select {
	case <-s.done:
		return ErrStopped
	default:
	}
	select {
	case w.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

//
// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────
//

// ChannelStatus is a point-in-time view of one channel.
type ChannelStatus struct {
	ChannelID       int32  `json:"channel_id"`
	Name            string `json:"name"`
	State           string `json:"state"`
	ExpectedNextSeq int64  `json:"expected_next_seq"`
	Delivered       uint64 `json:"delivered"`
	Requests        uint64 `json:"requests"`
}

// Status returns every channel, ordered by id.
func (s *FeedService) Status() []ChannelStatus {
	out := make([]ChannelStatus, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// ChannelStatus returns the status of one channel.
func (s *FeedService) ChannelStatus(channelID int32) (ChannelStatus, bool) {
	w, ok := s.workers[channelID]
	if !ok {
		return ChannelStatus{}, false
	}
	return w.status(), true
}
