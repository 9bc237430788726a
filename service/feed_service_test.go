package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"feedhandler/domain/channelbuffer"
	"feedhandler/infra/frame"
	"feedhandler/infra/journal"
	"feedhandler/infra/outbox"
)

const channel int32 = 7

// -------------------- fakes --------------------

type recordingSink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *recordingSink) Deliver(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *f
	c.Payload = append([]byte(nil), f.Payload...)
	s.frames = append(s.frames, c)
	return nil
}

func (s *recordingSink) seqs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.frames))
	for _, f := range s.frames {
		out = append(out, f.ChannelSeq)
	}
	return out
}

type fakeStore struct {
	mu   sync.Mutex
	reqs map[uint64]outbox.Request
	err  error
}

func (s *fakeStore) PutNew(id uint64, r outbox.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.reqs == nil {
		s.reqs = make(map[uint64]outbox.Request)
	}
	s.reqs[id] = r
	return nil
}

func (s *fakeStore) all() map[uint64]outbox.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]outbox.Request, len(s.reqs))
	for k, v := range s.reqs {
		out[k] = v
	}
	return out
}

// -------------------- helpers --------------------

func newService(t *testing.T, sink Sink, opts ...Option) *FeedService {
	t.Helper()
	cfg := Config{
		Name:             "md",
		Channels:         []int32{channel},
		MessageCapacity:  16,
		SnapshotCapacity: 8,
		SenderCheck:      true,
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	s, err := New(cfg, sink, opts...)
	require.NoError(t, err)
	return s
}

func msgFrame(seq int64) *frame.Frame {
	return &frame.Frame{
		Kind:         frame.KindMessage,
		ChannelID:    channel,
		ChannelSeq:   seq,
		SenderSinkID: 1,
		Payload:      []byte{byte(seq)},
	}
}

// feed drives the worker synchronously, without Start.
func feed(s *FeedService, frames ...*frame.Frame) {
	w := s.workers[channel]
	for _, f := range frames {
		w.handle(command{kind: cmdFrame, frame: f})
	}
}

// -------------------- tests --------------------

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{Channels: []int32{1, 1}}, nil)
	assert.Error(t, err)
}

func TestGapIsRecoveredInOrder(t *testing.T) {
	sink := &recordingSink{}
	store := &fakeStore{}
	s := newService(t, sink, WithRequestStore(store, nil))

	feed(s, msgFrame(100), msgFrame(101), msgFrame(105))

	st, ok := s.ChannelStatus(channel)
	require.True(t, ok)
	assert.Equal(t, "BUFFERING", st.State)
	assert.Equal(t, int64(102), st.ExpectedNextSeq)
	assert.Equal(t, []int64{100, 101}, sink.seqs())

	reqs := store.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, outbox.Request{
		ChannelID:       channel,
		ExpectedNextSeq: 102,
		FromSeq:         102,
		ToSeq:           102,
		SenderSinkID:    1,
	}, reqs[1])

	feed(s, msgFrame(102), msgFrame(103), msgFrame(104))

	assert.Equal(t, []int64{100, 101, 102, 103, 104, 105}, sink.seqs())
	st, _ = s.ChannelStatus(channel)
	assert.Equal(t, "PASS_THRU", st.State)
	assert.Equal(t, int64(106), st.ExpectedNextSeq)
	assert.Equal(t, uint64(6), st.Delivered)
	assert.Equal(t, uint64(1), st.Requests)
}

func TestSnapshotFastForwardsChannel(t *testing.T) {
	sink := &recordingSink{}
	s := newService(t, sink)

	feed(s, msgFrame(100), msgFrame(102))
	feed(s, &frame.Frame{
		Kind:         frame.KindSequentialSnapshot,
		ChannelID:    channel,
		ChannelSeq:   103,
		SnapshotSeq:  1,
		IsLast:       true,
		SenderSinkID: 1,
		Payload:      []byte("book"),
	})

	sink.mu.Lock()
	require.Len(t, sink.frames, 2)
	snap := sink.frames[1]
	sink.mu.Unlock()
	assert.Equal(t, frame.KindSequentialSnapshot, snap.Kind)
	assert.Equal(t, int64(103), snap.ChannelSeq)
	assert.Equal(t, int32(1), snap.SnapshotSeq)
	assert.True(t, snap.IsLast)
	assert.Equal(t, []byte("book"), snap.Payload)

	st, _ := s.ChannelStatus(channel)
	assert.Equal(t, "PASS_THRU", st.State)
	assert.Equal(t, int64(104), st.ExpectedNextSeq)

	feed(s, msgFrame(104))
	assert.Equal(t, []int64{100, 103, 104}, sink.seqs())
}

func TestMissingFrameStartsBuffering(t *testing.T) {
	store := &fakeStore{}
	s := newService(t, &recordingSink{}, WithRequestStore(store, nil))

	feed(s, msgFrame(10), &frame.Frame{
		Kind:         frame.KindMissing,
		ChannelID:    channel,
		ChannelSeq:   11,
		SnapshotSeq:  3,
		SenderSinkID: 1,
	})

	st, _ := s.ChannelStatus(channel)
	assert.Equal(t, "BUFFERING", st.State)
	reqs := store.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(11), reqs[1].FromSeq)
	assert.Equal(t, int64(13), reqs[1].ToSeq)
}

func TestStoreFailureStopsChannel(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	var transitions []channelbuffer.Transition
	s := newService(t, &recordingSink{},
		WithRequestStore(store, nil),
		WithStateObserver(func(_ ChannelStatus, tr channelbuffer.Transition) {
			transitions = append(transitions, tr)
		}))

	feed(s, msgFrame(1), msgFrame(3))

	st, _ := s.ChannelStatus(channel)
	assert.Equal(t, "STOP", st.State)
	require.NotEmpty(t, transitions)
	last := transitions[len(transitions)-1]
	assert.Equal(t, channelbuffer.StateStop, last.To)
	assert.Equal(t, channelbuffer.EventFail, last.Event)
}

func TestUnexpectedSenderIsRejected(t *testing.T) {
	sink := &recordingSink{}
	s := newService(t, sink)

	other := msgFrame(2)
	other.SenderSinkID = 9
	feed(s, msgFrame(1), other, msgFrame(2))

	assert.Equal(t, []int64{1, 2}, sink.seqs())
}

func TestResumePointsDropReleasedFrames(t *testing.T) {
	sink := &recordingSink{}
	s := newService(t, sink, WithResumePoints(map[int32]int64{channel: 10}))

	feed(s, msgFrame(9), msgFrame(10), msgFrame(11), msgFrame(12))
	assert.Equal(t, []int64{11, 12}, sink.seqs())
}

func TestResumePointsRequestGapAfterRestart(t *testing.T) {
	sink := &recordingSink{}
	store := &fakeStore{}
	s := newService(t, sink,
		WithRequestStore(store, nil),
		WithResumePoints(map[int32]int64{channel: 10}))

	st, _ := s.ChannelStatus(channel)
	assert.Equal(t, "PASS_THRU", st.State)
	assert.Equal(t, int64(11), st.ExpectedNextSeq)

	feed(s, msgFrame(15))
	assert.Empty(t, sink.seqs())
	st, _ = s.ChannelStatus(channel)
	assert.Equal(t, "BUFFERING", st.State)
	reqs := store.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, int64(11), reqs[1].FromSeq)
	assert.Equal(t, int64(11), reqs[1].ToSeq)

	feed(s, msgFrame(11), msgFrame(12), msgFrame(13), msgFrame(14))
	assert.Equal(t, []int64{11, 12, 13, 14, 15}, sink.seqs())
}

func TestStopProcessesQueuedCommands(t *testing.T) {
	sink := &recordingSink{}
	var released int
	s := newService(t, sink, WithRelease(func(*frame.Frame) { released++ }))

	w := s.workers[channel]
	for _, seq := range []int64{1, 2, 3} {
		w.cmds <- command{kind: cmdFrame, frame: msgFrame(seq)}
	}
	w.cmds <- command{kind: cmdClear, to: 5}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Start(ctx)
	s.Stop()

	assert.Equal(t, []int64{1, 2, 3}, sink.seqs())
	assert.Equal(t, 3, released)
	st, _ := s.ChannelStatus(channel)
	assert.Equal(t, int64(6), st.ExpectedNextSeq)
}

func TestClearUpToSkipsUnrecoverableRange(t *testing.T) {
	sink := &recordingSink{}
	s := newService(t, sink, WithRequestStore(&fakeStore{}, nil))

	feed(s, msgFrame(1), msgFrame(4), msgFrame(5))
	w := s.workers[channel]
	w.handle(command{kind: cmdClear, to: 3})

	assert.Equal(t, []int64{1, 4, 5}, sink.seqs())
	st, _ := s.ChannelStatus(channel)
	assert.Equal(t, "PASS_THRU", st.State)
	assert.Equal(t, int64(6), st.ExpectedNextSeq)

	assert.ErrorIs(t, s.ClearUpTo(context.Background(), 99, 1), ErrUnknownChannel)
}

func TestRequestTimeoutStopsChannel(t *testing.T) {
	cfg := Config{
		Name:           "md",
		Channels:       []int32{channel},
		SenderCheck:    true,
		RequestTimeout: time.Second,
	}
	s, err := New(cfg, &recordingSink{}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	feed(s, msgFrame(1), msgFrame(3))
	w := s.workers[channel]
	require.False(t, w.lastRequest.IsZero())

	w.checkTimeout(w.lastRequest.Add(500 * time.Millisecond))
	assert.Equal(t, channelbuffer.StateBuffering, w.ctx.State())

	w.checkTimeout(w.lastRequest.Add(2 * time.Second))
	assert.Equal(t, channelbuffer.StateStop, w.ctx.State())
}

func TestReleaseIsCalledForEveryFrame(t *testing.T) {
	var released int
	s := newService(t, &recordingSink{}, WithRelease(func(*frame.Frame) { released++ }))

	feed(s, msgFrame(1), msgFrame(2), msgFrame(2))
	assert.Equal(t, 3, released)
}

func TestSubmitRunsOnWorker(t *testing.T) {
	sink := &recordingSink{}
	store := &fakeStore{}
	s := newService(t, sink, WithRequestStore(store, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for _, seq := range []int64{100, 101, 105, 102, 103, 104} {
		require.NoError(t, s.Submit(ctx, msgFrame(seq)))
	}
	require.Eventually(t, func() bool {
		return len(sink.seqs()) == 6
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{100, 101, 102, 103, 104, 105}, sink.seqs())

	err := s.Submit(ctx, &frame.Frame{ChannelID: 99})
	assert.ErrorIs(t, err, ErrUnknownChannel)

	require.NoError(t, s.ReportRequestFailure(ctx, channel, channelbuffer.ResultRejected))
	require.Eventually(t, func() bool {
		st, _ := s.ChannelStatus(channel)
		return st.State == "STOP"
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.ErrorIs(t, s.Submit(ctx, msgFrame(106)), ErrStopped)
	assert.ErrorIs(t, s.NotifyMissing(ctx, channel, 1, 2), ErrStopped)
}

func TestNotifyMissingValidatesInput(t *testing.T) {
	s := newService(t, &recordingSink{})
	ctx := context.Background()

	assert.Error(t, s.NotifyMissing(ctx, channel, 5, 4))
	assert.ErrorIs(t, s.NotifyMissing(ctx, 99, 1, 2), ErrUnknownChannel)
}

func TestStatusIsOrderedByChannel(t *testing.T) {
	s, err := New(Config{Name: "md", Channels: []int32{3, 1, 2}}, nil)
	require.NoError(t, err)

	st := s.Status()
	require.Len(t, st, 3)
	assert.Equal(t, []int32{1, 2, 3}, []int32{st[0].ChannelID, st[1].ChannelID, st[2].ChannelID})
	assert.Equal(t, "md-1", st[0].Name)
	assert.Equal(t, "INITIALIZATION", st[0].State)
}

func TestResumePointsFromJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(journal.Config{Dir: dir, SegmentSize: 1 << 20, SegmentDuration: time.Hour})
	require.NoError(t, err)

	require.NoError(t, j.Append(msgFrame(5)))
	require.NoError(t, j.Append(&frame.Frame{
		Kind:        frame.KindSequentialSnapshot,
		ChannelID:   channel,
		ChannelSeq:  20,
		SnapshotSeq: 1,
		IsLast:      true,
	}))
	other := msgFrame(3)
	other.ChannelID = 8
	require.NoError(t, j.Append(other))
	require.NoError(t, j.Close())

	points, err := ResumePointsFromJournal(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, map[int32]int64{channel: 20, 8: 3}, points)

	points, err = ResumePointsFromJournal(dir+"/missing", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var hits int
	m := MultiSink{
		SinkFunc(func(*frame.Frame) error { hits++; return nil }),
		SinkFunc(func(*frame.Frame) error { hits++; return boom }),
	}
	err := m.Deliver(msgFrame(1))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, hits)
}
