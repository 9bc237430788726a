package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	v int64
}

func newTestBuffer(t *testing.T, capacity int) *SequenceBuffer[*item] {
	t.Helper()
	b, err := NewSequenceBuffer(capacity, func() *item { return &item{} })
	require.NoError(t, err)
	return b
}

func collect(out *[]int64) FlushHandler[*item] {
	return func(it *item, seq int64, _ bool) error {
		*out = append(*out, seq)
		return nil
	}
}

func TestSequenceBufferRejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewSequenceBuffer(0, func() *item { return &item{} })
	require.Error(t, err)
}

func TestSequenceBufferRoundsCapacityToPowerOfTwo(t *testing.T) {
	b := newTestBuffer(t, 5)
	assert.Equal(t, 8, b.Capacity())
	assert.Equal(t, NullSequence, b.Sequence())
	assert.True(t, b.IsEmpty())
}

func TestSequenceBufferClaimAndFlushInOrder(t *testing.T) {
	b := newTestBuffer(t, 8)
	b.StartSequence(100)

	for _, seq := range []int64{102, 100, 101} {
		it, err := b.Claim(seq)
		require.NoError(t, err)
		it.v = seq * 10
	}
	assert.False(t, b.IsEmpty())

	var got []int64
	next, err := b.FlushTillNull(collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 101, 102}, got)
	assert.Equal(t, int64(103), next)
	assert.True(t, b.IsEmpty())
	assert.False(t, b.Contains(101))
}

func TestSequenceBufferFlushStopsAtFirstHole(t *testing.T) {
	b := newTestBuffer(t, 8)
	b.StartSequence(10)
	for _, seq := range []int64{10, 11, 13} {
		_, err := b.Claim(seq)
		require.NoError(t, err)
	}

	var got []int64
	next, err := b.FlushTillNull(collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, got)
	assert.Equal(t, int64(12), next)
	assert.False(t, b.IsEmpty())
	assert.True(t, b.Contains(13))
}

func TestSequenceBufferEndOfBatch(t *testing.T) {
	b := newTestBuffer(t, 8)
	b.StartSequence(0)
	for seq := int64(0); seq < 3; seq++ {
		_, err := b.Claim(seq)
		require.NoError(t, err)
	}

	var ends []bool
	_, err := b.FlushTillNull(func(_ *item, _ int64, end bool) error {
		ends = append(ends, end)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true}, ends)
}

func TestSequenceBufferClaimOutsideWindow(t *testing.T) {
	b := newTestBuffer(t, 4)
	b.StartSequence(20)

	_, err := b.Claim(19)
	assert.True(t, errors.Is(err, ErrOutsideOfBufferRange))

	_, err = b.Claim(24)
	assert.True(t, errors.Is(err, ErrOutsideOfBufferRange))

	_, err = b.Claim(23)
	assert.NoError(t, err)
}

func TestSequenceBufferClearAndStartSequenceAtInvalidatesSlots(t *testing.T) {
	b := newTestBuffer(t, 4)
	b.StartSequence(1)
	_, err := b.Claim(1)
	require.NoError(t, err)

	b.ClearAndStartSequenceAt(1)
	assert.False(t, b.Contains(1))
	assert.True(t, b.IsEmpty())
	assert.Equal(t, int64(1), b.Sequence())

	var got []int64
	next, err := b.FlushTillNull(collect(&got))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int64(1), next)
}

func TestSequenceBufferClearUpTo(t *testing.T) {
	b := newTestBuffer(t, 8)
	b.StartSequence(0)
	for _, seq := range []int64{0, 1, 2, 5} {
		_, err := b.Claim(seq)
		require.NoError(t, err)
	}

	require.NoError(t, b.ClearUpTo(2))
	assert.Equal(t, int64(3), b.Sequence())
	assert.False(t, b.Contains(2))
	assert.True(t, b.Contains(5))
	assert.False(t, b.IsEmpty())

	require.NoError(t, b.ClearUpTo(5))
	assert.True(t, b.IsEmpty())

	err := b.ClearUpTo(1)
	assert.True(t, errors.Is(err, ErrOutsideOfBufferRange))

	err = b.ClearUpTo(6 + 8)
	assert.True(t, errors.Is(err, ErrOutsideOfBufferRange))
}

func TestSequenceBufferHandlerErrorKeepsPointer(t *testing.T) {
	b := newTestBuffer(t, 8)
	b.StartSequence(0)
	for seq := int64(0); seq < 3; seq++ {
		_, err := b.Claim(seq)
		require.NoError(t, err)
	}

	boom := errors.New("boom")
	next, err := b.FlushTillNull(func(_ *item, seq int64, _ bool) error {
		if seq == 1 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), next)
	assert.True(t, b.Contains(1))
}

func TestSequenceBufferWrapsAround(t *testing.T) {
	b := newTestBuffer(t, 4)
	b.StartSequence(0)

	var got []int64
	for seq := int64(0); seq < 10; seq++ {
		it, err := b.Claim(seq)
		require.NoError(t, err)
		it.v = seq
		_, err = b.FlushTillNull(func(it *item, s int64, _ bool) error {
			assert.Equal(t, s, it.v)
			got = append(got, s)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Len(t, got, 10)
	assert.Equal(t, int64(10), b.Sequence())
}

func BenchmarkSequenceBufferClaimFlush(b *testing.B) {
	buf, _ := NewSequenceBuffer(1024, func() *item { return &item{} })
	buf.StartSequence(0)
	noop := func(*item, int64, bool) error { return nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = buf.Claim(int64(i))
		_, _ = buf.FlushTillNull(noop)
	}
}
