package memory

import (
	"errors"
	"fmt"
	"math"
)

// NullSequence is returned by Sequence before the buffer has been
// given a starting point.
const NullSequence int64 = -1

// emptySlot marks a slot that holds no live sequence.
const emptySlot int64 = math.MinInt64

// ErrOutsideOfBufferRange is returned when a sequence cannot be mapped
// onto the current window of the buffer.
var ErrOutsideOfBufferRange = errors.New("sequence outside of buffer range")

// FlushHandler receives every released element in increasing sequence
// order. endOfBatch is true for the last contiguous element.
type FlushHandler[T any] func(item T, seq int64, endOfBatch bool) error

type seqSlot[T any] struct {
	seq  int64
	item T
}

// SequenceBuffer is a fixed-capacity ring addressed by absolute sequence
// number. Element for seq lives at slot seq & mask. Elements are created
// once by the ctor and reused; callers populate the value returned by
// Claim in place.
//
// Every stored sequence is shifted by a generation offset that grows by
// the capacity on each full reset, so a reset never has to touch the
// slots: stale entries simply stop matching.
//
// Not safe for concurrent use.
type SequenceBuffer[T any] struct {
	capacity int64
	mask     int64
	slots    []seqSlot[T]

	// effective sequence of the first element still to be flushed
	at int64
	// highest effective sequence claimed since the last drain
	maxClaimed int64
	offset     int64
}

// NewSequenceBuffer allocates a buffer holding at least capacity elements.
// Capacity is rounded up to the next power of two.
func NewSequenceBuffer[T any](capacity int, ctor func() T) (*SequenceBuffer[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("sequence buffer: capacity must be greater than zero, got %d", capacity)
	}
	n := nextPowerOfTwo(int64(capacity))

	b := &SequenceBuffer[T]{
		capacity:   n,
		mask:       n - 1,
		slots:      make([]seqSlot[T], n),
		at:         NullSequence,
		maxClaimed: NullSequence,
	}
	for i := range b.slots {
		b.slots[i] = seqSlot[T]{seq: emptySlot, item: ctor()}
	}
	return b, nil
}

// Capacity returns the rounded capacity of the buffer.
func (b *SequenceBuffer[T]) Capacity() int {
	return int(b.capacity)
}

// StartSequence rebases the flush pointer without clearing contents.
func (b *SequenceBuffer[T]) StartSequence(seq int64) {
	b.at = seq + b.offset
}

// Sequence returns the next sequence expected to be flushed, or
// NullSequence before the buffer has been started.
func (b *SequenceBuffer[T]) Sequence() int64 {
	return b.at - b.offset
}

// Get returns the element stored for seq.
func (b *SequenceBuffer[T]) Get(seq int64) (T, bool) {
	eff := seq + b.offset
	s := &b.slots[eff&b.mask]
	if s.seq != eff {
		var zero T
		return zero, false
	}
	return s.item, true
}

// Contains reports whether seq currently holds a live element.
func (b *SequenceBuffer[T]) Contains(seq int64) bool {
	eff := seq + b.offset
	return b.slots[eff&b.mask].seq == eff
}

// Claim marks the slot for seq as live and returns its element for the
// caller to populate. seq must lie in [Sequence(), Sequence()+Capacity()).
func (b *SequenceBuffer[T]) Claim(seq int64) (T, error) {
	eff := seq + b.offset
	if eff < b.at || eff >= b.at+b.capacity {
		var zero T
		return zero, fmt.Errorf("%w: [sequence:%d, minSequence:%d, maxSequence:%d]",
			ErrOutsideOfBufferRange, seq, b.at-b.offset, b.at-b.offset+b.capacity-1)
	}
	s := &b.slots[eff&b.mask]
	s.seq = eff
	if eff > b.maxClaimed {
		b.maxClaimed = eff
	}
	return s.item, nil
}

// FlushTillNull hands every contiguous live element, starting at the
// current pointer, to fn and clears it. It stops at the first empty slot
// or at the first handler error, and returns the new pointer.
func (b *SequenceBuffer[T]) FlushTillNull(fn FlushHandler[T]) (int64, error) {
	for {
		s := &b.slots[b.at&b.mask]
		if s.seq != b.at {
			break
		}
		next := b.at + 1
		endOfBatch := b.slots[next&b.mask].seq != next

		if err := fn(s.item, s.seq-b.offset, endOfBatch); err != nil {
			return b.at - b.offset, err
		}
		s.seq = emptySlot
		b.at = next
	}
	if b.at > b.maxClaimed {
		b.maxClaimed = NullSequence
	}
	return b.at - b.offset, nil
}

// ClearAndStartSequenceAt drops every element and moves the pointer to seq.
func (b *SequenceBuffer[T]) ClearAndStartSequenceAt(seq int64) {
	b.offset += b.capacity
	if b.offset < 0 {
		b.offset = 0
	}
	b.at = seq + b.offset
	b.maxClaimed = NullSequence
}

// ClearUpTo drops every element up to and including seq and moves the
// pointer past it. seq+1 must not precede the pointer nor run past the
// window.
func (b *SequenceBuffer[T]) ClearUpTo(seq int64) error {
	next := seq + 1 + b.offset
	if next < b.at || next > b.at+b.capacity {
		return fmt.Errorf("%w: [sequence:%d, minSequence:%d, maxSequence:%d]",
			ErrOutsideOfBufferRange, seq, b.at-b.offset, b.at-b.offset+b.capacity-1)
	}
	for eff := b.at; eff < next; eff++ {
		if s := &b.slots[eff&b.mask]; s.seq == eff {
			s.seq = emptySlot
		}
	}
	b.at = next
	if next > b.maxClaimed {
		b.maxClaimed = NullSequence
	}
	return nil
}

// IsEmpty reports whether no claimed element is waiting at or beyond
// the pointer.
func (b *SequenceBuffer[T]) IsEmpty() bool {
	return b.maxClaimed == NullSequence
}

func nextPowerOfTwo(v int64) int64 {
	n := int64(1)
	for n < v {
		n <<= 1
	}
	return n
}
