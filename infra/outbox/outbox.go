// Package outbox is the durable queue of retransmission requests. A
// channel worker records a request as NEW; the broadcaster publishes it
// and moves it through SENT to ACKED, or to FAILED once it gives up.
package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Record --------------------

// Request is one retransmission request for [FromSeq, ToSeq] on a channel.
type Request struct {
	ChannelID       int32
	ExpectedNextSeq int64
	FromSeq         int64
	ToSeq           int64
	SenderSinkID    int32
}

type Record struct {
	Request
	State       State
	Retries     uint32
	LastAttempt int64
}

const recordSize = 4 + 8 + 8 + 8 + 4 + 1 + 4 + 8

var ErrInvalidRecord = errors.New("invalid outbox record length")

// binary encoding:
// [channel:4][expected:8][from:8][to:8][sender:4][state:1][retries:4][lastAttempt:8]
func encodeRecord(r Record) []byte {
	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.ChannelID))
	binary.BigEndian.PutUint64(buf[4:12], uint64(r.ExpectedNextSeq))
	binary.BigEndian.PutUint64(buf[12:20], uint64(r.FromSeq))
	binary.BigEndian.PutUint64(buf[20:28], uint64(r.ToSeq))
	binary.BigEndian.PutUint32(buf[28:32], uint32(r.SenderSinkID))
	buf[32] = byte(r.State)
	binary.BigEndian.PutUint32(buf[33:37], r.Retries)
	binary.BigEndian.PutUint64(buf[37:45], uint64(r.LastAttempt))
	return buf
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) != recordSize {
		return Record{}, ErrInvalidRecord
	}
	return Record{
		Request: Request{
			ChannelID:       int32(binary.BigEndian.Uint32(b[0:4])),
			ExpectedNextSeq: int64(binary.BigEndian.Uint64(b[4:12])),
			FromSeq:         int64(binary.BigEndian.Uint64(b[12:20])),
			ToSeq:           int64(binary.BigEndian.Uint64(b[20:28])),
			SenderSinkID:    int32(binary.BigEndian.Uint32(b[28:32])),
		},
		State:       State(b[32]),
		Retries:     binary.BigEndian.Uint32(b[33:37]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[37:45])),
	}, nil
}

// EncodeRequest is the wire form published to the retransmission topic.
func EncodeRequest(id uint64, r Request) []byte {
	buf := make([]byte, 8, 8+recordSize)
	binary.BigEndian.PutUint64(buf, id)
	return append(buf, encodeRecord(Record{Request: r})[:32]...)
}

// DecodeRequest parses the output of EncodeRequest.
func DecodeRequest(b []byte) (uint64, Request, error) {
	if len(b) != 8+32 {
		return 0, Request{}, ErrInvalidRecord
	}
	rec := make([]byte, recordSize)
	copy(rec, b[8:])
	r, err := decodeRecord(rec)
	return binary.BigEndian.Uint64(b[:8]), r.Request, err
}

// -------------------- Outbox --------------------

type Outbox struct {
	db *pebble.DB
}

// Open opens the outbox at dir. opts may be nil.
func Open(dir string, opts *pebble.Options) (*Outbox, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// -------------------- API --------------------

// PutNew records a fresh request under id.
func (o *Outbox) PutNew(id uint64, r Request) error {
	return o.db.Set(keyFor(id), encodeRecord(Record{Request: r, State: StateNew}), pebble.Sync)
}

// UpdateState moves a request to state after a send attempt.
func (o *Outbox) UpdateState(id uint64, state State, retries uint32) error {
	rec, err := o.Get(id)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(id), encodeRecord(rec), pebble.Sync)
}

// Delete removes a finished request.
func (o *Outbox) Delete(id uint64) error {
	return o.db.Delete(keyFor(id), pebble.Sync)
}

// Get returns the current record for id.
func (o *Outbox) Get(id uint64) (Record, error) {
	val, closer, err := o.db.Get(keyFor(id))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()

	return decodeRecord(val)
}

// LastID returns the highest request id stored, or 0.
func (o *Outbox) LastID() (uint64, error) {
	iter, err := o.db.NewIter(keyBounds())
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}

// -------------------- Scan --------------------

// ScanByState iterates requests in state, oldest first.
func (o *Outbox) ScanByState(
	state State,
	fn func(id uint64, rec Record) error,
) error {
	iter, err := o.db.NewIter(keyBounds())
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeRecord(iter.Value())
		if err != nil {
			return err
		}
		if rec.State != state {
			continue
		}

		id, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		if err := fn(id, rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

const keyPrefix = "req/"

func keyBounds() *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("req/~"),
	}
}

func keyFor(id uint64) []byte {
	return []byte(fmt.Sprintf(keyPrefix+"%020d", id))
}

func parseKey(b []byte) (uint64, error) {
	var id uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(keyPrefix))), "%d", &id)
	return id, err
}
