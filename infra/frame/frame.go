// Package frame is the binary envelope channel records travel in, both
// on the ingestion topic and in the recovery journal.
//
// Layout (big endian):
//
//	[kind:1][channel:4][channelSeq:8][snapshotSeq:4][isLast:1]
//	[template:4][sender:1][len:4][payload][crc:4]
//
// The CRC covers the header and the payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind tells the dispatcher which channel entry point a frame feeds.
type Kind uint8

const (
	KindMessage Kind = iota
	KindSequentialSnapshot
	KindIndividualSnapshot
	// KindMissing carries a heartbeat notice that [ChannelSeq, ChannelSeq+SnapshotSeq)
	// was never delivered.
	KindMissing
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "MESSAGE"
	case KindSequentialSnapshot:
		return "SEQUENTIAL_SNAPSHOT"
	case KindIndividualSnapshot:
		return "INDIVIDUAL_SNAPSHOT"
	case KindMissing:
		return "MISSING"
	default:
		return "UNKNOWN"
	}
}

const (
	HeaderSize = 1 + 4 + 8 + 4 + 1 + 4 + 1 + 4
	crcSize    = 4

	// MaxPayloadSize bounds a single frame payload.
	MaxPayloadSize = 64 << 10
)

var (
	ErrCRCMismatch   = errors.New("frame: crc mismatch")
	ErrShortFrame    = errors.New("frame: short frame")
	ErrPayloadTooBig = errors.New("frame: payload too large")
)

// Frame is one decoded channel record.
type Frame struct {
	Kind         Kind
	ChannelID    int32
	ChannelSeq   int64
	SnapshotSeq  int32
	IsLast       bool
	TemplateID   int32
	SenderSinkID uint8
	Payload      []byte
}

// Reset clears f for reuse, keeping the payload backing array.
func (f *Frame) Reset() {
	p := f.Payload[:0]
	*f = Frame{Payload: p}
}

// Size returns the encoded length of f.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload) + crcSize
}

// AppendEncode appends the encoding of f to dst.
func AppendEncode(dst []byte, f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, len(f.Payload))
	}
	start := len(dst)
	var hdr [HeaderSize]byte
	hdr[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(f.ChannelID))
	binary.BigEndian.PutUint64(hdr[5:13], uint64(f.ChannelSeq))
	binary.BigEndian.PutUint32(hdr[13:17], uint32(f.SnapshotSeq))
	if f.IsLast {
		hdr[17] = 1
	}
	binary.BigEndian.PutUint32(hdr[18:22], uint32(f.TemplateID))
	hdr[22] = f.SenderSinkID
	binary.BigEndian.PutUint32(hdr[23:27], uint32(len(f.Payload)))

	dst = append(dst, hdr[:]...)
	dst = append(dst, f.Payload...)
	crc := CRC32(dst[start:])
	return binary.BigEndian.AppendUint32(dst, crc), nil
}

// Encode returns the encoding of f.
func Encode(f *Frame) ([]byte, error) {
	return AppendEncode(make([]byte, 0, f.Size()), f)
}

// Decode parses b into f. f.Payload reuses its backing array when it is
// large enough, so f must not be shared while it is being decoded into.
func Decode(b []byte, f *Frame) error {
	if len(b) < HeaderSize+crcSize {
		return ErrShortFrame
	}
	l := binary.BigEndian.Uint32(b[23:27])
	if l > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, l)
	}
	end := HeaderSize + int(l)
	if len(b) < end+crcSize {
		return ErrShortFrame
	}
	if !CRC32Valid(b[:end], binary.BigEndian.Uint32(b[end:end+crcSize])) {
		return ErrCRCMismatch
	}

	f.Kind = Kind(b[0])
	f.ChannelID = int32(binary.BigEndian.Uint32(b[1:5]))
	f.ChannelSeq = int64(binary.BigEndian.Uint64(b[5:13]))
	f.SnapshotSeq = int32(binary.BigEndian.Uint32(b[13:17]))
	f.IsLast = b[17] == 1
	f.TemplateID = int32(binary.BigEndian.Uint32(b[18:22]))
	f.SenderSinkID = b[22]
	f.Payload = append(f.Payload[:0], b[HeaderSize:end]...)
	return nil
}

// Read reads one frame from r into f.
func Read(r io.Reader, f *Frame) error {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}
	l := binary.BigEndian.Uint32(hdr[23:27])
	if l > MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooBig, l)
	}
	buf := make([]byte, HeaderSize+int(l)+crcSize)
	copy(buf, hdr)
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return Decode(buf, f)
}
