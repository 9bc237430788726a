package frame

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Frame {
	return &Frame{
		Kind:         KindSequentialSnapshot,
		ChannelID:    3,
		ChannelSeq:   1 << 40,
		SnapshotSeq:  7,
		IsLast:       true,
		TemplateID:   21,
		SenderSinkID: 9,
		Payload:      []byte("order-snapshot"),
	}
}

func TestEncodeDecode(t *testing.T) {
	in := sample()
	b, err := Encode(in)
	require.NoError(t, err)
	assert.Len(t, b, in.Size())

	var out Frame
	require.NoError(t, Decode(b, &out))
	assert.Equal(t, *in, out)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	b, err := Encode(sample())
	require.NoError(t, err)

	b[HeaderSize+2] ^= 0xff
	var out Frame
	assert.ErrorIs(t, Decode(b, &out), ErrCRCMismatch)
}

func TestDecodeShortFrame(t *testing.T) {
	b, err := Encode(sample())
	require.NoError(t, err)

	var out Frame
	assert.ErrorIs(t, Decode(b[:HeaderSize], &out), ErrShortFrame)
	assert.ErrorIs(t, Decode(b[:len(b)-1], &out), ErrShortFrame)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	f := sample()
	f.Payload = make([]byte, MaxPayloadSize+1)
	_, err := Encode(f)
	assert.ErrorIs(t, err, ErrPayloadTooBig)
}

func TestReadStream(t *testing.T) {
	var buf bytes.Buffer
	for seq := int64(1); seq <= 3; seq++ {
		f := sample()
		f.Kind = KindMessage
		f.ChannelSeq = seq
		b, err := Encode(f)
		require.NoError(t, err)
		buf.Write(b)
	}

	var f Frame
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, Read(&buf, &f))
		assert.Equal(t, seq, f.ChannelSeq)
	}
	assert.ErrorIs(t, Read(&buf, &f), io.EOF)
}

func TestResetKeepsPayloadCapacity(t *testing.T) {
	f := sample()
	c := cap(f.Payload)
	f.Reset()
	assert.Equal(t, Kind(0), f.Kind)
	assert.Empty(t, f.Payload)
	assert.Equal(t, c, cap(f.Payload))
}
