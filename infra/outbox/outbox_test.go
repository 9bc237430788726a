package outbox

import (
	"errors"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open("outbox", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func req(channel int32, from int64) Request {
	return Request{
		ChannelID:       channel,
		ExpectedNextSeq: from,
		FromSeq:         from,
		ToSeq:           from + 2,
		SenderSinkID:    4,
	}
}

func TestPutNewAndGet(t *testing.T) {
	o := openTestOutbox(t)
	require.NoError(t, o.PutNew(1, req(3, 102)))

	rec, err := o.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateNew, rec.State)
	assert.Equal(t, req(3, 102), rec.Request)
	assert.Zero(t, rec.Retries)
}

func TestUpdateStateKeepsRequest(t *testing.T) {
	o := openTestOutbox(t)
	require.NoError(t, o.PutNew(7, req(1, 50)))
	require.NoError(t, o.UpdateState(7, StateSent, 2))

	rec, err := o.Get(7)
	require.NoError(t, err)
	assert.Equal(t, StateSent, rec.State)
	assert.Equal(t, uint32(2), rec.Retries)
	assert.NotZero(t, rec.LastAttempt)
	assert.Equal(t, req(1, 50), rec.Request)
}

func TestUpdateMissingRequest(t *testing.T) {
	o := openTestOutbox(t)
	err := o.UpdateState(99, StateSent, 0)
	assert.True(t, errors.Is(err, pebble.ErrNotFound))
}

func TestScanByStateInIDOrder(t *testing.T) {
	o := openTestOutbox(t)
	for id := uint64(1); id <= 12; id++ {
		require.NoError(t, o.PutNew(id, req(1, int64(id*10))))
	}
	require.NoError(t, o.UpdateState(3, StateAcked, 0))
	require.NoError(t, o.Delete(5))

	var ids []uint64
	require.NoError(t, o.ScanByState(StateNew, func(id uint64, rec Record) error {
		ids = append(ids, id)
		assert.Equal(t, int64(id*10), rec.FromSeq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 4, 6, 7, 8, 9, 10, 11, 12}, ids)

	last, err := o.LastID()
	require.NoError(t, err)
	assert.Equal(t, uint64(12), last)
}

func TestLastIDEmpty(t *testing.T) {
	o := openTestOutbox(t)
	last, err := o.LastID()
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestRequestWireForm(t *testing.T) {
	b := EncodeRequest(42, req(9, 1000))
	id, r, err := DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
	assert.Equal(t, req(9, 1000), r)

	_, _, err = DecodeRequest(b[:10])
	assert.ErrorIs(t, err, ErrInvalidRecord)
}
