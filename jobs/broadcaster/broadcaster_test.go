package broadcaster

import (
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"feedhandler/domain/channelbuffer"
	"feedhandler/infra/outbox"
)

func openOutbox(t *testing.T) *outbox.Outbox {
	t.Helper()
	ob, err := outbox.Open("outbox", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ob.Close() })
	return ob
}

var req = outbox.Request{
	ChannelID:       7,
	ExpectedNextSeq: 102,
	FromSeq:         102,
	ToSeq:           102,
	SenderSinkID:    1,
}

func TestPublishPendingAcksOnSuccess(t *testing.T) {
	ob := openOutbox(t)
	require.NoError(t, ob.PutNew(1, req))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		id, got, err := outbox.DecodeRequest(val)
		if err != nil {
			return err
		}
		if id != 1 || got != req {
			return errors.New("unexpected request on the wire")
		}
		return nil
	})

	b := NewWithProducer(ob, producer, Config{Topic: "retransmit"}, nil, zaptest.NewLogger(t))
	defer b.Close()

	require.NoError(t, b.PublishPending())

	rec, err := ob.Get(1)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateAcked, rec.State)
	assert.Equal(t, uint32(1), rec.Retries)
}

func TestPublishPendingGivesUpAfterMaxRetries(t *testing.T) {
	ob := openOutbox(t)
	require.NoError(t, ob.PutNew(1, req))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	var failed []channelbuffer.ResultType
	onFailure := func(id uint64, r outbox.Request, result channelbuffer.ResultType) {
		assert.Equal(t, uint64(1), id)
		assert.Equal(t, req, r)
		failed = append(failed, result)
	}

	b := NewWithProducer(ob, producer, Config{Topic: "retransmit", MaxRetries: 2}, onFailure, zaptest.NewLogger(t))
	defer b.Close()

	require.NoError(t, b.PublishPending())
	rec, err := ob.Get(1)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateSent, rec.State)
	assert.Equal(t, uint32(1), rec.Retries)

	require.NoError(t, b.PublishPending())
	assert.Empty(t, failed)

	require.NoError(t, b.PublishPending())
	rec, err = ob.Get(1)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateFailed, rec.State)
	assert.Equal(t, []channelbuffer.ResultType{channelbuffer.ResultFailed}, failed)

	// FAILED requests are not retried.
	require.NoError(t, b.PublishPending())
	assert.Len(t, failed, 1)
}

func TestPublishPendingKeepsIDOrder(t *testing.T) {
	ob := openOutbox(t)
	for id := uint64(1); id <= 3; id++ {
		r := req
		r.FromSeq = int64(100 + id)
		require.NoError(t, ob.PutNew(id, r))
	}

	producer := mocks.NewSyncProducer(t, nil)
	var order []uint64
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			id, _, err := outbox.DecodeRequest(val)
			order = append(order, id)
			return err
		})
	}

	b := NewWithProducer(ob, producer, Config{Topic: "retransmit"}, nil, zaptest.NewLogger(t))
	defer b.Close()

	require.NoError(t, b.PublishPending())
	assert.Equal(t, []uint64{1, 2, 3}, order)
}

func TestPruneDropsFinishedRequests(t *testing.T) {
	ob := openOutbox(t)
	require.NoError(t, ob.PutNew(1, req))
	require.NoError(t, ob.PutNew(2, req))
	require.NoError(t, ob.UpdateState(1, outbox.StateAcked, 1))

	producer := mocks.NewSyncProducer(t, nil)
	b := NewWithProducer(ob, producer, Config{Topic: "retransmit"}, nil, zaptest.NewLogger(t))
	defer b.Close()

	require.NoError(t, b.Prune(time.Now().Add(time.Hour)))

	_, err := ob.Get(1)
	assert.ErrorIs(t, err, pebble.ErrNotFound)

	rec, err := ob.Get(2)
	require.NoError(t, err)
	assert.Equal(t, outbox.StateNew, rec.State)
}
