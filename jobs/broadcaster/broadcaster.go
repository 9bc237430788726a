// Package broadcaster drains the retransmission outbox to Kafka.
package broadcaster

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"feedhandler/domain/channelbuffer"
	"feedhandler/infra/outbox"
)

// FailureFunc is told about a request the broadcaster gave up on.
type FailureFunc func(id uint64, req outbox.Request, result channelbuffer.ResultType)

type Config struct {
	Brokers    []string
	Topic      string
	Interval   time.Duration
	MaxRetries uint32
	// Retention is how long ACKED and FAILED requests are kept.
	Retention time.Duration
}

type Broadcaster struct {
	outbox    *outbox.Outbox
	producer  sarama.SyncProducer
	cfg       Config
	onFailure FailureFunc
	log       *zap.Logger
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

func New(
	ob *outbox.Outbox,
	cfg Config,
	onFailure FailureFunc,
	log *zap.Logger,
) (*Broadcaster, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	return NewWithProducer(ob, producer, cfg, onFailure, log), nil
}

// NewWithProducer uses an existing producer. The broadcaster closes it.
func NewWithProducer(
	ob *outbox.Outbox,
	producer sarama.SyncProducer,
	cfg Config,
	onFailure FailureFunc,
	log *zap.Logger,
) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if onFailure == nil {
		onFailure = func(uint64, outbox.Request, channelbuffer.ResultType) {}
	}
	return &Broadcaster{
		outbox:    ob,
		producer:  producer,
		cfg:       cfg,
		onFailure: onFailure,
		log:       log.Named("broadcaster"),
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Run publishes pending requests every Interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	b.log.Info("started", zap.String("topic", b.cfg.Topic))

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.log.Info("stopped")
			return
		case <-ticker.C:
			if err := b.PublishPending(); err != nil {
				b.log.Error("publish pass failed", zap.Error(err))
			}
			if b.cfg.Retention > 0 {
				if err := b.Prune(time.Now().Add(-b.cfg.Retention)); err != nil {
					b.log.Warn("prune failed", zap.Error(err))
				}
			}
		}
	}
}

// PublishPending makes one pass over NEW and SENT requests. A request
// still unacknowledged after MaxRetries attempts is marked FAILED and
// handed to the failure callback.
func (b *Broadcaster) PublishPending() error {
	type pending struct {
		id  uint64
		rec outbox.Record
	}
	var batch []pending
	collect := func(id uint64, rec outbox.Record) error {
		batch = append(batch, pending{id: id, rec: rec})
		return nil
	}
	for _, state := range []outbox.State{outbox.StateNew, outbox.StateSent} {
		if err := b.outbox.ScanByState(state, collect); err != nil {
			return err
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].id < batch[j].id })

	for _, p := range batch {
		if err := b.publish(p.id, p.rec); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broadcaster) publish(id uint64, rec outbox.Record) error {
	if rec.Retries >= b.cfg.MaxRetries {
		if err := b.outbox.UpdateState(id, outbox.StateFailed, rec.Retries); err != nil {
			return err
		}
		b.log.Warn("giving up on retransmission request",
			zap.Uint64("request_id", id),
			zap.Int32("channel_id", rec.ChannelID),
			zap.Int64("from_seq", rec.FromSeq),
			zap.Int64("to_seq", rec.ToSeq),
			zap.Uint32("retries", rec.Retries))
		b.onFailure(id, rec.Request, channelbuffer.ResultFailed)
		return nil
	}

	retries := rec.Retries + 1
	if err := b.outbox.UpdateState(id, outbox.StateSent, retries); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: b.cfg.Topic,
		Key:   sarama.ByteEncoder(binary.BigEndian.AppendUint32(nil, uint32(rec.ChannelID))),
		Value: sarama.ByteEncoder(outbox.EncodeRequest(id, rec.Request)),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		b.log.Warn("send failed, will retry",
			zap.Uint64("request_id", id),
			zap.Uint32("attempt", retries),
			zap.Error(err))
		return nil
	}

	return b.outbox.UpdateState(id, outbox.StateAcked, retries)
}

// Prune deletes ACKED and FAILED requests last touched before cutoff.
func (b *Broadcaster) Prune(cutoff time.Time) error {
	var stale []uint64
	collect := func(id uint64, rec outbox.Record) error {
		if rec.LastAttempt < cutoff.UnixNano() {
			stale = append(stale, id)
		}
		return nil
	}
	for _, state := range []outbox.State{outbox.StateAcked, outbox.StateFailed} {
		if err := b.outbox.ScanByState(state, collect); err != nil {
			return err
		}
	}

	var errs []error
	for _, id := range stale {
		errs = append(errs, b.outbox.Delete(id))
	}
	return errors.Join(errs...)
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
