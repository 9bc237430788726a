package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"feedhandler/infra/frame"
	"feedhandler/infra/memory"
)

type ConsumerConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// FrameHandler takes ownership of f and must hand it back with
// Consumer.Release once done with it.
type FrameHandler func(ctx context.Context, f *frame.Frame) error

// Consumer reads channel frames from a topic and decodes them into
// pooled Frames.
type Consumer struct {
	reader *kafka.Reader
	pool   *memory.Pool[frame.Frame]
	log    *zap.Logger
}

func NewConsumer(cfg ConsumerConfig, log *zap.Logger) *Consumer {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 << 20
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxWait:  cfg.MaxWait,
		}),
		pool: memory.NewPool(func() *frame.Frame {
			return &frame.Frame{Payload: make([]byte, 0, 512)}
		}),
		log: log.Named("consumer"),
	}
}

// Run fetches until ctx is cancelled. Offsets are committed once fn has
// accepted the frame. Frames that fail to decode are logged and skipped.
func (c *Consumer) Run(ctx context.Context, fn FrameHandler) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		f := c.pool.Get()
		f.Reset()
		if err := frame.Decode(m.Value, f); err != nil {
			c.log.Warn("skipping undecodable frame",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err))
			c.pool.Put(f)
		} else if err := fn(ctx, f); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Release returns a frame handed out by Run to the pool.
func (c *Consumer) Release(f *frame.Frame) {
	c.pool.Put(f)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
