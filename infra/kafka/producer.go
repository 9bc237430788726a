package kafka

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/segmentio/kafka-go"

	"feedhandler/infra/frame"
)

// Producer writes channel frames to a topic. Frames are keyed by channel
// id so one channel always lands on one partition, in order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Send(
	ctx context.Context,
	key []byte,
	value []byte,
) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
	})
}

// SendFrame encodes f and writes it keyed by its channel.
func (p *Producer) SendFrame(ctx context.Context, f *frame.Frame) error {
	value, err := frame.Encode(f)
	if err != nil {
		return err
	}
	return p.Send(ctx, ChannelKey(f.ChannelID), value)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// ChannelKey is the partition key for a channel.
func ChannelKey(channelID int32) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(channelID))
}
