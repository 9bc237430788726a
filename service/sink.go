package service

import (
	"context"
	"errors"

	"feedhandler/infra/frame"
	"feedhandler/infra/journal"
	"feedhandler/infra/kafka"
)

// Sink receives every event a channel releases, in channel order. Each
// channel worker calls Deliver from its own goroutine, so a Sink shared
// by several channels must be safe for concurrent use. f is only valid
// for the duration of the call.
type Sink interface {
	Deliver(f *frame.Frame) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(f *frame.Frame) error

func (fn SinkFunc) Deliver(f *frame.Frame) error { return fn(f) }

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Deliver(f *frame.Frame) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JournalSink appends released events to the recovery journal.
type JournalSink struct {
	Journal *journal.Journal
}

func (s JournalSink) Deliver(f *frame.Frame) error {
	return s.Journal.Append(f)
}

// ProducerSink forwards released events to a Kafka topic.
type ProducerSink struct {
	Ctx      context.Context
	Producer *kafka.Producer
}

func (s ProducerSink) Deliver(f *frame.Frame) error {
	return s.Producer.SendFrame(s.Ctx, f)
}
