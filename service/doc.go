// Package service runs the channel recovery state machines.
//
// It owns one channelbuffer.Context per configured channel, feeds each
// from its own worker goroutine, forwards released events to a Sink and
// turns retransmission requests into outbox records. It is decoupled
// from the transports that feed it (Kafka, HTTP, the broadcaster).
package service
