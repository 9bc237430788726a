// Package channelbuffer restores a gap-free, strictly ordered stream of
// channel messages from an upstream that may drop, duplicate or reorder
// frames.
//
// A Context is the per-channel session. It is driven by a single
// goroutine and moves through four states:
//
//	Initialization -> PassThru <-> Buffering
//	any            -> Stop
//
// While in PassThru every in-order message is released immediately
// (MessageAction SendNow). A gap moves the channel to Buffering, where
// arrivals are parked in a SequenceBuffer until retransmitted messages
// or a complete sequential snapshot restore continuity. Flush then
// replays everything downstream in order.
//
// The package never looks inside payloads.
package channelbuffer
