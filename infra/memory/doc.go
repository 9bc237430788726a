// Package memory provides the low-level primitives for buffer
// management and object reuse on the ingestion hot path. It includes
// the sequence-addressed ring (SequenceBuffer) used by channel
// recovery, and a typed object Pool for decoded frames.
//
// The memory package is dependency-free. Nothing in it allocates
// after construction except the Pool, which falls back to its ctor.
package memory
