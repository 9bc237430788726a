package channelbuffer

// Message is one sequenced frame as handed over by the decoder. Payload
// is opaque; it is copied only when the message has to be buffered.
type Message struct {
	ChannelID    int32
	ChannelSeq   int64
	TemplateID   int32
	SenderSinkID int
	Payload      []byte
}

// SnapshotPart is one part of a sequential snapshot. Parts are numbered
// from StartResponseSeq and the final one carries IsLast. ChannelSeq is
// the channel position the snapshot replaces everything up to.
type SnapshotPart struct {
	Message
	SnapshotSeq int32
	IsLast      bool
}
