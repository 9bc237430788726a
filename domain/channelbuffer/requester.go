package channelbuffer

// ResultType is the outcome a transport reports for a retransmission
// request it could not complete.
type ResultType uint8

const (
	ResultFailed ResultType = iota
	ResultTimedOut
	ResultRejected
)

func (r ResultType) String() string {
	switch r {
	case ResultFailed:
		return "FAILED"
	case ResultTimedOut:
		return "TIMED_OUT"
	case ResultRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// MissingMessageRequester asks the upstream to retransmit
// [fromSeq, toSeq] on a channel. Implementations must not block; a
// failed request is reported back through
// Context.OnMissingMessageRequestFailure.
type MissingMessageRequester interface {
	Request(c *Context, channelID int32, expectedNextSeq, fromSeq, toSeq int64, senderSinkID int)
}

// RequesterFunc adapts a function to MissingMessageRequester.
type RequesterFunc func(c *Context, channelID int32, expectedNextSeq, fromSeq, toSeq int64, senderSinkID int)

func (f RequesterFunc) Request(c *Context, channelID int32, expectedNextSeq, fromSeq, toSeq int64, senderSinkID int) {
	f(c, channelID, expectedNextSeq, fromSeq, toSeq, senderSinkID)
}

type nopRequester struct{}

func (nopRequester) Request(*Context, int32, int64, int64, int64, int) {}
