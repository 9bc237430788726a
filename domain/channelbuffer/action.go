package channelbuffer

// ActionType tells the caller what to do with the frame it just handed in.
type ActionType uint8

const (
	// SendNow: forward the frame downstream immediately.
	SendNow ActionType = iota
	// StoredNoAction: the frame was buffered and will be replayed by Flush.
	StoredNoAction
	// DroppedNoAction: the frame was discarded.
	DroppedNoAction
)

func (a ActionType) String() string {
	switch a {
	case SendNow:
		return "SEND_NOW"
	case StoredNoAction:
		return "STORED_NO_ACTION"
	case DroppedNoAction:
		return "DROPPED_NO_ACTION"
	default:
		return "UNKNOWN"
	}
}

// MessageAction is the out-parameter filled by every Context entry point.
// One value is typically reused by the caller for every frame.
type MessageAction struct {
	actionType ActionType
}

func (a *MessageAction) ActionType() ActionType {
	return a.actionType
}

func (a *MessageAction) set(t ActionType) {
	a.actionType = t
}
