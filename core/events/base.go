package events

import "time"

type Kind string

type Event interface {
	Kind() Kind
	ReplyID() string
	Timestamp() time.Time
}

type Base struct {
	kind      Kind
	replyID   string
	timestamp time.Time
}

func NewBase(kind Kind, replyID string) Base {
	return Base{kind: kind, replyID: replyID, timestamp: time.Now()}
}

func (b Base) Kind() Kind {
	return b.kind
}

// ReplyID identifies the reply (session) the event belongs to. It is empty
// for events raised outside a reply, such as host-initiated plugin calls.
func (b Base) ReplyID() string {
	return b.replyID
}

func (b Base) Timestamp() time.Time {
	return b.timestamp
}
