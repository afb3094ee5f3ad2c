package events

const (
	// KindReplyStarted identifies the start of reply orchestration.
	KindReplyStarted Kind = "reply.started"
	// KindReplyCompleted identifies the end of reply orchestration.
	KindReplyCompleted Kind = "reply.completed"
)

// ReplyStarted marks the start of reply orchestration.
type ReplyStarted struct{ Base }

// NewReplyStarted creates a reply started event.
func NewReplyStarted(replyID string) ReplyStarted {
	return ReplyStarted{Base: NewBase(KindReplyStarted, replyID)}
}

// ReplyCompleted marks the end of reply orchestration.
type ReplyCompleted struct {
	Base
	Segments int
	Failed   int
}

// NewReplyCompleted creates a reply completed event.
func NewReplyCompleted(replyID string, segments, failed int) ReplyCompleted {
	return ReplyCompleted{Base: NewBase(KindReplyCompleted, replyID), Segments: segments, Failed: failed}
}
