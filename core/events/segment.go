package events

const (
	KindSegmentStarted   Kind = "segment.started"
	KindSegmentCompleted Kind = "segment.completed"
	KindSegmentFailed    Kind = "segment.failed"
)

// SegmentStarted marks the start of one segment.
type SegmentStarted struct {
	Base
	Index   int
	Segment string
	Content string
}

func NewSegmentStarted(replyID string, index int, segment, content string) SegmentStarted {
	return SegmentStarted{Base: NewBase(KindSegmentStarted, replyID), Index: index, Segment: segment, Content: content}
}

// SegmentCompleted marks the end of one segment.
type SegmentCompleted struct {
	Base
	Index   int
	Segment string
}

func NewSegmentCompleted(replyID string, index int, segment string) SegmentCompleted {
	return SegmentCompleted{Base: NewBase(KindSegmentCompleted, replyID), Index: index, Segment: segment}
}

// SegmentFailed marks a failed segment.
type SegmentFailed struct {
	Base
	Index   int
	Segment string
	Error   string
}

func NewSegmentFailed(replyID string, index int, segment, err string) SegmentFailed {
	return SegmentFailed{Base: NewBase(KindSegmentFailed, replyID), Index: index, Segment: segment, Error: err}
}
