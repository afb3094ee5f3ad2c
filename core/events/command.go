package events

// KindCommandDropped identifies a command that was not executed.
const KindCommandDropped Kind = "command.dropped"

// Reasons reported by CommandDropped.
const (
	DropUnrecognized = "unrecognized"
	DropDisabled     = "disabled"
	DropRateLimited  = "rate_limited"
	DropNoHandler    = "no_handler"
)

// CommandDropped reports a command skipped without execution.
type CommandDropped struct {
	Base
	Tag    string
	Reason string
}

// NewCommandDropped creates a command dropped event.
func NewCommandDropped(replyID, tag, reason string) CommandDropped {
	return CommandDropped{Base: NewBase(KindCommandDropped, replyID), Tag: tag, Reason: reason}
}
