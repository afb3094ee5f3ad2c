package events

// KindSpeechFallback identifies a speak segment presented without its
// prefetched audio.
const KindSpeechFallback Kind = "speech.fallback"

// Fallback targets reported by SpeechFallback.
const (
	FallbackExternalSpeaker = "external_speaker"
	FallbackBubbleOnly      = "bubble_only"
)

type SpeechFallback struct {
	Base
	Text   string
	Target string
	Error  string
}

func NewSpeechFallback(replyID, text, target, err string) SpeechFallback {
	return SpeechFallback{Base: NewBase(KindSpeechFallback, replyID), Text: text, Target: target, Error: err}
}
