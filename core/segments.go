package orchestration

import (
	"strings"

	"github.com/koscakluka/ema-vpet/core/commands"
	"github.com/koscakluka/ema-vpet/core/events"
)

type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentSpeak
	SegmentState
	SegmentAction
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentText:
		return "text"
	case SegmentSpeak:
		return "speak"
	case SegmentState:
		return "state"
	case SegmentAction:
		return "action"
	}
	return "unknown"
}

// Segment is one unit of orchestrated work, derived from a command or from
// prose. Segments of a reply are processed in source order.
type Segment struct {
	Kind SegmentKind
	// RawContent is the command's source text or the prose.
	RawContent   string
	ActionTag    string
	ActionParams string
	Action       commands.Action

	// spoken marks a Text segment that stands for a whole reply without
	// commands and is therefore voiced like a speak line.
	spoken bool
}

// SpeechText is the text shown in the bubble and sent to TTS.
func (s Segment) SpeechText() string {
	if s.Kind == SegmentSpeak {
		return s.Action.Speak.Text
	}
	return s.RawContent
}

func (s Segment) voiced() bool {
	return s.Kind == SegmentSpeak || s.spoken
}

// segmenter turns streamed reply text into segments for one reply. It owns
// the reply's lexer.
type segmenter struct {
	lexer      *commands.Lexer
	classifier *commands.Classifier
	showProse  bool
	onDrop     func(command commands.Command, kind commands.Kind, reason string)

	commandsSeen int
	// prose is every piece of plain text of the reply; pending is the part
	// not yet emitted as a segment.
	prose   strings.Builder
	pending strings.Builder
}

func newSegmenter(classifier *commands.Classifier, showProse bool, onDrop func(commands.Command, commands.Kind, string)) *segmenter {
	return &segmenter{
		lexer: commands.NewLexer(commands.WithLegacyFormatCallback(func(command commands.Command) {
			logger.Info("deprecated command format", "tag", command.Tag)
		})),
		classifier: classifier,
		showProse:  showProse,
		onDrop:     onDrop,
	}
}

func (s *segmenter) feed(chunk string) []Segment {
	var segments []Segment
	for _, command := range s.lexer.Feed(chunk) {
		s.appendProse(command.Prose)

		action := s.classifier.Classify(command)
		if !action.Recognized() && command.Format == commands.FormatBracket {
			// Bracket spans turn up in ordinary text too, e.g. `arr[:5]`.
			logger.Debug("unrecognized bracket span kept as prose", "raw", command.Raw)
			s.appendProse(command.Raw)
			continue
		}

		s.commandsSeen++
		if segment, ok := s.flushProse(); ok {
			segments = append(segments, segment)
		}
		if segment, ok := s.commandSegment(command, action); ok {
			segments = append(segments, segment)
		}
	}
	return segments
}

// finish flushes whatever the lexer still holds. Unterminated command spans
// come back as prose.
func (s *segmenter) finish() []Segment {
	s.appendProse(s.lexer.Finalize())

	if s.commandsSeen == 0 {
		text := strings.TrimSpace(s.prose.String())
		if text == "" {
			return nil
		}
		return []Segment{{Kind: SegmentText, RawContent: text, spoken: true}}
	}

	if segment, ok := s.flushProse(); ok {
		return []Segment{segment}
	}
	return nil
}

func (s *segmenter) appendProse(text string) {
	s.prose.WriteString(text)
	s.pending.WriteString(text)
}

func (s *segmenter) flushProse() (Segment, bool) {
	text := strings.TrimSpace(s.pending.String())
	s.pending.Reset()
	if !s.showProse || text == "" {
		return Segment{}, false
	}
	return Segment{Kind: SegmentText, RawContent: text}, true
}

func (s *segmenter) commandSegment(command commands.Command, action commands.Action) (Segment, bool) {
	if !action.Recognized() {
		s.drop(command, action.Kind, events.DropUnrecognized)
		return Segment{}, false
	}
	if !action.Enabled {
		logger.Info("dropped disabled action", "kind", action.Kind, "tag", command.Tag)
		s.drop(command, action.Kind, events.DropDisabled)
		return Segment{}, false
	}

	segment := Segment{RawContent: command.Raw, Action: action}
	switch action.Kind {
	case commands.KindSpeak:
		segment.Kind = SegmentSpeak
		segment.ActionTag = commands.CapabilitySay
		segment.ActionParams = action.Speak.Animation
	case commands.KindState:
		segment.Kind = SegmentState
		segment.ActionTag = action.State.Target
		segment.ActionParams = action.State.Name
	default:
		segment.Kind = SegmentAction
		segment.ActionTag = action.Capability
		segment.ActionParams = action.Argument().Text()
	}
	return segment, true
}

func (s *segmenter) drop(command commands.Command, kind commands.Kind, reason string) {
	if s.onDrop != nil {
		s.onDrop(command, kind, reason)
	}
}
