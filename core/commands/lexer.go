package commands

import (
	"context"
	"strings"
	"sync"
)

const (
	tagOpen       = "<|"
	tagClose      = "|>"
	tagBeginMark  = "_begin"
	tagEndMark    = "_end"
	bracketOpen   = "[:"
	bracketClose  = ']'
	delimiterHint = "<["
)

// Format identifies which command notation produced a Command.
type Format int

const (
	// FormatTagged is the current `<|tag_begin|> payload <|tag_end|>` notation.
	FormatTagged Format = iota
	// FormatBracket is the deprecated `[:tag(value)]` notation.
	FormatBracket
)

func (f Format) String() string {
	switch f {
	case FormatTagged:
		return "tagged"
	case FormatBracket:
		return "bracket"
	default:
		return "unknown"
	}
}

// Span is a half-open byte range [Start, End) inside the lexer's buffer.
type Span struct {
	Start int
	End   int
}

// Command is one complete command recognised in the text stream.
type Command struct {
	Tag     string
	Payload string
	Span    Span
	Format  Format

	// Raw is the exact source text of the command, delimiters included.
	Raw string
	// Prose is the plain text between the previously consumed offset and the
	// start of this command.
	Prose string
}

// inner returns the text between the bracket delimiters of a deprecated
// command, e.g. `weather (beta)(Tokyo)` for `[:weather (beta)(Tokyo)]`.
func (c Command) inner() string {
	if c.Format != FormatBracket {
		return c.Payload
	}
	inner := strings.TrimPrefix(c.Raw, bracketOpen)
	return strings.TrimSuffix(inner, string(bracketClose))
}

// Lexer incrementally recognises commands in a growing text buffer. A Lexer
// owns its buffer and must not be shared between replies.
type Lexer struct {
	buf RawBuffer

	// scanned is the offset up to which the buffer is known to contain no
	// command start. Scanning resumes from here on the next Feed.
	scanned int

	legacyOnce     sync.Once
	onLegacyFormat func(Command)
}

type LexerOption func(*Lexer)

// WithLegacyFormatCallback registers a callback invoked the first time the
// lexer emits a command in the deprecated bracket notation.
func WithLegacyFormatCallback(callback func(Command)) LexerOption {
	return func(l *Lexer) {
		if callback != nil {
			l.onLegacyFormat = callback
		}
	}
}

func NewLexer(opts ...LexerOption) *Lexer {
	l := &Lexer{onLegacyFormat: func(Command) {}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Feed appends chunk to the buffer and returns every command completed by
// it, in source order. A command whose closing tag has not arrived yet stays
// pending and blocks everything after it until a later Feed completes it.
func (l *Lexer) Feed(chunk string) []Command {
	l.buf.Append(chunk)

	var commands []Command
	for {
		command, ok := l.next()
		if !ok {
			return commands
		}
		commands = append(commands, command)
	}
}

// Finalize ends the stream and returns all unconsumed text verbatim,
// including unterminated command spans.
func (l *Lexer) Finalize() string {
	rest := l.buf.Pending()
	l.buf.Advance(l.buf.Len())
	l.scanned = l.buf.Len()
	return rest
}

// Buffered returns the text that has been fed but not consumed yet.
func (l *Lexer) Buffered() string { return l.buf.Pending() }

type scanResult int

const (
	scanSkip scanResult = iota
	scanPending
	scanMatched
)

func (l *Lexer) next() (Command, bool) {
	text := l.buf.String()
	i := max(l.scanned, l.buf.Cursor())

	for i < len(text) {
		offset := strings.IndexAny(text[i:], delimiterHint)
		if offset < 0 {
			l.scanned = len(text)
			return Command{}, false
		}
		i += offset

		var (
			command Command
			result  scanResult
		)
		switch {
		case strings.HasPrefix(text[i:], tagOpen):
			command, result = scanTagged(text, i)
		case strings.HasPrefix(text[i:], bracketOpen):
			command, result = scanBracket(text, i)
		case len(text)-i < 2:
			// A lone "<" or "[" at the end may still become a delimiter.
			result = scanPending
		default:
			result = scanSkip
		}

		switch result {
		case scanPending:
			l.scanned = i
			return Command{}, false
		case scanSkip:
			i++
			continue
		}

		command.Prose = text[l.buf.Cursor():command.Span.Start]
		l.buf.Advance(command.Span.End)
		l.scanned = command.Span.End

		if command.Format == FormatBracket {
			l.legacyOnce.Do(func() {
				logger.WarnContext(context.Background(), "deprecated bracket command format in use",
					"tag", command.Tag, "raw", command.Raw)
				l.onLegacyFormat(command)
			})
		}
		return command, true
	}

	l.scanned = len(text)
	return Command{}, false
}

// scanTagged recognises `<|name_begin|> payload <|name_end|>` starting at i.
func scanTagged(text string, i int) (Command, scanResult) {
	name, bodyStart, result := scanTagDelimiter(text, i)
	if result != scanMatched {
		return Command{}, result
	}

	tag, isBegin := cutSuffixFold(name, tagBeginMark)
	if !isBegin || tag == "" {
		return Command{}, scanSkip
	}

	closeStart, closeEnd, found := findClosingTag(text, bodyStart, tag)
	if !found {
		return Command{}, scanPending
	}

	return Command{
		Tag:     tag,
		Payload: text[bodyStart:closeStart],
		Span:    Span{Start: i, End: closeEnd},
		Format:  FormatTagged,
		Raw:     text[i:closeEnd],
	}, scanMatched
}

// scanTagDelimiter reads one `<| name |>` delimiter at i and returns the name
// and the offset right after the delimiter.
func scanTagDelimiter(text string, i int) (string, int, scanResult) {
	j := i + len(tagOpen)
	j = skipSpaces(text, j)
	nameStart := j
	for j < len(text) && isNameByte(text[j]) {
		j++
	}
	nameEnd := j
	j = skipSpaces(text, j)

	if j >= len(text) || (text[j] == tagClose[0] && j+1 >= len(text)) {
		return "", 0, scanPending
	}
	if !strings.HasPrefix(text[j:], tagClose) || nameEnd == nameStart {
		return "", 0, scanSkip
	}
	return text[nameStart:nameEnd], j + len(tagClose), scanMatched
}

// findClosingTag searches for `<|tag_end|>` from offset start, ignoring any
// delimiter that appears inside a double-quoted string.
func findClosingTag(text string, start int, tag string) (int, int, bool) {
	inQuote := false
	for k := start; k < len(text); k++ {
		c := text[k]
		if inQuote {
			switch c {
			case '\\':
				k++
			case '"':
				inQuote = false
			}
			continue
		}
		if c == '"' {
			inQuote = true
			continue
		}
		if c != tagOpen[0] || !strings.HasPrefix(text[k:], tagOpen) {
			continue
		}

		name, end, result := scanTagDelimiter(text, k)
		if result == scanPending {
			return 0, 0, false
		}
		if result != scanMatched {
			continue
		}
		if closing, ok := cutSuffixFold(name, tagEndMark); ok && strings.EqualFold(closing, tag) {
			return k, end, true
		}
	}
	return 0, 0, false
}

// scanBracket recognises the deprecated `[:tag(value)]` notation at i. The
// closing bracket must sit outside quotes and at parenthesis depth zero, so
// values containing nested calls are kept whole.
func scanBracket(text string, i int) (Command, scanResult) {
	start := i + len(bracketOpen)
	depth := 0
	parenOpen := -1
	inQuote := false

	for k := start; k < len(text); k++ {
		c := text[k]
		if inQuote {
			switch c {
			case '\\':
				k++
			case '"':
				inQuote = false
			}
			continue
		}

		switch c {
		case '"':
			if parenOpen < 0 {
				return Command{}, scanSkip
			}
			inQuote = true
		case '(':
			if parenOpen < 0 {
				parenOpen = k
			}
			depth++
		case ')':
			depth--
			if depth < 0 {
				return Command{}, scanSkip
			}
		case '\n', '[', '<':
			if parenOpen < 0 {
				return Command{}, scanSkip
			}
		case bracketClose:
			if depth != 0 {
				continue
			}
			return bracketCommand(text, i, start, parenOpen, k)
		}
	}
	return Command{}, scanPending
}

func bracketCommand(text string, i, start, parenOpen, closeAt int) (Command, scanResult) {
	var tag, payload string
	if parenOpen < 0 {
		tag = strings.TrimSpace(text[start:closeAt])
	} else {
		tag = strings.TrimSpace(text[start:parenOpen])
		lastParen := strings.LastIndexByte(text[parenOpen:closeAt], ')')
		payload = text[parenOpen+1 : parenOpen+lastParen]
	}
	if tag == "" {
		return Command{}, scanSkip
	}

	return Command{
		Tag:     tag,
		Payload: payload,
		Span:    Span{Start: i, End: closeAt + 1},
		Format:  FormatBracket,
		Raw:     text[i : closeAt+1],
	}, scanMatched
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' ||
		('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

func skipSpaces(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
		i++
	}
	return i
}

func cutSuffixFold(s, suffix string) (string, bool) {
	if len(s) < len(suffix) || !strings.EqualFold(s[len(s)-len(suffix):], suffix) {
		return s, false
	}
	return s[:len(s)-len(suffix)], true
}
