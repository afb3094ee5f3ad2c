package commands

import (
	"reflect"
	"strings"
	"testing"
)

func feedAll(l *Lexer, chunks ...string) []Command {
	var commands []Command
	for _, chunk := range chunks {
		commands = append(commands, l.Feed(chunk)...)
	}
	return commands
}

func TestLexerEmitsTaggedCommand(t *testing.T) {
	l := NewLexer()

	commands := l.Feed(`Hi <|say_begin|> say("hello", happy) <|say_end|> bye`)

	if len(commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(commands))
	}
	command := commands[0]
	if command.Tag != "say" {
		t.Fatalf("expected tag %q, got %q", "say", command.Tag)
	}
	if command.Payload != ` say("hello", happy) ` {
		t.Fatalf("expected payload to be kept verbatim, got %q", command.Payload)
	}
	if command.Prose != "Hi " {
		t.Fatalf("expected prose %q, got %q", "Hi ", command.Prose)
	}
	if command.Format != FormatTagged {
		t.Fatalf("expected tagged format, got %v", command.Format)
	}
	if got := l.Finalize(); got != " bye" {
		t.Fatalf("expected trailing text %q, got %q", " bye", got)
	}
}

func TestLexerHoldsOpenCommandUntilClosed(t *testing.T) {
	l := NewLexer()

	if commands := l.Feed(`<|say_begin|> say("hel`); len(commands) != 0 {
		t.Fatalf("expected no commands before closing tag, got %d", len(commands))
	}
	if commands := l.Feed(`lo") <|say_e`); len(commands) != 0 {
		t.Fatalf("expected no commands for partial closing tag, got %d", len(commands))
	}

	commands := l.Feed(`nd|>`)
	if len(commands) != 1 {
		t.Fatalf("expected command once closing tag arrives, got %d", len(commands))
	}
	if commands[0].Payload != ` say("hello") ` {
		t.Fatalf("unexpected payload %q", commands[0].Payload)
	}
}

func TestLexerChunkBoundaryInvariance(t *testing.T) {
	input := `Sure! <|say_begin|> say("a <|say_end|> inside quotes", wave) <|say_end|>` +
		` then [:happy(10)] and <|move_begin|>left<|move_end|>` +
		` <|plugin_begin|> weather(Tokyo, "rain, maybe") <|plugin_end|>` +
		` <|record_begin|> text("likes tea"), weight(3) <|RECORD_END|> done [:bad`

	whole := NewLexer().Feed(input)
	if len(whole) != 5 {
		t.Fatalf("expected 5 commands from whole input, got %d", len(whole))
	}

	for size := 1; size <= 9; size++ {
		l := NewLexer()
		var chunks []string
		for i := 0; i < len(input); i += size {
			chunks = append(chunks, input[i:min(i+size, len(input))])
		}
		got := feedAll(l, chunks...)
		if !reflect.DeepEqual(got, whole) {
			t.Fatalf("chunk size %d: commands differ\nwant %#v\ngot  %#v", size, whole, got)
		}
		if rest := l.Finalize(); rest != " done [:bad" {
			t.Fatalf("chunk size %d: unexpected rest %q", size, rest)
		}
	}
}

func TestLexerIgnoresClosingTagInsideQuotes(t *testing.T) {
	commands := NewLexer().Feed(`<|say_begin|> say("use <|say_end|> literally") <|say_end|>`)

	if len(commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(commands))
	}
	if !strings.Contains(commands[0].Payload, "literally") {
		t.Fatalf("expected quoted closing tag to stay in payload, got %q", commands[0].Payload)
	}
}

func TestLexerUnterminatedQuoteStaysPending(t *testing.T) {
	l := NewLexer()

	commands := l.Feed(`<|say_begin|> say("oops) <|say_end|> <|move_begin|>left<|move_end|>`)
	if len(commands) != 0 {
		t.Fatalf("expected unterminated quote to block emission, got %d commands", len(commands))
	}

	rest := l.Finalize()
	if !strings.HasPrefix(rest, `<|say_begin|>`) || !strings.HasSuffix(rest, `<|move_end|>`) {
		t.Fatalf("expected pending span to be flushed verbatim, got %q", rest)
	}
}

func TestLexerMismatchedTagsStayPending(t *testing.T) {
	l := NewLexer()

	if commands := l.Feed(`<|say_begin|> hi <|move_end|>`); len(commands) != 0 {
		t.Fatalf("expected mismatched tags to stay pending, got %d", len(commands))
	}
	if rest := l.Finalize(); rest != `<|say_begin|> hi <|move_end|>` {
		t.Fatalf("unexpected flushed text %q", rest)
	}
}

func TestLexerToleratesDelimiterWhitespace(t *testing.T) {
	commands := NewLexer().Feed(`<| say_begin |>hi<| say_end |>`)

	if len(commands) != 1 || commands[0].Payload != "hi" {
		t.Fatalf("expected spaced delimiters to be recognised, got %#v", commands)
	}
}

func TestLexerSkipsStrayDelimiters(t *testing.T) {
	commands := NewLexer().Feed(`a <b> [c] <|say_end|> [: x y` + "\n" + `] <|say_begin|>ok<|say_end|>`)

	if len(commands) != 1 {
		t.Fatalf("expected only the real command, got %d", len(commands))
	}
	if commands[0].Payload != "ok" {
		t.Fatalf("unexpected payload %q", commands[0].Payload)
	}
}

func TestLexerBracketFormat(t *testing.T) {
	legacy := 0
	l := NewLexer(WithLegacyFormatCallback(func(Command) { legacy++ }))

	commands := l.Feed(`[:happy(10)] [:weather (beta)(Tokyo)] [:plugin(calc(1, 2))]`)
	if len(commands) != 3 {
		t.Fatalf("expected 3 bracket commands, got %d", len(commands))
	}

	if commands[0].Tag != "happy" || commands[0].Payload != "10" {
		t.Fatalf("unexpected first command %#v", commands[0])
	}
	if commands[1].inner() != "weather (beta)(Tokyo)" {
		t.Fatalf("unexpected inner text %q", commands[1].inner())
	}
	if commands[2].Tag != "plugin" || commands[2].Payload != "calc(1, 2)" {
		t.Fatalf("expected nested call payload, got %#v", commands[2])
	}
	if legacy != 1 {
		t.Fatalf("expected one legacy format notice, got %d", legacy)
	}
}

func TestRawBufferCursorNeverPassesEnd(t *testing.T) {
	var b RawBuffer
	b.Append("hello")
	b.Advance(3)
	b.Advance(1)
	if b.Cursor() != 3 {
		t.Fatalf("expected cursor to stay at 3, got %d", b.Cursor())
	}
	b.Advance(100)
	if b.Cursor() != b.Len() {
		t.Fatalf("expected cursor clamped to %d, got %d", b.Len(), b.Cursor())
	}
}
