package commands

import "strings"

// RawBuffer is an append-only text accumulator with a cursor marking the last
// fully consumed offset. Text before the cursor is never modified.
type RawBuffer struct {
	text   strings.Builder
	cursor int
}

func (b *RawBuffer) Append(chunk string) {
	b.text.WriteString(chunk)
}

func (b *RawBuffer) String() string { return b.text.String() }
func (b *RawBuffer) Len() int       { return b.text.Len() }
func (b *RawBuffer) Cursor() int    { return b.cursor }

// Pending returns the text that has not been consumed yet.
func (b *RawBuffer) Pending() string {
	return b.text.String()[b.cursor:]
}

// Advance moves the cursor forward to offset. The cursor never moves backwards
// and never passes the end of the buffer.
func (b *RawBuffer) Advance(offset int) {
	if offset > b.text.Len() {
		offset = b.text.Len()
	}
	if offset > b.cursor {
		b.cursor = offset
	}
}
