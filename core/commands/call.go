package commands

import (
	"strconv"
	"strings"
)

// Call is a parsed `name(arguments)` shape.
type Call struct {
	Name string
	// Raw is the verbatim text between the outer parentheses.
	Raw string
	// Args are the top-level comma separated arguments, trimmed and unquoted.
	Args []string
}

// Arg returns the i-th argument or an empty string.
func (c Call) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// ParseCall parses `name(args)` where name ends at the first parenthesis.
func ParseCall(s string) (Call, bool) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") {
		return Call{}, false
	}
	raw := s[open+1 : len(s)-1]
	if !balanced(raw) {
		return Call{}, false
	}
	return newCall(s[:open], raw), true
}

// ParseCallLast parses `name(args)` where the arguments are the last
// top-level parenthesised group, so names that themselves contain
// parentheses (`weather (beta)(Tokyo)`) are kept whole.
func ParseCallLast(s string) (Call, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, ")") {
		return Call{}, false
	}

	var opens []int
	lastOpen := -1
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch c {
			case '\\':
				i++
			case '"':
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case '(':
			opens = append(opens, i)
		case ')':
			if len(opens) == 0 {
				return Call{}, false
			}
			lastOpen = opens[len(opens)-1]
			opens = opens[:len(opens)-1]
		}
	}
	if len(opens) != 0 || lastOpen <= 0 {
		return Call{}, false
	}
	return newCall(s[:lastOpen], s[lastOpen+1:len(s)-1]), true
}

// ParseCalls splits s at top-level commas and parses every part as a call.
// Parts that are not calls are skipped.
func ParseCalls(s string) []Call {
	var calls []Call
	for _, part := range SplitArgs(s) {
		if call, ok := ParseCall(part); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func newCall(name, raw string) Call {
	call := Call{Name: strings.TrimSpace(name), Raw: raw}
	if strings.TrimSpace(raw) == "" {
		return call
	}
	for _, arg := range SplitArgs(raw) {
		call.Args = append(call.Args, Unquote(arg))
	}
	return call
}

// SplitArgs splits s at commas that are outside quotes and parentheses. The
// parts are trimmed but otherwise left verbatim.
func SplitArgs(s string) []string {
	var (
		parts   []string
		depth   int
		inQuote bool
		start   int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch c {
			case '\\':
				i++
			case '"':
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

// Unquote trims s and removes one level of surrounding double or single
// quotes. Escapes are resolved for double-quoted strings when valid.
func Unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return s
	}
	switch {
	case s[0] == '"' && s[len(s)-1] == '"':
		if unquoted, err := strconv.Unquote(s); err == nil {
			return unquoted
		}
		return s[1 : len(s)-1]
	case s[0] == '\'' && s[len(s)-1] == '\'':
		return s[1 : len(s)-1]
	}
	return s
}

func isQuoted(s string) bool {
	s = strings.TrimSpace(s)
	return len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"'
}

func balanced(s string) bool {
	depth := 0
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch c {
			case '\\':
				i++
			case '"':
				inQuote = false
			}
			continue
		}
		switch c {
		case '"':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inQuote
}
