package pipeline

import (
	"strings"
)

// Source tells where a command was recovered from.
type Source string

const (
	SourceMessage Source = "message"
	SourceResend  Source = "resend"
)

// builtinPrefixes are always accepted as command markers.
const builtinPrefixes = "./!#"

// Command is an interpreted command-shaped payload.
type Command struct {
	Tenant       string
	ID           string
	Conversation string
	Sender       string
	FromMe       bool
	Timestamp    int64
	Source       Source

	Text   string
	Prefix string
	Name   string
	Args   []string
}

// IsCommand reports whether text is command shaped: it starts with one of
// ". / ! #" or the tenant prefix, and does not start with "hello".
func IsCommand(text, prefix string) bool {
	_, ok := Parse(text, prefix)
	return ok
}

// Parse splits a command-shaped payload into name and arguments.
func Parse(text, prefix string) (Command, bool) {
	text = strings.TrimSpace(text)
	if text == "" || strings.HasPrefix(strings.ToLower(text), "hello") {
		return Command{}, false
	}
	var used string
	switch {
	case prefix != "" && strings.HasPrefix(text, prefix):
		used = prefix
	case strings.ContainsRune(builtinPrefixes, rune(text[0])):
		used = text[:1]
	default:
		return Command{}, false
	}
	fields := strings.Fields(strings.TrimPrefix(text, used))
	if len(fields) == 0 {
		return Command{}, false
	}
	return Command{
		Text:   text,
		Prefix: used,
		Name:   strings.ToLower(fields[0]),
		Args:   fields[1:],
	}, true
}
