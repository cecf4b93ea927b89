package telegram

import "strings"

// textLimit stays under Telegram's 4096 character cap.
const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, breaking after the
// last newline of a chunk when that keeps at least a third of the chunk.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rest := []rune(s)
	if len(rest) <= limit {
		return []string{s}
	}
	var chunks []string
	for len(rest) > 0 {
		cut := min(limit, len(rest))
		if cut < len(rest) {
			if nl := lastNewline(rest[:cut]); nl >= limit/3 {
				cut = nl + 1
			}
		}
		chunks = append(chunks, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = trimLeadingNewlines(rest[cut:])
	}
	return chunks
}

func lastNewline(rs []rune) int {
	for i := len(rs) - 1; i > 0; i-- {
		if rs[i] == '\n' {
			return i
		}
	}
	return -1
}

func trimLeadingNewlines(rs []rune) []rune {
	for len(rs) > 0 && rs[0] == '\n' {
		rs = rs[1:]
	}
	return rs
}
