package session

import (
	"strings"
	"unicode"
)

// NormalizePhone strips a leading "+" and all whitespace and separators.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	phone = strings.TrimPrefix(phone, "+")
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatPairingCode groups a raw challenge in blocks of four joined by "-".
func FormatPairingCode(code string) string {
	code = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	if len(code) <= 4 {
		return code
	}
	var parts []string
	for len(code) > 4 {
		parts = append(parts, code[:4])
		code = code[4:]
	}
	if code != "" {
		parts = append(parts, code)
	}
	return strings.Join(parts, "-")
}
