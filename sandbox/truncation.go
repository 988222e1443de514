package sandbox

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultOutputLimit is the character cap on command output shown to the
// reasoning backend.
const DefaultOutputLimit = 10000

// DefaultLineLimit caps the lines kept after character truncation.
const DefaultLineLimit = 400

// TruncateChars keeps the first and last maxChars/2 bytes of output and
// replaces the middle with a marker. Cuts never split a UTF-8 sequence.
func TruncateChars(output string, maxChars int) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	half := maxChars / 2
	head := output[:runeStart(output, half)]
	tail := output[runeStart(output, len(output)-half):]
	removed := len(output) - len(head) - len(tail)
	return fmt.Sprintf("%s\n\n[output truncated: %d of %d characters removed from the middle]\n\n%s",
		head, removed, len(output), tail)
}

// runeStart moves i back to the start of the rune containing it.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// TruncateLines keeps the first and last maxLines/2 lines.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	var b strings.Builder
	b.WriteString(strings.Join(lines[:head], "\n"))
	fmt.Fprintf(&b, "\n[... %d lines omitted ...]\n", len(lines)-head-tail)
	b.WriteString(strings.Join(lines[len(lines)-tail:], "\n"))
	return b.String()
}

// Truncate bounds output by characters, which handles one huge line, and
// then by lines.
func Truncate(output string, maxChars, maxLines int) string {
	return TruncateLines(TruncateChars(output, maxChars), maxLines)
}
