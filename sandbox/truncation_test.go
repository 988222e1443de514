package sandbox

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateCharsUnderLimit(t *testing.T) {
	if got := TruncateChars("short", 100); got != "short" {
		t.Errorf("expected unchanged output, got %q", got)
	}
}

func TestTruncateCharsKeepsHeadAndTail(t *testing.T) {
	input := strings.Repeat("a", 50) + strings.Repeat("b", 50)
	got := TruncateChars(input, 20)
	if !strings.HasPrefix(got, strings.Repeat("a", 10)+"\n") {
		t.Errorf("expected head preserved, got %q", got)
	}
	if !strings.HasSuffix(got, "\n"+strings.Repeat("b", 10)) {
		t.Errorf("expected tail preserved, got %q", got)
	}
	if !strings.Contains(got, "80 of 100 characters removed") {
		t.Errorf("expected truncation marker, got %q", got)
	}
}

func TestTruncateCharsKeepsUTF8Valid(t *testing.T) {
	input := strings.Repeat("é", 40)
	got := TruncateChars(input, 11)
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got)
	}
}

func TestTruncateLines(t *testing.T) {
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = string(rune('a' + i))
	}
	got := TruncateLines(strings.Join(lines, "\n"), 4)
	want := "a\nb\n[... 6 lines omitted ...]\ni\nj"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestTruncateZeroLimitsDisable(t *testing.T) {
	input := strings.Repeat("line\n", 1000)
	if got := Truncate(input, 0, 0); got != input {
		t.Error("expected zero limits to leave output unchanged")
	}
}
