package chunk

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortTextIsSinglePart(t *testing.T) {
	parts := Split("hello", 100)
	if len(parts) != 1 || parts[0] != "hello" {
		t.Fatalf("Split = %#v, want single part", parts)
	}
}

func TestSplitConcatenatesBack(t *testing.T) {
	texts := []string{
		strings.Repeat("a", 9000),
		strings.Repeat("paragraph one.\n\nparagraph two.\n\n", 300),
		strings.Repeat("line\n", 2000),
		"short",
		"",
	}
	for _, text := range texts {
		parts := Split(text, 4000)
		if got := strings.Join(parts, ""); got != text {
			t.Errorf("parts do not concatenate back: got %d chars, want %d", len(got), len(text))
		}
		for i, p := range parts {
			if len(p) > 4000 {
				t.Errorf("part %d exceeds limit: %d chars", i, len(p))
			}
		}
	}
}

func TestSplitPrefersParagraphBoundary(t *testing.T) {
	text := strings.Repeat("x", 3000) + "\n\n" + strings.Repeat("y", 3000)
	parts := Split(text, 4000)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	if !strings.HasSuffix(parts[0], "\n\n") {
		t.Errorf("first part should end at the paragraph break, got tail %q", parts[0][len(parts[0])-4:])
	}
}

func TestSplitHardCutKeepsRunesWhole(t *testing.T) {
	texts := []string{
		strings.Repeat("你", 2000),
		strings.Repeat("🙂", 1500),
		strings.Repeat("é", 2500),
	}
	for _, text := range texts {
		parts := Split(text, 4000)
		for i, p := range parts {
			if !utf8.ValidString(p) {
				t.Errorf("part %d is not valid UTF-8 (len %d)", i, len(p))
			}
			if len(p) > 4000 {
				t.Errorf("part %d exceeds limit: %d bytes", i, len(p))
			}
		}
		if got := strings.Join(parts, ""); got != text {
			t.Errorf("parts do not concatenate back: got %d bytes, want %d", len(got), len(text))
		}
	}
}

func TestSplitNoBoundaryFallsBackToHardCut(t *testing.T) {
	text := strings.Repeat("z", 8500)
	parts := Split(text, 4000)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if len(parts[0]) != 4000 || len(parts[1]) != 4000 || len(parts[2]) != 500 {
		t.Errorf("unexpected part sizes: %d %d %d", len(parts[0]), len(parts[1]), len(parts[2]))
	}
}
