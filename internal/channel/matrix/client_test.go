package matrix

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("你", 40)
	got := truncate(s, 50)
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}
	if len(got) > 50+len("...") {
		t.Errorf("truncate too long: %d bytes", len(got))
	}

	if got := truncate("short", 50); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("one\ntwo", 50); got != "one two" {
		t.Errorf("truncate flattened = %q", got)
	}
}
