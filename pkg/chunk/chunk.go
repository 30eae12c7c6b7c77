// Package chunk splits outbound text into transport-sized parts.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into parts of at most maxLen bytes, preferring to
// break at a paragraph boundary, then at a line boundary. A hard cut
// never lands inside a multi-byte rune. Concatenating the parts
// reproduces the original text exactly.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	remaining := text
	for len(remaining) > maxLen {
		window := remaining[:maxLen]

		// Prefer paragraph breaks, then line breaks. Split after the
		// delimiter so nothing is lost on reassembly.
		cut := maxLen
		if i := strings.LastIndex(window, "\n\n"); i > 0 {
			cut = i + 2
		} else if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = i + 1
		} else {
			for cut > 0 && !utf8.RuneStart(remaining[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen
			}
		}

		parts = append(parts, remaining[:cut])
		remaining = remaining[cut:]
	}
	if len(remaining) > 0 {
		parts = append(parts, remaining)
	}
	return parts
}
