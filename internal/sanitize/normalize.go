package sanitize

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidth lists codepoints commonly used to split tokens so they slip
// past pattern matching.
var zeroWidth = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200d': true, // zero width joiner
	'\u2060': true, // word joiner
	'\ufeff': true, // BOM / zero width no-break space
	'\u00ad': true, // soft hyphen
}

var htmlEntities = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
	"&#x2F;", "/",
	"&#47;", "/",
)

// Normalize canonicalizes text before pattern matching: NFKC folding,
// zero-width stripping, whitespace collapse, and decoding of common
// HTML entity and percent escapes. Newlines are preserved so code blocks
// survive; runs of spaces and tabs collapse to one space. The output is
// what gets sanitized and stored, never the raw input.
func Normalize(text string) string {
	text = norm.NFKC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	prevSpace := false
	for _, r := range text {
		if zeroWidth[r] {
			continue
		}
		switch r {
		case '\r':
			continue
		case ' ', '\t':
			if prevSpace {
				continue
			}
			prevSpace = true
			b.WriteByte(' ')
		case '\n':
			prevSpace = false
			b.WriteByte('\n')
		default:
			prevSpace = false
			b.WriteRune(r)
		}
	}

	text = htmlEntities.Replace(b.String())
	return decodePercent(text)
}

// decodePercent expands %XX escapes one triplet at a time, leaving
// anything that does not decode cleanly untouched. Operating per-triplet
// avoids the all-or-nothing failure of url.QueryUnescape on mixed text.
func decodePercent(text string) string {
	if !strings.Contains(text, "%") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '%' && i+2 < len(text) {
			hi, okHi := unhex(text[i+1])
			lo, okLo := unhex(text[i+2])
			if okHi && okLo {
				decoded := hi<<4 | lo
				// Only printable ASCII; control bytes stay escaped.
				if decoded >= 0x20 && decoded < 0x7F {
					b.WriteByte(decoded)
					i += 2
					continue
				}
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
