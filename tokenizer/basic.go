// basic.go - BERT Pre-Tokenisierung
//
// Enthaelt:
// - normalize: Steuerzeichen entfernen, Kleinschreibung, Akzente entfernen (NFD)
// - splitWords: Whitespace- und Satzzeichen-Trennung, CJK-Zeichen isolieren

package tokenizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// normalize wendet die BertNormalizer-Schritte auf s an.
func (t *Tokenizer) normalize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	for _, r := range s {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isWhitespace(r):
			sb.WriteByte(' ')
		case t.chineseChars && isChineseChar(r):
			sb.WriteByte(' ')
			sb.WriteRune(r)
			sb.WriteByte(' ')
		default:
			sb.WriteRune(r)
		}
	}

	out := sb.String()
	if t.lowercase {
		out = strings.ToLower(out)
	}
	if t.stripAccents {
		out = stripAccents(out)
	}
	return out
}

// stripAccents zerlegt in NFD und entfernt Combining Marks (Mn).
func stripAccents(s string) string {
	decomposed := norm.NFD.String(s)

	var sb strings.Builder
	sb.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// splitWords trennt an Whitespace und isoliert Satzzeichen als eigene Woerter.
func splitWords(s string) []string {
	var words []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}

	for _, r := range s {
		switch {
		case isWhitespace(r):
			flush()
		case isPunctuation(r):
			flush()
			words = append(words, string(r))
		default:
			current = append(current, r)
		}
	}
	flush()

	return words
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// isPunctuation behandelt alle nicht-alphanumerischen ASCII-Zeichen als Satzzeichen,
// wie BERT es tut (z.B. "$", "^", "`").
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
