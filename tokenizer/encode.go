// encode.go - Text zu Token-IDs
//
// Enthaelt:
// - Encode: Batch-Kodierung mit [CLS]/[SEP], Truncation und Padding
// - EncodeText: einzelne Sequenz ohne Special-Tokens
// - encodeWordPiece: Greedy Longest-Match mit "##" Fortsetzungs-Praefix

package tokenizer

import (
	"fmt"
	"slices"
	"strings"
)

// Encode kodiert texts als Batch. Jede Sequenz hat die Form [CLS] ... [SEP].
// Bei Truncation bleiben [CLS] und [SEP] erhalten.
func (t *Tokenizer) Encode(texts []string, opts EncodeOptions) (*Batch, error) {
	limit := 0
	if opts.Truncation || opts.Padding == PadMaxLength {
		if opts.MaxLength > 0 && opts.MaxLength < 2 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidMaxLength, opts.MaxLength)
		}
		limit = opts.MaxLength
	}

	batch := &Batch{
		InputIDs:      make([][]int32, len(texts)),
		AttentionMask: make([][]int32, len(texts)),
	}

	for i, text := range texts {
		body := t.EncodeText(text)
		if opts.Truncation && limit > 0 && len(body) > limit-2 {
			body = body[:limit-2]
		}

		ids := make([]int32, 0, len(body)+2)
		ids = append(ids, t.cls)
		ids = append(ids, body...)
		ids = append(ids, t.sep)
		batch.InputIDs[i] = ids
	}

	width := 0
	switch opts.Padding {
	case PadLongest:
		width = batch.Width()
	case PadMaxLength:
		width = max(limit, batch.Width())
	}

	for i, ids := range batch.InputIDs {
		mask := make([]int32, len(ids), max(len(ids), width))
		for j := range mask {
			mask[j] = 1
		}
		for len(ids) < width {
			ids = append(ids, t.pad)
			mask = append(mask, 0)
		}
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
	}

	return batch, nil
}

// EncodeText kodiert einen Text ohne [CLS]/[SEP].
// Registrierte Special-Tokens im Text bleiben als einzelne Tokens erhalten.
func (t *Tokenizer) EncodeText(text string) []int32 {
	var ids []int32
	for _, part := range t.splitBySpecialTokens(text) {
		if id, ok := t.special[part]; ok {
			ids = append(ids, id)
			continue
		}
		for _, word := range splitWords(t.normalize(part)) {
			ids = t.encodeWordPiece(word, ids)
		}
	}
	return ids
}

// splitBySpecialTokens zerlegt s so, dass Special-Tokens eigene Teile sind.
// Laengere Tokens werden bevorzugt.
func (t *Tokenizer) splitBySpecialTokens(s string) []string {
	if len(t.special) == 0 || s == "" {
		return []string{s}
	}

	tokens := make([]string, 0, len(t.special))
	for tok := range t.special {
		tokens = append(tokens, tok)
	}
	slices.SortFunc(tokens, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})

	var parts []string
	rest := s
	for rest != "" {
		pos, match := -1, ""
		for _, tok := range tokens {
			if i := strings.Index(rest, tok); i >= 0 && (pos < 0 || i < pos) {
				pos, match = i, tok
			}
		}
		if pos < 0 {
			parts = append(parts, rest)
			break
		}
		if pos > 0 {
			parts = append(parts, rest[:pos])
		}
		parts = append(parts, match)
		rest = rest[pos+len(match):]
	}
	return parts
}

// encodeWordPiece haengt die WordPiece-Tokens eines Wortes an ids an.
// Ist ein Teil nicht im Vokabular, wird das ganze Wort zu [UNK].
func (t *Tokenizer) encodeWordPiece(word string, ids []int32) []int32 {
	if word == "" {
		return ids
	}

	if id, ok := t.vocab.Reverse[word]; ok {
		return append(ids, id)
	}

	runes := []rune(word)
	if len(runes) > maxInputCharsPerWord {
		return append(ids, t.unk)
	}

	pieces := make([]int32, 0, 4)
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := int32(-1)

		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = continuationPrefix + sub
			}
			if id, ok := t.vocab.Reverse[sub]; ok {
				found = id
				break
			}
			end--
		}

		if found < 0 {
			return append(ids, t.unk)
		}
		pieces = append(pieces, found)
		start = end
	}

	return append(ids, pieces...)
}
