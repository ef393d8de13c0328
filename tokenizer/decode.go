// decode.go - Token-IDs zu Text
//
// Enthaelt:
// - Decode: WordPiece-Tokens zusammenfuegen, optional Special-Tokens entfernen
// - cleanUpTokenization: Leerzeichen vor Satzzeichen entfernen

package tokenizer

import "strings"

// Decode wandelt ids in Text um. Mit skipSpecial werden [CLS], [SEP], [PAD],
// [DEC], [ENC] usw. entfernt.
func (t *Tokenizer) Decode(ids []int32, skipSpecial bool) string {
	var sb strings.Builder

	for _, id := range ids {
		if id < 0 || int(id) >= len(t.vocab.Values) {
			continue
		}
		if skipSpecial && t.IsSpecial(id) {
			continue
		}

		token := t.vocab.Values[id]
		if rest, ok := strings.CutPrefix(token, continuationPrefix); ok && sb.Len() > 0 {
			sb.WriteString(rest)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(token)
	}

	return cleanUpTokenization(sb.String())
}

// DecodeBatch dekodiert mehrere Sequenzen.
func (t *Tokenizer) DecodeBatch(seqs [][]int32, skipSpecial bool) []string {
	out := make([]string, len(seqs))
	for i, ids := range seqs {
		out[i] = t.Decode(ids, skipSpecial)
	}
	return out
}

var cleanUpReplacer = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

// cleanUpTokenization entspricht clean_up_tokenization_spaces der HF-Tokenizer.
func cleanUpTokenization(s string) string {
	return cleanUpReplacer.Replace(s)
}
