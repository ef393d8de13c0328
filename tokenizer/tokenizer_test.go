package tokenizer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testVocab ist ein Mini-BERT-Vokabular, ID = Zeilennummer.
var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", // 0-4
	"a", "picture", "of", "cat", "on", // 5-9
	"mat", "dog", "in", "park", ".", // 10-14
	",", "play", "##ing", "un", "##aff", // 15-19
	"##able", "cafe", "'", "s", "!", // 20-24
}

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := LoadVocab(strings.NewReader(strings.Join(testVocab, "\n")))
	if err != nil {
		t.Fatalf("LoadVocab Fehler: %v", err)
	}
	return tok
}

func TestLoadVocabSpecials(t *testing.T) {
	tok := newTestTokenizer(t)

	if tok.PAD() != 0 || tok.UNK() != 1 || tok.CLS() != 2 || tok.SEP() != 3 {
		t.Errorf("Special-IDs = pad %d unk %d cls %d sep %d", tok.PAD(), tok.UNK(), tok.CLS(), tok.SEP())
	}
	if tok.BOS() != tok.CLS() {
		t.Errorf("BOS ohne eigenes Token = %d, erwartet CLS %d", tok.BOS(), tok.CLS())
	}
	if tok.VocabSize() != len(testVocab) {
		t.Errorf("VocabSize = %d, erwartet %d", tok.VocabSize(), len(testVocab))
	}
}

func TestLoadVocabMissingSpecial(t *testing.T) {
	_, err := LoadVocab(strings.NewReader("a\nb\n"))
	if !errors.Is(err, ErrMissingToken) {
		t.Errorf("Fehler = %v, erwartet ErrMissingToken", err)
	}

	_, err = LoadVocab(strings.NewReader(""))
	if !errors.Is(err, ErrEmptyVocab) {
		t.Errorf("Fehler = %v, erwartet ErrEmptyVocab", err)
	}
}

func TestEncodeText(t *testing.T) {
	tok := newTestTokenizer(t)

	tests := []struct {
		name string
		text string
		want []int32
	}{
		{"lowercase", "A Picture of", []int32{5, 6, 7}},
		{"wordpiece", "playing", []int32{16, 17}},
		{"multi piece", "unaffable", []int32{18, 19, 20}},
		{"unknown word", "xyz", []int32{1}},
		{"partial unknown word", "playx", []int32{1}},
		{"accent strip", "Café", []int32{21}},
		{"punctuation", "a cat.", []int32{5, 8, 14}},
		{"apostrophe", "cat's", []int32{8, 22, 23}},
		{"whitespace", "  a\t\ncat  ", []int32{5, 8}},
		{"empty", "", nil},
		{"special token kept", "[SEP] a", []int32{3, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tok.EncodeText(tt.text)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("EncodeText(%q) Abweichung (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

func TestEncodePaddingLongest(t *testing.T) {
	tok := newTestTokenizer(t)

	batch, err := tok.Encode([]string{"a cat on a mat", "a dog"}, EncodeOptions{Padding: PadLongest, Truncation: true, MaxLength: 40})
	if err != nil {
		t.Fatal(err)
	}

	wantIDs := [][]int32{
		{2, 5, 8, 9, 5, 10, 3},
		{2, 5, 11, 3, 0, 0, 0},
	}
	wantMask := [][]int32{
		{1, 1, 1, 1, 1, 1, 1},
		{1, 1, 1, 1, 0, 0, 0},
	}
	if diff := cmp.Diff(wantIDs, batch.InputIDs); diff != "" {
		t.Errorf("InputIDs Abweichung (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantMask, batch.AttentionMask); diff != "" {
		t.Errorf("AttentionMask Abweichung (-want +got):\n%s", diff)
	}
	if batch.Len() != 2 || batch.Width() != 7 {
		t.Errorf("Len/Width = %d/%d, erwartet 2/7", batch.Len(), batch.Width())
	}
}

func TestEncodeTruncation(t *testing.T) {
	tok := newTestTokenizer(t)

	batch, err := tok.Encode([]string{"a cat on a mat"}, EncodeOptions{Padding: PadLongest, Truncation: true, MaxLength: 4})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]int32{{2, 5, 8, 3}}, batch.InputIDs); diff != "" {
		t.Errorf("Truncation Abweichung (-want +got):\n%s", diff)
	}

	_, err = tok.Encode([]string{"a"}, EncodeOptions{Truncation: true, MaxLength: 1})
	if !errors.Is(err, ErrInvalidMaxLength) {
		t.Errorf("Fehler = %v, erwartet ErrInvalidMaxLength", err)
	}
}

func TestEncodePadMaxLength(t *testing.T) {
	tok := newTestTokenizer(t)

	batch, err := tok.Encode([]string{"a"}, EncodeOptions{Padding: PadMaxLength, MaxLength: 5})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]int32{{2, 5, 3, 0, 0}}, batch.InputIDs); diff != "" {
		t.Errorf("PadMaxLength Abweichung (-want +got):\n%s", diff)
	}
}

func TestEncodeNoPadding(t *testing.T) {
	tok := newTestTokenizer(t)

	batch, err := tok.Encode([]string{"a cat", "a"}, EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.InputIDs[0]) != 4 || len(batch.InputIDs[1]) != 3 {
		t.Errorf("Laengen = %d/%d, erwartet 4/3", len(batch.InputIDs[0]), len(batch.InputIDs[1]))
	}
}

func TestDecode(t *testing.T) {
	tok := newTestTokenizer(t)
	ids := []int32{2, 16, 17, 5, 8, 14, 3, 0}

	if got, want := tok.Decode(ids, true), "playing a cat."; got != want {
		t.Errorf("Decode(skip) = %q, erwartet %q", got, want)
	}
	if got, want := tok.Decode(ids, false), "[CLS] playing a cat. [SEP] [PAD]"; got != want {
		t.Errorf("Decode = %q, erwartet %q", got, want)
	}
	if got := tok.Decode([]int32{-1, 999}, true); got != "" {
		t.Errorf("Decode ungueltiger IDs = %q, erwartet leer", got)
	}
}

func TestDecodeCleanUp(t *testing.T) {
	tok := newTestTokenizer(t)
	ids := tok.EncodeText("a cat, a dog!")

	if got, want := tok.Decode(ids, true), "a cat, a dog!"; got != want {
		t.Errorf("Decode = %q, erwartet %q", got, want)
	}
}

func TestNewBlip(t *testing.T) {
	tok := NewBlip(newTestTokenizer(t))

	dec, ok := tok.TokenID(DecToken)
	if !ok || dec != int32(len(testVocab)) {
		t.Fatalf("[DEC] = %d (%v), erwartet %d", dec, ok, len(testVocab))
	}
	if tok.BOS() != dec {
		t.Errorf("BOS = %d, erwartet [DEC] %d", tok.BOS(), dec)
	}
	if tok.EncTokenID() != dec+1 {
		t.Errorf("[ENC] = %d, erwartet %d", tok.EncTokenID(), dec+1)
	}
	if diff := cmp.Diff([]int32{dec + 1}, tok.AdditionalSpecialIDs()); diff != "" {
		t.Errorf("AdditionalSpecialIDs Abweichung:\n%s", diff)
	}

	// Special-Tokens im Text bleiben ganz, beim Dekodieren werden sie entfernt
	ids := tok.EncodeText("[DEC] a cat")
	if diff := cmp.Diff([]int32{dec, 5, 8}, ids); diff != "" {
		t.Errorf("EncodeText Abweichung:\n%s", diff)
	}
	if got := tok.Decode(append(ids, tok.SEP()), true); got != "a cat" {
		t.Errorf("Decode = %q, erwartet %q", got, "a cat")
	}

	// zweimaliges Hinzufuegen vergibt keine neue ID
	if again := tok.SetBOS(DecToken); again != dec {
		t.Errorf("SetBOS erneut = %d, erwartet %d", again, dec)
	}
}

func writeTokenizerJSON(t *testing.T, dir string, lowercase bool) string {
	t.Helper()

	vocab := make(map[string]int32, len(testVocab))
	for i, tok := range testVocab {
		vocab[tok] = int32(i)
	}
	doc := map[string]any{
		"model": map[string]any{
			"type":                      "WordPiece",
			"unk_token":                 "[UNK]",
			"continuing_subword_prefix": "##",
			"vocab":                     vocab,
		},
		"normalizer": map[string]any{
			"type":                 "BertNormalizer",
			"lowercase":            lowercase,
			"strip_accents":        nil,
			"handle_chinese_chars": true,
		},
		"added_tokens": []map[string]any{
			{"id": 0, "content": "[PAD]", "special": true},
			{"id": len(testVocab), "content": "[DEC]", "special": true},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, FileTokenizerJSON)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadTokenizerJSON(t *testing.T) {
	dir := t.TempDir()
	writeTokenizerJSON(t, dir, true)

	tok, err := Load(dir)
	if err != nil {
		t.Fatalf("Load Fehler: %v", err)
	}
	if tok.VocabSize() != len(testVocab)+1 {
		t.Errorf("VocabSize = %d, erwartet %d", tok.VocabSize(), len(testVocab)+1)
	}
	if !tok.IsSpecial(int32(len(testVocab))) {
		t.Error("added special token [DEC] nicht als special markiert")
	}
	if diff := cmp.Diff([]int32{5, 6}, tok.EncodeText("A PICTURE")); diff != "" {
		t.Errorf("EncodeText Abweichung:\n%s", diff)
	}
}

func TestLoadCasedNormalizer(t *testing.T) {
	dir := t.TempDir()
	path := writeTokenizerJSON(t, dir, false)

	tok, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{1}, tok.EncodeText("Cat")); diff != "" {
		t.Errorf("cased EncodeText Abweichung:\n%s", diff)
	}
}

func TestLoadRejectsBPE(t *testing.T) {
	_, err := LoadFromBytes([]byte(`{"model":{"type":"BPE","vocab":{"a":0}}}`))
	if !errors.Is(err, ErrUnsupportedModel) {
		t.Errorf("Fehler = %v, erwartet ErrUnsupportedModel", err)
	}
}

func TestLoadVocabDirWithConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileVocabTxt), []byte(strings.Join(testVocab, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	config := `{"do_lower_case": false, "pad_token": {"content": "[MASK]"}}`
	if err := os.WriteFile(filepath.Join(dir, FileTokenizerConfig), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	tok, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if tok.PAD() != 4 {
		t.Errorf("PAD aus tokenizer_config = %d, erwartet 4", tok.PAD())
	}
	if diff := cmp.Diff([]int32{1}, tok.EncodeText("Cat")); diff != "" {
		t.Errorf("do_lower_case=false Abweichung:\n%s", diff)
	}
}

func TestFromPretrainedLocalPath(t *testing.T) {
	dir := t.TempDir()
	writeTokenizerJSON(t, dir, true)

	tok, err := BlipFromPretrained(t.Context(), nil, dir)
	if err != nil {
		t.Fatal(err)
	}
	if tok.BOS() != int32(len(testVocab)) {
		t.Errorf("BOS = %d, erwartet vorhandenes [DEC] %d", tok.BOS(), len(testVocab))
	}

	if _, err := FromPretrained(t.Context(), nil, "does-not-exist-anywhere"); err == nil {
		t.Error("FromPretrained ohne Client und ohne Pfad: kein Fehler")
	}
}
