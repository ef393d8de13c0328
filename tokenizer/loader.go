// loader.go - Laden von tokenizer.json, vocab.txt und Special-Token-Konfiguration
//
// Enthaelt:
// - Load: Datei oder Verzeichnis (tokenizer.json bevorzugt, sonst vocab.txt)
// - LoadFromBytes / LoadVocab: aus Speicher
// - loadSpecialTokenConfig: tokenizer_config.json -> special_tokens_map.json

package tokenizer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Dateinamen im Hugging Face Layout
const (
	FileTokenizerJSON   = "tokenizer.json"
	FileVocabTxt        = "vocab.txt"
	FileTokenizerConfig = "tokenizer_config.json"
	FileSpecialTokens   = "special_tokens_map.json"
)

// Load laedt einen Tokenizer von path. path kann sein:
// - eine tokenizer.json Datei
// - eine vocab.txt Datei
// - ein Verzeichnis mit tokenizer.json oder vocab.txt
func Load(path string) (*Tokenizer, error) {
	dir := path
	file := path

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: %w", err)
	}
	if info.IsDir() {
		file = filepath.Join(path, FileTokenizerJSON)
		if _, err := os.Stat(file); err != nil {
			file = filepath.Join(path, FileVocabTxt)
		}
	} else {
		dir = filepath.Dir(path)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("tokenizer: read %s: %w", filepath.Base(file), err)
	}

	var t *Tokenizer
	if strings.HasSuffix(file, ".json") {
		t, err = LoadFromBytes(data)
	} else {
		t, err = LoadVocab(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}

	if err := loadSpecialTokenConfig(dir, t); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadVocab liest eine vocab.txt (ein Token pro Zeile, ID = Zeilennummer).
func LoadVocab(r io.Reader) (*Tokenizer, error) {
	t := newTokenizer()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if _, dup := t.vocab.Reverse[token]; dup {
			// doppelte Zeilen behalten die erste ID, die Position bleibt belegt
			t.vocab.Values = append(t.vocab.Values, token)
			continue
		}
		t.vocab.Reverse[token] = int32(len(t.vocab.Values))
		t.vocab.Values = append(t.vocab.Values, token)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("tokenizer: read vocab: %w", err)
	}
	if len(t.vocab.Values) == 0 {
		return nil, ErrEmptyVocab
	}

	if err := t.resolveSpecials(nil); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFromBytes parst eine tokenizer.json mit WordPiece-Modell.
func LoadFromBytes(data []byte) (*Tokenizer, error) {
	var raw struct {
		Model struct {
			Type                    string           `json:"type"`
			Vocab                   map[string]int32 `json:"vocab"`
			UnkToken                string           `json:"unk_token"`
			ContinuingSubwordPrefix string           `json:"continuing_subword_prefix"`
		} `json:"model"`
		Normalizer *struct {
			Type               string `json:"type"`
			Lowercase          *bool  `json:"lowercase"`
			StripAccents       *bool  `json:"strip_accents"`
			HandleChineseChars *bool  `json:"handle_chinese_chars"`
		} `json:"normalizer"`
		AddedTokens []struct {
			ID      int32  `json:"id"`
			Content string `json:"content"`
			Special bool   `json:"special"`
		} `json:"added_tokens"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("tokenizer: parse tokenizer.json: %w", err)
	}
	if raw.Model.Type != "" && raw.Model.Type != "WordPiece" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, raw.Model.Type)
	}
	if p := raw.Model.ContinuingSubwordPrefix; p != "" && p != continuationPrefix {
		return nil, fmt.Errorf("%w: continuing_subword_prefix %q", ErrUnsupportedModel, p)
	}
	if len(raw.Model.Vocab) == 0 {
		return nil, ErrEmptyVocab
	}

	t := newTokenizer()
	t.vocab.Reverse = raw.Model.Vocab
	t.vocab.Values = make([]string, len(raw.Model.Vocab))
	for token, id := range raw.Model.Vocab {
		t.grow(id)
		t.vocab.Values[id] = token
	}

	for _, tok := range raw.AddedTokens {
		t.grow(tok.ID)
		t.vocab.Values[tok.ID] = tok.Content
		t.vocab.Reverse[tok.Content] = tok.ID
		if tok.Special {
			t.special[tok.Content] = tok.ID
		}
	}

	if n := raw.Normalizer; n != nil && n.Type == "BertNormalizer" {
		if n.Lowercase != nil {
			t.lowercase = *n.Lowercase
		}
		// strip_accents null folgt lowercase
		t.stripAccents = t.lowercase
		if n.StripAccents != nil {
			t.stripAccents = *n.StripAccents
		}
		if n.HandleChineseChars != nil {
			t.chineseChars = *n.HandleChineseChars
		}
	}

	names := map[string]string{}
	if raw.Model.UnkToken != "" {
		names["unk_token"] = raw.Model.UnkToken
	}
	if err := t.resolveSpecials(names); err != nil {
		return nil, err
	}
	return t, nil
}

func newTokenizer() *Tokenizer {
	return &Tokenizer{
		vocab: &Vocabulary{
			Reverse: make(map[string]int32),
		},
		special:      make(map[string]int32),
		cls:          -1,
		sep:          -1,
		pad:          -1,
		unk:          -1,
		bos:          -1,
		lowercase:    true,
		stripAccents: true,
		chineseChars: true,
	}
}

// grow stellt sicher dass id in Values adressierbar ist.
func (t *Tokenizer) grow(id int32) {
	if int(id) >= len(t.vocab.Values) {
		values := make([]string, id+1)
		copy(values, t.vocab.Values)
		t.vocab.Values = values
	}
}

// ============================================================================
// Special-Token-Konfiguration
// ============================================================================

// loadSpecialTokenConfig liest Special-Tokens aus Begleitdateien.
//
// Prioritaet:
//  1. tokenizer_config.json - Token-Strings + do_lower_case
//  2. special_tokens_map.json - Fallback
//
// Fehlende Dateien sind kein Fehler.
func loadSpecialTokenConfig(dir string, t *Tokenizer) error {
	names := map[string]string{}
	keys := []string{"cls_token", "sep_token", "pad_token", "unk_token", "bos_token"}

	if data, err := os.ReadFile(filepath.Join(dir, FileTokenizerConfig)); err == nil {
		var config map[string]any
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("tokenizer: parse %s: %w", FileTokenizerConfig, err)
		}
		for _, key := range keys {
			if s := extractTokenString(config[key]); s != "" {
				names[key] = s
			}
		}
		if lower, ok := config["do_lower_case"].(bool); ok {
			t.lowercase = lower
			t.stripAccents = lower
		}
		if strip, ok := config["strip_accents"].(bool); ok {
			t.stripAccents = strip
		}
	}

	if data, err := os.ReadFile(filepath.Join(dir, FileSpecialTokens)); err == nil {
		var tokensMap map[string]any
		if err := json.Unmarshal(data, &tokensMap); err != nil {
			return fmt.Errorf("tokenizer: parse %s: %w", FileSpecialTokens, err)
		}
		for _, key := range keys {
			if names[key] != "" {
				continue
			}
			if s := extractTokenString(tokensMap[key]); s != "" {
				names[key] = s
			}
		}
	}

	if len(names) == 0 {
		return nil
	}
	return t.resolveSpecials(names)
}

// extractTokenString extrahiert einen Token-String aus den HF-Formaten:
//   - string: "token"
//   - object: {"content": "token", ...}
func extractTokenString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}
