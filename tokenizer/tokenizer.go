// Package tokenizer - BERT WordPiece Tokenizer fuer Caption-Modelle.
//
// MODUL: tokenizer
// ZWECK: Text <-> Token-IDs fuer BERT-basierte Text-Decoder (bert-base-uncased + BLIP Tokens)
// INPUT: tokenizer.json / vocab.txt, Texte, Token-ID-Sequenzen
// OUTPUT: Batch (Input-IDs + Attention-Mask), dekodierte Texte
// NEBENEFFEKTE: Dateisystem-Lesezugriff beim Laden
// ABHAENGIGKEITEN: golang.org/x/text/unicode/norm (Akzent-Entfernung), huggingface (Download)
// HINWEISE: Nach dem Laden unveraenderlich und damit thread-sicher.
package tokenizer

import (
	"errors"
	"fmt"
)

// ============================================================================
// Fehler
// ============================================================================

var (
	ErrEmptyVocab       = errors.New("tokenizer: empty vocabulary")
	ErrMissingToken     = errors.New("tokenizer: required special token missing")
	ErrInvalidMaxLength = errors.New("tokenizer: max length too small")
	ErrUnsupportedModel = errors.New("tokenizer: unsupported model type")
)

// ============================================================================
// Standard-Token
// ============================================================================

const (
	DefaultCLS  = "[CLS]"
	DefaultSEP  = "[SEP]"
	DefaultPAD  = "[PAD]"
	DefaultUNK  = "[UNK]"
	DefaultMASK = "[MASK]"

	// BLIP: Decoder-BOS und Encoder-Marker
	DecToken = "[DEC]"
	EncToken = "[ENC]"

	continuationPrefix = "##"

	// maxInputCharsPerWord entspricht dem BERT-Default
	maxInputCharsPerWord = 100
)

// ============================================================================
// Typen
// ============================================================================

// Vocabulary haelt die Token <-> ID Zuordnung.
type Vocabulary struct {
	Values  []string
	Reverse map[string]int32
}

// Tokenizer ist ein BERT WordPiece Tokenizer.
type Tokenizer struct {
	vocab *Vocabulary

	// special enthaelt alle Token die nie zerlegt und beim Dekodieren optional entfernt werden
	special map[string]int32

	cls, sep, pad, unk, bos int32
	additional              []int32

	lowercase    bool
	stripAccents bool
	chineseChars bool
}

// Padding legt fest wie ein Batch aufgefuellt wird.
type Padding int

const (
	// PadNone laesst Sequenzen unterschiedlich lang.
	PadNone Padding = iota
	// PadLongest fuellt auf die laengste Sequenz im Batch auf.
	PadLongest
	// PadMaxLength fuellt auf EncodeOptions.MaxLength auf.
	PadMaxLength
)

// String implementiert Stringer.
func (p Padding) String() string {
	switch p {
	case PadLongest:
		return "longest"
	case PadMaxLength:
		return "max_length"
	default:
		return "none"
	}
}

// EncodeOptions steuert Padding und Truncation beim Kodieren.
type EncodeOptions struct {
	Padding    Padding
	Truncation bool
	// MaxLength inklusive [CLS]/[SEP]. 0 = unbegrenzt.
	MaxLength int
}

// Batch ist das Ergebnis einer Batch-Kodierung.
type Batch struct {
	InputIDs      [][]int32
	AttentionMask [][]int32
}

// Len gibt die Batch-Groesse zurueck.
func (b *Batch) Len() int {
	return len(b.InputIDs)
}

// Width gibt die Laenge der laengsten Sequenz zurueck.
func (b *Batch) Width() int {
	width := 0
	for _, ids := range b.InputIDs {
		width = max(width, len(ids))
	}
	return width
}

// Clone erstellt eine tiefe Kopie.
func (b *Batch) Clone() *Batch {
	out := &Batch{
		InputIDs:      make([][]int32, len(b.InputIDs)),
		AttentionMask: make([][]int32, len(b.AttentionMask)),
	}
	for i := range b.InputIDs {
		out.InputIDs[i] = append([]int32(nil), b.InputIDs[i]...)
	}
	for i := range b.AttentionMask {
		out.AttentionMask[i] = append([]int32(nil), b.AttentionMask[i]...)
	}
	return out
}

// ============================================================================
// Accessoren
// ============================================================================

// CLS gibt die ID von [CLS] zurueck.
func (t *Tokenizer) CLS() int32 { return t.cls }

// SEP gibt die ID von [SEP] zurueck (dient auch als EOS bei der Generierung).
func (t *Tokenizer) SEP() int32 { return t.sep }

// PAD gibt die ID von [PAD] zurueck.
func (t *Tokenizer) PAD() int32 { return t.pad }

// UNK gibt die ID von [UNK] zurueck.
func (t *Tokenizer) UNK() int32 { return t.unk }

// BOS gibt die Beginning-of-Sequence ID zurueck. Ohne eigenes BOS-Token ist das [CLS].
func (t *Tokenizer) BOS() int32 {
	if t.bos < 0 {
		return t.cls
	}
	return t.bos
}

// AdditionalSpecialIDs gibt die IDs der zusaetzlichen Special-Tokens in Registrierungsreihenfolge zurueck.
func (t *Tokenizer) AdditionalSpecialIDs() []int32 {
	return append([]int32(nil), t.additional...)
}

// VocabSize gibt die Groesse des Vokabulars inklusive hinzugefuegter Tokens zurueck.
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab.Values)
}

// TokenID gibt die ID eines Tokens zurueck.
func (t *Tokenizer) TokenID(token string) (int32, bool) {
	id, ok := t.vocab.Reverse[token]
	return id, ok
}

// Token gibt den Token-String einer ID zurueck.
func (t *Tokenizer) Token(id int32) string {
	if id < 0 || int(id) >= len(t.vocab.Values) {
		return ""
	}
	return t.vocab.Values[id]
}

// IsSpecial prueft ob id ein Special-Token ist.
func (t *Tokenizer) IsSpecial(id int32) bool {
	tok := t.Token(id)
	if tok == "" {
		return false
	}
	sid, ok := t.special[tok]
	return ok && sid == id
}

// ============================================================================
// Special Tokens hinzufuegen
// ============================================================================

// AddSpecialTokens fuegt Special-Tokens hinzu. Bereits bekannte Tokens behalten ihre ID,
// neue bekommen die naechste freie ID. Gibt die IDs in Eingabereihenfolge zurueck.
func (t *Tokenizer) AddSpecialTokens(tokens ...string) []int32 {
	ids := make([]int32, 0, len(tokens))
	for _, tok := range tokens {
		id, ok := t.vocab.Reverse[tok]
		if !ok {
			id = int32(len(t.vocab.Values))
			t.vocab.Values = append(t.vocab.Values, tok)
			t.vocab.Reverse[tok] = id
		}
		t.special[tok] = id
		ids = append(ids, id)
	}
	return ids
}

// SetBOS setzt das BOS-Token und registriert es bei Bedarf als Special-Token.
func (t *Tokenizer) SetBOS(token string) int32 {
	t.bos = t.AddSpecialTokens(token)[0]
	return t.bos
}

// AddAdditionalSpecialTokens registriert zusaetzliche Special-Tokens (z.B. [ENC]).
func (t *Tokenizer) AddAdditionalSpecialTokens(tokens ...string) []int32 {
	ids := t.AddSpecialTokens(tokens...)
	t.additional = append(t.additional, ids...)
	return ids
}

// NewBlip richtet einen BERT-Tokenizer fuer BLIP ein: [DEC] als BOS und [ENC] als
// zusaetzliches Special-Token.
func NewBlip(t *Tokenizer) *Tokenizer {
	t.SetBOS(DecToken)
	t.AddAdditionalSpecialTokens(EncToken)
	return t
}

// EncTokenID gibt die ID von [ENC] zurueck, -1 wenn nicht registriert.
func (t *Tokenizer) EncTokenID() int32 {
	if id, ok := t.special[EncToken]; ok {
		return id
	}
	return -1
}

// resolveSpecials setzt die Pflicht-Token-IDs aus dem Vokabular.
func (t *Tokenizer) resolveSpecials(names map[string]string) error {
	lookup := func(key, fallback string) (int32, error) {
		name := names[key]
		if name == "" {
			name = fallback
		}
		id, ok := t.vocab.Reverse[name]
		if !ok {
			return -1, fmt.Errorf("%w: %s %q", ErrMissingToken, key, name)
		}
		t.special[name] = id
		return id, nil
	}

	var err error
	if t.cls, err = lookup("cls_token", DefaultCLS); err != nil {
		return err
	}
	if t.sep, err = lookup("sep_token", DefaultSEP); err != nil {
		return err
	}
	if t.pad, err = lookup("pad_token", DefaultPAD); err != nil {
		return err
	}
	if t.unk, err = lookup("unk_token", DefaultUNK); err != nil {
		return err
	}
	if id, ok := t.vocab.Reverse[DefaultMASK]; ok {
		t.special[DefaultMASK] = id
	}
	if name := names["bos_token"]; name != "" {
		t.SetBOS(name)
	}
	return nil
}
