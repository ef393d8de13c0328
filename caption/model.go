// Package caption - BLIP Bild-Caption-Modell aus Bild-Encoder, Text-Decoder und Tokenizer.
//
// MODUL: caption
// ZWECK: Verbindet einen vortrainierten Bild-Encoder mit einem multimodalen Text-Decoder
// INPUT: Samples (Bild-Tensor [B,3,S,S], optional Captions), GenerateOptions
// OUTPUT: Loss-Ausgaben (Output) oder generierte Captions ([]string)
// NEBENEFFEKTE: Keine ueber die injizierten Komponenten hinaus
// ABHAENGIGKEITEN: github.com/pdevine/tensor, tokenizer (intern)
// HINWEISE: Felder werden im Konstruktor gesetzt und danach nur gelesen.
//           Ein Model darf von mehreren Goroutinen genutzt werden, sofern Encoder
//           und Decoder das ebenfalls erlauben.
package caption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pdevine/tensor"

	"github.com/ollama/caption/tokenizer"
)

// DefaultMaxTextLength begrenzt tokenisierte Captions im Training
const DefaultMaxTextLength = 40

// IgnoreIndex markiert Zielpositionen ohne Beitrag zum Loss
const IgnoreIndex int32 = -100

// Schluessel der Decoder-Ausgabe
const (
	OutputLoss   = "loss"
	OutputTokens = "num_tokens"
	OutputLogits = "logits"
)

var (
	ErrNoImage     = errors.New("caption: samples without image")
	ErrNoText      = errors.New("caption: samples without text input")
	ErrNoTokenizer = errors.New("caption: tokenizer unavailable")
	ErrBatchSize   = errors.New("caption: batch size mismatch")
)

// ============================================================================
// Interfaces
// ============================================================================

// Encoder bildet Pixel [B,3,S,S] auf Bild-Embeddings [B,N,D] ab.
type Encoder interface {
	Encode(ctx context.Context, image *tensor.Dense) (*tensor.Dense, error)
}

// Decoder ist der multimodale Text-Decoder (Loss und Generierung).
type Decoder interface {
	ForwardLoss(ctx context.Context, req LossRequest) (Output, error)
	GenerateFromEncoder(ctx context.Context, req GenerateRequest) ([][]int32, error)
}

// Tokenizer kodiert und dekodiert Captions.
type Tokenizer interface {
	Encode(texts []string, opts tokenizer.EncodeOptions) (*tokenizer.Batch, error)
	Decode(ids []int32, skipSpecial bool) string
	BOS() int32
	PAD() int32
	SEP() int32
}

// TokenizerLoader erzeugt den Tokenizer beim Konstruieren des Modells.
type TokenizerLoader func(ctx context.Context) (Tokenizer, error)

// ============================================================================
// Datentypen
// ============================================================================

// Samples ist die Eingabe eines Aufrufs. TextInput wird nur fuer den Loss gebraucht.
type Samples struct {
	Image     *tensor.Dense
	TextInput []string
}

// Output enthaelt die Felder der Decoder-Ausgabe (z.B. "loss").
type Output map[string]any

// Loss gibt den Loss-Wert zurueck, falls vorhanden.
func (o Output) Loss() (float64, bool) {
	switch v := o[OutputLoss].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}

// LossRequest ist die Eingabe von Decoder.ForwardLoss.
type LossRequest struct {
	InputIDs      [][]int32
	AttentionMask [][]int32
	ImageEmbeds   *tensor.Dense
	// Targets: InputIDs mit IgnoreIndex an Padding- und Prompt-Positionen
	Targets [][]int32
}

// GenerateRequest ist die Eingabe von Decoder.GenerateFromEncoder.
type GenerateRequest struct {
	InputIDs      [][]int32
	AttentionMask [][]int32
	ImageEmbeds   *tensor.Dense
	SEP           int32
	PAD           int32
	Options       GenerateOptions
}

// GenerateOptions steuert die Generierung. MaxLength/MinLength zaehlen den Prompt mit.
type GenerateOptions struct {
	UseNucleusSampling bool    `json:"use_nucleus_sampling"`
	NumBeams           int     `json:"num_beams"`
	MaxLength          int     `json:"max_length"`
	MinLength          int     `json:"min_length"`
	TopP               float64 `json:"top_p"`
	RepetitionPenalty  float64 `json:"repetition_penalty"`
	Seed               *int64  `json:"seed,omitempty"`
}

// DefaultGenerateOptions: Beam Search mit 3 Beams, 10 bis 30 Tokens.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		NumBeams:          3,
		MaxLength:         30,
		MinLength:         10,
		TopP:              0.9,
		RepetitionPenalty: 1.0,
	}
}

// ============================================================================
// Model
// ============================================================================

// Model ist das Caption-Modell.
type Model struct {
	visualEncoder Encoder
	textDecoder   Decoder
	tokenizer     Tokenizer

	prompt       string
	promptLength int
	maxTxtLen    int
}

// Option konfiguriert ein Model
type Option func(*Model)

// WithPrompt setzt den festen Prompt (z.B. "a picture of ")
func WithPrompt(prompt string) Option {
	return func(m *Model) { m.prompt = prompt }
}

// WithMaxTextLength setzt die Truncation-Laenge fuer Captions
func WithMaxTextLength(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.maxTxtLen = n
		}
	}
}

// New erstellt ein Model. Die Prompt-Laenge wird einmalig aus dem tokenisierten Prompt
// berechnet (Anzahl Tokens minus 1).
func New(enc Encoder, dec Decoder, tok Tokenizer, opts ...Option) (*Model, error) {
	if tok == nil {
		return nil, ErrNoTokenizer
	}

	m := &Model{
		visualEncoder: enc,
		textDecoder:   dec,
		tokenizer:     tok,
		maxTxtLen:     DefaultMaxTextLength,
	}
	for _, opt := range opts {
		opt(m)
	}

	batch, err := tok.Encode([]string{m.prompt}, tokenizer.EncodeOptions{})
	if err != nil {
		return nil, fmt.Errorf("caption: tokenize prompt: %w", err)
	}
	m.promptLength = len(batch.InputIDs[0]) - 1

	slog.Debug("caption model created", "prompt", m.prompt, "prompt_length", m.promptLength, "max_txt_len", m.maxTxtLen)
	return m, nil
}

// NewWithTokenizerLoader laedt den Tokenizer ueber load und erstellt das Model.
func NewWithTokenizerLoader(ctx context.Context, enc Encoder, dec Decoder, load TokenizerLoader, opts ...Option) (*Model, error) {
	if load == nil {
		return nil, ErrNoTokenizer
	}
	tok, err := load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTokenizer, err)
	}
	return New(enc, dec, tok, opts...)
}

func (m *Model) Prompt() string { return m.prompt }
func (m *Model) PromptLength() int { return m.promptLength }
func (m *Model) MaxTextLength() int { return m.maxTxtLen }
func (m *Model) VisualEncoder() Encoder { return m.visualEncoder }
func (m *Model) TextDecoder() Decoder { return m.textDecoder }
func (m *Model) Tokenizer() Tokenizer { return m.tokenizer }

// Children liefert die Teilmodule fuer das Laden von Checkpoints.
func (m *Model) Children() map[string]any {
	return map[string]any{
		"visual_encoder": m.visualEncoder,
		"text_decoder":   m.textDecoder,
	}
}

// Encode leitet das Bild durch den Bild-Encoder.
func (m *Model) Encode(ctx context.Context, samples Samples) (*tensor.Dense, error) {
	if samples.Image == nil {
		return nil, ErrNoImage
	}
	embeds, err := m.visualEncoder.Encode(ctx, samples.Image)
	if err != nil {
		return nil, fmt.Errorf("caption: encode: %w", err)
	}
	return embeds, nil
}

// DecodeForLoss tokenisiert die Captions, baut die Targets und ruft den Decoder-Loss auf.
func (m *Model) DecodeForLoss(ctx context.Context, samples Samples, imageEmbeds *tensor.Dense) (Output, error) {
	if len(samples.TextInput) == 0 {
		return nil, ErrNoText
	}
	if n := batchSize(imageEmbeds); n > 0 && n != len(samples.TextInput) {
		return nil, fmt.Errorf("%w: %d images, %d captions", ErrBatchSize, n, len(samples.TextInput))
	}

	text, err := m.tokenizer.Encode(samples.TextInput, tokenizer.EncodeOptions{
		Padding:    tokenizer.PadLongest,
		Truncation: true,
		MaxLength:  m.maxTxtLen,
	})
	if err != nil {
		return nil, fmt.Errorf("caption: tokenize captions: %w", err)
	}
	bos := m.tokenizer.BOS()
	for _, ids := range text.InputIDs {
		ids[0] = bos
	}

	targets := buildTargets(text.InputIDs, m.tokenizer.PAD(), m.promptLength)

	out, err := m.textDecoder.ForwardLoss(ctx, LossRequest{
		InputIDs:      text.InputIDs,
		AttentionMask: text.AttentionMask,
		ImageEmbeds:   imageEmbeds,
		Targets:       targets,
	})
	if err != nil {
		return nil, fmt.Errorf("caption: decoder loss: %w", err)
	}

	result := make(Output, len(out))
	for k, v := range out {
		result[k] = v
	}
	return result, nil
}

// Forward berechnet den Loss fuer Bild und Captions.
func (m *Model) Forward(ctx context.Context, samples Samples) (Output, error) {
	embeds, err := m.Encode(ctx, samples)
	if err != nil {
		return nil, err
	}
	return m.DecodeForLoss(ctx, samples, embeds)
}

// Generate erzeugt eine Caption pro Bild. Der Prompt wird vom Ergebnis entfernt.
func (m *Model) Generate(ctx context.Context, samples Samples, opts GenerateOptions) ([]string, error) {
	embeds, err := m.Encode(ctx, samples)
	if err != nil {
		return nil, err
	}

	n := batchSize(embeds)
	if n <= 0 {
		return nil, fmt.Errorf("%w: image embeddings without batch dimension", ErrBatchSize)
	}

	prompts := make([]string, n)
	for i := range prompts {
		prompts[i] = m.prompt
	}
	prompt, err := m.tokenizer.Encode(prompts, tokenizer.EncodeOptions{})
	if err != nil {
		return nil, fmt.Errorf("caption: tokenize prompt: %w", err)
	}

	// BOS an Position 0, abschliessendes [SEP] entfernen
	bos := m.tokenizer.BOS()
	for i, ids := range prompt.InputIDs {
		ids[0] = bos
		prompt.InputIDs[i] = ids[:len(ids)-1]
		prompt.AttentionMask[i] = prompt.AttentionMask[i][:len(ids)-1]
	}

	outputs, err := m.textDecoder.GenerateFromEncoder(ctx, GenerateRequest{
		InputIDs:      prompt.InputIDs,
		AttentionMask: prompt.AttentionMask,
		ImageEmbeds:   embeds,
		SEP:           m.tokenizer.SEP(),
		PAD:           m.tokenizer.PAD(),
		Options:       opts,
	})
	if err != nil {
		return nil, fmt.Errorf("caption: generate: %w", err)
	}
	if len(outputs) != n {
		return nil, fmt.Errorf("%w: decoder returned %d sequences for %d images", ErrBatchSize, len(outputs), n)
	}

	captions := make([]string, len(outputs))
	for i, ids := range outputs {
		captions[i] = stripPrompt(m.tokenizer.Decode(ids, true), m.prompt)
	}
	return captions, nil
}

// buildTargets ersetzt Padding und die ersten promptLength Spalten durch IgnoreIndex.
func buildTargets(ids [][]int32, pad int32, promptLength int) [][]int32 {
	targets := make([][]int32, len(ids))
	for i, row := range ids {
		t := make([]int32, len(row))
		for j, id := range row {
			if id == pad || j < promptLength {
				t[j] = IgnoreIndex
			} else {
				t[j] = id
			}
		}
		targets[i] = t
	}
	return targets
}

// stripPrompt entfernt den Prompt vom Anfang der dekodierten Caption. Passt der Prompt
// nicht als Praefix, werden so viele Zeichen entfernt wie der Prompt lang ist.
// Ist die Caption nicht laenger als der Prompt, ist das Ergebnis leer.
func stripPrompt(caption, prompt string) string {
	if prompt == "" {
		return caption
	}
	if rest, ok := strings.CutPrefix(caption, prompt); ok {
		return rest
	}

	runes := []rune(caption)
	n := len([]rune(prompt))
	if len(runes) <= n {
		return ""
	}
	return string(runes[n:])
}

func batchSize(t *tensor.Dense) int {
	if t == nil || len(t.Shape()) == 0 {
		return 0
	}
	return t.Shape()[0]
}
