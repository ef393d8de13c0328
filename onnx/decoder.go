// MODUL: onnx/decoder
// ZWECK: Text-Decoder auf Basis einer Logits-Funktion (Loss und Generierung)
// INPUT: caption.LossRequest / caption.GenerateRequest
// OUTPUT: caption.Output mit "loss" und "num_tokens", generierte Token-Sequenzen
// NEBENEFFEKTE: Keine (Session-Zugriff erfolgt in der Logits-Funktion)
// ABHAENGIGKEITEN: decoding (intern), github.com/pdevine/tensor
// HINWEISE: Ohne KV-Cache wird pro Schritt die ganze Sequenz gerechnet.
//           Bild-Embeddings werden pro Beam ueber den Zeilen-Index ausgewaehlt.

package onnx

import (
	"context"
	"fmt"
	"sync"

	"github.com/pdevine/tensor"

	"github.com/ollama/caption/caption"
	"github.com/ollama/caption/decoding"
	"github.com/ollama/caption/logutil"
)

// NucleusRepetitionPenalty wird beim Sampling statt des neutralen Standardwerts 1.0 verwendet
const NucleusRepetitionPenalty = 1.1

// DefaultTopK begrenzt die Kandidaten beim Sampling
const DefaultTopK = 50

// logitsFunc berechnet Logits [B, L, V] fuer ids/mask [B, L] und Embeddings [B, N, D].
type logitsFunc func(ctx context.Context, ids, mask [][]int32, embeds *tensor.Dense) (*tensor.Dense, error)

// Decoder implementiert caption.Decoder.
type Decoder struct {
	logits         logitsFunc
	labelSmoothing float64
	closeFn        func()

	mu     sync.RWMutex
	closed bool
}

func newDecoder(fn logitsFunc, closeFn func()) *Decoder {
	return &Decoder{
		logits:         fn,
		labelSmoothing: decoding.DefaultLabelSmoothing,
		closeFn:        closeFn,
	}
}

// ForwardLoss berechnet den Language-Modeling-Loss ueber die nicht ignorierten Targets.
func (d *Decoder) ForwardLoss(ctx context.Context, req caption.LossRequest) (caption.Output, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	out, err := d.logits(ctx, req.InputIDs, req.AttentionMask, req.ImageEmbeds)
	if err != nil {
		return nil, err
	}
	b, l, v, data, err := logitsShape(out)
	if err != nil {
		return nil, err
	}
	if b != len(req.Targets) {
		return nil, fmt.Errorf("%w: logits batch %d, targets %d", ErrOutputFormat, b, len(req.Targets))
	}

	res, err := decoding.LMLoss(data, b, l, v, req.Targets, d.labelSmoothing)
	if err != nil {
		return nil, err
	}
	return caption.Output{
		caption.OutputLoss:   res.Loss,
		caption.OutputTokens: res.Tokens,
	}, nil
}

// GenerateFromEncoder erzeugt Sequenzen ausgehend vom Prompt. SEP beendet eine Sequenz.
func (d *Decoder) GenerateFromEncoder(ctx context.Context, req caption.GenerateRequest) ([][]int32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	params := generateParams(req)
	step := func(ctx context.Context, seqs [][]int32, rows []int) ([][]float32, error) {
		embeds, err := selectRows(req.ImageEmbeds, rows)
		if err != nil {
			return nil, err
		}

		mask := make([][]int32, len(seqs))
		for i, s := range seqs {
			mask[i] = make([]int32, len(s))
			for j := range mask[i] {
				mask[i][j] = 1
			}
		}

		out, err := d.logits(ctx, seqs, mask, embeds)
		if err != nil {
			return nil, err
		}
		b, l, v, data, err := logitsShape(out)
		if err != nil {
			return nil, err
		}
		if b != len(seqs) {
			return nil, fmt.Errorf("%w: logits batch %d, sequences %d", ErrOutputFormat, b, len(seqs))
		}

		// nur die letzte Position jeder Sequenz
		next := make([][]float32, b)
		for i := range b {
			off := (i*l + l - 1) * v
			next[i] = data[off : off+v]
		}
		logutil.TraceContext(ctx, "decoder step", "rows", len(rows), "len", l)
		return next, nil
	}

	return decoding.Generate(ctx, req.InputIDs, step, params)
}

// Close gibt die Session frei.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.closeFn != nil {
		d.closeFn()
	}
	return nil
}

// generateParams uebersetzt die Caption-Optionen in Decoding-Parameter.
func generateParams(req caption.GenerateRequest) decoding.Params {
	o := req.Options
	p := decoding.DefaultParams()
	p.UseNucleusSampling = o.UseNucleusSampling
	p.NumBeams = o.NumBeams
	p.MaxLength = o.MaxLength
	p.MinLength = o.MinLength
	p.TopP = o.TopP
	p.TopK = DefaultTopK
	p.RepetitionPenalty = o.RepetitionPenalty
	p.Seed = o.Seed
	p.EOS = req.SEP
	p.PAD = req.PAD

	if p.RepetitionPenalty == 0 {
		p.RepetitionPenalty = 1
	}
	if p.UseNucleusSampling {
		p.NumBeams = 1
		if p.RepetitionPenalty == 1 {
			p.RepetitionPenalty = NucleusRepetitionPenalty
		}
	}
	return p
}

// logitsShape prueft eine [B, L, V] Ausgabe und gibt die float32 Daten zurueck.
func logitsShape(t *tensor.Dense) (b, l, v int, data []float32, err error) {
	if t == nil {
		return 0, 0, 0, nil, fmt.Errorf("%w: nil logits", ErrOutputFormat)
	}
	shape := t.Shape()
	if len(shape) != 3 {
		return 0, 0, 0, nil, fmt.Errorf("%w: logits shape %v", ErrOutputFormat, shape)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return 0, 0, 0, nil, fmt.Errorf("%w: logits dtype %v", ErrOutputFormat, t.Dtype())
	}
	return shape[0], shape[1], shape[2], data, nil
}

// selectRows waehlt die Zeilen rows aus einem [B, ...] Tensor (Wiederholungen erlaubt).
func selectRows(t *tensor.Dense, rows []int) (*tensor.Dense, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil image embeddings", ErrOutputFormat)
	}
	shape := t.Shape()
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: scalar image embeddings", ErrOutputFormat)
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: embeddings dtype %v", ErrOutputFormat, t.Dtype())
	}

	stride := 1
	for _, d := range shape[1:] {
		stride *= d
	}
	out := make([]float32, 0, len(rows)*stride)
	for _, r := range rows {
		if r < 0 || r >= shape[0] {
			return nil, fmt.Errorf("%w: row %d out of range %d", ErrOutputFormat, r, shape[0])
		}
		out = append(out, data[r*stride:(r+1)*stride]...)
	}

	newShape := append([]int{len(rows)}, shape[1:]...)
	return tensor.New(tensor.WithShape(newShape...), tensor.WithBacking(out)), nil
}
