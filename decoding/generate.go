// generate.go - Autoregressive Generierung ueber eine Schritt-Funktion
//
// Enthaelt:
// - Params / DefaultParams: Beam-Breite, Laengen, Sampling-Parameter
// - StepFunc: liefert Next-Token-Logits pro Sequenz
// - Generate: Beam Search, Nucleus Sampling oder Greedy

package decoding

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/ollama/caption/logutil"
)

var (
	ErrEmptyPrompt   = errors.New("decoding: empty prompt batch")
	ErrRaggedPrompt  = errors.New("decoding: prompts must have equal length")
	ErrInvalidParams = errors.New("decoding: invalid parameters")
	ErrStepOutput    = errors.New("decoding: step returned unexpected logits")
)

// StepFunc berechnet die Logits des naechsten Tokens fuer jede Sequenz.
// Alle Sequenzen sind gleich lang. rows[i] ist der Batch-Index (Bild) von seqs[i].
type StepFunc func(ctx context.Context, seqs [][]int32, rows []int) ([][]float32, error)

// Params steuert die Generierung. MaxLength und MinLength zaehlen den Prompt mit.
type Params struct {
	UseNucleusSampling bool
	NumBeams           int
	MaxLength          int
	MinLength          int
	TopP               float64
	TopK               int
	RepetitionPenalty  float64
	LengthPenalty      float64

	EOS int32
	PAD int32

	// Seed fuer Sampling, nil = nicht deterministisch
	Seed *int64
}

// DefaultParams entspricht den Standardwerten der Caption-Generierung.
func DefaultParams() Params {
	return Params{
		NumBeams:          3,
		MaxLength:         30,
		MinLength:         10,
		TopP:              0.9,
		TopK:              50,
		RepetitionPenalty: 1.0,
		LengthPenalty:     1.0,
	}
}

// Validate prueft die Parameter.
func (p Params) Validate() error {
	switch {
	case p.MaxLength <= 0:
		return fmt.Errorf("%w: max length %d", ErrInvalidParams, p.MaxLength)
	case p.MinLength < 0 || p.MinLength > p.MaxLength:
		return fmt.Errorf("%w: min length %d (max %d)", ErrInvalidParams, p.MinLength, p.MaxLength)
	case !p.UseNucleusSampling && p.NumBeams < 1:
		return fmt.Errorf("%w: num beams %d", ErrInvalidParams, p.NumBeams)
	case p.UseNucleusSampling && (p.TopP <= 0 || p.TopP > 1):
		return fmt.Errorf("%w: top p %v", ErrInvalidParams, p.TopP)
	case p.RepetitionPenalty <= 0:
		return fmt.Errorf("%w: repetition penalty %v", ErrInvalidParams, p.RepetitionPenalty)
	}
	return nil
}

// Generate erzeugt pro Prompt eine Sequenz (inklusive Prompt). Ergebnisse sind mit PAD
// auf gleiche Laenge gebracht.
func Generate(ctx context.Context, prompts [][]int32, step StepFunc, p Params) ([][]int32, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(prompts) == 0 {
		return nil, ErrEmptyPrompt
	}
	for _, prompt := range prompts[1:] {
		if len(prompt) != len(prompts[0]) {
			return nil, ErrRaggedPrompt
		}
	}
	if p.LengthPenalty == 0 {
		p.LengthPenalty = 1
	}

	var (
		out [][]int32
		err error
	)
	switch {
	case p.UseNucleusSampling:
		out, err = sampleSearch(ctx, prompts, step, p, true)
	case p.NumBeams > 1:
		out, err = beamSearch(ctx, prompts, step, p)
	default:
		out, err = sampleSearch(ctx, prompts, step, p, false)
	}
	if err != nil {
		return nil, err
	}
	return padSequences(out, p.PAD), nil
}

// sampleSearch implementiert Greedy (sample=false) und Top-k/Top-p Sampling.
func sampleSearch(ctx context.Context, prompts [][]int32, step StepFunc, p Params, sample bool) ([][]int32, error) {
	seqs := cloneSequences(prompts)
	finished := make([]bool, len(seqs))

	var src rand.Source
	if p.Seed != nil {
		src = rand.NewSource(uint64(*p.Seed))
	}

	transforms := []Transform{
		RepetitionPenalty(p.RepetitionPenalty),
		MinLength{Length: p.MinLength, EOS: p.EOS},
	}
	if sample {
		if p.TopK > 0 {
			transforms = append(transforms, TopK(p.TopK))
		}
		transforms = append(transforms, TopP(p.TopP))
	}

	for cur := len(seqs[0]); cur < p.MaxLength; cur++ {
		var active [][]int32
		var rows []int
		for i, done := range finished {
			if !done {
				active = append(active, seqs[i])
				rows = append(rows, i)
			}
		}
		if len(active) == 0 {
			break
		}

		logits, err := step(ctx, active, rows)
		if err != nil {
			return nil, err
		}
		if len(logits) != len(active) {
			return nil, fmt.Errorf("%w: %d rows for %d sequences", ErrStepOutput, len(logits), len(active))
		}

		for i, row := range rows {
			scores := toFloat64(logits[i])
			for _, t := range transforms {
				if err := t.Apply(scores, seqs[row]); err != nil {
					return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
				}
			}

			var next int32
			if sample {
				idx, err := weightedSample(scores, src)
				if err != nil {
					return nil, err
				}
				next = int32(idx)
			} else {
				next = int32(argmax(scores))
			}

			seqs[row] = append(seqs[row], next)
			if next == p.EOS {
				finished[row] = true
			}
			logutil.Trace("decoding step", "row", row, "len", cur+1, "token", next)
		}

		// fertige Sequenzen mit PAD mitfuehren
		for i, done := range finished {
			if done && len(seqs[i]) <= cur {
				seqs[i] = append(seqs[i], p.PAD)
			}
		}
	}

	return seqs, nil
}

// weightedSample zieht einen Index proportional zu softmax(scores).
func weightedSample(scores []float64, src rand.Source) (int, error) {
	weights := make([]float64, 0, len(scores))
	indices := make([]int, 0, len(scores))
	for i, s := range scores {
		if !math.IsInf(s, -1) && !math.IsNaN(s) {
			weights = append(weights, s)
			indices = append(indices, i)
		}
	}
	if len(weights) == 0 {
		return -1, errors.New("decoding: no valid logits for sampling")
	}

	w := sampleuv.NewWeighted(softmax(weights), src)
	if idx, ok := w.Take(); ok {
		return indices[idx], nil
	}
	return -1, errors.New("decoding: weighted sampler failed")
}

func cloneSequences(seqs [][]int32) [][]int32 {
	out := make([][]int32, len(seqs))
	for i, s := range seqs {
		out[i] = append(make([]int32, 0, len(s)+32), s...)
	}
	return out
}

// padSequences fuellt alle Sequenzen mit pad auf die laengste Laenge auf.
func padSequences(seqs [][]int32, pad int32) [][]int32 {
	width := 0
	for _, s := range seqs {
		width = max(width, len(s))
	}
	for i := range seqs {
		for len(seqs[i]) < width {
			seqs[i] = append(seqs[i], pad)
		}
	}
	return seqs
}
