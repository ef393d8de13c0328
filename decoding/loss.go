// loss.go - Language-Modeling-Loss mit Label Smoothing

package decoding

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// IgnoreIndex markiert Ziel-Positionen die nicht in den Loss eingehen (Prompt, Padding).
const IgnoreIndex int32 = -100

// DefaultLabelSmoothing des Caption-Decoders
const DefaultLabelSmoothing = 0.1

// LossResult enthaelt den gemittelten Loss und die Anzahl gezaehlter Tokens.
type LossResult struct {
	Loss   float64
	Tokens int
}

// LMLoss berechnet die verschobene Kreuzentropie: logits[b, t] sagt targets[b][t+1] voraus.
// logits ist row-major [B, L, V]. Positionen mit IgnoreIndex werden uebersprungen.
// Ohne gezaehlte Tokens ist der Loss 0.
func LMLoss(logits []float32, batch, length, vocab int, targets [][]int32, smoothing float64) (LossResult, error) {
	if len(logits) != batch*length*vocab {
		return LossResult{}, fmt.Errorf("decoding: logits size %d, expected %dx%dx%d", len(logits), batch, length, vocab)
	}
	if len(targets) != batch {
		return LossResult{}, fmt.Errorf("decoding: %d target rows for batch %d", len(targets), batch)
	}
	if smoothing < 0 || smoothing >= 1 {
		return LossResult{}, fmt.Errorf("decoding: label smoothing %v out of range", smoothing)
	}

	var total float64
	var count int
	for b := range batch {
		if len(targets[b]) != length {
			return LossResult{}, fmt.Errorf("decoding: target row %d has length %d, expected %d", b, len(targets[b]), length)
		}
		for t := 0; t+1 < length; t++ {
			label := targets[b][t+1]
			if label == IgnoreIndex {
				continue
			}
			if label < 0 || int(label) >= vocab {
				return LossResult{}, fmt.Errorf("decoding: label %d out of vocabulary", label)
			}

			off := (b*length + t) * vocab
			logp := toFloat64(logits[off : off+vocab])
			logSoftmax(logp)

			nll := -logp[label]
			smooth := -floats.Sum(logp) / float64(vocab)

			total += (1-smoothing)*nll + smoothing*smooth
			count++
		}
	}

	if count == 0 {
		return LossResult{}, nil
	}
	loss := total / float64(count)
	if math.IsNaN(loss) {
		return LossResult{}, fmt.Errorf("decoding: loss is NaN")
	}
	return LossResult{Loss: loss, Tokens: count}, nil
}
