// transforms.go - Logit-Prozessoren fuer die Generierung
//
// Enthaelt:
// - RepetitionPenalty: CTRL-Regel (positive Werte teilen, negative multiplizieren)
// - MinLength: EOS unterdruecken solange die Sequenz zu kurz ist
// - TopK / TopP: Kandidatenmenge fuer Sampling einschraenken
// - softmax / logSoftmax / argmax

package decoding

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"
)

// Transform veraendert die Scores einer Sequenz in-place.
// seq ist die bisherige Sequenz inklusive Prompt.
type Transform interface {
	Apply(scores []float64, seq []int32) error
}

// RepetitionPenalty bestraft bereits vorkommende Tokens. 1.0 = keine Wirkung.
type RepetitionPenalty float64

func (p RepetitionPenalty) Apply(scores []float64, seq []int32) error {
	if p <= 0 {
		return errors.New("repetition penalty must be positive")
	}
	if p == 1 {
		return nil
	}

	seen := make(map[int32]struct{}, len(seq))
	for _, id := range seq {
		if _, ok := seen[id]; ok || id < 0 || int(id) >= len(scores) {
			continue
		}
		seen[id] = struct{}{}

		if scores[id] < 0 {
			scores[id] *= float64(p)
		} else {
			scores[id] /= float64(p)
		}
	}
	return nil
}

// MinLength setzt den EOS-Score auf -Inf solange len(seq) < Length.
type MinLength struct {
	Length int
	EOS    int32
}

func (m MinLength) Apply(scores []float64, seq []int32) error {
	if len(seq) < m.Length && m.EOS >= 0 && int(m.EOS) < len(scores) {
		scores[m.EOS] = math.Inf(-1)
	}
	return nil
}

type scoredToken struct {
	index int
	score float64
}

// TopK behaelt die k besten Scores, alle anderen werden -Inf.
type TopK int

func (k TopK) Apply(scores []float64, _ []int32) error {
	if k <= 0 {
		return errors.New("k must be greater than 0")
	}
	if int(k) >= len(scores) {
		return nil
	}

	// Min-Heap der Groesse k
	q := pq.NewWith(func(a, b scoredToken) int {
		return cmp.Compare(a.score, b.score)
	})
	for i, s := range scores {
		q.Enqueue(scoredToken{index: i, score: s})
		if q.Size() > int(k) {
			q.Dequeue()
		}
	}

	keep := make(map[int]struct{}, int(k))
	for _, t := range q.Values() {
		keep[t.index] = struct{}{}
	}
	for i := range scores {
		if _, ok := keep[i]; !ok {
			scores[i] = math.Inf(-1)
		}
	}
	return nil
}

// TopP behaelt die kleinste Menge der wahrscheinlichsten Tokens mit kumulierter
// Wahrscheinlichkeit >= p. Mindestens ein Token bleibt erhalten.
type TopP float64

func (p TopP) Apply(scores []float64, _ []int32) error {
	if p <= 0 || p > 1 {
		return errors.New("p must be in (0, 1]")
	}
	if p == 1 {
		return nil
	}

	probs := softmax(scores)
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}
	slices.SortStableFunc(indices, func(i, j int) int {
		return cmp.Compare(probs[j], probs[i])
	})

	var cum float64
	for i, idx := range indices {
		cum += probs[idx]
		if cum >= float64(p) {
			for _, rest := range indices[i+1:] {
				scores[rest] = math.Inf(-1)
			}
			break
		}
	}
	return nil
}

// softmax gibt eine neue Wahrscheinlichkeitsverteilung zurueck (numerisch stabil).
func softmax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	maxScore := floats.Max(scores)
	if math.IsInf(maxScore, -1) {
		return out
	}

	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}

// logSoftmax schreibt log(softmax(scores)) in-place.
func logSoftmax(scores []float64) {
	lse := floats.LogSumExp(scores)
	floats.AddConst(-lse, scores)
}

// argmax gibt den Index des groessten Scores zurueck.
func argmax(scores []float64) int {
	return floats.MaxIdx(scores)
}

// toFloat64 kopiert float32-Logits.
func toFloat64(logits []float32) []float64 {
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = float64(v)
	}
	return out
}
