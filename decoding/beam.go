// beam.go - Beam Search mit laengennormierten Hypothesen

package decoding

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
)

// hypothesis ist eine abgeschlossene Beam-Sequenz mit normiertem Score.
type hypothesis struct {
	seq   []int32
	score float64
}

// beamHypotheses haelt die besten numBeams abgeschlossenen Sequenzen eines Batch-Elements.
type beamHypotheses struct {
	numBeams      int
	lengthPenalty float64
	items         []hypothesis
	worst         float64
}

func newBeamHypotheses(numBeams int, lengthPenalty float64) *beamHypotheses {
	return &beamHypotheses{numBeams: numBeams, lengthPenalty: lengthPenalty, worst: 1e9}
}

func (h *beamHypotheses) normalize(sumLogProbs float64, length int) float64 {
	return sumLogProbs / math.Pow(float64(length), h.lengthPenalty)
}

// add fuegt eine Hypothese hinzu und verdraengt bei Bedarf die schlechteste.
func (h *beamHypotheses) add(seq []int32, sumLogProbs float64) {
	score := h.normalize(sumLogProbs, len(seq))
	if len(h.items) >= h.numBeams && score <= h.worst {
		return
	}

	h.items = append(h.items, hypothesis{seq: seq, score: score})
	if len(h.items) > h.numBeams {
		worstIdx := 0
		for i, it := range h.items {
			if it.score < h.items[worstIdx].score {
				worstIdx = i
			}
		}
		h.items = slices.Delete(h.items, worstIdx, worstIdx+1)
	}

	h.worst = h.items[0].score
	for _, it := range h.items[1:] {
		h.worst = min(h.worst, it.score)
	}
}

// done ist true wenn keine offene Beam die schlechteste Hypothese noch schlagen kann.
func (h *beamHypotheses) done(bestSumLogProbs float64, length int) bool {
	if len(h.items) < h.numBeams {
		return false
	}
	return h.worst >= h.normalize(bestSumLogProbs, length)
}

func (h *beamHypotheses) best() []int32 {
	best := h.items[0]
	for _, it := range h.items[1:] {
		if it.score > best.score {
			best = it
		}
	}
	return best.seq
}

type beamCandidate struct {
	score float64
	beam  int
	token int32
}

// beamSearch fuehrt fuer jedes Batch-Element eine Beam Search mit NumBeams Beams durch.
func beamSearch(ctx context.Context, prompts [][]int32, step StepFunc, p Params) ([][]int32, error) {
	batch, k := len(prompts), p.NumBeams

	seqs := make([][]int32, batch*k)
	scores := make([]float64, batch*k)
	for b, prompt := range prompts {
		for j := range k {
			seqs[b*k+j] = slices.Clone(prompt)
			if j > 0 {
				// nur die erste Beam startet, sonst entstehen k identische Beams
				scores[b*k+j] = -1e9
			}
		}
	}

	hyps := make([]*beamHypotheses, batch)
	for b := range hyps {
		hyps[b] = newBeamHypotheses(k, p.LengthPenalty)
	}
	done := make([]bool, batch)

	transforms := []Transform{
		RepetitionPenalty(p.RepetitionPenalty),
		MinLength{Length: p.MinLength, EOS: p.EOS},
	}

	for cur := len(prompts[0]); cur < p.MaxLength; cur++ {
		var active [][]int32
		var rows, batches []int
		for b := range batch {
			if done[b] {
				continue
			}
			batches = append(batches, b)
			for j := range k {
				active = append(active, seqs[b*k+j])
				rows = append(rows, b)
			}
		}
		if len(batches) == 0 {
			break
		}

		logits, err := step(ctx, active, rows)
		if err != nil {
			return nil, err
		}
		if len(logits) != len(active) {
			return nil, fmt.Errorf("%w: %d rows for %d beams", ErrStepOutput, len(logits), len(active))
		}

		for n, b := range batches {
			// Top 2k Kandidaten ueber alle Beams dieses Elements
			q := pq.NewWith(func(x, y beamCandidate) int {
				return cmp.Compare(x.score, y.score)
			})
			for j := range k {
				idx := b*k + j
				logp := toFloat64(logits[n*k+j])
				logSoftmax(logp)
				for _, t := range transforms {
					if err := t.Apply(logp, seqs[idx]); err != nil {
						return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
					}
				}
				for v, lp := range logp {
					if math.IsInf(lp, -1) {
						continue
					}
					q.Enqueue(beamCandidate{score: lp + scores[idx], beam: j, token: int32(v)})
					if q.Size() > 2*k {
						q.Dequeue()
					}
				}
			}

			candidates := q.Values()
			slices.SortStableFunc(candidates, func(x, y beamCandidate) int {
				return cmp.Compare(y.score, x.score)
			})

			next := make([]beamCandidate, 0, k)
			for rank, c := range candidates {
				if c.token == p.EOS {
					if rank < k {
						hyps[b].add(slices.Clone(seqs[b*k+c.beam]), c.score)
					}
					continue
				}
				next = append(next, c)
				if len(next) == k {
					break
				}
			}
			// weniger Kandidaten als Beams (sehr kleines Vokabular): Beams auffuellen
			for len(next) < k {
				next = append(next, beamCandidate{score: math.Inf(-1), beam: 0, token: p.PAD})
			}

			newSeqs := make([][]int32, k)
			for j, c := range next {
				newSeqs[j] = append(slices.Clone(seqs[b*k+c.beam]), c.token)
				scores[b*k+j] = c.score
			}
			copy(seqs[b*k:(b+1)*k], newSeqs)

			if len(candidates) > 0 && hyps[b].done(candidates[0].score, cur+1) {
				done[b] = true
			}
		}
	}

	out := make([][]int32, batch)
	for b := range batch {
		if !done[b] {
			for j := range k {
				if !math.IsInf(scores[b*k+j], -1) {
					hyps[b].add(seqs[b*k+j], scores[b*k+j])
				}
			}
		}
		if len(hyps[b].items) == 0 {
			out[b] = seqs[b*k]
			continue
		}
		best := hyps[b].best()
		if len(best) < p.MaxLength && best[len(best)-1] != p.EOS {
			best = append(slices.Clone(best), p.EOS)
		}
		out[b] = best
	}
	return out, nil
}
