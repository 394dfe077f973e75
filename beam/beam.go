// Package beam runs best-first beam search over the decoder's
// single-step graph. One article is tiled across the batch so every
// row advances a different hypothesis, and finished candidates must
// reach a minimum length before they count as results.
package beam

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
	"github.com/infosave2007/graphsum/model"
	"github.com/infosave2007/graphsum/vocab"
)

// Decoder is the slice of the model that beam search drives.
// *model.Model implements it.
type Decoder interface {
	Config() *config.Config
	Vocab() *vocab.Vocab
	RunEncoder(bt *data.Batch) (*model.EncoderResult, error)
	DecodeOneStep(bt *data.Batch, enc *model.EncoderResult, latestTokens []int, states []model.DecoderState, prevCoverage [][]float32) (*model.StepOutput, error)
}

// Hypothesis is one partial summary. Token and score histories are
// copied on every extension; the recurrent state, attention rows and
// coverage are snapshots shared with sibling hypotheses.
type Hypothesis struct {
	Tokens    []int
	LogProbs  []float64
	State     model.DecoderState
	AttnDists [][]float32
	PGens     []float64
	Coverage  []float32
}

// Extend forks the hypothesis with one more token.
func (h *Hypothesis) Extend(token int, logProb float64, state model.DecoderState, attn []float32, pGen float64, coverage []float32) *Hypothesis {
	return &Hypothesis{
		Tokens:    append(append([]int(nil), h.Tokens...), token),
		LogProbs:  append(append([]float64(nil), h.LogProbs...), logProb),
		State:     state,
		AttnDists: append(append([][]float32(nil), h.AttnDists...), attn),
		PGens:     append(append([]float64(nil), h.PGens...), pGen),
		Coverage:  coverage,
	}
}

// LatestToken returns the most recently emitted token.
func (h *Hypothesis) LatestToken() int { return h.Tokens[len(h.Tokens)-1] }

// LogProb is the joint log probability of the token sequence.
func (h *Hypothesis) LogProb() float64 { return floats.Sum(h.LogProbs) }

// AvgLogProb normalizes the joint score by sequence length, so longer
// summaries are not penalized for having more factors.
func (h *Hypothesis) AvgLogProb() float64 { return h.LogProb() / float64(len(h.Tokens)) }

// sortHyps orders hypotheses by descending average log probability.
func sortHyps(hs []*Hypothesis) []*Hypothesis {
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].AvgLogProb() > hs[j].AvgLogProb() })
	return hs
}

// Search decodes one article batch and returns the best finished
// hypothesis. The batch must hold a single example tiled to the beam
// width. Every step expands each live hypothesis with the decoder's top
// 2*beam candidates, keeps the best beam continuations, and moves
// candidates that just emitted the stop token into the result pool once
// they are at least MinDecSteps long. The search ends when the pool
// holds a full beam or the step budget runs out; if nothing finished,
// the best live hypothesis wins.
func Search(dec Decoder, bt *data.Batch) (*Hypothesis, error) {
	cfg := dec.Config()
	v := dec.Vocab()

	enc, err := dec.RunEncoder(bt)
	if err != nil {
		return nil, errors.Wrap(err, "beam: encode")
	}

	hyps := make([]*Hypothesis, cfg.BeamSize)
	for i := range hyps {
		hyps[i] = &Hypothesis{
			Tokens:   []int{v.StartID()},
			LogProbs: []float64{0},
			State:    enc.InitState,
		}
		if cfg.Coverage {
			hyps[i].Coverage = make([]float32, cfg.MaxEncSteps)
		}
	}

	var results []*Hypothesis
	for steps := 0; steps < cfg.MaxDecSteps && len(results) < cfg.BeamSize; steps++ {
		// The step graph wants a full batch; duplicate the first live
		// hypothesis into unused rows and ignore their outputs.
		feedHyps := hyps
		if len(feedHyps) < cfg.BeamSize {
			feedHyps = make([]*Hypothesis, cfg.BeamSize)
			copy(feedHyps, hyps)
			for i := len(hyps); i < cfg.BeamSize; i++ {
				feedHyps[i] = hyps[0]
			}
		}
		latest := make([]int, len(feedHyps))
		states := make([]model.DecoderState, len(feedHyps))
		var prevCoverage [][]float32
		if cfg.Coverage {
			prevCoverage = make([][]float32, len(feedHyps))
		}
		for i, h := range feedHyps {
			latest[i] = h.LatestToken()
			states[i] = h.State
			if cfg.Coverage {
				prevCoverage[i] = h.Coverage
			}
		}

		out, err := dec.DecodeOneStep(bt, enc, latest, states, prevCoverage)
		if err != nil {
			return nil, errors.Wrapf(err, "beam: step %d", steps)
		}

		// All first-step hypotheses share the start token, so expanding
		// one of them covers the whole beam.
		numOrig := len(hyps)
		if steps == 0 {
			numOrig = 1
		}
		var all []*Hypothesis
		for i := 0; i < numOrig; i++ {
			var pGen float64
			if out.PGens != nil {
				pGen = out.PGens[i]
			}
			var cov []float32
			if out.Coverages != nil {
				cov = out.Coverages[i]
			}
			for j := range out.IDs[i] {
				all = append(all, hyps[i].Extend(out.IDs[i][j], out.LogProbs[i][j], out.States[i], out.AttnDists[i], pGen, cov))
			}
		}

		hyps = hyps[:0]
		for _, h := range sortHyps(all) {
			if h.LatestToken() == v.StopID() {
				// Too-short candidates are discarded outright.
				if steps >= cfg.MinDecSteps {
					results = append(results, h)
				}
			} else {
				hyps = append(hyps, h)
			}
			if len(hyps) == cfg.BeamSize || len(results) == cfg.BeamSize {
				break
			}
		}
		if len(hyps) == 0 {
			break
		}
	}

	if len(results) == 0 {
		results = hyps
	}
	if len(results) == 0 {
		return nil, errors.New("beam: no hypotheses survived")
	}
	return sortHyps(results)[0], nil
}
