package model

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
)

// DecoderState is a host-side copy of one hypothesis's recurrent state.
// Cell is empty when the decoder runs without an LSTM.
type DecoderState struct {
	Hidden []float32
	Cell   []float32
}

// EncoderResult caches the per-article work of beam decode: the encoder
// memories, the decoder's initial state and the copy scatter tensor.
type EncoderResult struct {
	EncStates   *tensor.Dense
	QueryStates *tensor.Dense
	InitState   DecoderState

	scatter *tensor.Dense
}

// StepOutput is one beam expansion: for every hypothesis the top
// candidate ids over the extended vocabulary with their log
// probabilities, the advanced recurrent state, the article attention, the
// generation probability and the updated coverage.
type StepOutput struct {
	IDs       [][]int
	LogProbs  [][]float64
	States    []DecoderState
	AttnDists [][]float32
	PGens     []float64
	Coverages [][]float32
}

// RunEncoder encodes one article batch. Beam decode tiles a single
// example across the batch, so the initial decoder state is read from the
// first row.
func (m *Model) RunEncoder(bt *data.Batch) (*EncoderResult, error) {
	if m.cfg.Mode != config.ModeDecode {
		return nil, errors.Errorf("model: RunEncoder in mode %q", m.cfg.Mode)
	}
	if err := m.checkBatch(bt); err != nil {
		return nil, err
	}
	if err := applyFeeds(m.encoderFeeds(m.enc.ph, bt)); err != nil {
		return nil, err
	}
	defer m.enc.machine.Reset()
	if err := m.enc.machine.RunAll(); err != nil {
		return nil, errors.Wrap(err, "model: encoder pass")
	}

	res := &EncoderResult{
		EncStates: m.enc.statesVal.(*tensor.Dense).Clone().(*tensor.Dense),
		InitState: DecoderState{Hidden: denseRow(m.enc.hVal.(*tensor.Dense), 0)},
	}
	if m.enc.queryVal != nil {
		res.QueryStates = m.enc.queryVal.(*tensor.Dense).Clone().(*tensor.Dense)
	}
	if m.enc.cVal != nil {
		res.InitState.Cell = denseRow(m.enc.cVal.(*tensor.Dense), 0)
	}
	if m.cfg.PointerGen {
		extV := m.cfg.ExtendedVocabSize(m.v.Size())
		res.scatter = scatterTensor(bt.EncIDsExtended, bt.Size, m.cfg.MaxEncSteps, extV)
	}
	return res, nil
}

// DecodeOneStep advances every hypothesis by one token. Latest tokens in
// the extended vocabulary are mapped to the unknown id before embedding,
// since only in-vocabulary words have embeddings.
func (m *Model) DecodeOneStep(bt *data.Batch, enc *EncoderResult, latestTokens []int, states []DecoderState, prevCoverage [][]float32) (*StepOutput, error) {
	cfg := m.cfg
	if cfg.Mode != config.ModeDecode {
		return nil, errors.Errorf("model: DecodeOneStep in mode %q", cfg.Mode)
	}
	batch := cfg.BatchSize
	if len(latestTokens) != batch || len(states) != batch {
		return nil, errors.Errorf("model: got %d tokens and %d states for batch %d", len(latestTokens), len(states), batch)
	}

	ids := make([][]int, batch)
	for i, tok := range latestTokens {
		if tok >= m.v.Size() {
			tok = m.v.UnknownID()
		}
		ids[i] = []int{tok}
	}

	ph := m.dec.ph
	feeds := []feed{
		{ph.encStatesIn, enc.EncStates},
		{ph.encMaskT, stepMajorMask(bt.EncPadMask, cfg.MaxEncSteps, batch)},
		{ph.decOneHot, oneHotSteps(ids, 1, batch, m.v.Size())},
		{ph.initH, stackStates(states, func(st DecoderState) []float32 { return st.Hidden }, cfg.HiddenDim)},
	}
	if cfg.UseLSTM {
		feeds = append(feeds, feed{ph.initC, stackStates(states, func(st DecoderState) []float32 { return st.Cell }, cfg.HiddenDim)})
	}
	if cfg.QueryEncoder {
		feeds = append(feeds,
			feed{ph.queryStatesIn, enc.QueryStates},
			feed{ph.queryMaskT, stepMajorMask(bt.QueryPadMask, cfg.MaxQuerySteps, batch)})
	}
	if cfg.PointerGen {
		feeds = append(feeds, feed{ph.scatter, enc.scatter})
	}
	if cfg.Coverage {
		cov := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch, cfg.MaxEncSteps))
		if prevCoverage != nil {
			backing := cov.Data().([]float32)
			for i, row := range prevCoverage {
				copy(backing[i*cfg.MaxEncSteps:], row)
			}
		}
		feeds = append(feeds, feed{ph.prevCoverage, cov})
	}
	if err := applyFeeds(feeds); err != nil {
		return nil, err
	}
	defer m.dec.machine.Reset()
	if err := m.dec.machine.RunAll(); err != nil {
		return nil, errors.Wrap(err, "model: decoder step")
	}

	k := 2 * cfg.BeamSize
	dist := m.dec.distVal.(*tensor.Dense)
	hOut := m.dec.hVal.(*tensor.Dense)
	var cOut *tensor.Dense
	if m.dec.cVal != nil {
		cOut = m.dec.cVal.(*tensor.Dense)
	}
	attn := m.dec.attnVal.(*tensor.Dense)

	out := &StepOutput{
		IDs:       make([][]int, batch),
		LogProbs:  make([][]float64, batch),
		States:    make([]DecoderState, batch),
		AttnDists: make([][]float32, batch),
	}
	for i := 0; i < batch; i++ {
		out.IDs[i], out.LogProbs[i] = topK(denseRow(dist, i), k)
		out.States[i] = DecoderState{Hidden: denseRow(hOut, i)}
		if cOut != nil {
			out.States[i].Cell = denseRow(cOut, i)
		}
		out.AttnDists[i] = denseRow(attn, i)
	}
	if cfg.PointerGen {
		pg := m.dec.pgenVal.(*tensor.Dense)
		out.PGens = make([]float64, batch)
		for i := 0; i < batch; i++ {
			out.PGens[i] = float64(denseRow(pg, i)[0])
		}
	}
	if cfg.Coverage {
		cov := m.dec.covVal.(*tensor.Dense)
		out.Coverages = make([][]float32, batch)
		for i := 0; i < batch; i++ {
			out.Coverages[i] = denseRow(cov, i)
		}
	}
	return out, nil
}

// denseRow copies row i out of a 2D tensor.
func denseRow(t *tensor.Dense, i int) []float32 {
	cols := t.Shape()[1]
	data := t.Data().([]float32)
	return append([]float32(nil), data[i*cols:(i+1)*cols]...)
}

func stackStates(states []DecoderState, pick func(DecoderState) []float32, cols int) *tensor.Dense {
	backing := make([]float32, len(states)*cols)
	for i, st := range states {
		copy(backing[i*cols:], pick(st))
	}
	return tensor.New(tensor.WithShape(len(states), cols), tensor.WithBacking(backing))
}

// topK returns the k highest-probability ids of one distribution row in
// descending order, with floored log probabilities.
func topK(row []float32, k int) ([]int, []float64) {
	vals := make([]float64, len(row))
	for i, v := range row {
		vals[i] = float64(v)
	}
	idx := make([]int, len(vals))
	floats.Argsort(vals, idx)

	if k > len(vals) {
		k = len(vals)
	}
	ids := make([]int, 0, k)
	logProbs := make([]float64, 0, k)
	for i := len(vals) - 1; i >= 0 && len(ids) < k; i-- {
		ids = append(ids, idx[i])
		logProbs = append(logProbs, math.Log(vals[i]+probFloor))
	}
	return ids, logProbs
}
