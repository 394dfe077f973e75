package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/vocab"
)

// Model is a query-aware pointer-generator summarizer with optional
// syntactic GCN encoders. Training and evaluation share one unrolled
// graph; decoding splits into an encoder graph run once per article and a
// single-step decoder graph run once per beam expansion.
type Model struct {
	cfg *config.Config
	v   *vocab.Vocab

	loss *lossGraph
	enc  *encodeGraph
	dec  *stepGraph

	globalStep int64
}

type lossGraph struct {
	params     *Params
	ph         *placeholders
	machine    gorgonia.VM
	solver     gorgonia.Solver
	learnables gorgonia.Nodes

	lossVal  gorgonia.Value
	covVal   gorgonia.Value
	totalVal gorgonia.Value
}

type encodeGraph struct {
	params  *Params
	ph      *placeholders
	machine gorgonia.VM

	encDim   int
	queryDim int

	statesVal gorgonia.Value
	queryVal  gorgonia.Value
	hVal      gorgonia.Value
	cVal      gorgonia.Value
}

type stepGraph struct {
	params  *Params
	ph      *placeholders
	machine gorgonia.VM

	distVal gorgonia.Value
	attnVal gorgonia.Value
	pgenVal gorgonia.Value
	covVal  gorgonia.Value
	hVal    gorgonia.Value
	cVal    gorgonia.Value
}

type options struct {
	embedding *tensor.Dense
}

// Option configures model construction.
type Option func(*options)

// WithEmbedding initializes the embedding table from a prebuilt
// (vocabSize, embDim) matrix, such as GloVe vectors or pooled pretrained
// encodings.
func WithEmbedding(table *tensor.Dense) Option {
	return func(o *options) { o.embedding = table }
}

// New assembles the graphs for the configured mode.
func New(cfg *config.Config, v *vocab.Vocab, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.embedding != nil {
		want := tensor.Shape{v.Size(), cfg.EmbDim}
		if !o.embedding.Shape().Eq(want) {
			return nil, errors.Errorf("model: embedding table shape %v, want %v", o.embedding.Shape(), want)
		}
	}

	m := &Model{cfg: cfg, v: v}
	if cfg.Mode == config.ModeDecode {
		enc, err := newEncodeGraph(cfg, v.Size(), o.embedding)
		if err != nil {
			return nil, err
		}
		dec, err := newStepGraph(cfg, v.Size(), enc.encDim, enc.queryDim)
		if err != nil {
			return nil, err
		}
		// Both graphs hold their own embedding table; keep them
		// identical until a checkpoint overwrites both.
		if err := copyShared(enc.params, dec.params); err != nil {
			return nil, err
		}
		m.enc, m.dec = enc, dec
		return m, nil
	}

	lg, err := newLossGraph(cfg, v.Size(), o.embedding)
	if err != nil {
		return nil, err
	}
	m.loss = lg
	return m, nil
}

// newLossGraph unrolls the full network over the training horizon and
// wires the optimizer when the mode asks for gradients.
func newLossGraph(cfg *config.Config, vsize int, embInit *tensor.Dense) (lg *lossGraph, err error) {
	train := cfg.Mode == config.ModeTrain
	b := newBuilder(cfg, vsize, train, "summarizer")
	defer b.recoverBuild(&err)

	steps := cfg.DecoderUnrollSteps()
	ph := &placeholders{}
	b.addEncoderInputs(ph)
	b.addDecoderInputs(ph, steps, true)
	b.buildEmbedding(embInit)

	side := b.buildEncoderSide(ph)
	res, finalDists := b.buildDecoderSide(ph, side, steps, false)

	var loss *gorgonia.Node
	if cfg.PointerGen {
		loss = b.copyLoss(finalDists, ph.targetOneHot, ph.decMaskT)
	} else {
		loss = b.sequenceLoss(res.vocabDists, ph.targetOneHot, ph.decMaskT)
	}
	if cfg.UseRegularizer {
		loss = gorgonia.Must(gorgonia.Add(loss, b.l2Penalty()))
	}
	total := loss
	var covLoss *gorgonia.Node
	if cfg.Coverage {
		covLoss = b.coverageLoss(res.attnDists, ph.decMaskT)
		wt := gorgonia.NodeFromAny(b.g, float32(cfg.CovLossWt), gorgonia.WithName("const_cov_wt"))
		total = gorgonia.Must(gorgonia.Add(loss, gorgonia.Must(gorgonia.HadamardProd(covLoss, wt))))
	}

	lg = &lossGraph{params: b.params, ph: ph, learnables: b.params.Learnables()}
	gorgonia.Read(loss, &lg.lossVal)
	gorgonia.Read(total, &lg.totalVal)
	if covLoss != nil {
		gorgonia.Read(covLoss, &lg.covVal)
	}

	if train {
		if _, err := gorgonia.Grad(total, lg.learnables...); err != nil {
			return nil, errors.Wrap(err, "model: building gradients")
		}
		lg.machine = gorgonia.NewTapeMachine(b.g, gorgonia.BindDualValues(lg.learnables...))
		lg.solver = newSolver(cfg)
	} else {
		lg.machine = gorgonia.NewTapeMachine(b.g)
	}
	return lg, nil
}

func newSolver(cfg *config.Config) gorgonia.Solver {
	if cfg.Optimizer == config.OptimizerAdam {
		return gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.AdamLR))
	}
	return gorgonia.NewAdaGradSolver(
		gorgonia.WithLearnRate(cfg.LR),
		gorgonia.WithEps(cfg.AdagradInitAcc))
}

// newEncodeGraph builds the encoder half used during beam decode.
func newEncodeGraph(cfg *config.Config, vsize int, embInit *tensor.Dense) (eg *encodeGraph, err error) {
	b := newBuilder(cfg, vsize, false, "summarizer-encode")
	defer b.recoverBuild(&err)

	ph := &placeholders{}
	b.addEncoderInputs(ph)
	b.buildEmbedding(embInit)
	side := b.buildEncoderSide(ph)

	eg = &encodeGraph{params: b.params, ph: ph, encDim: side.encDim, queryDim: side.queryDim}
	gorgonia.Read(side.encStates, &eg.statesVal)
	if side.queryStates != nil {
		gorgonia.Read(side.queryStates, &eg.queryVal)
	}
	gorgonia.Read(side.decInit.h, &eg.hVal)
	if side.decInit.c != nil {
		gorgonia.Read(side.decInit.c, &eg.cVal)
	}
	eg.machine = gorgonia.NewTapeMachine(b.g)
	return eg, nil
}

// newStepGraph builds the single-step decoder used during beam decode.
// Encoder states, the recurrent state and the running coverage enter as
// inputs so the graph can be re-run for every beam expansion.
func newStepGraph(cfg *config.Config, vsize, encDim, queryDim int) (sg *stepGraph, err error) {
	b := newBuilder(cfg, vsize, false, "summarizer-step")
	defer b.recoverBuild(&err)

	ph := &placeholders{}
	ph.encStatesIn = b.inputTensor3("input/encoder_states", b.batch, cfg.MaxEncSteps, encDim)
	ph.encMaskT = b.inputMatrix("input/article_mask", cfg.MaxEncSteps, b.batch)
	if cfg.QueryEncoder {
		ph.queryStatesIn = b.inputTensor3("input/query_states", b.batch, cfg.MaxQuerySteps, queryDim)
		ph.queryMaskT = b.inputMatrix("input/query_mask", cfg.MaxQuerySteps, b.batch)
	}
	ph.initH = b.inputMatrix("input/state_h", b.batch, cfg.HiddenDim)
	if cfg.UseLSTM {
		ph.initC = b.inputMatrix("input/state_c", b.batch, cfg.HiddenDim)
	}
	if cfg.Coverage {
		ph.prevCoverage = b.inputMatrix("input/prev_coverage", b.batch, cfg.MaxEncSteps)
	}
	b.addDecoderInputs(ph, 1, false)
	b.buildEmbedding(nil)

	side := &encoderSide{
		encStates:   ph.encStatesIn,
		encDim:      encDim,
		queryStates: ph.queryStatesIn,
		queryDim:    queryDim,
	}
	res, finalDists := b.buildDecoderSide(ph, side, 1, true)

	sg = &stepGraph{params: b.params, ph: ph}
	gorgonia.Read(finalDists[0], &sg.distVal)
	gorgonia.Read(res.attnDists[0], &sg.attnVal)
	if cfg.PointerGen {
		gorgonia.Read(res.pGens[0], &sg.pgenVal)
	}
	if cfg.Coverage {
		gorgonia.Read(res.coverage, &sg.covVal)
	}
	gorgonia.Read(res.finalState.h, &sg.hVal)
	if res.finalState.c != nil {
		gorgonia.Read(res.finalState.c, &sg.cVal)
	}
	sg.machine = gorgonia.NewTapeMachine(b.g)
	return sg, nil
}

// Step reports how many optimizer updates this model has applied.
func (m *Model) Step() int64 { return m.globalStep }

// SetStep seeds the update counter when resuming from a checkpoint.
func (m *Model) SetStep(step int64) { m.globalStep = step }

// Config returns the configuration the graphs were assembled from.
func (m *Model) Config() *config.Config { return m.cfg }

// Vocab returns the vocabulary the model was assembled against.
func (m *Model) Vocab() *vocab.Vocab { return m.v }

// ParamValues snapshots every parameter for checkpointing.
func (m *Model) ParamValues() map[string]ParamValue {
	if m.cfg.Mode == config.ModeDecode {
		out := m.enc.params.Snapshot()
		for name, pv := range m.dec.params.Snapshot() {
			out[name] = pv
		}
		return out
	}
	return m.loss.params.Snapshot()
}

// RestoreParams loads a checkpoint snapshot into the live graphs.
func (m *Model) RestoreParams(values map[string]ParamValue) error {
	if m.cfg.Mode == config.ModeDecode {
		if err := m.enc.params.Restore(values); err != nil {
			return err
		}
		return m.dec.params.Restore(values)
	}
	return m.loss.params.Restore(values)
}

// Close releases the tape machines backing the compiled graphs.
func (m *Model) Close() {
	if m.loss != nil {
		m.loss.machine.Close()
	}
	if m.enc != nil {
		m.enc.machine.Close()
	}
	if m.dec != nil {
		m.dec.machine.Close()
	}
}
