package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/infosave2007/graphsum/config"
)

// placeholders are the graph's input nodes. Token ids enter as one-hot
// matrices in step-major layout so per-step views are plain leading-axis
// slices, and padding masks enter step-major for the same reason.
type placeholders struct {
	encOneHot *gorgonia.Node
	encMaskT  *gorgonia.Node

	queryOneHot *gorgonia.Node
	queryMaskT  *gorgonia.Node

	decOneHot    *gorgonia.Node
	targetOneHot *gorgonia.Node
	decMaskT     *gorgonia.Node
	scatter      *gorgonia.Node

	wordAdjIn  []*gorgonia.Node
	wordAdjOut []*gorgonia.Node
	wordCounts *gorgonia.Node

	queryAdjIn  []*gorgonia.Node
	queryAdjOut []*gorgonia.Node
	queryCounts *gorgonia.Node

	encStatesIn   *gorgonia.Node
	queryStatesIn *gorgonia.Node
	initH         *gorgonia.Node
	initC         *gorgonia.Node
	prevCoverage  *gorgonia.Node
}

func (b *builder) inputMatrix(name string, rows, cols int) *gorgonia.Node {
	return gorgonia.NewMatrix(b.g, tensor.Float32,
		gorgonia.WithShape(rows, cols), gorgonia.WithName(name))
}

func (b *builder) inputTensor3(name string, d0, d1, d2 int) *gorgonia.Node {
	return gorgonia.NewTensor(b.g, tensor.Float32, 3,
		gorgonia.WithShape(d0, d1, d2), gorgonia.WithName(name))
}

func (b *builder) addEncoderInputs(ph *placeholders) {
	cfg := b.cfg
	encSteps := cfg.MaxEncSteps
	ph.encOneHot = b.inputMatrix("input/article_onehot", encSteps*b.batch, b.vsize)
	ph.encMaskT = b.inputMatrix("input/article_mask", encSteps, b.batch)
	if cfg.WordGCN {
		ph.wordAdjIn, ph.wordAdjOut, ph.wordCounts = b.addGraphInputs("word", encSteps)
	}
	if cfg.QueryEncoder {
		qrySteps := cfg.MaxQuerySteps
		ph.queryOneHot = b.inputMatrix("input/query_onehot", qrySteps*b.batch, b.vsize)
		ph.queryMaskT = b.inputMatrix("input/query_mask", qrySteps, b.batch)
		if cfg.QueryGCN {
			ph.queryAdjIn, ph.queryAdjOut, ph.queryCounts = b.addGraphInputs("query", qrySteps)
		}
	}
}

func (b *builder) addGraphInputs(kind string, nodes int) (adjIn, adjOut []*gorgonia.Node, counts *gorgonia.Node) {
	labels := b.cfg.LabelCount()
	adjIn = make([]*gorgonia.Node, labels)
	adjOut = make([]*gorgonia.Node, labels)
	for l := 0; l < labels; l++ {
		adjIn[l] = b.inputTensor3(scopef("input/%s_adj_in_%d", kind, l), b.batch, nodes, nodes)
		adjOut[l] = b.inputTensor3(scopef("input/%s_adj_out_%d", kind, l), b.batch, nodes, nodes)
	}
	counts = b.inputTensor3(scopef("input/%s_neighbours", kind), b.batch, nodes, 1)
	return adjIn, adjOut, counts
}

func (b *builder) addDecoderInputs(ph *placeholders, steps int, withTargets bool) {
	cfg := b.cfg
	ph.decOneHot = b.inputMatrix("input/decoder_onehot", steps*b.batch, b.vsize)
	if withTargets {
		ph.targetOneHot = b.inputMatrix("input/target_onehot", steps*b.batch, b.extVSize)
		ph.decMaskT = b.inputMatrix("input/decoder_mask", steps, b.batch)
	}
	if cfg.PointerGen {
		ph.scatter = b.inputTensor3("input/copy_scatter", b.batch, cfg.MaxEncSteps, b.extVSize)
	}
}

// buildEmbedding creates the shared input/output token embedding. The
// table joins the L2 set only in training graphs.
func (b *builder) buildEmbedding(init *tensor.Dense) {
	if init != nil {
		b.embedding = b.params.MatrixFromValue("embedding", init, b.cfg.EmbTrainable, b.train)
		return
	}
	b.embedding = b.params.Matrix("embedding", b.vsize, b.cfg.EmbDim, b.normalInit(), b.train)
	if !b.cfg.EmbTrainable {
		b.params.Freeze("embedding")
	}
}

// embedSteps looks the one-hot rows up in the embedding table and returns
// per-step (batch, emb) views.
func (b *builder) embedSteps(oneHot *gorgonia.Node, steps int) []*gorgonia.Node {
	all := gorgonia.Must(gorgonia.Mul(oneHot, b.embedding))
	out := make([]*gorgonia.Node, steps)
	for t := 0; t < steps; t++ {
		out[t] = gorgonia.Must(gorgonia.Slice(all, gorgonia.S(t*b.batch, (t+1)*b.batch)))
	}
	return out
}

// encoderSide is the encoder half of the network: the attendable article
// and query memories plus the decoder's initial state.
type encoderSide struct {
	encStates   *gorgonia.Node
	encDim      int
	queryStates *gorgonia.Node
	queryDim    int
	decInit     rnnState
}

func (b *builder) wordGCNSpec(ph *placeholders) gcnSpec {
	cfg := b.cfg
	return gcnSpec{
		scope:     "gcn_word",
		layers:    cfg.WordGCNLayers,
		labels:    cfg.LabelCount(),
		dim:       cfg.WordGCNDim,
		nodes:     cfg.MaxEncSteps,
		gating:    cfg.WordGCNGating,
		skip:      cfg.WordGCNSkip,
		normalize: cfg.WordGCNNormalize,
		keepProb:  cfg.WordGCNKeepProb,
		adjIn:     ph.wordAdjIn,
		adjOut:    ph.wordAdjOut,
		counts:    ph.wordCounts,
	}
}

func (b *builder) queryGCNSpec(ph *placeholders) gcnSpec {
	cfg := b.cfg
	return gcnSpec{
		scope:     "gcn_query",
		layers:    cfg.QueryGCNLayers,
		labels:    cfg.LabelCount(),
		dim:       cfg.QueryGCNDim,
		nodes:     cfg.MaxQuerySteps,
		gating:    cfg.QueryGCNGating,
		skip:      cfg.QueryGCNSkip,
		normalize: cfg.QueryGCNNormalize,
		keepProb:  cfg.QueryGCNKeepProb,
		adjIn:     ph.queryAdjIn,
		adjOut:    ph.queryAdjOut,
		counts:    ph.queryCounts,
	}
}

// buildEncoderSide assembles the configured encoder topology.
func (b *builder) buildEncoderSide(ph *placeholders) *encoderSide {
	if b.cfg.Topology() == config.TopologyGCNBefore {
		return b.gcnFirstEncoder(ph)
	}
	return b.recurrentFirstEncoder(ph)
}

// recurrentFirstEncoder covers the plain, convolve-after and parallel
// topologies: the recurrent pass (when present) runs over raw embeddings
// and the word GCN refines or replaces its outputs.
func (b *builder) recurrentFirstEncoder(ph *placeholders) *encoderSide {
	cfg := b.cfg
	embSteps := b.embedSteps(ph.encOneHot, cfg.MaxEncSteps)
	embSeq := b.stackSteps(embSteps)

	side := &encoderSide{}
	var branch *encoderBranch
	if cfg.NoLSTMEncoder {
		side.encStates, side.encDim = embSeq, cfg.EmbDim
	} else {
		branch = b.bidirEncoder("encoder", embSteps, ph.encMaskT, cfg.EmbDim)
		if cfg.StackedLSTM {
			branch = b.bidirEncoder("encoder_upper", branch.steps, ph.encMaskT, branch.dim)
		}
		side.encStates, side.encDim = branch.states, branch.dim
		side.decInit = b.reduceStates(branch.fw, branch.bw)
	}

	if cfg.WordGCN {
		gcnIn, gcnInDim := side.encStates, side.encDim
		switch {
		case cfg.Topology() == config.TopologyGCNParallel:
			gcnIn, gcnInDim = embSeq, cfg.EmbDim
		case cfg.ConcatWithWordEmbedding:
			adjusted := embSeq
			if cfg.EmbDim != side.encDim {
				wAdjust := b.params.Matrix("encoder_fusion/w_adjust_embedding", cfg.EmbDim, side.encDim, glorotInit(), true)
				adjusted = b.seqLinear(embSeq, wAdjust, nil)
			}
			gate := b.params.Gate("encoder_fusion/b_highway", false)
			gcnIn = b.gateBlend(gate, adjusted, side.encStates)
			gcnInDim = side.encDim
		}
		gcnOut := b.gcnStack(b.wordGCNSpec(ph), gcnIn, gcnInDim)
		if cfg.ConcatGCNLSTM {
			fused := gcnOut
			if cfg.WordGCNDim != branch.dim {
				wAdjust := b.params.Matrix("encoder_fusion/w_adjust_upper", cfg.WordGCNDim, branch.dim, glorotInit(), true)
				fused = b.seqLinear(gcnOut, wAdjust, nil)
			}
			gate := b.params.Gate("encoder_fusion/b_upper_concat", false)
			side.encStates = b.gateBlend(gate, branch.states, fused)
			side.encDim = branch.dim
		} else {
			side.encStates, side.encDim = gcnOut, cfg.WordGCNDim
		}
	}

	b.buildQueryBranch(ph, side)

	if side.decInit.h == nil {
		side.decInit = b.learnedInitState("decoder/init_state")
	}
	return side
}

// buildQueryBranch mirrors the word-side wiring for the query in the
// recurrent-first topologies.
func (b *builder) buildQueryBranch(ph *placeholders, side *encoderSide) {
	cfg := b.cfg
	if !cfg.QueryEncoder {
		return
	}
	qEmbSteps := b.embedSteps(ph.queryOneHot, cfg.MaxQuerySteps)
	qEmbSeq := b.stackSteps(qEmbSteps)

	var qBranch *encoderBranch
	if cfg.NoLSTMQueryEncoder {
		side.queryStates, side.queryDim = qEmbSeq, cfg.EmbDim
	} else {
		qBranch = b.bidirEncoder("query_encoder", qEmbSteps, ph.queryMaskT, cfg.EmbDim)
		side.queryStates, side.queryDim = qBranch.states, qBranch.dim
	}

	if !cfg.QueryGCN {
		return
	}
	qIn, qInDim := side.queryStates, side.queryDim
	if cfg.Topology() == config.TopologyGCNParallel {
		qIn, qInDim = qEmbSeq, cfg.EmbDim
	}
	qOut := b.gcnStack(b.queryGCNSpec(ph), qIn, qInDim)
	switch {
	case cfg.ConcatGCNLSTM && cfg.SimpleConcat:
		side.queryStates = gorgonia.Must(gorgonia.Concat(2, qBranch.states, qOut))
		side.queryDim = qBranch.dim + cfg.QueryGCNDim
	case cfg.ConcatGCNLSTM:
		fused := qOut
		if cfg.QueryGCNDim != qBranch.dim {
			wAdjust := b.params.Matrix("query_fusion/w_adjust_upper", cfg.QueryGCNDim, qBranch.dim, glorotInit(), true)
			fused = b.seqLinear(qOut, wAdjust, nil)
		}
		gate := b.params.Gate("query_fusion/b_upper", false)
		side.queryStates = b.gateBlend(gate, qBranch.states, fused)
		side.queryDim = qBranch.dim
	default:
		side.queryStates, side.queryDim = qOut, cfg.QueryGCNDim
	}
}

// gcnFirstEncoder runs the word GCN over raw embeddings and feeds its
// output through the recurrent encoder, with optional fusions on both
// sides of the recurrence.
func (b *builder) gcnFirstEncoder(ph *placeholders) *encoderSide {
	cfg := b.cfg
	embSteps := b.embedSteps(ph.encOneHot, cfg.MaxEncSteps)
	embSeq := b.stackSteps(embSteps)

	gcnOut := b.gcnStack(b.wordGCNSpec(ph), embSeq, cfg.EmbDim)
	gcnDim := cfg.WordGCNDim
	if cfg.ConcatWithWordEmbedding {
		comb := gorgonia.Must(gorgonia.Concat(2, embSeq, gcnOut))
		w := b.params.Matrix("encoder_fusion/w_word", cfg.EmbDim+gcnDim, gcnDim, b.normalInit(), true)
		bias := b.params.Bias("encoder_fusion/b_word", gcnDim, gorgonia.Zeroes(), true)
		gcnOut = gorgonia.Must(gorgonia.Rectify(b.seqLinear(comb, w, bias)))
	}

	branch := b.bidirEncoder("encoder", b.stepsFromSeq(gcnOut, cfg.MaxEncSteps), ph.encMaskT, gcnDim)
	side := &encoderSide{decInit: b.reduceStates(branch.fw, branch.bw)}
	switch {
	case cfg.ConcatGCNLSTM && cfg.SimpleConcat:
		side.encStates = gorgonia.Must(gorgonia.Concat(2, branch.states, gcnOut))
		side.encDim = branch.dim + gcnDim
	case cfg.ConcatGCNLSTM:
		comb := gorgonia.Must(gorgonia.Concat(2, branch.states, gcnOut))
		w := b.params.Matrix("encoder_fusion/w_gcn_lstm", branch.dim+gcnDim, branch.dim, b.normalInit(), true)
		bias := b.params.Bias("encoder_fusion/b_gcn_lstm", branch.dim, gorgonia.Zeroes(), true)
		side.encStates = gorgonia.Must(gorgonia.Rectify(b.seqLinear(comb, w, bias)))
		side.encDim = branch.dim
	default:
		side.encStates, side.encDim = branch.states, branch.dim
	}

	if cfg.QueryEncoder {
		qEmbSteps := b.embedSteps(ph.queryOneHot, cfg.MaxQuerySteps)
		qEmbSeq := b.stackSteps(qEmbSteps)
		qIn, qInDim := qEmbSeq, cfg.EmbDim
		if cfg.QueryGCN {
			qOut := b.gcnStack(b.queryGCNSpec(ph), qEmbSeq, cfg.EmbDim)
			if cfg.ConcatWithWordEmbedding {
				qIn = gorgonia.Must(gorgonia.Concat(2, qEmbSeq, qOut))
				qInDim = cfg.EmbDim + cfg.QueryGCNDim
			} else {
				qIn, qInDim = qOut, cfg.QueryGCNDim
			}
		}
		qBranch := b.bidirEncoder("query_encoder", b.stepsFromSeq(qIn, cfg.MaxQuerySteps), ph.queryMaskT, qInDim)
		switch {
		case cfg.ConcatGCNLSTM && cfg.QueryGCN && cfg.SimpleConcat:
			side.queryStates = gorgonia.Must(gorgonia.Concat(2, qBranch.states, qIn))
			side.queryDim = qBranch.dim + qInDim
		case cfg.ConcatGCNLSTM && cfg.QueryGCN:
			fused := qIn
			if qInDim != qBranch.dim {
				wAdjust := b.params.Matrix("query_fusion/w_adjust", qInDim, qBranch.dim, glorotInit(), true)
				fused = b.seqLinear(qIn, wAdjust, nil)
			}
			gate := b.params.Gate("query_fusion/b_upper", false)
			side.queryStates = b.gateBlend(gate, qBranch.states, fused)
			side.queryDim = qBranch.dim
		default:
			side.queryStates, side.queryDim = qBranch.states, qBranch.dim
		}
	}
	return side
}

// attentionStateDim is the width of the flattened decoder state the
// attention and generation-probability features condition on.
func attentionStateDim(cfg *config.Config) int {
	if cfg.UseLSTM {
		return 2 * cfg.HiddenDim
	}
	return cfg.HiddenDim
}

// buildDecoderSide unrolls the decoder over the encoder memories and
// returns the per-step distributions over the (extended) vocabulary.
func (b *builder) buildDecoderSide(ph *placeholders, side *encoderSide, steps int, initialStateAttention bool) (*decoderResult, []*gorgonia.Node) {
	cfg := b.cfg
	decEmb := b.embedSteps(ph.decOneHot, steps)
	mem := b.newAttentionMemory("decoder/attention", side.encStates, ph.encMaskT,
		cfg.MaxEncSteps, side.encDim, attentionStateDim(cfg), cfg.Coverage)
	var queryMem *attentionMemory
	if cfg.QueryEncoder {
		queryMem = b.newAttentionMemory("decoder/query_attention", side.queryStates, ph.queryMaskT,
			cfg.MaxQuerySteps, side.queryDim, attentionStateDim(cfg), false)
	}

	initState := side.decInit
	var prevCoverage *gorgonia.Node
	if initialStateAttention {
		initState = rnnState{h: ph.initH, c: ph.initC}
		prevCoverage = ph.prevCoverage
	}
	res := b.attentionDecoder(decEmb, initState, mem, queryMem, prevCoverage, initialStateAttention)
	return res, b.finalDistributions(res, ph.scatter)
}
