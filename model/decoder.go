package model

import (
	"gorgonia.org/gorgonia"
)

// decoderResult carries everything the loss and decode layers need from
// the unrolled decoder: per-step vocabulary distributions, attention
// distributions over the article, generation probabilities, the final
// coverage vector and the final recurrent state.
type decoderResult struct {
	vocabDists []*gorgonia.Node
	attnDists  []*gorgonia.Node
	pGens      []*gorgonia.Node
	coverage   *gorgonia.Node
	finalState rnnState
}

// attentionDecoder unrolls the decoder cell with attention. Each step
// projects the previous-word embedding together with the running context
// down to the embedding size, advances the cell, attends over the article
// (and the query when present), and emits an output vector for the
// vocabulary projection.
//
// With initialStateAttention set, attention runs once against the initial
// state before the loop so a single-step unroll starts from the context
// the previous step would have produced; the step-zero call inside the
// loop then reuses the existing coverage instead of accumulating it
// twice.
func (b *builder) attentionDecoder(inputs []*gorgonia.Node, initState rnnState, mem, queryMem *attentionMemory, prevCoverage *gorgonia.Node, initialStateAttention bool) *decoderResult {
	cfg := b.cfg
	embDim := cfg.EmbDim
	cell := b.newCell("decoder/cell", embDim, cfg.HiddenDim)

	inProjDim := embDim + mem.dim
	pGenDim := mem.dim + cell.stateDim() + embDim
	outProjDim := cfg.HiddenDim + mem.dim
	if queryMem != nil {
		inProjDim += queryMem.dim
		pGenDim += queryMem.dim
		outProjDim += queryMem.dim
	}
	inputProj := b.newLinear("decoder/input_projection", inProjDim, embDim, true, glorotInit(), false)
	outputProj := b.newLinear("decoder/attn_output_projection", outProjDim, cfg.HiddenDim, true, glorotInit(), false)
	var pGenProj *linearLayer
	if cfg.PointerGen {
		pGenProj = b.newLinear("decoder/p_gen", pGenDim, 1, true, glorotInit(), false)
	}

	state := initState
	coverage := prevCoverage
	ctx := b.zeros2(b.batch, mem.dim, "decoder/context0")
	var qctx *gorgonia.Node
	if queryMem != nil {
		qctx = b.zeros2(b.batch, queryMem.dim, "decoder/query_context0")
	}
	if initialStateAttention {
		ctx, _, coverage = mem.attend(state, coverage)
		if queryMem != nil {
			qctx, _, _ = queryMem.attend(state, nil)
		}
	}

	res := &decoderResult{}
	outputs := make([]*gorgonia.Node, 0, len(inputs))
	for i, inp := range inputs {
		var x *gorgonia.Node
		if queryMem != nil {
			x = inputProj.apply(inp, ctx, qctx)
		} else {
			x = inputProj.apply(inp, ctx)
		}
		state = cell.step(x, state)

		var attn *gorgonia.Node
		if i == 0 && initialStateAttention {
			ctx, attn, _ = mem.attend(state, coverage)
		} else {
			ctx, attn, coverage = mem.attend(state, coverage)
		}
		if queryMem != nil {
			qctx, _, _ = queryMem.attend(state, nil)
		}
		res.attnDists = append(res.attnDists, attn)

		if cfg.PointerGen {
			parts := []*gorgonia.Node{ctx}
			if queryMem != nil {
				parts = append(parts, qctx)
			}
			parts = append(parts, state.flatten(), x)
			pGen := gorgonia.Must(gorgonia.Sigmoid(pGenProj.apply(parts...)))
			res.pGens = append(res.pGens, pGen)
		}

		var out *gorgonia.Node
		if queryMem != nil {
			out = outputProj.apply(state.h, ctx, qctx)
		} else {
			out = outputProj.apply(state.h, ctx)
		}
		outputs = append(outputs, out)
	}

	res.vocabDists = b.vocabDistributions(outputs)
	res.coverage = coverage
	res.finalState = state
	return res
}

// vocabDistributions maps decoder outputs to softmax distributions over
// the fixed vocabulary through a projection shared by all steps.
func (b *builder) vocabDistributions(outputs []*gorgonia.Node) []*gorgonia.Node {
	w := b.params.Matrix("output_projection/w", b.cfg.HiddenDim, b.vsize, b.normalInit(), true)
	v := b.params.Bias("output_projection/v", b.vsize, b.normalInit(), true)
	dists := make([]*gorgonia.Node, len(outputs))
	for i, out := range outputs {
		scores := gorgonia.Must(gorgonia.Mul(out, w))
		scores = gorgonia.Must(gorgonia.BroadcastAdd(scores, v, nil, []byte{0}))
		dists[i] = gorgonia.Must(gorgonia.SoftMax(scores))
	}
	return dists
}
