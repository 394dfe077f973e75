package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// attentionMemory holds one attendable memory: the encoder states, their
// padding mask, and the projections shared by every decoder step. Encoder
// features are precomputed once since they do not depend on the decoder
// state.
type attentionMemory struct {
	b      *builder
	states *gorgonia.Node
	mask   *gorgonia.Node

	steps   int
	dim     int
	attnDim int

	features *gorgonia.Node
	v        *gorgonia.Node
	wState   *gorgonia.Node
	bState   *gorgonia.Node
	wCov     *gorgonia.Node

	useCoverage bool
}

func (b *builder) newAttentionMemory(scope string, states, maskT *gorgonia.Node, steps, dim, stateDim int, coverage bool) *attentionMemory {
	attnDim := dim
	wMem := b.params.Matrix(scope+"/w_memory", dim, attnDim, glorotInit(), false)
	m := &attentionMemory{
		b:           b,
		states:      states,
		mask:        gorgonia.Must(gorgonia.Transpose(maskT, 1, 0)),
		steps:       steps,
		dim:         dim,
		attnDim:     attnDim,
		features:    b.seqLinear(states, wMem, nil),
		v:           b.params.Matrix(scope+"/v", attnDim, 1, glorotInit(), false),
		wState:      b.params.Matrix(scope+"/w_state", stateDim, attnDim, glorotInit(), false),
		bState:      b.params.Bias(scope+"/b_state", attnDim, gorgonia.Zeroes(), false),
		useCoverage: coverage,
	}
	if coverage {
		m.wCov = b.params.Matrix(scope+"/w_coverage", 1, attnDim, glorotInit(), false)
	}
	return m
}

// attend scores every memory position against the decoder state, masks and
// renormalizes the distribution over real tokens, and returns the context
// vector together with the updated coverage. Coverage accumulates the
// attention history; on the first call it starts from this step's
// distribution.
func (m *attentionMemory) attend(st rnnState, coverage *gorgonia.Node) (ctx, attn, nextCov *gorgonia.Node) {
	b := m.b
	batch, steps, attnDim := b.batch, m.steps, m.attnDim

	decFeat := gorgonia.Must(gorgonia.Mul(st.flatten(), m.wState))
	decFeat = gorgonia.Must(gorgonia.BroadcastAdd(decFeat, m.bState, nil, []byte{0}))
	decFeat = gorgonia.Must(gorgonia.Reshape(decFeat, tensor.Shape{batch, 1, attnDim}))

	sum := gorgonia.Must(gorgonia.BroadcastAdd(m.features, decFeat, nil, []byte{1}))
	if m.useCoverage && coverage != nil {
		covFlat := gorgonia.Must(gorgonia.Reshape(coverage, tensor.Shape{batch * steps, 1}))
		covFeat := gorgonia.Must(gorgonia.Mul(covFlat, m.wCov))
		covFeat = gorgonia.Must(gorgonia.Reshape(covFeat, tensor.Shape{batch, steps, attnDim}))
		sum = gorgonia.Must(gorgonia.Add(sum, covFeat))
	}

	scores := gorgonia.Must(gorgonia.Tanh(sum))
	scores = gorgonia.Must(gorgonia.Reshape(scores, tensor.Shape{batch * steps, attnDim}))
	e := gorgonia.Must(gorgonia.Mul(scores, m.v))
	e = gorgonia.Must(gorgonia.Reshape(e, tensor.Shape{batch, steps}))

	dist := gorgonia.Must(gorgonia.SoftMax(e))
	dist = gorgonia.Must(gorgonia.HadamardProd(dist, m.mask))
	sums := gorgonia.Must(gorgonia.Reshape(gorgonia.Must(gorgonia.Sum(dist, 1)), tensor.Shape{batch, 1}))
	attn = gorgonia.Must(gorgonia.BroadcastHadamardDiv(dist, sums, nil, []byte{1}))

	weights := gorgonia.Must(gorgonia.Reshape(attn, tensor.Shape{batch, 1, steps}))
	ctx = gorgonia.Must(gorgonia.BatchedMatMul(weights, m.states))
	ctx = gorgonia.Must(gorgonia.Reshape(ctx, tensor.Shape{batch, m.dim}))

	if m.useCoverage {
		if coverage == nil {
			nextCov = attn
		} else {
			nextCov = gorgonia.Must(gorgonia.Add(coverage, attn))
		}
	}
	return ctx, attn, nextCov
}
