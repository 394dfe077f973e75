package model

import (
	"gorgonia.org/gorgonia"
)

// rnnState carries the recurrent activations between unroll steps. Plain
// tanh cells leave cell nil.
type rnnState struct {
	h *gorgonia.Node
	c *gorgonia.Node
}

// flatten concatenates the state parts along the feature axis, memory
// first, for attention and generation-probability features.
func (s rnnState) flatten() *gorgonia.Node {
	if s.c == nil {
		return s.h
	}
	return gorgonia.Must(gorgonia.Concat(1, s.c, s.h))
}

// recurrentCell is one unrolled step of a recurrent unit.
type recurrentCell interface {
	step(x *gorgonia.Node, st rnnState) rnnState
	zeroState(scope string) rnnState
	stateDim() int
}

// lstmCell is an unrolled LSTM with one weight matrix per gate. The forget
// gate carries a constant +1 pre-activation bias.
type lstmCell struct {
	b      *builder
	hidden int

	wf, wi, wo, wg *gorgonia.Node
	bf, bi, bo, bg *gorgonia.Node
}

func (b *builder) newLSTMCell(scope string, inDim, hidden int) *lstmCell {
	mkW := func(gate string) *gorgonia.Node {
		return b.params.Matrix(scope+"/w_"+gate, inDim+hidden, hidden, b.uniformInit(), false)
	}
	mkB := func(gate string) *gorgonia.Node {
		return b.params.Bias(scope+"/b_"+gate, hidden, gorgonia.Zeroes(), false)
	}
	return &lstmCell{
		b:      b,
		hidden: hidden,
		wf:     mkW("f"), wi: mkW("i"), wo: mkW("o"), wg: mkW("g"),
		bf:     mkB("f"), bi: mkB("i"), bo: mkB("o"), bg: mkB("g"),
	}
}

func (c *lstmCell) gatePre(comb, w, bias *gorgonia.Node) *gorgonia.Node {
	out := gorgonia.Must(gorgonia.Mul(comb, w))
	return gorgonia.Must(gorgonia.BroadcastAdd(out, bias, nil, []byte{0}))
}

func (c *lstmCell) step(x *gorgonia.Node, st rnnState) rnnState {
	comb := gorgonia.Must(gorgonia.Concat(1, x, st.h))

	forgetPre := gorgonia.Must(gorgonia.Add(c.gatePre(comb, c.wf, c.bf), c.b.one))
	forget := gorgonia.Must(gorgonia.Sigmoid(forgetPre))
	input := gorgonia.Must(gorgonia.Sigmoid(c.gatePre(comb, c.wi, c.bi)))
	output := gorgonia.Must(gorgonia.Sigmoid(c.gatePre(comb, c.wo, c.bo)))
	cand := gorgonia.Must(gorgonia.Tanh(c.gatePre(comb, c.wg, c.bg)))

	memory := gorgonia.Must(gorgonia.Add(
		gorgonia.Must(gorgonia.HadamardProd(forget, st.c)),
		gorgonia.Must(gorgonia.HadamardProd(input, cand)),
	))
	hidden := gorgonia.Must(gorgonia.HadamardProd(output, gorgonia.Must(gorgonia.Tanh(memory))))
	return rnnState{h: hidden, c: memory}
}

func (c *lstmCell) zeroState(scope string) rnnState {
	return rnnState{
		h: c.b.zeros2(c.b.batch, c.hidden, scope+"/h0"),
		c: c.b.zeros2(c.b.batch, c.hidden, scope+"/c0"),
	}
}

func (c *lstmCell) stateDim() int { return 2 * c.hidden }

// tanhCell is a single-gate recurrent unit used when the LSTM is switched
// off.
type tanhCell struct {
	b      *builder
	hidden int
	w      *gorgonia.Node
	bias   *gorgonia.Node
}

func (b *builder) newTanhCell(scope string, inDim, hidden int) *tanhCell {
	return &tanhCell{
		b:      b,
		hidden: hidden,
		w:      b.params.Matrix(scope+"/w", inDim+hidden, hidden, glorotInit(), false),
		bias:   b.params.Bias(scope+"/bias", hidden, gorgonia.Zeroes(), false),
	}
}

func (c *tanhCell) step(x *gorgonia.Node, st rnnState) rnnState {
	comb := gorgonia.Must(gorgonia.Concat(1, x, st.h))
	pre := gorgonia.Must(gorgonia.Mul(comb, c.w))
	pre = gorgonia.Must(gorgonia.BroadcastAdd(pre, c.bias, nil, []byte{0}))
	return rnnState{h: gorgonia.Must(gorgonia.Tanh(pre))}
}

func (c *tanhCell) zeroState(scope string) rnnState {
	return rnnState{h: c.b.zeros2(c.b.batch, c.hidden, scope+"/h0")}
}

func (c *tanhCell) stateDim() int { return c.hidden }

// newCell picks the configured recurrent unit.
func (b *builder) newCell(scope string, inDim, hidden int) recurrentCell {
	if b.cfg.UseLSTM {
		return b.newLSTMCell(scope, inDim, hidden)
	}
	return b.newTanhCell(scope, inDim, hidden)
}
