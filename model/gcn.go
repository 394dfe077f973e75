package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// gcnSpec describes one graph-convolution stack over a token sequence.
// Adjacency is split per dependency label and per direction; counts holds
// the per-node neighbour totals used for mean aggregation.
type gcnSpec struct {
	scope     string
	layers    int
	labels    int
	dim       int
	nodes     int
	gating    bool
	skip      bool
	normalize bool
	keepProb  float64
	adjIn     []*gorgonia.Node
	adjOut    []*gorgonia.Node
	counts    *gorgonia.Node
}

// gcnStack applies the configured number of syntactic GCN layers on top of
// a (batch, nodes, inDim) sequence and returns (batch, nodes, dim).
func (b *builder) gcnStack(sp gcnSpec, x *gorgonia.Node, inDim int) *gorgonia.Node {
	cur := x
	curDim := inDim
	for layer := 0; layer < sp.layers; layer++ {
		cur = b.gcnLayer(scopef("%s/layer_%d", sp.scope, layer), sp, cur, curDim)
		curDim = sp.dim
	}
	return cur
}

// gcnLayer is one directed labelled graph convolution. Incoming and
// outgoing edges get per-label weights, self loops share a single gated
// projection, and the aggregate is bias-shifted, mean-normalized and
// rectified. With the residual switch on, the layer output is mixed with
// its (dimension-adjusted) input through a learned scalar gate.
func (b *builder) gcnLayer(scope string, sp gcnSpec, x *gorgonia.Node, inDim int) *gorgonia.Node {
	batch, nodes, dim := b.batch, sp.nodes, sp.dim
	flat := gorgonia.Must(gorgonia.Reshape(x, tensor.Shape{batch * nodes, inDim}))

	project := func(w *gorgonia.Node) *gorgonia.Node {
		p := gorgonia.Must(gorgonia.Mul(flat, w))
		return gorgonia.Must(gorgonia.Reshape(p, tensor.Shape{batch, nodes, dim}))
	}

	var actSum *gorgonia.Node
	accumulate := func(n *gorgonia.Node) {
		if actSum == nil {
			actSum = n
			return
		}
		actSum = gorgonia.Must(gorgonia.Add(actSum, n))
	}

	for label := 0; label < sp.labels; label++ {
		wIn := b.params.Matrix(scopef("%s/w_in_%d", scope, label), inDim, dim, glorotInit(), true)
		inAct := gorgonia.Must(gorgonia.BatchedMatMul(sp.adjIn[label], project(wIn)))
		accumulate(b.dropout(inAct, sp.keepProb))

		wOut := b.params.Matrix(scopef("%s/w_out_%d", scope, label), inDim, dim, glorotInit(), true)
		outAct := gorgonia.Must(gorgonia.BatchedMatMul(sp.adjOut[label], project(wOut)))
		accumulate(b.dropout(outAct, sp.keepProb))
	}

	wLoop := b.params.Matrix(scope+"/w_loop", inDim, dim, glorotInit(), true)
	loop := project(wLoop)
	if sp.gating {
		wGate := b.params.Matrix(scope+"/w_gate_loop", inDim, 1, glorotInit(), true)
		bGate := b.params.Gate(scope+"/b_gate_loop", true)
		pre := gorgonia.Must(gorgonia.Reshape(
			gorgonia.Must(gorgonia.Mul(flat, wGate)),
			tensor.Shape{batch, nodes, 1}))
		pre = gorgonia.Must(gorgonia.Add(pre, b.scalarOf(bGate)))
		gate := gorgonia.Must(gorgonia.Sigmoid(pre))
		loop = gorgonia.Must(gorgonia.BroadcastHadamardProd(loop, gate, nil, []byte{2}))
	}
	accumulate(b.dropout(loop, sp.keepProb))

	bOut := b.params.Bias(scope+"/b_out", dim, gorgonia.Zeroes(), true)
	flatSum := gorgonia.Must(gorgonia.Reshape(actSum, tensor.Shape{batch * nodes, dim}))
	flatSum = gorgonia.Must(gorgonia.BroadcastAdd(flatSum, bOut, nil, []byte{0}))
	actSum = gorgonia.Must(gorgonia.Reshape(flatSum, tensor.Shape{batch, nodes, dim}))

	if sp.normalize {
		actSum = gorgonia.Must(gorgonia.BroadcastHadamardDiv(actSum, sp.counts, nil, []byte{2}))
	}
	out := gorgonia.Must(gorgonia.Rectify(actSum))

	if sp.skip {
		in := x
		if inDim != dim {
			wAdjust := b.params.Matrix(scope+"/w_adjust", inDim, dim, glorotInit(), true)
			in = project(wAdjust)
		}
		gate := b.params.Gate(scope+"/b_layer", true)
		out = b.gateBlend(gate, in, out)
	}
	return out
}
