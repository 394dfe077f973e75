package model

import (
	"gorgonia.org/gorgonia"
)

// encoderBranch is the result of one bidirectional pass: per-step outputs,
// the stacked (batch, steps, dim) memory, and the two final states.
type encoderBranch struct {
	steps  []*gorgonia.Node
	states *gorgonia.Node
	dim    int
	fw, bw rnnState
}

// bidirEncoder unrolls a forward and a backward cell over the inputs and
// concatenates their outputs per step. Outputs on padded positions are
// zeroed and states are frozen there, so the final states are the ones
// observed after each sequence's last real token.
func (b *builder) bidirEncoder(scope string, inputs []*gorgonia.Node, maskT *gorgonia.Node, inDim int) *encoderBranch {
	hidden := b.cfg.HiddenDim
	fwCell := b.newCell(scope+"/fw", inDim, hidden)
	bwCell := b.newCell(scope+"/bw", inDim, hidden)
	steps := len(inputs)

	runDirection := func(cell recurrentCell, dirScope string, reverse bool) ([]*gorgonia.Node, rnnState) {
		st := cell.zeroState(dirScope)
		outs := make([]*gorgonia.Node, steps)
		for i := 0; i < steps; i++ {
			t := i
			if reverse {
				t = steps - 1 - i
			}
			mask := b.stepMask(maskT, t)
			next := cell.step(inputs[t], st)
			next.h = b.maskFreeze(next.h, st.h, mask)
			if next.c != nil {
				next.c = b.maskFreeze(next.c, st.c, mask)
			}
			outs[t] = gorgonia.Must(gorgonia.BroadcastHadamardProd(next.h, mask, nil, []byte{1}))
			st = next
		}
		return outs, st
	}

	fwOuts, fwFinal := runDirection(fwCell, scope+"/fw", false)
	bwOuts, bwFinal := runDirection(bwCell, scope+"/bw", true)

	outSteps := make([]*gorgonia.Node, steps)
	for t := 0; t < steps; t++ {
		outSteps[t] = gorgonia.Must(gorgonia.Concat(1, fwOuts[t], bwOuts[t]))
	}
	return &encoderBranch{
		steps:  outSteps,
		states: b.stackSteps(outSteps),
		dim:    2 * hidden,
		fw:     fwFinal,
		bw:     bwFinal,
	}
}

// reduceStates maps the concatenated forward and backward final states
// down to a single decoder-sized initial state.
func (b *builder) reduceStates(fw, bw rnnState) rnnState {
	hidden := b.cfg.HiddenDim
	reduce := func(scope string, fwPart, bwPart *gorgonia.Node) *gorgonia.Node {
		w := b.params.Matrix(scope+"/w", 2*hidden, hidden, b.uniformInit(), true)
		bias := b.params.Bias(scope+"/bias", hidden, b.uniformInit(), true)
		old := gorgonia.Must(gorgonia.Concat(1, fwPart, bwPart))
		out := gorgonia.Must(gorgonia.Mul(old, w))
		out = gorgonia.Must(gorgonia.BroadcastAdd(out, bias, nil, []byte{0}))
		return gorgonia.Must(gorgonia.Rectify(out))
	}
	st := rnnState{h: reduce("reduce_state/h", fw.h, bw.h)}
	if fw.c != nil {
		st.c = reduce("reduce_state/c", fw.c, bw.c)
	}
	return st
}

// learnedInitState gives the decoder a trained initial state for
// topologies that run without a recurrent encoder.
func (b *builder) learnedInitState(scope string) rnnState {
	hidden := b.cfg.HiddenDim
	tile := func(name string) *gorgonia.Node {
		p := b.params.Bias(scope+"/"+name, hidden, gorgonia.Zeroes(), false)
		base := b.zeros2(b.batch, hidden, scope+"/"+name+"_tile")
		return gorgonia.Must(gorgonia.BroadcastAdd(base, p, nil, []byte{0}))
	}
	st := rnnState{h: tile("h")}
	if b.cfg.UseLSTM {
		st.c = tile("c")
	}
	return st
}
