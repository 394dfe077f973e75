package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// finalDistributions blends each step's vocabulary distribution with its
// copy distribution over the extended vocabulary. The scatter tensor maps
// article positions to extended-vocabulary columns; multiplying the
// attention weights through it projects copy mass onto word ids and sums
// the weights of repeated article words in one pass.
func (b *builder) finalDistributions(res *decoderResult, scatter *gorgonia.Node) []*gorgonia.Node {
	if !b.cfg.PointerGen {
		return res.vocabDists
	}
	batch := b.batch
	encSteps := b.cfg.MaxEncSteps
	budget := b.extVSize - b.vsize

	var oovZeros *gorgonia.Node
	if budget > 0 {
		oovZeros = b.zeros2(batch, budget, "pointer/oov_zeros")
	}

	out := make([]*gorgonia.Node, len(res.vocabDists))
	for t := range res.vocabDists {
		pGen := res.pGens[t]
		gen := gorgonia.Must(gorgonia.BroadcastHadamardProd(res.vocabDists[t], pGen, nil, []byte{1}))
		if oovZeros != nil {
			gen = gorgonia.Must(gorgonia.Concat(1, gen, oovZeros))
		}

		copyWeight := gorgonia.Must(gorgonia.Sub(b.one, pGen))
		copyAttn := gorgonia.Must(gorgonia.BroadcastHadamardProd(res.attnDists[t], copyWeight, nil, []byte{1}))
		copyAttn = gorgonia.Must(gorgonia.Reshape(copyAttn, tensor.Shape{batch, 1, encSteps}))
		copyDist := gorgonia.Must(gorgonia.BatchedMatMul(copyAttn, scatter))
		copyDist = gorgonia.Must(gorgonia.Reshape(copyDist, tensor.Shape{batch, b.extVSize}))

		out[t] = gorgonia.Must(gorgonia.Add(gen, copyDist))
	}
	return out
}
