package model

import (
	"gorgonia.org/gorgonia"
)

// probFloor guards the log against zero-probability gold tokens.
const probFloor = 1e-7

func (b *builder) probFloorNode() *gorgonia.Node {
	if b.floor == nil {
		b.floor = gorgonia.NodeFromAny(b.g, float32(probFloor), gorgonia.WithName("const_prob_floor"))
	}
	return b.floor
}

// negLogLikelihood picks each step's gold-token probability out of the
// distribution via the target one-hot rows and returns per-step (batch,)
// losses.
func (b *builder) negLogLikelihood(dists []*gorgonia.Node, targetOneHot *gorgonia.Node) []*gorgonia.Node {
	batch := b.batch
	out := make([]*gorgonia.Node, len(dists))
	for t, dist := range dists {
		tgt := gorgonia.Must(gorgonia.Slice(targetOneHot, gorgonia.S(t*batch, (t+1)*batch)))
		gold := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.HadamardProd(dist, tgt)), 1))
		gold = gorgonia.Must(gorgonia.Add(gold, b.probFloorNode()))
		out[t] = gorgonia.Must(gorgonia.Neg(gorgonia.Must(gorgonia.Log(gold))))
	}
	return out
}

// maskAndAvg normalizes per-step values by each example's true decoder
// length, then averages over the batch.
func (b *builder) maskAndAvg(perStep []*gorgonia.Node, decMaskT *gorgonia.Node) *gorgonia.Node {
	lens := gorgonia.Must(gorgonia.Sum(decMaskT, 0))
	var total *gorgonia.Node
	for t, v := range perStep {
		mask := gorgonia.Must(gorgonia.Slice(decMaskT, gorgonia.S(t)))
		term := gorgonia.Must(gorgonia.HadamardProd(v, mask))
		if total == nil {
			total = term
			continue
		}
		total = gorgonia.Must(gorgonia.Add(total, term))
	}
	perExample := gorgonia.Must(gorgonia.HadamardDiv(total, lens))
	return gorgonia.Must(gorgonia.Mean(perExample))
}

// copyLoss is the training objective in pointer mode: the masked,
// per-example-normalized negative log likelihood of the gold tokens under
// the extended-vocabulary distributions.
func (b *builder) copyLoss(finalDists []*gorgonia.Node, targetOneHot, decMaskT *gorgonia.Node) *gorgonia.Node {
	return b.maskAndAvg(b.negLogLikelihood(finalDists, targetOneHot), decMaskT)
}

// sequenceLoss is the baseline objective without the copy mechanism: a
// single global average of the masked cross entropy, weighting every real
// token equally regardless of example length.
func (b *builder) sequenceLoss(vocabDists []*gorgonia.Node, targetOneHot, decMaskT *gorgonia.Node) *gorgonia.Node {
	nll := b.negLogLikelihood(vocabDists, targetOneHot)
	var total *gorgonia.Node
	for t, v := range nll {
		mask := gorgonia.Must(gorgonia.Slice(decMaskT, gorgonia.S(t)))
		term := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.HadamardProd(v, mask))))
		if total == nil {
			total = term
			continue
		}
		total = gorgonia.Must(gorgonia.Add(total, term))
	}
	denom := gorgonia.Must(gorgonia.Sum(decMaskT))
	return gorgonia.Must(gorgonia.HadamardDiv(total, denom))
}

// coverageLoss penalizes re-attending: at each step it sums the
// elementwise minimum of the attention distribution and the attention
// accumulated so far. The elementwise minimum is written as
// (a+c-|a-c|)/2.
func (b *builder) coverageLoss(attnDists []*gorgonia.Node, decMaskT *gorgonia.Node) *gorgonia.Node {
	cov := b.zeros2(b.batch, b.cfg.MaxEncSteps, "covloss/coverage0")
	perStep := make([]*gorgonia.Node, 0, len(attnDists))
	for _, attn := range attnDists {
		sum := gorgonia.Must(gorgonia.Add(attn, cov))
		diff := gorgonia.Must(gorgonia.Abs(gorgonia.Must(gorgonia.Sub(attn, cov))))
		min := gorgonia.Must(gorgonia.HadamardProd(gorgonia.Must(gorgonia.Sub(sum, diff)), b.half))
		perStep = append(perStep, gorgonia.Must(gorgonia.Sum(min, 1)))
		cov = gorgonia.Must(gorgonia.Add(cov, attn))
	}
	return b.maskAndAvg(perStep, decMaskT)
}

// l2Penalty sums the squared norms of the regularized weights, scaled by
// beta/2.
func (b *builder) l2Penalty() *gorgonia.Node {
	var sum *gorgonia.Node
	for _, w := range b.params.Regularized() {
		sq := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.Square(w))))
		if sum == nil {
			sum = sq
			continue
		}
		sum = gorgonia.Must(gorgonia.Add(sum, sq))
	}
	scale := gorgonia.NodeFromAny(b.g, float32(b.cfg.BetaL2*0.5), gorgonia.WithName("const_l2_scale"))
	return gorgonia.Must(gorgonia.HadamardProd(sum, scale))
}
