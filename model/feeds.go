package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/infosave2007/graphsum/data"
)

type feed struct {
	node *gorgonia.Node
	val  gorgonia.Value
}

func applyFeeds(feeds []feed) error {
	for _, f := range feeds {
		if err := gorgonia.Let(f.node, f.val); err != nil {
			return errors.Wrapf(err, "model: feeding %s", f.node.Name())
		}
	}
	return nil
}

// oneHotSteps lays token ids out step-major as one-hot rows: row t*batch+i
// holds example i's token at step t.
func oneHotSteps(ids [][]int, steps, batch, width int) *tensor.Dense {
	backing := make([]float32, steps*batch*width)
	for i, row := range ids {
		for t := 0; t < steps; t++ {
			backing[(t*batch+i)*width+row[t]] = 1
		}
	}
	return tensor.New(tensor.WithShape(steps*batch, width), tensor.WithBacking(backing))
}

// stepMajorMask transposes a (batch, steps) padding mask to (steps, batch).
func stepMajorMask(mask [][]float32, steps, batch int) *tensor.Dense {
	backing := make([]float32, steps*batch)
	for i, row := range mask {
		for t, v := range row {
			backing[t*batch+i] = v
		}
	}
	return tensor.New(tensor.WithShape(steps, batch), tensor.WithBacking(backing))
}

// scatterTensor maps article positions to extended-vocabulary columns:
// entry (i, t, id) is one when example i's article token at position t has
// extended id id. Attention weights multiplied through it become the copy
// distribution, with repeated words accumulating naturally.
func scatterTensor(extIDs [][]int, batch, steps, extV int) *tensor.Dense {
	backing := make([]float32, batch*steps*extV)
	for i, row := range extIDs {
		for t := 0; t < steps; t++ {
			backing[(i*steps+t)*extV+row[t]] = 1
		}
	}
	return tensor.New(tensor.WithShape(batch, steps, extV), tensor.WithBacking(backing))
}

func (m *Model) checkBatch(bt *data.Batch) error {
	cfg := m.cfg
	if bt.Size != cfg.BatchSize {
		return errors.Errorf("model: batch size %d, graph expects %d", bt.Size, cfg.BatchSize)
	}
	if bt.EncSteps != cfg.MaxEncSteps {
		return errors.Errorf("model: batch encoder width %d, graph expects %d", bt.EncSteps, cfg.MaxEncSteps)
	}
	if cfg.PointerGen && bt.MaxArtOOVs > cfg.MaxArticleOOVs {
		return errors.Errorf("model: batch carries %d article OOVs, budget is %d", bt.MaxArtOOVs, cfg.MaxArticleOOVs)
	}
	if cfg.QueryEncoder && bt.QrySteps != cfg.MaxQuerySteps {
		return errors.Errorf("model: batch query width %d, graph expects %d", bt.QrySteps, cfg.MaxQuerySteps)
	}
	return nil
}

// encoderFeeds binds the article and query inputs of either the loss
// graph or the decode-time encoder graph.
func (m *Model) encoderFeeds(ph *placeholders, bt *data.Batch) []feed {
	cfg := m.cfg
	vsize := m.v.Size()
	feeds := []feed{
		{ph.encOneHot, oneHotSteps(bt.EncIDs, cfg.MaxEncSteps, bt.Size, vsize)},
		{ph.encMaskT, stepMajorMask(bt.EncPadMask, cfg.MaxEncSteps, bt.Size)},
	}
	if cfg.WordGCN {
		for l := 0; l < cfg.LabelCount(); l++ {
			feeds = append(feeds,
				feed{ph.wordAdjIn[l], bt.WordAdjInDense(l)},
				feed{ph.wordAdjOut[l], bt.WordAdjOutDense(l)})
		}
		feeds = append(feeds, feed{ph.wordCounts, bt.WordNeighbourDense()})
	}
	if cfg.QueryEncoder {
		feeds = append(feeds,
			feed{ph.queryOneHot, oneHotSteps(bt.QueryIDs, cfg.MaxQuerySteps, bt.Size, vsize)},
			feed{ph.queryMaskT, stepMajorMask(bt.QueryPadMask, cfg.MaxQuerySteps, bt.Size)})
		if cfg.QueryGCN {
			for l := 0; l < cfg.LabelCount(); l++ {
				feeds = append(feeds,
					feed{ph.queryAdjIn[l], bt.QueryAdjInDense(l)},
					feed{ph.queryAdjOut[l], bt.QueryAdjOutDense(l)})
			}
			feeds = append(feeds, feed{ph.queryCounts, bt.QueryNeighbourDense()})
		}
	}
	return feeds
}

// lossFeeds binds a full training or evaluation batch.
func (m *Model) lossFeeds(bt *data.Batch) ([]feed, error) {
	if err := m.checkBatch(bt); err != nil {
		return nil, err
	}
	cfg := m.cfg
	steps := cfg.DecoderUnrollSteps()
	extV := cfg.ExtendedVocabSize(m.v.Size())
	ph := m.loss.ph

	feeds := m.encoderFeeds(ph, bt)
	feeds = append(feeds,
		feed{ph.decOneHot, oneHotSteps(bt.DecInput, steps, bt.Size, m.v.Size())},
		feed{ph.targetOneHot, oneHotSteps(bt.Target, steps, bt.Size, extV)},
		feed{ph.decMaskT, stepMajorMask(bt.DecPadMask, steps, bt.Size)})
	if cfg.PointerGen {
		feeds = append(feeds, feed{ph.scatter, scatterTensor(bt.EncIDsExtended, bt.Size, cfg.MaxEncSteps, extV)})
	}
	return feeds, nil
}
