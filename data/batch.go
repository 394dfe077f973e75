package data

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/vocab"
)

// Batch is a fixed-shape group of examples. All sequences are padded to the
// configured maxima, masks mark the real positions with one, and the label
// dimension of the dependency graphs is already collapsed when label
// information is off.
type Batch struct {
	Size      int
	EncSteps  int
	DecSteps  int
	QrySteps  int
	Labels    int
	PointerOn bool

	EncIDs     [][]int
	EncLens    []int
	EncPadMask [][]float32

	EncIDsExtended [][]int
	MaxArtOOVs     int
	ArticleOOVs    [][]string

	QueryIDs     [][]int
	QueryLens    []int
	QueryPadMask [][]float32

	DecInput   [][]int
	Target     [][]int
	DecPadMask [][]float32

	WordAdjIn, WordAdjOut [][]AdjacencyCOO
	WordNeighbours        [][]float32

	QueryAdjIn, QueryAdjOut [][]AdjacencyCOO
	QueryNeighbours         [][]float32

	Examples []*Example
}

// NewBatch pads a full group of examples into one batch. The group size
// must match the configured batch size exactly.
func NewBatch(examples []*Example, v *vocab.Vocab, cfg *config.Config) (*Batch, error) {
	if len(examples) != cfg.BatchSize {
		return nil, errors.Errorf("data: got %d examples, batch size is %d", len(examples), cfg.BatchSize)
	}

	b := &Batch{
		Size:      cfg.BatchSize,
		EncSteps:  cfg.MaxEncSteps,
		DecSteps:  cfg.MaxDecSteps,
		QrySteps:  cfg.MaxQuerySteps,
		Labels:    cfg.LabelCount(),
		PointerOn: cfg.PointerGen,
		Examples:  examples,
	}
	pad := v.PadID()

	for _, ex := range examples {
		b.EncIDs = append(b.EncIDs, padIDs(ex.EncIDs, b.EncSteps, pad))
		b.EncLens = append(b.EncLens, ex.EncLen)
		b.EncPadMask = append(b.EncPadMask, lengthMask(ex.EncLen, b.EncSteps))

		b.DecInput = append(b.DecInput, padIDs(ex.DecInput, b.DecSteps, pad))
		b.Target = append(b.Target, padIDs(ex.Target, b.DecSteps, pad))
		b.DecPadMask = append(b.DecPadMask, lengthMask(ex.DecLen, b.DecSteps))

		if cfg.PointerGen {
			b.EncIDsExtended = append(b.EncIDsExtended, padIDs(ex.EncIDsExtended, b.EncSteps, pad))
			b.ArticleOOVs = append(b.ArticleOOVs, ex.ArticleOOVs)
			if len(ex.ArticleOOVs) > b.MaxArtOOVs {
				b.MaxArtOOVs = len(ex.ArticleOOVs)
			}
		}

		if cfg.QueryEncoder {
			b.QueryIDs = append(b.QueryIDs, padIDs(ex.QueryIDs, b.QrySteps, pad))
			b.QueryLens = append(b.QueryLens, ex.QueryLen)
			b.QueryPadMask = append(b.QueryPadMask, lengthMask(ex.QueryLen, b.QrySteps))
		}

		if cfg.WordGCN {
			if ex.WordAdjIn == nil {
				return nil, errors.New("data: word GCN is on but the example carries no word graph")
			}
			in, out := ex.WordAdjIn, ex.WordAdjOut
			if b.Labels == 1 {
				in, out = mergeLabels(in), mergeLabels(out)
			} else if len(in) != b.Labels {
				return nil, errors.Errorf("data: example has %d word graph labels, config says %d", len(in), b.Labels)
			}
			b.WordAdjIn = append(b.WordAdjIn, in)
			b.WordAdjOut = append(b.WordAdjOut, out)
			b.WordNeighbours = append(b.WordNeighbours, ex.WordNeighbours)
		}

		if cfg.QueryGCN {
			if ex.QueryAdjIn == nil {
				return nil, errors.New("data: query GCN is on but the example carries no query graph")
			}
			in, out := ex.QueryAdjIn, ex.QueryAdjOut
			if b.Labels == 1 {
				in, out = mergeLabels(in), mergeLabels(out)
			} else if len(in) != b.Labels {
				return nil, errors.Errorf("data: example has %d query graph labels, config says %d", len(in), b.Labels)
			}
			b.QueryAdjIn = append(b.QueryAdjIn, in)
			b.QueryAdjOut = append(b.QueryAdjOut, out)
			b.QueryNeighbours = append(b.QueryNeighbours, ex.QueryNeighbours)
		}
	}
	return b, nil
}

// RepeatedBatch tiles a single example across the whole batch, the layout
// beam search decodes from: every row starts as the same article and the
// hypotheses diverge through the decoder feeds.
func RepeatedBatch(ex *Example, v *vocab.Vocab, cfg *config.Config) (*Batch, error) {
	examples := make([]*Example, cfg.BatchSize)
	for i := range examples {
		examples[i] = ex
	}
	return NewBatch(examples, v, cfg)
}

func padIDs(ids []int, width, pad int) []int {
	out := make([]int, width)
	copy(out, ids)
	for i := len(ids); i < width; i++ {
		out[i] = pad
	}
	return out
}

func lengthMask(n, width int) []float32 {
	m := make([]float32, width)
	for i := 0; i < n && i < width; i++ {
		m[i] = 1
	}
	return m
}

// WordAdjInDense and its siblings materialize the batch graphs as the dense
// tensors the compute graph multiplies with.

func (b *Batch) WordAdjInDense(label int) *tensor.Dense {
	return denseAdjacency(b.WordAdjIn, label, b.EncSteps)
}

func (b *Batch) WordAdjOutDense(label int) *tensor.Dense {
	return denseAdjacency(b.WordAdjOut, label, b.EncSteps)
}

func (b *Batch) WordNeighbourDense() *tensor.Dense {
	return denseCounts(b.WordNeighbours, b.EncSteps)
}

func (b *Batch) QueryAdjInDense(label int) *tensor.Dense {
	return denseAdjacency(b.QueryAdjIn, label, b.QrySteps)
}

func (b *Batch) QueryAdjOutDense(label int) *tensor.Dense {
	return denseAdjacency(b.QueryAdjOut, label, b.QrySteps)
}

func (b *Batch) QueryNeighbourDense() *tensor.Dense {
	return denseCounts(b.QueryNeighbours, b.QrySteps)
}
