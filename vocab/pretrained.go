package vocab

import (
	"context"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// WordEncoder produces a dense vector for a single word. It is the seam
// between the embedding-table builder and the model serving the vectors.
type WordEncoder interface {
	EncodeWord(ctx context.Context, word string) ([]float64, error)
}

// PretrainedEncoder wraps a cybertron text-encoding model as a WordEncoder.
// The model is downloaded into modelsDir on first use.
type PretrainedEncoder struct {
	model textencoding.Interface
	name  string
}

// NewPretrainedEncoder loads (downloading if necessary) the named
// text-encoding model.
func NewPretrainedEncoder(modelsDir, modelName string) (*PretrainedEncoder, error) {
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: modelsDir,
		ModelName: modelName,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "vocab: loading text encoder %q", modelName)
	}
	return &PretrainedEncoder{model: m, name: modelName}, nil
}

// Name returns the underlying model name.
func (p *PretrainedEncoder) Name() string { return p.name }

// EncodeWord runs the encoder on a single word and returns its pooled vector.
func (p *PretrainedEncoder) EncodeWord(ctx context.Context, word string) ([]float64, error) {
	result, err := p.model.Encode(ctx, word, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "vocab: encoding %q", word)
	}
	return result.Vector.Data().F64(), nil
}

// EmbeddingMatrix builds a (Size, dim) float32 embedding table by encoding
// every vocabulary entry, special tokens included. The encoder's native
// dimension must match dim; mismatches are reported rather than truncated
// so a wrong embedding-dim setting fails loudly.
func EmbeddingMatrix(ctx context.Context, enc WordEncoder, v *Vocab, dim int) (*tensor.Dense, error) {
	if dim <= 0 {
		return nil, errors.Errorf("vocab: embedding dim must be positive, got %d", dim)
	}
	backing := make([]float32, v.Size()*dim)
	for id, word := range v.idToWord {
		vec, err := enc.EncodeWord(ctx, word)
		if err != nil {
			return nil, err
		}
		if len(vec) != dim {
			return nil, errors.Errorf("vocab: encoder emits %d dims for %q, configured embedding dim is %d", len(vec), word, dim)
		}
		row := backing[id*dim : (id+1)*dim]
		for j, x := range vec {
			row[j] = float32(x)
		}
	}
	return tensor.New(tensor.WithShape(v.Size(), dim), tensor.WithBacking(backing)), nil
}
