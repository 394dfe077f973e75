package vocab

import (
	"bufio"
	"math/rand"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// gloveSeed fixes the fallback rows so repeated loads produce the same table.
const gloveSeed = 111

// LoadGloVe builds a (Size, dim) float32 embedding table from a GloVe text
// file of "word v1 ... vdim" lines. Rows for words present in the file take
// the pretrained vector; all other rows, the special tokens included, are
// initialized uniformly in [-initMag, initMag]. Returns the table and the
// number of pretrained rows.
func LoadGloVe(path string, v *Vocab, dim int, initMag float64) (*tensor.Dense, int, error) {
	if dim <= 0 {
		return nil, 0, errors.Errorf("vocab: glove dim must be positive, got %d", dim)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "vocab: opening glove file")
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(gloveSeed))
	backing := make([]float32, v.Size()*dim)
	for i := range backing {
		backing[i] = float32((rng.Float64()*2 - 1) * initMag)
	}

	loaded := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		word := fields[0]
		id, ok := v.wordToID[word]
		if !ok {
			continue
		}
		if len(fields)-1 != dim {
			return nil, 0, errors.Errorf("vocab: glove vector for %q has %d dims, want %d", word, len(fields)-1, dim)
		}
		row := backing[id*dim : (id+1)*dim]
		for j, s := range fields[1:] {
			x, err := parseFloat32(s)
			if err != nil {
				return nil, 0, errors.Wrapf(err, "vocab: parsing glove value for %q", word)
			}
			row[j] = x
		}
		loaded++
	}
	if err := sc.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "vocab: reading glove file")
	}

	mat := tensor.New(tensor.WithShape(v.Size(), dim), tensor.WithBacking(backing))
	return mat, loaded, nil
}
