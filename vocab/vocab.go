// Package vocab maps between words and ids for the summarization model.
//
// The vocabulary is fixed at load time and always starts with the four
// special tokens. On top of the fixed table it implements the temporary
// per-article id space used by the pointer mechanism: words missing from
// the vocabulary are assigned ids past the vocabulary size, one per
// distinct out-of-vocabulary word in the article.
package vocab

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Special tokens. They occupy the first four ids in declaration order.
const (
	UnknownToken = "[UNK]"
	PadToken     = "[PAD]"
	StartToken   = "[START]"
	StopToken    = "[STOP]"
)

var specials = []string{UnknownToken, PadToken, StartToken, StopToken}

// Vocab is an immutable word table.
type Vocab struct {
	wordToID map[string]int
	idToWord []string
}

// New reads a vocabulary from a file of "word count" lines, most frequent
// first, and keeps at most maxSize entries (0 means no limit). The special
// tokens are prepended automatically and must not appear in the file.
func New(path string, maxSize int) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "vocab: opening vocab file")
	}
	defer f.Close()

	v := newWithSpecials()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		pieces := strings.Fields(sc.Text())
		if len(pieces) != 2 {
			continue
		}
		w := pieces[0]
		for _, s := range specials {
			if w == s {
				return nil, errors.Errorf("vocab: special token %s must not appear in the vocab file", w)
			}
		}
		if _, ok := v.wordToID[w]; ok {
			return nil, errors.Errorf("vocab: duplicate word %q in vocab file", w)
		}
		v.add(w)
		if maxSize > 0 && v.Size() >= maxSize {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "vocab: reading vocab file")
	}
	return v, nil
}

// FromWords builds a vocabulary from an in-order word list. The special
// tokens are prepended; duplicates and specials in the list are rejected.
func FromWords(words []string) (*Vocab, error) {
	v := newWithSpecials()
	for _, w := range words {
		if _, ok := v.wordToID[w]; ok {
			return nil, errors.Errorf("vocab: duplicate word %q", w)
		}
		v.add(w)
	}
	return v, nil
}

func newWithSpecials() *Vocab {
	v := &Vocab{wordToID: make(map[string]int)}
	for _, s := range specials {
		v.add(s)
	}
	return v
}

func (v *Vocab) add(w string) {
	v.wordToID[w] = len(v.idToWord)
	v.idToWord = append(v.idToWord, w)
}

// Size is the number of entries including the special tokens.
func (v *Vocab) Size() int { return len(v.idToWord) }

// WordToID returns the id of w, or the unknown id if w is not in the table.
func (v *Vocab) WordToID(w string) int {
	if id, ok := v.wordToID[w]; ok {
		return id
	}
	return v.wordToID[UnknownToken]
}

// IDToWord returns the word for an in-vocabulary id.
func (v *Vocab) IDToWord(id int) (string, error) {
	if id < 0 || id >= len(v.idToWord) {
		return "", errors.Errorf("vocab: id %d outside vocabulary of size %d", id, len(v.idToWord))
	}
	return v.idToWord[id], nil
}

// UnknownID, PadID, StartID and StopID return the ids of the special tokens.
func (v *Vocab) UnknownID() int { return v.wordToID[UnknownToken] }
func (v *Vocab) PadID() int     { return v.wordToID[PadToken] }
func (v *Vocab) StartID() int   { return v.wordToID[StartToken] }
func (v *Vocab) StopID() int    { return v.wordToID[StopToken] }

// ArticleIDs maps article words to ids for the pointer mechanism. Words
// outside the vocabulary are assigned temporary ids Size()+k, where k is
// the index of the word in the returned per-article OOV list. The same OOV
// word always receives the same temporary id within one article.
func (v *Vocab) ArticleIDs(words []string) (ids []int, oovs []string) {
	unk := v.UnknownID()
	ids = make([]int, 0, len(words))
	oovIndex := make(map[string]int)
	for _, w := range words {
		id := v.WordToID(w)
		if id != unk {
			ids = append(ids, id)
			continue
		}
		k, ok := oovIndex[w]
		if !ok {
			k = len(oovs)
			oovIndex[w] = k
			oovs = append(oovs, w)
		}
		ids = append(ids, v.Size()+k)
	}
	return ids, oovs
}

// AbstractIDs maps summary words to target ids. Out-of-vocabulary words
// that appear in the article's OOV list reuse the article's temporary id;
// all other OOV words map to the unknown id.
func (v *Vocab) AbstractIDs(words []string, articleOOVs []string) []int {
	unk := v.UnknownID()
	oovIndex := make(map[string]int, len(articleOOVs))
	for k, w := range articleOOVs {
		oovIndex[w] = k
	}
	ids := make([]int, 0, len(words))
	for _, w := range words {
		id := v.WordToID(w)
		if id == unk {
			if k, ok := oovIndex[w]; ok {
				id = v.Size() + k
			}
		}
		ids = append(ids, id)
	}
	return ids
}

// OutputIDsToWords maps decoded ids back to words, resolving temporary ids
// through the article's OOV list.
func (v *Vocab) OutputIDsToWords(ids []int, articleOOVs []string) ([]string, error) {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id < v.Size() {
			w, err := v.IDToWord(id)
			if err != nil {
				return nil, err
			}
			words = append(words, w)
			continue
		}
		k := id - v.Size()
		if k >= len(articleOOVs) {
			return nil, errors.Errorf("vocab: id %d points past the article OOV list (%d entries)", id, len(articleOOVs))
		}
		words = append(words, articleOOVs[k])
	}
	return words, nil
}

// WriteMetadata writes one word per line in id order, the format embedding
// visualizers expect.
func (v *Vocab) WriteMetadata(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "vocab: creating metadata file")
	}
	w := bufio.NewWriter(f)
	for _, word := range v.idToWord {
		if _, err := w.WriteString(word + "\n"); err != nil {
			f.Close()
			return errors.Wrap(err, "vocab: writing metadata")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "vocab: flushing metadata")
	}
	return errors.Wrap(f.Close(), "vocab: closing metadata file")
}

func parseFloat32(s string) (float32, error) {
	x, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(x), nil
}
