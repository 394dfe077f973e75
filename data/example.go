// Package data turns tokenized article/summary pairs into the padded,
// masked, graph-annotated batches the model consumes. Sequences are
// truncated and padded to the configured maxima so that every batch has
// identical tensor shapes.
package data

import (
	"github.com/pkg/errors"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/vocab"
)

// Example is one preprocessed article/summary pair (plus optional query and
// dependency graphs), still in ragged form.
type Example struct {
	// Encoder side.
	EncIDs         []int
	EncLen         int
	EncIDsExtended []int
	ArticleOOVs    []string

	// Query side, empty unless the query encoder is on.
	QueryIDs []int
	QueryLen int

	// Decoder side. DecInput starts with [START]; Target ends with [STOP]
	// unless truncation consumed it. In pointer mode Target carries the
	// extended ids.
	DecInput []int
	Target   []int
	DecLen   int

	// Dependency graphs in aggregation view, indexed [label].
	WordAdjIn, WordAdjOut   []AdjacencyCOO
	WordNeighbours          []float32
	QueryAdjIn, QueryAdjOut []AdjacencyCOO
	QueryNeighbours         []float32

	// Original tokens, kept for decode-time output.
	ArticleWords  []string
	AbstractWords []string
}

// NewExample preprocesses one tokenized pair. Truncation happens before id
// assignment, so the pointer id space only covers words the encoder
// actually sees. The per-article OOV list is capped at the configured
// budget; words past the cap fall back to the unknown id.
func NewExample(article, abstract, query []string, v *vocab.Vocab, cfg *config.Config) (*Example, error) {
	if len(article) == 0 {
		return nil, errors.New("data: example has an empty article")
	}
	if cfg.QueryEncoder && len(query) == 0 {
		return nil, errors.New("data: query encoder is on but the example has no query")
	}

	if len(article) > cfg.MaxEncSteps {
		article = article[:cfg.MaxEncSteps]
	}
	if len(query) > cfg.MaxQuerySteps {
		query = query[:cfg.MaxQuerySteps]
	}

	ex := &Example{
		EncLen:        len(article),
		QueryLen:      len(query),
		ArticleWords:  article,
		AbstractWords: abstract,
	}
	for _, w := range article {
		ex.EncIDs = append(ex.EncIDs, v.WordToID(w))
	}
	for _, w := range query {
		ex.QueryIDs = append(ex.QueryIDs, v.WordToID(w))
	}

	absIDs := make([]int, 0, len(abstract))
	for _, w := range abstract {
		absIDs = append(absIDs, v.WordToID(w))
	}

	targetIDs := absIDs
	if cfg.PointerGen {
		extIDs, oovs := v.ArticleIDs(article)
		if len(oovs) > cfg.MaxArticleOOVs {
			oovs = oovs[:cfg.MaxArticleOOVs]
			limit := v.Size() + cfg.MaxArticleOOVs
			for i, id := range extIDs {
				if id >= limit {
					extIDs[i] = v.UnknownID()
				}
			}
		}
		ex.EncIDsExtended = extIDs
		ex.ArticleOOVs = oovs
		targetIDs = v.AbstractIDs(abstract, oovs)
	}

	ex.DecInput, ex.Target = decoderSequences(absIDs, targetIDs, cfg.MaxDecSteps, v.StartID(), v.StopID())
	ex.DecLen = len(ex.DecInput)

	return ex, nil
}

// decoderSequences builds the teacher-forced input and the target. The
// input is [START] prepended to the in-vocabulary summary ids; the target
// is the (possibly extended) summary ids with [STOP] appended, unless the
// pair is truncated to maxLen first, in which case the stop token is
// dropped. Both sequences always have equal length.
func decoderSequences(absIDs, targetIDs []int, maxLen, startID, stopID int) (inp, target []int) {
	inp = append([]int{startID}, absIDs...)
	target = append([]int(nil), targetIDs...)
	if len(inp) > maxLen {
		inp = inp[:maxLen]
		target = target[:maxLen]
	} else {
		target = append(target, stopID)
	}
	return inp, target
}

// AttachWordGraph installs the article's labeled dependency edges. The
// edge list is in writer direction (u -> v); the incoming/outgoing
// aggregation views and the degree counts are derived here.
func (ex *Example) AttachWordGraph(edges []AdjacencyCOO) error {
	for _, e := range edges {
		if err := e.validate(ex.EncLen); err != nil {
			return err
		}
	}
	ex.WordAdjIn, ex.WordAdjOut = splitByDirection(edges)
	ex.WordNeighbours = neighbourCounts(ex.WordAdjIn, ex.WordAdjOut, ex.EncLen)
	return nil
}

// AttachQueryGraph installs the query's labeled dependency edges.
func (ex *Example) AttachQueryGraph(edges []AdjacencyCOO) error {
	for _, e := range edges {
		if err := e.validate(ex.QueryLen); err != nil {
			return err
		}
	}
	ex.QueryAdjIn, ex.QueryAdjOut = splitByDirection(edges)
	ex.QueryNeighbours = neighbourCounts(ex.QueryAdjIn, ex.QueryAdjOut, ex.QueryLen)
	return nil
}
