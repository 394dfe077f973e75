package data_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
	"github.com/infosave2007/graphsum/vocab"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BatchSize = 2
	cfg.MaxEncSteps = 5
	cfg.MaxDecSteps = 4
	cfg.MaxQuerySteps = 3
	cfg.MaxArticleOOVs = 2
	return cfg
}

func testVocab(t *testing.T) *vocab.Vocab {
	t.Helper()
	v, err := vocab.FromWords([]string{"the", "cat", "sat", "mat", "on"})
	require.NoError(t, err)
	return v
}

func TestNewExampleBasic(t *testing.T) {
	cfg := testConfig()
	v := testVocab(t)

	ex, err := data.NewExample(
		strings.Fields("the cat sat"),
		strings.Fields("cat sat"),
		nil, v, cfg)
	require.NoError(t, err)

	require.Equal(t, 3, ex.EncLen)
	require.Equal(t, []int{v.WordToID("the"), v.WordToID("cat"), v.WordToID("sat")}, ex.EncIDs)
	require.Equal(t, []int{v.StartID(), v.WordToID("cat"), v.WordToID("sat")}, ex.DecInput)
	require.Equal(t, []int{v.WordToID("cat"), v.WordToID("sat"), v.StopID()}, ex.Target)
	require.Equal(t, 3, ex.DecLen)
}

func TestNewExampleTruncation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEncSteps = 2
	cfg.MaxDecSteps = 2
	v := testVocab(t)

	ex, err := data.NewExample(
		strings.Fields("the cat sat on the mat"),
		strings.Fields("cat sat mat"),
		nil, v, cfg)
	require.NoError(t, err)

	require.Equal(t, 2, ex.EncLen)
	require.Len(t, ex.DecInput, 2)
	require.Len(t, ex.Target, 2)
	// Truncated targets lose the stop token.
	require.NotContains(t, ex.Target, v.StopID())
	require.Equal(t, v.StartID(), ex.DecInput[0])
}

func TestNewExamplePointerIDs(t *testing.T) {
	cfg := testConfig()
	cfg.PointerGen = true
	v := testVocab(t)

	ex, err := data.NewExample(
		strings.Fields("the zorp blick"),
		strings.Fields("zorp cat"),
		nil, v, cfg)
	require.NoError(t, err)

	require.Equal(t, []string{"zorp", "blick"}, ex.ArticleOOVs)
	require.Equal(t, []int{v.WordToID("the"), v.Size(), v.Size() + 1}, ex.EncIDsExtended)
	// In-vocab decoder input, extended target.
	require.Equal(t, []int{v.StartID(), v.UnknownID(), v.WordToID("cat")}, ex.DecInput)
	require.Equal(t, []int{v.Size(), v.WordToID("cat"), v.StopID()}, ex.Target)
}

func TestNewExampleOOVBudget(t *testing.T) {
	cfg := testConfig()
	cfg.PointerGen = true
	cfg.MaxArticleOOVs = 1
	v := testVocab(t)

	ex, err := data.NewExample(
		strings.Fields("zorp blick quux"),
		strings.Fields("blick"),
		nil, v, cfg)
	require.NoError(t, err)

	require.Equal(t, []string{"zorp"}, ex.ArticleOOVs)
	require.Equal(t, []int{v.Size(), v.UnknownID(), v.UnknownID()}, ex.EncIDsExtended)
	require.Equal(t, []int{v.UnknownID(), v.StopID()}, ex.Target)
}

func TestNewExampleRejectsEmpty(t *testing.T) {
	cfg := testConfig()
	v := testVocab(t)

	_, err := data.NewExample(nil, strings.Fields("cat"), nil, v, cfg)
	require.Error(t, err)

	cfg.QueryEncoder = true
	_, err = data.NewExample(strings.Fields("the cat"), strings.Fields("cat"), nil, v, cfg)
	require.Error(t, err)
}

func TestChainEdgesAndNeighbours(t *testing.T) {
	cfg := testConfig()
	v := testVocab(t)

	ex, err := data.NewExample(
		strings.Fields("the cat sat"),
		strings.Fields("cat"),
		nil, v, cfg)
	require.NoError(t, err)

	edges := data.ChainEdges(ex.EncLen, 2)
	require.Len(t, edges, 2)
	require.Equal(t, 2, edges[0].Len())
	require.Equal(t, 0, edges[1].Len())

	require.NoError(t, ex.AttachWordGraph(edges))
	// Middle token has one incoming and one outgoing edge plus itself.
	require.Equal(t, []float32{2, 3, 2}, ex.WordNeighbours)
}

func TestAttachWordGraphRejectsOutOfRange(t *testing.T) {
	cfg := testConfig()
	v := testVocab(t)

	ex, err := data.NewExample(strings.Fields("the cat"), strings.Fields("cat"), nil, v, cfg)
	require.NoError(t, err)

	bad := data.AdjacencyCOO{N: 2}
	bad.AddEdge(0, 5)
	require.Error(t, ex.AttachWordGraph([]data.AdjacencyCOO{bad}))
}

func TestNewBatchPadsAndMasks(t *testing.T) {
	cfg := testConfig()
	v := testVocab(t)

	ex1, err := data.NewExample(strings.Fields("the cat sat"), strings.Fields("cat sat"), nil, v, cfg)
	require.NoError(t, err)
	ex2, err := data.NewExample(strings.Fields("mat"), strings.Fields("mat"), nil, v, cfg)
	require.NoError(t, err)

	b, err := data.NewBatch([]*data.Example{ex1, ex2}, v, cfg)
	require.NoError(t, err)

	require.Equal(t, 2, b.Size)
	require.Equal(t, cfg.MaxEncSteps, b.EncSteps)
	require.Equal(t, []int{3, 1}, b.EncLens)
	require.Len(t, b.EncIDs[0], cfg.MaxEncSteps)
	require.Equal(t, v.PadID(), b.EncIDs[1][1])
	require.Equal(t, []float32{1, 1, 1, 0, 0}, b.EncPadMask[0])
	require.Equal(t, []float32{1, 0, 0, 0, 0}, b.EncPadMask[1])
	require.Equal(t, []float32{1, 1, 1, 0}, b.DecPadMask[0])
}

func TestNewBatchRequiresFullGroup(t *testing.T) {
	cfg := testConfig()
	v := testVocab(t)

	ex, err := data.NewExample(strings.Fields("the"), strings.Fields("the"), nil, v, cfg)
	require.NoError(t, err)
	_, err = data.NewBatch([]*data.Example{ex}, v, cfg)
	require.Error(t, err)
}

func TestNewBatchMergesLabels(t *testing.T) {
	cfg := testConfig()
	cfg.WordGCN = true
	// Label info off: everything folds into one relation.
	v := testVocab(t)

	mkExample := func(text string) *data.Example {
		ex, err := data.NewExample(strings.Fields(text), strings.Fields("cat"), nil, v, cfg)
		require.NoError(t, err)
		require.NoError(t, ex.AttachWordGraph(data.ChainEdges(ex.EncLen, 3)))
		return ex
	}

	b, err := data.NewBatch([]*data.Example{mkExample("the cat sat"), mkExample("on the mat")}, v, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, b.Labels)
	require.Len(t, b.WordAdjIn[0], 1)

	dense := b.WordAdjInDense(0)
	require.Equal(t, tensor.Shape{2, cfg.MaxEncSteps, cfg.MaxEncSteps}, dense.Shape())
	// Edge 0->1 shows up as node 1 aggregating from node 0.
	x, err := dense.At(0, 1, 0)
	require.NoError(t, err)
	require.Equal(t, float32(1), x.(float32))
	// Padded region stays empty.
	x, err = dense.At(0, 4, 3)
	require.NoError(t, err)
	require.Equal(t, float32(0), x.(float32))
}

func TestNeighbourDensePadsWithOnes(t *testing.T) {
	cfg := testConfig()
	cfg.WordGCN = true
	v := testVocab(t)

	ex, err := data.NewExample(strings.Fields("the cat"), strings.Fields("cat"), nil, v, cfg)
	require.NoError(t, err)
	require.NoError(t, ex.AttachWordGraph(data.ChainEdges(ex.EncLen, 1)))
	b, err := data.NewBatch([]*data.Example{ex, ex}, v, cfg)
	require.NoError(t, err)

	counts := b.WordNeighbourDense()
	require.Equal(t, tensor.Shape{2, cfg.MaxEncSteps, 1}, counts.Shape())
	x, err := counts.At(0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, float32(2), x.(float32))
	x, err = counts.At(0, 4, 0)
	require.NoError(t, err)
	require.Equal(t, float32(1), x.(float32))
}

func TestRepeatedBatch(t *testing.T) {
	cfg := testConfig()
	cfg.PointerGen = true
	v := testVocab(t)

	ex, err := data.NewExample(strings.Fields("the zorp"), strings.Fields("zorp"), nil, v, cfg)
	require.NoError(t, err)
	b, err := data.RepeatedBatch(ex, v, cfg)
	require.NoError(t, err)

	require.Equal(t, cfg.BatchSize, b.Size)
	require.Equal(t, b.EncIDs[0], b.EncIDs[1])
	require.Equal(t, 1, b.MaxArtOOVs)
}

type sliceSource struct {
	examples []*data.Example
	i        int
}

func (s *sliceSource) Next() (*data.Example, error) {
	if s.i >= len(s.examples) {
		return nil, io.EOF
	}
	ex := s.examples[s.i]
	s.i++
	return ex, nil
}

func TestBatcherStreamsFullBatches(t *testing.T) {
	cfg := testConfig()
	v := testVocab(t)

	var examples []*data.Example
	for i := 0; i < 5; i++ {
		ex, err := data.NewExample(strings.Fields("the cat"), strings.Fields("cat"), nil, v, cfg)
		require.NoError(t, err)
		examples = append(examples, ex)
	}

	b := data.NewBatcher(context.Background(), &sliceSource{examples: examples}, v, cfg)
	var got int
	for {
		batch, err := b.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, cfg.BatchSize, batch.Size)
		got++
	}
	// Five examples at batch size two: the trailing single is dropped.
	require.Equal(t, 2, got)
}

func TestBatcherStop(t *testing.T) {
	cfg := testConfig()
	v := testVocab(t)

	var examples []*data.Example
	for i := 0; i < 50; i++ {
		ex, err := data.NewExample(strings.Fields("the cat"), strings.Fields("cat"), nil, v, cfg)
		require.NoError(t, err)
		examples = append(examples, ex)
	}
	b := data.NewBatcher(context.Background(), &sliceSource{examples: examples}, v, cfg)
	_, err := b.Next()
	require.NoError(t, err)
	b.Stop()
}

func TestTSVSource(t *testing.T) {
	cfg := testConfig()
	cfg.WordGCN = true
	v := testVocab(t)

	path := filepath.Join(t.TempDir(), "train.tsv")
	content := "the cat sat\tcat sat\n" +
		"\n" +
		"malformed line without tab\n" +
		"on the mat\tmat\textra query words\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	src, err := data.OpenTSV(path, v, cfg)
	require.NoError(t, err)
	defer src.Close()

	ex, err := src.Next()
	require.NoError(t, err)
	require.Equal(t, 3, ex.EncLen)
	require.NotNil(t, ex.WordAdjIn)

	ex, err = src.Next()
	require.NoError(t, err)
	require.Equal(t, []string{"on", "the", "mat"}, ex.ArticleWords)
	require.Equal(t, 3, ex.QueryLen)

	_, err = src.Next()
	require.Equal(t, io.EOF, err)
}
