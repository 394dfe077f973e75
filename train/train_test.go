package train_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/infosave2007/graphsum/checkpoint"
	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
	"github.com/infosave2007/graphsum/model"
	"github.com/infosave2007/graphsum/train"
	"github.com/infosave2007/graphsum/vocab"
)

func tinyConfig(mode config.Mode) *config.Config {
	cfg := config.Default()
	cfg.Mode = mode
	cfg.BatchSize = 2
	cfg.BeamSize = 2
	cfg.MaxEncSteps = 4
	cfg.MaxDecSteps = 3
	cfg.MinDecSteps = 1
	cfg.MaxQuerySteps = 2
	cfg.VocabSize = 50
	cfg.MaxArticleOOVs = 2
	cfg.HiddenDim = 8
	cfg.EmbDim = 6
	return cfg
}

func tinyVocab(t *testing.T) *vocab.Vocab {
	t.Helper()
	v, err := vocab.FromWords([]string{"the", "cat", "sat", "on", "mat", "dog", "ran", "fast"})
	require.NoError(t, err)
	return v
}

func tinyModel(t *testing.T, cfg *config.Config, v *vocab.Vocab) *model.Model {
	t.Helper()
	m, err := model.New(cfg, v)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func tinyExamples(t *testing.T, v *vocab.Vocab, cfg *config.Config, n int) []*data.Example {
	t.Helper()
	out := make([]*data.Example, n)
	for i := range out {
		ex, err := data.NewExample(
			[]string{"the", "cat", "sat"},
			[]string{"cat", "sat"},
			nil, v, cfg)
		require.NoError(t, err)
		out[i] = ex
	}
	return out
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

func TestTrainerRunAndResume(t *testing.T) {
	cfg := tinyConfig(config.ModeTrain)
	v := tinyVocab(t)
	m := tinyModel(t, cfg, v)
	dir := t.TempDir()

	tr := &train.Trainer{Model: m, CkptDir: dir, SaveEvery: 1, Log: zerolog.Nop()}
	src := &sliceSource{examples: tinyExamples(t, v, cfg, 4)}
	require.NoError(t, tr.Run(context.Background(), src))
	require.EqualValues(t, 2, m.Step())

	latest, err := checkpoint.Latest(dir)
	require.NoError(t, err)
	require.Equal(t, "model-00000002.ckpt", filepath.Base(latest))

	// A fresh model picks both the step and the weights back up.
	m2 := tinyModel(t, cfg, v)
	tr2 := &train.Trainer{Model: m2, CkptDir: dir, Log: zerolog.Nop()}
	step, err := tr2.Resume()
	require.NoError(t, err)
	require.EqualValues(t, 2, step)
	require.EqualValues(t, 2, m2.Step())
	require.Equal(t, m.ParamValues()["embedding"].Data, m2.ParamValues()["embedding"].Data)
}

func TestTrainerResumeFreshDir(t *testing.T) {
	cfg := tinyConfig(config.ModeTrain)
	v := tinyVocab(t)
	m := tinyModel(t, cfg, v)

	tr := &train.Trainer{Model: m, CkptDir: t.TempDir(), Log: zerolog.Nop()}
	step, err := tr.Resume()
	require.NoError(t, err)
	require.Zero(t, step)
}

func TestTrainerHonorsStepCap(t *testing.T) {
	cfg := tinyConfig(config.ModeTrain)
	v := tinyVocab(t)
	m := tinyModel(t, cfg, v)

	tr := &train.Trainer{Model: m, CkptDir: t.TempDir(), MaxSteps: 1, Log: zerolog.Nop()}
	src := &sliceSource{examples: tinyExamples(t, v, cfg, 8)}
	require.NoError(t, tr.Run(context.Background(), src))
	require.EqualValues(t, 1, m.Step())
}

func TestTrainerStopsOnCancel(t *testing.T) {
	cfg := tinyConfig(config.ModeTrain)
	v := tinyVocab(t)
	m := tinyModel(t, cfg, v)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &train.Trainer{Model: m, CkptDir: dir, Log: zerolog.Nop()}
	err := tr.Run(ctx, &sliceSource{examples: tinyExamples(t, v, cfg, 4)})
	require.ErrorIs(t, err, context.Canceled)

	// A final checkpoint is still left behind.
	_, err = checkpoint.Latest(dir)
	require.NoError(t, err)
}

func TestTrainerRejectsWrongMode(t *testing.T) {
	cfg := tinyConfig(config.ModeEval)
	v := tinyVocab(t)
	m := tinyModel(t, cfg, v)

	tr := &train.Trainer{Model: m, CkptDir: t.TempDir(), Log: zerolog.Nop()}
	err := tr.Run(context.Background(), &sliceSource{})
	require.Error(t, err)
}

func TestEvaluatorMeansAndBestTracking(t *testing.T) {
	cfg := tinyConfig(config.ModeEval)
	v := tinyVocab(t)
	m := tinyModel(t, cfg, v)
	dir := t.TempDir()

	ev := &train.Evaluator{Model: m, BestDir: dir, Log: zerolog.Nop()}
	res, err := ev.Run(context.Background(), &sliceSource{examples: tinyExamples(t, v, cfg, 4)})
	require.NoError(t, err)
	require.Equal(t, 2, res.Batches)
	require.Greater(t, res.Loss, 0.0)
	require.Equal(t, res.Loss, res.TotalLoss)

	best, err := checkpoint.Load(filepath.Join(dir, train.BestCheckpoint))
	require.NoError(t, err)
	require.Equal(t, res.TotalLoss, best.EvalLoss)

	// Weights did not change, so an identical pass is no improvement.
	res2, err := ev.Run(context.Background(), &sliceSource{examples: tinyExamples(t, v, cfg, 4)})
	require.NoError(t, err)
	require.InDelta(t, res.TotalLoss, res2.TotalLoss, 1e-6)
	again, err := checkpoint.Load(filepath.Join(dir, train.BestCheckpoint))
	require.NoError(t, err)
	require.Equal(t, best.SavedAt, again.SavedAt)
}

func TestEvaluatorEmptySource(t *testing.T) {
	cfg := tinyConfig(config.ModeEval)
	v := tinyVocab(t)
	m := tinyModel(t, cfg, v)

	ev := &train.Evaluator{Model: m, Log: zerolog.Nop()}
	_, err := ev.Run(context.Background(), &sliceSource{})
	require.Error(t, err)
}

func TestRunDecodeWritesSummaries(t *testing.T) {
	cfg := tinyConfig(config.ModeDecode)
	v := tinyVocab(t)
	m := tinyModel(t, cfg, v)
	dir := t.TempDir()

	src := &sliceSource{examples: tinyExamples(t, v, cfg, 2)}
	require.NoError(t, train.RunDecode(context.Background(), m, src, dir, zerolog.Nop()))

	decoded, err := os.ReadFile(filepath.Join(dir, train.DecodedFile))
	require.NoError(t, err)
	refs, err := os.ReadFile(filepath.Join(dir, train.ReferenceFile))
	require.NoError(t, err)

	decLines := strings.Split(strings.TrimRight(string(decoded), "\n"), "\n")
	refLines := strings.Split(strings.TrimRight(string(refs), "\n"), "\n")
	require.Len(t, decLines, 2)
	require.Len(t, refLines, 2)
	require.Equal(t, "cat sat", refLines[0])
	for _, line := range decLines {
		require.NotEmpty(t, line)
		require.NotContains(t, line, vocab.StopToken)
	}
}
