package train

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/infosave2007/graphsum/checkpoint"
	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
	"github.com/infosave2007/graphsum/model"
)

// BestCheckpoint is the file an improved evaluation writes under the
// evaluator's directory.
const BestCheckpoint = "bestmodel.ckpt"

// EvalResult aggregates one pass over the evaluation split.
type EvalResult struct {
	Batches      int
	Loss         float64
	CoverageLoss float64
	TotalLoss    float64
}

// Evaluator runs forward passes over a held-out split and keeps the
// best-scoring weights on disk. BestDir may be empty to skip best-model
// tracking.
type Evaluator struct {
	Model   *model.Model
	BestDir string
	Log     zerolog.Logger
}

// Run evaluates the source once and reports mean losses. When the mean
// total loss beats the stored best checkpoint, the current weights
// replace it.
func (e *Evaluator) Run(ctx context.Context, src data.Source) (*EvalResult, error) {
	cfg := e.Model.Config()
	if cfg.Mode != config.ModeEval {
		return nil, errors.Errorf("train: evaluator needs mode %q, got %q", config.ModeEval, cfg.Mode)
	}

	batcher := data.NewBatcher(ctx, src, e.Model.Vocab(), cfg)
	defer batcher.Stop()

	var losses, covLosses, totals []float64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bt, err := batcher.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		res, err := e.Model.EvalStep(bt)
		if err != nil {
			return nil, err
		}
		losses = append(losses, float64(res.Loss))
		covLosses = append(covLosses, float64(res.CoverageLoss))
		totals = append(totals, float64(res.TotalLoss))

		e.Log.Debug().Int("batch", len(losses)).Float32("loss", res.Loss).Msg("eval batch")
	}
	if len(losses) == 0 {
		return nil, errors.New("train: evaluation source yielded no batches")
	}

	res := &EvalResult{
		Batches:      len(losses),
		Loss:         stat.Mean(losses, nil),
		CoverageLoss: stat.Mean(covLosses, nil),
		TotalLoss:    stat.Mean(totals, nil),
	}
	ev := e.Log.Info().Int("batches", res.Batches).Float64("loss", res.Loss)
	if cfg.Coverage {
		ev = ev.Float64("coverage_loss", res.CoverageLoss).Float64("total_loss", res.TotalLoss)
	}
	ev.Msg("eval pass")

	if e.BestDir != "" {
		if err := e.keepBest(res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// keepBest replaces the stored best checkpoint when this pass improved
// on it.
func (e *Evaluator) keepBest(res *EvalResult) error {
	path := filepath.Join(e.BestDir, BestCheckpoint)
	prev, err := checkpoint.Load(path)
	if err == nil && prev.EvalLoss <= res.TotalLoss {
		return nil
	}

	st := &checkpoint.State{
		Step:     e.Model.Step(),
		Params:   e.Model.ParamValues(),
		SavedAt:  time.Now(),
		EvalLoss: res.TotalLoss,
	}
	if err := checkpoint.Write(path, st); err != nil {
		return err
	}
	e.Log.Info().Str("path", path).Float64("loss", res.TotalLoss).Msg("new best model")
	return nil
}
