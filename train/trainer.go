// Package train drives the outer loops around the model: the training
// loop with its checkpoint cadence, the evaluation pass with best-model
// tracking, and the beam decode pass that writes summaries out. Library
// packages below this one stay log-free; the drivers here own the
// logger.
package train

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/infosave2007/graphsum/checkpoint"
	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
	"github.com/infosave2007/graphsum/model"
)

// Trainer runs optimizer steps over a source until it drains, the step
// cap is reached or the context is cancelled. A checkpoint is written
// every SaveEvery steps and once more on the way out.
type Trainer struct {
	Model   *model.Model
	CkptDir string

	// SaveEvery is the number of steps between periodic checkpoints.
	// Zero or negative means only the final checkpoint is written.
	SaveEvery int

	// MaxSteps stops training once the global step reaches it. Zero
	// means no cap.
	MaxSteps int64

	Log zerolog.Logger
}

// Resume restores the newest checkpoint in CkptDir, if there is one,
// and returns the restored global step.
func (t *Trainer) Resume() (int64, error) {
	path, err := checkpoint.Latest(t.CkptDir)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Log.Info().Str("dir", t.CkptDir).Msg("no checkpoint, starting fresh")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	st, err := checkpoint.Load(path)
	if err != nil {
		return 0, err
	}
	if err := t.Model.RestoreParams(st.Params); err != nil {
		return 0, err
	}
	t.Model.SetStep(st.Step)
	t.Log.Info().Str("path", path).Int64("step", st.Step).Msg("restored checkpoint")
	return st.Step, nil
}

// Run consumes the source once. On a clean drain it returns nil; on
// cancellation it returns the context error. Both paths leave a final
// checkpoint behind.
func (t *Trainer) Run(ctx context.Context, src data.Source) error {
	cfg := t.Model.Config()
	if cfg.Mode != config.ModeTrain {
		return errors.Errorf("train: trainer needs mode %q, got %q", config.ModeTrain, cfg.Mode)
	}

	batcher := data.NewBatcher(ctx, src, t.Model.Vocab(), cfg)
	defer batcher.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return t.finish(err)
		}
		if t.MaxSteps > 0 && t.Model.Step() >= t.MaxSteps {
			t.Log.Info().Int64("step", t.Model.Step()).Msg("step cap reached")
			return t.finish(nil)
		}

		bt, err := batcher.Next()
		if err == io.EOF {
			return t.finish(nil)
		}
		if err != nil {
			return err
		}

		start := time.Now()
		res, err := t.Model.TrainStep(bt)
		if err != nil {
			return err
		}

		ev := t.Log.Info().
			Int64("step", res.Step).
			Float32("loss", res.Loss).
			Float32("grad_norm", res.GradNorm).
			Dur("dur", time.Since(start))
		if cfg.Coverage {
			ev = ev.Float32("coverage_loss", res.CoverageLoss)
		}
		ev.Msg("train step")

		if t.SaveEvery > 0 && res.Step%int64(t.SaveEvery) == 0 {
			if _, err := t.save(); err != nil {
				return err
			}
		}
	}
}

// finish writes the final checkpoint and hands back the loop's exit
// error.
func (t *Trainer) finish(cause error) error {
	if _, err := t.save(); err != nil {
		if cause != nil {
			return cause
		}
		return err
	}
	return cause
}

func (t *Trainer) save() (string, error) {
	path, err := checkpoint.Save(t.CkptDir, &checkpoint.State{
		Step:    t.Model.Step(),
		Params:  t.Model.ParamValues(),
		SavedAt: time.Now(),
	})
	if err != nil {
		return "", err
	}
	t.Log.Info().Str("path", path).Int64("step", t.Model.Step()).Msg("saved checkpoint")
	return path, nil
}
