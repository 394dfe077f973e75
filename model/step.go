package model

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/vecf32"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
)

// StepResult reports the losses of one pass, and for training steps the
// pre-clip gradient norm.
type StepResult struct {
	Step         int64
	Loss         float32
	CoverageLoss float32
	TotalLoss    float32
	GradNorm     float32
}

// TrainStep runs one batch forward and backward, clips gradients by their
// global norm and applies the optimizer.
func (m *Model) TrainStep(bt *data.Batch) (*StepResult, error) {
	if m.cfg.Mode != config.ModeTrain {
		return nil, errors.Errorf("model: train step in mode %q", m.cfg.Mode)
	}
	feeds, err := m.lossFeeds(bt)
	if err != nil {
		return nil, err
	}
	if err := applyFeeds(feeds); err != nil {
		return nil, err
	}
	defer m.loss.machine.Reset()
	if err := m.loss.machine.RunAll(); err != nil {
		return nil, errors.Wrap(err, "model: forward-backward pass")
	}
	norm, err := clipByGlobalNorm(m.loss.learnables, float32(m.cfg.MaxGradNorm))
	if err != nil {
		return nil, err
	}
	if err := m.loss.solver.Step(gorgonia.NodesToValueGrads(m.loss.learnables)); err != nil {
		return nil, errors.Wrap(err, "model: optimizer step")
	}
	m.globalStep++
	return m.stepResult(norm), nil
}

// EvalStep runs one batch forward and reports the losses without touching
// the weights.
func (m *Model) EvalStep(bt *data.Batch) (*StepResult, error) {
	if m.cfg.Mode == config.ModeDecode {
		return nil, errors.New("model: eval step not available in decode mode")
	}
	feeds, err := m.lossFeeds(bt)
	if err != nil {
		return nil, err
	}
	if err := applyFeeds(feeds); err != nil {
		return nil, err
	}
	defer m.loss.machine.Reset()
	if err := m.loss.machine.RunAll(); err != nil {
		return nil, errors.Wrap(err, "model: forward pass")
	}
	return m.stepResult(0), nil
}

func (m *Model) stepResult(norm float32) *StepResult {
	res := &StepResult{
		Step:      m.globalStep,
		Loss:      scalarValue(m.loss.lossVal),
		TotalLoss: scalarValue(m.loss.totalVal),
		GradNorm:  norm,
	}
	if m.cfg.Coverage {
		res.CoverageLoss = scalarValue(m.loss.covVal)
	}
	return res
}

func scalarValue(v gorgonia.Value) float32 {
	if v == nil {
		return 0
	}
	f, _ := v.Data().(float32)
	return f
}

// clipByGlobalNorm rescales all gradients in place when their joint norm
// exceeds the limit, and returns the pre-clip norm.
func clipByGlobalNorm(learnables gorgonia.Nodes, maxNorm float32) (float32, error) {
	var total float64
	grads := make([][]float32, 0, len(learnables))
	for _, n := range learnables {
		gv, err := n.Grad()
		if err != nil {
			return 0, errors.Wrapf(err, "model: gradient of %s", n.Name())
		}
		d, ok := gv.Data().([]float32)
		if !ok {
			return 0, errors.Errorf("model: gradient of %s holds %T, want []float32", n.Name(), gv.Data())
		}
		grads = append(grads, d)
		for _, x := range d {
			total += float64(x) * float64(x)
		}
	}
	norm := float32(math.Sqrt(total))
	if norm > maxNorm {
		scale := maxNorm / norm
		for _, d := range grads {
			vecf32.Scale(d, scale)
		}
	}
	return norm, nil
}
