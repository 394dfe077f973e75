// Package config holds the run configuration for the summarization model:
// mode, sizes, encoder topology switches, pointer/coverage features and
// optimizer settings. A Config is assembled once (normally from CLI flags),
// validated with Validate, and then treated as read-only by every other
// package.
package config

import (
	"github.com/pkg/errors"
)

// Mode selects what the process does with the model graph.
type Mode string

const (
	// ModeTrain builds the training graph and updates weights.
	ModeTrain Mode = "train"
	// ModeEval builds the training graph but only reports losses.
	ModeEval Mode = "eval"
	// ModeDecode builds the split encoder/one-step-decoder graphs for beam search.
	ModeDecode Mode = "decode"
)

// Optimizer names the weight-update rule used in training.
type Optimizer string

const (
	OptimizerAdagrad Optimizer = "adagrad"
	OptimizerAdam    Optimizer = "adam"
)

// Topology identifies how the graph-convolutional branch is wired against
// the recurrent encoder. Exactly one topology is in effect per run; it is
// derived once from the flag set by Config.Topology.
type Topology int

const (
	// TopologyPlain is the sequence-to-sequence baseline without a GCN branch.
	TopologyPlain Topology = iota
	// TopologyGCNAfter runs the GCN on top of the recurrent encoder outputs.
	TopologyGCNAfter
	// TopologyGCNBefore runs the GCN on word embeddings and feeds its output
	// to the recurrent encoder.
	TopologyGCNBefore
	// TopologyGCNParallel runs the GCN on word embeddings alongside the
	// recurrent encoder and fuses both output sequences.
	TopologyGCNParallel
)

func (t Topology) String() string {
	switch t {
	case TopologyPlain:
		return "plain"
	case TopologyGCNAfter:
		return "gcn-after-lstm"
	case TopologyGCNBefore:
		return "gcn-before-lstm"
	case TopologyGCNParallel:
		return "gcn-lstm-parallel"
	default:
		return "unknown"
	}
}

// Config is the full run configuration. Zero values are not usable; start
// from Default and override.
type Config struct {
	Mode Mode

	// Sizes. Sequences are padded to the Max*Steps bounds so that every
	// batch feeds tensors of identical shape.
	BatchSize      int
	BeamSize       int
	MaxEncSteps    int
	MaxDecSteps    int
	MinDecSteps    int
	MaxQuerySteps  int
	VocabSize      int
	MaxArticleOOVs int

	// Dimensions.
	HiddenDim int
	EmbDim    int

	// Recurrent encoder family.
	UseLSTM            bool
	StackedLSTM        bool
	NoLSTMEncoder      bool
	NoLSTMQueryEncoder bool

	// Word-graph convolutional branch.
	WordGCN          bool
	WordGCNDim       int
	WordGCNLayers    int
	WordGCNGating    bool
	WordGCNSkip      bool
	WordGCNNormalize bool
	WordGCNKeepProb  float64

	// Query branch.
	QueryEncoder      bool
	QueryGCN          bool
	QueryGCNDim       int
	QueryGCNLayers    int
	QueryGCNGating    bool
	QueryGCNSkip      bool
	QueryGCNNormalize bool
	QueryGCNKeepProb  float64

	// Dependency labels. When UseLabelInformation is off all edges are
	// merged into a single unlabeled relation.
	UseLabelInformation bool
	NumDependencyLabels int

	// Topology wiring.
	UseGCNBeforeLSTM        bool
	UseGCNLSTMParallel      bool
	ConcatWithWordEmbedding bool
	ConcatGCNLSTM           bool
	SimpleConcat            bool

	// Pointer / coverage features.
	PointerGen bool
	Coverage   bool
	CovLossWt  float64

	// Optimization.
	Optimizer      Optimizer
	LR             float64
	AdamLR         float64
	AdagradInitAcc float64
	MaxGradNorm    float64
	UseRegularizer bool
	BetaL2         float64

	// Weight initialization.
	RandUnifInitMag  float64
	TruncNormInitStd float64

	// Embedding table.
	EmbTrainable        bool
	UseGloVe            bool
	GloVePath           string
	UsePretrained       bool
	PretrainedModelsDir string
	PretrainedModel     string
}

// Default returns the configuration the model was tuned with. Callers
// typically override Mode, paths and feature switches.
func Default() *Config {
	return &Config{
		Mode:           ModeTrain,
		BatchSize:      16,
		BeamSize:       4,
		MaxEncSteps:    400,
		MaxDecSteps:    100,
		MinDecSteps:    35,
		MaxQuerySteps:  20,
		VocabSize:      50000,
		MaxArticleOOVs: 64,

		HiddenDim: 256,
		EmbDim:    128,

		UseLSTM: true,

		WordGCNDim:       128,
		WordGCNLayers:    1,
		WordGCNNormalize: true,
		WordGCNKeepProb:  1.0,

		QueryGCNDim:       128,
		QueryGCNLayers:    1,
		QueryGCNNormalize: true,
		QueryGCNKeepProb:  1.0,

		NumDependencyLabels: 45,

		PointerGen: true,
		CovLossWt:  1.0,

		Optimizer:      OptimizerAdagrad,
		LR:             0.15,
		AdamLR:         0.001,
		AdagradInitAcc: 0.1,
		MaxGradNorm:    2.0,
		BetaL2:         1e-6,

		RandUnifInitMag:  0.02,
		TruncNormInitStd: 1e-4,

		EmbTrainable: true,
	}
}

// Topology derives the encoder wiring from the flag set. Conflicting flag
// combinations are rejected by Validate, so the derivation is total.
func (c *Config) Topology() Topology {
	switch {
	case !c.WordGCN:
		return TopologyPlain
	case c.UseGCNBeforeLSTM:
		return TopologyGCNBefore
	case c.UseGCNLSTMParallel:
		return TopologyGCNParallel
	default:
		return TopologyGCNAfter
	}
}

// IsTraining reports whether weight updates happen this run.
func (c *Config) IsTraining() bool { return c.Mode == ModeTrain }

// LearningRate returns the rate for the configured optimizer.
func (c *Config) LearningRate() float64 {
	if c.Optimizer == OptimizerAdam {
		return c.AdamLR
	}
	return c.LR
}

// ExtendedVocabSize is the size of the output distribution for a loaded
// vocabulary of the given size: the fixed vocabulary plus the reserved
// in-article OOV slots when the pointer mechanism is on. VocabSize only
// caps how many words are loaded, so the realized size is passed in.
func (c *Config) ExtendedVocabSize(vocabSize int) int {
	if c.PointerGen {
		return vocabSize + c.MaxArticleOOVs
	}
	return vocabSize
}

// LabelCount is the number of adjacency relations the GCN layers see.
func (c *Config) LabelCount() int {
	if c.UseLabelInformation {
		return c.NumDependencyLabels
	}
	return 1
}

// DecoderUnrollSteps is the number of decoder steps built into the graph.
// Beam search drives the decoder one step at a time, so decode mode always
// unrolls a single step regardless of MaxDecSteps.
func (c *Config) DecoderUnrollSteps() int {
	if c.Mode == ModeDecode {
		return 1
	}
	return c.MaxDecSteps
}

// Validate checks the configuration for internal consistency. Every
// incompatible flag combination is rejected here so that graph assembly can
// assume a coherent topology.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeTrain, ModeEval, ModeDecode:
	default:
		return errors.Errorf("config: unknown mode %q", c.Mode)
	}
	switch c.Optimizer {
	case OptimizerAdagrad, OptimizerAdam:
	default:
		return errors.Errorf("config: unknown optimizer %q", c.Optimizer)
	}

	if c.BatchSize <= 0 {
		return errors.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	}
	if c.MaxEncSteps <= 0 {
		return errors.Errorf("config: max encoder steps must be positive, got %d", c.MaxEncSteps)
	}
	if c.MaxDecSteps <= 0 {
		return errors.Errorf("config: max decoder steps must be positive, got %d", c.MaxDecSteps)
	}
	if c.VocabSize <= 0 {
		return errors.Errorf("config: vocab size must be positive, got %d", c.VocabSize)
	}
	if c.HiddenDim <= 0 {
		return errors.Errorf("config: hidden dim must be positive, got %d", c.HiddenDim)
	}
	if c.EmbDim <= 0 {
		return errors.Errorf("config: embedding dim must be positive, got %d", c.EmbDim)
	}

	if c.Mode == ModeDecode {
		if c.BeamSize <= 0 {
			return errors.Errorf("config: beam size must be positive in decode mode, got %d", c.BeamSize)
		}
		if c.BatchSize != c.BeamSize {
			return errors.Errorf("config: decode mode runs one example per beam, batch size %d must equal beam size %d", c.BatchSize, c.BeamSize)
		}
		if c.MinDecSteps < 1 || c.MinDecSteps >= c.MaxDecSteps {
			return errors.Errorf("config: min decode steps %d must lie in [1, %d)", c.MinDecSteps, c.MaxDecSteps)
		}
	}

	if c.PointerGen && c.MaxArticleOOVs < 0 {
		return errors.Errorf("config: max article OOVs must be non-negative, got %d", c.MaxArticleOOVs)
	}
	if c.Coverage && c.CovLossWt < 0 {
		return errors.Errorf("config: coverage loss weight must be non-negative, got %v", c.CovLossWt)
	}

	if err := c.validateGCN(); err != nil {
		return err
	}
	if err := c.validateTopology(); err != nil {
		return err
	}
	if err := c.validateOptimizer(); err != nil {
		return err
	}
	return c.validateEmbeddings()
}

func (c *Config) validateGCN() error {
	if c.WordGCN {
		if c.WordGCNDim <= 0 {
			return errors.Errorf("config: word GCN dim must be positive, got %d", c.WordGCNDim)
		}
		if c.WordGCNLayers < 1 {
			return errors.Errorf("config: word GCN needs at least one layer, got %d", c.WordGCNLayers)
		}
		if c.WordGCNKeepProb <= 0 || c.WordGCNKeepProb > 1 {
			return errors.Errorf("config: word GCN keep probability must lie in (0, 1], got %v", c.WordGCNKeepProb)
		}
	}
	if c.QueryGCN {
		if !c.QueryEncoder {
			return errors.New("config: query GCN requires the query encoder")
		}
		if c.QueryGCNDim <= 0 {
			return errors.Errorf("config: query GCN dim must be positive, got %d", c.QueryGCNDim)
		}
		if c.QueryGCNLayers < 1 {
			return errors.Errorf("config: query GCN needs at least one layer, got %d", c.QueryGCNLayers)
		}
		if c.QueryGCNKeepProb <= 0 || c.QueryGCNKeepProb > 1 {
			return errors.Errorf("config: query GCN keep probability must lie in (0, 1], got %v", c.QueryGCNKeepProb)
		}
	}
	if c.QueryEncoder && c.MaxQuerySteps <= 0 {
		return errors.Errorf("config: max query steps must be positive with the query encoder, got %d", c.MaxQuerySteps)
	}
	if c.UseLabelInformation {
		if !c.WordGCN && !c.QueryGCN {
			return errors.New("config: label information requires a GCN branch")
		}
		if c.NumDependencyLabels < 1 {
			return errors.Errorf("config: need at least one dependency label, got %d", c.NumDependencyLabels)
		}
	}
	return nil
}

func (c *Config) validateTopology() error {
	if c.UseGCNBeforeLSTM && c.UseGCNLSTMParallel {
		return errors.New("config: gcn-before-lstm and gcn-lstm-parallel are mutually exclusive")
	}
	if c.UseGCNBeforeLSTM && !c.WordGCN {
		return errors.New("config: gcn-before-lstm requires the word GCN")
	}
	if c.UseGCNBeforeLSTM && c.NoLSTMEncoder {
		return errors.New("config: gcn-before-lstm requires the recurrent encoder")
	}
	if c.UseGCNLSTMParallel && !c.WordGCN {
		return errors.New("config: gcn-lstm-parallel requires the word GCN")
	}
	if c.ConcatWithWordEmbedding && !c.WordGCN {
		return errors.New("config: concat-with-word-embedding requires the word GCN")
	}
	if c.ConcatGCNLSTM && !c.WordGCN {
		return errors.New("config: concat-gcn-lstm requires the word GCN")
	}
	if c.ConcatGCNLSTM && c.NoLSTMEncoder {
		return errors.New("config: concat-gcn-lstm fuses with recurrent encoder outputs")
	}
	if c.ConcatGCNLSTM && c.QueryGCN && c.NoLSTMQueryEncoder {
		return errors.New("config: concat-gcn-lstm on the query side fuses with recurrent query encoder outputs")
	}
	if c.SimpleConcat && !c.ConcatGCNLSTM {
		return errors.New("config: simple-concat is a variant of concat-gcn-lstm")
	}
	if c.StackedLSTM && c.NoLSTMEncoder {
		return errors.New("config: stacked-lstm requires the recurrent encoder")
	}
	return nil
}

func (c *Config) validateOptimizer() error {
	if c.MaxGradNorm <= 0 {
		return errors.Errorf("config: max gradient norm must be positive, got %v", c.MaxGradNorm)
	}
	switch c.Optimizer {
	case OptimizerAdagrad:
		if c.LR <= 0 {
			return errors.Errorf("config: adagrad learning rate must be positive, got %v", c.LR)
		}
		if c.AdagradInitAcc <= 0 {
			return errors.Errorf("config: adagrad initial accumulator must be positive, got %v", c.AdagradInitAcc)
		}
	case OptimizerAdam:
		if c.AdamLR <= 0 {
			return errors.Errorf("config: adam learning rate must be positive, got %v", c.AdamLR)
		}
	}
	if c.UseRegularizer && c.BetaL2 <= 0 {
		return errors.Errorf("config: L2 beta must be positive with the regularizer, got %v", c.BetaL2)
	}
	if c.RandUnifInitMag <= 0 {
		return errors.Errorf("config: uniform init magnitude must be positive, got %v", c.RandUnifInitMag)
	}
	if c.TruncNormInitStd <= 0 {
		return errors.Errorf("config: normal init std must be positive, got %v", c.TruncNormInitStd)
	}
	return nil
}

func (c *Config) validateEmbeddings() error {
	if c.UseGloVe && c.UsePretrained {
		return errors.New("config: glove and pretrained embedding init are mutually exclusive")
	}
	if c.UseGloVe && c.GloVePath == "" {
		return errors.New("config: glove init requires a vectors path")
	}
	if c.UsePretrained && c.PretrainedModel == "" {
		return errors.New("config: pretrained init requires a model name")
	}
	return nil
}
