// Command graphsum trains, evaluates and beam-decodes the
// graph-augmented pointer-generator summarizer. One binary serves all
// three modes; eval and decode restore the newest training checkpoint
// of the experiment.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/infosave2007/graphsum/checkpoint"
	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
	"github.com/infosave2007/graphsum/model"
	"github.com/infosave2007/graphsum/train"
	"github.com/infosave2007/graphsum/vocab"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("graphsum failed")
	}
}

func run(logger zerolog.Logger) error {
	cfg := config.Default()

	mode := flag.String("mode", string(cfg.Mode), "one of train, eval, decode")
	optimizer := flag.String("optimizer", string(cfg.Optimizer), "adagrad or adam")
	dataPath := flag.String("data_path", "", "dataset TSV: article<TAB>abstract[<TAB>query]")
	vocabPath := flag.String("vocab_path", "", `vocabulary file of "word count" lines`)
	logRoot := flag.String("log_root", "log", "root directory for experiment output")
	expName := flag.String("exp_name", "experiment", "experiment subdirectory under log_root")
	saveEvery := flag.Int("save_every", 1000, "steps between checkpoints in train mode")
	maxSteps := flag.Int64("max_steps", 0, "stop training at this global step, 0 for no cap")
	epochs := flag.Int("epochs", 1, "passes over the training data")
	debug := flag.Bool("debug", false, "log at debug level")

	flag.IntVar(&cfg.BatchSize, "batch_size", cfg.BatchSize, "examples per batch")
	flag.IntVar(&cfg.BeamSize, "beam_size", cfg.BeamSize, "beam width for decode")
	flag.IntVar(&cfg.MaxEncSteps, "max_enc_steps", cfg.MaxEncSteps, "article length cap in tokens")
	flag.IntVar(&cfg.MaxDecSteps, "max_dec_steps", cfg.MaxDecSteps, "summary length cap in tokens")
	flag.IntVar(&cfg.MinDecSteps, "min_dec_steps", cfg.MinDecSteps, "minimum decoded summary length")
	flag.IntVar(&cfg.MaxQuerySteps, "max_query_steps", cfg.MaxQuerySteps, "query length cap in tokens")
	flag.IntVar(&cfg.VocabSize, "vocab_size", cfg.VocabSize, "cap on loaded vocabulary words, 0 keeps the whole file")
	flag.IntVar(&cfg.MaxArticleOOVs, "max_article_oovs", cfg.MaxArticleOOVs, "reserved per-article OOV id slots")
	flag.IntVar(&cfg.HiddenDim, "hidden_dim", cfg.HiddenDim, "recurrent state dimension")
	flag.IntVar(&cfg.EmbDim, "emb_dim", cfg.EmbDim, "word embedding dimension")

	flag.BoolVar(&cfg.UseLSTM, "use_lstm", cfg.UseLSTM, "LSTM cells instead of plain tanh RNN cells")
	flag.BoolVar(&cfg.StackedLSTM, "stacked_lstm", cfg.StackedLSTM, "add a second encoder layer")
	flag.BoolVar(&cfg.NoLSTMEncoder, "no_lstm_encoder", cfg.NoLSTMEncoder, "drop the recurrent article encoder")
	flag.BoolVar(&cfg.NoLSTMQueryEncoder, "no_lstm_query_encoder", cfg.NoLSTMQueryEncoder, "drop the recurrent query encoder")

	flag.BoolVar(&cfg.WordGCN, "word_gcn", cfg.WordGCN, "graph-convolve the article over its dependency graph")
	flag.IntVar(&cfg.WordGCNDim, "word_gcn_dim", cfg.WordGCNDim, "article GCN output dimension")
	flag.IntVar(&cfg.WordGCNLayers, "word_gcn_layers", cfg.WordGCNLayers, "article GCN depth")
	flag.BoolVar(&cfg.WordGCNGating, "word_gcn_gating", cfg.WordGCNGating, "edge gating in the article GCN")
	flag.BoolVar(&cfg.WordGCNSkip, "word_gcn_skip", cfg.WordGCNSkip, "gated skip connections in the article GCN")
	flag.BoolVar(&cfg.WordGCNNormalize, "word_gcn_normalize", cfg.WordGCNNormalize, "divide article GCN aggregates by neighbour counts")
	flag.Float64Var(&cfg.WordGCNKeepProb, "word_gcn_keep_prob", cfg.WordGCNKeepProb, "article GCN dropout keep probability")

	flag.BoolVar(&cfg.QueryEncoder, "query_encoder", cfg.QueryEncoder, "condition the summary on a query sequence")
	flag.BoolVar(&cfg.QueryGCN, "query_gcn", cfg.QueryGCN, "graph-convolve the query over its dependency graph")
	flag.IntVar(&cfg.QueryGCNDim, "query_gcn_dim", cfg.QueryGCNDim, "query GCN output dimension")
	flag.IntVar(&cfg.QueryGCNLayers, "query_gcn_layers", cfg.QueryGCNLayers, "query GCN depth")
	flag.BoolVar(&cfg.QueryGCNGating, "query_gcn_gating", cfg.QueryGCNGating, "edge gating in the query GCN")
	flag.BoolVar(&cfg.QueryGCNSkip, "query_gcn_skip", cfg.QueryGCNSkip, "gated skip connections in the query GCN")
	flag.BoolVar(&cfg.QueryGCNNormalize, "query_gcn_normalize", cfg.QueryGCNNormalize, "divide query GCN aggregates by neighbour counts")
	flag.Float64Var(&cfg.QueryGCNKeepProb, "query_gcn_keep_prob", cfg.QueryGCNKeepProb, "query GCN dropout keep probability")

	flag.BoolVar(&cfg.UseLabelInformation, "use_label_information", cfg.UseLabelInformation, "one GCN weight set per dependency label")
	flag.IntVar(&cfg.NumDependencyLabels, "num_dependency_labels", cfg.NumDependencyLabels, "dependency label inventory size")

	flag.BoolVar(&cfg.UseGCNBeforeLSTM, "gcn_before_lstm", cfg.UseGCNBeforeLSTM, "run the GCN on embeddings and encode its output")
	flag.BoolVar(&cfg.UseGCNLSTMParallel, "gcn_lstm_parallel", cfg.UseGCNLSTMParallel, "run GCN and recurrent encoder in parallel")
	flag.BoolVar(&cfg.ConcatWithWordEmbedding, "concat_with_word_embedding", cfg.ConcatWithWordEmbedding, "mix raw embeddings into the GCN input")
	flag.BoolVar(&cfg.ConcatGCNLSTM, "concat_gcn_lstm", cfg.ConcatGCNLSTM, "fuse GCN and recurrent outputs with a learned gate")
	flag.BoolVar(&cfg.SimpleConcat, "simple_concat", cfg.SimpleConcat, "fuse GCN and recurrent outputs by concatenation")

	flag.BoolVar(&cfg.PointerGen, "pointer_gen", cfg.PointerGen, "copy mechanism over the extended vocabulary")
	flag.BoolVar(&cfg.Coverage, "coverage", cfg.Coverage, "coverage attention penalty")
	flag.Float64Var(&cfg.CovLossWt, "cov_loss_wt", cfg.CovLossWt, "coverage loss weight")

	flag.Float64Var(&cfg.LR, "lr", cfg.LR, "adagrad learning rate")
	flag.Float64Var(&cfg.AdamLR, "adam_lr", cfg.AdamLR, "adam learning rate")
	flag.Float64Var(&cfg.AdagradInitAcc, "adagrad_init_acc", cfg.AdagradInitAcc, "adagrad initial accumulator")
	flag.Float64Var(&cfg.MaxGradNorm, "max_grad_norm", cfg.MaxGradNorm, "global gradient norm clip")
	flag.BoolVar(&cfg.UseRegularizer, "use_regularizer", cfg.UseRegularizer, "L2 penalty on the regularized weight set")
	flag.Float64Var(&cfg.BetaL2, "beta_l2", cfg.BetaL2, "L2 penalty coefficient")
	flag.Float64Var(&cfg.RandUnifInitMag, "rand_unif_init_mag", cfg.RandUnifInitMag, "uniform init magnitude for recurrent cells")
	flag.Float64Var(&cfg.TruncNormInitStd, "trunc_norm_init_std", cfg.TruncNormInitStd, "normal init std for projections")

	flag.BoolVar(&cfg.EmbTrainable, "emb_trainable", cfg.EmbTrainable, "update the embedding table during training")
	flag.BoolVar(&cfg.UseGloVe, "use_glove", cfg.UseGloVe, "initialize embeddings from GloVe vectors")
	flag.StringVar(&cfg.GloVePath, "glove_path", cfg.GloVePath, "GloVe text vectors file")
	flag.BoolVar(&cfg.UsePretrained, "use_pretrained", cfg.UsePretrained, "initialize embeddings with a pretrained text encoder")
	flag.StringVar(&cfg.PretrainedModelsDir, "pretrained_models_dir", cfg.PretrainedModelsDir, "download directory for pretrained models")
	flag.StringVar(&cfg.PretrainedModel, "pretrained_model", cfg.PretrainedModel, "pretrained text encoder model name")

	flag.Parse()

	logger = logger.Level(zerolog.InfoLevel)
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	cfg.Mode = config.Mode(*mode)
	cfg.Optimizer = config.Optimizer(*optimizer)
	if *dataPath == "" || *vocabPath == "" {
		return errors.New("both -data_path and -vocab_path are required")
	}
	if cfg.Mode == config.ModeDecode && cfg.BatchSize != cfg.BeamSize {
		logger.Info().Int("beam_size", cfg.BeamSize).Msg("decode mode ties batch size to beam size")
		cfg.BatchSize = cfg.BeamSize
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	v, err := vocab.New(*vocabPath, cfg.VocabSize)
	if err != nil {
		return err
	}
	logger.Info().Int("size", v.Size()).Str("mode", string(cfg.Mode)).Msg("vocabulary loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := embeddingOptions(ctx, cfg, v, logger)
	if err != nil {
		return err
	}
	m, err := model.New(cfg, v, opts...)
	if err != nil {
		return err
	}
	defer m.Close()

	expDir := filepath.Join(*logRoot, *expName)
	trainDir := filepath.Join(expDir, "train")

	switch cfg.Mode {
	case config.ModeTrain:
		return runTrain(ctx, m, v, *dataPath, trainDir, *saveEvery, *maxSteps, *epochs, logger)
	case config.ModeEval:
		if err := restoreLatest(m, trainDir, logger); err != nil {
			return err
		}
		return runEval(ctx, m, *dataPath, filepath.Join(expDir, "eval"), logger)
	default:
		if err := restoreLatest(m, trainDir, logger); err != nil {
			return err
		}
		return runDecode(ctx, m, *dataPath, filepath.Join(expDir, "decode"), logger)
	}
}

func runTrain(ctx context.Context, m *model.Model, v *vocab.Vocab, dataPath, trainDir string, saveEvery int, maxSteps int64, epochs int, logger zerolog.Logger) error {
	if err := os.MkdirAll(trainDir, 0o755); err != nil {
		return errors.Wrap(err, "train dir")
	}
	if err := v.WriteMetadata(filepath.Join(trainDir, "vocab_metadata.tsv")); err != nil {
		return err
	}

	tr := &train.Trainer{Model: m, CkptDir: trainDir, SaveEvery: saveEvery, MaxSteps: maxSteps, Log: logger}
	if _, err := tr.Resume(); err != nil {
		return err
	}

	for epoch := 1; epoch <= epochs; epoch++ {
		src, err := data.OpenTSV(dataPath, v, m.Config())
		if err != nil {
			return err
		}
		logger.Info().Int("epoch", epoch).Msg("starting training pass")
		runErr := tr.Run(ctx, src)
		if cerr := src.Close(); runErr == nil {
			runErr = cerr
		}
		if errors.Is(runErr, context.Canceled) {
			logger.Info().Msg("interrupted, checkpoint saved")
			return nil
		}
		if runErr != nil {
			return runErr
		}
		if maxSteps > 0 && m.Step() >= maxSteps {
			break
		}
	}
	return nil
}

func runEval(ctx context.Context, m *model.Model, dataPath, evalDir string, logger zerolog.Logger) error {
	src, err := data.OpenTSV(dataPath, m.Vocab(), m.Config())
	if err != nil {
		return err
	}
	defer src.Close()

	ev := &train.Evaluator{Model: m, BestDir: evalDir, Log: logger}
	res, err := ev.Run(ctx, src)
	if err != nil {
		return err
	}
	logger.Info().
		Int("batches", res.Batches).
		Float64("loss", res.Loss).
		Float64("total_loss", res.TotalLoss).
		Msg("evaluation complete")
	return nil
}

func runDecode(ctx context.Context, m *model.Model, dataPath, decodeDir string, logger zerolog.Logger) error {
	src, err := data.OpenTSV(dataPath, m.Vocab(), m.Config())
	if err != nil {
		return err
	}
	defer src.Close()
	return train.RunDecode(ctx, m, src, decodeDir, logger)
}

// restoreLatest loads the newest training checkpoint into the model.
// Eval and decode refuse to run from cold weights.
func restoreLatest(m *model.Model, trainDir string, logger zerolog.Logger) error {
	path, err := checkpoint.Latest(trainDir)
	if err != nil {
		return errors.Wrapf(err, "restoring from %s", trainDir)
	}
	st, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := m.RestoreParams(st.Params); err != nil {
		return err
	}
	m.SetStep(st.Step)
	logger.Info().Str("path", path).Int64("step", st.Step).Msg("restored checkpoint")
	return nil
}

// embeddingOptions loads the configured embedding initializer, if any.
func embeddingOptions(ctx context.Context, cfg *config.Config, v *vocab.Vocab, logger zerolog.Logger) ([]model.Option, error) {
	switch {
	case cfg.UseGloVe:
		emb, found, err := vocab.LoadGloVe(cfg.GloVePath, v, cfg.EmbDim, cfg.RandUnifInitMag)
		if err != nil {
			return nil, err
		}
		logger.Info().Int("found", found).Int("vocab", v.Size()).Msg("glove vectors loaded")
		return []model.Option{model.WithEmbedding(emb)}, nil
	case cfg.UsePretrained:
		enc, err := vocab.NewPretrainedEncoder(cfg.PretrainedModelsDir, cfg.PretrainedModel)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("model", enc.Name()).Msg("encoding vocabulary with the pretrained model")
		emb, err := vocab.EmbeddingMatrix(ctx, enc, v, cfg.EmbDim)
		if err != nil {
			return nil, err
		}
		return []model.Option{model.WithEmbedding(emb)}, nil
	}
	return nil, nil
}
