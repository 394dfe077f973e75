package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/infosave2007/graphsum/config"
	"github.com/infosave2007/graphsum/data"
	"github.com/infosave2007/graphsum/vocab"
)

func tinyVocab(t *testing.T) *vocab.Vocab {
	t.Helper()
	v, err := vocab.FromWords([]string{"the", "cat", "sat", "on", "mat", "dog", "ran", "fast"})
	require.NoError(t, err)
	return v
}

func tinyTrainConfig() *config.Config {
	cfg := config.Default()
	cfg.Mode = config.ModeTrain
	cfg.BatchSize = 2
	cfg.MaxEncSteps = 4
	cfg.MaxDecSteps = 3
	cfg.MinDecSteps = 1
	cfg.HiddenDim = 8
	cfg.EmbDim = 6
	cfg.VocabSize = 50
	cfg.MaxArticleOOVs = 2
	cfg.WordGCNDim = 6
	cfg.QueryGCNDim = 6
	cfg.PointerGen = true
	cfg.Coverage = false
	cfg.UseRegularizer = false
	return cfg
}

func trainBatch(t *testing.T, v *vocab.Vocab, cfg *config.Config) *data.Batch {
	t.Helper()
	articles := [][]string{{"the", "cat", "sat"}, {"dog", "ran", "zork"}}
	abstracts := [][]string{{"cat", "sat"}, {"dog", "zork"}}
	queries := [][]string{{"cat"}, {"dog"}}
	examples := make([]*data.Example, 0, cfg.BatchSize)
	for i := 0; i < cfg.BatchSize; i++ {
		var query []string
		if cfg.QueryEncoder {
			query = queries[i]
		}
		ex, err := data.NewExample(articles[i], abstracts[i], query, v, cfg)
		require.NoError(t, err)
		if cfg.WordGCN {
			require.NoError(t, ex.AttachWordGraph(data.ChainEdges(len(articles[i]), cfg.LabelCount())))
		}
		if cfg.QueryGCN {
			require.NoError(t, ex.AttachQueryGraph(data.ChainEdges(len(queries[i]), cfg.LabelCount())))
		}
		examples = append(examples, ex)
	}
	bt, err := data.NewBatch(examples, v, cfg)
	require.NoError(t, err)
	return bt
}

func TestTrainStepProducesFiniteLoss(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.Coverage = true
	v := tinyVocab(t)
	m, err := New(cfg, v)
	require.NoError(t, err)
	bt := trainBatch(t, v, cfg)

	res, err := m.TrainStep(bt)
	require.NoError(t, err)
	require.False(t, math.IsNaN(float64(res.Loss)))
	require.False(t, math.IsInf(float64(res.Loss), 0))
	require.Greater(t, res.Loss, float32(0))
	require.GreaterOrEqual(t, res.CoverageLoss, float32(0))
	require.GreaterOrEqual(t, res.TotalLoss, res.Loss)
	require.Greater(t, res.GradNorm, float32(0))
	require.EqualValues(t, 1, res.Step)

	res2, err := m.TrainStep(bt)
	require.NoError(t, err)
	require.EqualValues(t, 2, res2.Step)
	require.False(t, math.IsNaN(float64(res2.Loss)))
}

func TestTrainStepWithGraphEncoder(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.WordGCN = true
	cfg.WordGCNGating = true
	cfg.WordGCNSkip = true
	cfg.WordGCNNormalize = true
	cfg.ConcatGCNLSTM = true
	v := tinyVocab(t)
	m, err := New(cfg, v)
	require.NoError(t, err)
	bt := trainBatch(t, v, cfg)

	res, err := m.TrainStep(bt)
	require.NoError(t, err)
	require.False(t, math.IsNaN(float64(res.Loss)))
	require.Greater(t, res.Loss, float32(0))
}

func TestTrainStepWithQuery(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.QueryEncoder = true
	cfg.MaxQuerySteps = 2
	v := tinyVocab(t)
	m, err := New(cfg, v)
	require.NoError(t, err)
	bt := trainBatch(t, v, cfg)

	res, err := m.TrainStep(bt)
	require.NoError(t, err)
	require.False(t, math.IsNaN(float64(res.Loss)))
}

func TestEmbeddingGradientsAreSparse(t *testing.T) {
	cfg := tinyTrainConfig()
	v := tinyVocab(t)
	m, err := New(cfg, v)
	require.NoError(t, err)
	bt := trainBatch(t, v, cfg)

	feeds, err := m.lossFeeds(bt)
	require.NoError(t, err)
	require.NoError(t, applyFeeds(feeds))
	require.NoError(t, m.loss.machine.RunAll())
	defer m.loss.machine.Reset()

	emb, ok := m.loss.params.Node("embedding")
	require.True(t, ok)
	gv, err := emb.Grad()
	require.NoError(t, err)
	grads := gv.Data().([]float32)

	rowZero := func(id int) bool {
		for _, g := range grads[id*cfg.EmbDim : (id+1)*cfg.EmbDim] {
			if g != 0 {
				return false
			}
		}
		return true
	}
	// Words never fed to the encoder or decoder keep zero gradient rows.
	require.True(t, rowZero(v.WordToID("mat")))
	require.True(t, rowZero(v.WordToID("fast")))
	require.False(t, rowZero(v.WordToID("cat")))
	require.False(t, rowZero(v.StartID()))
}

func TestScatterAccumulatesRepeatedWords(t *testing.T) {
	g := gorgonia.NewGraph()
	attn := gorgonia.NodeFromAny(g,
		tensor.New(tensor.WithShape(1, 1, 3), tensor.WithBacking([]float32{0.2, 0.3, 0.5})),
		gorgonia.WithName("attn"))
	scatter := gorgonia.NodeFromAny(g, scatterTensor([][]int{{5, 2, 5}}, 1, 3, 8), gorgonia.WithName("scatter"))
	prod := gorgonia.Must(gorgonia.BatchedMatMul(attn, scatter))

	var out gorgonia.Value
	gorgonia.Read(prod, &out)
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	got := out.Data().([]float32)
	require.InDelta(t, 0.7, got[5], 1e-6)
	require.InDelta(t, 0.3, got[2], 1e-6)
	var total float32
	for _, p := range got {
		total += p
	}
	require.InDelta(t, 1.0, total, 1e-6)
}

func TestGraphConvolutionSingleNode(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.BatchSize = 1
	b := newBuilder(cfg, 12, false, "gcn-test")

	x := gorgonia.NodeFromAny(b.g,
		tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float32{-1, 2})),
		gorgonia.WithName("x"))
	noEdges := gorgonia.NodeFromAny(b.g,
		tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 1, 1)),
		gorgonia.WithName("no_edges"))
	counts := gorgonia.NodeFromAny(b.g,
		tensor.New(tensor.WithShape(1, 1, 1), tensor.WithBacking([]float32{1})),
		gorgonia.WithName("counts"))

	sp := gcnSpec{
		scope:     "gcn",
		layers:    1,
		labels:    1,
		dim:       2,
		nodes:     1,
		normalize: true,
		keepProb:  1,
		adjIn:     []*gorgonia.Node{noEdges},
		adjOut:    []*gorgonia.Node{noEdges},
		counts:    counts,
	}
	out := b.gcnLayer("gcn/layer_0", sp, x, 2)

	wLoop, ok := b.params.Node("gcn/layer_0/w_loop")
	require.True(t, ok)
	identity := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 0, 0, 1}))
	require.NoError(t, gorgonia.Let(wLoop, identity))

	var val gorgonia.Value
	gorgonia.Read(out, &val)
	vm := gorgonia.NewTapeMachine(b.g)
	defer vm.Close()
	require.NoError(t, vm.RunAll())

	// With no edges the node only sees its own rectified loop projection.
	got := val.Data().([]float32)
	require.InDelta(t, 0.0, got[0], 1e-6)
	require.InDelta(t, 2.0, got[1], 1e-6)
}

func TestStateReducerOrderMatters(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.BatchSize = 1
	cfg.HiddenDim = 2

	run := func(name string, first, second [][]float32) []float32 {
		b := newBuilder(cfg, 12, false, name)
		mk := func(label string, vals []float32) *gorgonia.Node {
			return gorgonia.NodeFromAny(b.g,
				tensor.New(tensor.WithShape(1, 2), tensor.WithBacking(vals)),
				gorgonia.WithName(name+"/"+label))
		}
		fw := rnnState{h: mk("fw_h", first[0]), c: mk("fw_c", first[1])}
		bw := rnnState{h: mk("bw_h", second[0]), c: mk("bw_c", second[1])}
		st := b.reduceStates(fw, bw)

		w, ok := b.params.Node("reduce_state/h/w")
		require.True(t, ok)
		require.NoError(t, gorgonia.Let(w, tensor.New(tensor.WithShape(4, 2),
			tensor.WithBacking([]float32{1, 0, 0, 1, 2, 0, 0, 2}))))
		bias, ok := b.params.Node("reduce_state/h/bias")
		require.True(t, ok)
		require.NoError(t, gorgonia.Let(bias, tensor.New(tensor.WithShape(1, 2),
			tensor.WithBacking([]float32{0, 0}))))

		var val gorgonia.Value
		gorgonia.Read(st.h, &val)
		vm := gorgonia.NewTapeMachine(b.g)
		defer vm.Close()
		require.NoError(t, vm.RunAll())
		return append([]float32(nil), val.Data().([]float32)...)
	}

	forward := [][]float32{{1, 0}, {0, 1}}
	backward := [][]float32{{0, 2}, {2, 0}}

	h1 := run("r1", forward, backward)
	h2 := run("r2", backward, forward)

	// The reducer concatenates forward before backward, so feeding the
	// directions swapped through the same weights must move the state.
	require.InDeltaSlice(t, []float32{1, 4}, h1, 1e-6)
	require.InDeltaSlice(t, []float32{2, 2}, h2, 1e-6)
	require.NotEqual(t, h1, h2)
}

func TestStateReducerIsRegularized(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.UseRegularizer = true
	m, err := New(cfg, tinyVocab(t))
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, n := range m.loss.params.Regularized() {
		names[n.Name()] = true
	}
	for _, want := range []string{
		"reduce_state/h/w", "reduce_state/h/bias",
		"reduce_state/c/w", "reduce_state/c/bias",
	} {
		require.True(t, names[want], "expected %s in the L2 set", want)
	}
}

func TestCoverageLossPenalizesRepeatedAttention(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.BatchSize = 1
	cfg.MaxEncSteps = 2

	run := func(name string, first, second []float32) float32 {
		b := newBuilder(cfg, 12, false, name)
		a1 := gorgonia.NodeFromAny(b.g,
			tensor.New(tensor.WithShape(1, 2), tensor.WithBacking(first)),
			gorgonia.WithName("a1"))
		a2 := gorgonia.NodeFromAny(b.g,
			tensor.New(tensor.WithShape(1, 2), tensor.WithBacking(second)),
			gorgonia.WithName("a2"))
		mask := gorgonia.NodeFromAny(b.g,
			tensor.New(tensor.WithShape(2, 1), tensor.WithBacking([]float32{1, 1})),
			gorgonia.WithName("mask"))
		loss := b.coverageLoss([]*gorgonia.Node{a1, a2}, mask)
		var val gorgonia.Value
		gorgonia.Read(loss, &val)
		vm := gorgonia.NewTapeMachine(b.g)
		defer vm.Close()
		require.NoError(t, vm.RunAll())
		return val.Data().(float32)
	}

	repeated := run("cov-repeat", []float32{0.5, 0.5}, []float32{0.5, 0.5})
	disjoint := run("cov-disjoint", []float32{1, 0}, []float32{0, 1})

	require.InDelta(t, 0.5, repeated, 1e-6)
	require.InDelta(t, 0.0, disjoint, 1e-6)
	require.Greater(t, repeated, disjoint)
}

func TestTopKOrdering(t *testing.T) {
	ids, logProbs := topK([]float32{0.1, 0.4, 0.2, 0.3}, 3)
	require.Equal(t, []int{1, 3, 2}, ids)
	for i := 1; i < len(logProbs); i++ {
		require.LessOrEqual(t, logProbs[i], logProbs[i-1])
	}
	require.InDelta(t, math.Log(0.4), logProbs[0], 1e-5)
}

func TestDecodeStepOverExtendedVocabulary(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.Mode = config.ModeDecode
	cfg.BeamSize = 2
	cfg.BatchSize = 2
	cfg.Coverage = true
	v := tinyVocab(t)
	m, err := New(cfg, v)
	require.NoError(t, err)

	ex, err := data.NewExample([]string{"the", "cat", "zork"}, []string{"cat"}, nil, v, cfg)
	require.NoError(t, err)
	bt, err := data.RepeatedBatch(ex, v, cfg)
	require.NoError(t, err)

	enc, err := m.RunEncoder(bt)
	require.NoError(t, err)
	require.Equal(t, tensor.Shape{2, cfg.MaxEncSteps, 2 * cfg.HiddenDim}, enc.EncStates.Shape())
	require.Len(t, enc.InitState.Hidden, cfg.HiddenDim)
	require.Len(t, enc.InitState.Cell, cfg.HiddenDim)

	states := []DecoderState{enc.InitState, enc.InitState}
	out, err := m.DecodeOneStep(bt, enc, []int{v.StartID(), v.StartID()}, states, nil)
	require.NoError(t, err)

	extV := cfg.ExtendedVocabSize(v.Size())
	dist := m.dec.distVal.(*tensor.Dense)
	require.Equal(t, tensor.Shape{2, extV}, dist.Shape())
	for i := 0; i < 2; i++ {
		row := denseRow(dist, i)
		var total float64
		for _, p := range row {
			total += float64(p)
		}
		require.InDelta(t, 1.0, total, 1e-3)
	}

	require.Len(t, out.IDs, 2)
	for i := 0; i < 2; i++ {
		require.Len(t, out.IDs[i], 2*cfg.BeamSize)
		for j := 1; j < len(out.LogProbs[i]); j++ {
			require.LessOrEqual(t, out.LogProbs[i][j], out.LogProbs[i][j-1])
		}
		require.Len(t, out.States[i].Hidden, cfg.HiddenDim)
		require.Len(t, out.States[i].Cell, cfg.HiddenDim)
		require.Len(t, out.AttnDists[i], cfg.MaxEncSteps)
		require.Greater(t, out.PGens[i], 0.0)
		require.Less(t, out.PGens[i], 1.0)
		require.Len(t, out.Coverages[i], cfg.MaxEncSteps)
	}

	// Extended ids fall back to the unknown embedding on the next step.
	next, err := m.DecodeOneStep(bt, enc, []int{v.Size(), out.IDs[1][0]}, out.States, out.Coverages)
	require.NoError(t, err)
	require.Len(t, next.IDs, 2)
}

func TestLossGraphAssemblesAcrossTopologies(t *testing.T) {
	v := tinyVocab(t)
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"plain", func(c *config.Config) {}},
		{"tanh cell", func(c *config.Config) { c.UseLSTM = false }},
		{"no recurrent encoder", func(c *config.Config) { c.NoLSTMEncoder = true }},
		{"stacked encoder", func(c *config.Config) { c.StackedLSTM = true }},
		{"baseline softmax", func(c *config.Config) { c.PointerGen = false }},
		{"coverage", func(c *config.Config) { c.Coverage = true }},
		{"regularized", func(c *config.Config) { c.UseRegularizer = true }},
		{"adam", func(c *config.Config) { c.Optimizer = config.OptimizerAdam }},
		{"gcn after replace", func(c *config.Config) { c.WordGCN = true }},
		{"gcn after fused", func(c *config.Config) {
			c.WordGCN = true
			c.ConcatGCNLSTM = true
			c.WordGCNGating = true
			c.WordGCNSkip = true
			c.WordGCNNormalize = true
		}},
		{"gcn after highway", func(c *config.Config) {
			c.WordGCN = true
			c.ConcatWithWordEmbedding = true
		}},
		{"gcn before", func(c *config.Config) {
			c.WordGCN = true
			c.UseGCNBeforeLSTM = true
			c.ConcatWithWordEmbedding = true
			c.ConcatGCNLSTM = true
		}},
		{"gcn before simple concat", func(c *config.Config) {
			c.WordGCN = true
			c.UseGCNBeforeLSTM = true
			c.ConcatGCNLSTM = true
			c.SimpleConcat = true
		}},
		{"gcn parallel", func(c *config.Config) {
			c.WordGCN = true
			c.UseGCNLSTMParallel = true
			c.ConcatGCNLSTM = true
		}},
		{"dependency labels", func(c *config.Config) {
			c.WordGCN = true
			c.UseLabelInformation = true
			c.NumDependencyLabels = 2
		}},
		{"query", func(c *config.Config) {
			c.QueryEncoder = true
			c.MaxQuerySteps = 2
		}},
		{"query gcn", func(c *config.Config) {
			c.QueryEncoder = true
			c.MaxQuerySteps = 2
			c.QueryGCN = true
			c.WordGCN = true
			c.ConcatGCNLSTM = true
		}},
		{"query gcn before", func(c *config.Config) {
			c.QueryEncoder = true
			c.MaxQuerySteps = 2
			c.QueryGCN = true
			c.WordGCN = true
			c.UseGCNBeforeLSTM = true
			c.ConcatWithWordEmbedding = true
			c.ConcatGCNLSTM = true
			c.SimpleConcat = true
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tinyTrainConfig()
			tc.mutate(cfg)
			_, err := New(cfg, v)
			require.NoError(t, err)
		})
	}
}

func TestEvalStepLeavesWeightsAlone(t *testing.T) {
	cfg := tinyTrainConfig()
	cfg.Mode = config.ModeEval
	v := tinyVocab(t)
	m, err := New(cfg, v)
	require.NoError(t, err)
	bt := trainBatch(t, v, cfg)

	first, err := m.EvalStep(bt)
	require.NoError(t, err)
	second, err := m.EvalStep(bt)
	require.NoError(t, err)
	require.InDelta(t, float64(first.Loss), float64(second.Loss), 1e-6)

	_, err = m.TrainStep(bt)
	require.Error(t, err)
}

func TestEncoderIgnoresPadding(t *testing.T) {
	v := tinyVocab(t)
	newDecodeModel := func(maxEnc int) *Model {
		cfg := tinyTrainConfig()
		cfg.Mode = config.ModeDecode
		cfg.BeamSize = 2
		cfg.BatchSize = 2
		cfg.MaxEncSteps = maxEnc
		m, err := New(cfg, v)
		require.NoError(t, err)
		return m
	}

	wide := newDecodeModel(4)
	narrow := newDecodeModel(2)
	require.NoError(t, narrow.RestoreParams(wide.ParamValues()))

	encode := func(m *Model) DecoderState {
		ex, err := data.NewExample([]string{"the", "cat"}, []string{"cat"}, nil, v, m.cfg)
		require.NoError(t, err)
		bt, err := data.RepeatedBatch(ex, v, m.cfg)
		require.NoError(t, err)
		enc, err := m.RunEncoder(bt)
		require.NoError(t, err)
		return enc.InitState
	}

	// Frozen steps keep the recurrent state bit-for-bit, so the padded
	// and unpadded graphs reduce to the same initial decoder state.
	wideState := encode(wide)
	narrowState := encode(narrow)
	require.InDeltaSlice(t, wideState.Hidden, narrowState.Hidden, 1e-5)
	require.InDeltaSlice(t, wideState.Cell, narrowState.Cell, 1e-5)
}

func TestParamSnapshotRoundTrip(t *testing.T) {
	cfg := tinyTrainConfig()
	v := tinyVocab(t)
	m, err := New(cfg, v)
	require.NoError(t, err)

	snap := m.ParamValues()
	require.NotEmpty(t, snap)
	emb, ok := snap["embedding"]
	require.True(t, ok)
	require.Equal(t, []int{v.Size(), cfg.EmbDim}, emb.Shape)

	m2, err := New(cfg, v)
	require.NoError(t, err)
	require.NoError(t, m2.RestoreParams(snap))
	snap2 := m2.ParamValues()
	require.Equal(t, snap["embedding"].Data, snap2["embedding"].Data)
	require.Equal(t, snap["output_projection/w"].Data, snap2["output_projection/w"].Data)

	delete(snap, "embedding")
	require.Error(t, m2.RestoreParams(snap))
}

func TestCloseReleasesMachines(t *testing.T) {
	v := tinyVocab(t)

	m, err := New(tinyTrainConfig(), v)
	require.NoError(t, err)
	bt := trainBatch(t, v, m.cfg)
	_, err = m.TrainStep(bt)
	require.NoError(t, err)
	m.Close()

	cfg := tinyTrainConfig()
	cfg.Mode = config.ModeDecode
	cfg.BeamSize = cfg.BatchSize
	dm, err := New(cfg, v)
	require.NoError(t, err)
	dm.Close()
}
