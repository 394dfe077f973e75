package model

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/infosave2007/graphsum/config"
)

// builder assembles one computational graph. Assembly helpers panic on
// malformed wiring and the public constructors recover that into an error,
// which keeps the hot path free of error plumbing the way gorgonia.Must
// based construction usually is.
type builder struct {
	cfg    *config.Config
	g      *gorgonia.ExprGraph
	params *Params

	vsize    int
	extVSize int
	batch    int
	train    bool

	embedding *gorgonia.Node

	one   *gorgonia.Node
	half  *gorgonia.Node
	floor *gorgonia.Node
}

func newBuilder(cfg *config.Config, vsize int, train bool, name string) *builder {
	g := gorgonia.NewGraph(gorgonia.WithGraphName(name))
	b := &builder{
		cfg:    cfg,
		g:      g,
		params: newParams(g),
		vsize:  vsize,
		batch:  cfg.BatchSize,
		train:  train,
	}
	b.extVSize = vsize
	if cfg.PointerGen {
		b.extVSize = vsize + cfg.MaxArticleOOVs
	}
	b.one = gorgonia.NodeFromAny(g, float32(1), gorgonia.WithName("const_one"))
	b.half = gorgonia.NodeFromAny(g, float32(0.5), gorgonia.WithName("const_half"))
	return b
}

func (b *builder) recoverBuild(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = errors.Wrap(e, "model: graph assembly")
			return
		}
		*err = errors.Errorf("model: graph assembly: %v", r)
	}
}

// uniformInit matches the magnitude used for recurrent cell weights.
func (b *builder) uniformInit() gorgonia.InitWFn {
	mag := b.cfg.RandUnifInitMag
	return gorgonia.Uniform(-mag, mag)
}

// normalInit matches the standard deviation used for projection weights.
func (b *builder) normalInit() gorgonia.InitWFn {
	return gorgonia.Gaussian(0, b.cfg.TruncNormInitStd)
}

func glorotInit() gorgonia.InitWFn {
	return gorgonia.GlorotU(1.0)
}

// zeros2 materializes a constant zero matrix.
func (b *builder) zeros2(rows, cols int, name string) *gorgonia.Node {
	t := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(rows, cols))
	return gorgonia.NodeFromAny(b.g, t, gorgonia.WithName(name))
}

// scalarOf collapses a (1, 1) gate parameter into a scalar node so it can
// participate in scalar-tensor arithmetic; the full reduction keeps the
// gradient path intact.
func (b *builder) scalarOf(gate *gorgonia.Node) *gorgonia.Node {
	return gorgonia.Must(gorgonia.Sum(gate))
}

// dropout applies inverted dropout during training; a keep probability of
// one is the identity.
func (b *builder) dropout(x *gorgonia.Node, keepProb float64) *gorgonia.Node {
	if !b.train || keepProb >= 1 {
		return x
	}
	return gorgonia.Must(gorgonia.Dropout(x, 1-keepProb))
}

// stackSteps turns per-step (batch, dim) activations into a single
// (batch, steps, dim) sequence tensor.
func (b *builder) stackSteps(steps []*gorgonia.Node) *gorgonia.Node {
	dim := steps[0].Shape()[1]
	expanded := make([]*gorgonia.Node, len(steps))
	for i, s := range steps {
		expanded[i] = gorgonia.Must(gorgonia.Reshape(s, tensor.Shape{b.batch, 1, dim}))
	}
	if len(expanded) == 1 {
		return expanded[0]
	}
	return gorgonia.Must(gorgonia.Concat(1, expanded...))
}

// stepsFromSeq is the inverse view: it slices a (batch, steps, dim)
// sequence into per-step (batch, dim) activations. The transpose keeps all
// slicing on the leading axis.
func (b *builder) stepsFromSeq(seq *gorgonia.Node, steps int) []*gorgonia.Node {
	timeMajor := gorgonia.Must(gorgonia.Transpose(seq, 1, 0, 2))
	out := make([]*gorgonia.Node, steps)
	for t := 0; t < steps; t++ {
		out[t] = gorgonia.Must(gorgonia.Slice(timeMajor, gorgonia.S(t)))
	}
	return out
}

// stepMask slices one (batch, 1) column out of a step-major (steps, batch)
// padding mask.
func (b *builder) stepMask(maskT *gorgonia.Node, t int) *gorgonia.Node {
	row := gorgonia.Must(gorgonia.Slice(maskT, gorgonia.S(t)))
	return gorgonia.Must(gorgonia.Reshape(row, tensor.Shape{b.batch, 1}))
}

// maskFreeze keeps the previous recurrent state on padded positions so the
// state visible after the last real token survives to the end of the
// unroll.
func (b *builder) maskFreeze(cur, prev, mask *gorgonia.Node) *gorgonia.Node {
	inv := gorgonia.Must(gorgonia.Sub(b.one, mask))
	kept := gorgonia.Must(gorgonia.BroadcastHadamardProd(cur, mask, nil, []byte{1}))
	held := gorgonia.Must(gorgonia.BroadcastHadamardProd(prev, inv, nil, []byte{1}))
	return gorgonia.Must(gorgonia.Add(kept, held))
}

// linearLayer is an affine map whose weights are created once and applied
// at every unroll step, so all steps share the same parameters.
type linearLayer struct {
	w    *gorgonia.Node
	bias *gorgonia.Node
}

func (b *builder) newLinear(scope string, inDim, outDim int, withBias bool, init gorgonia.InitWFn, regularize bool) *linearLayer {
	l := &linearLayer{
		w: b.params.Matrix(scope+"/w", inDim, outDim, init, regularize),
	}
	if withBias {
		l.bias = b.params.Bias(scope+"/bias", outDim, gorgonia.Zeroes(), regularize)
	}
	return l
}

// apply concatenates the inputs along the feature axis and maps them
// through the affine transform.
func (l *linearLayer) apply(inputs ...*gorgonia.Node) *gorgonia.Node {
	x := inputs[0]
	if len(inputs) > 1 {
		x = gorgonia.Must(gorgonia.Concat(1, inputs...))
	}
	out := gorgonia.Must(gorgonia.Mul(x, l.w))
	if l.bias != nil {
		out = gorgonia.Must(gorgonia.BroadcastAdd(out, l.bias, nil, []byte{0}))
	}
	return out
}

// seqLinear applies a shared affine map to every position of a
// (batch, steps, in) sequence, returning (batch, steps, out).
func (b *builder) seqLinear(seq *gorgonia.Node, w, bias *gorgonia.Node) *gorgonia.Node {
	shape := seq.Shape()
	batch, steps, in := shape[0], shape[1], shape[2]
	out := w.Shape()[1]
	flat := gorgonia.Must(gorgonia.Reshape(seq, tensor.Shape{batch * steps, in}))
	mapped := gorgonia.Must(gorgonia.Mul(flat, w))
	if bias != nil {
		mapped = gorgonia.Must(gorgonia.BroadcastAdd(mapped, bias, nil, []byte{0}))
	}
	return gorgonia.Must(gorgonia.Reshape(mapped, tensor.Shape{batch, steps, out}))
}

// gateBlend mixes two equally shaped tensors through a learned scalar
// gate: gate*a + (1-gate)*b.
func (b *builder) gateBlend(gate, a, other *gorgonia.Node) *gorgonia.Node {
	s := b.scalarOf(gate)
	inv := gorgonia.Must(gorgonia.Sub(b.one, s))
	left := gorgonia.Must(gorgonia.HadamardProd(a, s))
	right := gorgonia.Must(gorgonia.HadamardProd(other, inv))
	return gorgonia.Must(gorgonia.Add(left, right))
}

func scopef(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}
