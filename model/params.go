package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ParamValue is a portable snapshot of one parameter, the unit the
// checkpoint layer persists.
type ParamValue struct {
	Shape []int
	Data  []float32
}

// Params is the explicit registry of every learned tensor in one graph.
// Components create their weights through it, the loss module asks it for
// the regularized subset, the optimizer for the trainable subset, and the
// checkpoint layer for named snapshots. Creation order is preserved so
// optimizer traversal stays deterministic.
type Params struct {
	g           *gorgonia.ExprGraph
	names       []string
	nodes       map[string]*gorgonia.Node
	regularized map[string]bool
	frozen      map[string]bool
}

func newParams(g *gorgonia.ExprGraph) *Params {
	return &Params{
		g:           g,
		nodes:       make(map[string]*gorgonia.Node),
		regularized: make(map[string]bool),
		frozen:      make(map[string]bool),
	}
}

func (p *Params) register(name string, n *gorgonia.Node, regularize bool) *gorgonia.Node {
	if _, ok := p.nodes[name]; ok {
		panic(errors.Errorf("model: parameter %q created twice", name))
	}
	p.names = append(p.names, name)
	p.nodes[name] = n
	if regularize {
		p.regularized[name] = true
	}
	return n
}

// Matrix creates a (rows, cols) weight.
func (p *Params) Matrix(name string, rows, cols int, init gorgonia.InitWFn, regularize bool) *gorgonia.Node {
	n := gorgonia.NewMatrix(p.g, tensor.Float32,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(name),
		gorgonia.WithInit(init))
	return p.register(name, n, regularize)
}

// Bias creates a (1, cols) row vector, broadcast along the batch axis at
// use sites.
func (p *Params) Bias(name string, cols int, init gorgonia.InitWFn, regularize bool) *gorgonia.Node {
	n := gorgonia.NewMatrix(p.g, tensor.Float32,
		gorgonia.WithShape(1, cols),
		gorgonia.WithName(name),
		gorgonia.WithInit(init))
	return p.register(name, n, regularize)
}

// Gate creates a single learned scalar stored as a (1, 1) matrix so the
// optimizer sees a dense tensor; use sites collapse it with a full
// reduction before mixing it into tensor arithmetic.
func (p *Params) Gate(name string, regularize bool) *gorgonia.Node {
	n := gorgonia.NewMatrix(p.g, tensor.Float32,
		gorgonia.WithShape(1, 1),
		gorgonia.WithName(name),
		gorgonia.WithInit(gorgonia.Zeroes()))
	return p.register(name, n, regularize)
}

// MatrixFromValue creates a weight initialized from a prebuilt table, used
// for pretrained embeddings. A frozen weight keeps its value out of the
// optimizer while remaining part of the snapshot.
func (p *Params) MatrixFromValue(name string, val *tensor.Dense, trainable, regularize bool) *gorgonia.Node {
	shape := val.Shape()
	n := gorgonia.NewMatrix(p.g, tensor.Float32,
		gorgonia.WithShape(shape[0], shape[1]),
		gorgonia.WithName(name),
		gorgonia.WithValue(val))
	p.register(name, n, regularize)
	if !trainable {
		p.frozen[name] = true
	}
	return n
}

// Freeze excludes a parameter from the trainable set.
func (p *Params) Freeze(name string) {
	if _, ok := p.nodes[name]; !ok {
		panic(errors.Errorf("model: freezing unknown parameter %q", name))
	}
	p.frozen[name] = true
}

// Node returns a registered parameter.
func (p *Params) Node(name string) (*gorgonia.Node, bool) {
	n, ok := p.nodes[name]
	return n, ok
}

// Names lists parameters in creation order.
func (p *Params) Names() []string {
	return append([]string(nil), p.names...)
}

// Learnables returns the optimizer's working set in creation order.
func (p *Params) Learnables() gorgonia.Nodes {
	out := make(gorgonia.Nodes, 0, len(p.names))
	for _, name := range p.names {
		if p.frozen[name] {
			continue
		}
		out = append(out, p.nodes[name])
	}
	return out
}

// Regularized returns the weights the L2 penalty sums over.
func (p *Params) Regularized() gorgonia.Nodes {
	out := make(gorgonia.Nodes, 0, len(p.names))
	for _, name := range p.names {
		if p.regularized[name] {
			out = append(out, p.nodes[name])
		}
	}
	return out
}

// Snapshot copies every parameter value out of the graph.
func (p *Params) Snapshot() map[string]ParamValue {
	out := make(map[string]ParamValue, len(p.names))
	for _, name := range p.names {
		val := p.nodes[name].Value()
		shape := val.Shape()
		data := val.Data().([]float32)
		pv := ParamValue{
			Shape: append([]int(nil), shape...),
			Data:  append([]float32(nil), data...),
		}
		out[name] = pv
	}
	return out
}

// Restore overwrites every registered parameter from a snapshot. Every
// registered name must be present with a matching shape; extra snapshot
// entries are ignored so sub-graphs can restore from a full checkpoint.
func (p *Params) Restore(values map[string]ParamValue) error {
	for _, name := range p.names {
		pv, ok := values[name]
		if !ok {
			return errors.Errorf("model: checkpoint is missing parameter %q", name)
		}
		node := p.nodes[name]
		if !node.Shape().Eq(tensor.Shape(pv.Shape)) {
			return errors.Errorf("model: checkpoint shape %v for %q does not match graph shape %v", pv.Shape, name, node.Shape())
		}
		backing := append([]float32(nil), pv.Data...)
		val := tensor.New(tensor.WithShape(pv.Shape...), tensor.WithBacking(backing))
		if err := gorgonia.Let(node, val); err != nil {
			return errors.Wrapf(err, "model: restoring %q", name)
		}
	}
	return nil
}

// copyShared mirrors the values of parameters present in both registries
// from src into dst; the decode graphs share the embedding table this way.
func copyShared(src, dst *Params) error {
	for _, name := range dst.names {
		srcNode, ok := src.nodes[name]
		if !ok {
			continue
		}
		val := srcNode.Value().(*tensor.Dense).Clone().(*tensor.Dense)
		if err := gorgonia.Let(dst.nodes[name], val); err != nil {
			return errors.Wrapf(err, "model: mirroring %q", name)
		}
	}
	return nil
}
