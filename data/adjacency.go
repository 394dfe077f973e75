package data

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// AdjacencyCOO is the sparse adjacency of one dependency relation over the
// tokens of a single sequence. Entry k records the directed edge
// Rows[k] -> Cols[k] in node space, where node i is token i. Edges are
// binary; N is the unpadded node count.
type AdjacencyCOO struct {
	Rows []int32
	Cols []int32
	N    int
}

// AddEdge appends the directed edge u -> v.
func (a *AdjacencyCOO) AddEdge(u, v int) {
	a.Rows = append(a.Rows, int32(u))
	a.Cols = append(a.Cols, int32(v))
}

// Len is the number of edges.
func (a *AdjacencyCOO) Len() int { return len(a.Rows) }

func (a *AdjacencyCOO) validate(nodes int) error {
	if len(a.Rows) != len(a.Cols) {
		return errors.Errorf("data: adjacency rows/cols length mismatch: %d vs %d", len(a.Rows), len(a.Cols))
	}
	for k := range a.Rows {
		u, v := int(a.Rows[k]), int(a.Cols[k])
		if u < 0 || u >= nodes || v < 0 || v >= nodes {
			return errors.Errorf("data: adjacency edge (%d, %d) outside node range [0, %d)", u, v, nodes)
		}
	}
	return nil
}

// splitByDirection turns labeled edge lists into the incoming and outgoing
// adjacency views the graph layers consume: for an edge u -> v, the
// outgoing view lets u aggregate from v and the incoming view lets v
// aggregate from u.
func splitByDirection(edges []AdjacencyCOO) (in, out []AdjacencyCOO) {
	in = make([]AdjacencyCOO, len(edges))
	out = make([]AdjacencyCOO, len(edges))
	for l, e := range edges {
		in[l].N = e.N
		out[l].N = e.N
		for k := range e.Rows {
			u, v := int(e.Rows[k]), int(e.Cols[k])
			out[l].AddEdge(u, v)
			in[l].AddEdge(v, u)
		}
	}
	return in, out
}

// ChainEdges builds the fallback dependency structure used when no parse is
// available: each token points at its successor under label 0, and the
// remaining labels stay empty. The result feeds splitByDirection.
func ChainEdges(n, labels int) []AdjacencyCOO {
	if labels < 1 {
		labels = 1
	}
	edges := make([]AdjacencyCOO, labels)
	for l := range edges {
		edges[l].N = n
	}
	for i := 0; i+1 < n; i++ {
		edges[0].AddEdge(i, i+1)
	}
	return edges
}

// mergeLabels folds every relation into a single unlabeled adjacency.
func mergeLabels(adj []AdjacencyCOO) []AdjacencyCOO {
	if len(adj) <= 1 {
		return adj
	}
	merged := AdjacencyCOO{N: adj[0].N}
	for _, a := range adj {
		merged.Rows = append(merged.Rows, a.Rows...)
		merged.Cols = append(merged.Cols, a.Cols...)
	}
	return []AdjacencyCOO{merged}
}

// neighbourCounts returns, per node, one plus the number of incident edges
// across all labels. Padded positions keep the self count of one so the
// degree division stays well defined.
func neighbourCounts(in, out []AdjacencyCOO, nodes int) []float32 {
	counts := make([]float32, nodes)
	for i := range counts {
		counts[i] = 1
	}
	for _, a := range in {
		for _, r := range a.Rows {
			counts[int(r)]++
		}
	}
	for _, a := range out {
		for _, r := range a.Rows {
			counts[int(r)]++
		}
	}
	return counts
}

// denseAdjacency materializes one relation's adjacency across a batch as a
// (B, nodes, nodes) float32 tensor, rows indexing the aggregating node.
func denseAdjacency(perExample [][]AdjacencyCOO, label, nodes int) *tensor.Dense {
	b := len(perExample)
	backing := make([]float32, b*nodes*nodes)
	for i, adj := range perExample {
		if label >= len(adj) {
			continue
		}
		a := adj[label]
		base := i * nodes * nodes
		for k := range a.Rows {
			u, v := int(a.Rows[k]), int(a.Cols[k])
			backing[base+u*nodes+v] = 1
		}
	}
	return tensor.New(tensor.WithShape(b, nodes, nodes), tensor.WithBacking(backing))
}

// denseCounts stacks per-example neighbour counts as (B, nodes, 1).
func denseCounts(perExample [][]float32, nodes int) *tensor.Dense {
	b := len(perExample)
	backing := make([]float32, b*nodes)
	for i, counts := range perExample {
		copy(backing[i*nodes:(i+1)*nodes], counts)
		for j := len(counts); j < nodes; j++ {
			backing[i*nodes+j] = 1
		}
	}
	return tensor.New(tensor.WithShape(b, nodes, 1), tensor.WithBacking(backing))
}
