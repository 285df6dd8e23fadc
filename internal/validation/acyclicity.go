package validation

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// AcyclicityPredicateName is the CUSTOM predicate name of AcyclicityPredicate.
const AcyclicityPredicateName = "acyclicity_pvalue"

// Bounds on graphs and sampling accepted by AcyclicityPredicate.
const (
	MaxAcyclicityNodes      = 10000
	MaxAcyclicityEdges      = 100000
	MaxAcyclicityIterations = 100000
)

// ErrInvalidIterations is returned for a non-positive Monte Carlo iteration
// count.
var ErrInvalidIterations = errors.New("iterations must be positive")

// Edge is a directed edge between node indices.
type Edge [2]int

// AcyclicityPValue estimates how likely a random directed graph with the same
// node and edge count is to be acyclic. A small value means an observed
// acyclic structure is unlikely to be chance. The estimate is reproducible
// for a given seed.
func AcyclicityPValue(nodes int, edges []Edge, iterations int, seed uint64) (float64, error) {
	if iterations <= 0 {
		return 0, fmt.Errorf("acyclicity p-value: %w (got %d)", ErrInvalidIterations, iterations)
	}
	if nodes <= 0 {
		return 0, fmt.Errorf("acyclicity p-value: graph has no nodes")
	}
	if err := checkEdges(nodes, edges); err != nil {
		return 0, fmt.Errorf("acyclicity p-value: %w", err)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	acyclic := 0
	sample := make([]Edge, len(edges))
	for i := 0; i < iterations; i++ {
		for j := range sample {
			sample[j] = Edge{rng.IntN(nodes), rng.IntN(nodes)}
		}
		if IsAcyclic(nodes, sample) {
			acyclic++
		}
	}
	return float64(acyclic) / float64(iterations), nil
}

func checkEdges(nodes int, edges []Edge) error {
	for _, e := range edges {
		if e[0] < 0 || e[0] >= nodes || e[1] < 0 || e[1] >= nodes {
			return fmt.Errorf("edge %v out of range for %d nodes", e, nodes)
		}
	}
	return nil
}

// IsAcyclic reports whether the directed graph has no cycle. Self-loops are
// cycles. Every edge endpoint must be in [0, nodes).
func IsAcyclic(nodes int, edges []Edge) bool {
	indegree := make([]int, nodes)
	adj := make([][]int, nodes)
	for _, e := range edges {
		adj[e[0]] = append(adj[e[0]], e[1])
		indegree[e[1]]++
	}
	queue := make([]int, 0, nodes)
	for n, d := range indegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	seen := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		seen++
		for _, m := range adj[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	return seen == nodes
}

// AcyclicityPredicate is the CUSTOM predicate form of AcyclicityPValue. The
// inspected value must be an object {"nodes": n, "edges": [[from, to], ...]}.
// Params: iterations (default 1000), seed (default 0) and alpha (default
// 0.05). The value passes when the graph is acyclic and its p-value does not
// exceed alpha.
func AcyclicityPredicate(value any, params map[string]any) (bool, string) {
	obj, ok := value.(map[string]any)
	if !ok {
		return false, "expected an object with nodes and edges"
	}
	nodesF, ok := asFloat(obj["nodes"])
	if !ok || nodesF != math.Trunc(nodesF) {
		return false, "nodes must be an integer"
	}
	if nodesF <= 0 {
		return false, "graph has no nodes"
	}
	if nodesF > MaxAcyclicityNodes {
		return false, fmt.Sprintf("graph has %.0f nodes, limit is %d", nodesF, MaxAcyclicityNodes)
	}
	nodes := int(nodesF)
	rawEdges, ok := obj["edges"].([]any)
	if !ok {
		return false, "edges must be an array"
	}
	if len(rawEdges) > MaxAcyclicityEdges {
		return false, fmt.Sprintf("graph has %d edges, limit is %d", len(rawEdges), MaxAcyclicityEdges)
	}
	edges := make([]Edge, 0, len(rawEdges))
	for _, re := range rawEdges {
		pair, ok := re.([]any)
		if !ok || len(pair) != 2 {
			return false, "each edge must be a [from, to] pair"
		}
		from, ok1 := asFloat(pair[0])
		to, ok2 := asFloat(pair[1])
		if !ok1 || !ok2 || from != math.Trunc(from) || to != math.Trunc(to) {
			return false, "edge endpoints must be integers"
		}
		if from < 0 || from >= nodesF || to < 0 || to >= nodesF {
			return false, fmt.Sprintf("edge [%v, %v] out of range for %d nodes", pair[0], pair[1], nodes)
		}
		edges = append(edges, Edge{int(from), int(to)})
	}

	iterations := intParam(params, "iterations", 1000)
	if iterations > MaxAcyclicityIterations {
		return false, fmt.Sprintf("iterations %d exceed limit %d", iterations, MaxAcyclicityIterations)
	}
	seed := uint64(intParam(params, "seed", 0))
	alpha := 0.05
	if v, ok := asFloat(params["alpha"]); ok {
		alpha = v
	}

	if !IsAcyclic(nodes, edges) {
		return false, "graph contains a cycle"
	}
	p, err := AcyclicityPValue(nodes, edges, iterations, seed)
	if err != nil {
		return false, err.Error()
	}
	if p > alpha {
		return false, fmt.Sprintf("acyclicity p-value %.4f exceeds alpha %.4f", p, alpha)
	}
	return true, ""
}

func intParam(params map[string]any, key string, def int) int {
	v, present := params[key]
	if !present {
		return def
	}
	if f, ok := asFloat(v); ok {
		return int(f)
	}
	return def
}
