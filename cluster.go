// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/mat"
)

// ClusterAssignment maps sample identifiers to integer cluster labels.
// Labels are dense, starting at 0, and are only meaningful relative to
// the embedding they were computed from.
type ClusterAssignment map[string]int

// labelsFor returns the cluster labels in the order of the given
// sample list.
func (ca ClusterAssignment) labelsFor(samples []string) ([]int, error) {
	out := make([]int, len(samples))
	for i, s := range samples {
		label, ok := ca[s]
		if !ok {
			return nil, shapeErrorf("sample %q has no cluster label", s)
		}
		out[i] = label
	}
	return out, nil
}

func (ca ClusterAssignment) nClusters() int {
	seen := map[int]bool{}
	for _, label := range ca {
		seen[label] = true
	}
	return len(seen)
}

// clusterAssigner discovers discrete sample clusters by building a
// k-nearest-neighbor graph over the embedding coordinates and running
// Louvain community detection on it.
type clusterAssigner struct {
	Neighbors  int
	Resolution float64
	Seed       uint64
}

func (cl *clusterAssigner) Assign(e *Embedding) (ClusterAssignment, error) {
	n, _ := e.Coords.Dims()
	if n != len(e.Samples) {
		return nil, shapeErrorf("embedding has %d rows for %d samples", n, len(e.Samples))
	}
	if n == 0 {
		return nil, configErrorf("cannot cluster an empty embedding")
	}
	k := cl.Neighbors
	if k >= n {
		k = n - 1
	}
	g := simple.NewUndirectedGraph()
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	dist := make([]float64, n)
	order := make([]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dist[j] = rowDistance(e.Coords, i, j)
			order[j] = j
		}
		dist[i] = math.Inf(1) // never own neighbor
		sort.Slice(order, func(x, y int) bool { return dist[order[x]] < dist[order[y]] })
		for _, j := range order[:k] {
			if i != j {
				g.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(j)})
			}
		}
	}
	reduced := community.Modularize(g, cl.Resolution, rand.NewSource(cl.Seed))
	communities := reduced.Communities()
	// Order communities by their smallest member so labels are
	// deterministic for a fixed seed.
	sort.Slice(communities, func(a, b int) bool {
		return minNodeID(communities[a]) < minNodeID(communities[b])
	})
	assignment := make(ClusterAssignment, n)
	for label, comm := range communities {
		for _, node := range comm {
			assignment[e.Samples[node.ID()]] = label
		}
	}
	if len(assignment) != n {
		return nil, shapeErrorf("clustering covered %d of %d samples", len(assignment), n)
	}
	return assignment, nil
}

func minNodeID(comm []graph.Node) int64 {
	min := comm[0].ID()
	for _, node := range comm[1:] {
		if node.ID() < min {
			min = node.ID()
		}
	}
	return min
}

// rowDistance is the Euclidean distance between rows i and j of m.
func rowDistance(m *mat.Dense, i, j int) float64 {
	_, cols := m.Dims()
	var sum float64
	for c := 0; c < cols; c++ {
		d := m.At(i, c) - m.At(j, c)
		sum += d * d
	}
	return math.Sqrt(sum)
}
