// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"math"
	"sort"
)

// denseRank assigns rank 1 to the highest score, with tied scores
// sharing a rank and no gaps after ties. Missing scores (NaN) get rank
// 0, meaning "no rank": they sort after every ranked gene and can
// never qualify as rank 1.
func denseRank(scores []float64) []int {
	var present []float64
	for _, s := range scores {
		if !math.IsNaN(s) {
			present = append(present, s)
		}
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(present)))
	rankOf := make(map[float64]int, len(present))
	rank := 0
	for _, s := range present {
		if _, ok := rankOf[s]; !ok {
			rank++
			rankOf[s] = rank
		}
	}
	out := make([]int, len(scores))
	for i, s := range scores {
		if math.IsNaN(s) {
			out[i] = 0
		} else {
			out[i] = rankOf[s]
		}
	}
	return out
}

// selectAlignmentGenes merges the two domains' differential rankings
// into one alignment gene set: a gene qualifies when its best dense
// rank across the domains is strictly below topK. A gene missing in
// one domain competes on the other domain's rank alone; a gene missing
// in both is excluded. Selection is deliberately symmetric — a gene
// strongly differential in either domain alone carries alignment
// signal.
func selectAlignmentGenes(a, b *DifferentialScores, topK int) (map[string]bool, error) {
	if topK <= 0 {
		return nil, configErrorf("top-K threshold must be positive, got %d", topK)
	}
	if len(a.Genes) != len(b.Genes) {
		return nil, shapeErrorf("score sets cover %d vs %d genes", len(a.Genes), len(b.Genes))
	}
	for i, g := range a.Genes {
		if b.Genes[i] != g {
			return nil, shapeErrorf("score sets disagree at gene %d: %q vs %q", i, g, b.Genes[i])
		}
	}
	ranksA := denseRank(a.Score)
	ranksB := denseRank(b.Score)
	selected := map[string]bool{}
	for i, g := range a.Genes {
		best := bestRank(ranksA[i], ranksB[i])
		if best > 0 && best < topK {
			selected[g] = true
		}
	}
	if len(selected) == 0 {
		return nil, configErrorf("alignment gene set is empty at top-K=%d", topK)
	}
	return selected, nil
}

// bestRank returns the numerically smallest of the present (nonzero)
// ranks, or 0 when both are missing.
func bestRank(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// orderedSubset returns the members of set in the order they appear in
// genes, so every consumer sees the alignment genes in universe order.
func orderedSubset(genes []string, set map[string]bool) []string {
	var out []string
	for _, g := range genes {
		if set[g] {
			out = append(out, g)
		}
	}
	return out
}
