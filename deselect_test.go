// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"math"

	"gopkg.in/check.v1"
)

type deselectSuite struct{}

var _ = check.Suite(&deselectSuite{})

func (s *deselectSuite) TestDenseRank(c *check.C) {
	nan := math.NaN()
	ranks := denseRank([]float64{5, 9, 5, nan, 1})
	// 9 -> 1, 5 -> 2 (shared), 1 -> 3, missing -> 0
	c.Check(ranks, check.DeepEquals, []int{2, 1, 2, 0, 3})
}

func (s *deselectSuite) TestRankMonotoneInScore(c *check.C) {
	scores := []float64{3.5, 0.1, 7.2, 0.1, 2.0}
	ranks := denseRank(scores)
	for i := range scores {
		for j := range scores {
			if scores[i] > scores[j] {
				c.Check(ranks[i] < ranks[j], check.Equals, true)
			}
		}
	}
}

func scoreSet(kind ScoreKind, scores ...float64) *DifferentialScores {
	genes := make([]string, len(scores))
	for i := range genes {
		genes[i] = string(rune('a' + i))
	}
	return &DifferentialScores{Kind: kind, Genes: genes, Score: scores}
}

func (s *deselectSuite) TestBestRankMerge(c *check.C) {
	nan := math.NaN()
	// gene a: rank 1 in A, missing in B -> selected on A alone.
	// gene b: missing in A, rank 1 in B -> selected on B alone.
	// gene c: missing in both -> excluded regardless of K.
	// gene d: rank 2 in A, rank 2 in B -> best rank 2.
	a := scoreSet(PairwiseTest, 9, nan, nan, 5)
	b := scoreSet(PairwiseTest, nan, 8, nan, 4)
	selected, err := selectAlignmentGenes(a, b, 3)
	c.Assert(err, check.IsNil)
	c.Check(selected, check.DeepEquals, map[string]bool{"a": true, "b": true, "d": true})

	selected, err = selectAlignmentGenes(a, b, 2)
	c.Assert(err, check.IsNil)
	c.Check(selected, check.DeepEquals, map[string]bool{"a": true, "b": true})
}

func (s *deselectSuite) TestSelectionMonotoneInK(c *check.C) {
	a := scoreSet(MultiGroupTest, 1, 2, 3, 4, 5, 6)
	b := scoreSet(PairwiseTest, 6, 5, 4, 3, 2, 1)
	prev := 0
	for k := 1; k <= 7; k++ {
		selected, err := selectAlignmentGenes(a, b, k)
		if err != nil {
			// only k=1 can come up empty
			c.Check(k, check.Equals, 1)
			continue
		}
		c.Check(len(selected) >= prev, check.Equals, true)
		prev = len(selected)
	}
}

func (s *deselectSuite) TestNoSignalDomainStillSelects(c *check.C) {
	nan := math.NaN()
	a := scoreSet(NoSignal, nan, nan, nan)
	b := scoreSet(PairwiseTest, 3, 2, 1)
	selected, err := selectAlignmentGenes(a, b, 3)
	c.Assert(err, check.IsNil)
	c.Check(selected, check.DeepEquals, map[string]bool{"a": true, "b": true})
}
