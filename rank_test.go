// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"math"
	"math/rand"

	"gopkg.in/check.v1"
)

type rankSuite struct{}

var _ = check.Suite(&rankSuite{})

func clustersFor(m *ExpressionMatrix, labels ...int) ClusterAssignment {
	ca := ClusterAssignment{}
	for i, s := range m.Samples {
		ca[s] = labels[i]
	}
	return ca
}

func (s *rankSuite) TestSingleClusterIsMissingNotZero(c *check.C) {
	m := makeMatrix("s", 4, 3, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		1, 3, 5,
	})
	scores, err := rankDifferential(m, clustersFor(m, 7, 7, 7, 7))
	c.Assert(err, check.IsNil)
	c.Check(scores.Kind, check.Equals, NoSignal)
	for _, v := range scores.Score {
		c.Check(math.IsNaN(v), check.Equals, true)
	}
}

func (s *rankSuite) TestTwoClusterWelch(c *check.C) {
	m := makeMatrix("s", 6, 2, []float64{
		1, 5,
		2, 5,
		3, 5,
		2, 5,
		3, 5,
		4, 5,
	})
	scores, err := rankDifferential(m, clustersFor(m, 0, 0, 0, 1, 1, 1))
	c.Assert(err, check.IsNil)
	c.Check(scores.Kind, check.Equals, PairwiseTest)
	// groups {1,2,3} vs {2,3,4}: |t| = 1 / sqrt(1/3 + 1/3)
	want := 1 / math.Sqrt(2.0/3.0)
	c.Check(math.Abs(scores.Score[0]-want) < 1e-12, check.Equals, true)
	// constant gene has zero variance in both groups: missing
	c.Check(math.IsNaN(scores.Score[1]), check.Equals, true)
}

func (s *rankSuite) TestMultiGroupLRT(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	n := 30
	data := make([]float64, n*2)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		labels[i] = i % 3
		// gene 0 separates the three clusters strongly; gene 1 is
		// noise.
		data[i*2] = float64(labels[i])*10 + rnd.NormFloat64()
		data[i*2+1] = rnd.NormFloat64()
	}
	m := makeMatrix("s", n, 2, data)
	scores, err := rankDifferential(m, clustersFor(m, labels...))
	c.Assert(err, check.IsNil)
	c.Check(scores.Kind, check.Equals, MultiGroupTest)
	c.Check(math.IsNaN(scores.Score[0]), check.Equals, false)
	c.Check(math.IsNaN(scores.Score[1]), check.Equals, false)
	c.Check(scores.Score[0] > scores.Score[1], check.Equals, true)
	c.Check(scores.Score[1] >= 0, check.Equals, true)
}

func (s *rankSuite) TestMissingValuesSkipped(c *check.C) {
	nan := math.NaN()
	m := makeMatrix("s", 6, 1, []float64{1, 2, nan, 4, 5, 6})
	scores, err := rankDifferential(m, clustersFor(m, 0, 0, 0, 1, 1, 1))
	c.Assert(err, check.IsNil)
	c.Check(math.IsNaN(scores.Score[0]), check.Equals, false)
}
