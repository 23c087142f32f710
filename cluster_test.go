// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type clusterSuite struct{}

var _ = check.Suite(&clusterSuite{})

// blobEmbedding builds an embedding with nBlobs well-separated
// Gaussian blobs of size per.
func blobEmbedding(nBlobs, per, dims int, seed int64) (*Embedding, []int) {
	rnd := rand.New(rand.NewSource(seed))
	n := nBlobs * per
	coords := mat.NewDense(n, dims, nil)
	samples := make([]string, n)
	truth := make([]int, n)
	for i := 0; i < n; i++ {
		blob := i / per
		truth[i] = blob
		samples[i] = string(rune('a'+blob)) + "-" + string(rune('0'+i%per/10)) + string(rune('0'+i%per%10))
		for d := 0; d < dims; d++ {
			center := 0.0
			if d == blob%dims {
				center = 100
			}
			coords.Set(i, d, center+rnd.NormFloat64())
		}
	}
	return &Embedding{Samples: samples, Coords: coords}, truth
}

func (s *clusterSuite) TestPartition(c *check.C) {
	e, _ := blobEmbedding(3, 12, 4, 5)
	cl := clusterAssigner{Neighbors: 5, Resolution: 1, Seed: 1}
	assignment, err := cl.Assign(e)
	c.Assert(err, check.IsNil)
	c.Check(len(assignment), check.Equals, len(e.Samples))
	for _, sample := range e.Samples {
		_, ok := assignment[sample]
		c.Check(ok, check.Equals, true)
	}
}

func (s *clusterSuite) TestSeparatedBlobsSeparate(c *check.C) {
	// Blobs are small and the neighbor count high enough that each
	// blob's kNN graph is near-complete, so Louvain cannot split a
	// blob further.
	e, truth := blobEmbedding(2, 8, 3, 9)
	cl := clusterAssigner{Neighbors: 6, Resolution: 1, Seed: 1}
	assignment, err := cl.Assign(e)
	c.Assert(err, check.IsNil)
	// Samples in the same blob share a label; samples in different
	// blobs do not.
	for i, a := range e.Samples {
		for j, b := range e.Samples {
			if truth[i] == truth[j] {
				c.Check(assignment[a], check.Equals, assignment[b])
			} else {
				c.Check(assignment[a] == assignment[b], check.Equals, false)
			}
		}
	}
}

func (s *clusterSuite) TestDeterministicForFixedSeed(c *check.C) {
	e, _ := blobEmbedding(3, 10, 4, 13)
	cl := clusterAssigner{Neighbors: 6, Resolution: 1, Seed: 42}
	first, err := cl.Assign(e)
	c.Assert(err, check.IsNil)
	second, err := cl.Assign(e)
	c.Assert(err, check.IsNil)
	c.Check(second, check.DeepEquals, first)
}
