// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"math"
	"runtime"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// neighborCorrector pulls target-domain samples toward their mutual
// nearest neighbors in the reference domain. Distances are measured on
// the alignment gene subset only; corrections apply across the full
// gene width.
type neighborCorrector struct {
	KRef    int     // neighbors per target sample in the reference domain
	KTarget int     // neighbors per reference sample in the target domain
	Sigma   float64 // kernel bandwidth as a fraction of the mean pair distance
}

// mnnResult is the corrector output. Ref is the reference matrix
// passed through untouched; Isolated counts target samples with no
// mutual pair, which received a zero correction.
type mnnResult struct {
	Target   *ExpressionMatrix
	Ref      *ExpressionMatrix
	Isolated int
}

func (nc *neighborCorrector) Correct(ref, target *ExpressionMatrix, alignGenes map[string]bool) (*mnnResult, error) {
	if err := checkAligned(ref, target); err != nil {
		return nil, err
	}
	subset := orderedSubset(target.Genes, alignGenes)
	if len(subset) == 0 {
		return nil, configErrorf("alignment gene set has no genes in common with the matrices")
	}
	refSub, err := ref.SubsetGenes(subset)
	if err != nil {
		return nil, err
	}
	targetSub, err := target.SubsetGenes(subset)
	if err != nil {
		return nil, err
	}

	nt, nr := targetSub.rows(), refSub.rows()
	kRef := clampNeighbors(nc.KRef, nr)
	kTarget := clampNeighbors(nc.KTarget, nt)

	// Cross-domain distance matrix on the alignment subset, row
	// parallel.
	dist := mat.NewDense(nt, nr, nil)
	var work throttle
	work.Max = runtime.NumCPU()
	for i := 0; i < nt; i++ {
		i := i
		work.Go(func() error {
			for j := 0; j < nr; j++ {
				dist.Set(i, j, crossDistance(targetSub.Data, i, refSub.Data, j))
			}
			return nil
		})
	}
	if err := work.Wait(); err != nil {
		return nil, err
	}

	targetNeighbors := nearestPerRow(dist, kRef)     // target i -> ref neighbors
	refNeighbors := nearestPerRow(dist.T(), kTarget) // ref j -> target neighbors
	pairs := make([][]int, nt)                       // target i -> mutual ref partners
	var pairDistances []float64
	for i, refs := range targetNeighbors {
		for _, j := range refs {
			if containsInt(refNeighbors[j], i) {
				pairs[i] = append(pairs[i], j)
				pairDistances = append(pairDistances, dist.At(i, j))
			}
		}
	}

	out := mat.DenseCopyOf(target.Data)
	result := &mnnResult{
		Target: &ExpressionMatrix{Samples: target.Samples, Genes: target.Genes, Data: out},
		Ref:    ref,
	}
	if len(pairDistances) == 0 {
		result.Isolated = nt
		return result, nil
	}
	bandwidth := nc.Sigma * stat.Mean(pairDistances, nil)
	if bandwidth <= 0 {
		return nil, numericalErrorf("degenerate kernel bandwidth %g (sigma %g)", bandwidth, nc.Sigma)
	}
	g := target.cols()
	for i := 0; i < nt; i++ {
		if len(pairs[i]) == 0 {
			result.Isolated++
			continue
		}
		var wsum float64
		correction := make([]float64, g)
		for _, j := range pairs[i] {
			d := dist.At(i, j)
			w := math.Exp(-d * d / (2 * bandwidth * bandwidth))
			if w == 0 {
				w = math.SmallestNonzeroFloat64
			}
			wsum += w
			for c := 0; c < g; c++ {
				correction[c] += w * (ref.Data.At(j, c) - target.Data.At(i, c))
			}
		}
		for c := 0; c < g; c++ {
			out.Set(i, c, target.Data.At(i, c)+correction[c]/wsum)
		}
	}
	return result, nil
}

// clampNeighbors bounds a neighbor count by the domain size. A count
// of zero disables pairing entirely, leaving every target sample
// isolated.
func clampNeighbors(k, n int) int {
	if k < 0 {
		k = 0
	}
	if k > n {
		k = n
	}
	return k
}

// nearestPerRow returns, for each row of dist, the column indices of
// the k smallest entries.
func nearestPerRow(dist mat.Matrix, k int) [][]int {
	rows, cols := dist.Dims()
	out := make([][]int, rows)
	for i := 0; i < rows; i++ {
		order := make([]int, cols)
		for j := range order {
			order[j] = j
		}
		sort.Slice(order, func(a, b int) bool { return dist.At(i, order[a]) < dist.At(i, order[b]) })
		out[i] = order[:k]
	}
	return out
}

func containsInt(list []int, x int) bool {
	for _, v := range list {
		if v == x {
			return true
		}
	}
	return false
}

func crossDistance(a *mat.Dense, i int, b *mat.Dense, j int) float64 {
	_, cols := a.Dims()
	var sum float64
	for c := 0; c < cols; c++ {
		d := a.At(i, c) - b.At(j, c)
		sum += d * d
	}
	return math.Sqrt(sum)
}
