// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ContrastiveBasis is an ordered set of directions in gene space that
// separate the two domains: each maximizes variance in one domain
// relative to the other. Vectors columns are ordered by descending
// |eigenvalue difference|, recorded in Values.
type ContrastiveBasis struct {
	Vectors *mat.Dense // genes x dims
	Values  []float64
}

// contrastiveRemover computes the contrastive basis of two domains and
// regresses the configured confound directions out of both expression
// matrices.
type contrastiveRemover struct {
	Dims      int   // leading contrastive directions to compute
	RemoveIdx []int // indices into the basis treated as confounds
	Fast      bool  // restrict the eigenproblem to the stacked data's top singular subspace
}

// fastSubspaceDims bounds the singular subspace used in fast mode.
const fastSubspaceDims = 100

// ComputeBasis builds the covariance-difference eigendecomposition of
// the two (centered) domains. In fast mode the g x g eigenproblem is
// reduced to the span of the stacked data's leading right singular
// vectors, a truncated variant that is much cheaper when genes vastly
// outnumber samples.
func (cr *contrastiveRemover) ComputeBasis(a, b *ExpressionMatrix) (*ContrastiveBasis, error) {
	if err := checkAligned(a, b); err != nil {
		return nil, err
	}
	g := a.cols()
	if cr.Dims <= 0 || cr.Dims > g {
		return nil, configErrorf("contrastive dimension count %d out of range 1..%d", cr.Dims, g)
	}
	ca := covarianceOf(centerColumns(a.Data))
	cb := covarianceOf(centerColumns(b.Data))
	diff := mat.NewSymDense(g, nil)
	for i := 0; i < g; i++ {
		for j := i; j < g; j++ {
			diff.SetSym(i, j, ca.At(i, j)-cb.At(i, j))
		}
	}
	if cr.Fast {
		return cr.fastBasis(a, b, diff)
	}
	var eig mat.EigenSym
	if !eig.Factorize(diff, true) {
		return nil, numericalErrorf("contrastive eigendecomposition failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)
	return topMagnitude(&vectors, values, cr.Dims), nil
}

func (cr *contrastiveRemover) fastBasis(a, b *ExpressionMatrix, diff *mat.SymDense) (*ContrastiveBasis, error) {
	stacked, err := stackMatrices(a, b)
	if err != nil {
		return nil, err
	}
	var svd mat.SVD
	if !svd.Factorize(centerColumns(stacked.Data), mat.SVDThin) {
		return nil, numericalErrorf("SVD of stacked matrix failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	_, q := v.Dims()
	if q > fastSubspaceDims {
		v = *mat.DenseCopyOf(v.Slice(0, a.cols(), 0, fastSubspaceDims).(*mat.Dense))
		q = fastSubspaceDims
	}
	if cr.Dims > q {
		return nil, numericalErrorf("fast mode subspace has %d dimensions, %d requested", q, cr.Dims)
	}
	// Reduced problem: V' D V, then map eigenvectors back to gene
	// space through V.
	var dv mat.Dense
	dv.Mul(diff, &v)
	var reduced mat.Dense
	reduced.Mul(v.T(), &dv)
	sym := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			sym.SetSym(i, j, (reduced.At(i, j)+reduced.At(j, i))/2)
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(sym, true) {
		return nil, numericalErrorf("contrastive eigendecomposition failed in fast mode")
	}
	values := eig.Values(nil)
	var w mat.Dense
	eig.VectorsTo(&w)
	var vectors mat.Dense
	vectors.Mul(&v, &w)
	return topMagnitude(&vectors, values, cr.Dims), nil
}

// topMagnitude reorders eigenpairs by descending |eigenvalue| and
// keeps the leading dims of them.
func topMagnitude(vectors *mat.Dense, values []float64, dims int) *ContrastiveBasis {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(values[order[a]]) > math.Abs(values[order[b]])
	})
	rows, _ := vectors.Dims()
	out := mat.NewDense(rows, dims, nil)
	vals := make([]float64, dims)
	for d := 0; d < dims; d++ {
		src := order[d]
		vals[d] = values[src]
		for i := 0; i < rows; i++ {
			out.Set(i, d, vectors.At(i, src))
		}
	}
	return &ContrastiveBasis{Vectors: out, Values: vals}
}

// RemovalBasis picks the configured confound directions out of the
// computed basis. NumericalError when the basis cannot supply a
// requested index.
func (cr *contrastiveRemover) RemovalBasis(basis *ContrastiveBasis) (*mat.Dense, error) {
	if len(cr.RemoveIdx) == 0 {
		return nil, configErrorf("no contrastive directions configured for removal")
	}
	rows, dims := basis.Vectors.Dims()
	out := mat.NewDense(rows, len(cr.RemoveIdx), nil)
	for d, idx := range cr.RemoveIdx {
		if idx < 0 || idx >= dims {
			return nil, numericalErrorf("removal index %d outside computed basis of %d directions", idx, dims)
		}
		for i := 0; i < rows; i++ {
			out.Set(i, d, basis.Vectors.At(i, idx))
		}
	}
	return out, nil
}

// Remove regresses every sample's profile on the removal basis with no
// intercept and keeps the residual, producing a matrix whose
// projection onto the basis is numerically zero. The input matrix is
// not modified.
func (cr *contrastiveRemover) Remove(m *ExpressionMatrix, basis *mat.Dense) (*ExpressionMatrix, error) {
	g, r := basis.Dims()
	if g != m.cols() {
		return nil, shapeErrorf("removal basis covers %d genes, matrix has %d", g, m.cols())
	}
	// Residual of X on basis B: X - (X B) (B'B)^-1 B'
	var gram mat.Dense
	gram.Mul(basis.T(), basis)
	var xb mat.Dense
	xb.Mul(m.Data, basis)
	var coefT mat.Dense // r x n, transpose of (X B)(B'B)^-1
	if err := coefT.Solve(&gram, xb.T()); err != nil {
		return nil, numericalErrorf("removal basis is rank-deficient (%d directions): %s", r, err)
	}
	var fitted mat.Dense
	fitted.Mul(coefT.T(), basis.T())
	out := mat.NewDense(m.rows(), m.cols(), nil)
	out.Sub(m.Data, &fitted)
	return &ExpressionMatrix{Samples: m.Samples, Genes: m.Genes, Data: out}, nil
}

// centerColumns returns a copy of m with each column shifted to zero
// mean.
func centerColumns(m *mat.Dense) *mat.Dense {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, m)
		mean := stat.Mean(col, nil)
		for i := 0; i < rows; i++ {
			out.Set(i, j, col[i]-mean)
		}
	}
	return out
}

func covarianceOf(centered *mat.Dense) *mat.SymDense {
	_, cols := centered.Dims()
	cov := mat.NewSymDense(cols, nil)
	stat.CovarianceMatrix(cov, centered, nil)
	return cov
}
