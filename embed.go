// Copyright (C) The tcalign Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tcalign

import (
	"github.com/james-bowman/nlp"
	"gonum.org/v1/gonum/mat"
)

// Embedding is a low-dimensional representation of an expression
// matrix: one row of Coords per sample, in Samples order.
type Embedding struct {
	Samples []string
	Coords  *mat.Dense
}

// Viz2D returns the first two embedding coordinates for each sample,
// used as the 2-D visualization layout.
func (e *Embedding) Viz2D() *mat.Dense {
	rows, _ := e.Coords.Dims()
	out := mat.NewDense(rows, 2, nil)
	for i := 0; i < rows; i++ {
		out.Set(i, 0, e.Coords.At(i, 0))
		out.Set(i, 1, e.Coords.At(i, 1))
	}
	return out
}

// buildEmbedding computes a centered principal-component embedding of
// m with the requested number of components. The PCA transformer works
// on column-major observations, so the matrix goes in transposed and
// the result comes back out transposed.
func buildEmbedding(m *ExpressionMatrix, dims int) (*Embedding, error) {
	if dims < 2 {
		return nil, configErrorf("embedding dimensions must be at least 2, got %d", dims)
	}
	if max := m.rows() - 1; dims > max || dims > m.cols() {
		return nil, numericalErrorf("cannot compute %d components from %d samples x %d genes", dims, m.rows(), m.cols())
	}
	transformer := nlp.NewPCA(dims)
	mtx := m.Data.T()
	transformer.Fit(mtx)
	reduced, err := transformer.Transform(mtx)
	if err != nil {
		return nil, numericalErrorf("PCA transform: %s", err)
	}
	coords := mat.DenseCopyOf(reduced.T())
	rows, cols := coords.Dims()
	if rows != m.rows() || cols != dims {
		return nil, shapeErrorf("PCA returned %d x %d, expected %d x %d", rows, cols, m.rows(), dims)
	}
	return &Embedding{Samples: append([]string(nil), m.Samples...), Coords: coords}, nil
}
