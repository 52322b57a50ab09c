// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// standardizeColumns centers each column of e to mean 0 and scales it
// to standard deviation 1, in place. Constant columns are left
// centered (divisor 1 instead of 0).
func standardizeColumns(e *mat.Dense) {
	rows, cols := e.Dims()
	buf := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(buf, j, e)
		mean, std := stat.MeanStdDev(buf, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		for i := range buf {
			buf[i] = (buf[i] - mean) / std
		}
		e.SetCol(j, buf)
	}
}

// scaleEnv divides every entry of e by sqrt(k), so the total variance
// attributed to the environment does not grow with the number of PCs.
func scaleEnv(e *mat.Dense) {
	_, cols := e.Dims()
	if cols > 0 {
		e.Scale(1/math.Sqrt(float64(cols)), e)
	}
}

// newKernel builds the environment similarity kernel K = E·Eᵀ,
// normalized so its average diagonal is 1. nSamples is the phenotype
// length the kernel must conform to.
//
// The result is symmetrized explicitly: downstream eigendecompositions
// require exact symmetry, and the floating-point product E·Eᵀ is not
// guaranteed to deliver it.
func newKernel(e *mat.Dense, nSamples int) (*mat.SymDense, error) {
	n, k := e.Dims()
	if k == 0 {
		return nil, &DimensionError{Quantity: "environment matrix"}
	}
	if n != nSamples {
		return nil, &DimensionError{Quantity: "environment matrix", Rows: n, Cols: k, WantRows: nSamples}
	}
	var prod mat.Dense
	prod.Mul(e, e.T())
	tr := 0.0
	for i := 0; i < n; i++ {
		tr += prod.At(i, i)
	}
	scale := 1.0
	if tr > 0 {
		scale = float64(n) / tr
	}
	kk := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			kk.SetSym(i, j, scale*(prod.At(i, j)+prod.At(j, i))/2)
		}
	}
	return kk, nil
}
