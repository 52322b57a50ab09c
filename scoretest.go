// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Davies' method spends ~3/sqrt(acc) integration terms, so the
// accuracy and the term budget have to be chosen together. These match
// the CompQuadForm/SKAT convention.
const (
	daviesAcc = 1e-6
	daviesLim = 10000
)

// ScoreResult is the outcome of one interaction score test.
type ScoreResult struct {
	Stat    float64   // quadratic-form score statistic
	PValue  float64   // P(Σ w_i·χ²(1) > Stat) under the null
	Weights []float64 // eigenvalue weights of the null mixture
	Method  string    // "davies", or "liu" when Davies reported a fault
}

// ScoreTest tests whether the effect of the genotype g varies with the
// environment, using only the null fit: the statistic is a quadratic
// form of the null residual in the interaction design g∘E, and its
// null distribution is a weighted mixture of chi-squared(1) variables.
// The main effect of g enters the projection as a fixed effect, so
// only effect heterogeneity contributes to the statistic.
//
// nm is not modified; concurrent calls against one fit are safe.
func (nm *NullModel) ScoreTest(g []float64, env *mat.Dense) (*ScoreResult, error) {
	n := nm.n
	if len(g) != n {
		return nil, &DimensionError{Quantity: "genotype vector", Rows: len(g), Cols: 1, WantRows: n}
	}
	erows, k := env.Dims()
	if k == 0 {
		return nil, &DimensionError{Quantity: "environment matrix"}
	}
	if erows != n {
		return nil, &DimensionError{Quantity: "environment matrix", Rows: erows, Cols: k, WantRows: n}
	}
	if stat.Variance(g, nil) == 0 {
		return nil, &DegenerateInputError{Quantity: "genotype", Value: g[0]}
	}

	// interaction design D = g∘E and augmented fixed effects [M g],
	// both rotated into the eigenbasis of K
	d := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			d.Set(i, j, g[i]*env.At(i, j))
		}
	}
	var dr mat.Dense
	dr.Mul(nm.u.T(), d)
	gr := mulTransVec(nm.u, g)
	p1 := nm.p + 1
	xr := mat.NewDense(n, p1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < nm.p; j++ {
			xr.Set(i, j, nm.mr.At(i, j))
		}
		xr.Set(i, nm.p, gr[i])
	}

	w := make([]float64, n) // diagonal of Σ̂⁻¹ in the eigenbasis
	for i := 0; i < n; i++ {
		w[i] = 1 / (nm.Scale * nm.d[i])
	}

	// a = XᵀΣ⁻¹X, b = XᵀΣ⁻¹y
	a := mat.NewSymDense(p1, nil)
	b := mat.NewVecDense(p1, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p1; j++ {
			xij := xr.At(i, j)
			b.SetVec(j, b.AtVec(j)+w[i]*xij*nm.yr[i])
			for l := j; l < p1; l++ {
				a.SetSym(j, l, a.At(j, l)+w[i]*xij*xr.At(i, l))
			}
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return nil, &NumericalError{Op: "score-test projection", Err: errRankDeficient}
	}
	beta := mat.NewVecDense(p1, nil)
	if err := chol.SolveVecTo(beta, b); err != nil {
		return nil, &NumericalError{Op: "score-test projection", Err: err}
	}

	// P·y = Σ⁻¹(y − X·β̂)
	py := make([]float64, n)
	for i := 0; i < n; i++ {
		r := nm.yr[i]
		for j := 0; j < p1; j++ {
			r -= xr.At(i, j) * beta.AtVec(j)
		}
		py[i] = w[i] * r
	}

	// Q = ½·‖Dᵀ·P·y‖²
	q := 0.0
	for j := 0; j < k; j++ {
		v := 0.0
		for i := 0; i < n; i++ {
			v += dr.At(i, j) * py[i]
		}
		q += v * v
	}
	q *= 0.5

	// weights: eigenvalues of ½·Dᵀ·P·D with
	// P = Σ⁻¹ − Σ⁻¹X(XᵀΣ⁻¹X)⁻¹XᵀΣ⁻¹
	cm := mat.NewDense(p1, k, nil) // XᵀΣ⁻¹D
	for j := 0; j < p1; j++ {
		for l := 0; l < k; l++ {
			v := 0.0
			for i := 0; i < n; i++ {
				v += xr.At(i, j) * w[i] * dr.At(i, l)
			}
			cm.Set(j, l, v)
		}
	}
	sm := mat.NewDense(p1, k, nil)
	if err := chol.SolveTo(sm, cm); err != nil {
		return nil, &NumericalError{Op: "score-test projection", Err: err}
	}
	t := mat.NewSymDense(k, nil)
	for j := 0; j < k; j++ {
		for l := j; l < k; l++ {
			v := 0.0
			for i := 0; i < n; i++ {
				v += dr.At(i, j) * w[i] * dr.At(i, l)
			}
			for i := 0; i < p1; i++ {
				v -= cm.At(i, j) * sm.At(i, l)
			}
			t.SetSym(j, l, 0.5*v)
		}
	}
	var es mat.EigenSym
	if !es.Factorize(t, false) {
		return nil, &NumericalError{Op: "weight eigendecomposition"}
	}
	evs := es.Values(nil)
	wmax := evs[len(evs)-1]
	if wmax <= 0 {
		return nil, &DegenerateInputError{Quantity: "interaction design"}
	}
	var weights []float64
	for _, v := range evs {
		if v > 1e-12*wmax {
			weights = append(weights, v)
		}
	}

	res := &ScoreResult{Stat: q, Weights: weights}
	cdf, fault := daviesCDF(q, weights, daviesAcc, daviesLim)
	res.PValue = 1 - cdf
	res.Method = "davies"
	if fault != 0 || res.PValue < 0 || res.PValue > 1 {
		res.PValue = liuPValue(q, weights)
		res.Method = "liu"
	}
	return res, nil
}

// liuPValue approximates the survival function of a positive mixture
// of chi-squared(1) variables by the moment-matched noncentral
// chi-squared of Liu, Tang & Zhang (2009). Used when Davies' method
// cannot deliver the requested accuracy.
func liuPValue(q float64, lambda []float64) float64 {
	var c1, c2, c3, c4 float64
	for _, l := range lambda {
		c1 += l
		c2 += l * l
		c3 += l * l * l
		c4 += l * l * l * l
	}
	s1 := c3 / math.Pow(c2, 1.5)
	s2 := c4 / (c2 * c2)
	var df, ncp float64
	if s1*s1 > s2 {
		a := 1 / (s1 - math.Sqrt(s1*s1-s2))
		ncp = s1*a*a*a - a*a
		df = a*a - 2*ncp
	} else {
		df = 1 / (s1 * s1)
		ncp = 0
	}
	muQ := c1
	sigmaQ := math.Sqrt(2 * c2)
	muX := df + ncp
	sigmaX := math.Sqrt(2 * (df + 2*ncp))
	x := (q-muQ)/sigmaQ*sigmaX + muX
	return ncChiSquaredSurvival(x, df, ncp)
}

// ncChiSquaredSurvival is P(χ²(df, ncp) > x), evaluated as a
// Poisson-weighted series of central chi-squared terms.
func ncChiSquaredSurvival(x, df, ncp float64) float64 {
	if x <= 0 {
		return 1
	}
	if ncp == 0 {
		return distuv.ChiSquared{K: df}.Survival(x)
	}
	half := ncp / 2
	weight := math.Exp(-half)
	cdf := 0.0
	cum := 0.0
	for j := 0; j < 10000 && cum < 1-1e-14; j++ {
		if weight > 0 {
			cdf += weight * distuv.ChiSquared{K: df + 2*float64(j)}.CDF(x)
		}
		cum += weight
		weight *= half / float64(j+1)
	}
	p := 1 - cdf
	if p < 0 {
		p = 0
	}
	return p
}
