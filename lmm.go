// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
)

const (
	ln2pi = 1.8378770664093453

	// below this largest eigenvalue the kernel is treated as zero
	// and the model collapses to ordinary least squares
	zeroKernelTol = 1e-10
)

// FitOptions control the variance-component optimization.
type FitOptions struct {
	// MaxIterations is the outer optimizer's iteration budget.
	// 0 means the default (500).
	MaxIterations int
	// ML maximizes the full instead of the restricted likelihood.
	ML bool
}

// NullModel is the fitted model
//
//	y = M·α + e + ε,  e ~ N(0, r1·K),  ε ~ N(0, r2·I)
//
// with no genotype term. Once fitted it is immutable: one NullModel
// may serve any number of concurrent ScoreTest calls.
type NullModel struct {
	Delta  float64 // r2 / (r1 + r2)
	Scale  float64 // r1 + r2
	R1, R2 float64
	Alpha  []float64 // GLS coefficients for M
	LogLik float64   // maximized (restricted) log-likelihood
	Resid  []float64 // y − M·α̂
	ML     bool

	n, p int
	y    []float64
	m    *mat.Dense
	u    *mat.Dense // eigenvectors of K, columns
	s    []float64  // eigenvalues of K, ascending, clamped at 0
	yr   []float64  // Uᵀ·y
	mr   *mat.Dense // Uᵀ·M
	d    []float64  // (1−δ̂)·s + δ̂ at the optimum
}

// FitNull fits the null model by maximizing the restricted (default)
// or full likelihood over the variance components, with the fixed
// effects profiled out in closed form. K must be the kernel for the
// same n samples as y and M.
func FitNull(y []float64, m *mat.Dense, k *mat.SymDense, opts FitOptions) (*NullModel, error) {
	n := len(y)
	rows, p := m.Dims()
	if rows != n {
		return nil, &DimensionError{Quantity: "covariate matrix", Rows: rows, Cols: p, WantRows: n}
	}
	if p == 0 {
		return nil, &DimensionError{Quantity: "covariate matrix"}
	}
	if kn := k.Symmetric(); kn != n {
		return nil, &DimensionError{Quantity: "kernel matrix", Rows: kn, Cols: kn, WantRows: n}
	}
	if p >= n {
		return nil, &DimensionError{Quantity: "covariate matrix", Rows: n, Cols: p, WantRows: p + 1}
	}
	if stat.Variance(y, nil) == 0 {
		return nil, &DegenerateInputError{Quantity: "phenotype", Value: y[0]}
	}
	if err := checkFullRank(m); err != nil {
		return nil, err
	}

	var es mat.EigenSym
	if !es.Factorize(k, true) {
		return nil, &NumericalError{Op: "kernel eigendecomposition"}
	}
	s := es.Values(nil)
	for i, v := range s {
		if v < 0 {
			s[i] = 0 // roundoff; K is a Gram matrix
		}
	}
	u := mat.NewDense(n, n, nil)
	es.VectorsTo(u)

	nm := &NullModel{
		ML: opts.ML,
		n:  n,
		p:  p,
		y:  append([]float64(nil), y...),
		m:  mat.DenseCopyOf(m),
		u:  u,
		s:  s,
		yr: mulTransVec(u, y),
	}
	nm.mr = &mat.Dense{}
	nm.mr.Mul(u.T(), m)

	maxIter := opts.MaxIterations
	if maxIter == 0 {
		maxIter = 500
	}

	delta := 1.0
	if s[n-1] > zeroKernelTol {
		problem := optimize.Problem{Func: func(x []float64) float64 {
			f := nm.profile(sigmoid(x[0]))
			if !f.ok {
				return math.Inf(1)
			}
			return -f.loglik
		}}
		settings := &optimize.Settings{
			MajorIterations: maxIter,
			Converger:       &optimize.FunctionConverge{Absolute: 1e-10, Iterations: 25},
		}
		result, err := optimize.Minimize(problem, []float64{0}, settings, &optimize.NelderMead{})
		if result == nil {
			return nil, &NumericalError{Op: "variance-component optimization", Err: err}
		}
		delta = sigmoid(result.X[0])
		if result.Status == optimize.IterationLimit {
			f := nm.profile(delta)
			return nil, &ConvergenceError{
				Iterations: maxIter,
				Best:       [2]float64{f.scale * (1 - delta), f.scale * delta},
				LogLik:     f.loglik,
			}
		}
		if err != nil {
			return nil, &NumericalError{Op: "variance-component optimization", Err: err}
		}
	}

	f := nm.profile(delta)
	if !f.ok {
		return nil, &NumericalError{Op: "variance-component fit"}
	}
	nm.Delta = delta
	nm.Scale = f.scale
	nm.R1 = f.scale * (1 - delta)
	nm.R2 = f.scale * delta
	nm.Alpha = f.alpha
	nm.LogLik = f.loglik
	nm.d = make([]float64, n)
	for i, si := range s {
		nm.d[i] = (1-delta)*si + delta
	}
	nm.Resid = make([]float64, n)
	for i := 0; i < n; i++ {
		fitted := 0.0
		for j := 0; j < p; j++ {
			fitted += m.At(i, j) * f.alpha[j]
		}
		nm.Resid[i] = y[i] - fitted
	}
	return nm, nil
}

type profiledFit struct {
	scale  float64 // s², so that Σ = s²·((1−δ)K + δI)
	alpha  []float64
	loglik float64
	ok     bool
}

// profile evaluates the likelihood at a given δ with α and the overall
// scale concentrated out. All work happens in the eigenbasis of K,
// where the covariance is diagonal, so one evaluation is O(n·p²).
func (nm *NullModel) profile(delta float64) profiledFit {
	n, p := nm.n, nm.p
	a := mat.NewSymDense(p, nil)
	b := mat.NewVecDense(p, nil)
	logdetD := 0.0
	row := make([]float64, p)
	for i := 0; i < n; i++ {
		d := (1-delta)*nm.s[i] + delta
		if d <= 0 {
			return profiledFit{}
		}
		logdetD += math.Log(d)
		w := 1 / d
		for j := 0; j < p; j++ {
			row[j] = nm.mr.At(i, j)
		}
		for j := 0; j < p; j++ {
			b.SetVec(j, b.AtVec(j)+w*row[j]*nm.yr[i])
			for l := j; l < p; l++ {
				a.SetSym(j, l, a.At(j, l)+w*row[j]*row[l])
			}
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(a) {
		return profiledFit{}
	}
	alpha := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(alpha, b); err != nil {
		return profiledFit{}
	}
	rss := 0.0
	for i := 0; i < n; i++ {
		d := (1-delta)*nm.s[i] + delta
		r := nm.yr[i]
		for j := 0; j < p; j++ {
			r -= nm.mr.At(i, j) * alpha.AtVec(j)
		}
		rss += r * r / d
	}
	if rss <= 0 {
		return profiledFit{}
	}
	var scale, ll float64
	if nm.ML {
		scale = rss / float64(n)
		ll = -0.5 * (float64(n)*(ln2pi+math.Log(scale)+1) + logdetD)
	} else {
		nn := float64(n - p)
		scale = rss / nn
		ll = -0.5 * (nn*(ln2pi+math.Log(scale)+1) + logdetD + chol.LogDet())
	}
	out := profiledFit{scale: scale, loglik: ll, ok: true}
	out.alpha = make([]float64, p)
	copy(out.alpha, alpha.RawVector().Data)
	return out
}

// checkFullRank verifies the covariate columns are linearly
// independent, so the GLS system has a unique solution.
func checkFullRank(m *mat.Dense) error {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		return &NumericalError{Op: "covariate SVD"}
	}
	sv := svd.Values(nil)
	if len(sv) == 0 || sv[len(sv)-1] <= 1e-10*sv[0] {
		return &NumericalError{Op: "covariate rank check", Err: errRankDeficient}
	}
	return nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

func mulTransVec(a *mat.Dense, v []float64) []float64 {
	r, c := a.Dims()
	if r != len(v) {
		panic("mulTransVec: shape mismatch")
	}
	out := mat.NewVecDense(c, nil)
	out.MulVec(a.T(), mat.NewVecDense(len(v), v))
	return out.RawVector().Data
}
