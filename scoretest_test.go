// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/check.v1"
)

type scoreSuite struct{}

var _ = check.Suite(&scoreSuite{})

// TestSixSampleExample: six samples, intercept only, two mean-centered
// PCs, one triallelic-coded variant. The p-value must come out strictly
// inside (0,1) and the weights must be positive.
func (s *scoreSuite) TestSixSampleExample(c *check.C) {
	y := []float64{1, 2, 3, 4, 5, 6}
	n := len(y)
	m := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		m.Set(i, 0, 1)
	}
	env := mat.NewDense(n, 2, []float64{
		0.3, -0.9,
		-1.2, 0.4,
		0.8, 1.3,
		1.5, -0.2,
		-0.7, 0.8,
		-0.4, -1.1,
	})
	standardizeColumns(env)
	scaleEnv(env)
	k, err := newKernel(env, n)
	c.Assert(err, check.IsNil)
	nm, err := FitNull(y, m, k, FitOptions{})
	c.Assert(err, check.IsNil)

	g := []float64{0, 1, 2, 0, 1, 2}
	res, err := nm.ScoreTest(g, env)
	c.Assert(err, check.IsNil)
	c.Check(res.Stat > 0, check.Equals, true)
	c.Check(res.PValue > 0, check.Equals, true)
	c.Check(res.PValue < 1, check.Equals, true)
	c.Check(res.Method, check.Equals, "davies")
	c.Check(len(res.Weights) > 0, check.Equals, true)
	for _, w := range res.Weights {
		c.Check(w > 0, check.Equals, true)
	}
}

func (s *scoreSuite) TestPValueRange(c *check.C) {
	var ls lmmSuite
	y, m, env, k := ls.testData(c)
	nm, err := FitNull(y, m, k, FitOptions{})
	c.Assert(err, check.IsNil)
	for _, g := range [][]float64{
		{0, 1, 2, 0, 1, 2, 0, 1, 2, 0},
		{2, 2, 2, 2, 2, 1, 2, 2, 2, 0},
		{0.1, 1.9, 0.7, 1.2, 0.4, 1.6, 0.9, 0.2, 1.1, 0.8},
		{0, 0, 0, 0, 0, 0, 0, 0, 0, 1},
	} {
		res, err := nm.ScoreTest(g, env)
		c.Assert(err, check.IsNil)
		c.Check(res.PValue > 0, check.Equals, true)
		c.Check(res.PValue <= 1, check.Equals, true)
		c.Check(res.Method == "davies" || res.Method == "liu", check.Equals, true)
	}
}

// Relabeling the samples must not change the test: permute every input
// by the same permutation and compare.
func (s *scoreSuite) TestSamplePermutationInvariance(c *check.C) {
	var ls lmmSuite
	y, m, env, k := ls.testData(c)
	n, p := m.Dims()
	_, ke := env.Dims()
	nm, err := FitNull(y, m, k, FitOptions{})
	c.Assert(err, check.IsNil)
	g := []float64{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}
	res, err := nm.ScoreTest(g, env)
	c.Assert(err, check.IsNil)

	perm := []int{7, 2, 9, 0, 5, 1, 8, 3, 6, 4}
	yp := make([]float64, n)
	gp := make([]float64, n)
	mp := mat.NewDense(n, p, nil)
	envp := mat.NewDense(n, ke, nil)
	for i, src := range perm {
		yp[i] = y[src]
		gp[i] = g[src]
		for j := 0; j < p; j++ {
			mp.Set(i, j, m.At(src, j))
		}
		for j := 0; j < ke; j++ {
			envp.Set(i, j, env.At(src, j))
		}
	}
	kp, err := newKernel(envp, n)
	c.Assert(err, check.IsNil)
	nmp, err := FitNull(yp, mp, kp, FitOptions{})
	c.Assert(err, check.IsNil)
	resp, err := nmp.ScoreTest(gp, envp)
	c.Assert(err, check.IsNil)

	c.Check(math.Abs(nm.LogLik-nmp.LogLik) < 1e-6, check.Equals, true)
	c.Check(math.Abs(res.Stat-resp.Stat) < 1e-6, check.Equals, true)
	c.Check(math.Abs(res.PValue-resp.PValue) < 1e-6, check.Equals, true)
}

func (s *scoreSuite) TestConstantGenotype(c *check.C) {
	var ls lmmSuite
	y, m, env, k := ls.testData(c)
	nm, err := FitNull(y, m, k, FitOptions{})
	c.Assert(err, check.IsNil)
	g := make([]float64, len(y))
	for i := range g {
		g[i] = 2
	}
	_, err = nm.ScoreTest(g, env)
	c.Assert(err, check.FitsTypeOf, &DegenerateInputError{})
}

func (s *scoreSuite) TestGenotypeLengthMismatch(c *check.C) {
	var ls lmmSuite
	y, m, env, k := ls.testData(c)
	nm, err := FitNull(y, m, k, FitOptions{})
	c.Assert(err, check.IsNil)
	_, err = nm.ScoreTest([]float64{0, 1, 2}, env)
	c.Assert(err, check.FitsTypeOf, &DimensionError{})
}

// Rescaling g scales the statistic and the weights by the same factor,
// so the p-value is unchanged.
func (s *scoreSuite) TestGenotypeScaleInvariance(c *check.C) {
	var ls lmmSuite
	y, m, env, k := ls.testData(c)
	nm, err := FitNull(y, m, k, FitOptions{})
	c.Assert(err, check.IsNil)
	g := []float64{0, 1, 2, 0, 1, 2, 0, 1, 2, 0}
	res1, err := nm.ScoreTest(g, env)
	c.Assert(err, check.IsNil)
	scaled := make([]float64, len(g))
	for i, v := range g {
		scaled[i] = 2 * v
	}
	res2, err := nm.ScoreTest(scaled, env)
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(res2.Stat-4*res1.Stat) < 1e-6*(1+res1.Stat), check.Equals, true)
	c.Check(math.Abs(res1.PValue-res2.PValue) < 1e-6, check.Equals, true)
}
