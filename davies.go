// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

// Distribution function of a linear combination of chi-squared
// variables, computed by numerical inversion of the characteristic
// function. This is a port of Davies (1980), "The distribution of a
// linear combination of chi-squared random variables", applied
// statistics algorithm AS 155 (the qfc routine), restricted to zero
// gaussian component. Degrees of freedom and noncentralities are kept
// general even though the score test only ever passes df=1, nc=0.

import (
	"math"
	"sort"
)

const daviesLog28 = 0.0866 // ln(2)/8

type daviesState struct {
	lb []float64 // coefficients (eigenvalue weights)
	nc []float64 // noncentrality parameters
	n  []int     // degrees of freedom
	r  int
	c  float64 // point of evaluation

	lim   int
	count int

	sigsq            float64
	lmax, lmin, mean float64
	intl, ersm       float64
	ndtsrt, fail     bool
	th               []int
}

type daviesCountLimit struct{}

func (st *daviesState) counter() {
	st.count++
	if st.count > st.lim {
		panic(daviesCountLimit{})
	}
}

func daviesSq(x float64) float64 { return x * x }

func daviesExp1(x float64) float64 {
	if x < -50 {
		return 0
	}
	return math.Exp(x)
}

// daviesLog1 returns log(1+x), or log(1+x)-x if !first, via a series
// near zero where direct evaluation loses precision.
func daviesLog1(x float64, first bool) float64 {
	if math.Abs(x) > 0.1 {
		if first {
			return math.Log(1 + x)
		}
		return math.Log(1+x) - x
	}
	y := x / (2 + x)
	term := 2 * y * y * y
	k := 3.0
	s := -x * y
	if first {
		s = 2 * y
	}
	y = y * y
	for s1 := s + term/k; s1 != s; s1 = s + term/k {
		k += 2
		term *= y
		s = s1
	}
	return s
}

// order sorts component indices by decreasing |lb|.
func (st *daviesState) order() {
	for i := range st.th {
		st.th[i] = i
	}
	sort.SliceStable(st.th, func(i, j int) bool {
		return math.Abs(st.lb[st.th[i]]) > math.Abs(st.lb[st.th[j]])
	})
	st.ndtsrt = false
}

// errbd bounds the tail probability via the moment generating
// function at u; the cutoff point is stored in *cx.
func (st *daviesState) errbd(u float64, cx *float64) float64 {
	st.counter()
	xconst := u * st.sigsq
	sum1 := u * xconst
	u = 2 * u
	for j := st.r - 1; j >= 0; j-- {
		nj := float64(st.n[j])
		lj := st.lb[j]
		ncj := st.nc[j]
		x := u * lj
		y := 1 - x
		xconst += lj * (ncj/y + nj) / y
		sum1 += ncj*daviesSq(x/y) + nj*(daviesSq(x)/y+daviesLog1(-x, false))
	}
	*cx = xconst
	return daviesExp1(-0.5 * sum1)
}

// ctff finds a cutoff so that P(Q > cutoff) < accx (for *upn > 0; the
// lower tail otherwise).
func (st *daviesState) ctff(accx float64, upn *float64) float64 {
	u2 := *upn
	u1 := 0.0
	c1 := st.mean
	var c2, xconst float64
	rb := 2 * st.lmax
	if u2 < 0 {
		rb = 2 * st.lmin
	}
	u := u2 / (1 + u2*rb)
	for st.errbd(u, &c2) > accx {
		u1 = u2
		c1 = c2
		u2 *= 2
		u = u2 / (1 + u2*rb)
	}
	for u = (c1 - st.mean) / (c2 - st.mean); u < 0.9; u = (c1 - st.mean) / (c2 - st.mean) {
		u = (u1 + u2) / 2
		if st.errbd(u/(1+u*rb), &xconst) > accx {
			u1 = u
			c1 = xconst
		} else {
			u2 = u
			c2 = xconst
		}
	}
	*upn = u2
	return c2
}

// truncation bounds the integration error due to truncating the
// integral at u.
func (st *daviesState) truncation(u, tausq float64) float64 {
	st.counter()
	sum1 := 0.0
	prod2 := 0.0
	prod3 := 0.0
	s := 0
	sum2 := (st.sigsq + tausq) * daviesSq(u)
	prod1 := 2 * sum2
	u = 2 * u
	for j := 0; j < st.r; j++ {
		lj := st.lb[j]
		ncj := st.nc[j]
		nj := float64(st.n[j])
		x := daviesSq(u * lj)
		sum1 += ncj * x / (1 + x)
		if x > 1 {
			prod2 += nj * math.Log(x)
			prod3 += nj * daviesLog1(x, true)
			s += st.n[j]
		} else {
			prod1 += nj * daviesLog1(x, true)
		}
	}
	sum1 = 0.5 * sum1
	prod2 = prod1 + prod2
	prod3 = prod1 + prod3
	x := daviesExp1(-sum1-0.25*prod2) / math.Pi
	y := daviesExp1(-sum1-0.25*prod3) / math.Pi
	err1 := 1.0
	if s != 0 {
		err1 = x * 2 / float64(s)
	}
	err2 := 1.0
	if prod3 > 1 {
		err2 = 2.5 * y
	}
	if err2 < err1 {
		err1 = err2
	}
	x = 0.5 * sum2
	if x <= y {
		err2 = 1
	} else {
		err2 = y / x
	}
	if err1 < err2 {
		return err1
	}
	return err2
}

// findu locates u with truncation(u) < accx and truncation(u/1.2) > accx.
func (st *daviesState) findu(utx *float64, accx float64) {
	divis := [...]float64{2, 1.4, 1.2, 1.1}
	ut := *utx
	u := ut / 4
	if st.truncation(u, 0) > accx {
		for u = ut; st.truncation(u, 0) > accx; u = ut {
			ut *= 4
		}
	} else {
		ut = u
		for u = u / 4; st.truncation(u, 0) <= accx; u = u / 4 {
			ut = u
		}
	}
	for _, d := range divis {
		u = ut / d
		if st.truncation(u, 0) <= accx {
			ut = u
		}
	}
	*utx = ut
}

// integrate adds nterm terms at stepsize interv to the inversion
// integral; if !mainx the integrand carries the convergence factor
// 1 - exp(-tausq u²/2).
func (st *daviesState) integrate(nterm int, interv, tausq float64, mainx bool) {
	inpi := interv / math.Pi
	for k := nterm; k >= 0; k-- {
		u := (float64(k) + 0.5) * interv
		sum1 := -2 * u * st.c
		sum2 := math.Abs(sum1)
		sum3 := -0.5 * st.sigsq * daviesSq(u)
		for j := st.r - 1; j >= 0; j-- {
			nj := float64(st.n[j])
			x := 2 * st.lb[j] * u
			y := daviesSq(x)
			sum3 -= 0.25 * nj * daviesLog1(y, true)
			y = st.nc[j] * x / (1 + y)
			z := nj*math.Atan(x) + y
			sum1 += z
			sum2 += math.Abs(z)
			sum3 -= 0.5 * x * y
		}
		x := inpi * daviesExp1(sum3) / u
		if !mainx {
			x *= 1 - daviesExp1(-0.5*tausq*daviesSq(u))
		}
		st.intl += math.Sin(0.5*sum1) * x
		st.ersm += 0.5 * sum2
	}
}

// cfe estimates the coefficient of tausq in the error when the
// convergence factor is evaluated at x.
func (st *daviesState) cfe(x float64) float64 {
	st.counter()
	if st.ndtsrt {
		st.order()
	}
	axl := math.Abs(x)
	sxl := -1.0
	if x > 0 {
		sxl = 1.0
	}
	sum1 := 0.0
	for j := st.r - 1; j >= 0; j-- {
		t := st.th[j]
		if st.lb[t]*sxl > 0 {
			lj := math.Abs(st.lb[t])
			axl1 := axl - lj*(float64(st.n[t])+st.nc[t])
			axl2 := lj / daviesLog28
			if axl1 > axl2 {
				axl = axl1
			} else {
				if axl > axl2 {
					axl = axl2
				}
				sum1 = (axl - axl1) / lj
				for k := j - 1; k >= 0; k-- {
					sum1 += float64(st.n[st.th[k]]) + st.nc[st.th[k]]
				}
				break
			}
		}
	}
	if sum1 > 100 {
		st.fail = true
		return 1
	}
	return math.Pow(2, sum1/4) / (math.Pi * daviesSq(axl))
}

// daviesCDF returns P(Σ lambda_j·χ²(1) < q) to accuracy acc, spending
// at most lim terms on the integration. fault is nonzero when the
// requested accuracy was not achieved:
//
//	1  required accuracy not attainable within lim
//	2  round-off error possibly significant
//	4  term budget exhausted
func daviesCDF(q float64, lambda []float64, acc float64, lim int) (value float64, fault int) {
	r := len(lambda)
	st := &daviesState{
		lb:     append([]float64(nil), lambda...),
		nc:     make([]float64, r),
		n:      make([]int, r),
		r:      r,
		c:      q,
		lim:    lim,
		ndtsrt: true,
		th:     make([]int, r),
	}
	for j := range st.n {
		st.n[j] = 1
	}

	value = -1
	defer func() {
		if p := recover(); p != nil {
			if _, ok := p.(daviesCountLimit); !ok {
				panic(p)
			}
			value, fault = -1, 4
		}
	}()

	sd := st.sigsq
	for j := 0; j < r; j++ {
		lj := st.lb[j]
		sd += daviesSq(lj) * (2*float64(st.n[j]) + 4*st.nc[j])
		st.mean += lj * (float64(st.n[j]) + st.nc[j])
		if st.lmax < lj {
			st.lmax = lj
		} else if st.lmin > lj {
			st.lmin = lj
		}
	}
	if sd == 0 {
		if q > 0 {
			return 1, 0
		}
		return 0, 0
	}
	sd = math.Sqrt(sd)
	almx := st.lmax
	if -st.lmin > almx {
		almx = -st.lmin
	}

	acc1 := acc
	utx := 16 / sd
	up := 4.5 / sd
	un := -up
	st.findu(&utx, 0.5*acc1)
	if q != 0 && almx > 0.07*sd {
		tausq := 0.25 * acc1 / st.cfe(q)
		if st.fail {
			st.fail = false
		} else if st.truncation(utx, tausq) < 0.2*acc1 {
			st.sigsq += tausq
			st.findu(&utx, 0.25*acc1)
		}
	}
	acc1 *= 0.5

	xlim := float64(st.lim)
	for {
		d1 := st.ctff(acc1, &up) - q
		if d1 < 0 {
			return 1, 0
		}
		d2 := q - st.ctff(acc1, &un)
		if d2 < 0 {
			return 0, 0
		}
		intv := 2 * math.Pi / math.Max(d1, d2)
		xnt := utx / intv
		xntm := 3 / math.Sqrt(acc1)
		if xnt > xntm*1.5 {
			// auxiliary integration with a convergence factor
			if xntm > xlim {
				return -1, 1
			}
			ntm := int(math.Floor(xntm + 0.5))
			intv1 := utx / float64(ntm)
			x := 2 * math.Pi / intv1
			if x > math.Abs(q) {
				tausq := 0.33 * acc1 / (1.1 * (st.cfe(q-x) + st.cfe(q+x)))
				if !st.fail {
					acc1 = 0.67 * acc1
					st.integrate(ntm, intv1, tausq, false)
					xlim -= xntm
					st.sigsq += tausq
					st.findu(&utx, 0.25*acc1)
					acc1 = 0.75 * acc1
					continue
				}
			}
		}
		// main integration
		if xnt > xlim {
			return -1, 1
		}
		nt := int(math.Floor(xnt + 0.5))
		st.integrate(nt, intv, 0, true)
		value = 0.5 - st.intl
		break
	}

	// round-off error check, allowing for radix 8/16 machines
	upx := st.ersm
	x := upx + acc/10
	for _, rat := range [...]float64{1, 2, 4, 8} {
		if rat*x == rat*upx {
			fault = 2
		}
	}
	return value, fault
}
