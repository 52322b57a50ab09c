// Copyright (C) The gxglmm Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package gxglmm

import (
	"errors"
	"fmt"
	"strings"
)

var errRankDeficient = errors.New("columns are linearly dependent")

// InputAlignmentError indicates that a table's sample set does not
// match the phenotype table's sample set.
type InputAlignmentError struct {
	Table    string   // path of the offending table
	NSamples int      // sample count in the offending table
	NRef     int      // sample count in the phenotype table
	Missing  []string // IDs present in the phenotype table but not here
	Extra    []string // IDs present here but not in the phenotype table
}

func (e *InputAlignmentError) Error() string {
	msg := fmt.Sprintf("%s: sample set does not match phenotype table: %d vs %d samples", e.Table, e.NSamples, e.NRef)
	if len(e.Missing) > 0 {
		msg += fmt.Sprintf(", missing %d (%s)", len(e.Missing), exampleIDs(e.Missing))
	}
	if len(e.Extra) > 0 {
		msg += fmt.Sprintf(", extra %d (%s)", len(e.Extra), exampleIDs(e.Extra))
	}
	return msg
}

func exampleIDs(ids []string) string {
	if len(ids) > 3 {
		return strings.Join(ids[:3], ", ") + ", ..."
	}
	return strings.Join(ids, ", ")
}

// DimensionError indicates incompatible matrix/vector shapes.
type DimensionError struct {
	Quantity   string
	Rows, Cols int
	WantRows   int
}

func (e *DimensionError) Error() string {
	if e.Cols == 0 && e.WantRows == 0 {
		return fmt.Sprintf("%s has no columns", e.Quantity)
	}
	return fmt.Sprintf("%s is %d×%d, want %d rows", e.Quantity, e.Rows, e.Cols, e.WantRows)
}

// DegenerateInputError indicates an input with no usable variation,
// e.g. a genotype vector that is the same for every sample.
type DegenerateInputError struct {
	Quantity string
	Value    float64 // the constant value observed
}

func (e *DegenerateInputError) Error() string {
	return fmt.Sprintf("%s has zero variance (constant value %g)", e.Quantity, e.Value)
}

// ConvergenceError indicates the variance-component optimizer ran out
// of iterations. Best carries the best (r1, r2) found so far and
// LogLik its (restricted) log-likelihood, for diagnostics only -- the
// fit must not be used as a result.
type ConvergenceError struct {
	Iterations int
	Best       [2]float64
	LogLik     float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("variance-component fit did not converge in %d iterations (best r1=%g r2=%g loglik=%g)", e.Iterations, e.Best[0], e.Best[1], e.LogLik)
}

// NumericalError indicates a failed decomposition or a covariance
// structure that is not numerically positive definite.
type NumericalError struct {
	Op  string
	Err error
}

func (e *NumericalError) Error() string {
	if e.Err == nil {
		return "numerical failure in " + e.Op
	}
	return fmt.Sprintf("numerical failure in %s: %s", e.Op, e.Err)
}

func (e *NumericalError) Unwrap() error { return e.Err }
