// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// ------------------------------------
// Mini functions
// ------------------------------------

func SQ(x float64) float64 {
	return x * x
}

// Check that every element is a finite number
func allFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Maximum of |a[i]-b[i]| over the given indices
func maxAbsDiff(a, b []float64, idx []int) float64 {
	d := 0.0
	for _, i := range idx {
		d = math.Max(d, math.Abs(a[i]-b[i]))
	}
	return d
}

// Count true values
func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}

// Indices of true values
func flatNonzero(b []bool) []int {
	idx := make([]int, 0, len(b))
	for i, v := range b {
		if v {
			idx = append(idx, i)
		}
	}
	return idx
}

func equalMask(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ------------------------------------
// Logging
// ------------------------------------

// Return a sugared logger. Output is discarded when no logger is given or when
// verbose output is switched off.
func sugar(l *zap.Logger, verbose bool) *zap.SugaredLogger {
	if l == nil || !verbose {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Format a (small) matrix for debug output
func FormatMat(X mat.Matrix) string {
	r, c := X.Dims()
	fa := mat.Formatted(X, mat.Prefix(""), mat.Squeeze())
	return fmt.Sprintf("(%d x %d)\n%v", r, c, fa)
}

// ------------------------------------
// Timing
// ------------------------------------

// Elapsed time of each processing phase
type Timing map[string]time.Duration

// Record the time elapsed since start under name
func (p Timing) Track(name string, start time.Time) {
	p[name] = time.Since(start)
}

// Total of all recorded phases
func (p Timing) Total() time.Duration {
	var d time.Duration
	for _, v := range p {
		d += v
	}
	return d
}
