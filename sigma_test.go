// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Evenly spaced residuals centered on zero: (i - (n-1)/2) * step
func evenResiduals(n int, step float64) []float64 {
	r := make([]float64, n)
	for i := range r {
		r[i] = (float64(i) - float64(n-1)/2) * step
	}
	return r
}

func constSigma(n int, s float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = s
	}
	return v
}

func TestRDE(t *testing.T) {
	assert.InDelta(t, 3.4, RDE(evenResiduals(100, 0.1)), 1e-12)

	// Order and non-finite values do not matter
	x := []float64{5, math.NaN(), 1, 4, math.Inf(1), 2, 3}
	assert.InDelta(t, RDE([]float64{1, 2, 3, 4, 5}), RDE(x), 1e-15)

	assert.True(t, math.IsNaN(RDE(nil)))
	assert.True(t, math.IsNaN(RDE([]float64{1})))
	assert.Equal(t, 0.0, RDE([]float64{2, 2, 2}))
}

func TestPercentile(t *testing.T) {
	x := []float64{5, 1, 3, 2, 4}
	assert.Equal(t, 3.0, percentile(x, 50))
	assert.InDelta(t, 4.8, percentile(x, 95), 1e-12)
	assert.Equal(t, 1.0, percentile(x, 0))
	assert.Equal(t, 5.0, percentile(x, 100))
	assert.True(t, math.IsNaN(percentile(nil, 50)))
}

func TestSigmaExtraExact(t *testing.T) {
	// With a common sigma the scaled spread is RDE(r) / sqrt(s^2 + sigma^2)
	r := evenResiduals(100, 0.1)
	s := SigmaExtra(r, constSigma(100, 1))
	assert.InDelta(t, math.Sqrt(3.4*3.4-1), s, 1e-3)

	// The scaled spread at the estimate is 1
	rs := make([]float64, len(r))
	for i := range r {
		rs[i] = r[i] / math.Sqrt(s*s+1)
	}
	assert.InDelta(t, 1.0, RDE(rs), 1e-3)
}

func TestSigmaExtraZero(t *testing.T) {
	tests := []struct {
		name  string
		r     []float64
		sigma []float64
	}{
		{"empty", nil, nil},
		{"one sample", []float64{10}, []float64{1}},
		{"length mismatch", []float64{1, 2, 3}, []float64{1, 1}},
		{"within errors", evenResiduals(100, 0.01), constSigma(100, 1)},
		{"no spread", constSigma(10, 5), constSigma(10, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0.0, SigmaExtra(tt.r, tt.sigma))
		})
	}
}

func TestSigmaExtraMonotone(t *testing.T) {
	sigma := constSigma(200, 0.5)
	last := 0.0
	for _, step := range []float64{0.02, 0.04, 0.08, 0.16} {
		s := SigmaExtra(evenResiduals(200, step), sigma)
		assert.Greater(t, s, last, "step %g", step)
		last = s
	}
}

func TestFminbound(t *testing.T) {
	x := fminbound(func(x float64) float64 { return SQ(x - 2) }, 0, 5, 1e-6, 500)
	assert.InDelta(t, 2.0, x, 1e-5)

	// Minimum on the boundary
	x = fminbound(func(x float64) float64 { return SQ(x + 1) }, 0, 3, 1e-6, 500)
	assert.InDelta(t, 0.0, x, 1e-4)

	// Evaluation cap
	n := 0
	fminbound(func(x float64) float64 { n++; return math.Cos(x) }, 0, 6, 1e-12, 5)
	assert.LessOrEqual(t, n, 5)
}
