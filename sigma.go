// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Implements the robust spread statistic and the extra-variance estimator.

package gosurf

import (
	"math"

	"golang.org/x/exp/slices"
)

// RDE returns the robust spread of x: half the distance between the 16th and the
// 84th percentile. Non-finite values are ignored. NaN for fewer than two samples.
func RDE(x []float64) float64 {
	s := sortedFinite(x)
	if len(s) < 2 {
		return math.NaN()
	}
	return (interpPercentile(s, RDE_HIGH) - interpPercentile(s, RDE_LOW)) / 2
}

// Sorted copy of the finite values
func sortedFinite(x []float64) []float64 {
	s := make([]float64, 0, len(x))
	for _, v := range x {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			s = append(s, v)
		}
	}
	slices.Sort(s)
	return s
}

// Percentile of sorted data s at fraction p, with sample i placed at (i+0.5)/n and
// linear interpolation between samples; clamped to the extremes outside the knots
func interpPercentile(s []float64, p float64) float64 {
	n := len(s)
	pos := p*float64(n) - 0.5
	if pos <= 0 {
		return s[0]
	}
	if pos >= float64(n-1) {
		return s[n-1]
	}
	i := int(math.Floor(pos))
	f := pos - float64(i)
	return s[i] + f*(s[i+1]-s[i])
}

// Percentile (0-100) of x with linear interpolation between closest ranks
// ((n-1) p / 100 position). NaN for empty input.
func percentile(x []float64, q float64) float64 {
	s := sortedFinite(x)
	n := len(s)
	if n == 0 {
		return math.NaN()
	}
	pos := float64(n-1) * q / 100
	i := int(math.Floor(pos))
	if i >= n-1 {
		return s[n-1]
	}
	if i < 0 {
		return s[0]
	}
	f := pos - float64(i)
	return s[i] + f*(s[i+1]-s[i])
}

// SigmaExtra returns the extra standard deviation s that brings the robust spread of
// the scaled residuals r / sqrt(s^2 + sigma^2) to 1. The search is bounded to
// [0, RDE(r)]. Zero when there are fewer than two samples or when the residuals
// are already within their nominal errors.
func SigmaExtra(r, sigma []float64) float64 {
	if len(r) < 2 || len(r) != len(sigma) {
		return 0
	}
	hi := RDE(r)
	if math.IsNaN(hi) || hi <= 0 {
		return 0
	}

	// Scaled spread for candidate s
	rs := make([]float64, len(r))
	spread := func(s float64) float64 {
		for i := range r {
			rs[i] = r[i] / math.Sqrt(s*s+sigma[i]*sigma[i])
		}
		return RDE(rs)
	}

	// The spread decreases with s: nothing to add if it is already <= 1
	f0 := spread(0)
	if math.IsNaN(f0) || f0 <= 1 {
		return 0
	}
	cost := func(s float64) float64 {
		return SQ(spread(s) - 1)
	}
	s := fminbound(cost, 0, hi, BRENT_XTOL, BRENT_MAX_ITER)
	if cost(0) <= cost(s) {
		return 0
	}
	return s
}

// Bounded scalar minimization of f on [a, b] by Brent's method
// (golden section search with parabolic interpolation)
func fminbound(f func(float64) float64, a, b, xtol float64, maxfun int) float64 {
	sqrtEps := math.Sqrt(eps)
	golden := 0.5 * (3 - math.Sqrt(5))

	fulc := a + golden*(b-a)
	nfc, xf := fulc, fulc
	rat, e := 0.0, 0.0
	fx := f(xf)
	num := 1
	ffulc, fnfc := fx, fx
	xm := 0.5 * (a + b)
	tol1 := sqrtEps*math.Abs(xf) + xtol/3
	tol2 := 2 * tol1

	for math.Abs(xf-xm) > tol2-0.5*(b-a) {
		useGolden := true

		// Try a parabolic step
		if math.Abs(e) > tol1 {
			useGolden = false
			r := (xf - nfc) * (fx - ffulc)
			q := (xf - fulc) * (fx - fnfc)
			p := (xf-fulc)*q - (xf-nfc)*r
			q = 2 * (q - r)
			if q > 0 {
				p = -p
			}
			q = math.Abs(q)
			r = e
			e = rat
			if math.Abs(p) < math.Abs(0.5*q*r) && p > q*(a-xf) && p < q*(b-xf) {
				rat = p / q
				x := xf + rat
				if x-a < tol2 || b-x < tol2 {
					rat = tol1 * signOrOne(xm-xf)
				}
			} else {
				useGolden = true
			}
		}

		// Golden section step
		if useGolden {
			if xf >= xm {
				e = a - xf
			} else {
				e = b - xf
			}
			rat = golden * e
		}

		x := xf + signOrOne(rat)*math.Max(math.Abs(rat), tol1)
		fu := f(x)
		num++

		if fu <= fx {
			if x >= xf {
				a = xf
			} else {
				b = xf
			}
			fulc, ffulc = nfc, fnfc
			nfc, fnfc = xf, fx
			xf, fx = x, fu
		} else {
			if x < xf {
				a = x
			} else {
				b = x
			}
			if fu <= fnfc || nfc == xf {
				fulc, ffulc = nfc, fnfc
				nfc, fnfc = x, fu
			} else if fu <= ffulc || fulc == xf || fulc == nfc {
				fulc, ffulc = x, fu
			}
		}

		xm = 0.5 * (a + b)
		tol1 = sqrtEps*math.Abs(xf) + xtol/3
		tol2 = 2 * tol1
		if num >= maxfun {
			break
		}
	}
	return xf
}

// Sign of x, with +1 for zero
func signOrOne(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
