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
)

// InvertUpperTriangular computes an approximate sparse inverse of the upper triangular
// matrix R, one column at a time by back-substitution of R x = e_j.
//
// Parameters:
//   - R: n x n upper triangular matrix. Rows with a zero (or missing) diagonal are treated
//     as removed dependent positions; their rows and columns of the inverse are empty
//   - fillBudget: maximum number of stored entries of the result. 0 or less means no limit
//   - tol: off-diagonal entries with |x| < tol are not stored (the diagonal always is)
//
// Returns:
//   - SpMat: R^-1 in the same (permuted) order as R
//   - error: ErrFillBudget together with the columns computed so far when the budget is
//     exceeded, or ErrDimension for a non-square / non-triangular R
func InvertUpperTriangular(R *SpMat, fillBudget int, tol float64) (*SpMat, error) {
	n := R.Rows
	if R.Cols != n {
		return nil, fmt.Errorf("%w: R must be square, R(%d x %d)", ErrDimension, R.Rows, R.Cols)
	}

	// Diagonal (zero for dependent positions)
	diag := make([]float64, n)
	for i := 0; i < n; i++ {
		ind, val := R.Row(i)
		if len(ind) == 0 {
			continue
		}
		if ind[0] < i {
			return nil, fmt.Errorf("%w: R is not upper triangular at (%d, %d)", ErrDimension, i, ind[0])
		}
		if ind[0] == i {
			diag[i] = val[0]
		}
	}

	var ri, ci []int
	var vals []float64
	work := make([]float64, n)
	for j := 0; j < n; j++ {
		if diag[j] == 0 {
			continue
		}

		// Back-substitution for column j; only rows 0..j can be non-zero
		work[j] = 1 / diag[j]
		for i := j - 1; i >= 0; i-- {
			if diag[i] == 0 {
				continue
			}
			ind, val := R.Row(i)
			s := 0.0
			for t := 1; t < len(ind) && ind[t] <= j; t++ {
				s += val[t] * work[ind[t]]
			}
			if s != 0 {
				work[i] = -s / diag[i]
			}
		}

		// Store the column and clear the work vector
		for i := 0; i <= j; i++ {
			v := work[i]
			if v == 0 {
				continue
			}
			work[i] = 0
			if i == j || math.Abs(v) >= tol {
				ri = append(ri, i)
				ci = append(ci, j)
				vals = append(vals, v)
			}
		}

		if fillBudget > 0 && len(vals) > fillBudget {
			return NewSpMat(n, n, ri, ci, vals), fmt.Errorf("%w: %d entries > %d after column %d of %d", ErrFillBudget, len(vals), fillBudget, j+1, n)
		}
	}
	return NewSpMat(n, n, ri, ci, vals), nil
}

// Default fill budget of R^-1: a fraction of the dense element count
func fillBudgetOf(n int, frac float64) int {
	return int(float64(n) * float64(n) * frac)
}
