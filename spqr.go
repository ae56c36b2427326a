// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Implements a sparse rank-revealing QR factorization by row-wise Givens rotations
// (George and Heath). R is never formed densely; each row of A is rotated into the
// rows of R one leading entry at a time.

package gosurf

import (
	"cmp"
	"fmt"
	"math"
	"sort"

	"golang.org/x/exp/slices"
)

// Sparse row with sorted column indices
type sprow struct {
	ind []int
	val []float64
}

// SparseQR is the default backend
type SparseQR struct {
	RankTol float64 // Diagonal threshold for rank deficiency. 0 means 20 (m+n) eps max|a_j|
}

// Check that the backends satisfy the interface
var (
	_ Backend = (*SparseQR)(nil)
	_ Backend = (*DenseQR)(nil)
)

// Column ordering: columns with fewer entries first. Rotating sparse columns
// early keeps the fill of R low.
func colCountOrder(a *SpMat) []int {
	cnt := make([]int, a.Cols)
	for _, j := range a.Ind {
		cnt[j]++
	}
	perm := make([]int, a.Cols)
	for j := range perm {
		perm[j] = j
	}
	slices.SortStableFunc(perm, func(x, y int) int { return cmp.Compare(cnt[x], cnt[y]) })
	return perm
}

func (p *SparseQR) Factorize(A *SpMat, b []float64) (*Factor, error) {
	m, n := A.Dims()
	if len(b) != m {
		return nil, fmt.Errorf("%w: A(%d x %d), b(%d)", ErrDimension, m, n, len(b))
	}

	// Column permutation and its inverse
	perm := colCountOrder(A)
	iperm := make([]int, n)
	for k, j := range perm {
		iperm[j] = k
	}

	// Rows of A in permuted column order, processed by leading column
	type arow struct {
		r    sprow
		beta float64
	}
	rows := make([]arow, 0, m)
	for i := 0; i < m; i++ {
		ind, val := A.Row(i)
		r := sprow{ind: make([]int, 0, len(ind)), val: make([]float64, 0, len(ind))}
		for t, j := range ind {
			if val[t] != 0 {
				r.ind = append(r.ind, iperm[j])
				r.val = append(r.val, val[t])
			}
		}
		if len(r.ind) == 0 {
			continue // Only contributes to the residual
		}
		sort.Sort(rowSorter{ind: r.ind, data: r.val})
		rows = append(rows, arow{r: r, beta: b[i]})
	}
	slices.SortStableFunc(rows, func(x, y arow) int { return cmp.Compare(x.r.ind[0], y.r.ind[0]) })

	tol := p.RankTol
	if tol == 0 {
		tol = defaultRankTol(A)
	}

	// Rotate every row into R. A row reaching an empty position with a negligible
	// leading entry drops that entry and goes on to the next column, so that
	// column stays dead and the rest of the row still reaches R.
	R := make([]sprow, n)
	z := make([]float64, n)
	for _, row := range rows {
		a, beta := row.r, row.beta
		for len(a.ind) > 0 {
			k := a.ind[0]
			if len(R[k].ind) == 0 {
				if math.Abs(a.val[0]) <= tol {
					a = sprow{ind: a.ind[1:], val: a.val[1:]}
					continue
				}
				R[k] = a
				z[k] = beta
				break
			}
			x, y := R[k].val[0], a.val[0]
			h := math.Hypot(x, y)
			c, s := x/h, y/h
			R[k], a = givens(R[k], a, c, s, h)
			z[k], beta = c*z[k]+s*beta, -s*z[k]+c*beta
		}
	}
	return newFactor(R, z, perm, tol), nil
}

// Apply the rotation [c s; -s c] to the rows (r, a) that share the leading column.
// The leading entry of r becomes h and that of a is eliminated.
func givens(r, a sprow, c, s, h float64) (sprow, sprow) {
	nr := sprow{ind: make([]int, 0, len(r.ind)+len(a.ind)), val: make([]float64, 0, len(r.ind)+len(a.ind))}
	na := sprow{ind: make([]int, 0, len(r.ind)+len(a.ind)), val: make([]float64, 0, len(r.ind)+len(a.ind))}
	nr.ind = append(nr.ind, r.ind[0])
	nr.val = append(nr.val, h)
	i, j := 1, 1
	for i < len(r.ind) || j < len(a.ind) {
		var col int
		var rv, av float64
		switch {
		case j >= len(a.ind) || (i < len(r.ind) && r.ind[i] < a.ind[j]):
			col, rv = r.ind[i], r.val[i]
			i++
		case i >= len(r.ind) || a.ind[j] < r.ind[i]:
			col, av = a.ind[j], a.val[j]
			j++
		default:
			col, rv, av = r.ind[i], r.val[i], a.val[j]
			i++
			j++
		}
		if v := c*rv + s*av; v != 0 {
			nr.ind = append(nr.ind, col)
			nr.val = append(nr.val, v)
		}
		if v := -s*rv + c*av; v != 0 {
			na.ind = append(na.ind, col)
			na.val = append(na.val, v)
		}
	}
	return nr, na
}

func (p *SparseQR) SolveLeastSquares(A *SpMat, b []float64) ([]float64, error) {
	f, err := p.Factorize(A, b)
	if err != nil {
		return nil, err
	}
	x := f.Solve()
	if err := checkSolution(f, x); err != nil {
		return nil, err
	}
	return x, nil
}

func (p *SparseQR) InvertUpperTriangular(R *SpMat, fillBudget int, tol float64) (*SpMat, error) {
	return InvertUpperTriangular(R, fillBudget, tol)
}
