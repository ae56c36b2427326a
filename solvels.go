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

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// Backend is the linear-algebra backend used by the fit and the error propagation
type Backend interface {
	// Factorize computes the rank-revealing QR factorization A P = Q R and Q^T b
	Factorize(A *SpMat, b []float64) (*Factor, error)
	// SolveLeastSquares returns the minimizer of |A x - b|
	SolveLeastSquares(A *SpMat, b []float64) ([]float64, error)
	// InvertUpperTriangular returns an approximate sparse inverse of R
	InvertUpperTriangular(R *SpMat, fillBudget int, tol float64) (*SpMat, error)
}

// Factor is the result of a QR factorization
type Factor struct {
	R    *SpMat    // n x n upper triangular factor in permuted column order
	Z    []float64 // First n elements of Q^T b (permuted order)
	Perm []int     // Perm[k]: original column at permuted position k
	Rank int       // Numerical rank
	Dead []bool    // Dead[k]: permuted position k is numerically dependent (row and column removed from R)
}

// Solve performs the back-substitution R y = z and returns x = P y.
// Dependent columns get a zero component (basic solution).
func (p *Factor) Solve() []float64 {
	n := len(p.Perm)
	y := make([]float64, n)
	for k := n - 1; k >= 0; k-- {
		if p.Dead[k] {
			continue
		}
		ind, val := p.R.Row(k)
		s := p.Z[k]
		for t := 1; t < len(ind); t++ {
			s -= val[t] * y[ind[t]]
		}
		y[k] = s / val[0]
	}
	x := make([]float64, n)
	for k, j := range p.Perm {
		x[j] = y[k]
	}
	return x
}

// UnpermuteRows maps row k of a matrix in permuted order (such as R^-1) to row Perm[k]
func (p *Factor) UnpermuteRows(a *SpMat) *SpMat {
	return a.PermuteRows(p.Perm)
}

// DeadParams returns the original column indices of the dependent columns
func (p *Factor) DeadParams() []int {
	var d []int
	for k, dead := range p.Dead {
		if dead {
			d = append(d, p.Perm[k])
		}
	}
	return d
}

// Default rank tolerance: 20 (m+n) eps max_j |a_j|
func defaultRankTol(a *SpMat) float64 {
	nmax := 0.0
	for _, v := range a.ColNorms() {
		nmax = math.Max(nmax, v)
	}
	return 20 * float64(a.Rows+a.Cols) * eps * nmax
}

// Machine epsilon
const eps = 2.220446049250313e-16

// Build a Factor from the rows of R. Positions whose diagonal is missing or below tol
// are dependent: their rows are removed and their columns dropped from the other rows.
func newFactor(rows []sprow, z []float64, perm []int, tol float64) *Factor {
	n := len(perm)
	dead := make([]bool, n)
	rank := 0
	for k := 0; k < n; k++ {
		r := rows[k]
		if len(r.ind) == 0 || r.ind[0] != k || math.Abs(r.val[0]) <= tol {
			dead[k] = true
			continue
		}
		rank++
	}
	var ri, ci []int
	var vals []float64
	for k := 0; k < n; k++ {
		if dead[k] {
			continue
		}
		for t, j := range rows[k].ind {
			if dead[j] {
				continue
			}
			ri = append(ri, k)
			ci = append(ci, j)
			vals = append(vals, rows[k].val[t])
		}
	}
	zz := make([]float64, n)
	copy(zz, z)
	return &Factor{
		R:    NewSpMat(n, n, ri, ci, vals),
		Z:    zz,
		Perm: perm,
		Rank: rank,
		Dead: dead,
	}
}

// Check the solution of a least-squares solve
func checkSolution(f *Factor, x []float64) error {
	if f.Rank == 0 {
		return fmt.Errorf("%w: system has zero rank", ErrNumerical)
	}
	if !allFinite(x) {
		return fmt.Errorf("%w: solution is not finite", ErrNumerical)
	}
	return nil
}

// ------------------------------------
// Dense backend (gonum)
// ------------------------------------

// DenseQR is a backend based on the dense Householder QR of gonum.
// It does not reorder columns (identity permutation) and is meant for small systems
// and as a reference for the sparse backend. Dependent columns are removed one at a
// time and the remaining columns refactorized.
type DenseQR struct {
	RankTol float64 // Diagonal threshold for rank deficiency. 0 means the default tolerance
}

func (p *DenseQR) Factorize(A *SpMat, b []float64) (*Factor, error) {
	m, n := A.Dims()
	if len(b) != m {
		return nil, fmt.Errorf("%w: A(%d x %d), b(%d)", ErrDimension, m, n, len(b))
	}
	if m < n || n == 0 {
		return nil, fmt.Errorf("%w: dense QR needs rows >= columns > 0, A(%d x %d)", ErrNumerical, m, n)
	}
	tol := p.RankTol
	if tol == 0 {
		tol = defaultRankTol(A)
	}
	full := A.ToDense()
	bv := mat.NewVecDense(m, b)

	// Factorize the kept columns; drop the first one with a negligible diagonal
	// and start again until every diagonal is above tol
	rows := make([]sprow, n)
	z := make([]float64, n)
	cols := Range{Len: n}.Indices()
	for len(cols) > 0 {
		sub := mat.NewDense(m, len(cols), nil)
		for q, j := range cols {
			for i := 0; i < m; i++ {
				sub.Set(i, q, full.At(i, j))
			}
		}
		var qr mat.QR
		qr.Factorize(sub)
		var r, q mat.Dense
		qr.RTo(&r)
		qr.QTo(&q)

		dep := -1
		for k := range cols {
			if math.Abs(r.At(k, k)) <= tol {
				dep = k
				break
			}
		}
		if dep >= 0 {
			cols = slices.Delete(cols, dep, dep+1)
			continue
		}

		// Q^T b
		var qtb mat.VecDense
		qtb.MulVec(q.T(), bv)
		for k, i := range cols {
			z[i] = qtb.AtVec(k)
			for t := k; t < len(cols); t++ {
				if v := r.At(k, t); v != 0 {
					rows[i].ind = append(rows[i].ind, cols[t])
					rows[i].val = append(rows[i].val, v)
				}
			}
		}
		break
	}
	return newFactor(rows, z, Range{Len: n}.Indices(), tol), nil
}

func (p *DenseQR) SolveLeastSquares(A *SpMat, b []float64) ([]float64, error) {
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

func (p *DenseQR) InvertUpperTriangular(R *SpMat, fillBudget int, tol float64) (*SpMat, error) {
	return InvertUpperTriangular(R, fillBudget, tol)
}
