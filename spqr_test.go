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

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// Small dense overdetermined system
func testSystem() (*SpMat, []float64) {
	a := mat.NewDense(6, 3, []float64{
		1, 0, 2,
		0, 3, 1,
		1, 1, 0,
		2, 0, 1,
		0, 1, 4,
		3, 2, 1,
	})
	return NewSpFromDense(a), []float64{1, 2, 3, 4, 5, 6}
}

// Banded sparse system: bidiagonal block on top of a scattered block
func testBandedSystem(n int) (*SpMat, []float64) {
	var ri, ci []int
	var vals []float64
	for i := 0; i < n; i++ {
		ri, ci, vals = append(ri, i), append(ci, i), append(vals, 2)
		if i+1 < n {
			ri, ci, vals = append(ri, i), append(ci, i+1), append(vals, -1)
		}
		ri, ci, vals = append(ri, n+i), append(ci, i), append(vals, 1)
		ri, ci, vals = append(ri, n+i), append(ci, (i+3)%n), append(vals, 0.5)
	}
	b := make([]float64, 2*n)
	for i := range b {
		b[i] = math.Sin(float64(i))
	}
	return NewSpMat(2*n, n, ri, ci, vals), b
}

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestSparseQRMatchesDense(t *testing.T) {
	for name, build := range map[string]func() (*SpMat, []float64){
		"dense":  testSystem,
		"banded": func() (*SpMat, []float64) { return testBandedSystem(10) },
	} {
		t.Run(name, func(t *testing.T) {
			A, b := build()
			xs, err := (&SparseQR{}).SolveLeastSquares(A, b)
			require.NoError(t, err)
			xd, err := (&DenseQR{}).SolveLeastSquares(A, b)
			require.NoError(t, err)
			if diff := cmp.Diff(xd, xs, approx); diff != "" {
				t.Errorf("sparse and dense solutions differ (-dense +sparse):\n%s", diff)
			}

			// Normal equations with unit weights
			m, _ := A.Dims()
			w := mat.NewDiagDense(m, nil)
			for i := 0; i < m; i++ {
				w.SetDiag(i, 1)
			}
			dx, _, err := solveNormal(A, mat.NewVecDense(m, b), w)
			require.NoError(t, err)
			assert.True(t, cmp.Equal(mat.Col(nil, 0, dx), xs, approx))
		})
	}
}

func TestSparseQRFactor(t *testing.T) {
	A, b := testBandedSystem(12)
	f, err := (&SparseQR{}).Factorize(A, b)
	require.NoError(t, err)
	n := A.Cols
	assert.Equal(t, n, f.Rank)
	assert.Empty(t, f.DeadParams())
	assert.ElementsMatch(t, Range{Len: n}.Indices(), f.Perm)

	// R is upper triangular
	f.R.DoNonZero(func(i, j int, v float64) {
		assert.GreaterOrEqual(t, j, i)
	})

	// R^T R = (A P)^T (A P)
	ap := mat.NewDense(A.Rows, n, nil)
	for k, j := range f.Perm {
		for i := 0; i < A.Rows; i++ {
			ap.Set(i, k, A.At(i, j))
		}
	}
	var ata, rtr mat.Dense
	ata.Mul(ap.T(), ap)
	rtr.Mul(f.R.T(), f.R)
	assert.True(t, mat.EqualApprox(&ata, &rtr, 1e-9))

	// Back-substitution gives the least-squares solution
	x, err := (&SparseQR{}).SolveLeastSquares(A, b)
	require.NoError(t, err)
	assert.True(t, cmp.Equal(x, f.Solve(), approx))
}

func TestWeightedRowsNormalEquations(t *testing.T) {
	G, rhs := testSystem()
	w := []float64{1, 2, 0.5, 3, 1, 0.25}
	rows := []int{0, 1, 2, 3, 4, 5}
	A, b := WeightedRows(G, rhs, w, rows)
	x, err := (&SparseQR{}).SolveLeastSquares(A, b)
	require.NoError(t, err)

	// G^T W G m = G^T W b with W = diag(w^2)
	W := mat.NewDiagDense(len(w), nil)
	for i, v := range w {
		W.SetDiag(i, v*v)
	}
	dx, cov, err := solveNormal(G, mat.NewVecDense(len(rhs), rhs), W)
	require.NoError(t, err)
	assert.True(t, cmp.Equal(mat.Col(nil, 0, dx), x, approx))
	r, c := cov.Dims()
	assert.Equal(t, []int{3, 3}, []int{r, c})

	// Row selection
	A2, b2 := WeightedRows(G, rhs, w, []int{5, 1})
	assert.Equal(t, 2, A2.Rows)
	assert.Equal(t, []float64{0.25 * 6, 2 * 2}, b2)
	assert.InDelta(t, 0.25*3, A2.At(0, 0), 1e-15)
}

func TestQRRankDeficient(t *testing.T) {
	// Column 2 duplicates column 0
	full := mat.NewDense(5, 3, []float64{
		1, 0, 1,
		0, 1, 0,
		1, 1, 1,
		2, 0, 2,
		0, 3, 0,
	})
	reduced := mat.NewDense(5, 2, []float64{
		1, 0,
		0, 1,
		1, 1,
		2, 0,
		0, 3,
	})
	b := []float64{1, 2, 0, 3, 1}
	A := NewSpFromDense(full)
	xr, err := (&DenseQR{}).SolveLeastSquares(NewSpFromDense(reduced), b)
	require.NoError(t, err)
	want := NewSpFromDense(reduced).MulVec(xr)

	for name, backend := range map[string]Backend{"sparse": &SparseQR{}, "dense": &DenseQR{}} {
		t.Run(name, func(t *testing.T) {
			f, err := backend.Factorize(A, b)
			require.NoError(t, err)
			assert.Equal(t, 2, f.Rank)
			dead := f.DeadParams()
			require.Len(t, dead, 1)

			// Basic solution: zero for the dependent column, same fitted values
			x := f.Solve()
			assert.Equal(t, 0.0, x[dead[0]])
			assert.True(t, cmp.Equal(want, A.MulVec(x), approx))
		})
	}
}

func TestQRErrors(t *testing.T) {
	A, _ := testSystem()
	_, err := (&SparseQR{}).Factorize(A, []float64{1})
	assert.ErrorIs(t, err, ErrDimension)
	_, err = (&DenseQR{}).Factorize(A, []float64{1})
	assert.ErrorIs(t, err, ErrDimension)

	// All-zero system
	_, err = (&SparseQR{}).SolveLeastSquares(NewSpZeros(3, 2), []float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrNumerical)

	// Underdetermined dense system
	_, err = (&DenseQR{}).SolveLeastSquares(NewSpDiag([]float64{1, 2}).SelectRows([]int{0}), []float64{1})
	assert.ErrorIs(t, err, ErrNumerical)
}

func TestSparseQRSkipsEmptyRows(t *testing.T) {
	A, b := testSystem()
	Z, err := VStack(A, NewSpZeros(2, 3))
	require.NoError(t, err)
	x1, err := (&SparseQR{}).SolveLeastSquares(A, b)
	require.NoError(t, err)
	x2, err := (&SparseQR{}).SolveLeastSquares(Z, append(b, 10, -10))
	require.NoError(t, err)
	assert.True(t, cmp.Equal(x1, x2, approx))
}

// Column 1 is twice column 0 and both come before the independent columns
func testDependentFirst() (*SpMat, []float64) {
	a := mat.NewDense(7, 4, []float64{
		1, 2, 1, 0,
		0, 0, 1, 1,
		2, 4, 0, 1,
		0, 0, 2, 1,
		1, 2, 1, 1,
		0, 0, -1, 2,
		0, 0, 0, 1,
	})
	return NewSpFromDense(a), []float64{1, 2, 3, 4, 5, 6, 7}
}

func TestQRDependentColumnFirst(t *testing.T) {
	A, b := testDependentFirst()
	kept := []int{0, 2, 3}
	reduced := mat.NewDense(A.Rows, len(kept), nil)
	for q, j := range kept {
		for i := 0; i < A.Rows; i++ {
			reduced.Set(i, q, A.At(i, j))
		}
	}
	xr, err := (&DenseQR{}).SolveLeastSquares(NewSpFromDense(reduced), b)
	require.NoError(t, err)
	want := NewSpFromDense(reduced).MulVec(xr)
	wantRes := 0.0
	for i := range b {
		wantRes += (b[i] - want[i]) * (b[i] - want[i])
	}

	for name, backend := range map[string]Backend{"sparse": &SparseQR{}, "dense": &DenseQR{}} {
		t.Run(name, func(t *testing.T) {
			f, err := backend.Factorize(A, b)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 2, 3}, f.Perm)
			assert.Equal(t, 3, f.Rank)
			assert.Equal(t, []int{1}, f.DeadParams())

			x, err := backend.SolveLeastSquares(A, b)
			require.NoError(t, err)
			assert.Equal(t, 0.0, x[1])
			assert.True(t, cmp.Equal([]float64{x[0], x[2], x[3]}, xr, approx))

			// Least-squares fit: same fitted values and residual as the reduced system
			got := A.MulVec(x)
			assert.True(t, cmp.Equal(want, got, approx))
			res := 0.0
			for i := range b {
				res += (b[i] - got[i]) * (b[i] - got[i])
			}
			assert.InDelta(t, math.Sqrt(wantRes), math.Sqrt(res), 1e-9)
		})
	}
}
