// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Compressed sparse row matrix used for every operator of the fit.

package gosurf

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SpMat is a sparse matrix in compressed sparse row (CSR) form.
// Column indices within a row are sorted and unique.
type SpMat struct {
	Rows, Cols int
	Indptr     []int     // Row i occupies Ind[Indptr[i]:Indptr[i+1]]
	Ind        []int     // Column index of each stored entry
	Data       []float64 // Value of each stored entry
}

// Check that SpMat can be used where gonum expects a matrix
var _ mat.Matrix = (*SpMat)(nil)

// NewSpMat builds a CSR matrix from coordinate triplets. Duplicate entries are summed.
func NewSpMat(r, c int, rows, cols []int, vals []float64) *SpMat {
	if len(rows) != len(cols) || len(rows) != len(vals) {
		panic(ErrDimension)
	}
	// Count entries per row
	indptr := make([]int, r+1)
	for _, i := range rows {
		if i < 0 || i >= r {
			panic(mat.ErrRowAccess)
		}
		indptr[i+1]++
	}
	for i := 0; i < r; i++ {
		indptr[i+1] += indptr[i]
	}
	// Scatter into rows
	ind := make([]int, len(rows))
	data := make([]float64, len(rows))
	next := make([]int, r)
	copy(next, indptr[:r])
	for k, i := range rows {
		if cols[k] < 0 || cols[k] >= c {
			panic(mat.ErrColAccess)
		}
		ind[next[i]] = cols[k]
		data[next[i]] = vals[k]
		next[i]++
	}
	m := &SpMat{Rows: r, Cols: c, Indptr: indptr, Ind: ind, Data: data}
	m.canonicalize()
	return m
}

// NewSpZeros returns an r x c matrix without stored entries
func NewSpZeros(r, c int) *SpMat {
	return &SpMat{Rows: r, Cols: c, Indptr: make([]int, r+1)}
}

// NewSpDiag returns a square diagonal matrix
func NewSpDiag(d []float64) *SpMat {
	n := len(d)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return NewSpMat(n, n, idx, idx, d)
}

// NewSpFromDense converts a gonum matrix, keeping non-zero entries only
func NewSpFromDense(a mat.Matrix) *SpMat {
	r, c := a.Dims()
	var rows, cols []int
	var vals []float64
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := a.At(i, j); v != 0 {
				rows = append(rows, i)
				cols = append(cols, j)
				vals = append(vals, v)
			}
		}
	}
	return NewSpMat(r, c, rows, cols, vals)
}

// Sort column indices inside each row and merge duplicates
func (p *SpMat) canonicalize() {
	w := 0
	start := 0
	for i := 0; i < p.Rows; i++ {
		end := p.Indptr[i+1]
		seg := rowSorter{ind: p.Ind[start:end], data: p.Data[start:end]}
		sort.Sort(seg)
		rowStart := w
		for k := start; k < end; k++ {
			if w > rowStart && p.Ind[w-1] == p.Ind[k] {
				p.Data[w-1] += p.Data[k]
				continue
			}
			p.Ind[w] = p.Ind[k]
			p.Data[w] = p.Data[k]
			w++
		}
		start = end
		p.Indptr[i+1] = w
	}
	p.Ind = p.Ind[:w]
	p.Data = p.Data[:w]
}

type rowSorter struct {
	ind  []int
	data []float64
}

func (s rowSorter) Len() int           { return len(s.ind) }
func (s rowSorter) Less(i, j int) bool { return s.ind[i] < s.ind[j] }
func (s rowSorter) Swap(i, j int) {
	s.ind[i], s.ind[j] = s.ind[j], s.ind[i]
	s.data[i], s.data[j] = s.data[j], s.data[i]
}

// ------------------------------------
// gonum mat.Matrix interface
// ------------------------------------

func (p *SpMat) Dims() (int, int) {
	return p.Rows, p.Cols
}

func (p *SpMat) At(i, j int) float64 {
	if i < 0 || i >= p.Rows {
		panic(mat.ErrRowAccess)
	}
	if j < 0 || j >= p.Cols {
		panic(mat.ErrColAccess)
	}
	ind := p.Ind[p.Indptr[i]:p.Indptr[i+1]]
	k := sort.SearchInts(ind, j)
	if k < len(ind) && ind[k] == j {
		return p.Data[p.Indptr[i]+k]
	}
	return 0
}

func (p *SpMat) T() mat.Matrix {
	return mat.Transpose{Matrix: p}
}

// ------------------------------------
// Accessors
// ------------------------------------

// Number of stored entries
func (p *SpMat) NNZ() int {
	return p.Indptr[p.Rows]
}

// Row returns the column indices and values of row i (shared with the matrix)
func (p *SpMat) Row(i int) ([]int, []float64) {
	s, e := p.Indptr[i], p.Indptr[i+1]
	return p.Ind[s:e], p.Data[s:e]
}

// DoNonZero calls fn for every stored entry in row-major order
func (p *SpMat) DoNonZero(fn func(i, j int, v float64)) {
	for i := 0; i < p.Rows; i++ {
		for k := p.Indptr[i]; k < p.Indptr[i+1]; k++ {
			fn(i, p.Ind[k], p.Data[k])
		}
	}
}

// Diag returns the main diagonal
func (p *SpMat) Diag() []float64 {
	n := min(p.Rows, p.Cols)
	d := make([]float64, n)
	for i := 0; i < n; i++ {
		d[i] = p.At(i, i)
	}
	return d
}

// ToDense converts to a gonum dense matrix (for small systems and checks)
func (p *SpMat) ToDense() *mat.Dense {
	if p.Rows == 0 || p.Cols == 0 {
		return &mat.Dense{}
	}
	d := mat.NewDense(p.Rows, p.Cols, nil)
	p.DoNonZero(func(i, j int, v float64) {
		d.Set(i, j, v)
	})
	return d
}

// Copy returns a deep copy
func (p *SpMat) Copy() *SpMat {
	return &SpMat{
		Rows:   p.Rows,
		Cols:   p.Cols,
		Indptr: append([]int(nil), p.Indptr...),
		Ind:    append([]int(nil), p.Ind...),
		Data:   append([]float64(nil), p.Data...),
	}
}

// ------------------------------------
// Products
// ------------------------------------

// MulVec returns A x
func (p *SpMat) MulVec(x []float64) []float64 {
	if len(x) != p.Cols {
		panic(ErrDimension)
	}
	y := make([]float64, p.Rows)
	for i := 0; i < p.Rows; i++ {
		s := 0.0
		for k := p.Indptr[i]; k < p.Indptr[i+1]; k++ {
			s += p.Data[k] * x[p.Ind[k]]
		}
		y[i] = s
	}
	return y
}

// MulVecTrans returns A^T x
func (p *SpMat) MulVecTrans(x []float64) []float64 {
	if len(x) != p.Rows {
		panic(ErrDimension)
	}
	y := make([]float64, p.Cols)
	p.DoNonZero(func(i, j int, v float64) {
		y[j] += v * x[i]
	})
	return y
}

// Mul returns the sparse product A B (Gustavson's row-by-row algorithm)
func (p *SpMat) Mul(b *SpMat) (*SpMat, error) {
	if p.Cols != b.Rows {
		return nil, fmt.Errorf("%w: (%d x %d) * (%d x %d)", ErrDimension, p.Rows, p.Cols, b.Rows, b.Cols)
	}
	out := &SpMat{Rows: p.Rows, Cols: b.Cols, Indptr: make([]int, p.Rows+1)}
	acc := make([]float64, b.Cols)
	mark := make([]int, b.Cols)
	for j := range mark {
		mark[j] = -1
	}
	var touched []int
	for i := 0; i < p.Rows; i++ {
		touched = touched[:0]
		for k := p.Indptr[i]; k < p.Indptr[i+1]; k++ {
			a := p.Data[k]
			r := p.Ind[k]
			for kk := b.Indptr[r]; kk < b.Indptr[r+1]; kk++ {
				j := b.Ind[kk]
				if mark[j] != i {
					mark[j] = i
					acc[j] = 0
					touched = append(touched, j)
				}
				acc[j] += a * b.Data[kk]
			}
		}
		sort.Ints(touched)
		for _, j := range touched {
			if acc[j] != 0 {
				out.Ind = append(out.Ind, j)
				out.Data = append(out.Data, acc[j])
			}
		}
		out.Indptr[i+1] = len(out.Ind)
	}
	return out, nil
}

// ------------------------------------
// Structural operations
// ------------------------------------

// SelectRows returns the matrix made of the given rows, in the given order
// (the product of a 0/1 row selector with A)
func (p *SpMat) SelectRows(idx []int) *SpMat {
	out := &SpMat{Rows: len(idx), Cols: p.Cols, Indptr: make([]int, len(idx)+1)}
	for n, i := range idx {
		ind, data := p.Row(i)
		out.Ind = append(out.Ind, ind...)
		out.Data = append(out.Data, data...)
		out.Indptr[n+1] = len(out.Ind)
	}
	return out
}

// ScaleRows returns diag(w) A
func (p *SpMat) ScaleRows(w []float64) *SpMat {
	if len(w) != p.Rows {
		panic(ErrDimension)
	}
	out := p.Copy()
	for i := 0; i < p.Rows; i++ {
		for k := out.Indptr[i]; k < out.Indptr[i+1]; k++ {
			out.Data[k] *= w[i]
		}
	}
	return out
}

// PermuteRows returns B with B[perm[i], :] = A[i, :]
func (p *SpMat) PermuteRows(perm []int) *SpMat {
	if len(perm) != p.Rows {
		panic(ErrDimension)
	}
	inv := make([]int, p.Rows)
	for i, pi := range perm {
		inv[pi] = i
	}
	return p.SelectRows(inv)
}

// RowNorms returns the Euclidean norm of every row
func (p *SpMat) RowNorms() []float64 {
	n := make([]float64, p.Rows)
	for i := 0; i < p.Rows; i++ {
		_, data := p.Row(i)
		n[i] = floats.Norm(data, 2)
	}
	return n
}

// ColNorms returns the Euclidean norm of every column
func (p *SpMat) ColNorms() []float64 {
	n := make([]float64, p.Cols)
	p.DoNonZero(func(i, j int, v float64) {
		n[j] += v * v
	})
	for j := range n {
		n[j] = math.Sqrt(n[j])
	}
	return n
}

// VStack stacks matrices with the same number of columns on top of each other
func VStack(ms ...*SpMat) (*SpMat, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrDimension)
	}
	cols := ms[0].Cols
	out := &SpMat{Cols: cols, Indptr: []int{0}}
	for _, m := range ms {
		if m.Cols != cols {
			return nil, fmt.Errorf("%w: vstack of %d and %d columns", ErrDimension, cols, m.Cols)
		}
		base := len(out.Ind)
		out.Ind = append(out.Ind, m.Ind...)
		out.Data = append(out.Data, m.Data...)
		for i := 1; i <= m.Rows; i++ {
			out.Indptr = append(out.Indptr, base+m.Indptr[i])
		}
		out.Rows += m.Rows
	}
	return out, nil
}

// Add returns A + B
func (p *SpMat) Add(b *SpMat) (*SpMat, error) {
	if p.Rows != b.Rows || p.Cols != b.Cols {
		return nil, fmt.Errorf("%w: (%d x %d) + (%d x %d)", ErrDimension, p.Rows, p.Cols, b.Rows, b.Cols)
	}
	rows := make([]int, 0, p.NNZ()+b.NNZ())
	cols := make([]int, 0, p.NNZ()+b.NNZ())
	vals := make([]float64, 0, p.NNZ()+b.NNZ())
	for _, m := range []*SpMat{p, b} {
		m.DoNonZero(func(i, j int, v float64) {
			rows = append(rows, i)
			cols = append(cols, j)
			vals = append(vals, v)
		})
	}
	return NewSpMat(p.Rows, p.Cols, rows, cols, vals), nil
}

// ------------------------------------
// Column elimination
// ------------------------------------

// Elimination removes fixed columns from the system. As a matrix it is the
// NFull x NFree 0/1 matrix Ip_c with G_reduced = G Ip_c and m_full = Ip_c m_reduced.
type Elimination struct {
	NFull int   // Number of columns of the full model
	Free  []int // Full column index of each reduced column (ascending)
	pos   []int // Reduced index of each full column, -1 if fixed
}

// NewElimination builds the elimination of the given fixed columns
func NewElimination(nFull int, fixed []int) *Elimination {
	pos := make([]int, nFull)
	for _, j := range fixed {
		if j < 0 || j >= nFull {
			panic(mat.ErrColAccess)
		}
		pos[j] = -1
	}
	free := make([]int, 0, nFull)
	for j := 0; j < nFull; j++ {
		if pos[j] == 0 {
			pos[j] = len(free)
			free = append(free, j)
		}
	}
	return &Elimination{NFull: nFull, Free: free, pos: pos}
}

// NFree returns the number of reduced columns
func (p *Elimination) NFree() int {
	return len(p.Free)
}

// IsFixed reports whether full column j is eliminated
func (p *Elimination) IsFixed(j int) bool {
	return p.pos[j] < 0
}

// Reduce returns G Ip_c (G with the fixed columns removed)
func (p *Elimination) Reduce(g *SpMat) *SpMat {
	if g.Cols != p.NFull {
		panic(ErrDimension)
	}
	out := &SpMat{Rows: g.Rows, Cols: p.NFree(), Indptr: make([]int, g.Rows+1)}
	for i := 0; i < g.Rows; i++ {
		ind, data := g.Row(i)
		for k, j := range ind {
			if r := p.pos[j]; r >= 0 {
				out.Ind = append(out.Ind, r)
				out.Data = append(out.Data, data[k])
			}
		}
		out.Indptr[i+1] = len(out.Ind)
	}
	return out
}

// Expand returns Ip_c x (fixed columns are zero)
func (p *Elimination) Expand(x []float64) []float64 {
	if len(x) != p.NFree() {
		panic(ErrDimension)
	}
	m := make([]float64, p.NFull)
	for r, j := range p.Free {
		m[j] = x[r]
	}
	return m
}

// ExpandRows returns Ip_c A for a matrix A with NFree rows
func (p *Elimination) ExpandRows(a *SpMat) *SpMat {
	if a.Rows != p.NFree() {
		panic(ErrDimension)
	}
	out := &SpMat{Rows: p.NFull, Cols: a.Cols, Indptr: make([]int, p.NFull+1)}
	for j := 0; j < p.NFull; j++ {
		if r := p.pos[j]; r >= 0 {
			ind, data := a.Row(r)
			out.Ind = append(out.Ind, ind...)
			out.Data = append(out.Data, data...)
		}
		out.Indptr[j+1] = len(out.Ind)
	}
	return out
}

// Matrix returns Ip_c explicitly
func (p *Elimination) Matrix() *SpMat {
	ones := make([]float64, p.NFree())
	cols := make([]int, p.NFree())
	for r := range ones {
		ones[r] = 1
		cols[r] = r
	}
	return NewSpMat(p.NFull, p.NFree(), p.Free, cols, ones)
}
