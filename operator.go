// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import (
	"fmt"
)

// Operator is a named block of sparse rows over the full model columns.
// Constraint operators carry the expected magnitude of each row and an optional target.
type Operator struct {
	Name     string    // Operator name (e.g. "interp", "grad2_z0", "d2z_dt2")
	M        *SpMat    // Coefficients (rows x full model columns)
	Rows     TOC       // Row ranges; a single range named Name when empty
	Expected []float64 // Expected magnitude per row (constraints only)
	Prior    []float64 // Target value per row (nil means zero)
}

// NewOperator creates an operator with one row range named after it
func NewOperator(name string, m *SpMat, expected []float64) *Operator {
	return &Operator{
		Name:     name,
		M:        m,
		Rows:     NewTOC(name, m.Rows),
		Expected: expected,
	}
}

// NRows returns the number of equations
func (p *Operator) NRows() int {
	return p.M.Rows
}

// Return the row TOC, defaulting to a single range named after the operator
func (p *Operator) rowTOC() TOC {
	if len(p.Rows.Ranges) == 0 {
		return NewTOC(p.Name, p.M.Rows)
	}
	return p.Rows
}

// Return the prior vector, zero when none is declared
func (p *Operator) prior() []float64 {
	if p.Prior != nil {
		return p.Prior
	}
	return make([]float64, p.M.Rows)
}

// VStackOperators stacks operators row-wise into one named block. Row TOCs are shifted
// so that every sub-block keeps its name; expected and prior vectors are concatenated.
func VStackOperators(name string, ops ...*Operator) (*Operator, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no operators to stack for %q", ErrConfig, name)
	}
	ms := make([]*SpMat, len(ops))
	out := &Operator{Name: name}
	for i, op := range ops {
		if op.Expected != nil && len(op.Expected) != op.NRows() {
			return nil, fmt.Errorf("%w: operator %q has %d rows but %d expected values", ErrConfig, op.Name, op.NRows(), len(op.Expected))
		}
		if op.Prior != nil && len(op.Prior) != op.NRows() {
			return nil, fmt.Errorf("%w: operator %q has %d rows but %d prior values", ErrConfig, op.Name, op.NRows(), len(op.Prior))
		}
		ms[i] = op.M
		toc := op.rowTOC()
		out.Rows.Ranges = append(out.Rows.Ranges, toc.Shift(out.Rows.Len()).Ranges...)
		exp := op.Expected
		if exp == nil {
			exp = make([]float64, op.NRows()) // Zero: rejected later by the sigma check
		}
		out.Expected = append(out.Expected, exp...)
		out.Prior = append(out.Prior, op.prior()...)
	}
	m, err := VStack(ms...)
	if err != nil {
		return nil, fmt.Errorf("VStack() failed for %q, err=%w", name, err)
	}
	out.M = m
	if err := out.Rows.Validate(m.Rows); err != nil {
		return nil, fmt.Errorf("operator %q: %w", name, err)
	}
	return out, nil
}

// SumOperators adds operators with identical shape (e.g. the z0 and dz interpolation
// operators and the bias columns, which touch disjoint columns of the same data rows)
func SumOperators(name string, ops ...*Operator) (*Operator, error) {
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no operators to add for %q", ErrConfig, name)
	}
	m := ops[0].M
	for _, op := range ops[1:] {
		var err error
		m, err = m.Add(op.M)
		if err != nil {
			return nil, fmt.Errorf("Add() failed for %q + %q, err=%w", name, op.Name, err)
		}
	}
	return NewOperator(name, m, nil), nil
}

// AveragingOp maps the model to a derived gridded product (area averages, lagged rates)
type AveragingOp struct {
	Name string // Output name
	Grid *Grid  // Destination grid (the product is reshaped to it)
	Op   *SpMat // Rows = destination cells, columns = full model
}

// Product applies the operator to the full model vector
func (p *AveragingOp) Product(m []float64) []float64 {
	return p.Op.MulVec(m)
}
