// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import (
	"math"
)

// Grid is an externally built, read-only regular grid.
// Axes are ordered (y, x) for surface grids and (y, x, t) for epoch grids;
// cells are stored row-major with the last axis fastest.
type Grid struct {
	Name     string       // Grid name ("z0", "dz", ...)
	Ctrs     [][]float64  // Cell centers per axis (ascending)
	Shape    []int        // Number of cells per axis
	Mask     []bool       // Cell mask (nil means all cells valid)
	CellArea []float64    // Cell area (nil if not applicable)
	Bounds   [][2]float64 // Lower and upper bound per axis
	Col0     int          // Column of the first cell in the model vector
}

// NewGrid creates a grid from per-axis centers. Bounds are the first and last centers.
func NewGrid(name string, col0 int, ctrs ...[]float64) *Grid {
	g := &Grid{Name: name, Ctrs: ctrs, Col0: col0}
	for _, c := range ctrs {
		g.Shape = append(g.Shape, len(c))
		g.Bounds = append(g.Bounds, [2]float64{c[0], c[len(c)-1]})
	}
	return g
}

// Size returns the number of cells
func (p *Grid) Size() int {
	n := 1
	for _, s := range p.Shape {
		n *= s
	}
	return n
}

// Contains reports whether a point lies inside the grid bounds. The point has one
// coordinate per axis, in the same (x, y[, t]) order used for observations.
func (p *Grid) Contains(pt ...float64) bool {
	if len(pt) != len(p.Shape) {
		return false
	}
	for i, v := range pt {
		if math.IsNaN(v) {
			return false
		}
		b := p.Bounds[p.axisOf(i)]
		if v < b[0] || v > b[1] {
			return false
		}
	}
	return true
}

// Map point coordinate order (x, y, t) to grid axis order (y, x, t)
func (p *Grid) axisOf(i int) int {
	switch i {
	case 0:
		return 1
	case 1:
		return 0
	default:
		return i
	}
}

// Extent returns [xmin, xmax, ymin, ymax]
func (p *Grid) Extent() [4]float64 {
	return [4]float64{p.Bounds[1][0], p.Bounds[1][1], p.Bounds[0][0], p.Bounds[0][1]}
}

// PointMask is an external mask (e.g. loaded from a mask file) used to reject data
type PointMask interface {
	Contains(x, y float64) bool
}

// Field is a reshaped output quantity on a grid
type Field struct {
	Name   string               // Quantity name
	Ctrs   [][]float64          // Cell centers per axis (shared with the grid)
	Shape  []int                // Shape of Data
	Data   []float64            // Values, row-major
	Layers map[string][]float64 // Additional per-cell layers (count, misfit_rms, ...)
}

// Create a field on a grid from a flat slice of values
func newField(name string, g *Grid, data []float64) *Field {
	return &Field{
		Name:   name,
		Ctrs:   g.Ctrs,
		Shape:  g.Shape,
		Data:   data,
		Layers: map[string][]float64{},
	}
}

// At returns the value at a multi-index (row-major)
func (p *Field) At(idx ...int) float64 {
	k := 0
	for i, v := range idx {
		k = k*p.Shape[i] + v
	}
	return p.Data[k]
}
