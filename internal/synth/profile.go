// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Package synth builds synthetic profile problems: a one-dimensional grid along x, a
// set of dz epochs, interpolation and smoothness operators, and observations of a
// sinusoidal surface. Biases, slope biases, a PS_bias field, tides with a shelf
// stratum and DEM values can be planted on top. It stands in for the grid and operator builders in the CLI demo
// and in end-to-end tests.
package synth

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mkhts/gosurf"
)

// ProfileOpt contains the parameters of a synthetic profile
type ProfileOpt struct {
	XMin        float64   `mapstructure:"x_min" yaml:"x_min"`               // First grid node [m]
	XMax        float64   `mapstructure:"x_max" yaml:"x_max"`               // Last grid node [m]
	Spacing     float64   `mapstructure:"spacing" yaml:"spacing"`           // Node spacing [m]
	Epochs      []float64 `mapstructure:"epochs" yaml:"epochs"`             // Times of the dz nodes
	PerCell     int       `mapstructure:"per_cell" yaml:"per_cell"`         // Observations per cell and epoch
	Sigma       float64   `mapstructure:"sigma" yaml:"sigma"`               // Nominal sigma of the observations [m]
	Noise       float64   `mapstructure:"noise" yaml:"noise"`               // Standard deviation of the added noise [m]
	Amplitude   float64   `mapstructure:"amplitude" yaml:"amplitude"`       // Amplitude of the surface [m]
	Wavelength  float64   `mapstructure:"wavelength" yaml:"wavelength"`     // Wavelength of the surface [m]
	Rate        float64   `mapstructure:"rate" yaml:"rate"`                 // Uniform elevation change per unit time [m]
	Outliers    []int     `mapstructure:"outliers" yaml:"outliers"`         // Indices of perturbed observations
	OutlierSize float64   `mapstructure:"outlier_size" yaml:"outlier_size"` // Perturbation in units of sigma
	ESmoothZ0   float64   `mapstructure:"e_smooth_z0" yaml:"e_smooth_z0"`   // Expected second difference of z0
	ESmoothDZ   float64   `mapstructure:"e_smooth_dz" yaml:"e_smooth_dz"`   // Expected second difference of dz
	BiasGroups  int       `mapstructure:"bias_groups" yaml:"bias_groups"`   // Number of bias identifiers (0: no biases)
	BiasValues  []float64 `mapstructure:"bias_values" yaml:"bias_values"`   // Planted bias per identifier
	EBias       float64   `mapstructure:"e_bias" yaml:"e_bias"`             // Expected magnitude of the biases
	ESlopeBias  float64   `mapstructure:"e_slope_bias" yaml:"e_slope_bias"` // Expected slope bias per group [m/km] (0: no slope biases)
	SlopeValues []float64 `mapstructure:"slope_values" yaml:"slope_values"` // Planted x slope per group [m/km]
	PSBias      float64   `mapstructure:"ps_bias" yaml:"ps_bias"`           // Expected PS_bias of the odd points of a cell (0: no PS_bias field)
	PSValue     float64   `mapstructure:"ps_value" yaml:"ps_value"`         // Planted PS_bias
	Tide        float64   `mapstructure:"tide" yaml:"tide"`                 // Tide correction of every point (0: none)
	ShelfBefore float64   `mapstructure:"shelf_before" yaml:"shelf_before"` // Tide-corrected points earlier than this go to stratum 1
	ShelfNoise  float64   `mapstructure:"shelf_noise" yaml:"shelf_noise"`   // Extra noise of stratum 1 [m]
	DEM         bool      `mapstructure:"dem" yaml:"dem"`                   // Attach the planted z0 as DEM value
	Fixed       []int     `mapstructure:"fixed" yaml:"fixed"`               // Indices of non-editable observations
	Seed        uint64    `mapstructure:"seed" yaml:"seed"`                 // Noise seed
}

// NewProfileOpt creates a new ProfileOpt with default values
func NewProfileOpt() *ProfileOpt {
	return &ProfileOpt{
		XMin:        -2000,           // 4 km profile
		XMax:        2000,            // Profile end
		Spacing:     100,             // 100 m nodes
		Epochs:      []float64{0, 1}, // Two epochs
		PerCell:     8,               // 8 points per cell and epoch
		Sigma:       0.1,             // 10 cm
		Noise:       0,               // Noise free
		Amplitude:   1,               // 1 m
		Wavelength:  2000,            // 2 km
		Rate:        0,               // No change
		Outliers:    nil,             // No outliers
		OutlierSize: 20,              // 20 sigma
		ESmoothZ0:   1,               // Weak smoothing
		ESmoothDZ:   1,               // Weak smoothing
		BiasGroups:  0,               // No biases
		BiasValues:  nil,             // No planted biases
		EBias:       1,               // 1 m
		ESlopeBias:  0,               // No slope biases
		SlopeValues: nil,             // No planted slopes
		PSBias:      0,               // No PS_bias field
		PSValue:     0,               // No planted PS_bias
		Tide:        0,               // No tide
		ShelfBefore: 0,               // No shelf stratum
		ShelfNoise:  0,               // No extra noise
		DEM:         false,           // No DEM
		Fixed:       nil,             // Every observation editable
		Seed:        1,               // Fixed seed
	}
}

// Profile is a synthetic problem ready for FitSurface
type Profile struct {
	Input *gosurf.Input // Observations, grids and operators
	Opt   *ProfileOpt   // Parameters used to build it
	Xs    []float64     // Grid nodes
}

// Surface returns the planted elevation at (x, t)
func (p *Profile) Surface(x, t float64) float64 {
	return p.Opt.Amplitude*math.Sin(2*math.Pi*x/p.Opt.Wavelength) + p.Opt.Rate*(t-p.Opt.Epochs[0])
}

// NewProfile builds the grids, operators and observations of a profile
func NewProfile(opt *ProfileOpt) (*Profile, error) {
	if opt.Spacing <= 0 || opt.XMax <= opt.XMin || len(opt.Epochs) < 1 || opt.PerCell < 1 {
		return nil, fmt.Errorf("%w: invalid profile geometry", gosurf.ErrConfig)
	}
	if opt.BiasGroups > 0 && len(opt.BiasValues) > 0 && len(opt.BiasValues) != opt.BiasGroups {
		return nil, fmt.Errorf("%w: %d bias values for %d groups", gosurf.ErrConfig, len(opt.BiasValues), opt.BiasGroups)
	}
	if opt.ESlopeBias > 0 && opt.BiasGroups == 0 {
		return nil, fmt.Errorf("%w: slope biases need bias groups", gosurf.ErrConfig)
	}
	if opt.ESlopeBias > 0 && len(opt.SlopeValues) > 0 && len(opt.SlopeValues) != opt.BiasGroups {
		return nil, fmt.Errorf("%w: %d slope values for %d groups", gosurf.ErrConfig, len(opt.SlopeValues), opt.BiasGroups)
	}
	p := &Profile{Opt: opt}
	nx := int(math.Round((opt.XMax-opt.XMin)/opt.Spacing)) + 1
	for i := 0; i < nx; i++ {
		p.Xs = append(p.Xs, opt.XMin+float64(i)*opt.Spacing)
	}
	nt := len(opt.Epochs)

	// Columns: z0 nodes, dz nodes (t fastest), biases
	var cols gosurf.TOC
	z0r := cols.Append(gosurf.ColZ0, nx)
	dzr := cols.Append(gosurf.ColDZ, nx*nt)
	var br, sr, pr gosurf.Range
	if opt.BiasGroups > 0 {
		br = cols.Append(gosurf.ColBias, opt.BiasGroups)
	}
	hasSlope := opt.ESlopeBias > 0
	if hasSlope {
		sr = cols.Append(gosurf.ColSlopeBias, 2*opt.BiasGroups)
	}
	hasPS := opt.PSBias > 0
	if hasPS {
		pr = cols.Append(gosurf.ColPSBias, nx)
	}
	ncol := cols.Len()
	xc := (opt.XMin + opt.XMax) / 2

	z0g := gosurf.NewGrid(gosurf.ColZ0, z0r.Offset, []float64{0}, p.Xs)
	dzg := gosurf.NewGrid(gosurf.ColDZ, dzr.Offset, []float64{0}, p.Xs, opt.Epochs)

	// Observations and their interpolation rows
	var noise *distuv.Normal
	if opt.Noise > 0 {
		noise = &distuv.Normal{Mu: 0, Sigma: opt.Noise, Src: rand.NewSource(opt.Seed)}
	}
	var obs []gosurf.Observation
	var ri, ci []int
	var vals []float64
	for it, t := range opt.Epochs {
		for c := 0; c < nx-1; c++ {
			for k := 0; k < opt.PerCell; k++ {
				x := p.Xs[c] + (float64(k)+0.5)/float64(opt.PerCell)*opt.Spacing
				row := len(obs)
				f := (x - p.Xs[c]) / opt.Spacing

				// z0: linear in x; dz: linear in x at node time it
				ri = append(ri, row, row)
				ci = append(ci, z0r.Offset+c, z0r.Offset+c+1)
				vals = append(vals, 1-f, f)
				ri = append(ri, row, row)
				ci = append(ci, dzr.Offset+c*nt+it, dzr.Offset+(c+1)*nt+it)
				vals = append(vals, 1-f, f)

				o := gosurf.Observation{X: x, Y: 0, Time: t, Z: p.Surface(x, t), Sigma: opt.Sigma}
				if noise != nil {
					o.Z += noise.Rand()
				}
				if opt.BiasGroups > 0 {
					id := k % opt.BiasGroups
					o.BiasID = &id
					ri = append(ri, row)
					ci = append(ci, br.Offset+id)
					vals = append(vals, 1)
					if len(opt.BiasValues) > 0 {
						o.Z += opt.BiasValues[id]
					}

					// Slope in x per km from the profile center; y is 0 on the profile
					if hasSlope {
						d := (x - xc) / 1000
						ri = append(ri, row)
						ci = append(ci, sr.Offset+2*id)
						vals = append(vals, d)
						if len(opt.SlopeValues) > 0 {
							o.Z += opt.SlopeValues[id] * d
						}
					}
				}
				if hasPS && k%2 == 1 {
					ri = append(ri, row, row)
					ci = append(ci, pr.Offset+c, pr.Offset+c+1)
					vals = append(vals, 1-f, f)
					o.Z += opt.PSValue
				}
				if opt.Tide != 0 {
					tide := opt.Tide
					o.Tide = &tide
				}
				if opt.DEM {
					dem := p.Surface(x, opt.Epochs[0])
					o.DEM = &dem
				}
				obs = append(obs, o)
			}
		}
	}
	// Shelf stratum with its extra noise
	if opt.Tide != 0 {
		gosurf.AssignShelfStrata(obs, opt.ShelfBefore)
		if opt.ShelfNoise > 0 {
			shelf := &distuv.Normal{Mu: 0, Sigma: opt.ShelfNoise, Src: rand.NewSource(opt.Seed + 1)}
			for i := range obs {
				if obs[i].Stratum == 1 {
					obs[i].Z += shelf.Rand()
				}
			}
		}
	}
	for _, i := range opt.Fixed {
		if i < 0 || i >= len(obs) {
			return nil, fmt.Errorf("%w: fixed index %d out of %d observations", gosurf.ErrConfig, i, len(obs))
		}
		obs[i].NonEditable = true
	}
	for _, i := range opt.Outliers {
		if i < 0 || i >= len(obs) {
			return nil, fmt.Errorf("%w: outlier index %d out of %d observations", gosurf.ErrConfig, i, len(obs))
		}
		obs[i].Z += opt.OutlierSize * opt.Sigma
	}
	data := gosurf.NewOperator("interp", gosurf.NewSpMat(len(obs), ncol, ri, ci, vals), nil)

	// Smoothness: second differences along x of z0 and of dz at every epoch
	cons := []*gosurf.Operator{
		secondDifference("grad2_z0", nx, ncol, func(i int) int { return z0r.Offset + i }, opt.ESmoothZ0),
	}
	for it := 0; it < nt; it++ {
		it := it
		cons = append(cons, secondDifference(fmt.Sprintf("grad2_dz_%d", it), nx, ncol, func(i int) int { return dzr.Offset + i*nt + it }, opt.ESmoothDZ))
	}

	// Biases: zero prior with the expected magnitude
	var model *gosurf.BiasModel
	if opt.BiasGroups > 0 {
		model = &gosurf.BiasModel{MetaFields: []string{"group"}}
		var bi, bc []int
		var bv, be []float64
		for id := 0; id < opt.BiasGroups; id++ {
			model.Params = append(model.Params, gosurf.BiasParam{
				ID:       id,
				Col:      br.Offset + id,
				Expected: opt.EBias,
				Meta:     map[string]float64{"group": float64(id)},
			})
			bi = append(bi, id)
			bc = append(bc, br.Offset+id)
			bv = append(bv, 1)
			be = append(be, opt.EBias)
		}
		cons = append(cons, gosurf.NewOperator("bias", gosurf.NewSpMat(opt.BiasGroups, ncol, bi, bc, bv), be))
	}

	// Slope biases: zero prior on both slopes of every group
	if hasSlope {
		var si, sc []int
		var sv, se []float64
		for id := 0; id < opt.BiasGroups; id++ {
			model.SlopeBiases = append(model.SlopeBiases, gosurf.SlopeBias{ID: id, ColX: sr.Offset + 2*id, ColY: sr.Offset + 2*id + 1})
			for a := 0; a < 2; a++ {
				si = append(si, 2*id+a)
				sc = append(sc, sr.Offset+2*id+a)
				sv = append(sv, 1)
				se = append(se, opt.ESlopeBias)
			}
		}
		cons = append(cons, gosurf.NewOperator("slope_bias", gosurf.NewSpMat(2*opt.BiasGroups, ncol, si, sc, sv), se))
	}

	// PS_bias: zero prior per node
	if hasPS {
		var qi, qc []int
		var qv, qe []float64
		for i := 0; i < nx; i++ {
			qi = append(qi, i)
			qc = append(qc, pr.Offset+i)
			qv = append(qv, 1)
			qe = append(qe, opt.PSBias)
		}
		cons = append(cons, gosurf.NewOperator("PS_bias_prior", gosurf.NewSpMat(nx, ncol, qi, qc, qv), qe))
	}

	// Mean dz per epoch
	var ai, ac []int
	var av []float64
	for it := 0; it < nt; it++ {
		for i := 0; i < nx; i++ {
			ai = append(ai, it)
			ac = append(ac, dzr.Offset+i*nt+it)
			av = append(av, 1/float64(nx))
		}
	}
	avg := &gosurf.AveragingOp{
		Name: "dz_mean",
		Grid: gosurf.NewGrid("dz_mean", 0, []float64{0}, []float64{(opt.XMin + opt.XMax) / 2}, opt.Epochs),
		Op:   gosurf.NewSpMat(nt, ncol, ai, ac, av),
	}

	p.Input = &gosurf.Input{
		Obs:         obs,
		Z0Grid:      z0g,
		DZGrid:      dzg,
		Cols:        cols,
		Data:        data,
		Constraints: cons,
		AvgOps:      []*gosurf.AveragingOp{avg},
		Bias:        model,
	}
	return p, nil
}

// Second differences [1 -2 1] over the nodes mapped to columns by col
func secondDifference(name string, n, ncol int, col func(int) int, expected float64) *gosurf.Operator {
	var ri, ci []int
	var vals []float64
	nr := max(n-2, 0)
	for r := 0; r < nr; r++ {
		ri = append(ri, r, r, r)
		ci = append(ci, col(r), col(r+1), col(r+2))
		vals = append(vals, 1, -2, 1)
	}
	e := make([]float64, nr)
	for i := range e {
		e[i] = expected
	}
	return gosurf.NewOperator(name, gosurf.NewSpMat(nr, ncol, ri, ci, vals), e)
}
