// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Implements the surface fit: data selection, assembly of the combined system from the
// supplied operators, the robust fit, the error propagation and the output reshaping.

package gosurf

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Input contains the observations and the externally built grids and operators
type Input struct {
	Obs         []Observation  // Observations (Active and ZEst are written by FitSurface)
	Z0Grid      *Grid          // Grid of z0 (axes y, x)
	DZGrid      *Grid          // Grid of dz (axes y, x, t)
	Cols        TOC            // Columns of the full model ("z0", "dz", optional "bias", "slope_bias", "PS_bias")
	Data        *Operator      // Data operator, one row per input observation (interpolation + bias columns)
	Constraints []*Operator    // Smoothness, bias, slope-bias and prior constraints
	AvgOps      []*AveragingOp // Averaging operators for derived products
	Bias        *BiasModel     // Bias model (nil if none)
	Mask        PointMask      // External data mask (nil if none)
}

// Output contains the results of FitSurface
type Output struct {
	RunID           string              // Identifier of the run (also attached to the log lines)
	Empty           bool                // True when no observation survived the data selection
	Fields          map[string]*Field   // Model fields ("z0", "dz", optional "PS_bias", averaged products)
	Errors          map[string]*Field   // Error fields ("sigma_z0", "sigma_dz", "sigma_<avg>")
	Bias            []BiasEstimate      // Bias estimates
	SlopeBias       []SlopeBiasEstimate // Slope bias estimates
	BiasErrors      []BiasEstimate      // Bias errors (Val holds the error)
	SlopeBiasErrors []SlopeBiasEstimate // Slope bias errors
	EditedBiases    []int               // Bias IDs flagged as edited
	R               map[string]float64  // Sum of squared scaled residuals per row category
	RMS             map[string]float64  // RMS of the unscaled residuals per row category
	M               []float64           // Full model vector
	E               []float64           // Standard error per full column (when computed)
	Cols            TOC                 // Columns of the full model
	Rows            TOC                 // Rows of the combined system
	Valid           []bool              // Input observations that passed the data selection
	Active          []bool              // Input observations in the final active set
	ZEst            []float64           // Model prediction per input observation (NaN: not selected)
	SigmaExtra      float64             // Extra sigma of the primary stratum
	StratumSigma    map[int]float64     // Extra sigma per stratum
	Iterations      int                 // Number of iterations
	StopReason      StopReason          // Reason for stopping
	Extent          [4]float64          // xmin, xmax, ymin, ymax of the z0 grid
	Timing          Timing              // Elapsed time per phase
}

// NewOutput creates a new empty Output
func NewOutput() *Output {
	return &Output{
		RunID:        uuid.NewString(),
		Empty:        false,
		Fields:       map[string]*Field{},
		Errors:       map[string]*Field{},
		R:            map[string]float64{},
		RMS:          map[string]float64{},
		M:            []float64{},
		StratumSigma: map[int]float64{},
		StopReason:   StopNone,
		Timing:       Timing{},
	}
}

// Check the input
func (p *Input) validate() error {
	switch {
	case p.Z0Grid == nil || p.DZGrid == nil:
		return fmt.Errorf("%w: z0 and dz grids are required", ErrConfig)
	case len(p.DZGrid.Shape) != 3 || len(p.Z0Grid.Shape) != 2:
		return fmt.Errorf("%w: z0 grid must have 2 axes and dz grid 3, got %d, %d", ErrConfig, len(p.Z0Grid.Shape), len(p.DZGrid.Shape))
	case p.Z0Grid.Name != ColZ0 || p.DZGrid.Name != ColDZ:
		return fmt.Errorf("%w: grids must be named %q and %q, got %q, %q", ErrConfig, ColZ0, ColDZ, p.Z0Grid.Name, p.DZGrid.Name)
	case p.Data == nil || p.Data.M == nil:
		return fmt.Errorf("%w: data operator is required", ErrConfig)
	case p.Data.M.Rows != len(p.Obs):
		return fmt.Errorf("%w: data operator has %d rows for %d observations", ErrConfig, p.Data.M.Rows, len(p.Obs))
	}
	if err := p.Cols.Validate(p.Data.M.Cols); err != nil {
		return fmt.Errorf("column TOC: %w", err)
	}
	for _, g := range []*Grid{p.Z0Grid, p.DZGrid} {
		r, ok := p.Cols.Lookup(g.Name)
		if !ok {
			return fmt.Errorf("%w: no columns for grid %q", ErrConfig, g.Name)
		}
		if r.Len != g.Size() {
			return fmt.Errorf("%w: grid %q has %d cells but %d columns", ErrConfig, g.Name, g.Size(), r.Len)
		}
	}
	for _, op := range p.Constraints {
		if op.M.Cols != p.Data.M.Cols {
			return fmt.Errorf("%w: constraint %q has %d columns, expected %d", ErrConfig, op.Name, op.M.Cols, p.Data.M.Cols)
		}
	}
	for _, op := range p.AvgOps {
		if op.Op.Cols != p.Data.M.Cols {
			return fmt.Errorf("%w: averaging operator %q has %d columns, expected %d", ErrConfig, op.Name, op.Op.Cols, p.Data.M.Cols)
		}
	}
	return nil
}

// FitSurface fits z0 and dz to the observations
//
// Parameters:
//   - in: observations, grids and operators (the operators are not modified)
//   - cfg: configuration
//
// Returns:
//   - Output: fields, errors, residual statistics and diagnostics. Output.Empty is set
//     when no observation is usable
//   - error: ErrConfig for invalid input or zero sigma (before any solve), ErrNumerical
//     when a solve fails
func FitSurface(
	in *Input, // Observations, grids and operators
	cfg *Config, // Configuration
) (*Output, error) {

	rslt := NewOutput()
	tic := time.Now()

	// Validate the configuration and input
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Validate() failed, err=%w", err)
	}
	if err := in.validate(); err != nil {
		return nil, fmt.Errorf("validate() failed, err=%w", err)
	}
	logger := cfg.Logger
	if logger != nil {
		logger = logger.With(zap.String("run_id", rslt.RunID))
	}
	log := sugar(logger, cfg.Verbose)
	nt := in.DZGrid.Shape[2]
	if cfg.ReferenceEpoch >= nt {
		return nil, fmt.Errorf("%w: reference_epoch %d >= %d epochs", ErrConfig, cfg.ReferenceEpoch, nt)
	}
	rslt.Cols = in.Cols
	rslt.Extent = in.Z0Grid.Extent()

	// Select finite observations inside both grids (and the mask)
	rslt.Valid = make([]bool, len(in.Obs))
	for i := range in.Obs {
		o := &in.Obs[i]
		rslt.Valid[i] = o.IsFinite() &&
			in.Z0Grid.Contains(o.X, o.Y) &&
			in.DZGrid.Contains(o.X, o.Y, o.Time) &&
			(in.Mask == nil || in.Mask.Contains(o.X, o.Y))
	}
	sub := flatNonzero(rslt.Valid)
	rslt.Active = make([]bool, len(in.Obs))
	rslt.ZEst = make([]float64, len(in.Obs))
	for i := range rslt.ZEst {
		rslt.ZEst[i] = math.NaN()
	}
	if len(sub) == 0 {
		log.Infof("no valid data")
		rslt.Empty = true
		rslt.Timing.Track("setup", tic)
		return rslt, nil
	}
	log.Infof("%d of %d observations selected\n%s", len(sub), len(in.Obs), ObsSummary(in.Obs))

	// Assemble the combined system
	sys, err := assemble(in, cfg, sub)
	if err != nil {
		return nil, fmt.Errorf("assemble() failed, err=%w", err)
	}
	rslt.Rows = sys.rows
	rslt.Timing.Track("setup", tic)

	// Bias editor with the pre-edited IDs
	fitOpt := cfg.FitOpt()
	fitOpt.Logger = logger
	var editor *BiasEditor
	if in.Bias.Len() > 0 {
		editor = NewBiasEditor(in.Bias, sys.biasID, fitOpt)
		if err := editor.Flag(cfg.BiasEditIDs...); err != nil {
			return nil, fmt.Errorf("Flag() failed, err=%w", err)
		}
	}

	problem := &FitProblem{
		G:           sys.g,
		RHS:         sys.rhs,
		Sigma:       sys.sigma,
		Data:        sys.data,
		Z:           sys.z,
		Stratum:     sys.stratum,
		Active:      sys.active,
		NonEditable: sys.nonEditable,
		DEM:         sys.dem,
		SurfaceCols: in.Cols.Indices(ColZ0),
		RateCols:    in.Cols.Indices(ColDZ),
		Elim:        sys.elim,
		BiasEditor:  editor,
	}
	active := slices.Clone(sys.active)
	if editor != nil {
		editor.Apply(active)
	}

	// Robust fit
	if cfg.MaxIterations > 0 {
		tic = time.Now()
		sol, err := Fit(problem, fitOpt)
		if err != nil {
			return nil, fmt.Errorf("Fit() failed, err=%w", err)
		}
		rslt.Timing.Track("iteration", tic)
		active = sol.Active
		rslt.M = sol.M
		rslt.SigmaExtra = sol.SigmaExtra
		rslt.StratumSigma = sol.StratumSigmaExtra
		rslt.Iterations = sol.Iterations
		rslt.StopReason = sol.StopReason

		// Write back to the observations
		for k, i := range sub {
			a := sol.Active[k]
			z := sol.ZEst[k]
			in.Obs[i].Active = &a
			in.Obs[i].ZEst = &z
			rslt.Active[i] = a
			rslt.ZEst[i] = z
		}
		for i := range in.Obs {
			if !rslt.Valid[i] {
				a := false
				in.Obs[i].Active = &a
			}
		}

		parseModel(rslt, in, sys, sol)
	}
	if editor != nil {
		rslt.EditedBiases = editor.EditedIDs()
		if h := editor.History(); len(h) > 0 {
			log.Infof("bias edits:\n%s", editor)
		}
	}

	// Error propagation
	if cfg.ComputeErrors {
		tic = time.Now()
		if err := computeErrors(rslt, in, cfg, sys, active, logger); err != nil {
			return nil, fmt.Errorf("computeErrors() failed, err=%w", err)
		}
		rslt.Timing.Track("errors", tic)
	}

	cfg.Metrics.observeTiming(rslt.Timing)
	log.Infof("done: %d iterations (%s), total %.3fs", rslt.Iterations, rslt.StopReason, rslt.Timing.Total().Seconds())
	return rslt, nil
}

// ------------------------------------
// Assembly
// ------------------------------------

// Assembled system over the selected observations
type system struct {
	data        *SpMat       // Data operator over the full columns (selected rows)
	cons        *Operator    // Stacked constraints (nil if none)
	g           *SpMat       // Reduced combined system
	rhs         []float64    // Right-hand side
	sigma       []float64    // Nominal sigma per equation
	rows        TOC          // Rows of the combined system
	elim        *Elimination // Reference-epoch elimination
	z           []float64    // Observed values
	tide        []float64    // Tide corrections (nil if none)
	stratum     []int        // Stratum per observation
	active      []bool       // Initial active set
	nonEditable []bool       // Non-editable flags (nil if none)
	dem         []float64    // DEM per observation (nil if none)
	biasID      []int        // Bias ID per observation
}

// Assemble the combined system of the selected observations
func assemble(in *Input, cfg *Config, sub []int) (*system, error) {
	n := len(sub)
	sys := &system{
		data:    in.Data.M.SelectRows(sub),
		z:       make([]float64, n),
		stratum: make([]int, n),
		active:  make([]bool, n),
		biasID:  make([]int, n),
	}

	// Per-observation inputs
	dataSigma := make([]float64, n)
	hasTide, hasDEM, hasFixed := false, false, false
	for k, i := range sub {
		o := &in.Obs[i]
		sys.z[k] = o.Z
		dataSigma[k] = o.Sigma
		sys.stratum[k] = o.Stratum
		sys.active[k] = o.IsActive()
		sys.biasID[k] = o.biasID()
		hasTide = hasTide || o.Tide != nil
		hasDEM = hasDEM || o.DEM != nil
		hasFixed = hasFixed || o.NonEditable
	}
	if hasTide {
		sys.tide = make([]float64, n)
		for k, i := range sub {
			if t := in.Obs[i].Tide; t != nil {
				sys.tide[k] = *t
			}
		}
	}
	if hasDEM {
		sys.dem = make([]float64, n)
		for k, i := range sub {
			sys.dem[k] = in.Obs[i].dem()
		}
	}
	if hasFixed {
		sys.nonEditable = make([]bool, n)
		for k, i := range sub {
			sys.nonEditable[k] = in.Obs[i].NonEditable
		}
	}

	// Stack the rows: data, then the constraints
	sys.rows = NewTOC(RowData, n)
	sys.sigma = dataSigma
	sys.rhs = slices.Clone(sys.z)
	gFull := sys.data
	if len(in.Constraints) > 0 {
		cons, err := VStackOperators("constraints", in.Constraints...)
		if err != nil {
			return nil, fmt.Errorf("VStackOperators() failed, err=%w", err)
		}
		sys.cons = cons
		sys.rows.Ranges = append(sys.rows.Ranges, cons.Rows.Shift(n).Ranges...)
		sys.sigma = append(sys.sigma, cons.Expected...)
		sys.rhs = append(sys.rhs, cons.Prior...)
		gFull, err = VStack(sys.data, cons.M)
		if err != nil {
			return nil, fmt.Errorf("VStack() failed, err=%w", err)
		}
	}
	if err := sys.rows.Validate(gFull.Rows); err != nil {
		return nil, fmt.Errorf("row TOC: %w", err)
	}

	// Zero sigma anywhere is a configuration error
	for i, s := range sys.sigma {
		if s == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			name := "?"
			for _, r := range sys.rows.Ranges {
				if i >= r.Offset && i < r.End() {
					name = r.Name
				}
			}
			return nil, fmt.Errorf("%w: sigma of row %d (%s) is %v", ErrConfig, i, name, s)
		}
	}

	// Fix dz at the reference epoch
	sys.elim = NewElimination(gFull.Cols, referenceEpochCols(in, cfg.ReferenceEpoch))
	sys.g = sys.elim.Reduce(gFull)
	return sys, nil
}

// Columns of dz at the reference epoch (t is the fastest axis of the dz grid)
func referenceEpochCols(in *Input, epoch int) []int {
	r, _ := in.Cols.Lookup(ColDZ)
	nt := in.DZGrid.Shape[2]
	cols := make([]int, 0, r.Len/nt)
	for k := 0; k < r.Len/nt; k++ {
		cols = append(cols, r.Offset+k*nt+epoch)
	}
	return cols
}

// ------------------------------------
// Output reshaping
// ------------------------------------

// Reshape the model into fields and compute the residual statistics
func parseModel(rslt *Output, in *Input, sys *system, sol *FitSol) {
	m := sol.M

	// Fields
	for _, g := range []*Grid{in.Z0Grid, in.DZGrid} {
		r, _ := in.Cols.Lookup(g.Name)
		f := newField(g.Name, g, slices.Clone(m[r.Offset:r.End()]))
		if g.Mask != nil {
			f.Layers["mask"] = boolLayer(g.Mask)
		}
		if g.CellArea != nil {
			f.Layers["cell_area"] = g.CellArea
		}
		rslt.Fields[g.Name] = f
	}
	if r, ok := in.Cols.Lookup(ColPSBias); ok {
		rslt.Fields[ColPSBias] = &Field{
			Name:   ColPSBias,
			Ctrs:   in.DZGrid.Ctrs[:2],
			Shape:  in.DZGrid.Shape[:2],
			Data:   slices.Clone(m[r.Offset:r.End()]),
			Layers: map[string][]float64{},
		}
	}
	for _, op := range in.AvgOps {
		rslt.Fields[op.Name] = newField(op.Name, op.Grid, op.Product(m))
	}
	if in.Bias.Len() > 0 {
		rslt.Bias, rslt.SlopeBias = ParseBiases(m, in.Bias)
	}

	// Residual statistics per constraint category
	if sys.cons != nil {
		ru := sys.cons.M.MulVec(m)
		for _, r := range sys.cons.Rows.Ranges {
			if r.Len == 0 {
				continue
			}
			sum2, sumu := 0.0, 0.0
			for i := r.Offset; i < r.End(); i++ {
				sum2 += SQ(ru[i] / sys.cons.Expected[i])
				sumu += SQ(ru[i])
			}
			rslt.R[r.Name] = sum2
			rslt.RMS[r.Name] = math.Sqrt(sumu / float64(r.Len))
		}
	}

	// Data term over the active observations
	sum2, sumu, n := 0.0, 0.0, 0
	for k, a := range sol.Active {
		if a {
			sum2 += SQ(sol.Residual[k] / sys.sigma[k])
			sumu += SQ(sol.Residual[k])
			n++
		}
	}
	rslt.R[RowData] = sum2
	rslt.RMS[RowData] = math.NaN()
	if n > 0 {
		rslt.RMS[RowData] = math.Sqrt(sumu / float64(n))
	}

	// Count and misfit layers of z0 and dz
	for _, g := range []*Grid{in.Z0Grid, in.DZGrid} {
		r, _ := in.Cols.Lookup(g.Name)
		addMisfitLayers(rslt.Fields[g.Name], sys, sol, r)
	}
}

// Add data count and misfit layers to a field. The count of a cell is the sum of the
// interpolation weights of the active data on it.
func addMisfitLayers(f *Field, sys *system, sol *FitSol, cols Range) {
	n := cols.Len
	count := make([]float64, n)
	sr, ss := make([]float64, n), make([]float64, n)
	var nr, ns []float64
	if sys.tide != nil {
		nr, ns = make([]float64, n), make([]float64, n)
	}
	for k, a := range sol.Active {
		if !a {
			continue
		}
		r := sol.Residual[k]
		rs := r / sys.sigma[k]
		ind, val := sys.data.Row(k)
		for t, j := range ind {
			if j < cols.Offset || j >= cols.End() {
				continue
			}
			c := j - cols.Offset
			count[c] += val[t]
			sr[c] += val[t] * SQ(r)
			ss[c] += val[t] * SQ(rs)
			if nr != nil {
				rn := r + sys.tide[k]
				nr[c] += val[t] * SQ(rn)
				ns[c] += val[t] * SQ(rn/sys.sigma[k])
			}
		}
	}
	for c := range count {
		if count[c] == 0 {
			count[c] = math.NaN()
		}
	}
	misfit := func(sum []float64) []float64 {
		out := make([]float64, n)
		for c := range out {
			out[c] = math.Sqrt(sum[c] / count[c])
		}
		return out
	}
	f.Layers["count"] = count
	f.Layers["misfit_rms"] = misfit(sr)
	f.Layers["misfit_scaled_rms"] = misfit(ss)
	if nr != nil {
		f.Layers["misfit_notide_rms"] = misfit(nr)
		f.Layers["misfit_notide_scaled_rms"] = misfit(ns)
	}
}

// Cell mask as 0/1 values
func boolLayer(b []bool) []float64 {
	out := make([]float64, len(b))
	for i, v := range b {
		if v {
			out[i] = 1
		}
	}
	return out
}

// ------------------------------------
// Errors
// ------------------------------------

// Re-estimate one extra sigma from the final active residuals, rebuild the weights and
// propagate the errors
func computeErrors(rslt *Output, in *Input, cfg *Config, sys *system, active []bool, logger *zap.Logger) error {
	nData := len(sys.z)
	nEq := sys.g.Rows

	// Global extra sigma (0 without a fit)
	sx := 0.0
	if len(rslt.M) > 0 {
		zest := sys.data.MulVec(rslt.M)
		var r, s []float64
		for k, a := range active {
			if a {
				r = append(r, sys.z[k]-zest[k])
				s = append(s, sys.sigma[k])
			}
		}
		sx = SigmaExtra(r, s)
	}

	w := make([]float64, nEq)
	for i := range w {
		s2 := SQ(sys.sigma[i])
		if i < nData {
			s2 += SQ(sx)
		}
		w[i] = 1 / math.Sqrt(s2)
	}
	A, b := WeightedRows(sys.g, sys.rhs, w, selectRows(active, nEq))

	var targets []ErrorTarget
	for _, g := range []*Grid{in.Z0Grid, in.DZGrid} {
		r, _ := in.Cols.Lookup(g.Name)
		targets = append(targets, ErrorTarget{Name: g.Name, Grid: g, Cols: r})
	}
	opt := cfg.PropagateOpt()
	opt.Logger = logger
	esol, err := PropagateErrors(A, b, sys.elim, targets, in.AvgOps, in.Bias, opt)
	if err != nil {
		return fmt.Errorf("PropagateErrors() failed, err=%w", err)
	}
	rslt.E = esol.E
	rslt.Errors = esol.Fields
	rslt.BiasErrors, rslt.SlopeBiasErrors = esol.Bias, esol.SlopeBias
	for k, v := range esol.Timing {
		rslt.Timing[k] = v
	}
	return nil
}
