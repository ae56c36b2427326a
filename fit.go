// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Implements the robust iterative least-squares fit: reweighting, extra-variance
// estimation, outlier rejection, bias editing and the termination rules.

package gosurf

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// StopReason tells why the iterations ended
type StopReason int

const (
	StopNone            StopReason = iota // No iteration was run
	StopConverged                         // Change of the rate parameters below ConvergeTolDZ
	StopActiveSetStable                   // Active set and bias flags unchanged
	StopSigmaExtraSmall                   // Extra variance of the primary stratum negligible
	StopMaxIterations                     // Iteration cap reached (not converged)
)

func (p StopReason) String() string {
	switch p {
	case StopConverged:
		return "converged"
	case StopActiveSetStable:
		return "active_set_stable"
	case StopSigmaExtraSmall:
		return "sigma_extra_small"
	case StopMaxIterations:
		return "max_iterations"
	default:
		return "none"
	}
}

// MarshalYAML writes the reason by name
func (p StopReason) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// FitOpt contains the options of the robust fit
type FitOpt struct {
	MaxIterations         int         // Maximum number of iterations (including the final pass)
	ConvergeTolDZ         float64     // Convergence tolerance on the rate parameters between iterations
	BiasNSigmaEdit        float64     // Scaled-bias threshold for bias editing. 0 means no editing
	BiasNSigmaIteration   int         // First iteration at which biases are edited
	DEMTol                float64     // Tolerance of the DEM consistency check. 0 means no check
	EditSigmaCut          float64     // Scaled-residual threshold of the active set
	SigmaExtraStopFrac    float64     // Stop when primary sigma_extra < frac * min(active sigma)
	BiasOutlierCap        float64     // Upper limit of the extreme-bias threshold
	BiasOutlierFactor     float64     // Extreme-bias threshold = factor * percentile
	BiasOutlierPercentile float64     // Percentile of the scaled biases used by the guard
	Backend               Backend     // Linear-algebra backend. nil means SparseQR
	Logger                *zap.Logger // Logger. nil means no output
	Verbose               bool        // If true, log per-iteration diagnostics
	Metrics               *Metrics    // Metrics. nil means none
}

// NewFitOpt creates a new FitOpt with default values
func NewFitOpt() *FitOpt {
	return &FitOpt{
		MaxIterations:         DEFAULT_MAX_ITERATIONS,          // 10 iterations
		ConvergeTolDZ:         DEFAULT_CONVERGE_TOL_DZ,         // 0.05 m
		BiasNSigmaEdit:        0,                               // No bias editing
		BiasNSigmaIteration:   DEFAULT_BIAS_NSIGMA_ITERATION,   // From iteration 2
		DEMTol:                0,                               // No DEM check
		EditSigmaCut:          DEFAULT_EDIT_SIGMA_CUT,          // 3 sigma
		SigmaExtraStopFrac:    DEFAULT_SIGMA_EXTRA_STOP_FRAC,   // Half the smallest sigma
		BiasOutlierCap:        DEFAULT_BIAS_OUTLIER_CAP,        // 50
		BiasOutlierFactor:     DEFAULT_BIAS_OUTLIER_FACTOR,     // 3 x percentile
		BiasOutlierPercentile: DEFAULT_BIAS_OUTLIER_PERCENTILE, // 95th percentile
		Backend:               nil,                             // Sparse QR
		Logger:                nil,                             // No logging
		Verbose:               true,                            // Log diagnostics
		Metrics:               nil,                             // No metrics
	}
}

// FitProblem is the assembled system handed to Fit
type FitProblem struct {
	G           *SpMat       // Reduced system: data rows (one per observation) then constraint rows
	RHS         []float64    // Right-hand side per equation
	Sigma       []float64    // Nominal sigma per equation
	Data        *SpMat       // Full-column data operator (one row per observation)
	Z           []float64    // Observed values
	Stratum     []int        // Extra-variance stratum per observation (0: primary)
	Active      []bool       // Initial active set
	NonEditable []bool       // Observations whose active flag is kept (nil: none)
	DEM         []float64    // Reference surface per observation (NaN: not checked, kept; nil: no DEM)
	SurfaceCols []int        // Full columns zeroed for the DEM check (z0)
	RateCols    []int        // Full columns of the convergence test (dz)
	Elim        *Elimination // Reference-epoch column elimination
	BiasEditor  *BiasEditor  // Bias editor (nil: no bias model)
}

// NData returns the number of observations
func (p *FitProblem) NData() int {
	return len(p.Z)
}

// Check the problem dimensions
func (p *FitProblem) validate() error {
	if p.G == nil || p.Data == nil {
		return fmt.Errorf("%w: missing system or data operator", ErrConfig)
	}
	nData := p.NData()
	nEq, nFree := p.G.Dims()
	switch {
	case p.Elim == nil:
		return fmt.Errorf("%w: no column elimination", ErrConfig)
	case nFree != p.Elim.NFree():
		return fmt.Errorf("%w: G has %d columns, elimination has %d free columns", ErrDimension, nFree, p.Elim.NFree())
	case len(p.RHS) != nEq || len(p.Sigma) != nEq:
		return fmt.Errorf("%w: G(%d rows), rhs(%d), sigma(%d)", ErrDimension, nEq, len(p.RHS), len(p.Sigma))
	case nData > nEq:
		return fmt.Errorf("%w: %d observations > %d equations", ErrDimension, nData, nEq)
	case p.Data.Rows != nData || p.Data.Cols != p.Elim.NFull:
		return fmt.Errorf("%w: data operator(%d x %d), observations %d, columns %d", ErrDimension, p.Data.Rows, p.Data.Cols, nData, p.Elim.NFull)
	case len(p.Stratum) != nData || len(p.Active) != nData:
		return fmt.Errorf("%w: stratum(%d), active(%d), observations %d", ErrDimension, len(p.Stratum), len(p.Active), nData)
	case p.NonEditable != nil && len(p.NonEditable) != nData:
		return fmt.Errorf("%w: non-editable(%d), observations %d", ErrDimension, len(p.NonEditable), nData)
	case p.DEM != nil && len(p.DEM) != nData:
		return fmt.Errorf("%w: DEM(%d), observations %d", ErrDimension, len(p.DEM), nData)
	}
	for i, s := range p.Sigma {
		if s == 0 || math.IsNaN(s) {
			return fmt.Errorf("%w: sigma of equation %d is %v", ErrConfig, i, s)
		}
	}
	return nil
}

// FitSol contains the results of the robust fit
type FitSol struct {
	M                 []float64       // Full model vector
	SigmaExtra        float64         // Extra sigma of the primary stratum
	StratumSigmaExtra map[int]float64 // Extra sigma per stratum
	Active            []bool          // Final active set (used by the last solve)
	Residual          []float64       // z - Data m for every observation
	ScaledResidual    []float64       // Residual / nominal sigma
	ZEst              []float64       // Data m for every observation
	Iterations        int             // Number of solves
	StopReason        StopReason      // Reason for stopping
	NActive           []int           // Active count used by each solve
}

// NewFitSol creates a new empty FitSol
func NewFitSol() *FitSol {
	return &FitSol{
		M:                 []float64{},
		SigmaExtra:        0,
		StratumSigmaExtra: map[int]float64{},
		Active:            []bool{},
		Residual:          []float64{},
		ScaledResidual:    []float64{},
		ZEst:              []float64{},
		Iterations:        0,
		StopReason:        StopNone,
		NActive:           []int{},
	}
}

// Fit runs the robust iterative least-squares fit
//
// Parameters:
//   - problem: assembled, reduced system with its data operator
//   - opt: fit options
//
// Returns:
//   - FitSol: model vector, extra sigma, active set and residuals of the last solve
//   - error: ErrNumerical when a solve fails (fatal, no partial result)
func Fit(
	problem *FitProblem, // Assembled system
	opt *FitOpt, // Fit options
) (*FitSol, error) {

	if err := problem.validate(); err != nil {
		return nil, fmt.Errorf("validate() failed, err=%w", err)
	}
	backend := opt.Backend
	if backend == nil {
		backend = &SparseQR{}
	}
	log := sugar(opt.Logger, opt.Verbose)

	nData := problem.NData()
	nEq := problem.G.Rows
	rslt := NewFitSol()
	rslt.M = make([]float64, problem.Elim.NFull)

	// Remove the data of pre-edited biases
	active := slices.Clone(problem.Active)
	if problem.BiasEditor != nil {
		if n := problem.BiasEditor.Apply(active); n > 0 {
			log.Infof("removed %d data of %d pre-edited biases", n, len(problem.BiasEditor.EditedIDs()))
		}
	}

	// Active set before the fit (restored for non-editable observations)
	original := slices.Clone(active)

	strata := distinctStrata(problem.Stratum)
	sx := map[int]float64{}
	for _, st := range strata {
		sx[st] = 0
	}

	lastIteration := false
	reason := StopNone
	var m []float64
	for iter := 0; iter < opt.MaxIterations; iter++ {

		// Weights: non-primary strata are inflated every iteration, the primary
		// stratum on the final pass only
		w := make([]float64, nEq)
		for i := 0; i < nEq; i++ {
			s2 := SQ(problem.Sigma[i])
			if i < nData {
				if st := problem.Stratum[i]; st != 0 || lastIteration {
					s2 += SQ(sx[st])
				}
			}
			w[i] = 1 / math.Sqrt(s2)
		}

		// Rows: active data and all constraints
		rows := selectRows(active, nEq)
		nAct := countTrue(active)
		A, bsel := WeightedRows(problem.G, problem.RHS, w, rows)

		// Solve
		log.Debugf("starting solve for iteration %d: %d active data, %d equations", iter, nAct, len(rows))
		tic := time.Now()
		x, err := backend.SolveLeastSquares(A, bsel)
		if err != nil {
			return nil, fmt.Errorf("SolveLeastSquares() failed at iteration %d, err=%w", iter, err)
		}
		dt := time.Since(tic)
		opt.Metrics.observeSolve(dt)
		mLast := rslt.M
		m = problem.Elim.Expand(x)
		rslt.M = m
		rslt.Iterations = iter + 1
		rslt.NActive = append(rslt.NActive, nAct)
		rslt.Active = slices.Clone(active)

		// Full data residuals (inactive data included)
		rslt.ZEst = problem.Data.MulVec(m)
		rslt.Residual = make([]float64, nData)
		rslt.ScaledResidual = make([]float64, nData)
		for i := 0; i < nData; i++ {
			rslt.Residual[i] = problem.Z[i] - rslt.ZEst[i]
			rslt.ScaledResidual[i] = rslt.Residual[i] / problem.Sigma[i]
		}
		if lastIteration {
			break
		}

		// Extra sigma per stratum from the active data
		for _, st := range strata {
			var r, s []float64
			for i := 0; i < nData; i++ {
				if active[i] && problem.Stratum[i] == st {
					r = append(r, rslt.Residual[i])
					s = append(s, problem.Sigma[i])
				}
			}
			sx[st] = SigmaExtra(r, s)
		}

		// Active set: scaled residual below the cut
		activeLast := active
		active = make([]bool, nData)
		for i := 0; i < nData; i++ {
			sa := math.Sqrt(SQ(problem.Sigma[i]) + SQ(sx[problem.Stratum[i]]))
			active[i] = math.Abs(rslt.Residual[i]/sa) < opt.EditSigmaCut
		}

		// Bias editing
		biasChanged := false
		if problem.BiasEditor != nil {
			biasChanged = problem.BiasEditor.Edit(m, active, iter)
		}

		// DEM consistency
		if opt.DEMTol > 0 && problem.DEM != nil {
			checkDataAgainstDEM(active, problem, m, opt.DEMTol)
		}

		// Non-editable data keep their status
		for i, fixed := range problem.NonEditable {
			if fixed {
				active[i] = original[i]
			}
		}

		nAct = countTrue(active)
		opt.Metrics.observeIteration(nAct, sx)
		log.Infof("iteration %d: %d active, sigma_extra=%s, dt=%.3fs", iter, nAct, formatSigmaExtra(sx), dt.Seconds())

		// Termination rules; any one starts the final pass
		reason = opt.stopReason(iterState{
			iter:        iter,
			dzChange:    maxAbsDiff(mLast, m, problem.RateCols),
			maskStable:  equalMask(activeLast, active),
			biasChanged: biasChanged,
			sigmaExtra:  sx[0],
			minSigma:    minActive(problem.Sigma[:nData], active),
		})
		switch reason {
		case StopConverged:
			log.Infof("solution identical to previous iteration with tolerance %.3f, exiting after iteration %d", opt.ConvergeTolDZ, iter)
		case StopActiveSetStable:
			log.Infof("filtering unchanged, exiting after iteration %d", iter)
		case StopSigmaExtraSmall:
			log.Infof("sigma_extra negligible, exiting after iteration %d", iter)
		}
		lastIteration = reason != StopNone
	}
	if !lastIteration && rslt.Iterations > 0 {
		reason = StopMaxIterations
	}
	if reason == StopMaxIterations {
		log.Warnf("iteration limit %d reached", opt.MaxIterations)
	}

	rslt.StopReason = reason
	rslt.SigmaExtra = sx[0]
	rslt.StratumSigmaExtra = sx
	nEdited := 0
	if problem.BiasEditor != nil {
		nEdited = len(problem.BiasEditor.EditedIDs())
	}
	opt.Metrics.observeFit(rslt.Iterations, reason, nEdited)
	return rslt, nil
}

// State of one iteration seen by the termination rules
type iterState struct {
	iter        int     // Iteration index
	dzChange    float64 // Largest change of the rate parameters since the previous solve
	maskStable  bool    // Active set unchanged by this iteration
	biasChanged bool    // Bias flags changed by this iteration
	sigmaExtra  float64 // Extra sigma of the primary stratum
	minSigma    float64 // Smallest sigma of the active data
}

// Termination rules in order of precedence. StopNone means keep iterating.
func (p *FitOpt) stopReason(s iterState) StopReason {
	switch {
	case s.iter > 2 && s.dzChange < p.ConvergeTolDZ:
		return StopConverged
	case s.iter > max(0, p.BiasNSigmaIteration) && s.maskStable && !s.biasChanged:
		return StopActiveSetStable
	case s.iter >= max(2, p.BiasNSigmaIteration+1) && s.sigmaExtra < p.SigmaExtraStopFrac*s.minSigma && !s.biasChanged:
		return StopSigmaExtraSmall
	case s.iter == p.MaxIterations-2:
		return StopMaxIterations
	}
	return StopNone
}

// WeightedRows returns the selected rows of the system scaled by their weights,
// diag(w) S G and diag(w) S rhs for the 0/1 row selector S
func WeightedRows(G *SpMat, rhs, w []float64, rows []int) (*SpMat, []float64) {
	wsel := make([]float64, len(rows))
	bsel := make([]float64, len(rows))
	for k, i := range rows {
		wsel[k] = w[i]
		bsel[k] = w[i] * rhs[i]
	}
	return G.SelectRows(rows).ScaleRows(wsel), bsel
}

// Row selection of the active data followed by every constraint row
func selectRows(active []bool, nEq int) []int {
	rows := flatNonzero(active)
	for i := len(active); i < nEq; i++ {
		rows = append(rows, i)
	}
	return rows
}

// Reject active data that differ from the DEM by DEMTol or more. The residual is taken
// against the model with the surface columns zeroed.
// Data whose DEM value is NaN are kept as they are; a plain |z - z1 - dem| < tol test
// would reject them, since a comparison with NaN is false.
func checkDataAgainstDEM(active []bool, problem *FitProblem, m []float64, tol float64) {
	m1 := slices.Clone(m)
	for _, j := range problem.SurfaceCols {
		m1[j] = 0
	}
	z1 := problem.Data.MulVec(m1)
	for i := range active {
		if !active[i] || math.IsNaN(problem.DEM[i]) {
			continue
		}
		active[i] = math.Abs(problem.Z[i]-z1[i]-problem.DEM[i]) < tol
	}
}

// Smallest sigma of the active data, +Inf if none
func minActive(sigma []float64, active []bool) float64 {
	v := math.Inf(1)
	for i, a := range active {
		if a {
			v = math.Min(v, sigma[i])
		}
	}
	return v
}

// Sorted distinct stratum values; the primary stratum 0 is always present
func distinctStrata(st []int) []int {
	set := map[int]bool{0: true}
	for _, s := range st {
		set[s] = true
	}
	keys := maps.Keys(set)
	slices.Sort(keys)
	return keys
}

func stratumLabel(st int) string {
	return strconv.Itoa(st)
}

// Format the extra sigma of each stratum for log output
func formatSigmaExtra(sx map[int]float64) string {
	keys := maps.Keys(sx)
	slices.Sort(keys)
	s := ""
	for i, k := range keys {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d:%.3f", k, sx[k])
	}
	return s
}
