// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Implements the propagation of the data errors to the model parameters through the
// sparse inverse of the triangular factor. The covariance (R^T R)^-1 = R^-1 R^-T is never
// formed: the standard error of parameter j is the norm of row j of R^-1.

package gosurf

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// PropagateOpt contains the options of the error propagation
type PropagateOpt struct {
	Backend             Backend     // Linear-algebra backend. nil means SparseQR
	InverseFillFraction float64     // Fill budget of R^-1 as a fraction of n*n. 0 means no limit
	InverseTol          float64     // Entries of R^-1 below this are dropped
	Logger              *zap.Logger // Logger. nil means no output
	Verbose             bool        // If true, log diagnostics
	Metrics             *Metrics    // Metrics. nil means none
}

// NewPropagateOpt creates a new PropagateOpt with default values
func NewPropagateOpt() *PropagateOpt {
	return &PropagateOpt{
		Backend:             nil,                           // Sparse QR
		InverseFillFraction: DEFAULT_INVERSE_FILL_FRACTION, // A quarter of the dense size
		InverseTol:          DEFAULT_INVERSE_TOL,           // 1e-5
		Logger:              nil,                           // No logging
		Verbose:             true,                          // Log diagnostics
		Metrics:             nil,                           // No metrics
	}
}

// ErrorTarget names a block of full model columns reshaped to a grid
type ErrorTarget struct {
	Name string // Output name ("z0", "dz", ...); the field is named "sigma_" + Name
	Grid *Grid  // Grid of the block
	Cols Range  // Columns of the block in the full model
}

// ErrorSol contains the propagated errors
type ErrorSol struct {
	E         []float64           // Standard error per full column (0: fixed, NaN: rank deficient)
	Fields    map[string]*Field   // Error fields by name ("sigma_z0", "sigma_dz", "sigma_<avg>")
	Bias      []BiasEstimate      // Bias errors (Val holds the error)
	SlopeBias []SlopeBiasEstimate // Slope bias errors
	Rank      int                 // Rank of the weighted system
	NNZ       int                 // Stored entries of R^-1
	Truncated bool                // True when R^-1 was cut by the fill budget
	Timing    Timing              // Elapsed time per step
}

// NewErrorSol creates a new empty ErrorSol
func NewErrorSol() *ErrorSol {
	return &ErrorSol{
		E:         []float64{},
		Fields:    map[string]*Field{},
		Bias:      nil,
		SlopeBias: nil,
		Rank:      0,
		NNZ:       0,
		Truncated: false,
		Timing:    Timing{},
	}
}

// PropagateErrors computes the standard errors of the model parameters
//
// Parameters:
//   - A, b: final weighted, row-selected reduced system
//   - elim: reference-epoch elimination used by the fit
//   - targets: column blocks reshaped to error fields
//   - avg: averaging operators over the full model (their errors are the row norms of
//     Op Ip_c R^-1)
//   - model: bias model (nil if none)
//   - opt: propagation options
//
// Returns:
//   - ErrorSol: errors per parameter and per named output
//   - error: ErrNumerical when the factorization fails. A truncated inverse is not an
//     error; it is reported by ErrorSol.Truncated
func PropagateErrors(
	A *SpMat, // Weighted reduced system
	b []float64, // Weighted right-hand side
	elim *Elimination, // Column elimination
	targets []ErrorTarget, // Gridded column blocks
	avg []*AveragingOp, // Averaging operators
	model *BiasModel, // Bias model
	opt *PropagateOpt, // Options
) (*ErrorSol, error) {

	backend := opt.Backend
	if backend == nil {
		backend = &SparseQR{}
	}
	log := sugar(opt.Logger, opt.Verbose)
	rslt := NewErrorSol()

	// Factorize the weighted system
	tic := time.Now()
	f, err := backend.Factorize(A, b)
	if err != nil {
		return nil, fmt.Errorf("Factorize() failed, err=%w", err)
	}
	if f.Rank == 0 {
		return nil, fmt.Errorf("%w: weighted system has zero rank", ErrNumerical)
	}
	rslt.Rank = f.Rank
	rslt.Timing.Track("decompose_qz", tic)
	if f.Rank < len(f.Perm) {
		log.Warnf("weighted system is rank deficient: rank %d of %d", f.Rank, len(f.Perm))
	}

	// Sparse inverse of R
	tic = time.Now()
	n := f.R.Rows
	budget := 0
	if opt.InverseFillFraction > 0 {
		budget = fillBudgetOf(n, opt.InverseFillFraction)
	}
	rinv, err := backend.InvertUpperTriangular(f.R, budget, opt.InverseTol)
	if err != nil {
		if !errors.Is(err, ErrFillBudget) {
			return nil, fmt.Errorf("InvertUpperTriangular() failed, err=%w", err)
		}
		log.Warnf("R^-1 truncated: %v", err)
		rslt.Truncated = true
		opt.Metrics.observeTruncation()
	}
	rslt.NNZ = rinv.NNZ()
	if n <= DEBUG_MAT_MAX {
		log.Debugf("R^-1 %s", FormatMat(rinv))
	}

	// Row k of R^-1 belongs to parameter Perm[k]
	rinv = f.UnpermuteRows(rinv)
	rslt.Timing.Track("rinv", tic)

	// Per-parameter errors, expanded to the full model
	tic = time.Now()
	e0 := rinv.RowNorms()
	for _, j := range f.DeadParams() {
		e0[j] = math.NaN()
	}
	rslt.E = elim.Expand(e0)
	for _, t := range targets {
		rslt.Fields["sigma_"+t.Name] = newField("sigma_"+t.Name, t.Grid, rslt.E[t.Cols.Offset:t.Cols.End()])
	}

	// Averaged products: norm of each row of Op Ip_c R^-1
	if len(avg) > 0 {
		full := elim.ExpandRows(rinv)
		for _, op := range avg {
			prod, err := op.Op.Mul(full)
			if err != nil {
				return nil, fmt.Errorf("Mul() failed for %q, err=%w", op.Name, err)
			}
			rslt.Fields["sigma_"+op.Name] = newField("sigma_"+op.Name, op.Grid, prod.RowNorms())
		}
	}

	// Bias errors
	if model.Len() > 0 {
		rslt.Bias, rslt.SlopeBias = ParseBiases(rslt.E, model)
	}
	rslt.Timing.Track("propagate_errors", tic)

	log.Infof("propagated errors: rank %d, R^-1 nnz %d, truncated %v", rslt.Rank, rslt.NNZ, rslt.Truncated)
	return rslt, nil
}
