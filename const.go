// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

// Names used in the row/column tables of contents. The assembler and the error
// propagator must agree on these.
const (
	ColZ0        = "z0"         // Surface value at the reference epoch
	ColDZ        = "dz"         // Surface change per epoch (the rate parameters)
	ColBias      = "bias"       // Per-identifier bias columns
	ColSlopeBias = "slope_bias" // Per-identifier slope bias columns (x, y pairs)
	ColPSBias    = "PS_bias"    // Optional spatial bias field
	RowData      = "data"       // Data rows of the combined system
)

// Default values of the fit configuration
const (
	DEFAULT_MAX_ITERATIONS          = 10   // Maximum number of reweighting iterations
	DEFAULT_CONVERGE_TOL_DZ         = 0.05 // Convergence tolerance on dz between iterations
	DEFAULT_BIAS_NSIGMA_ITERATION   = 2    // First iteration at which biases may be edited
	DEFAULT_EDIT_SIGMA_CUT          = 3.0  // Scaled-residual threshold of the active set
	DEFAULT_SIGMA_EXTRA_STOP_FRAC   = 0.5  // Stop when sigma_extra < frac * min(active sigma)
	DEFAULT_BIAS_OUTLIER_CAP        = 50.0 // Upper limit of the extreme-bias threshold
	DEFAULT_BIAS_OUTLIER_FACTOR     = 3.0  // Extreme-bias threshold = factor * percentile
	DEFAULT_BIAS_OUTLIER_PERCENTILE = 95.0 // Percentile of scaled biases used by the guard
	DEFAULT_INVERSE_FILL_FRACTION   = 0.25 // Fill budget of R^-1 as a fraction of n*n
	DEFAULT_INVERSE_TOL             = 1e-5 // Entries of R^-1 below this are dropped
)

// Robust spread percentiles (16th and 84th, +-1 sigma for a normal distribution)
const (
	RDE_LOW  = 0.16
	RDE_HIGH = 0.84
)

// Bounded scalar search parameters for SigmaExtra
const (
	BRENT_XTOL     = 1e-5 // Absolute tolerance on the minimizer
	BRENT_MAX_ITER = 500  // Maximum number of function evaluations
)

// Largest matrix dimension written to the debug log
const DEBUG_MAT_MAX = 12
