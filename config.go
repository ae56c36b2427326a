// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by Config.BackendName
const (
	BACKEND_SPARSE = "sparse" // Sparse Givens QR (SparseQR)
	BACKEND_DENSE  = "dense"  // Dense Householder QR of gonum (DenseQR)
)

// Config contains every option of FitSurface. Build it with NewConfig, override fields,
// then call Validate (FitSurface validates again).
type Config struct {
	MaxIterations         int         `mapstructure:"max_iterations" yaml:"max_iterations"`                   // Maximum number of iterations. 0 means no fit
	ConvergeTolDZ         float64     `mapstructure:"converge_tol_dz" yaml:"converge_tol_dz"`                 // Convergence tolerance on dz between iterations
	BiasNSigmaEdit        float64     `mapstructure:"bias_nsigma_edit" yaml:"bias_nsigma_edit"`               // Scaled-bias threshold for bias editing. 0 means no editing
	BiasNSigmaIteration   int         `mapstructure:"bias_nsigma_iteration" yaml:"bias_nsigma_iteration"`     // First iteration at which biases are edited
	BiasEditIDs           []int       `mapstructure:"bias_edit_ids" yaml:"bias_edit_ids,omitempty"`           // Bias IDs edited before the fit
	DEMTol                float64     `mapstructure:"dem_tol" yaml:"dem_tol"`                                 // Tolerance of the DEM check. 0 means no check
	ReferenceEpoch        int         `mapstructure:"reference_epoch" yaml:"reference_epoch"`                 // Time index of dz fixed to zero
	ComputeErrors         bool        `mapstructure:"compute_errors" yaml:"compute_errors"`                   // If true, propagate errors after the fit
	Verbose               bool        `mapstructure:"verbose" yaml:"verbose"`                                 // If true, log diagnostics
	EditSigmaCut          float64     `mapstructure:"edit_sigma_cut" yaml:"edit_sigma_cut"`                   // Scaled-residual threshold of the active set
	SigmaExtraStopFrac    float64     `mapstructure:"sigma_extra_stop_frac" yaml:"sigma_extra_stop_frac"`     // Stop when sigma_extra < frac * min(active sigma)
	BiasOutlierCap        float64     `mapstructure:"bias_outlier_cap" yaml:"bias_outlier_cap"`               // Upper limit of the extreme-bias threshold
	BiasOutlierFactor     float64     `mapstructure:"bias_outlier_factor" yaml:"bias_outlier_factor"`         // Extreme-bias threshold = factor * percentile
	BiasOutlierPercentile float64     `mapstructure:"bias_outlier_percentile" yaml:"bias_outlier_percentile"` // Percentile used by the extreme-bias guard
	InverseFillFraction   float64     `mapstructure:"inverse_fill_fraction" yaml:"inverse_fill_fraction"`     // Fill budget of R^-1 as a fraction of n*n
	InverseTol            float64     `mapstructure:"inverse_tol" yaml:"inverse_tol"`                         // Entries of R^-1 below this are dropped
	BackendName           string      `mapstructure:"backend" yaml:"backend"`                                 // "sparse" or "dense" (used when Backend is nil)
	Backend               Backend     `mapstructure:"-" yaml:"-"`                                             // Linear-algebra backend (overrides BackendName)
	Logger                *zap.Logger `mapstructure:"-" yaml:"-"`                                             // Logger. nil means no output
	Metrics               *Metrics    `mapstructure:"-" yaml:"-"`                                             // Metrics. nil means none
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		MaxIterations:         DEFAULT_MAX_ITERATIONS,          // 10 iterations
		ConvergeTolDZ:         DEFAULT_CONVERGE_TOL_DZ,         // 0.05 m
		BiasNSigmaEdit:        0,                               // No bias editing
		BiasNSigmaIteration:   DEFAULT_BIAS_NSIGMA_ITERATION,   // From iteration 2
		BiasEditIDs:           nil,                             // No pre-edited biases
		DEMTol:                0,                               // No DEM check
		ReferenceEpoch:        0,                               // First epoch
		ComputeErrors:         false,                           // No error propagation
		Verbose:               true,                            // Log diagnostics
		EditSigmaCut:          DEFAULT_EDIT_SIGMA_CUT,          // 3 sigma
		SigmaExtraStopFrac:    DEFAULT_SIGMA_EXTRA_STOP_FRAC,   // Half the smallest sigma
		BiasOutlierCap:        DEFAULT_BIAS_OUTLIER_CAP,        // 50
		BiasOutlierFactor:     DEFAULT_BIAS_OUTLIER_FACTOR,     // 3 x percentile
		BiasOutlierPercentile: DEFAULT_BIAS_OUTLIER_PERCENTILE, // 95th percentile
		InverseFillFraction:   DEFAULT_INVERSE_FILL_FRACTION,   // A quarter of the dense size
		InverseTol:            DEFAULT_INVERSE_TOL,             // 1e-5
		BackendName:           BACKEND_SPARSE,                  // Sparse QR
		Backend:               nil,                             // Selected by BackendName
		Logger:                nil,                             // No logging
		Metrics:               nil,                             // No metrics
	}
}

// Validate checks the option ranges
func (p *Config) Validate() error {
	switch {
	case p.MaxIterations < 0:
		return fmt.Errorf("%w: max_iterations must be >= 0, got %d", ErrConfig, p.MaxIterations)
	case p.ConvergeTolDZ < 0:
		return fmt.Errorf("%w: converge_tol_dz must be >= 0, got %g", ErrConfig, p.ConvergeTolDZ)
	case p.BiasNSigmaEdit < 0:
		return fmt.Errorf("%w: bias_nsigma_edit must be >= 0, got %g", ErrConfig, p.BiasNSigmaEdit)
	case p.BiasNSigmaIteration < 0:
		return fmt.Errorf("%w: bias_nsigma_iteration must be >= 0, got %d", ErrConfig, p.BiasNSigmaIteration)
	case p.DEMTol < 0:
		return fmt.Errorf("%w: dem_tol must be >= 0, got %g", ErrConfig, p.DEMTol)
	case p.ReferenceEpoch < 0:
		return fmt.Errorf("%w: reference_epoch must be >= 0, got %d", ErrConfig, p.ReferenceEpoch)
	case p.EditSigmaCut <= 0:
		return fmt.Errorf("%w: edit_sigma_cut must be > 0, got %g", ErrConfig, p.EditSigmaCut)
	case p.SigmaExtraStopFrac < 0:
		return fmt.Errorf("%w: sigma_extra_stop_frac must be >= 0, got %g", ErrConfig, p.SigmaExtraStopFrac)
	case p.BiasOutlierCap <= 0 || p.BiasOutlierFactor <= 0:
		return fmt.Errorf("%w: bias outlier cap and factor must be > 0, got %g, %g", ErrConfig, p.BiasOutlierCap, p.BiasOutlierFactor)
	case p.BiasOutlierPercentile < 0 || p.BiasOutlierPercentile > 100:
		return fmt.Errorf("%w: bias_outlier_percentile must be in [0, 100], got %g", ErrConfig, p.BiasOutlierPercentile)
	case p.InverseFillFraction < 0:
		return fmt.Errorf("%w: inverse_fill_fraction must be >= 0, got %g", ErrConfig, p.InverseFillFraction)
	case p.InverseTol < 0:
		return fmt.Errorf("%w: inverse_tol must be >= 0, got %g", ErrConfig, p.InverseTol)
	}
	if p.Backend == nil {
		if _, err := BackendByName(p.BackendName); err != nil {
			return err
		}
	}
	return nil
}

// BackendByName returns the backend registered under name ("" means sparse)
func BackendByName(name string) (Backend, error) {
	switch name {
	case "", BACKEND_SPARSE:
		return &SparseQR{}, nil
	case BACKEND_DENSE:
		return &DenseQR{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrConfig, name)
	}
}

// Return the configured backend
func (p *Config) backend() Backend {
	if p.Backend != nil {
		return p.Backend
	}
	b, err := BackendByName(p.BackendName)
	if err != nil {
		return &SparseQR{}
	}
	return b
}

// FitOpt returns the options of the robust fit
func (p *Config) FitOpt() *FitOpt {
	opt := NewFitOpt()
	opt.MaxIterations = p.MaxIterations
	opt.ConvergeTolDZ = p.ConvergeTolDZ
	opt.BiasNSigmaEdit = p.BiasNSigmaEdit
	opt.BiasNSigmaIteration = p.BiasNSigmaIteration
	opt.DEMTol = p.DEMTol
	opt.EditSigmaCut = p.EditSigmaCut
	opt.SigmaExtraStopFrac = p.SigmaExtraStopFrac
	opt.BiasOutlierCap = p.BiasOutlierCap
	opt.BiasOutlierFactor = p.BiasOutlierFactor
	opt.BiasOutlierPercentile = p.BiasOutlierPercentile
	opt.Backend = p.backend()
	opt.Logger = p.Logger
	opt.Verbose = p.Verbose
	opt.Metrics = p.Metrics
	return opt
}

// PropagateOpt returns the options of the error propagation
func (p *Config) PropagateOpt() *PropagateOpt {
	opt := NewPropagateOpt()
	opt.Backend = p.backend()
	opt.InverseFillFraction = p.InverseFillFraction
	opt.InverseTol = p.InverseTol
	opt.Logger = p.Logger
	opt.Verbose = p.Verbose
	opt.Metrics = p.Metrics
	return opt
}
