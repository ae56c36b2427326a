// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf_test

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	m "github.com/mkhts/gosurf"
	"github.com/mkhts/gosurf/internal/synth"
)

// Backend that counts the solves
type countingBackend struct {
	m.Backend
	solves int
}

func (p *countingBackend) SolveLeastSquares(A *m.SpMat, b []float64) ([]float64, error) {
	p.solves++
	return p.Backend.SolveLeastSquares(A, b)
}

// Mask rejecting every point
type rejectAll struct{}

func (rejectAll) Contains(x, y float64) bool { return false }

func newProfile(t *testing.T, edit func(*synth.ProfileOpt)) *synth.Profile {
	t.Helper()
	opt := synth.NewProfileOpt()
	if edit != nil {
		edit(opt)
	}
	prof, err := synth.NewProfile(opt)
	require.NoError(t, err)
	return prof
}

func TestFitSurfaceProfile(t *testing.T) {
	prof := newProfile(t, func(o *synth.ProfileOpt) { o.Outliers = []int{5} })
	cfg := m.NewConfig()
	cfg.ComputeErrors = true
	cfg.InverseFillFraction = 0
	cfg.Logger = zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	cfg.Metrics = m.NewMetrics(reg)

	out, err := m.FitSurface(prof.Input, cfg)
	require.NoError(t, err)
	assert.False(t, out.Empty)
	_, err = uuid.Parse(out.RunID)
	assert.NoError(t, err)
	assert.NotEqual(t, m.StopNone, out.StopReason)
	assert.NotEqual(t, m.StopMaxIterations, out.StopReason)

	// The planted outlier is removed and written back
	n := len(prof.Input.Obs)
	assert.Equal(t, n, len(out.Active))
	assert.False(t, out.Active[5])
	require.NotNil(t, prof.Input.Obs[5].Active)
	assert.False(t, *prof.Input.Obs[5].Active)
	require.NotNil(t, prof.Input.Obs[6].ZEst)
	assert.True(t, *prof.Input.Obs[6].Active)
	assert.InDelta(t, prof.Input.Obs[6].Z, *prof.Input.Obs[6].ZEst, 0.05)
	assert.Equal(t, n-1, countTrue(out.Active))

	// Recovered surface within the interpolation error
	z0 := out.Fields[m.ColZ0]
	require.NotNil(t, z0)
	assert.Equal(t, []int{1, len(prof.Xs)}, z0.Shape)
	for i, x := range prof.Xs {
		assert.InDelta(t, prof.Surface(x, 0), z0.At(0, i), 0.1, "x=%g", x)
	}
	assert.Contains(t, z0.Layers, "count")
	assert.Contains(t, z0.Layers, "misfit_rms")

	// dz is zero at the reference epoch
	dz := out.Fields[m.ColDZ]
	require.NotNil(t, dz)
	nt := len(prof.Opt.Epochs)
	assert.Equal(t, []int{1, len(prof.Xs), nt}, dz.Shape)
	for i := range prof.Xs {
		assert.Equal(t, 0.0, dz.At(0, i, 0))
		assert.InDelta(t, 0, dz.At(0, i, 1), 0.1)
	}
	mean := out.Fields["dz_mean"]
	require.NotNil(t, mean)
	assert.Len(t, mean.Data, nt)

	// Errors
	for _, name := range []string{"sigma_z0", "sigma_dz", "sigma_dz_mean"} {
		assert.Contains(t, out.Errors, name)
	}
	for _, e := range out.Errors["sigma_z0"].Data {
		assert.Greater(t, e, 0.0)
		assert.False(t, math.IsNaN(e))
	}
	for i := range prof.Xs {
		assert.Equal(t, 0.0, out.Errors["sigma_dz"].At(0, i, 0))
		assert.Greater(t, out.Errors["sigma_dz"].At(0, i, 1), 0.0)
	}
	assert.Contains(t, out.Timing, "setup")
	assert.Contains(t, out.Timing, "iteration")
	assert.Contains(t, out.Timing, "errors")
	assert.Contains(t, out.R, m.RowData)
	assert.Contains(t, out.R, "grad2_z0")

	// Metrics
	assert.Equal(t, float64(n-1), testutil.ToFloat64(cfg.Metrics.ActiveData))
	assert.Equal(t, 1.0, testutil.ToFloat64(cfg.Metrics.Fits.WithLabelValues(out.StopReason.String())))
}

func TestFitSurfaceBiases(t *testing.T) {
	prof := newProfile(t, func(o *synth.ProfileOpt) {
		o.BiasGroups = 2
		o.BiasValues = []float64{0.5, -0.3}
	})
	out, err := m.FitSurface(prof.Input, m.NewConfig())
	require.NoError(t, err)
	require.Len(t, out.Bias, 2)
	assert.Equal(t, 0, out.Bias[0].ID)
	assert.Equal(t, 1, out.Bias[1].ID)
	assert.InDelta(t, 0.8, out.Bias[0].Val-out.Bias[1].Val, 0.02)
	assert.Empty(t, out.EditedBiases)
}

func TestFitSurfacePreEditedBias(t *testing.T) {
	prof := newProfile(t, func(o *synth.ProfileOpt) { o.BiasGroups = 2 })
	cfg := m.NewConfig()
	cfg.BiasEditIDs = []int{1}
	out, err := m.FitSurface(prof.Input, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, out.EditedBiases)
	for i, o := range prof.Input.Obs {
		assert.Equal(t, *o.BiasID != 1, out.Active[i], "observation %d", i)
	}

	// Unknown identifiers are rejected
	cfg.BiasEditIDs = []int{7}
	_, err = m.FitSurface(newProfile(t, func(o *synth.ProfileOpt) { o.BiasGroups = 2 }).Input, cfg)
	assert.ErrorIs(t, err, m.ErrConfig)
}

func TestFitSurfaceNoFit(t *testing.T) {
	prof := newProfile(t, nil)
	cfg := m.NewConfig()
	cfg.MaxIterations = 0
	cfg.ComputeErrors = true
	cfg.InverseFillFraction = 0
	out, err := m.FitSurface(prof.Input, cfg)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Iterations)
	assert.Equal(t, m.StopNone, out.StopReason)
	assert.Empty(t, out.M)
	assert.NotContains(t, out.Fields, m.ColZ0)
	assert.Contains(t, out.Errors, "sigma_z0")
}

func TestFitSurfaceEmpty(t *testing.T) {
	prof := newProfile(t, nil)
	prof.Input.Mask = rejectAll{}
	cb := &countingBackend{Backend: &m.SparseQR{}}
	cfg := m.NewConfig()
	cfg.Backend = cb
	out, err := m.FitSurface(prof.Input, cfg)
	require.NoError(t, err)
	assert.True(t, out.Empty)
	assert.Empty(t, out.Fields)
	assert.Equal(t, 0, countTrue(out.Valid))
	assert.Equal(t, 0, cb.solves)
	assert.True(t, math.IsNaN(out.ZEst[0]))
}

func TestFitSurfaceRejectsInput(t *testing.T) {
	tests := []struct {
		name string
		edit func(*m.Input, *m.Config)
	}{
		{"reference epoch", func(in *m.Input, cfg *m.Config) { cfg.ReferenceEpoch = 2 }},
		{"zero data sigma", func(in *m.Input, cfg *m.Config) { in.Obs[3].Sigma = 0 }},
		{"zero constraint sigma", func(in *m.Input, cfg *m.Config) { in.Constraints[0].Expected[0] = 0 }},
		{"missing grid", func(in *m.Input, cfg *m.Config) { in.DZGrid = nil }},
		{"operator rows", func(in *m.Input, cfg *m.Config) { in.Obs = in.Obs[1:] }},
		{"bad config", func(in *m.Input, cfg *m.Config) { cfg.EditSigmaCut = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prof := newProfile(t, nil)
			cb := &countingBackend{Backend: &m.SparseQR{}}
			cfg := m.NewConfig()
			cfg.Backend = cb
			tt.edit(prof.Input, cfg)
			_, err := m.FitSurface(prof.Input, cfg)
			assert.ErrorIs(t, err, m.ErrConfig)
			assert.Equal(t, 0, cb.solves)
		})
	}
}

func TestFitSurfaceBackends(t *testing.T) {
	var ms [][]float64
	for _, name := range []string{m.BACKEND_SPARSE, m.BACKEND_DENSE} {
		prof := newProfile(t, func(o *synth.ProfileOpt) {
			o.XMin, o.XMax = -500, 500
			o.Noise = 0.05
		})
		cfg := m.NewConfig()
		cfg.BackendName = name
		out, err := m.FitSurface(prof.Input, cfg)
		require.NoError(t, err)
		ms = append(ms, out.M)
	}
	require.Len(t, ms[1], len(ms[0]))
	for j := range ms[0] {
		assert.InDelta(t, ms[0][j], ms[1][j], 1e-8)
	}
}

func TestFitSurfaceShelfStratum(t *testing.T) {
	prof := newProfile(t, func(o *synth.ProfileOpt) {
		o.XMin, o.XMax = -1000, 1000
		o.Tide = 0.2
		o.ShelfBefore = 0.5
		o.ShelfNoise = 0.5
	})
	cfg := m.NewConfig()
	cfg.Logger = zaptest.NewLogger(t)
	out, err := m.FitSurface(prof.Input, cfg)
	require.NoError(t, err)

	// The noisy first epoch has its own extra sigma; the clean epoch has none
	assert.Less(t, out.StratumSigma[0], 0.05)
	assert.InDelta(t, 0.45, out.StratumSigma[1], 0.15)
	assert.Equal(t, out.StratumSigma[0], out.SigmaExtra)
	n1, kept1 := 0, 0
	for i, o := range prof.Input.Obs {
		if o.Stratum == 1 {
			n1++
			if out.Active[i] {
				kept1++
			}
		} else {
			assert.True(t, out.Active[i], "observation %d", i)
		}
	}
	assert.Equal(t, len(prof.Input.Obs)/2, n1)
	assert.Greater(t, float64(kept1), 0.95*float64(n1))

	// Misfit without the tide correction
	z0 := out.Fields[m.ColZ0]
	require.Contains(t, z0.Layers, "misfit_notide_rms")
	require.Contains(t, z0.Layers, "misfit_notide_scaled_rms")
	dz := out.Fields[m.ColDZ]
	for i := range prof.Xs {
		assert.InDelta(t, 0.2, dz.Layers["misfit_notide_rms"][i*2+1], 0.03, "x=%g", prof.Xs[i])
	}
}

func TestFitSurfaceNoTideLayers(t *testing.T) {
	out, err := m.FitSurface(newProfile(t, nil).Input, m.NewConfig())
	require.NoError(t, err)
	assert.NotContains(t, out.Fields[m.ColZ0].Layers, "misfit_notide_rms")

	prof := newProfile(t, func(o *synth.ProfileOpt) { o.Tide = -0.3 })
	out, err = m.FitSurface(prof.Input, m.NewConfig())
	require.NoError(t, err)
	z0 := out.Fields[m.ColZ0]
	for i := range prof.Xs {
		assert.InDelta(t, 0.3, z0.Layers["misfit_notide_rms"][i], 0.02, "x=%g", prof.Xs[i])
		assert.InDelta(t, 3, z0.Layers["misfit_notide_scaled_rms"][i], 0.2, "x=%g", prof.Xs[i])
	}
}

func TestFitSurfacePSBias(t *testing.T) {
	prof := newProfile(t, func(o *synth.ProfileOpt) {
		o.XMin, o.XMax = -1000, 1000
		o.PSBias = 1
		o.PSValue = 0.3
	})
	out, err := m.FitSurface(prof.Input, m.NewConfig())
	require.NoError(t, err)
	ps := out.Fields[m.ColPSBias]
	require.NotNil(t, ps)
	assert.Equal(t, []int{1, len(prof.Xs)}, ps.Shape)
	assert.Equal(t, prof.Input.DZGrid.Ctrs[:2], ps.Ctrs)
	require.Len(t, ps.Data, len(prof.Xs))
	for i, v := range ps.Data {
		assert.InDelta(t, 0.3, v, 0.05, "x=%g", prof.Xs[i])
	}
	assert.Contains(t, out.R, "PS_bias_prior")
	assert.Equal(t, len(prof.Input.Obs), countTrue(out.Active))
}

func TestFitSurfaceSlopeBias(t *testing.T) {
	prof := newProfile(t, func(o *synth.ProfileOpt) {
		o.BiasGroups = 2
		o.ESlopeBias = 1
		o.SlopeValues = []float64{0.1, -0.1}
	})
	cfg := m.NewConfig()
	cfg.ComputeErrors = true
	cfg.InverseFillFraction = 0
	out, err := m.FitSurface(prof.Input, cfg)
	require.NoError(t, err)

	require.Len(t, out.SlopeBias, 2)
	for g, want := range []float64{0.1, -0.1} {
		s := out.SlopeBias[g]
		assert.Equal(t, g, s.ID)
		assert.InDelta(t, want, s.SlopeX, 0.01, "group %d", g)

		// The y slope is fixed by its prior alone
		assert.InDelta(t, 0, s.SlopeY, 1e-12, "group %d", g)
	}
	require.Len(t, out.SlopeBiasErrors, 2)
	for g, e := range out.SlopeBiasErrors {
		assert.Equal(t, g, e.ID)
		assert.Greater(t, e.SlopeX, 0.0)
		assert.Less(t, e.SlopeX, 1.0)
		assert.InDelta(t, 1.0, e.SlopeY, 1e-9)
	}
	assert.Contains(t, out.R, m.ColSlopeBias)
}

func TestFitSurfaceDEMAndNonEditable(t *testing.T) {
	prof := newProfile(t, func(o *synth.ProfileOpt) {
		o.DEM = true
		o.Fixed = []int{5}
	})
	obs := prof.Input.Obs
	*obs[5].DEM += 50
	*obs[7].DEM += 50
	obs[9].DEM = nil
	cfg := m.NewConfig()
	cfg.DEMTol = 1
	out, err := m.FitSurface(prof.Input, cfg)
	require.NoError(t, err)

	// Rejected by the DEM check unless non-editable; no DEM value keeps the point
	assert.True(t, out.Active[5])
	assert.False(t, out.Active[7])
	assert.True(t, out.Active[9])
	assert.Equal(t, len(obs)-1, countTrue(out.Active))
	require.NotNil(t, obs[7].Active)
	assert.False(t, *obs[7].Active)

	// Without the tolerance nothing is rejected
	prof = newProfile(t, func(o *synth.ProfileOpt) { o.DEM = true })
	*prof.Input.Obs[7].DEM += 50
	out, err = m.FitSurface(prof.Input, m.NewConfig())
	require.NoError(t, err)
	assert.Equal(t, len(prof.Input.Obs), countTrue(out.Active))
}

func countTrue(b []bool) int {
	n := 0
	for _, v := range b {
		if v {
			n++
		}
	}
	return n
}
