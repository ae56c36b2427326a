// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	m "github.com/mkhts/gosurf"
	"github.com/mkhts/gosurf/internal/synth"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(fn, []byte(content), 0o644))
	return fn
}

func TestParseArgsDefaults(t *testing.T) {
	a, err := parseArgs(nil)
	require.NoError(t, err)
	assert.Empty(t, a.cfgFn)
	assert.Empty(t, a.outFn)
	assert.False(t, a.debug)
	assert.Equal(t, m.DEFAULT_MAX_ITERATIONS, a.app.Fit.MaxIterations)
	assert.Equal(t, m.BACKEND_SPARSE, a.app.Fit.BackendName)
	assert.Equal(t, 2, a.app.Fit.BiasNSigmaIteration)
	assert.Equal(t, []float64{0, 1}, a.app.Profile.Epochs)
	assert.Equal(t, 0.1, a.app.Profile.Sigma)
}

func TestParseArgsLayers(t *testing.T) {
	fn := writeFile(t, "gosurf.yaml", `
fit:
  max_iterations: 4
  bias_nsigma_iteration: 1
  dem_tol: 5
profile:
  noise: 0.02
  epochs: [0, 0.5, 1]
  per_cell: 4
`)
	t.Setenv("GOSURF_FIT_DEM_TOL", "15")
	a, err := parseArgs([]string{"-n", "6", "--bias-edit-ids", "1,3", "-e", "-o", "out.yaml", fn})
	require.NoError(t, err)
	assert.Equal(t, fn, a.cfgFn)
	assert.Equal(t, "out.yaml", a.outFn)

	// Flags win over the file, the environment over the file
	assert.Equal(t, 6, a.app.Fit.MaxIterations)
	assert.Equal(t, 15.0, a.app.Fit.DEMTol)
	assert.Equal(t, []int{1, 3}, a.app.Fit.BiasEditIDs)
	assert.True(t, a.app.Fit.ComputeErrors)

	// File values, defaults for the rest
	assert.Equal(t, 1, a.app.Fit.BiasNSigmaIteration)
	assert.Equal(t, 0.02, a.app.Profile.Noise)
	assert.Equal(t, []float64{0, 0.5, 1}, a.app.Profile.Epochs)
	assert.Equal(t, 4, a.app.Profile.PerCell)
	assert.Equal(t, m.DEFAULT_EDIT_SIGMA_CUT, a.app.Fit.EditSigmaCut)
	assert.Equal(t, 2000.0, a.app.Profile.Wavelength)
}

func TestParseArgsErrors(t *testing.T) {
	_, err := parseArgs([]string{"--cut", "0"})
	assert.ErrorIs(t, err, m.ErrConfig)

	_, err = parseArgs([]string{"--backend", "cholmod"})
	assert.ErrorIs(t, err, m.ErrConfig)

	_, err = parseArgs([]string{"a.yaml", "b.yaml"})
	assert.Error(t, err)

	_, err = parseArgs([]string{"--no-such-flag"})
	assert.Error(t, err)

	_, err = parseArgs([]string{filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestNewSummary(t *testing.T) {
	opt := synth.NewProfileOpt()
	opt.XMin, opt.XMax = -500, 500
	opt.BiasGroups = 2
	opt.Outliers = []int{5}
	prof, err := synth.NewProfile(opt)
	require.NoError(t, err)
	out, err := m.FitSurface(prof.Input, m.NewConfig())
	require.NoError(t, err)

	s := newSummary(out, prof)
	assert.Equal(t, out.RunID, s.RunID)
	assert.Equal(t, len(prof.Input.Obs), s.NData)
	assert.Equal(t, s.NData-1, s.NActive)
	assert.Less(t, s.Z0MaxAbsError, 0.1)
	assert.Equal(t, map[int]int{1: 1}, s.InactiveByBias)
	require.Contains(t, s.Fields, m.ColZ0)
	assert.Equal(t, []int{1, 11}, s.Fields[m.ColZ0].Shape)
	assert.Nil(t, s.Errors)
	assert.Contains(t, s.TimingSeconds, "setup")
	assert.Equal(t, []float64{-500, 500, 0, 0}, s.Extent)
}

func TestShelfSummary(t *testing.T) {
	a, err := parseArgs([]string{"--tide", "0.2", "--shelf-before", "0.5", "--shelf-noise", "0.5"})
	require.NoError(t, err)
	assert.Equal(t, 0.2, a.app.Profile.Tide)
	assert.Equal(t, 0.5, a.app.Profile.ShelfBefore)
	assert.Equal(t, 0.5, a.app.Profile.ShelfNoise)

	a.app.Profile.XMin, a.app.Profile.XMax = -500, 500
	prof, err := synth.NewProfile(&a.app.Profile)
	require.NoError(t, err)
	out, err := m.FitSurface(prof.Input, &a.app.Fit)
	require.NoError(t, err)
	s := newSummary(out, prof)
	require.Contains(t, s.StratumSigma, 1)
	assert.Greater(t, s.StratumSigma[1], s.StratumSigma[0])
	assert.Equal(t, []int{1, 11}, s.Fields[m.ColZ0].Shape)
}

func TestRunApplication(t *testing.T) {
	dir := t.TempDir()
	a, err := parseArgs([]string{"-e", "--fill", "0"})
	require.NoError(t, err)
	a.outFn = filepath.Join(dir, "summary.yaml")
	a.metricsFn = filepath.Join(dir, "metrics.txt")
	a.app.Profile.XMin, a.app.Profile.XMax = -500, 500
	a.app.Fit.Verbose = false
	require.NoError(t, runApplication(a))

	b, err := os.ReadFile(a.outFn)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, yaml.Unmarshal(b, &got))
	assert.Equal(t, "converged", got["stop_reason"])
	assert.Contains(t, got, "errors")
	assert.Contains(t, got, "fields")

	b, err = os.ReadFile(a.metricsFn)
	require.NoError(t, err)
	assert.Contains(t, string(b), "gosurf_fits_total")
	assert.Contains(t, string(b), "gosurf_solve_seconds")
}
