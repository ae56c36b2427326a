// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package main

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	m "github.com/mkhts/gosurf"
	"github.com/mkhts/gosurf/internal/synth"
)

func main() {

	// Parse command line arguments
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	// Run the main application
	if err := runApplication(args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// Main application processing
func runApplication(args cmdOpt) error {

	// Logger
	logger, err := newLogger(args.debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Print the effective configuration and stop
	if args.printConfig {
		return yaml.NewEncoder(os.Stdout).Encode(args.app)
	}

	// Synthetic problem
	prof, err := synth.NewProfile(&args.app.Profile)
	if err != nil {
		return fmt.Errorf("failed to build profile: %w", err)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	cfg := &args.app.Fit
	cfg.Logger = logger
	cfg.Metrics = m.NewMetrics(reg)

	// Fit
	out, err := m.FitSurface(prof.Input, cfg)
	if err != nil {
		return fmt.Errorf("failed to fit surface: %w", err)
	}

	// Write outputs
	w, err := prepareOutput(args.outFn)
	if err != nil {
		return fmt.Errorf("failed to prepare output: %w", err)
	}
	defer closeOutput(w)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(newSummary(out, prof)); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	if len(args.metricsFn) > 0 {
		if err := writeMetrics(args.metricsFn, reg); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

// Create the logger. Debug selects the development configuration
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Prepare output file
func prepareOutput(fn string) (io.WriteCloser, error) {

	// Use stdout if no output file is specified
	if len(fn) == 0 {
		return &nopCloser{os.Stdout}, nil
	}

	// Create output file
	f, err := os.Create(fn)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

// Close output file
func closeOutput(w io.WriteCloser) {
	if w != nil {
		w.Close()
	}
}

// nopCloser - WriteCloser that ignores close operations
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Write the gathered metrics in the Prometheus text format ("-" means stdout)
func writeMetrics(fn string, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	var w io.WriteCloser = &nopCloser{os.Stdout}
	if fn != "-" {
		if w, err = os.Create(fn); err != nil {
			return err
		}
	}
	defer closeOutput(w)
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// ------------------------------------
// Summary
// ------------------------------------

// Statistics of one output field
type fieldSummary struct {
	Shape []int   `yaml:"shape"`
	Min   float64 `yaml:"min"`
	Max   float64 `yaml:"max"`
	Mean  float64 `yaml:"mean"`
}

// Run summary written as YAML
type summary struct {
	RunID          string                  `yaml:"run_id"`
	Empty          bool                    `yaml:"empty"`
	Iterations     int                     `yaml:"iterations"`
	StopReason     m.StopReason            `yaml:"stop_reason"`
	SigmaExtra     float64                 `yaml:"sigma_extra"`
	NData          int                     `yaml:"n_data"`
	NActive        int                     `yaml:"n_active"`
	Extent         []float64               `yaml:"extent"`
	R              map[string]float64      `yaml:"r"`
	RMS            map[string]float64      `yaml:"rms"`
	Z0MaxAbsError  float64                 `yaml:"z0_max_abs_error"`
	Fields         map[string]fieldSummary `yaml:"fields"`
	Errors         map[string]fieldSummary `yaml:"errors,omitempty"`
	EditedBiases   []int                   `yaml:"edited_biases,omitempty"`
	Bias           []m.BiasEstimate        `yaml:"bias,omitempty"`
	SlopeBias      []m.SlopeBiasEstimate   `yaml:"slope_bias,omitempty"`
	StratumSigma   map[int]float64         `yaml:"stratum_sigma_extra,omitempty"`
	BiasErrors     []m.BiasEstimate        `yaml:"bias_errors,omitempty"`
	TimingSeconds  map[string]float64      `yaml:"timing_seconds"`
	InactiveByBias map[int]int             `yaml:"inactive_by_bias,omitempty"`
}

// Summarize the output of FitSurface
func newSummary(out *m.Output, prof *synth.Profile) *summary {
	s := &summary{
		RunID:         out.RunID,
		Empty:         out.Empty,
		Iterations:    out.Iterations,
		StopReason:    out.StopReason,
		SigmaExtra:    out.SigmaExtra,
		NData:         len(out.Valid),
		Extent:        out.Extent[:],
		R:             out.R,
		RMS:           out.RMS,
		Z0MaxAbsError: math.NaN(),
		Fields:        summarizeFields(out.Fields),
		Errors:        summarizeFields(out.Errors),
		EditedBiases:  out.EditedBiases,
		Bias:          out.Bias,
		SlopeBias:     out.SlopeBias,
		StratumSigma:  out.StratumSigma,
		BiasErrors:    out.BiasErrors,
		TimingSeconds: map[string]float64{},
	}
	for _, a := range out.Active {
		if a {
			s.NActive++
		}
	}
	for k, v := range out.Timing {
		s.TimingSeconds[k] = v.Seconds()
	}

	// Misfit of z0 against the planted surface
	if f, ok := out.Fields[m.ColZ0]; ok {
		s.Z0MaxAbsError = 0
		for i, x := range prof.Xs {
			s.Z0MaxAbsError = math.Max(s.Z0MaxAbsError, math.Abs(f.At(0, i)-prof.Surface(x, prof.Opt.Epochs[0])))
		}
	}

	// Rejected observations per bias identifier
	for i, o := range prof.Input.Obs {
		if o.BiasID != nil && out.Valid[i] && !out.Active[i] {
			if s.InactiveByBias == nil {
				s.InactiveByBias = map[int]int{}
			}
			s.InactiveByBias[*o.BiasID]++
		}
	}
	return s
}

// Statistics of the finite values of each field
func summarizeFields(fs map[string]*m.Field) map[string]fieldSummary {
	if len(fs) == 0 {
		return nil
	}
	rslt := map[string]fieldSummary{}
	for k, f := range fs {
		s := fieldSummary{Shape: f.Shape, Min: math.Inf(1), Max: math.Inf(-1)}
		n := 0
		for _, v := range f.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			s.Min = math.Min(s.Min, v)
			s.Max = math.Max(s.Max, v)
			s.Mean += v
			n++
		}
		if n == 0 {
			s.Min, s.Max, s.Mean = math.NaN(), math.NaN(), math.NaN()
		} else {
			s.Mean /= float64(n)
		}
		rslt[k] = s
	}
	return rslt
}

// ------------------------------------
// Command line
// ------------------------------------

// Configuration file layout
type appConfig struct {
	Fit     m.Config         `mapstructure:"fit" yaml:"fit"`
	Profile synth.ProfileOpt `mapstructure:"profile" yaml:"profile"`
}

// Structure to hold command line argument information
type cmdOpt struct {
	cfgFn       string
	outFn       string
	metricsFn   string
	debug       bool
	printConfig bool
	app         appConfig
}

// Parse command line arguments. Precedence: flags, GOSURF_* environment, config file, defaults
func parseArgs(argv []string) (a cmdOpt, err error) {
	fs := flag.NewFlagSet(filepath.Base(os.Args[0]), flag.ContinueOnError)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `
[Usage]
	%s [Options] [config.yaml]

[Options]
`, filepath.Base(os.Args[0]))
		fs.PrintDefaults()
	}
	fs.Usage = func() {}

	cOpt := m.NewConfig()
	pOpt := synth.NewProfileOpt()
	fs.StringVarP(&a.outFn, "out", "o", "", "Output summary file path (YAML). If not specified, output to stdout.")
	fs.StringVar(&a.metricsFn, "metrics", "", "Write the metrics in the Prometheus text format to this file. \"-\" means stdout.")
	fs.BoolVarP(&a.debug, "debug", "x", false, "Development logger (human readable, debug level)")
	fs.BoolVar(&a.printConfig, "print-config", false, "Print the effective configuration and exit")
	fs.IntP("iter", "n", cOpt.MaxIterations, "Maximum number of iterations. 0 means no fit.")
	fs.Float64("tol", cOpt.ConvergeTolDZ, "Convergence tolerance on dz between iterations [m]")
	fs.Float64("cut", cOpt.EditSigmaCut, "Scaled-residual threshold of the active set")
	fs.Float64("bias-edit", cOpt.BiasNSigmaEdit, "Scaled-bias threshold for bias editing. 0 means no editing.")
	fs.IntSlice("bias-edit-ids", cOpt.BiasEditIDs, "Bias IDs edited before the fit. Comma-separated like 1,3.")
	fs.Float64("dem-tol", cOpt.DEMTol, "Tolerance of the DEM check [m]. 0 means no check.")
	fs.Int("ref-epoch", cOpt.ReferenceEpoch, "Time index of dz fixed to zero")
	fs.BoolP("errors", "e", cOpt.ComputeErrors, "Propagate errors after the fit")
	fs.StringP("backend", "b", cOpt.BackendName, "Linear-algebra backend. sparse or dense")
	fs.Float64("fill", cOpt.InverseFillFraction, "Fill budget of R^-1 as a fraction of n*n. 0 means no limit.")
	fs.BoolP("verbose", "v", cOpt.Verbose, "Log iteration diagnostics")
	fs.Float64("noise", pOpt.Noise, "Standard deviation of the noise added to the synthetic data [m]")
	fs.Uint64("seed", pOpt.Seed, "Noise seed")
	fs.IntSlice("outliers", pOpt.Outliers, "Indices of perturbed observations. Comma-separated like 10,200.")
	fs.Int("bias-groups", pOpt.BiasGroups, "Number of bias identifiers of the synthetic data. 0 means no biases.")
	fs.Float64("tide", pOpt.Tide, "Tide correction of the synthetic data [m]. 0 means no tide.")
	fs.Float64("shelf-before", pOpt.ShelfBefore, "Tide-corrected data earlier than this go to the shelf stratum")
	fs.Float64("shelf-noise", pOpt.ShelfNoise, "Extra noise of the shelf stratum [m]")
	if err = fs.Parse(argv); err != nil {
		return a, err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		a.cfgFn = fs.Arg(0)
	default:
		return a, fmt.Errorf("too many arguments")
	}

	// Layer the sources
	v := viper.New()
	v.SetEnvPrefix("GOSURF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	binds := map[string]string{
		"fit.max_iterations":        "iter",
		"fit.converge_tol_dz":       "tol",
		"fit.edit_sigma_cut":        "cut",
		"fit.bias_nsigma_edit":      "bias-edit",
		"fit.bias_edit_ids":         "bias-edit-ids",
		"fit.dem_tol":               "dem-tol",
		"fit.reference_epoch":       "ref-epoch",
		"fit.compute_errors":        "errors",
		"fit.backend":               "backend",
		"fit.inverse_fill_fraction": "fill",
		"fit.verbose":               "verbose",
		"profile.noise":             "noise",
		"profile.seed":              "seed",
		"profile.outliers":          "outliers",
		"profile.bias_groups":       "bias-groups",
		"profile.tide":              "tide",
		"profile.shelf_before":      "shelf-before",
		"profile.shelf_noise":       "shelf-noise",
	}
	for key, name := range binds {
		if err = v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return a, err
		}
	}
	if len(a.cfgFn) > 0 {
		v.SetConfigFile(a.cfgFn)
		if err = v.ReadInConfig(); err != nil {
			return a, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	a.app = appConfig{Fit: *cOpt, Profile: *pOpt}
	if err = v.Unmarshal(&a.app); err != nil {
		return a, fmt.Errorf("failed to decode config: %w", err)
	}
	if err = a.app.Fit.Validate(); err != nil {
		return a, err
	}
	return a, nil
}
