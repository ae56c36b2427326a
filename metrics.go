// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors updated by the fit. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Fits         *prometheus.CounterVec // Completed fits by stop reason
	Iterations   prometheus.Histogram   // Iterations per fit
	SolveSeconds prometheus.Histogram   // Duration of each least-squares solve
	ActiveData   prometheus.Gauge       // Active observations after the last iteration
	SigmaExtra   *prometheus.GaugeVec   // Extra standard deviation per stratum
	EditedBiases prometheus.Gauge       // Bias identifiers flagged in the last fit
	PhaseSeconds *prometheus.GaugeVec   // Duration of each processing phase of the last fit
	Truncations  prometheus.Counter     // Triangular inverses cut by the fill budget
	collectors   []prometheus.Collector
}

// NewMetrics creates the collectors and registers them with reg (if not nil)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	p := &Metrics{
		Fits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gosurf_fits_total",
				Help: "number of completed surface fits",
			},
			[]string{"stop_reason"},
		),
		Iterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gosurf_fit_iterations",
				Help:    "number of reweighting iterations per fit",
				Buckets: prometheus.LinearBuckets(1, 1, 20),
			},
		),
		SolveSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gosurf_solve_seconds",
				Help:    "duration of one sparse least-squares solve",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		ActiveData: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gosurf_active_observations",
				Help: "observations in the active set after the last iteration",
			},
		),
		SigmaExtra: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gosurf_sigma_extra",
				Help: "estimated extra standard deviation per stratum",
			},
			[]string{"stratum"},
		),
		EditedBiases: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gosurf_edited_biases",
				Help: "bias identifiers flagged as edited in the last fit",
			},
		),
		PhaseSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gosurf_phase_seconds",
				Help: "duration of each processing phase of the last fit",
			},
			[]string{"phase"},
		),
		Truncations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gosurf_inverse_truncations_total",
				Help: "triangular inverses truncated by the fill budget",
			},
		),
	}
	p.collectors = []prometheus.Collector{
		p.Fits, p.Iterations, p.SolveSeconds, p.ActiveData,
		p.SigmaExtra, p.EditedBiases, p.PhaseSeconds, p.Truncations,
	}
	if reg != nil {
		reg.MustRegister(p.collectors...)
	}
	return p
}

// Collectors returns all collectors (for registration elsewhere)
func (p *Metrics) Collectors() []prometheus.Collector {
	if p == nil {
		return nil
	}
	return p.collectors
}

func (p *Metrics) observeSolve(d time.Duration) {
	if p == nil {
		return
	}
	p.SolveSeconds.Observe(d.Seconds())
}

func (p *Metrics) observeIteration(nActive int, sx map[int]float64) {
	if p == nil {
		return
	}
	p.ActiveData.Set(float64(nActive))
	for st, v := range sx {
		p.SigmaExtra.WithLabelValues(stratumLabel(st)).Set(v)
	}
}

func (p *Metrics) observeFit(iterations int, reason StopReason, nEdited int) {
	if p == nil {
		return
	}
	p.Fits.WithLabelValues(reason.String()).Inc()
	p.Iterations.Observe(float64(iterations))
	p.EditedBiases.Set(float64(nEdited))
}

func (p *Metrics) observeTiming(t Timing) {
	if p == nil {
		return
	}
	for name, d := range t {
		p.PhaseSeconds.WithLabelValues(name).Set(d.Seconds())
	}
}

func (p *Metrics) observeTruncation() {
	if p == nil {
		return
	}
	p.Truncations.Inc()
}
