// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Observation is one elevation measurement.
// Optional inputs are pointers (nil = not available). Active and ZEst are written by
// FitSurface after the iterations.
type Observation struct {
	X, Y        float64  // Horizontal position [m]
	Time        float64  // Epoch (decimal year or any consistent unit)
	Z           float64  // Measured elevation [m]
	Sigma       float64  // Nominal standard deviation [m]
	DEM         *float64 // Reference surface elevation for the DEM consistency check
	Tide        *float64 // Tide correction already applied to Z
	BiasID      *int     // Bias identifier (sensor, track, ...)
	NonEditable bool     // If true, the active flag is never changed by the fit
	Stratum     int      // Extra-variance stratum (0: primary population)
	Active      *bool    // Input: initial active flag (nil = active). Output: final active flag
	ZEst        *float64 // Output: model-predicted elevation
}

// IsActive returns the active flag, treating nil as true
func (p *Observation) IsActive() bool {
	return p.Active == nil || *p.Active
}

// IsFinite reports whether the position, time, value and sigma are finite
func (p *Observation) IsFinite() bool {
	return allFinite([]float64{p.X, p.Y, p.Time, p.Z, p.Sigma})
}

// Bias identifier or -1
func (p *Observation) biasID() int {
	if p.BiasID == nil {
		return -1
	}
	return *p.BiasID
}

// DEM value or NaN
func (p *Observation) dem() float64 {
	if p.DEM == nil {
		return math.NaN()
	}
	return *p.DEM
}

// AssignShelfStrata puts tide-corrected observations earlier than before into stratum 1
// and every other observation into stratum 0
func AssignShelfStrata(obs []Observation, before float64) {
	for i := range obs {
		obs[i].Stratum = 0
		if obs[i].Time < before && obs[i].Tide != nil && *obs[i].Tide != 0 {
			obs[i].Stratum = 1
		}
	}
}

// Display an overview of the observations
func ObsSummary(obs []Observation) string {
	if len(obs) == 0 {
		return "NO DATA"
	}
	nAct, nBias, nFix := 0, 0, 0
	strata := map[int]int{}
	tmin, tmax := math.Inf(1), math.Inf(-1)
	for i := range obs {
		o := &obs[i]
		if o.IsActive() {
			nAct++
		}
		if o.BiasID != nil {
			nBias++
		}
		if o.NonEditable {
			nFix++
		}
		strata[o.Stratum]++
		tmin = math.Min(tmin, o.Time)
		tmax = math.Max(tmax, o.Time)
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\tobservations: %d (active %d, with bias ID %d, non-editable %d)\n", len(obs), nAct, nBias, nFix))
	sb.WriteString(fmt.Sprintf("\ttime: %.3f - %.3f\n", tmin, tmax))
	keys := maps.Keys(strata)
	slices.Sort(keys)
	for _, s := range keys {
		sb.WriteString(fmt.Sprintf("\tstratum %d: %d\n", s, strata[s]))
	}
	return sb.String()
}
