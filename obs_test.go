// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAssignShelfStrata(t *testing.T) {
	tide, zero := 0.4, 0.0
	obs := []Observation{
		{Time: 0, Tide: &tide},
		{Time: 0, Tide: &zero},
		{Time: 0},
		{Time: 2, Tide: &tide, Stratum: 1},
	}
	AssignShelfStrata(obs, 1)
	var got []int
	for _, o := range obs {
		got = append(got, o.Stratum)
	}
	assert.Equal(t, []int{1, 0, 0, 0}, got)
}

func TestObservationFlags(t *testing.T) {
	no := false
	o := Observation{Z: 1, Sigma: 0.1}
	assert.True(t, o.IsActive())
	assert.True(t, o.IsFinite())
	assert.Equal(t, -1, o.biasID())
	assert.True(t, math.IsNaN(o.dem()))

	o.Active = &no
	o.Sigma = math.Inf(1)
	assert.False(t, o.IsActive())
	assert.False(t, o.IsFinite())
}

func TestObsSummary(t *testing.T) {
	assert.Equal(t, "NO DATA", ObsSummary(nil))

	id, no := 3, false
	obs := []Observation{
		{Time: 1, BiasID: &id},
		{Time: 3, Active: &no, NonEditable: true},
		{Time: 2, Stratum: 1},
	}
	want := "\tobservations: 3 (active 2, with bias ID 1, non-editable 1)\n" +
		"\ttime: 1.000 - 3.000\n" +
		"\tstratum 0: 2\n" +
		"\tstratum 1: 1\n"
	assert.Equal(t, want, ObsSummary(obs))
}
