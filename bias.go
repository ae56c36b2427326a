// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Implements per-identifier bias parsing and bias-based data editing.

package gosurf

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/floats"
)

// BiasParam is one bias parameter of the model
type BiasParam struct {
	ID       int                // Bias identifier
	Col      int                // Column of the parameter in the full model
	Expected float64            // Expected magnitude of the bias
	Meta     map[string]float64 // Grouping metadata (sensor number, track, ...)
}

// SlopeBias is a pair of slope columns (x, y) estimated for one identifier
type SlopeBias struct {
	ID   int // Slope bias identifier
	ColX int // Column of the x slope
	ColY int // Column of the y slope
}

// BiasModel is built by the bias assembler together with the bias columns of the system.
// Params are kept in insertion order.
type BiasModel struct {
	Params      []BiasParam // Bias parameters
	MetaFields  []string    // Metadata fields reported by ParseBiases
	SlopeBiases []SlopeBias // Slope bias parameters (optional)
}

// Len returns the number of bias identifiers
func (p *BiasModel) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Params)
}

// Index of a bias identifier, -1 if unknown
func (p *BiasModel) index(id int) int {
	if p == nil {
		return -1
	}
	return slices.IndexFunc(p.Params, func(b BiasParam) bool { return b.ID == id })
}

// BiasEstimate is the parsed value of one bias parameter
type BiasEstimate struct {
	ID       int                `yaml:"id"`
	Val      float64            `yaml:"val"`
	Expected float64            `yaml:"expected"`
	Meta     map[string]float64 `yaml:"meta,omitempty"`
}

// SlopeBiasEstimate is the parsed value of one slope bias pair
type SlopeBiasEstimate struct {
	ID     int     `yaml:"id"`
	SlopeX float64 `yaml:"slope_x"`
	SlopeY float64 `yaml:"slope_y"`
}

// ParseBiases extracts the bias values of a full-column vector (the model itself, or its
// per-parameter errors) in the insertion order of the bias model
func ParseBiases(m []float64, model *BiasModel) ([]BiasEstimate, []SlopeBiasEstimate) {
	if model == nil {
		return nil, nil
	}
	bs := make([]BiasEstimate, 0, len(model.Params))
	for _, b := range model.Params {
		est := BiasEstimate{ID: b.ID, Val: m[b.Col], Expected: b.Expected}
		if len(model.MetaFields) > 0 {
			est.Meta = make(map[string]float64, len(model.MetaFields))
			for _, f := range model.MetaFields {
				v, ok := b.Meta[f]
				if !ok {
					v = math.NaN()
				}
				est.Meta[f] = v
			}
		}
		bs = append(bs, est)
	}
	var ss []SlopeBiasEstimate
	for _, s := range model.SlopeBiases {
		ss = append(ss, SlopeBiasEstimate{ID: s.ID, SlopeX: m[s.ColX], SlopeY: m[s.ColY]})
	}
	return bs, ss
}

// ------------------------------------
// Bias editing
// ------------------------------------

// BiasEditRecord is one change of the edited set
type BiasEditRecord struct {
	Iteration int   // Iteration of the change (-1 for pre-edited identifiers)
	IDs       []int // Newly flagged identifiers
	NData     int   // Observations removed by the newly flagged identifiers
}

// BiasEditor flags bias identifiers whose estimate is extreme and removes their data
// from the active set. Flags are only ever set during a fit.
type BiasEditor struct {
	model   *BiasModel
	obsID   []int // Bias identifier of each observation (-1: none)
	opt     *FitOpt
	edited  []bool
	history []BiasEditRecord
}

// NewBiasEditor creates an editor with every flag cleared
//
// Parameters:
//   - model: bias model (the flags are kept by the editor, not in the model)
//   - obsBiasID: bias identifier of each observation, -1 if none
//   - opt: fit options (BiasNSigmaEdit, BiasNSigmaIteration and the outlier guard)
func NewBiasEditor(model *BiasModel, obsBiasID []int, opt *FitOpt) *BiasEditor {
	return &BiasEditor{
		model:  model,
		obsID:  obsBiasID,
		opt:    opt,
		edited: make([]bool, model.Len()),
	}
}

// Flag marks identifiers as edited before the iterations start. Unknown identifiers
// are an error.
func (p *BiasEditor) Flag(ids ...int) error {
	var rec BiasEditRecord
	rec.Iteration = -1
	for _, id := range ids {
		k := p.model.index(id)
		if k < 0 {
			return fmt.Errorf("%w: unknown bias ID %d", ErrConfig, id)
		}
		if !p.edited[k] {
			p.edited[k] = true
			rec.IDs = append(rec.IDs, id)
		}
	}
	if len(rec.IDs) > 0 {
		rec.NData = p.countData(rec.IDs)
		p.history = append(p.history, rec)
	}
	return nil
}

// Edited reports whether an identifier is flagged
func (p *BiasEditor) Edited(id int) bool {
	k := p.model.index(id)
	return k >= 0 && p.edited[k]
}

// EditedIDs returns the flagged identifiers in model order
func (p *BiasEditor) EditedIDs() []int {
	var ids []int
	for k, e := range p.edited {
		if e {
			ids = append(ids, p.model.Params[k].ID)
		}
	}
	return ids
}

// History returns the changes of the edited set
func (p *BiasEditor) History() []BiasEditRecord {
	return p.history
}

// Apply removes the observations of flagged identifiers from the active set and
// returns the number of observations removed
func (p *BiasEditor) Apply(active []bool) int {
	if p.model.Len() == 0 {
		return 0
	}
	bad := map[int]bool{}
	for _, id := range p.EditedIDs() {
		bad[id] = true
	}
	n := 0
	for i, id := range p.obsID {
		if id >= 0 && bad[id] && active[i] {
			active[i] = false
			n++
		}
	}
	return n
}

// Edit updates the flags from the biases of the model m and removes the data of the
// flagged identifiers from active. It returns whether the flags changed.
//
// From BiasNSigmaIteration on, when any scaled bias |b|/expected exceeds
// min(BiasOutlierCap, BiasOutlierFactor * P(BiasOutlierPercentile)) only the largest is
// flagged; otherwise every bias above BiasNSigmaEdit is flagged. BiasNSigmaEdit == 0
// disables new flags.
func (p *BiasEditor) Edit(m []float64, active []bool, iter int) bool {
	if p.model.Len() == 0 {
		return false
	}
	last := slices.Clone(p.edited)

	if p.opt.BiasNSigmaEdit > 0 && iter >= p.opt.BiasNSigmaIteration {
		bs, _ := ParseBiases(m, p.model)
		scaled := make([]float64, len(bs))
		for k, b := range bs {
			scaled[k] = math.Abs(b.Val) / b.Expected
		}

		// Guard against one dominant bias distorting the percentile
		thr := math.Min(p.opt.BiasOutlierCap, p.opt.BiasOutlierFactor*percentile(scaled, p.opt.BiasOutlierPercentile))
		smax := floats.Max(scaled)
		if smax > thr {
			for k, v := range scaled {
				if v == smax {
					p.edited[k] = true
				}
			}
		} else {
			for k, v := range scaled {
				if v > p.opt.BiasNSigmaEdit {
					p.edited[k] = true
				}
			}
		}
	}

	// Record the change
	var rec BiasEditRecord
	rec.Iteration = iter
	for k := range p.edited {
		if p.edited[k] && !last[k] {
			rec.IDs = append(rec.IDs, p.model.Params[k].ID)
		}
	}
	if len(rec.IDs) > 0 {
		rec.NData = p.countData(rec.IDs)
		p.history = append(p.history, rec)
	}

	p.Apply(active)
	return len(rec.IDs) > 0
}

// Number of observations belonging to ids
func (p *BiasEditor) countData(ids []int) int {
	n := 0
	for _, id := range p.obsID {
		if id >= 0 && slices.Contains(ids, id) {
			n++
		}
	}
	return n
}

// Display the edit history
func (p *BiasEditor) String() string {
	var sb strings.Builder
	for _, r := range p.history {
		sb.WriteString(fmt.Sprintf("\titeration %d: %d biases edited (%v), %d data\n", r.Iteration, len(r.IDs), r.IDs, r.NData))
	}
	return sb.String()
}
