// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

// Table of contents (TOC) of the rows or columns of an assembled sparse system.

package gosurf

import (
	"fmt"
	"strings"

	"golang.org/x/exp/slices"
)

// Range is a named, contiguous block of row or column indices
type Range struct {
	Name   string // Logical quantity (e.g. "z0", "dz", "bias", "grad2_z0")
	Offset int    // First index
	Len    int    // Number of indices
}

// End returns the index just past the range
func (p Range) End() int {
	return p.Offset + p.Len
}

// Indices returns the indices covered by the range
func (p Range) Indices() []int {
	idx := make([]int, p.Len)
	for i := range idx {
		idx[i] = p.Offset + i
	}
	return idx
}

// TOC is an ordered registry of ranges along one axis
type TOC struct {
	Ranges []Range
}

// NewTOC creates a TOC with a single range covering n indices
func NewTOC(name string, n int) TOC {
	return TOC{Ranges: []Range{{Name: name, Offset: 0, Len: n}}}
}

// Append adds a range of length n after the last one and returns it
func (p *TOC) Append(name string, n int) Range {
	r := Range{Name: name, Offset: p.Len(), Len: n}
	p.Ranges = append(p.Ranges, r)
	return r
}

// Len returns the index space covered (end of the last range)
func (p *TOC) Len() int {
	n := 0
	for _, r := range p.Ranges {
		n = max(n, r.End())
	}
	return n
}

// Lookup returns the range registered under name
func (p *TOC) Lookup(name string) (Range, bool) {
	i := slices.IndexFunc(p.Ranges, func(r Range) bool { return r.Name == name })
	if i < 0 {
		return Range{}, false
	}
	return p.Ranges[i], true
}

// Has reports whether name is registered
func (p *TOC) Has(name string) bool {
	_, ok := p.Lookup(name)
	return ok
}

// Indices returns the indices of name, or nil when it is not registered
func (p *TOC) Indices(name string) []int {
	r, ok := p.Lookup(name)
	if !ok {
		return nil
	}
	return r.Indices()
}

// Names returns the registered names in order
func (p *TOC) Names() []string {
	s := make([]string, len(p.Ranges))
	for i, r := range p.Ranges {
		s[i] = r.Name
	}
	return s
}

// Shift returns a copy with every offset moved by d
func (p *TOC) Shift(d int) TOC {
	t := TOC{Ranges: make([]Range, len(p.Ranges))}
	for i, r := range p.Ranges {
		t.Ranges[i] = Range{Name: r.Name, Offset: r.Offset + d, Len: r.Len}
	}
	return t
}

// Validate checks that the ranges partition [0, n) without gaps or overlaps and that
// names are unique
func (p *TOC) Validate(n int) error {
	rs := slices.Clone(p.Ranges)
	slices.SortStableFunc(rs, func(a, b Range) int { return a.Offset - b.Offset })
	seen := map[string]bool{}
	next := 0
	for _, r := range rs {
		if r.Len < 0 {
			return fmt.Errorf("%w: TOC range %q has negative length %d", ErrConfig, r.Name, r.Len)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: TOC name %q registered twice", ErrConfig, r.Name)
		}
		seen[r.Name] = true
		if r.Offset != next {
			return fmt.Errorf("%w: TOC range %q starts at %d, expected %d", ErrConfig, r.Name, r.Offset, next)
		}
		next = r.End()
	}
	if next != n {
		return fmt.Errorf("%w: TOC covers %d indices, expected %d", ErrConfig, next, n)
	}
	return nil
}

// Display the registry
func (p TOC) String() string {
	var sb strings.Builder
	for _, r := range p.Ranges {
		sb.WriteString(fmt.Sprintf("%s[%d:%d] ", r.Name, r.Offset, r.End()))
	}
	return strings.TrimSpace(sb.String())
}
