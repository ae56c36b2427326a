// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.10.14
//

package gosurf

import "errors"

// Sentinel errors. Callers match them with errors.Is; the functions returning them add
// context with fmt.Errorf("...: %w", ErrX).
var (
	// ErrConfig is returned before any solve when a required input is missing,
	// an option is out of range, or an expected sigma is zero.
	ErrConfig = errors.New("gosurf: configuration error")

	// ErrNumerical is returned when a factorization or solve fails, the system has
	// zero rank, or the solution is not finite. It is fatal for the whole fit.
	ErrNumerical = errors.New("gosurf: numerical error")

	// ErrFillBudget is returned together with a partial result when the approximate
	// triangular inverse exceeded its non-zero budget.
	ErrFillBudget = errors.New("gosurf: triangular inverse fill budget exceeded")

	// ErrDimension indicates incompatible operand sizes.
	ErrDimension = errors.New("gosurf: dimension mismatch")
)
