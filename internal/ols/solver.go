package ols

import (
	"fmt"
	"math"

	"fedreg/domain/core"

	"gonum.org/v1/gonum/mat"
)

// NormalFunc maps XᵗX onto the matrix actually inverted to solve the normal
// equations. Plain OLS uses XᵗX unchanged; ridge adds a penalty.
type NormalFunc func(xtx *mat.Dense) *mat.Dense

// Solver inverts normal-equation matrices with a condition-number guard.
type Solver struct {
	conditionLimit float64
	normal         NormalFunc
}

// NewSolver creates a solver. A nil normal func leaves XᵗX unchanged.
func NewSolver(conditionLimit float64, normal NormalFunc) *Solver {
	if normal == nil {
		normal = func(xtx *mat.Dense) *mat.Dense { return xtx }
	}
	return &Solver{conditionLimit: conditionLimit, normal: normal}
}

// Invert returns (normal(XᵗX))⁻¹. The condition guard runs on the
// equilibrated matrix D^-½·A·D^-½ with D = diag(A), so column units do not
// count against the limit; only genuinely (near-)singular designs fail.
func (s *Solver) Invert(xtx *mat.Dense) (*mat.Dense, error) {
	a := s.normal(xtx)
	r, c := a.Dims()
	if r != c {
		return nil, core.NewDimensionError("normal matrix", r, r, r, c)
	}

	scale := make([]float64, r)
	for i := range scale {
		d := a.At(i, i)
		if !(d > 0) || math.IsInf(d, 0) {
			return nil, fmt.Errorf("%w: column %d has no variation (diagonal %g)", core.ErrSingularMatrix, i, d)
		}
		scale[i] = 1 / math.Sqrt(d)
	}
	var scaled mat.Dense
	scaled.Apply(func(i, j int, v float64) float64 { return v * scale[i] * scale[j] }, a)

	var lu mat.LU
	lu.Factorize(&scaled)
	cond := lu.Cond()
	if math.IsNaN(cond) || math.IsInf(cond, 0) || cond > s.conditionLimit {
		return nil, fmt.Errorf("%w (scaled condition number %.3g, limit %.3g)", core.ErrSingularMatrix, cond, s.conditionLimit)
	}

	var inv mat.Dense
	if err := inv.Inverse(&scaled); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrSingularMatrix, err)
	}
	// A⁻¹ = D^-½·(D^-½·A·D^-½)⁻¹·D^-½
	inv.Apply(func(i, j int, v float64) float64 { return v * scale[i] * scale[j] }, &inv)
	return &inv, nil
}

// Solve returns β = (normal(XᵗX))⁻¹ Xᵗy for every column of Xᵗy.
func (s *Solver) Solve(xtx, xty *mat.Dense) (*mat.Dense, error) {
	inv, err := s.Invert(xtx)
	if err != nil {
		return nil, err
	}
	var beta mat.Dense
	beta.Mul(inv, xty)
	return &beta, nil
}
