// Package strategy selects how the normal equations are formed before
// inversion. Both variants share the same three-round protocol.
package strategy

import (
	"fmt"

	"fedreg/internal/config"
	"fedreg/internal/errors"
	"fedreg/internal/ols"

	"gonum.org/v1/gonum/mat"
)

// Strategy turns an (aggregated or local) XᵗX into the matrix to invert.
type Strategy interface {
	Name() string
	Normal(xtx *mat.Dense, lambda float64) *mat.Dense
}

// OLS leaves XᵗX unchanged; lambda is ignored.
type OLS struct{}

func (OLS) Name() string { return config.StrategyOLS }

func (OLS) Normal(xtx *mat.Dense, _ float64) *mat.Dense { return xtx }

// Ridge adds lambda to every diagonal entry except the intercept's.
type Ridge struct{}

func (Ridge) Name() string { return config.StrategyRidge }

func (Ridge) Normal(xtx *mat.Dense, lambda float64) *mat.Dense {
	var out mat.Dense
	out.CloneFrom(xtx)
	n, _ := out.Dims()
	for j := 1; j < n; j++ {
		out.Set(j, j, out.At(j, j)+lambda)
	}
	return &out
}

// New returns the strategy registered under name.
func New(name string) (Strategy, error) {
	switch name {
	case config.StrategyOLS, "":
		return OLS{}, nil
	case config.StrategyRidge:
		return Ridge{}, nil
	default:
		return nil, errors.ConfigInvalid(fmt.Sprintf("unknown strategy %q", name))
	}
}

// Solver binds a strategy and lambda to a guarded solver.
func Solver(s Strategy, lambda, conditionLimit float64) *ols.Solver {
	return ols.NewSolver(conditionLimit, func(xtx *mat.Dense) *mat.Dense {
		return s.Normal(xtx, lambda)
	})
}
