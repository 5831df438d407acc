package ols

import (
	"fmt"
	"math"

	"fedreg/domain/core"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// FitResult is a single-column OLS fit with significance statistics.
type FitResult struct {
	Beta        []float64
	SE          []float64
	T           []float64
	P           []float64
	SSE         float64
	SST         float64
	MSE         float64
	RSquared    float64
	RSquaredAdj float64
	Count       int
	DOF         int
}

// Moments returns the missing-aware mean, non-missing count and total sum of
// squares of a response column.
func Moments(y []float64) (mean float64, count int, sst float64) {
	present := make([]float64, 0, len(y))
	for _, v := range y {
		if !math.IsNaN(v) {
			present = append(present, v)
		}
	}
	if len(present) == 0 {
		return 0, 0, 0
	}
	mean, _ = stats.Mean(present)
	variance, _ := stats.PopulationVariance(present)
	return mean, len(present), variance * float64(len(present))
}

// ResidualSS returns Σ(y − Xβ)² over the non-missing entries of y.
func ResidualSS(x mat.Matrix, y, beta []float64) float64 {
	var fitted mat.VecDense
	fitted.MulVec(x, mat.NewVecDense(len(beta), beta))
	resid := make([]float64, 0, len(y))
	for i, v := range y {
		if math.IsNaN(v) {
			continue
		}
		resid = append(resid, v-fitted.AtVec(i))
	}
	return floats.Dot(resid, resid)
}

// TwoTailedP returns 2·(1 − CDF_t(|t|, dof)).
func TwoTailedP(t float64, dof float64) float64 {
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dof}
	return 2 * dist.Survival(math.Abs(t))
}

// Significance derives standard errors, t and two-tailed p values from the
// residual sum of squares and the inverted normal matrix.
func Significance(beta []float64, sse float64, dof int, inv mat.Matrix) (se, t, p []float64, mse float64, err error) {
	if dof <= 0 {
		return nil, nil, nil, 0, fmt.Errorf("%w: dof %d", core.ErrInsufficientDOF, dof)
	}
	mse = sse / float64(dof)
	k := len(beta)
	se = make([]float64, k)
	t = make([]float64, k)
	p = make([]float64, k)
	for j := 0; j < k; j++ {
		se[j] = math.Sqrt(mse * inv.At(j, j))
		t[j] = beta[j] / se[j]
		p[j] = TwoTailedP(t[j], float64(dof))
		if !AllFinite(se[j], t[j], p[j]) {
			return nil, nil, nil, 0, fmt.Errorf("%w: coefficient %d (se=%g, t=%g)", core.ErrNonFinite, j, se[j], t[j])
		}
	}
	return se, t, p, mse, nil
}

// RSquared returns R² and adjusted R². A zero total sum of squares yields zeros.
func RSquared(sse, sst float64, n, k int) (r2, adj float64) {
	if sst <= 0 || n-k <= 0 {
		return 0, 0
	}
	r2 = 1 - sse/sst
	adj = 1 - (1-r2)*float64(n-1)/float64(n-k)
	return r2, adj
}

// Fit runs OLS of one response column on X using only rows where y is present.
// When the column is complete and sharedInv is non-nil, it is used as the
// inverted normal matrix instead of refactorizing.
func (s *Solver) Fit(x *mat.Dense, y []float64, sharedInv *mat.Dense) (FitResult, error) {
	n, k := x.Dims()
	if len(y) != n {
		return FitResult{}, core.NewDimensionError("response column", n, 1, len(y), 1)
	}

	rows := make([]int, 0, n)
	for i, v := range y {
		if !math.IsNaN(v) {
			rows = append(rows, i)
		}
	}
	if len(rows) <= k {
		return FitResult{}, fmt.Errorf("%w: %d observations for %d coefficients", core.ErrInsufficientDOF, len(rows), k)
	}

	xs, ys := x, y
	inv := sharedInv
	if len(rows) < n {
		xs = mat.NewDense(len(rows), k, nil)
		ys = make([]float64, len(rows))
		for i, r := range rows {
			xs.SetRow(i, x.RawRowView(r))
			ys[i] = y[r]
		}
		inv = nil
	}
	if inv == nil {
		var err error
		inv, err = s.Invert(Gram(xs))
		if err != nil {
			return FitResult{}, err
		}
	}

	var xty mat.VecDense
	xty.MulVec(xs.T(), mat.NewVecDense(len(ys), ys))
	var b mat.VecDense
	b.MulVec(inv, &xty)
	beta := make([]float64, k)
	for j := range beta {
		beta[j] = b.AtVec(j)
	}

	sse := ResidualSS(xs, ys, beta)
	_, count, sst := Moments(ys)
	dof := count - k

	se, t, p, mse, err := Significance(beta, sse, dof, inv)
	if err != nil {
		return FitResult{}, err
	}
	r2, adj := RSquared(sse, sst, count, k)

	return FitResult{
		Beta:        beta,
		SE:          se,
		T:           t,
		P:           p,
		SSE:         sse,
		SST:         sst,
		MSE:         mse,
		RSquared:    r2,
		RSquaredAdj: adj,
		Count:       count,
		DOF:         dof,
	}, nil
}
