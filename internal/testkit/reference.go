package testkit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ReferenceFit is a centralized least-squares fit of one response column,
// solved by QR rather than the normal equations.
type ReferenceFit struct {
	Beta     []float64
	SE       []float64
	T        []float64
	P        []float64
	SSE      float64
	SST      float64
	RSquared float64
	DOF      int
}

// FitReference fits y on x using only the rows where y is present.
func FitReference(x *mat.Dense, y []float64) (*ReferenceFit, error) {
	_, k := x.Dims()
	var rows []int
	for i, v := range y {
		if !math.IsNaN(v) {
			rows = append(rows, i)
		}
	}
	if len(rows) <= k {
		return nil, fmt.Errorf("need more than %d complete rows, have %d", k, len(rows))
	}

	xs := mat.NewDense(len(rows), k, nil)
	ys := mat.NewVecDense(len(rows), nil)
	for i, r := range rows {
		xs.SetRow(i, x.RawRowView(r))
		ys.SetVec(i, y[r])
	}

	var qr mat.QR
	qr.Factorize(xs)
	var b mat.VecDense
	if err := qr.SolveVecTo(&b, false, ys); err != nil {
		return nil, err
	}

	var fitted mat.VecDense
	fitted.MulVec(xs, &b)
	mean := mat.Sum(ys) / float64(len(rows))
	sse, sst := 0.0, 0.0
	for i := 0; i < len(rows); i++ {
		r := ys.AtVec(i) - fitted.AtVec(i)
		sse += r * r
		d := ys.AtVec(i) - mean
		sst += d * d
	}

	dof := len(rows) - k
	var xtx, inv mat.Dense
	xtx.Mul(xs.T(), xs)
	if err := inv.Inverse(&xtx); err != nil {
		return nil, err
	}
	mse := sse / float64(dof)
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(dof)}

	fit := &ReferenceFit{SSE: sse, SST: sst, RSquared: 1 - sse/sst, DOF: dof}
	for j := 0; j < k; j++ {
		se := math.Sqrt(mse * inv.At(j, j))
		t := b.AtVec(j) / se
		fit.Beta = append(fit.Beta, b.AtVec(j))
		fit.SE = append(fit.SE, se)
		fit.T = append(fit.T, t)
		fit.P = append(fit.P, 2*dist.Survival(math.Abs(t)))
	}
	return fit, nil
}

// RelativeDiff returns |a-b| / max(1, |b|).
func RelativeDiff(a, b float64) float64 {
	return math.Abs(a-b) / math.Max(1, math.Abs(b))
}
