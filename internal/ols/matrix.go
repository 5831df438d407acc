// Package ols holds the dense linear algebra behind the distributed fit:
// cross products, guarded inversion, per-column diagnostics and Student-t
// significance. Everything here operates on gonum matrices.
package ols

import (
	"fmt"
	"math"

	"fedreg/domain/core"

	"gonum.org/v1/gonum/mat"
)

// FromRows builds a dense matrix from row slices. Every row must have the
// same length.
func FromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("%w: empty matrix", core.ErrSchemaMismatch)
	}
	r, c := len(rows), len(rows[0])
	data := make([]float64, 0, r*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("%w: row %d has %d entries, expected %d", core.ErrSchemaMismatch, i, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(r, c, data), nil
}

// ToRows converts a matrix to row slices for JSON transport.
func ToRows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = m.At(i, j)
		}
	}
	return rows
}

// Gram returns XᵗX.
func Gram(x mat.Matrix) *mat.Dense {
	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	return &xtx
}

// CrossProduct returns Xᵗy where missing (NaN) entries of y contribute zero.
func CrossProduct(x, y mat.Matrix) *mat.Dense {
	var xty mat.Dense
	xty.Mul(x.T(), ZeroMissing(y))
	return &xty
}

// ZeroMissing returns a copy of m with NaN entries replaced by zero.
func ZeroMissing(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); !math.IsNaN(v) {
				out.Set(i, j, v)
			}
		}
	}
	return out
}

// Sum adds equally shaped matrices.
func Sum(ms []*mat.Dense) (*mat.Dense, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("%w: nothing to sum", core.ErrMissingSite)
	}
	r, c := ms[0].Dims()
	total := mat.NewDense(r, c, nil)
	for i, m := range ms {
		mr, mc := m.Dims()
		if mr != r || mc != c {
			return nil, core.NewDimensionError(fmt.Sprintf("operand %d", i), r, c, mr, mc)
		}
		total.Add(total, m)
	}
	return total, nil
}

// CheckDims returns a schema error when m is not rows×cols.
func CheckDims(field string, m mat.Matrix, rows, cols int) error {
	r, c := m.Dims()
	if r != rows || c != cols {
		return core.NewDimensionError(field, rows, cols, r, c)
	}
	return nil
}

// AllFinite reports whether every value is finite.
func AllFinite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// CompleteGram returns XᵗX over the rows where y is present. The second
// result is false when y has no missing entries, in which case the first is nil
// and the caller should use the shared XᵗX.
func CompleteGram(x *mat.Dense, y []float64) (*mat.Dense, bool) {
	n, k := x.Dims()
	missing := 0
	for _, v := range y {
		if math.IsNaN(v) {
			missing++
		}
	}
	if missing == 0 {
		return nil, false
	}
	xtx := mat.NewDense(k, k, nil)
	if missing == n {
		return xtx, true
	}
	rows := mat.NewDense(n-missing, k, nil)
	i := 0
	for r, v := range y {
		if math.IsNaN(v) {
			continue
		}
		rows.SetRow(i, x.RawRowView(r))
		i++
	}
	xtx.Mul(rows.T(), rows)
	return xtx, true
}
