package design

import (
	"fmt"
	"math"

	"fedreg/domain/core"
	"fedreg/domain/regression"

	"gonum.org/v1/gonum/mat"
)

// Responses holds the site's response columns. Missing entries are NaN.
type Responses struct {
	Labels []string
	Y      *mat.Dense
}

// M returns the number of response columns
func (r *Responses) M() int {
	return len(r.Labels)
}

// Column returns a copy of response column j.
func (r *Responses) Column(j int) []float64 {
	n, _ := r.Y.Dims()
	return mat.Col(make([]float64, n), j, r.Y)
}

// BuildResponses converts the response table into a subjects × columns matrix.
// Missing cells become NaN; anything else that fails to parse is a schema error.
func BuildResponses(t regression.Table) (*Responses, error) {
	if err := t.Validate(); err != nil {
		return nil, core.NewSchemaError("data", err.Error())
	}
	if t.NumRows() == 0 {
		return nil, core.NewSchemaError("data", "no subjects")
	}

	y := mat.NewDense(t.NumRows(), len(t.Columns), nil)
	for r, row := range t.Rows {
		for j, cell := range row {
			v, err := cell.Float()
			if err != nil {
				return nil, core.NewSchemaError(t.Columns[j], fmt.Sprintf("row %d value %q is not numeric", r, cell.Value))
			}
			if math.IsInf(v, 0) {
				return nil, core.NewSchemaError(t.Columns[j], fmt.Sprintf("row %d is infinite", r))
			}
			y.Set(r, j, v)
		}
	}

	labels := make([]string, len(t.Columns))
	copy(labels, t.Columns)
	return &Responses{Labels: labels, Y: y}, nil
}
