package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNew(t *testing.T) {
	s, err := New("ols")
	require.NoError(t, err)
	assert.Equal(t, "ols", s.Name())

	s, err = New("ridge")
	require.NoError(t, err)
	assert.Equal(t, "ridge", s.Name())

	_, err = New("lasso")
	assert.Error(t, err)
}

func TestRidge_SkipsIntercept(t *testing.T) {
	xtx := mat.NewDense(3, 3, []float64{
		10, 1, 2,
		1, 5, 0,
		2, 0, 7,
	})

	out := Ridge{}.Normal(xtx, 0.5)

	assert.Equal(t, 10.0, out.At(0, 0))
	assert.Equal(t, 5.5, out.At(1, 1))
	assert.Equal(t, 7.5, out.At(2, 2))
	assert.Equal(t, 1.0, out.At(0, 1))
	assert.Equal(t, 5.0, xtx.At(1, 1), "input must not be modified")
}

func TestOLS_Identity(t *testing.T) {
	xtx := mat.NewDense(2, 2, []float64{4, 1, 1, 3})
	assert.Same(t, xtx, OLS{}.Normal(xtx, 9))
}

func TestSolver_RidgeShrinksSolution(t *testing.T) {
	xtx := mat.NewDense(2, 2, []float64{4, 2, 2, 3})
	xty := mat.NewDense(2, 1, []float64{2, 5})

	plain, err := Solver(OLS{}, 0, 1e12).Solve(xtx, xty)
	require.NoError(t, err)
	ridge, err := Solver(Ridge{}, 10, 1e12).Solve(xtx, xty)
	require.NoError(t, err)

	assert.Less(t, ridge.At(1, 0), plain.At(1, 0))
}
