package matrix

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmech/fem/assemble"
	"github.com/calmech/fem/basis"
	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/mesh"
	"github.com/calmech/fem/topo"
)

// stiffness3 is the 1D Laplace stiffness on two unit-half elements.
func stiffness3() *Matrix {
	ri := []int{0, 0, 1, 1, 1, 2, 2}
	ci := []int{0, 1, 0, 1, 2, 1, 2}
	data := []float64{2, -2, -2, 4, -2, -2, 2}
	return New(3, 3, ri, ci, data)
}

func TestAssemble(t *testing.T) {
	a := &assemble.Assembled{
		Shape: []int{2, 2},
		Index: [][]int{{0, 1}, {1, 0}},
		Data:  []float64{3, 5},
	}
	m, err := Assemble(a)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 3.0, m.At(0, 1))
	assert.Equal(t, 5.0, m.At(1, 0))
	assert.Equal(t, 0.0, m.At(0, 0))

	_, err = Assemble(&assemble.Assembled{Shape: []int{2}})
	assert.Error(t, err)
}

func TestMulVec(t *testing.T) {
	m := stiffness3()
	y, err := m.MulVec([]float64{1, 2, 3})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{-2, 0, 2}, y, 1e-12)

	_, err = m.MulVec([]float64{1, 2})
	assert.Error(t, err)
}

func TestSolveDirichlet(t *testing.T) {
	m := stiffness3()
	nan := math.NaN()
	// u'' = 0 with u(0) = 0, u(1) = 1 has the linear solution
	x, err := m.Solve([]float64{0, 0, 0}, []float64{0, nan, 1}, SolveOpts{})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.5, 1}, x, 1e-9)
}

func TestSolveFullyConstrained(t *testing.T) {
	m := stiffness3()
	x, err := m.Solve([]float64{0, 0, 0}, []float64{1, 2, 3}, SolveOpts{})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, x)
}

func TestSolveSingular(t *testing.T) {
	m := New(2, 2, []int{0}, []int{0}, []float64{0})
	_, err := m.Solve([]float64{1, 1}, nil, SolveOpts{})
	assert.ErrorIs(t, err, ErrSingular)
}

func TestRowSupp(t *testing.T) {
	m := New(3, 3, []int{0, 2}, []int{1, 2}, []float64{1e-14, 1})
	supp := m.RowSupp(1e-12)
	assert.Equal(t, []bool{false, false, true}, supp)
}

func TestSolveMassSystem(t *testing.T) {
	mesh1, err := mesh.UnitLine(4)
	require.NoError(t, err)
	b, err := mesh1.Topo.Basis("std", topo.BasisOpts{Degree: 1})
	require.NoError(t, err)
	f, err := basis.Func(b, 1, []int{2})
	require.NoError(t, err)
	fi, err := expr.InsertAxis(f, 2)
	require.NoError(t, err)
	fj, err := expr.InsertAxis(f, 1)
	require.NoError(t, err)
	outer, err := expr.Mul(fi, fj)
	require.NoError(t, err)

	a, err := assemble.Integrate(context.Background(), mesh1.Topo, mesh1.Geom, outer, assemble.Options{Degree: 2})
	require.NoError(t, err)
	m, err := Assemble(a)
	require.NoError(t, err)

	// M x = M 1 recovers the constant vector
	n, _ := m.Dims()
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	rhs, err := m.MulVec(ones)
	require.NoError(t, err)
	x, err := m.Solve(rhs, nil, SolveOpts{})
	require.NoError(t, err)
	assert.InDeltaSlice(t, ones, x, 1e-9)
}
