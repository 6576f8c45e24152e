package assemble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmech/fem/basis"
	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/mesh"
	"github.com/calmech/fem/quadrature"
	"github.com/calmech/fem/topo"
)

func TestIntegrateArea(t *testing.T) {
	m, err := mesh.UnitSquare(2)
	require.NoError(t, err)
	area, err := IntegrateScalar(context.Background(), m.Topo, m.Geom, expr.ConstScalar(1), Options{Degree: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, area, 1e-12)
}

func TestIntegrateLinearField(t *testing.T) {
	m, err := mesh.UnitLine(4)
	require.NoError(t, err)
	// integrate x over [0,1]
	x, err := expr.Squeeze(m.Geom, 1)
	require.NoError(t, err)
	got, err := IntegrateScalar(context.Background(), m.Topo, m.Geom, x, Options{Degree: 2})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got, 1e-12)
}

func TestIntegrateBoundary(t *testing.T) {
	m, err := mesh.UnitSquare(2)
	require.NoError(t, err)
	b, err := m.Topo.Boundary()
	require.NoError(t, err)
	perimeter, err := IntegrateScalar(context.Background(), b, m.Geom, expr.ConstScalar(1), Options{Degree: 1, Parent: m.Topo})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, perimeter, 1e-12)

	left, ok := b.Group("left")
	require.True(t, ok)
	length, err := IntegrateScalar(context.Background(), left, m.Geom, expr.ConstScalar(1), Options{Degree: 1, Parent: m.Topo})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, length, 1e-12)
}

func TestMassMatrix(t *testing.T) {
	m, err := mesh.UnitLine(2)
	require.NoError(t, err)
	b, err := m.Topo.Basis("std", topo.BasisOpts{Degree: 1})
	require.NoError(t, err)
	f, err := basis.Func(b, 1, []int{2})
	require.NoError(t, err)

	fi, err := expr.InsertAxis(f, 2)
	require.NoError(t, err)
	fj, err := expr.InsertAxis(f, 1)
	require.NoError(t, err)
	outer, err := expr.Mul(fi, fj)
	require.NoError(t, err)

	mass, err := Integrate(context.Background(), m.Topo, m.Geom, outer, Options{Degree: 2})
	require.NoError(t, err)
	require.Equal(t, []int{3, 3}, mass.Shape)

	h := 0.5
	want := []float64{
		h / 3, h / 6, 0,
		h / 6, 2 * h / 3, h / 6,
		0, h / 6, h / 3,
	}
	assert.InDeltaSlice(t, want, mass.Dense().AsFloat(), 1e-12)

	// the uncoupled corner pair never materializes
	for k := range mass.Data {
		i, j := mass.Index[0][k], mass.Index[1][k]
		assert.LessOrEqual(t, abs(i-j), 1)
	}
}

func TestIntegrateSymmetric(t *testing.T) {
	m, err := mesh.UnitLine(2)
	require.NoError(t, err)
	b, err := m.Topo.Basis("std", topo.BasisOpts{Degree: 1})
	require.NoError(t, err)
	f, err := basis.Func(b, 1, []int{2})
	require.NoError(t, err)
	fi, err := expr.InsertAxis(f, 2)
	require.NoError(t, err)
	fj, err := expr.InsertAxis(f, 1)
	require.NoError(t, err)
	outer, err := expr.Mul(fi, fj)
	require.NoError(t, err)

	full, err := Integrate(context.Background(), m.Topo, m.Geom, outer, Options{Degree: 2})
	require.NoError(t, err)
	sym, err := IntegrateSymmetric(context.Background(), m.Topo, m.Geom, outer, Options{Degree: 2})
	require.NoError(t, err)
	assert.Equal(t, full.Shape, sym.Shape)
	assert.InDeltaSlice(t, full.Dense().AsFloat(), sym.Dense().AsFloat(), 1e-12)

	// rank-1 integrands are rejected
	_, err = IntegrateSymmetric(context.Background(), m.Topo, m.Geom, f, Options{Degree: 2})
	assert.ErrorIs(t, err, ErrAssemble)
}

func abs(i int) int {
	if i < 0 {
		return -i
	}
	return i
}

func TestIntegrateWithArgs(t *testing.T) {
	m, err := mesh.UnitLine(1)
	require.NoError(t, err)
	c := expr.NewArgument("c", nil)
	got, err := IntegrateScalar(context.Background(), m.Topo, m.Geom, c, Options{
		Degree: 1,
		Args:   map[string]*expr.Value{"c": expr.Scalar(2)},
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, got, 1e-12)
}

func TestSampleBezier(t *testing.T) {
	m, err := mesh.UnitLine(2)
	require.NoError(t, err)
	x, err := expr.Squeeze(m.Geom, 1)
	require.NoError(t, err)

	s, err := Sample(context.Background(), m.Topo, m.Geom, x, quadrature.Scheme{Kind: "bezier", Degree: 2}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, s.Offsets)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0.5, 1}, s.Points.AsFloat(), 1e-12)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0.5, 1}, s.Values.AsFloat(), 1e-12)

	first, err := s.ElemValues(0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.5}, first.AsFloat(), 1e-12)
}

func TestIntegrateTrimmed(t *testing.T) {
	m, err := mesh.UnitLine(2)
	require.NoError(t, err)
	// keep x < 0.4, resolved on quarter sub-cells
	x, err := expr.Squeeze(m.Geom, 1)
	require.NoError(t, err)
	ls, err := expr.Sub(expr.ConstScalar(0.4), x)
	require.NoError(t, err)
	tr, err := topo.Trim(m.Topo, ls, 2)
	require.NoError(t, err)

	// cut cells keep the base element numbering: integrate with the base
	// grid as parent
	length, err := IntegrateScalar(context.Background(), tr, m.Geom, expr.ConstScalar(1), Options{Degree: 1, Parent: m.Topo})
	require.NoError(t, err)
	assert.InDelta(t, 0.375, length, 1e-12)
}

func TestIntegrateHierarchical(t *testing.T) {
	m, err := mesh.UnitLine(2)
	require.NoError(t, err)
	h, err := topo.RefinedBy(m.Topo, []int{1})
	require.NoError(t, err)
	geom, err := m.ForTopology(h)
	require.NoError(t, err)

	length, err := IntegrateScalar(context.Background(), h, geom, expr.ConstScalar(1), Options{Degree: 1})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, length, 1e-12)

	// per-function masses: coarse hats 0.25 and 0.5, fine hats 0.25 and
	// 0.125 on their quarter-width elements
	b, err := h.Basis("std", topo.BasisOpts{Degree: 1})
	require.NoError(t, err)
	f, err := basis.Func(b, 1, []int{2})
	require.NoError(t, err)
	vec, err := Integrate(context.Background(), h, geom, f, Options{Degree: 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25, 0.5, 0.25, 0.125}, vec.Dense().AsFloat(), 1e-12)
}
