package topo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmech/fem/expr"
)

func TestTransformKeyLookup(t *testing.T) {
	root := Transform{Root{Ndims: 2, ID: 3}}
	child := Concat(root, Child{Offset: []int{0, 1}})
	edict := map[string]int{root.Key(): 7}

	i, tail, ok := Lookup(root, edict)
	require.True(t, ok)
	assert.Equal(t, 7, i)
	assert.Empty(t, tail)

	i, tail, ok = Lookup(child, edict)
	require.True(t, ok)
	assert.Equal(t, 7, i)
	require.Len(t, tail, 1)

	_, _, ok = Lookup(Transform{Root{Ndims: 2, ID: 4}}, edict)
	assert.False(t, ok)
}

func TestStructuredBoundary(t *testing.T) {
	s, err := NewStructured([]int{2, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, s.Len())

	b, err := s.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 8, b.Len())
	for _, name := range []string{"left", "right", "bottom", "top"} {
		side, ok := b.Group(name)
		require.True(t, ok, name)
		assert.Equal(t, 2, side.Len(), name)
	}

	// the boundary of a closed boundary is empty
	bb, err := b.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 0, bb.Len())
}

func TestStructuredInterfaces(t *testing.T) {
	s, err := NewStructured([]int{2, 2}, nil)
	require.NoError(t, err)
	ifaces, err := s.Interfaces()
	require.NoError(t, err)
	assert.Equal(t, 4, ifaces.Len())
	for i := 0; i < ifaces.Len(); i++ {
		assert.NotNil(t, ifaces.Elem(i).Opposite)
	}
}

func TestPeriodicLine(t *testing.T) {
	s, err := NewStructured([]int{4}, []int{0})
	require.NoError(t, err)
	b, err := s.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
	ifaces, err := s.Interfaces()
	require.NoError(t, err)
	assert.Equal(t, 4, ifaces.Len())
}

func TestStructuredBases(t *testing.T) {
	s, err := NewStructured([]int{4, 4}, nil)
	require.NoError(t, err)

	std, err := s.Basis("std", BasisOpts{Degree: 1})
	require.NoError(t, err)
	assert.Equal(t, 25, std.NDofs())
	dofs, err := std.Dofs(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 5, 6}, dofs)

	spline, err := s.Basis("spline", BasisOpts{Degree: 2})
	require.NoError(t, err)
	assert.Equal(t, 36, spline.NDofs())

	discont, err := s.Basis("discont", BasisOpts{Degree: 1})
	require.NoError(t, err)
	assert.Equal(t, 16*4, discont.NDofs())
}

func TestRemoveDofs(t *testing.T) {
	s, err := NewStructured([]int{4, 4}, nil)
	require.NoError(t, err)
	b, err := s.Basis("std", BasisOpts{Degree: 1, RemoveDofs: [][]int{{0, -1}, {0, -1}}})
	require.NoError(t, err)
	// dropping the outer ring of a 5x5 dof grid leaves the 3x3 interior
	assert.Equal(t, 9, b.NDofs())
}

func triangle(id int, verts []int) Element {
	return Element{
		Ref:   TriangleRef{},
		Trans: Transform{Root{Ndims: 2, ID: id}},
		Verts: verts,
	}
}

func TestFacetMatching(t *testing.T) {
	g, err := NewGeneric(2, []Element{
		triangle(0, []int{0, 1, 2}),
		triangle(1, []int{3, 2, 1}),
	})
	require.NoError(t, err)

	b, err := g.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 4, b.Len())

	ifaces, err := g.Interfaces()
	require.NoError(t, err)
	require.Equal(t, 1, ifaces.Len())
	assert.NotNil(t, ifaces.Elem(0).Opposite)
}

func TestNonManifold(t *testing.T) {
	g, err := NewGeneric(2, []Element{
		triangle(0, []int{0, 1, 2}),
		triangle(1, []int{3, 2, 1}),
		triangle(2, []int{4, 1, 2}),
	})
	require.NoError(t, err)
	_, err = g.Boundary()
	assert.ErrorIs(t, err, ErrTopology)
}

func TestHierarchicalRefineBy(t *testing.T) {
	base, err := NewStructured([]int{2}, nil)
	require.NoError(t, err)
	h, err := RefinedBy(base, []int{1})
	require.NoError(t, err)
	assert.Equal(t, 3, h.Len())

	b, err := h.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())
}

func TestHierarchicalBasis(t *testing.T) {
	base, err := NewStructured([]int{2}, nil)
	require.NoError(t, err)
	h, err := RefinedBy(base, []int{1})
	require.NoError(t, err)

	b, err := h.Basis("std", BasisOpts{Degree: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, b.NDofs())

	dofs0, err := b.Dofs(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, dofs0)
	dofs1, err := b.Dofs(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, dofs1)
	dofs2, err := b.Dofs(2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, dofs2)

	// on the first fine element the coarse hat enters at half slope
	c1, err := b.Coefficients(1)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, c1.Shape)
	assert.InDeltaSlice(t, []float64{1, -0.5, 0, 1}, c1.AsFloat(), 1e-12)

	c2, err := b.Coefficients(2)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, c2.Shape)
	assert.InDeltaSlice(t, []float64{0.5, -0.5, 1, -1, 0, 1}, c2.AsFloat(), 1e-12)
}

// lineLevelset is 0.4 - x on the unit line split in two elements.
func lineLevelset() *expr.Array {
	xi, err := expr.Squeeze(expr.LocalPoints(1), 1)
	if err != nil {
		panic(err)
	}
	off := expr.NewElemData("offset", nil, expr.Float, func(ielem int) (*expr.Value, error) {
		return expr.Scalar(float64(ielem)), nil
	})
	shifted, err := expr.Add(off, xi)
	if err != nil {
		panic(err)
	}
	gx, err := expr.Mul(expr.ConstScalar(0.5), shifted)
	if err != nil {
		panic(err)
	}
	ls, err := expr.Sub(expr.ConstScalar(0.4), gx)
	if err != nil {
		panic(err)
	}
	return ls
}

func TestTrimPartition(t *testing.T) {
	base, err := NewStructured([]int{2}, nil)
	require.NoError(t, err)

	tr, err := Trim(base, lineLevelset(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Len())
	assert.InDelta(t, 0.75, ReferenceVolume(tr), 1e-12)

	co := tr.Complement()
	assert.Equal(t, 2, co.Len())
	assert.InDelta(t, 1.25, ReferenceVolume(co), 1e-12)

	// both sides together tile the base exactly
	assert.InDelta(t, ReferenceVolume(base), ReferenceVolume(tr)+ReferenceVolume(co), 1e-12)
}

func TestTrimBoundary(t *testing.T) {
	base, err := NewStructured([]int{2}, nil)
	require.NoError(t, err)
	tr, err := Trim(base, lineLevelset(), 2)
	require.NoError(t, err)

	b, err := tr.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())
	cut, ok := b.Group("trimmed")
	require.True(t, ok)
	assert.Equal(t, 1, cut.Len())
	left, ok := b.Group("left")
	require.True(t, ok)
	assert.Equal(t, 1, left.Len())
	_, ok = b.Group("right")
	assert.False(t, ok)

	cb, err := tr.Complement().Boundary()
	require.NoError(t, err)
	assert.Equal(t, 2, cb.Len())
	right, ok := cb.Group("right")
	require.True(t, ok)
	assert.Equal(t, 1, right.Len())
}

func TestTrimBasisAndErrors(t *testing.T) {
	base, err := NewStructured([]int{2}, nil)
	require.NoError(t, err)
	tr, err := Trim(base, lineLevelset(), 1)
	require.NoError(t, err)

	b, err := tr.Basis("std", BasisOpts{Degree: 1})
	require.NoError(t, err)
	// only the left element survives at maxrefine 1
	assert.Equal(t, 2, b.NDofs())

	g, err := NewGeneric(2, []Element{triangle(0, []int{0, 1, 2})})
	require.NoError(t, err)
	_, err = Trim(g, lineLevelset(), 1)
	assert.ErrorIs(t, err, ErrTopology)
}

func twoPatches() []PatchSpec {
	return []PatchSpec{
		{Corners: []int{0, 1, 2, 3}, Shape: []int{1, 1}},
		{Corners: []int{2, 3, 4, 5}, Shape: []int{1, 1}},
	}
}

func TestMultipatchConnectivity(t *testing.T) {
	m, err := NewMultipatch(twoPatches())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	ifaces, err := m.Interfaces()
	require.NoError(t, err)
	assert.Equal(t, 1, ifaces.Len())

	b, err := m.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 6, b.Len())
}

func TestMultipatchBases(t *testing.T) {
	m, err := NewMultipatch(twoPatches())
	require.NoError(t, err)

	cont, err := m.Basis("std", BasisOpts{Degree: 1, PatchContinuous: true})
	require.NoError(t, err)
	assert.Equal(t, 6, cont.NDofs())

	split, err := m.Basis("std", BasisOpts{Degree: 1})
	require.NoError(t, err)
	assert.Equal(t, 8, split.NDofs())

	perPatch, err := m.Basis("patch", BasisOpts{})
	require.NoError(t, err)
	assert.Equal(t, 2, perPatch.NDofs())
}

func TestSplineAxisTables(t *testing.T) {
	start, stop, ndofs, coeffs := splineAxis(3, 2, false)
	assert.Equal(t, 5, ndofs)
	assert.Equal(t, []int{0, 1, 2}, start)
	assert.Equal(t, []int{3, 4, 5}, stop)
	// B-splines sum to one on every span
	for _, block := range coeffs {
		f := block.AsFloat()
		for m := 0; m < 3; m++ {
			sum := f[m] + f[3+m] + f[6+m]
			want := 0.0
			if m == 0 {
				want = 1
			}
			assert.InDelta(t, want, sum, 1e-12)
		}
	}

	_, _, ndofs, coeffs = splineAxis(4, 2, true)
	assert.Equal(t, 4, ndofs)
	assert.Same(t, coeffs[0], coeffs[3]) // cardinal splines share one block
}

func TestSubstituteAxis(t *testing.T) {
	block := expr.NewValue([]int{1, 2}, []float64{0, 1}) // x
	out := substituteAxis(block, 1, 0.5, 0.5)            // x = xi/2 + 1/2
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, out.AsFloat(), 1e-12)
}
