package basis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmech/fem/expr"
)

// linear 1-D shape coefficient block: rows (1-x, x)
func linCoeffs() *expr.Value {
	return expr.NewValue([]int{2, 2}, []float64{1, -1, 0, 1})
}

// plain 1-D mesh of n elements with a degree-1 C0 basis
func linePlain(t *testing.T, n int) *PlainBasis {
	t.Helper()
	dofs := make([][]int, n)
	coeffs := make([]*expr.Value, n)
	for e := 0; e < n; e++ {
		dofs[e] = []int{e, e + 1}
		coeffs[e] = linCoeffs()
	}
	b, err := NewPlain(n+1, dofs, coeffs)
	require.NoError(t, err)
	return b
}

func checkRoundTrip(t *testing.T, b Basis) {
	t.Helper()
	for e := 0; e < b.NElems(); e++ {
		dofs, err := b.Dofs(e)
		require.NoError(t, err)
		for i := 1; i < len(dofs); i++ {
			assert.Greater(t, dofs[i], dofs[i-1], "dofs of element %d not strictly increasing", e)
		}
		coeffs, err := b.Coefficients(e)
		require.NoError(t, err)
		assert.Equal(t, len(dofs), coeffs.Shape[0], "element %d", e)
		for _, d := range dofs {
			sup, err := b.Support(d)
			require.NoError(t, err)
			assert.Contains(t, sup, e, "support of dof %d must contain element %d", d, e)
		}
	}
	for d := 0; d < b.NDofs(); d++ {
		sup, err := b.Support(d)
		require.NoError(t, err)
		for i := 1; i < len(sup); i++ {
			assert.Greater(t, sup[i], sup[i-1], "support of dof %d not strictly increasing", d)
		}
		for _, e := range sup {
			dofs, err := b.Dofs(e)
			require.NoError(t, err)
			assert.Contains(t, dofs, d, "element %d must list dof %d", e, d)
		}
	}
}

func TestPlainRoundTrip(t *testing.T) {
	checkRoundTrip(t, linePlain(t, 5))
}

func TestPlainValidation(t *testing.T) {
	_, err := NewPlain(3, [][]int{{1, 1}}, []*expr.Value{linCoeffs()})
	assert.ErrorIs(t, err, ErrValue, "duplicate dofs must be rejected")

	_, err = NewPlain(3, [][]int{{0, 5}}, []*expr.Value{linCoeffs()})
	assert.ErrorIs(t, err, ErrIndex, "out-of-range dofs must be rejected")

	_, err = NewPlain(3, [][]int{{0}}, []*expr.Value{linCoeffs()})
	assert.ErrorIs(t, err, ErrValue, "row count mismatch must be rejected")
}

func TestIndexErrors(t *testing.T) {
	b := linePlain(t, 3)
	_, err := b.Dofs(3)
	assert.ErrorIs(t, err, ErrIndex)
	_, err = b.Dofs(-1)
	assert.ErrorIs(t, err, ErrIndex)
	_, err = b.Support(4)
	assert.ErrorIs(t, err, ErrIndex)
	_, err = DofsMask(b, []bool{true})
	assert.ErrorIs(t, err, ErrValue)
}

func TestUnionLaw(t *testing.T) {
	b := linePlain(t, 6)
	a, err := DofsUnion(b, []int{0, 1, 2})
	require.NoError(t, err)
	c, err := DofsUnion(b, []int{3, 4, 5})
	require.NoError(t, err)
	both, err := DofsUnion(b, []int{0, 1, 2, 3, 4, 5})
	require.NoError(t, err)

	merged := map[int]struct{}{}
	for _, d := range append(append([]int{}, a...), c...) {
		merged[d] = struct{}{}
	}
	assert.Len(t, both, len(merged))
	for _, d := range both {
		assert.Contains(t, merged, d)
	}
}

func TestDiscont(t *testing.T) {
	coeffs := []*expr.Value{linCoeffs(), linCoeffs(), linCoeffs()}
	b, err := NewDiscont(coeffs)
	require.NoError(t, err)
	assert.Equal(t, 6, b.NDofs())

	dofs, err := b.Dofs(1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, dofs)

	sup, err := b.Support(5)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, sup)

	checkRoundTrip(t, b)
}

func TestMasked(t *testing.T) {
	parent := linePlain(t, 4) // dofs 0..4
	b, err := NewMasked(parent, []int{0, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, b.NDofs())

	// element 1 has parent dofs {1,2}: only 2 survives, renumbered to 1
	dofs, err := b.Dofs(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, dofs)

	coeffs, err := b.Coefficients(1)
	require.NoError(t, err)
	pc, err := parent.Coefficients(1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, coeffs.Shape)
	assert.Equal(t, pc.Float[2:4], coeffs.Float, "surviving row must equal the parent row")

	checkRoundTrip(t, b)

	_, err = NewMasked(parent, []int{2, 1})
	assert.ErrorIs(t, err, ErrValue, "non-monotonic mask must be rejected")
}

func TestPruned(t *testing.T) {
	parent := linePlain(t, 5) // dofs 0..5
	b, err := NewPruned(parent, []int{1, 2})
	require.NoError(t, err)
	// kept elements touch parent dofs {1,2,3}
	assert.Equal(t, 3, b.NDofs())
	assert.Equal(t, 2, b.NElems())

	dofs, err := b.Dofs(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, dofs)

	sup, err := b.Support(1) // parent dof 2, on both kept elements
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, sup)

	checkRoundTrip(t, b)
}

// 4x4 grid, degree-1 tensor basis: the canonical 25-dof scenario
func grid4x4(t *testing.T) *StructuredBasis {
	t.Helper()
	n := 4
	start := make([]int, n)
	stop := make([]int, n)
	coeffs := make([]*expr.Value, n)
	for e := 0; e < n; e++ {
		start[e] = e
		stop[e] = e + 2
		coeffs[e] = linCoeffs()
	}
	b, err := NewStructured(
		[]int{n, n},
		[][]int{start, start},
		[][]int{stop, stop},
		[]int{n + 1, n + 1},
		[][]*expr.Value{coeffs, coeffs},
	)
	require.NoError(t, err)
	return b
}

func TestStructured4x4(t *testing.T) {
	b := grid4x4(t)
	assert.Equal(t, 25, b.NDofs())
	assert.Equal(t, 16, b.NElems())

	dofs, err := b.Dofs(0)
	require.NoError(t, err)
	assert.Len(t, dofs, 4)
	assert.Equal(t, []int{0, 1, 5, 6}, dofs)

	sup, err := b.Support(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, sup, "the corner dof lives on the corner element only")

	// interior dof (1,1): the touching elements form one run per axis
	sup, err = b.Support(6)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4, 5}, sup)

	coeffs, err := b.Coefficients(0)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 2, 2}, coeffs.Shape)

	checkRoundTrip(t, b)
}

func TestStructuredPeriodic(t *testing.T) {
	// 4 elements on a periodic axis, degree 1: 4 dofs, last element wraps
	n := 4
	start := make([]int, n)
	stop := make([]int, n)
	coeffs := make([]*expr.Value, n)
	for e := 0; e < n; e++ {
		start[e] = e
		stop[e] = e + 2
		coeffs[e] = linCoeffs()
	}
	b, err := NewStructured([]int{n}, [][]int{start}, [][]int{stop}, []int{n}, [][]*expr.Value{coeffs})
	require.NoError(t, err)
	assert.Equal(t, 4, b.NDofs())

	dofs, err := b.Dofs(3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, dofs, "the last element wraps to dof 0")

	// wrapped dof order: coefficients rows must follow the sorted dofs
	coeffs3, err := b.Coefficients(3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, coeffs3.Float[:2], "dof 0 carries the x row")
	assert.Equal(t, []float64{1, -1}, coeffs3.Float[2:], "dof 3 carries the 1-x row")

	sup, err := b.Support(0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, sup)

	checkRoundTrip(t, b)
}

func TestFuncLowering(t *testing.T) {
	b := linePlain(t, 2) // 3 dofs on [0,1]x2
	f, err := Func(b, 1, []int{2})
	require.NoError(t, err)
	assert.Equal(t, []int{expr.VarLen, 3}, f.Shape())

	// evaluate on element 1 at its midpoint: dofs 1 and 2 see 0.5 each
	env := &expr.Env{Points: expr.NewValue([]int{1, 1}, []float64{0.5}), Elem: 1}
	v, err := f.Eval(env)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0.5}, v.Float, 1e-14)
}
