package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalOn(t *testing.T, f *Array, points []float64, ndims int) *Value {
	t.Helper()
	npts := len(points) / ndims
	env := &Env{Points: NewValue([]int{npts, ndims}, points)}
	v, err := f.Eval(env)
	require.NoError(t, err)
	return v
}

func TestInterning(t *testing.T) {
	a := ConstScalar(2)
	b := ConstScalar(2)
	assert.Same(t, a, b, "equal constants must intern to the same node")

	x := LocalPoints(2)
	s1, err := Add(x, a)
	require.NoError(t, err)
	s2, err := Add(x, b)
	require.NoError(t, err)
	assert.Same(t, s1, s2, "identical ops on identical children must intern")
}

func TestConstantFolding(t *testing.T) {
	s, err := Add(ConstScalar(2), ConstScalar(3))
	require.NoError(t, err)
	v, ok := constValue(s)
	require.True(t, ok, "sum of constants should fold")
	assert.Equal(t, []float64{5}, v.Float)

	p, err := Mul(ConstScalar(4), ConstScalar(0.25))
	require.NoError(t, err)
	v, ok = constValue(p)
	require.True(t, ok)
	assert.Equal(t, []float64{1}, v.Float)
}

func TestZeroAndIdentityElimination(t *testing.T) {
	x := LocalPoints(1)
	z := Zeros([]int{VarLen, 1})

	s, err := Add(x, z)
	require.NoError(t, err)
	assert.Same(t, x, s, "x+0 must simplify to x")

	m, err := Mul(x, z)
	require.NoError(t, err)
	assert.True(t, IsZero(m), "x*0 must be zero")

	one := ConstScalar(1)
	m, err = Mul(x, one)
	require.NoError(t, err)
	assert.Same(t, x, m, "x*1 must simplify to x")
}

func TestBroadcastAdd(t *testing.T) {
	a := NewConstant(NewValue([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}))
	b := NewConstant(NewValue([]int{3}, []float64{10, 20, 30}))
	s, err := Add(a, b)
	require.NoError(t, err)
	v, ok := constValue(s)
	require.True(t, ok)
	assert.Equal(t, []int{2, 3}, v.Shape)
	assert.Equal(t, []float64{11, 22, 33, 14, 25, 36}, v.Float)
}

func TestShapeMismatch(t *testing.T) {
	a := NewConstant(NewValue([]int{2}, []float64{1, 2}))
	b := NewConstant(NewValue([]int{3}, []float64{1, 2, 3}))
	_, err := Add(a, b)
	assert.ErrorIs(t, err, ErrShape)
}

func TestTransposeComposition(t *testing.T) {
	a := NewConstant(NewValue([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}))
	tr, err := Transpose(a, []int{1, 0})
	require.NoError(t, err)
	back, err := Transpose(tr, []int{1, 0})
	require.NoError(t, err)
	assert.Same(t, a, back, "double transpose must cancel")

	v, ok := constValue(tr)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, v.Float)
}

func TestTakeAndInflate(t *testing.T) {
	a := NewConstant(NewValue([]int{4}, []float64{10, 20, 30, 40}))
	idx := NewConstant(NewIntValue([]int{2}, []int{2, 0}))
	taken, err := Take(a, 0, idx)
	require.NoError(t, err)
	v, ok := constValue(taken)
	require.True(t, ok)
	assert.Equal(t, []float64{30, 10}, v.Float)

	// scatter with a duplicate index accumulates
	vals := NewConstant(NewValue([]int{3}, []float64{1, 2, 3}))
	scatter := NewConstant(NewIntValue([]int{3}, []int{1, 3, 1}))
	inflated, err := Inflate(vals, scatter, 5, 0)
	require.NoError(t, err)
	env := &Env{}
	out, err := inflated.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 4, 0, 2, 0}, out.Float)
}

func TestTakeOutOfRange(t *testing.T) {
	a := NewConstant(NewValue([]int{2}, []float64{1, 2}))
	idx := NewConstant(NewIntValue([]int{1}, []int{5}))
	taken, err := Take(a, 0, idx)
	require.NoError(t, err, "range errors surface at evaluation")
	_, err = taken.Eval(&Env{})
	assert.Error(t, err)
}

func TestPolyvalLinear(t *testing.T) {
	// two linear 1-D shape functions on [0,1]: 1-x and x
	coeffs := NewConstant(NewValue([]int{2, 2}, []float64{
		1, -1, // 1 - x
		0, 1, // x
	}))
	f, err := Polyval(coeffs, LocalPoints(1), 1)
	require.NoError(t, err)
	v := evalOn(t, f, []float64{0, 0.25, 1}, 1)
	assert.Equal(t, []int{3, 2}, v.Shape)
	assert.InDeltaSlice(t, []float64{1, 0, 0.75, 0.25, 0, 1}, v.Float, 1e-14)
}

func TestLocalGradient(t *testing.T) {
	coeffs := NewConstant(NewValue([]int{2, 2}, []float64{1, -1, 0, 1}))
	f, err := Polyval(coeffs, LocalPoints(1), 1)
	require.NoError(t, err)
	df, err := LocalGradient(f, 1)
	require.NoError(t, err)
	v := evalOn(t, df, []float64{0.5}, 1)
	assert.Equal(t, []int{1, 2, 1}, v.Shape)
	assert.InDeltaSlice(t, []float64{-1, 1}, v.Float, 1e-14)
}

func TestGradientOfPoints(t *testing.T) {
	x := LocalPoints(2)
	dx, err := LocalGradient(x, 2)
	require.NoError(t, err)
	v := evalOn(t, dx, []float64{0.3, 0.7, 0.1, 0.9}, 2)
	assert.Equal(t, []int{2, 2, 2}, v.Shape)
	assert.InDeltaSlice(t, []float64{1, 0, 0, 1, 1, 0, 0, 1}, v.Float, 1e-14)
}

func TestGradProductRule(t *testing.T) {
	// d/dxi (xi * xi) = 2 xi, evaluated through the product rule
	x := LocalPoints(1)
	sq, err := Mul(x, x)
	require.NoError(t, err)
	d, err := LocalGradient(sq, 1)
	require.NoError(t, err)
	v := evalOn(t, d, []float64{0.5, 2}, 1)
	assert.InDeltaSlice(t, []float64{1, 4}, v.Float, 1e-14)
}

func TestGradAgainstScaledGeometry(t *testing.T) {
	// geometry x = 3 xi: df/dx = (df/dxi) / 3
	xi := LocalPoints(1)
	geom, err := Mul(ConstScalar(3), xi)
	require.NoError(t, err)
	f, err := Mul(geom, geom) // f = x^2, df/dx = 2x = 6 xi
	require.NoError(t, err)
	g, err := Grad(f, geom, 1)
	require.NoError(t, err)
	v := evalOn(t, g, []float64{0.5, 1}, 1)
	assert.Equal(t, []int{2, 1, 1}, v.Shape)
	assert.InDeltaSlice(t, []float64{3, 6}, v.Float, 1e-13)
}

func TestJacobianDet(t *testing.T) {
	xi := LocalPoints(2)
	geom, err := Mul(ConstScalar(2), xi)
	require.NoError(t, err)
	det, err := JacobianDet(geom, 2)
	require.NoError(t, err)
	v := evalOn(t, det, []float64{0.5, 0.5, 0.25, 0.75}, 2)
	assert.InDeltaSlice(t, []float64{4, 4}, v.Float, 1e-13)
}

func TestArgDerivative(t *testing.T) {
	// f = 2*u: df/du is the constant 2
	u := NewArgument("u", []int{3})
	f, err := Mul(ConstScalar(2), u)
	require.NoError(t, err)
	df, err := ArgDerivative(f, "u", []int{3})
	require.NoError(t, err)
	env := &Env{Args: map[string]*Value{"u": NewValue([]int{3}, []float64{1, 2, 3})}}
	v, err := df.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 3}, v.Shape)
	assert.InDeltaSlice(t, []float64{2, 0, 0, 0, 2, 0, 0, 0, 2}, v.Float, 1e-14)
}

func TestReplace(t *testing.T) {
	u := NewArgument("u", nil)
	f, err := Add(u, ConstScalar(1))
	require.NoError(t, err)
	g, err := Replace(f, map[string]*Array{"u": ConstScalar(4)})
	require.NoError(t, err)
	v, ok := constValue(g)
	require.True(t, ok, "substituting a constant should fold")
	assert.Equal(t, []float64{5}, v.Float)
}

func TestSimplifySumOfInflate(t *testing.T) {
	vals := NewConstant(NewValue([]int{3}, []float64{1, 2, 3}))
	scatter := NewConstant(NewIntValue([]int{3}, []int{4, 0, 4}))
	inflated, err := Inflate(vals, scatter, 6, 0)
	require.NoError(t, err)
	total, err := Sum(inflated, 0)
	require.NoError(t, err)
	s, err := Simplify(total)
	require.NoError(t, err)
	v, ok := constValue(s)
	require.True(t, ok, "sum over the scattered axis should fold to the sum of values")
	assert.InDeltaSlice(t, []float64{6}, v.Float, 1e-14)
}

func TestSimplifyIdempotent(t *testing.T) {
	// a simplified graph is a fixed point: simplifying again returns the
	// identical interned node
	xi := LocalPoints(2)
	geom, err := Mul(ConstScalar(2), xi)
	require.NoError(t, err)
	det, err := JacobianDet(geom, 2)
	require.NoError(t, err)
	vals := NewConstant(NewValue([]int{3}, []float64{1, 2, 3}))
	scatter := NewConstant(NewIntValue([]int{3}, []int{4, 0, 2}))
	inflated, err := Inflate(vals, scatter, 6, 0)
	require.NoError(t, err)
	u := NewArgument("u", []int{6})
	prod, err := Mul(inflated, u)
	require.NoError(t, err)
	uh, err := Sum(prod, 0)
	require.NoError(t, err)
	f, err := Mul(Sin(uh), det)
	require.NoError(t, err)

	s1, err := Simplify(f)
	require.NoError(t, err)
	s2, err := Simplify(s1)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestSimplifySqueezeInsert(t *testing.T) {
	x := LocalPoints(1)
	in, err := InsertAxis(x, 1)
	require.NoError(t, err)
	sq, err := Squeeze(in, 1)
	require.NoError(t, err)
	s, err := Simplify(sq)
	require.NoError(t, err)
	assert.Same(t, x, s)
}

func TestSelect(t *testing.T) {
	x := LocalPoints(1)
	cond, err := Greater(x, ConstScalar(0))
	require.NoError(t, err)
	f, err := Select(cond, x, Neg(x))
	require.NoError(t, err)
	v := evalOn(t, f, []float64{-2, 3}, 1)
	assert.InDeltaSlice(t, []float64{2, 3}, v.Float, 1e-14)
}

func TestBlocksOfInflate(t *testing.T) {
	vals := NewConstant(NewValue([]int{2}, []float64{7, 8}))
	scatter := NewConstant(NewIntValue([]int{2}, []int{3, 1}))
	inflated, err := Inflate(vals, scatter, 5, 0)
	require.NoError(t, err)

	blocks := Blocks(inflated)
	require.Len(t, blocks, 1)
	require.NotNil(t, blocks[0].Indices[0])
	iv, err := blocks[0].Indices[0].Eval(&Env{})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, iv.Int)
	vv, err := blocks[0].Values.Eval(&Env{})
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8}, vv.Float)
}

func TestBlocksOfOuterProduct(t *testing.T) {
	// the shape of a mass-matrix integrand: two scattered factors on
	// separate axes, combined through inserted broadcast axes
	vi := NewConstant(NewValue([]int{2}, []float64{1, 2}))
	di := NewConstant(NewIntValue([]int{2}, []int{0, 3}))
	fi, err := Inflate(vi, di, 5, 0)
	require.NoError(t, err)

	vj := NewConstant(NewValue([]int{2}, []float64{10, 20}))
	dj := NewConstant(NewIntValue([]int{2}, []int{1, 4}))
	fj, err := Inflate(vj, dj, 5, 0)
	require.NoError(t, err)

	fix, err := InsertAxis(fi, 1) // (5,1)
	require.NoError(t, err)
	fjx, err := InsertAxis(fj, 0) // (1,5)
	require.NoError(t, err)
	outer, err := Mul(fix, fjx) // (5,5)
	require.NoError(t, err)

	blocks := Blocks(outer)
	require.Len(t, blocks, 1)
	b := blocks[0]
	require.NotNil(t, b.Indices[0])
	require.NotNil(t, b.Indices[1])

	env := &Env{}
	iv0, err := b.Indices[0].Eval(env)
	require.NoError(t, err)
	iv1, err := b.Indices[1].Eval(env)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, iv0.Int)
	assert.Equal(t, []int{1, 4}, iv1.Int)

	vv, err := b.Values.Eval(env)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, vv.Shape)
	assert.InDeltaSlice(t, []float64{10, 20, 20, 40}, vv.Float, 1e-14)
}

func TestBlocksDenseFallback(t *testing.T) {
	x := LocalPoints(1)
	blocks := Blocks(x)
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].allDense())
	assert.Same(t, x, blocks[0].Values)
}

func TestElemData(t *testing.T) {
	table := [][]float64{{1, 2}, {3, 4}}
	node := NewElemData("coef", []int{2}, Float, func(ielem int) (*Value, error) {
		return NewValue([]int{2}, table[ielem]), nil
	})
	v, err := node.Eval(&Env{Elem: 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4}, v.Float)

	other := NewElemData("coef", []int{2}, Float, func(ielem int) (*Value, error) {
		return NewValue([]int{2}, table[ielem]), nil
	})
	assert.NotSame(t, node, other, "each table lookup is a distinct node")
}

func TestDeterminantGram(t *testing.T) {
	// a 2x1 embedding column (3,4): sqrt(det(J^T J)) = 5
	j := NewConstant(NewValue([]int{2, 1}, []float64{3, 4}))
	det, err := Determinant(j)
	require.NoError(t, err)
	v, ok := constValue(det)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{5}, v.Float, 1e-14)
}
