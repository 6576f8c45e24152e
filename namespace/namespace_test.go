package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/mesh"
)

// lineNS binds the unit-line geometry x and the scalar field f = x.
func lineNS(t *testing.T) *Namespace {
	t.Helper()
	m, err := mesh.UnitLine(2)
	require.NoError(t, err)
	ns := New()
	require.NoError(t, ns.SetGeometry("x", m.Geom, 1))
	f, err := expr.Squeeze(m.Geom, 1)
	require.NoError(t, err)
	require.NoError(t, ns.Set("f", f))
	return ns
}

// evalAt evaluates on element 0 of the two-element unit line at local 0.5,
// i.e. at x = 0.25.
func evalAt(t *testing.T, f *expr.Array) []float64 {
	t.Helper()
	env := &expr.Env{Points: expr.NewValue([]int{1, 1}, []float64{0.5}), Elem: 0}
	v, err := f.Eval(env)
	require.NoError(t, err)
	return v.AsFloat()
}

func TestEvalArithmetic(t *testing.T) {
	ns := lineNS(t)

	f, err := ns.Eval("2 + 3")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{5}, evalAt(t, f), 1e-12)

	// juxtaposition binds tighter than addition
	f, err = ns.Eval("1 + 2 3")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{7}, evalAt(t, f), 1e-12)

	f, err = ns.Eval("-f + 1 / 2")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25}, evalAt(t, f), 1e-12)
}

func TestEvalContraction(t *testing.T) {
	ns := lineNS(t)
	require.NoError(t, ns.Set("A", expr.NewConstant(expr.NewValue([]int{2, 2}, []float64{1, 2, 3, 4}))))
	require.NoError(t, ns.Set("v", expr.NewConstant(expr.NewValue([]int{2}, []float64{5, 7}))))

	f, err := ns.Eval("A_ii")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{5}, evalAt(t, f), 1e-12)

	f, err = ns.Eval("A_ij A_ij")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{30}, evalAt(t, f), 1e-12)

	f, err = ns.Eval("A_ij v_j")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{19, 43}, evalAt(t, f), 1e-12)

	// swapped subscripts contract against the other axis
	f, err = ns.Eval("A_ji v_j")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{26, 38}, evalAt(t, f), 1e-12)
}

func TestEvalFreeIndexOrder(t *testing.T) {
	ns := lineNS(t)
	require.NoError(t, ns.Set("A", expr.NewConstant(expr.NewValue([]int{2, 2}, []float64{1, 2, 3, 4}))))

	// free indices sort alphabetically, so A_ji is the transpose
	f, err := ns.Eval("A_ji")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 3, 2, 4}, evalAt(t, f), 1e-12)
}

func TestEvalGradient(t *testing.T) {
	ns := lineNS(t)

	// df/dx = 1 regardless of the element scaling
	f, err := ns.Eval("f_,i")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1}, evalAt(t, f), 1e-12)

	// gradients attach to symbols: bind g = f f, then d(x.x)/dx = 2x
	g, err := ns.Eval("f f")
	require.NoError(t, err)
	require.NoError(t, ns.Set("g", g))
	f, err = ns.Eval("g_,i")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5}, evalAt(t, f), 1e-12)

	// geometry gradient is the identity
	f, err = ns.Eval("x_i,j")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1}, evalAt(t, f), 1e-12)

	// divergence of the geometry equals the dimension
	f, err = ns.Eval("x_i,i")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1}, evalAt(t, f), 1e-12)
}

func TestEvalFunctions(t *testing.T) {
	ns := lineNS(t)
	f, err := ns.Eval("sin(f) sin(f) + cos(f) cos(f)")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1}, evalAt(t, f), 1e-12)

	f, err = ns.Eval("sqrt(f f)")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.25}, evalAt(t, f), 1e-12)
}

func TestEvalErrors(t *testing.T) {
	ns := lineNS(t)
	require.NoError(t, ns.Set("v", expr.NewConstant(expr.NewValue([]int{2}, []float64{1, 2}))))

	for _, src := range []string{
		"unknown",     // unbound symbol
		"v_i v_i v_i", // index summed twice
		"v_i + f",     // mismatched free indices
		"v_ij",        // too many indices
		"v_i / v_i",   // non-scalar divisor
		"f @ f",       // stray character
		"(f",          // unbalanced parenthesis
		"f_",          // empty subscript
		"f +",         // dangling operator
	} {
		_, err := ns.Eval(src)
		assert.ErrorIs(t, err, ErrParse, "source %q", src)
	}
}

func TestEvalArguments(t *testing.T) {
	ns := lineNS(t)
	require.NoError(t, ns.SetArg("c", nil))
	f, err := ns.Eval("c f")
	require.NoError(t, err)
	env := &expr.Env{
		Points: expr.NewValue([]int{1, 1}, []float64{0.5}),
		Elem:   0,
		Args:   map[string]*expr.Value{"c": expr.Scalar(3)},
	}
	v, err := f.Eval(env)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.75}, v.AsFloat(), 1e-12)
}
