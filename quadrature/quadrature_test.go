package quadrature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// integrate x^p over the rule's domain
func monomial1D(r Rule, p int) float64 {
	total := 0.0
	for i := 0; i < r.NPoints(); i++ {
		total += r.Weights[i] * math.Pow(r.Point(i)[0], float64(p))
	}
	return total
}

func TestGaussLegendreExactness(t *testing.T) {
	for n := 1; n <= 6; n++ {
		x, w := GaussLegendre(n)
		require.Len(t, x, n)
		r := Rule{Ndims: 1, Points: x, Weights: w}
		// an n-point Gauss rule is exact through degree 2n-1
		for p := 0; p <= 2*n-1; p++ {
			exact := 1 / float64(p+1)
			assert.InDeltaf(t, exact, monomial1D(r, p), 1e-13,
				"n=%d points, degree %d monomial", n, p)
		}
	}
}

func TestGaussNodesInsideDomain(t *testing.T) {
	x, _ := GaussLegendre(5)
	for _, xi := range x {
		assert.Greater(t, xi, 0.0)
		assert.Less(t, xi, 1.0)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("gauss7")
	require.NoError(t, err)
	assert.Equal(t, Scheme{Kind: "gauss", Degree: 7}, s)

	s, err = Parse("bezier4")
	require.NoError(t, err)
	assert.Equal(t, Scheme{Kind: "bezier", Degree: 4}, s)

	s, err = Parse("vertex")
	require.NoError(t, err)
	assert.Equal(t, "vertex", s.Kind)

	_, err = Parse("gauss")
	assert.Error(t, err)
	_, err = Parse("chebyshev3")
	assert.Error(t, err)
	_, err = Parse("bezier1")
	assert.Error(t, err)
}

func TestUniformAndBezier(t *testing.T) {
	r, err := Line(Scheme{Kind: "uniform", Degree: 4})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.125, 0.375, 0.625, 0.875}, r.Points)
	assert.InDelta(t, 1.0, monomial1D(r, 0), 1e-15)

	r, err = Line(Scheme{Kind: "bezier", Degree: 3})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.5, 1}, r.Points)
	assert.Nil(t, r.Weights)
}

func TestTensorProduct(t *testing.T) {
	line, err := Line(Scheme{Kind: "gauss", Degree: 3})
	require.NoError(t, err)
	sq := Tensor(line, line)
	assert.Equal(t, 2, sq.Ndims)
	assert.Equal(t, 4, sq.NPoints())

	// integrate x^3 * y^2 over the unit square: 1/4 * 1/3
	total := 0.0
	for k := 0; k < sq.NPoints(); k++ {
		p := sq.Point(k)
		total += sq.Weights[k] * p[0] * p[0] * p[0] * p[1] * p[1]
	}
	assert.InDelta(t, 1.0/12.0, total, 1e-14)
}

func TestTriangleRule(t *testing.T) {
	r, err := Triangle(Scheme{Kind: "gauss", Degree: 4})
	require.NoError(t, err)

	// area of the unit triangle
	area := 0.0
	for k := 0; k < r.NPoints(); k++ {
		area += r.Weights[k]
		p := r.Point(k)
		assert.GreaterOrEqual(t, p[0], 0.0)
		assert.GreaterOrEqual(t, p[1], 0.0)
		assert.LessOrEqual(t, p[0]+p[1], 1.0+1e-14)
	}
	assert.InDelta(t, 0.5, area, 1e-14)

	// integrate x*y over the triangle: 1/24
	total := 0.0
	for k := 0; k < r.NPoints(); k++ {
		p := r.Point(k)
		total += r.Weights[k] * p[0] * p[1]
	}
	assert.InDelta(t, 1.0/24.0, total, 1e-14)
}

func TestTetrahedronRule(t *testing.T) {
	r, err := Tetrahedron(Scheme{Kind: "gauss", Degree: 3})
	require.NoError(t, err)

	vol := 0.0
	for k := 0; k < r.NPoints(); k++ {
		vol += r.Weights[k]
		p := r.Point(k)
		assert.LessOrEqual(t, p[0]+p[1]+p[2], 1.0+1e-14)
	}
	assert.InDelta(t, 1.0/6.0, vol, 1e-14)
}
