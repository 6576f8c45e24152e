package quadrature

import (
	"fmt"
	"strconv"
	"strings"
)

// Rule is a set of integration points with weights on a reference domain.
// Points are stored row-major, npoints rows of ndims coordinates each. For
// sampling schemes (uniform, bezier, vertex) the weights are nil.
type Rule struct {
	Ndims   int
	Points  []float64
	Weights []float64
}

// NPoints returns the number of points in the rule.
func (r Rule) NPoints() int {
	if r.Ndims == 0 {
		return len(r.Points)
	}
	return len(r.Points) / r.Ndims
}

// Point returns the coordinates of point i.
func (r Rule) Point(i int) []float64 {
	return r.Points[i*r.Ndims : (i+1)*r.Ndims]
}

// Scheme names a point-set family with a degree parameter.
type Scheme struct {
	Kind   string // "gauss", "uniform", "bezier" or "vertex"
	Degree int
}

// Parse splits a scheme string such as "gauss7", "uniform3", "bezier4" or
// "vertex" into its family and degree.
func Parse(s string) (Scheme, error) {
	i := 0
	for i < len(s) && (s[i] < '0' || s[i] > '9') {
		i++
	}
	kind := strings.ToLower(s[:i])
	switch kind {
	case "gauss", "uniform", "bezier":
		if i == len(s) {
			return Scheme{}, fmt.Errorf("quadrature: scheme %q needs a degree", s)
		}
	case "vertex":
		if i != len(s) {
			return Scheme{}, fmt.Errorf("quadrature: scheme %q takes no degree", s)
		}
		return Scheme{Kind: "vertex"}, nil
	default:
		return Scheme{}, fmt.Errorf("quadrature: unknown scheme %q", s)
	}
	deg, err := strconv.Atoi(s[i:])
	if err != nil || deg < 0 {
		return Scheme{}, fmt.Errorf("quadrature: invalid degree in %q", s)
	}
	if kind == "bezier" && deg < 2 {
		return Scheme{}, fmt.Errorf("quadrature: bezier needs at least 2 points per edge")
	}
	return Scheme{Kind: kind, Degree: deg}, nil
}

// Point0D is the trivial rule on the zero-dimensional reference.
func Point0D() Rule {
	return Rule{Ndims: 0, Points: []float64{}, Weights: []float64{1}}
}

// Line builds the rule for the unit interval. Gauss rules integrate
// polynomials up to the scheme degree exactly; uniform places midpoints of
// equal subintervals; bezier places degree equispaced points including the
// endpoints; vertex places the endpoints.
func Line(s Scheme) (Rule, error) {
	switch s.Kind {
	case "gauss":
		n := s.Degree/2 + 1
		x, w := GaussLegendre(n)
		return Rule{Ndims: 1, Points: x, Weights: w}, nil
	case "uniform":
		n := s.Degree
		if n < 1 {
			return Rule{}, fmt.Errorf("quadrature: uniform needs at least one point")
		}
		x := make([]float64, n)
		w := make([]float64, n)
		for i := 0; i < n; i++ {
			x[i] = (float64(i) + 0.5) / float64(n)
			w[i] = 1 / float64(n)
		}
		return Rule{Ndims: 1, Points: x, Weights: w}, nil
	case "bezier":
		n := s.Degree
		x := make([]float64, n)
		for i := 0; i < n; i++ {
			x[i] = float64(i) / float64(n-1)
		}
		return Rule{Ndims: 1, Points: x}, nil
	case "vertex":
		return Rule{Ndims: 1, Points: []float64{0, 1}}, nil
	}
	return Rule{}, fmt.Errorf("quadrature: unknown scheme kind %q", s.Kind)
}

// Tensor combines two rules into their tensor product, with a's axes
// leading. Weights multiply; if either factor is a sampling rule the
// product is one too.
func Tensor(a, b Rule) Rule {
	na, nb := a.NPoints(), b.NPoints()
	nd := a.Ndims + b.Ndims
	out := Rule{Ndims: nd, Points: make([]float64, na*nb*nd)}
	if a.Weights != nil && b.Weights != nil {
		out.Weights = make([]float64, na*nb)
	}
	for i := 0; i < na; i++ {
		for j := 0; j < nb; j++ {
			k := i*nb + j
			copy(out.Points[k*nd:], a.Point(i))
			copy(out.Points[k*nd+a.Ndims:], b.Point(j))
			if out.Weights != nil {
				out.Weights[k] = a.Weights[i] * b.Weights[j]
			}
		}
	}
	return out
}

// Triangle builds a rule on the unit triangle {x+y<=1, x,y>=0} by the
// Duffy transform of the square rule: (x,y) -> (x, y*(1-x)) with the
// Jacobian factor 1-x folded into the weights. Sampling schemes map the
// square grid the same way, which keeps points inside the simplex.
func Triangle(s Scheme) (Rule, error) {
	line, err := Line(s)
	if err != nil {
		return Rule{}, err
	}
	sq := Tensor(line, line)
	out := Rule{Ndims: 2, Points: make([]float64, len(sq.Points))}
	if sq.Weights != nil {
		out.Weights = make([]float64, len(sq.Weights))
	}
	for k := 0; k < sq.NPoints(); k++ {
		x, y := sq.Points[2*k], sq.Points[2*k+1]
		out.Points[2*k] = x
		out.Points[2*k+1] = y * (1 - x)
		if out.Weights != nil {
			out.Weights[k] = sq.Weights[k] * (1 - x)
		}
	}
	return out, nil
}

// Tetrahedron builds a rule on the unit tetrahedron by a double Duffy
// collapse of the cube rule.
func Tetrahedron(s Scheme) (Rule, error) {
	line, err := Line(s)
	if err != nil {
		return Rule{}, err
	}
	cube := Tensor(Tensor(line, line), line)
	out := Rule{Ndims: 3, Points: make([]float64, len(cube.Points))}
	if cube.Weights != nil {
		out.Weights = make([]float64, len(cube.Weights))
	}
	for k := 0; k < cube.NPoints(); k++ {
		x, y, z := cube.Points[3*k], cube.Points[3*k+1], cube.Points[3*k+2]
		// collapse onto {x+y+z<=1}
		py := y * (1 - x)
		pz := z * (1 - x - py)
		out.Points[3*k] = x
		out.Points[3*k+1] = py
		out.Points[3*k+2] = pz
		if out.Weights != nil {
			out.Weights[k] = cube.Weights[k] * (1 - x) * (1 - x - py)
		}
	}
	return out, nil
}
