package topo

import (
	"github.com/calmech/fem/expr"
)

// binomial computes C(n,k) exactly for the small orders used here.
func binomial(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	out := 1.0
	for i := 0; i < k; i++ {
		out = out * float64(n-i) / float64(i+1)
	}
	return out
}

// bernstein1D returns the (p+1, p+1) monomial block of the degree-p
// Bernstein polynomials on [0,1], row k holding B_k.
func bernstein1D(p int) *expr.Value {
	block := make([]float64, (p+1)*(p+1))
	for k := 0; k <= p; k++ {
		for m := k; m <= p; m++ {
			sign := 1.0
			if (m-k)%2 == 1 {
				sign = -1
			}
			block[k*(p+1)+m] = sign * binomial(p, k) * binomial(p-k, m-k)
		}
	}
	return expr.NewValue([]int{p + 1, p + 1}, block)
}

// poly1 is a dense univariate polynomial, coefficient i scaling x^i.
type poly1 []float64

func (a poly1) mulLinear(c0, c1 float64) poly1 {
	out := make(poly1, len(a)+1)
	for i, v := range a {
		out[i] += v * c0
		out[i+1] += v * c1
	}
	return out
}

func (a poly1) add(b poly1) poly1 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(poly1, n)
	copy(out, a)
	for i, v := range b {
		out[i] += v
	}
	return out
}

// splineSpan computes the local monomial pieces of the p+1 B-splines that
// are nonzero on knot span [t[k], t[k+1]), expressed in the local
// coordinate xi with x = t[k] + xi*(t[k+1]-t[k]). Row j corresponds to
// spline k-p+j. Cox-de Boor run with polynomial coefficients.
func splineSpan(t []float64, k, p int) *expr.Value {
	lo, h := t[k], t[k+1]-t[k]
	// N[i] holds the piece of spline k-p+i at the current degree
	n := make([]poly1, p+1)
	for i := range n {
		n[i] = nil
	}
	n[p] = poly1{1}
	for q := 1; q <= p; q++ {
		next := make([]poly1, p+1)
		for j := 0; j <= p; j++ {
			i := k - p + j // spline index
			var acc poly1
			if n[j] != nil {
				// (x - t_i) / (t_{i+q} - t_i)
				den := t[i+q] - t[i]
				if den != 0 {
					acc = acc.add(n[j].mulLinear((lo-t[i])/den, h/den))
				}
			}
			if j+1 <= p && n[j+1] != nil {
				// (t_{i+q+1} - x) / (t_{i+q+1} - t_{i+1})
				den := t[i+q+1] - t[i+1]
				if den != 0 {
					acc = acc.add(n[j+1].mulLinear((t[i+q+1]-lo)/den, -h/den))
				}
			}
			next[j] = acc
		}
		n = next
	}
	block := make([]float64, (p+1)*(p+1))
	for j := 0; j <= p; j++ {
		for m := 0; m <= p; m++ {
			if n[j] != nil && m < len(n[j]) {
				block[j*(p+1)+m] = n[j][m]
			}
		}
	}
	return expr.NewValue([]int{p + 1, p + 1}, block)
}

// splineAxis builds the per-element tables of a degree-p B-spline basis on
// n unit elements along one axis. Open (clamped) knots for a free axis,
// uniform knots for a periodic one.
func splineAxis(n, p int, periodic bool) (start, stop []int, ndofs int, coeffs []*expr.Value) {
	start = make([]int, n)
	stop = make([]int, n)
	coeffs = make([]*expr.Value, n)
	if periodic {
		// cardinal splines: every span sees the same pieces
		t := make([]float64, n+2*p+2)
		for i := range t {
			t[i] = float64(i - p)
		}
		block := splineSpan(t, p, p) // span [0,1)
		for e := 0; e < n; e++ {
			start[e] = e
			stop[e] = e + p + 1
			coeffs[e] = block
		}
		return start, stop, n, coeffs
	}
	t := make([]float64, n+2*p+1)
	for i := range t {
		switch {
		case i < p:
			t[i] = 0
		case i > n+p:
			t[i] = float64(n)
		default:
			t[i] = float64(i - p)
		}
	}
	for e := 0; e < n; e++ {
		start[e] = e
		stop[e] = e + p + 1
		coeffs[e] = splineSpan(t, e+p, p)
	}
	return start, stop, n + p, coeffs
}

// stdAxis builds the per-element tables of the degree-p C0 (Bernstein)
// basis on n unit elements along one axis.
func stdAxis(n, p int, periodic bool) (start, stop []int, ndofs int, coeffs []*expr.Value) {
	start = make([]int, n)
	stop = make([]int, n)
	coeffs = make([]*expr.Value, n)
	block := bernstein1D(p)
	for e := 0; e < n; e++ {
		start[e] = p * e
		stop[e] = p*e + p + 1
		coeffs[e] = block
	}
	if periodic {
		return start, stop, p * n, coeffs
	}
	return start, stop, p*n + 1, coeffs
}

// transformCoeffs reparametrizes a tensor monomial block under a per-axis
// affine substitution x_d = scale_d*xi_d + shift_d. Used to express coarse
// shape functions in the local frame of a refinement descendant.
func transformCoeffs(block *expr.Value, scale, shift []float64) *expr.Value {
	out := block
	for axis := range scale {
		out = substituteAxis(out, axis+1, scale[axis], shift[axis])
	}
	return out
}

// substituteAxis rewrites coefficient axis `axis` (1-based past the dof
// row axis) under x = a*xi + b: new_c[m] = sum_{k>=m} c[k]*C(k,m)*a^m*b^(k-m).
func substituteAxis(v *expr.Value, axis int, a, b float64) *expr.Value {
	shape := v.Shape
	deg := shape[axis]
	outer, inner := 1, 1
	for _, s := range shape[:axis] {
		outer *= s
	}
	for _, s := range shape[axis+1:] {
		inner *= s
	}
	src := v.AsFloat()
	out := make([]float64, len(src))
	pw := func(x float64, n int) float64 {
		r := 1.0
		for i := 0; i < n; i++ {
			r *= x
		}
		return r
	}
	for o := 0; o < outer; o++ {
		for m := 0; m < deg; m++ {
			for in := 0; in < inner; in++ {
				acc := 0.0
				for k := m; k < deg; k++ {
					acc += src[(o*deg+k)*inner+in] * binomial(k, m) * pw(a, m) * pw(b, k-m)
				}
				out[(o*deg+m)*inner+in] = acc
			}
		}
	}
	return expr.NewValue(append([]int{}, shape...), out)
}
