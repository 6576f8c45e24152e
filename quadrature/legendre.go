// Package quadrature provides numerical integration rules on reference
// element coordinates. Points live on the unit interval, square, cube and
// the unit simplices, matching the local coordinate convention of the
// topology package.
package quadrature

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// GaussLegendre computes the n-point Gauss-Legendre rule on [0,1] by the
// Golub-Welsch algorithm: the nodes are the eigenvalues of the symmetric
// tridiagonal Jacobi matrix of the Legendre recurrence, the weights come
// from the first component of each eigenvector.
func GaussLegendre(n int) (points, weights []float64) {
	if n < 1 {
		panic("quadrature: rule needs at least one point")
	}
	if n == 1 {
		return []float64{0.5}, []float64{1}
	}

	// off-diagonal of the Legendre Jacobi matrix: b_i = i/sqrt(4i^2-1);
	// the diagonal is zero by symmetry
	d0 := make([]float64, n)
	d1 := make([]float64, n-1)
	for i := 1; i < n; i++ {
		fi := float64(i)
		d1[i-1] = fi / math.Sqrt(4*fi*fi-1)
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(newSymTriDiagonal(d0, d1), true); !ok {
		panic("quadrature: eigenvalue decomposition failed")
	}
	x := eig.Values(nil)

	vv := mat.NewDense(n, n, nil)
	eig.VectorsTo(vv)

	points = make([]float64, n)
	weights = make([]float64, n)
	for i := 0; i < n; i++ {
		// map [-1,1] to [0,1]; the total weight 2 scales to 1
		points[i] = (x[i] + 1) / 2
		v0 := vv.At(0, i)
		weights[i] = v0 * v0
	}
	return points, weights
}

func newSymTriDiagonal(d0, d1 []float64) *mat.SymDense {
	n := len(d0)
	dd := make([]float64, n*n)
	for i := 0; i < n; i++ {
		dd[i*n+i] = d0[i]
		if i < n-1 {
			dd[i*n+i+1] = d1[i]
		}
	}
	return mat.NewSymDense(n, dd)
}
