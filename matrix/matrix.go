// Package matrix stores assembled rank-2 integrals in compressed sparse
// row form and solves constrained linear systems on them.
package matrix

import (
	"errors"
	"fmt"
	"math"

	"github.com/james-bowman/sparse"

	"github.com/calmech/fem/assemble"
)

// ErrSingular reports a system the iterative solver cannot reduce.
var ErrSingular = errors.New("matrix: singular system")

// Matrix is a sparse square or rectangular matrix.
type Matrix struct {
	csr  *sparse.CSR
	rows int
	cols int
}

// Assemble converts a rank-2 assembly result.
func Assemble(a *assemble.Assembled) (*Matrix, error) {
	if len(a.Shape) != 2 {
		return nil, fmt.Errorf("matrix: assembled result has rank %d, want 2", len(a.Shape))
	}
	coo := sparse.NewCOO(a.Shape[0], a.Shape[1], a.Index[0], a.Index[1], a.Data)
	return &Matrix{csr: coo.ToCSR(), rows: a.Shape[0], cols: a.Shape[1]}, nil
}

// New builds a matrix from explicit coordinate data.
func New(rows, cols int, ri, ci []int, data []float64) *Matrix {
	coo := sparse.NewCOO(rows, cols, ri, ci, data)
	return &Matrix{csr: coo.ToCSR(), rows: rows, cols: cols}
}

// Dims returns the matrix dimensions.
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// At returns one entry.
func (m *Matrix) At(i, j int) float64 { return m.csr.At(i, j) }

// MulVec computes y = A x.
func (m *Matrix) MulVec(x []float64) ([]float64, error) {
	if len(x) != m.cols {
		return nil, fmt.Errorf("matrix: vector length %d, want %d", len(x), m.cols)
	}
	y := make([]float64, m.rows)
	m.csr.DoNonZero(func(i, j int, v float64) {
		y[i] += v * x[j]
	})
	return y, nil
}

// RowSupp flags the rows carrying an entry above the drop tolerance,
// identifying the dofs a residual vector actually constrains.
func (m *Matrix) RowSupp(droptol float64) []bool {
	supp := make([]bool, m.rows)
	m.csr.DoNonZero(func(i, j int, v float64) {
		if math.Abs(v) > droptol {
			supp[i] = true
		}
	})
	return supp
}

// SolveOpts tunes the conjugate gradient solve.
type SolveOpts struct {
	// Atol is the absolute residual tolerance (default 1e-10).
	Atol float64
	// MaxIter bounds the iterations (default 10 n).
	MaxIter int
}

// Solve finds x with A x = b on the free dofs, subject to x = cons on the
// constrained ones. cons marks free dofs with NaN. The matrix must be
// symmetric positive definite on the free set; conjugate gradients
// otherwise fail with ErrSingular.
func (m *Matrix) Solve(b []float64, cons []float64, opts SolveOpts) ([]float64, error) {
	if m.rows != m.cols {
		return nil, fmt.Errorf("matrix: cannot solve a %dx%d system", m.rows, m.cols)
	}
	n := m.rows
	if len(b) != n {
		return nil, fmt.Errorf("matrix: right-hand side length %d, want %d", len(b), n)
	}
	free := make([]bool, n)
	x := make([]float64, n)
	nfree := 0
	for i := 0; i < n; i++ {
		c := math.NaN()
		if cons != nil {
			if len(cons) != n {
				return nil, fmt.Errorf("matrix: constraint length %d, want %d", len(cons), n)
			}
			c = cons[i]
		}
		if math.IsNaN(c) {
			free[i] = true
			nfree++
		} else {
			x[i] = c
		}
	}
	if nfree == 0 {
		return x, nil
	}

	atol := opts.Atol
	if atol <= 0 {
		atol = 1e-10
	}
	maxiter := opts.MaxIter
	if maxiter <= 0 {
		maxiter = 10 * n
	}

	mulFree := func(v []float64) []float64 {
		y := make([]float64, n)
		m.csr.DoNonZero(func(i, j int, a float64) {
			if free[i] && free[j] {
				y[i] += a * v[j]
			}
		})
		return y
	}

	// residual of the lifted system: b - A x with x holding the
	// constrained values and zero on the free part
	r := make([]float64, n)
	ax, err := m.MulVec(x)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if free[i] {
			r[i] = b[i] - ax[i]
		}
	}

	p := append([]float64{}, r...)
	rr := dot(r, r)
	if math.Sqrt(rr) <= atol {
		return x, nil
	}
	for iter := 0; iter < maxiter; iter++ {
		ap := mulFree(p)
		pap := dot(p, ap)
		if pap <= 0 {
			return nil, fmt.Errorf("%w: conjugate gradients broke down at iteration %d", ErrSingular, iter)
		}
		alpha := rr / pap
		for i := 0; i < n; i++ {
			if free[i] {
				x[i] += alpha * p[i]
				r[i] -= alpha * ap[i]
			}
		}
		rrNext := dot(r, r)
		if math.Sqrt(rrNext) <= atol {
			return x, nil
		}
		beta := rrNext / rr
		rr = rrNext
		for i := 0; i < n; i++ {
			if free[i] {
				p[i] = r[i] + beta*p[i]
			}
		}
	}
	return nil, fmt.Errorf("%w: no convergence within %d iterations, residual %g", ErrSingular, maxiter, math.Sqrt(rr))
}

func dot(a, b []float64) float64 {
	out := 0.0
	for i, v := range a {
		out += v * b[i]
	}
	return out
}
