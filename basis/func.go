package basis

import (
	"fmt"

	"github.com/calmech/fem/expr"
)

// Func lowers a basis into the expression graph: the shape functions of
// the current element evaluated at the local points and scattered into the
// global dof axis. degShape gives the per-axis coefficient block lengths
// (degree+1 per local dimension); every element must produce blocks with
// these trailing axes.
//
// The resulting array has shape (npoints, NDofs) and is the sparsity
// carrier that assembly decomposes into blocks.
func Func(b Basis, ndims int, degShape []int) (*expr.Array, error) {
	if len(degShape) != ndims {
		return nil, fmt.Errorf("%w: %d coefficient axes for %d local dimensions", ErrValue, len(degShape), ndims)
	}
	coeffShape := append([]int{expr.VarLen}, degShape...)
	coeffs := expr.NewElemData("basiscoeffs", coeffShape, expr.Float, func(ielem int) (*expr.Value, error) {
		c, err := b.Coefficients(ielem)
		if err != nil {
			return nil, err
		}
		for i, want := range degShape {
			if c.Shape[1+i] != want {
				return nil, fmt.Errorf("%w: element %d coefficient shape %v, want trailing %v", ErrValue, ielem, c.Shape, degShape)
			}
		}
		return c, nil
	})
	dofs := expr.NewElemData("basisdofs", []int{expr.VarLen}, expr.Int, func(ielem int) (*expr.Value, error) {
		d, err := b.Dofs(ielem)
		if err != nil {
			return nil, err
		}
		return expr.NewIntValue([]int{len(d)}, d), nil
	})
	shapes, err := expr.Polyval(coeffs, expr.LocalPoints(ndims), ndims)
	if err != nil {
		return nil, err
	}
	return expr.Inflate(shapes, dofs, b.NDofs(), 1)
}
