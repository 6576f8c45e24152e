// Package basis implements finite-element basis function families: maps
// from an element index to its active degrees of freedom and the local
// polynomial coefficients of the corresponding shape functions.
//
// Coefficients are monomial blocks of shape (ndofs_on_elem, degree+1, ...)
// with one trailing axis per local dimension, evaluated by expr.Polyval.
// The rows of the coefficient block match the order of Dofs.
package basis

import (
	"errors"
	"fmt"
	"sort"

	"github.com/calmech/fem/expr"
)

// ErrIndex is wrapped by failures caused by out-of-range element or dof
// indices.
var ErrIndex = errors.New("index out of range")

// ErrValue is wrapped by failures caused by malformed input values
// (non-monotonic dof tables, mask length mismatches).
var ErrValue = errors.New("invalid value")

// Basis maps elements to active dofs and local shape function coefficients.
type Basis interface {
	// NDofs is the total number of basis functions.
	NDofs() int
	// NElems is the number of elements covered.
	NElems() int
	// Dofs returns the active dof indices on an element, sorted strictly
	// increasing.
	Dofs(ielem int) ([]int, error)
	// Coefficients returns the monomial coefficient block of the element,
	// rows ordered to match Dofs.
	Coefficients(ielem int) (*expr.Value, error)
	// Support returns the elements on which the dof is active, sorted
	// strictly increasing.
	Support(dof int) ([]int, error)
}

func checkElem(b Basis, ielem int) error {
	if ielem < 0 || ielem >= b.NElems() {
		return fmt.Errorf("%w: element %d of %d", ErrIndex, ielem, b.NElems())
	}
	return nil
}

func checkDof(b Basis, dof int) error {
	if dof < 0 || dof >= b.NDofs() {
		return fmt.Errorf("%w: dof %d of %d", ErrIndex, dof, b.NDofs())
	}
	return nil
}

// DofsUnion returns the sorted duplicate-free union of the dofs of the
// given elements.
func DofsUnion(b Basis, elems []int) ([]int, error) {
	seen := make(map[int]struct{})
	for _, e := range elems {
		dofs, err := b.Dofs(e)
		if err != nil {
			return nil, err
		}
		for _, d := range dofs {
			seen[d] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Ints(out)
	return out, nil
}

// DofsMask returns the union of dofs over the elements selected by a
// boolean mask of length NElems.
func DofsMask(b Basis, mask []bool) ([]int, error) {
	if len(mask) != b.NElems() {
		return nil, fmt.Errorf("%w: mask length %d, want %d elements", ErrValue, len(mask), b.NElems())
	}
	var elems []int
	for e, m := range mask {
		if m {
			elems = append(elems, e)
		}
	}
	return DofsUnion(b, elems)
}

// SupportUnion returns the sorted duplicate-free union of supports of the
// given dofs.
func SupportUnion(b Basis, dofs []int) ([]int, error) {
	seen := make(map[int]struct{})
	for _, d := range dofs {
		sup, err := b.Support(d)
		if err != nil {
			return nil, err
		}
		for _, e := range sup {
			seen[e] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Ints(out)
	return out, nil
}

// scanSupport derives dof supports by a single pass over all elements.
func scanSupport(b Basis) ([][]int, error) {
	sup := make([][]int, b.NDofs())
	for e := 0; e < b.NElems(); e++ {
		dofs, err := b.Dofs(e)
		if err != nil {
			return nil, err
		}
		for _, d := range dofs {
			sup[d] = append(sup[d], e)
		}
	}
	return sup, nil
}

func checkIncreasing(dofs []int, ndofs int) error {
	for i, d := range dofs {
		if d < 0 || d >= ndofs {
			return fmt.Errorf("%w: dof %d of %d", ErrIndex, d, ndofs)
		}
		if i > 0 && d <= dofs[i-1] {
			return fmt.Errorf("%w: dof table not strictly increasing at position %d", ErrValue, i)
		}
	}
	return nil
}
