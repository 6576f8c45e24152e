package basis

import (
	"fmt"
	"sort"
	"sync"

	"github.com/calmech/fem/expr"
)

// PlainBasis holds explicit per-element dof and coefficient tables.
type PlainBasis struct {
	ndofs  int
	dofs   [][]int
	coeffs []*expr.Value

	supportOnce sync.Once
	support     [][]int
	supportErr  error
}

// NewPlain validates the tables: one coefficient block per element, rows
// matching the dof count, dofs strictly increasing within range.
func NewPlain(ndofs int, dofs [][]int, coeffs []*expr.Value) (*PlainBasis, error) {
	if len(dofs) != len(coeffs) {
		return nil, fmt.Errorf("%w: %d dof rows, %d coefficient blocks", ErrValue, len(dofs), len(coeffs))
	}
	for e, row := range dofs {
		if err := checkIncreasing(row, ndofs); err != nil {
			return nil, fmt.Errorf("element %d: %w", e, err)
		}
		if coeffs[e].NDim() < 1 || coeffs[e].Shape[0] != len(row) {
			return nil, fmt.Errorf("%w: element %d has %d dofs but coefficient shape %v", ErrValue, e, len(row), coeffs[e].Shape)
		}
	}
	return &PlainBasis{ndofs: ndofs, dofs: dofs, coeffs: coeffs}, nil
}

func (b *PlainBasis) NDofs() int  { return b.ndofs }
func (b *PlainBasis) NElems() int { return len(b.dofs) }

func (b *PlainBasis) Dofs(ielem int) ([]int, error) {
	if err := checkElem(b, ielem); err != nil {
		return nil, err
	}
	return b.dofs[ielem], nil
}

func (b *PlainBasis) Coefficients(ielem int) (*expr.Value, error) {
	if err := checkElem(b, ielem); err != nil {
		return nil, err
	}
	return b.coeffs[ielem], nil
}

func (b *PlainBasis) Support(dof int) ([]int, error) {
	if err := checkDof(b, dof); err != nil {
		return nil, err
	}
	b.supportOnce.Do(func() {
		b.support, b.supportErr = scanSupport(b)
	})
	if b.supportErr != nil {
		return nil, b.supportErr
	}
	return b.support[dof], nil
}

// DiscontBasis numbers dofs contiguously per element: element e owns dofs
// [offsets[e], offsets[e+1]). Support is a binary search.
type DiscontBasis struct {
	offsets []int
	coeffs  []*expr.Value
}

// NewDiscont builds a discontinuous basis from per-element coefficient
// blocks; dof counts follow the leading axes.
func NewDiscont(coeffs []*expr.Value) (*DiscontBasis, error) {
	offsets := make([]int, len(coeffs)+1)
	for e, c := range coeffs {
		if c.NDim() < 1 {
			return nil, fmt.Errorf("%w: element %d has scalar coefficients", ErrValue, e)
		}
		offsets[e+1] = offsets[e] + c.Shape[0]
	}
	return &DiscontBasis{offsets: offsets, coeffs: coeffs}, nil
}

func (b *DiscontBasis) NDofs() int  { return b.offsets[len(b.offsets)-1] }
func (b *DiscontBasis) NElems() int { return len(b.coeffs) }

func (b *DiscontBasis) Dofs(ielem int) ([]int, error) {
	if err := checkElem(b, ielem); err != nil {
		return nil, err
	}
	dofs := make([]int, b.offsets[ielem+1]-b.offsets[ielem])
	for i := range dofs {
		dofs[i] = b.offsets[ielem] + i
	}
	return dofs, nil
}

func (b *DiscontBasis) Coefficients(ielem int) (*expr.Value, error) {
	if err := checkElem(b, ielem); err != nil {
		return nil, err
	}
	return b.coeffs[ielem], nil
}

func (b *DiscontBasis) Support(dof int) ([]int, error) {
	if err := checkDof(b, dof); err != nil {
		return nil, err
	}
	e := sort.Search(len(b.coeffs), func(i int) bool { return b.offsets[i+1] > dof })
	return []int{e}, nil
}
