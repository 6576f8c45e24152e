package basis

import (
	"fmt"
	"sort"

	"github.com/calmech/fem/expr"
)

// StructuredBasis is the tensor product of per-axis 1-D bases over a
// structured grid: dofs of a grid element are the outer sum of per-axis
// local dof ranges, with wraparound modulo for periodic axes.
type StructuredBasis struct {
	nelems    []int           // elements per axis
	startDofs [][]int         // per axis, per element: first axis dof
	stopDofs  [][]int         // per axis, per element: one past the last
	dofsShape []int           // axis dofs, the wraparound modulus
	coeffs    [][]*expr.Value // per axis, per element: (nlocal, degree+1)
}

// NewStructured assembles the per-axis tables. Along each axis, element e
// activates axis dofs [start[e], stop[e]) taken modulo the axis dof count,
// with the coefficient block rows in that (pre-modulo) order.
func NewStructured(nelems []int, startDofs, stopDofs [][]int, dofsShape []int, coeffs [][]*expr.Value) (*StructuredBasis, error) {
	nd := len(nelems)
	if len(startDofs) != nd || len(stopDofs) != nd || len(dofsShape) != nd || len(coeffs) != nd {
		return nil, fmt.Errorf("%w: axis table counts disagree", ErrValue)
	}
	for axis := 0; axis < nd; axis++ {
		n := nelems[axis]
		if len(startDofs[axis]) != n || len(stopDofs[axis]) != n || len(coeffs[axis]) != n {
			return nil, fmt.Errorf("%w: axis %d tables have wrong length", ErrValue, axis)
		}
		for e := 0; e < n; e++ {
			nloc := stopDofs[axis][e] - startDofs[axis][e]
			if nloc <= 0 {
				return nil, fmt.Errorf("%w: axis %d element %d has no dofs", ErrValue, axis, e)
			}
			if coeffs[axis][e].NDim() != 2 || coeffs[axis][e].Shape[0] != nloc {
				return nil, fmt.Errorf("%w: axis %d element %d coefficient shape %v, want %d rows", ErrValue, axis, e, coeffs[axis][e].Shape, nloc)
			}
		}
	}
	return &StructuredBasis{nelems: nelems, startDofs: startDofs, stopDofs: stopDofs, dofsShape: dofsShape, coeffs: coeffs}, nil
}

func (b *StructuredBasis) NDofs() int {
	n := 1
	for _, s := range b.dofsShape {
		n *= s
	}
	return n
}

func (b *StructuredBasis) NElems() int {
	n := 1
	for _, s := range b.nelems {
		n *= s
	}
	return n
}

func (b *StructuredBasis) unravel(ielem int) []int {
	idx := make([]int, len(b.nelems))
	for axis := len(b.nelems) - 1; axis >= 0; axis-- {
		idx[axis] = ielem % b.nelems[axis]
		ielem /= b.nelems[axis]
	}
	return idx
}

// axisDofs returns the (pre-sort) dof numbers of one axis element,
// wrapping periodic overflow.
func (b *StructuredBasis) axisDofs(axis, e int) []int {
	out := make([]int, b.stopDofs[axis][e]-b.startDofs[axis][e])
	for i := range out {
		out[i] = (b.startDofs[axis][e] + i) % b.dofsShape[axis]
	}
	return out
}

func (b *StructuredBasis) Dofs(ielem int) ([]int, error) {
	dofs, _, err := b.dofsAndOrder(ielem)
	return dofs, err
}

// dofsAndOrder computes the sorted dof list and the permutation mapping
// sorted positions to tensor-order rows.
func (b *StructuredBasis) dofsAndOrder(ielem int) ([]int, []int, error) {
	if err := checkElem(b, ielem); err != nil {
		return nil, nil, err
	}
	idx := b.unravel(ielem)
	flat := []int{0}
	for axis, e := range idx {
		ax := b.axisDofs(axis, e)
		next := make([]int, 0, len(flat)*len(ax))
		for _, f := range flat {
			for _, d := range ax {
				next = append(next, f*b.dofsShape[axis]+d)
			}
		}
		flat = next
	}
	order := make([]int, len(flat))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return flat[order[i]] < flat[order[j]] })
	dofs := make([]int, len(flat))
	for i, o := range order {
		dofs[i] = flat[o]
	}
	return dofs, order, nil
}

func (b *StructuredBasis) Coefficients(ielem int) (*expr.Value, error) {
	_, order, err := b.dofsAndOrder(ielem)
	if err != nil {
		return nil, err
	}
	idx := b.unravel(ielem)

	// tensor product of the per-axis blocks, rows in tensor order
	block := expr.NewValue([]int{1}, []float64{1})
	for axis, e := range idx {
		block = kron2(block, b.coeffs[axis][e])
	}
	return block.TakeRows(order)
}

// kron2 combines (na, sa...) with (nb, p) into (na*nb, sa..., p): rows
// multiply pairwise, trailing axes stack.
func kron2(a, b *expr.Value) *expr.Value {
	na := a.Shape[0]
	nb := b.Shape[0]
	innerA := a.Size() / na
	innerB := b.Size() / nb
	shape := append([]int{na * nb}, a.Shape[1:]...)
	shape = append(shape, b.Shape[1:]...)
	out := make([]float64, na*nb*innerA*innerB)
	af, bf := a.AsFloat(), b.AsFloat()
	pos := 0
	for i := 0; i < na; i++ {
		for j := 0; j < nb; j++ {
			for ia := 0; ia < innerA; ia++ {
				for ib := 0; ib < innerB; ib++ {
					out[pos] = af[i*innerA+ia] * bf[j*innerB+ib]
					pos++
				}
			}
		}
	}
	return expr.NewValue(shape, out)
}

func (b *StructuredBasis) Support(dof int) ([]int, error) {
	if err := checkDof(b, dof); err != nil {
		return nil, err
	}
	// per-axis element lists, combined by outer sum into flat indices
	nd := len(b.nelems)
	axdof := make([]int, nd)
	rem := dof
	for axis := nd - 1; axis >= 0; axis-- {
		axdof[axis] = rem % b.dofsShape[axis]
		rem /= b.dofsShape[axis]
	}
	flat := []int{0}
	for axis := 0; axis < nd; axis++ {
		start, stop := b.startDofs[axis], b.stopDofs[axis]
		d := axdof[axis]
		// start and stop are nondecreasing, so the elements whose
		// pre-modulo range covers the dof form one contiguous run, plus
		// a second run for the periodic wrap image
		var elems []int
		lo := sort.SearchInts(stop, d+1)
		hi := sort.SearchInts(start, d+1)
		for e := lo; e < hi; e++ {
			elems = append(elems, e)
		}
		w := d + b.dofsShape[axis]
		wlo := sort.SearchInts(stop, w+1)
		if wlo < hi {
			wlo = hi
		}
		whi := sort.SearchInts(start, w+1)
		for e := wlo; e < whi; e++ {
			elems = append(elems, e)
		}
		next := make([]int, 0, len(flat)*len(elems))
		for _, f := range flat {
			for _, e := range elems {
				next = append(next, f*b.nelems[axis]+e)
			}
		}
		flat = next
	}
	sort.Ints(flat)
	return flat, nil
}
