package basis

import (
	"fmt"
	"sort"

	"github.com/calmech/fem/expr"
)

// MaskedBasis restricts a parent basis to a strictly increasing subset of
// its dofs, renumbering them consecutively in the induced order.
type MaskedBasis struct {
	parent Basis
	keep   []int // parent dof numbers, strictly increasing
}

// NewMasked keeps the parent dofs listed in keep.
func NewMasked(parent Basis, keep []int) (*MaskedBasis, error) {
	if err := checkIncreasing(keep, parent.NDofs()); err != nil {
		return nil, err
	}
	return &MaskedBasis{parent: parent, keep: keep}, nil
}

// NewMaskedBool keeps the parent dofs where the mask holds.
func NewMaskedBool(parent Basis, mask []bool) (*MaskedBasis, error) {
	if len(mask) != parent.NDofs() {
		return nil, fmt.Errorf("%w: mask length %d, want %d dofs", ErrValue, len(mask), parent.NDofs())
	}
	var keep []int
	for d, m := range mask {
		if m {
			keep = append(keep, d)
		}
	}
	return NewMasked(parent, keep)
}

func (b *MaskedBasis) NDofs() int  { return len(b.keep) }
func (b *MaskedBasis) NElems() int { return b.parent.NElems() }

// renumber maps a parent dof to its masked number, or -1 if dropped.
func (b *MaskedBasis) renumber(dof int) int {
	i := sort.SearchInts(b.keep, dof)
	if i < len(b.keep) && b.keep[i] == dof {
		return i
	}
	return -1
}

func (b *MaskedBasis) Dofs(ielem int) ([]int, error) {
	parent, err := b.parent.Dofs(ielem)
	if err != nil {
		return nil, err
	}
	var dofs []int
	for _, d := range parent {
		if r := b.renumber(d); r >= 0 {
			dofs = append(dofs, r)
		}
	}
	return dofs, nil
}

func (b *MaskedBasis) Coefficients(ielem int) (*expr.Value, error) {
	parent, err := b.parent.Dofs(ielem)
	if err != nil {
		return nil, err
	}
	coeffs, err := b.parent.Coefficients(ielem)
	if err != nil {
		return nil, err
	}
	var rows []int
	for i, d := range parent {
		if b.renumber(d) >= 0 {
			rows = append(rows, i)
		}
	}
	return coeffs.TakeRows(rows)
}

func (b *MaskedBasis) Support(dof int) ([]int, error) {
	if err := checkDof(b, dof); err != nil {
		return nil, err
	}
	return b.parent.Support(b.keep[dof])
}

// PrunedBasis restricts a parent basis to a subset of elements, dropping
// and renumbering the dofs that lose all support.
type PrunedBasis struct {
	parent   Basis
	transmap []int // kept parent element numbers, strictly increasing
	dofmap   []int // kept parent dof numbers, strictly increasing
}

// NewPruned keeps the parent elements listed in transmap and the dofs they
// touch.
func NewPruned(parent Basis, transmap []int) (*PrunedBasis, error) {
	if err := checkIncreasing(transmap, parent.NElems()); err != nil {
		return nil, err
	}
	dofmap, err := DofsUnion(parent, transmap)
	if err != nil {
		return nil, err
	}
	return &PrunedBasis{parent: parent, transmap: transmap, dofmap: dofmap}, nil
}

func (b *PrunedBasis) NDofs() int  { return len(b.dofmap) }
func (b *PrunedBasis) NElems() int { return len(b.transmap) }

func (b *PrunedBasis) Dofs(ielem int) ([]int, error) {
	if err := checkElem(b, ielem); err != nil {
		return nil, err
	}
	parent, err := b.parent.Dofs(b.transmap[ielem])
	if err != nil {
		return nil, err
	}
	dofs := make([]int, len(parent))
	for i, d := range parent {
		j := sort.SearchInts(b.dofmap, d)
		if j == len(b.dofmap) || b.dofmap[j] != d {
			return nil, fmt.Errorf("%w: parent dof %d missing from pruned numbering", ErrIndex, d)
		}
		dofs[i] = j
	}
	return dofs, nil
}

func (b *PrunedBasis) Coefficients(ielem int) (*expr.Value, error) {
	if err := checkElem(b, ielem); err != nil {
		return nil, err
	}
	return b.parent.Coefficients(b.transmap[ielem])
}

func (b *PrunedBasis) Support(dof int) ([]int, error) {
	if err := checkDof(b, dof); err != nil {
		return nil, err
	}
	parent, err := b.parent.Support(b.dofmap[dof])
	if err != nil {
		return nil, err
	}
	var sup []int
	for _, e := range parent {
		i := sort.SearchInts(b.transmap, e)
		if i < len(b.transmap) && b.transmap[i] == e {
			sup = append(sup, i)
		}
	}
	return sup, nil
}
