package topo

import (
	"fmt"
	"sort"

	"github.com/calmech/fem/basis"
	"github.com/calmech/fem/expr"
)

// Hierarchical is a topology mixing several refinement depths of a common
// base: per level it keeps a subset of the fully refined grid, and the
// union of kept elements covers the base domain exactly once.
type Hierarchical struct {
	base   Topology
	levels []Topology // levels[l] is the base refined l times, in full
	active [][]int    // per level: kept element indices into levels[l]
	elems  []Element  // kept elements flattened in level order
	edict  map[string]int
	groups map[string]Topology
}

// NewHierarchical wraps per-level selections. active[l] indexes into the
// l-times refined base.
func NewHierarchical(base Topology, active [][]int) (*Hierarchical, error) {
	h := &Hierarchical{base: base, active: active}
	level := base
	for l, sel := range active {
		h.levels = append(h.levels, level)
		for _, i := range sel {
			if i < 0 || i >= level.Len() {
				return nil, fmt.Errorf("%w: level %d selection index %d out of range", ErrTopology, l, i)
			}
			h.elems = append(h.elems, level.Elem(i))
		}
		if l+1 < len(active) {
			level = level.Refined()
		}
	}
	h.edict = make(map[string]int, len(h.elems))
	for i, e := range h.elems {
		h.edict[e.Trans.Key()] = i
	}
	return h, nil
}

// RefinedBy refines the marked elements of a topology one level, keeping
// the rest, yielding a two-level hierarchical topology. Refining a
// hierarchical topology extends the level stack.
func RefinedBy(base Topology, marked []int) (*Hierarchical, error) {
	if h, ok := base.(*Hierarchical); ok {
		return h.refinedBy(marked)
	}
	markedSet := make(map[int]bool, len(marked))
	for _, i := range marked {
		if i < 0 || i >= base.Len() {
			return nil, fmt.Errorf("%w: marked element %d out of range", ErrTopology, i)
		}
		markedSet[i] = true
	}
	var keep0 []int
	for i := 0; i < base.Len(); i++ {
		if !markedSet[i] {
			keep0 = append(keep0, i)
		}
	}
	refined := base.Refined()
	baseEdict := Edict(base)
	var keep1 []int
	for i := 0; i < refined.Len(); i++ {
		parent, tail, ok := Lookup(refined.Elem(i).Trans, baseEdict)
		if ok && len(tail) > 0 && markedSet[parent] {
			keep1 = append(keep1, i)
		}
	}
	return NewHierarchical(base, [][]int{keep0, keep1})
}

// refinedBy further refines marked elements of an existing hierarchy.
func (h *Hierarchical) refinedBy(marked []int) (*Hierarchical, error) {
	markedSet := make(map[int]bool, len(marked))
	for _, i := range marked {
		if i < 0 || i >= len(h.elems) {
			return nil, fmt.Errorf("%w: marked element %d out of range", ErrTopology, i)
		}
		markedSet[i] = true
	}
	nlev := len(h.active)
	active := make([][]int, nlev+1)
	// flat index bookkeeping mirrors the constructor's level order
	flat := 0
	markedKeys := make(map[string]bool)
	for l := 0; l < nlev; l++ {
		for _, i := range h.active[l] {
			if markedSet[flat] {
				markedKeys[h.levels[l].Elem(i).Trans.Key()] = true
			} else {
				active[l] = append(active[l], i)
			}
			flat++
		}
	}
	// children of marked elements land one level deeper
	for l := 0; l < nlev; l++ {
		finer := h.levels[l].Refined()
		for i := 0; i < finer.Len(); i++ {
			trans := finer.Elem(i).Trans
			if len(trans) > 1 && markedKeys[trans[:len(trans)-1].Key()] {
				active[l+1] = append(active[l+1], i)
			}
		}
	}
	for l := range active {
		sort.Ints(active[l])
	}
	if len(active[nlev]) == 0 {
		active = active[:nlev]
	}
	return NewHierarchical(h.base, active)
}

func (h *Hierarchical) Len() int           { return len(h.elems) }
func (h *Hierarchical) NDims() int         { return h.base.NDims() }
func (h *Hierarchical) Elem(i int) Element { return h.elems[i] }

func (h *Hierarchical) Group(name string) (Topology, bool) {
	sub, ok := h.groups[name]
	return sub, ok
}

func (h *Hierarchical) WithGroup(name string, sub Topology) Topology {
	groups := make(map[string]Topology, len(h.groups)+1)
	for k, v := range h.groups {
		groups[k] = v
	}
	groups[name] = sub
	out := *h
	out.groups = groups
	return &out
}

func (h *Hierarchical) Refined() Topology {
	all := make([]int, len(h.elems))
	for i := range all {
		all[i] = i
	}
	out, err := h.refinedBy(all)
	if err != nil {
		panic(err)
	}
	return out
}

// Boundary keeps, per level, the boundary facets whose cell is selected at
// that level.
func (h *Hierarchical) Boundary() (Topology, error) {
	var belems []Element
	for _, level := range h.levels {
		lb, err := level.Boundary()
		if err != nil {
			return nil, err
		}
		for i := 0; i < lb.Len(); i++ {
			be := lb.Elem(i)
			cell := Promote(be.Trans)
			if _, ok := h.edict[cell.Key()]; ok {
				belems = append(belems, be)
			}
		}
	}
	return NewGeneric(h.NDims()-1, belems)
}

// Interfaces keeps the facets whose own cell is selected and whose
// neighbor is selected at this or a coarser level (the finer side owns the
// facet, preventing duplicates).
func (h *Hierarchical) Interfaces() (Topology, error) {
	var ielems []Element
	for _, level := range h.levels {
		li, err := level.Interfaces()
		if err != nil {
			return nil, err
		}
		for i := 0; i < li.Len(); i++ {
			ie := li.Elem(i)
			cell := Promote(ie.Trans)
			opp := Promote(ie.Opposite)
			_, selfIn := h.edict[cell.Key()]
			_, _, oppReach := Lookup(opp, h.edict)
			_, oppIn := h.edict[opp.Key()]
			_, _, selfReach := Lookup(cell, h.edict)
			if selfIn && oppReach || oppIn && selfReach {
				ielems = append(ielems, ie)
			}
		}
	}
	return NewGeneric(h.NDims()-1, ielems)
}

// collectEntry accumulates an element's hierarchical dofs and coefficient
// rows, expressed in the element's own local frame.
type collectEntry struct {
	dofs []int
	rows []*expr.Value // one (deg+1,...) block per dof
}

// Basis combines per-level bases under the refinement law: a level-l
// function is kept iff at least one selected level-l element supports it
// directly (touched) and no selected element finer than level l overlaps
// its support (supported).
func (h *Hierarchical) Basis(kind string, opts BasisOpts) (basis.Basis, error) {
	collect := make(map[string]*collectEntry)
	ndofs := 0
	remaining := len(h.elems)

	for l, level := range h.levels {
		bl, err := level.Basis(kind, opts)
		if err != nil {
			return nil, err
		}
		touched := make([]bool, bl.NDofs())
		supported := make([]bool, bl.NDofs())
		for d := range supported {
			supported[d] = true
		}
		type myElem struct {
			trans Transform
			dofs  []int
			coefs *expr.Value
		}
		var myelems []myElem

		for i := 0; i < level.Len(); i++ {
			trans := level.Elem(i).Trans
			dofs, err := bl.Dofs(i)
			if err != nil {
				return nil, err
			}
			_, tail, reach := Lookup(trans, h.edict)
			switch {
			case reach && len(tail) == 0: // selected at exactly this level
				remaining--
				for _, d := range dofs {
					touched[d] = true
				}
				coefs, err := bl.Coefficients(i)
				if err != nil {
					return nil, err
				}
				myelems = append(myelems, myElem{trans, dofs, coefs})
			case reach: // finer than a selected element
				for _, d := range dofs {
					supported[d] = false
				}
			default: // coarser than the selection: pass dofs down
				coefs, err := bl.Coefficients(i)
				if err != nil {
					return nil, err
				}
				myelems = append(myelems, myElem{trans, dofs, coefs})
			}
		}

		keep := make([]bool, bl.NDofs())
		renumber := make([]int, bl.NDofs())
		for d := range keep {
			keep[d] = touched[d] && supported[d]
			if keep[d] {
				renumber[d] = ndofs
				ndofs++
			}
		}

		for _, me := range myelems {
			entry := &collectEntry{}
			for r, d := range me.dofs {
				if !keep[d] {
					continue
				}
				row, err := me.coefs.TakeRows([]int{r})
				if err != nil {
					return nil, err
				}
				entry.dofs = append(entry.dofs, renumber[d])
				entry.rows = append(entry.rows, expr.NewValue(row.Shape[1:], row.AsFloat()))
			}
			if l > 0 {
				parent := me.trans[:len(me.trans)-1]
				if old, ok := collect[parent.Key()]; ok {
					scale, shift, err := childAffine(me.trans[len(me.trans)-1])
					if err != nil {
						return nil, err
					}
					for r, row := range old.rows {
						lifted := substituteRows(row, scale, shift)
						entry.dofs = append(entry.dofs, old.dofs[r])
						entry.rows = append(entry.rows, lifted)
					}
				}
			}
			collect[me.trans.Key()] = entry
		}

		if remaining == 0 {
			break
		}
	}
	if remaining != 0 {
		return nil, fmt.Errorf("%w: %d elements unreachable while building the hierarchical basis", ErrTopology, remaining)
	}

	dofs := make([][]int, len(h.elems))
	coeffs := make([]*expr.Value, len(h.elems))
	for i, e := range h.elems {
		entry, ok := collect[e.Trans.Key()]
		if !ok {
			return nil, fmt.Errorf("%w: element %d missing from the hierarchical collection", ErrTopology, i)
		}
		d, c, err := sortedRows(entry)
		if err != nil {
			return nil, err
		}
		dofs[i] = d
		coeffs[i] = c
	}
	return basis.NewPlain(ndofs, dofs, coeffs)
}

// childAffine extracts the per-axis scale and shift of a child descent.
func childAffine(item TransformItem) ([]float64, []float64, error) {
	c, ok := item.(Child)
	if !ok {
		return nil, nil, fmt.Errorf("%w: hierarchical descent through %s is not a binary subdivision", ErrTopology, item)
	}
	scale := make([]float64, len(c.Offset))
	shift := make([]float64, len(c.Offset))
	for i, o := range c.Offset {
		scale[i] = 0.5
		shift[i] = float64(o) / 2
	}
	return scale, shift, nil
}

// substituteRows reparametrizes a single coefficient block (no dof axis)
// under the per-axis affine substitution.
func substituteRows(row *expr.Value, scale, shift []float64) *expr.Value {
	withRow := expr.NewValue(append([]int{1}, row.Shape...), row.AsFloat())
	out := transformCoeffs(withRow, scale, shift)
	return expr.NewValue(out.Shape[1:], out.AsFloat())
}

// sortedRows orders an entry's dofs increasing with matching rows stacked
// into one block.
func sortedRows(entry *collectEntry) ([]int, *expr.Value, error) {
	n := len(entry.dofs)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return entry.dofs[order[a]] < entry.dofs[order[b]] })
	dofs := make([]int, n)
	var data []float64
	var inner []int
	for r, o := range order {
		dofs[r] = entry.dofs[o]
		if inner == nil {
			inner = entry.rows[o].Shape
		}
		data = append(data, entry.rows[o].AsFloat()...)
	}
	shape := append([]int{n}, inner...)
	return dofs, expr.NewValue(shape, data), nil
}
