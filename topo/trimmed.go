package topo

import (
	"fmt"
	"log/slog"

	"github.com/calmech/fem/basis"
	"github.com/calmech/fem/expr"
)

// Trimmed restricts a structured topology to the region where a levelset
// is positive. The cut is resolved on a shared lattice of 2^maxrefine
// sub-cells per axis: a sub-cell belongs to the domain iff the levelset is
// positive at its centroid, so a topology and its complement partition the
// base volume exactly.
type Trimmed struct {
	base      *Structured
	maxrefine int
	kept      []int          // base element indices that survive
	inside    map[int][]bool // per base element: lattice centroid signs; nil means fully inside
	elems     []Element
	groups    map[string]Topology
}

// Trim intersects a topology with {levelset > 0}. The levelset is a scalar
// field over the points axis. Only structured topologies can be trimmed;
// the sub-cell bookkeeping relies on the regular lattice.
func Trim(t Topology, levelset *expr.Array, maxrefine int) (*Trimmed, error) {
	s, ok := t.(*Structured)
	if !ok {
		return nil, fmt.Errorf("%w: trimming is supported on structured grids only, got %T", ErrTopology, t)
	}
	if maxrefine < 0 {
		return nil, fmt.Errorf("%w: maxrefine must be non-negative, got %d", ErrTopology, maxrefine)
	}
	if levelset.NDim() != 1 {
		return nil, fmt.Errorf("%w: levelset must be a scalar field over points, got rank %d", ErrTopology, levelset.NDim())
	}
	nd := s.NDims()
	centroids := leafCentroids(nd, maxrefine)
	tr := &Trimmed{base: s, maxrefine: maxrefine, inside: make(map[int][]bool)}
	for i := 0; i < s.Len(); i++ {
		env := &expr.Env{Points: centroids, Elem: i}
		v, err := levelset.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("evaluating levelset on element %d: %w", i, err)
		}
		signs := v.AsFloat()
		inside := make([]bool, len(signs))
		nin := 0
		for p, f := range signs {
			if f > 0 {
				inside[p] = true
				nin++
			}
		}
		switch {
		case nin == 0:
			// fully outside
		case nin == len(signs):
			tr.kept = append(tr.kept, i)
			tr.inside[i] = nil
		default:
			tr.kept = append(tr.kept, i)
			tr.inside[i] = inside
		}
	}
	tr.buildElems()
	slog.Debug("trimmed topology", "kept", len(tr.kept), "of", s.Len(), "maxrefine", maxrefine)
	return tr, nil
}

// Complement returns the opposite side of the cut, reusing the stored
// centroid signs so that both sides together tile the base exactly.
func (tr *Trimmed) Complement() *Trimmed {
	out := &Trimmed{base: tr.base, maxrefine: tr.maxrefine, inside: make(map[int][]bool)}
	keptSet := make(map[int][]bool, len(tr.kept))
	for _, i := range tr.kept {
		keptSet[i] = tr.inside[i]
	}
	side := 1 << tr.maxrefine
	nleaf := pow(side, tr.base.NDims())
	for i := 0; i < tr.base.Len(); i++ {
		inside, kept := keptSet[i]
		switch {
		case !kept:
			// fully outside the primary: fully inside the complement
			out.kept = append(out.kept, i)
			out.inside[i] = nil
		case inside == nil:
			// fully inside the primary: dropped here
		default:
			flipped := make([]bool, nleaf)
			nin := 0
			for p, in := range inside {
				flipped[p] = !in
				if flipped[p] {
					nin++
				}
			}
			if nin > 0 {
				out.kept = append(out.kept, i)
				out.inside[i] = flipped
			}
		}
	}
	out.buildElems()
	return out
}

// buildElems materializes the kept elements, substituting mosaic references
// for partially cut cells.
func (tr *Trimmed) buildElems() {
	side := 1 << tr.maxrefine
	nd := tr.base.NDims()
	tr.elems = make([]Element, len(tr.kept))
	for k, i := range tr.kept {
		e := tr.base.Elem(i)
		if inside := tr.inside[i]; inside != nil {
			var leaves [][]int
			for p, in := range inside {
				if in {
					leaves = append(leaves, unravelLeaf(p, nd, side))
				}
			}
			e.Ref = MosaicRef{Base: e.Ref, Depth: tr.maxrefine, Leaves: leaves}
			e.Verts = nil // cut cells no longer span their corner vertices
		}
		tr.elems[k] = e
	}
}

func (tr *Trimmed) Len() int           { return len(tr.elems) }
func (tr *Trimmed) NDims() int         { return tr.base.NDims() }
func (tr *Trimmed) Elem(i int) Element { return tr.elems[i] }

func (tr *Trimmed) Group(name string) (Topology, bool) {
	sub, ok := tr.groups[name]
	return sub, ok
}

func (tr *Trimmed) WithGroup(name string, sub Topology) Topology {
	groups := make(map[string]Topology, len(tr.groups)+1)
	for k, v := range tr.groups {
		groups[k] = v
	}
	groups[name] = sub
	out := *tr
	out.groups = groups
	return &out
}

// Boundary collects the lattice facets separating inside sub-cells from
// outside ones (the "trimmed" group) together with the surviving pieces of
// the original grid boundary (under the structured side names).
func (tr *Trimmed) Boundary() (Topology, error) {
	nd := tr.base.NDims()
	side := 1 << tr.maxrefine
	keptSet := make(map[int][]bool, len(tr.kept))
	for _, i := range tr.kept {
		keptSet[i] = tr.inside[i]
	}

	var trimmed []Element
	sides := make(map[string][]Element)
	var all []Element

	for _, i := range tr.kept {
		idx := tr.base.unravel(i)
		e := tr.base.Elem(i)
		inside := tr.inside[i]
		for p := 0; p < pow(side, nd); p++ {
			if inside != nil && !inside[p] {
				continue
			}
			leaf := unravelLeaf(p, nd, side)
			for axis := 0; axis < nd; axis++ {
				for dir := 0; dir < 2; dir++ {
					step := 2*dir - 1 // -1 low side, +1 high side
					nc := leaf[axis] + step
					if nc >= 0 && nc < side {
						// neighbor sub-cell within the same element
						if inside == nil {
							continue
						}
						nleaf := append([]int{}, leaf...)
						nleaf[axis] = nc
						if !inside[ravelLeaf(nleaf, side)] {
							trimmed = append(trimmed, tr.leafFacet(e, leaf, axis, dir))
						}
						continue
					}
					// leaf touches an element face: consult the grid neighbor
					nidx := append([]int{}, idx...)
					nidx[axis] += step
					if nidx[axis] < 0 || nidx[axis] >= tr.base.shape[axis] {
						if !tr.base.periodic[axis] {
							// original domain boundary
							name := sideNames[axis][dir]
							f := tr.leafFacet(e, leaf, axis, dir)
							sides[name] = append(sides[name], f)
							continue
						}
						nidx[axis] = (nidx[axis] + tr.base.shape[axis]) % tr.base.shape[axis]
					}
					ninside, kept := keptSet[tr.base.ravel(nidx)]
					if !kept {
						trimmed = append(trimmed, tr.leafFacet(e, leaf, axis, dir))
						continue
					}
					if ninside == nil {
						continue // neighbor fully inside
					}
					// mirror the leaf across the shared face
					mleaf := append([]int{}, leaf...)
					mleaf[axis] = (side - 1) * (1 - dir)
					if !ninside[ravelLeaf(mleaf, side)] {
						trimmed = append(trimmed, tr.leafFacet(e, leaf, axis, dir))
					}
				}
			}
		}
	}

	sortByKey(trimmed)
	all = append(all, trimmed...)
	for axis := range sideNames {
		if axis >= nd {
			break
		}
		for dir := 0; dir < 2; dir++ {
			sortByKey(sides[sideNames[axis][dir]])
			all = append(all, sides[sideNames[axis][dir]]...)
		}
	}
	out, err := NewGeneric(nd-1, all)
	if err != nil {
		return nil, err
	}
	var top Topology = out
	sub, err := NewGeneric(nd-1, trimmed)
	if err != nil {
		return nil, err
	}
	top = top.WithGroup("trimmed", sub)
	for name, elems := range sides {
		if len(elems) == 0 {
			continue
		}
		sub, err := NewGeneric(nd-1, elems)
		if err != nil {
			return nil, err
		}
		top = top.WithGroup(name, sub)
	}
	return top, nil
}

// leafFacet builds the facet element of one lattice sub-cell face: the cell
// transform, the binary descent to the leaf, then the hypercube edge.
func (tr *Trimmed) leafFacet(e Element, leaf []int, axis, dir int) Element {
	nd := len(leaf)
	trans := e.Trans
	for l := tr.maxrefine - 1; l >= 0; l-- {
		offset := make([]int, nd)
		for a, c := range leaf {
			offset[a] = (c >> l) & 1
		}
		trans = Concat(trans, Child{Offset: offset})
	}
	leafRef := Hypercube(nd)
	eref, eitem := leafRef.Edge(2*axis + dir)
	return Element{Ref: eref, Trans: Concat(trans, eitem)}
}

// Interfaces of the cut topology are the interior grid faces both of whose
// cells survive; faces against cut-away cells belong to Boundary instead.
func (tr *Trimmed) Interfaces() (Topology, error) {
	keptFull := make(map[int]bool, len(tr.kept))
	for _, i := range tr.kept {
		keptFull[i] = tr.inside[i] == nil
	}
	full, err := tr.base.Interfaces()
	if err != nil {
		return nil, err
	}
	edict := Edict(tr.base)
	var ielems []Element
	for i := 0; i < full.Len(); i++ {
		ie := full.Elem(i)
		self, _, ok1 := Lookup(Promote(ie.Trans), edict)
		opp, _, ok2 := Lookup(Promote(ie.Opposite), edict)
		if ok1 && ok2 && keptFull[self] && keptFull[opp] {
			ielems = append(ielems, ie)
		}
	}
	return NewGeneric(tr.NDims()-1, ielems)
}

// Refined is not defined for a cut topology: refine before trimming.
func (tr *Trimmed) Refined() Topology {
	panic("topo: refine the base topology before trimming")
}

// Basis restricts a basis of the underlying grid to the functions with
// support on the surviving elements. The result keeps the base element
// numbering, matching the base mesh geometry, so integrals over the cut
// topology pass the base as parent.
func (tr *Trimmed) Basis(kind string, opts BasisOpts) (basis.Basis, error) {
	b, err := tr.base.Basis(kind, opts)
	if err != nil {
		return nil, err
	}
	keep, err := basis.DofsUnion(b, tr.kept)
	if err != nil {
		return nil, err
	}
	return basis.NewMasked(b, keep)
}

// leafCentroids lists the centroids of the 2^depth lattice sub-cells of the
// unit cube, row-major, as an evaluation point set.
func leafCentroids(nd, depth int) *expr.Value {
	side := 1 << depth
	n := pow(side, nd)
	pts := make([]float64, n*nd)
	for p := 0; p < n; p++ {
		leaf := unravelLeaf(p, nd, side)
		for a, c := range leaf {
			pts[p*nd+a] = (float64(c) + 0.5) / float64(side)
		}
	}
	return expr.NewValue([]int{n, nd}, pts)
}

func unravelLeaf(p, nd, side int) []int {
	leaf := make([]int, nd)
	for a := nd - 1; a >= 0; a-- {
		leaf[a] = p % side
		p /= side
	}
	return leaf
}

func ravelLeaf(leaf []int, side int) int {
	p := 0
	for _, c := range leaf {
		p = p*side + c
	}
	return p
}

func pow(b, e int) int {
	out := 1
	for i := 0; i < e; i++ {
		out *= b
	}
	return out
}
