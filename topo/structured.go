package topo

import (
	"fmt"

	"github.com/calmech/fem/basis"
	"github.com/calmech/fem/expr"
)

// Structured is a regular grid of hypercube elements, optionally periodic
// per axis, at a refinement level above its root grid. Element order is
// row-major over the grid multi-index.
type Structured struct {
	shape    []int  // elements per axis at this level
	periodic []bool // per axis
	level    int    // refinement level; shape = rootshape << level
	groups   map[string]Topology
}

// NewStructured builds the level-0 grid.
func NewStructured(shape []int, periodic []int) (*Structured, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("%w: structured topology needs at least one axis", ErrTopology)
	}
	per := make([]bool, len(shape))
	for _, axis := range periodic {
		if axis < 0 || axis >= len(shape) {
			return nil, fmt.Errorf("%w: periodic axis %d out of range", ErrTopology, axis)
		}
		per[axis] = true
	}
	for axis, n := range shape {
		if n < 1 {
			return nil, fmt.Errorf("%w: axis %d has %d elements", ErrTopology, axis, n)
		}
	}
	return &Structured{shape: append([]int{}, shape...), periodic: per}, nil
}

func (s *Structured) Len() int {
	n := 1
	for _, d := range s.shape {
		n *= d
	}
	return n
}

func (s *Structured) NDims() int { return len(s.shape) }

// Shape returns the per-axis element counts.
func (s *Structured) Shape() []int { return append([]int{}, s.shape...) }

func (s *Structured) unravel(i int) []int {
	idx := make([]int, len(s.shape))
	for axis := len(s.shape) - 1; axis >= 0; axis-- {
		idx[axis] = i % s.shape[axis]
		i /= s.shape[axis]
	}
	return idx
}

func (s *Structured) ravel(idx []int) int {
	i := 0
	for axis, c := range idx {
		i = i*s.shape[axis] + c
	}
	return i
}

// rootShape is the grid shape at level 0.
func (s *Structured) rootShape() []int {
	out := make([]int, len(s.shape))
	for axis, n := range s.shape {
		out[axis] = n >> s.level
	}
	return out
}

// elemTrans builds the transform chain of a grid cell: the level-0 root
// cell followed by one binary child descent per level.
func (s *Structured) elemTrans(idx []int) Transform {
	nd := len(s.shape)
	root := make([]int, nd)
	for axis, c := range idx {
		root[axis] = c >> s.level
	}
	rootshape := s.rootShape()
	flat := 0
	for axis, c := range root {
		flat = flat*rootshape[axis] + c
	}
	trans := Transform{Root{Ndims: nd, ID: flat}}
	for l := s.level - 1; l >= 0; l-- {
		offset := make([]int, nd)
		for axis, c := range idx {
			offset[axis] = (c >> l) & 1
		}
		trans = append(trans, Child{Offset: offset})
	}
	return trans
}

// vertexID numbers grid vertices row-major, wrapping periodic axes.
func (s *Structured) vertexID(v []int) int {
	id := 0
	for axis, c := range v {
		n := s.shape[axis]
		var nv int
		if s.periodic[axis] {
			nv = n
			c = c % n
		} else {
			nv = n + 1
		}
		id = id*nv + c
	}
	return id
}

func (s *Structured) Elem(i int) Element {
	idx := s.unravel(i)
	nd := len(s.shape)
	ref := Hypercube(nd)
	// vertices in tensor factor-major order: axis 0 slowest
	nverts := 1 << nd
	verts := make([]int, nverts)
	for v := 0; v < nverts; v++ {
		corner := make([]int, nd)
		for axis := 0; axis < nd; axis++ {
			corner[axis] = idx[axis] + (v>>(nd-1-axis))&1
		}
		verts[v] = s.vertexID(corner)
	}
	return Element{Ref: ref, Trans: s.elemTrans(idx), Verts: verts}
}

func (s *Structured) Group(name string) (Topology, bool) {
	sub, ok := s.groups[name]
	return sub, ok
}

func (s *Structured) WithGroup(name string, sub Topology) Topology {
	groups := make(map[string]Topology, len(s.groups)+1)
	for k, v := range s.groups {
		groups[k] = v
	}
	groups[name] = sub
	out := *s
	out.groups = groups
	return &out
}

// sideNames follows the conventional per-axis naming of grid sides.
var sideNames = [][2]string{{"left", "right"}, {"bottom", "top"}, {"front", "back"}}

// Boundary returns the non-periodic grid faces, grouped by side name.
func (s *Structured) Boundary() (Topology, error) {
	var belems []Element
	sides := make(map[string][]Element)
	nd := len(s.shape)
	for axis := 0; axis < nd; axis++ {
		if s.periodic[axis] {
			continue
		}
		if axis >= len(sideNames) {
			return nil, fmt.Errorf("%w: no side naming beyond 3 axes", ErrTopology)
		}
		for side := 0; side < 2; side++ {
			name := sideNames[axis][side]
			var here []Element
			for i := 0; i < s.Len(); i++ {
				idx := s.unravel(i)
				onSide := idx[axis] == 0
				if side == 1 {
					onSide = idx[axis] == s.shape[axis]-1
				}
				if !onSide {
					continue
				}
				e := s.Elem(i)
				// hypercube edge numbering: 2 per axis, low side first
				eref, eitem := e.Ref.Edge(2*axis + side)
				local := e.Ref.EdgeVertices(2*axis + side)
				verts := make([]int, len(local))
				for j, l := range local {
					verts[j] = e.Verts[l]
				}
				be := Element{Ref: eref, Trans: Concat(e.Trans, eitem), Verts: verts}
				here = append(here, be)
			}
			sides[name] = here
			belems = append(belems, here...)
		}
	}
	out, err := NewGeneric(nd-1, belems)
	if err != nil {
		return nil, err
	}
	var top Topology = out
	for name, elems := range sides {
		sub, err := NewGeneric(nd-1, elems)
		if err != nil {
			return nil, err
		}
		top = top.WithGroup(name, sub)
	}
	return top, nil
}

// Interfaces returns the interior grid faces, including the periodic
// wraparound faces.
func (s *Structured) Interfaces() (Topology, error) {
	var ielems []Element
	nd := len(s.shape)
	for axis := 0; axis < nd; axis++ {
		hi := s.shape[axis]
		if !s.periodic[axis] {
			hi--
		}
		for i := 0; i < s.Len(); i++ {
			idx := s.unravel(i)
			if idx[axis] >= hi {
				continue
			}
			// face between cell idx (its high side) and its +1 neighbor
			e := s.Elem(i)
			nidx := append([]int{}, idx...)
			nidx[axis] = (idx[axis] + 1) % s.shape[axis]
			n := s.Elem(s.ravel(nidx))
			_, eitem := e.Ref.Edge(2*axis + 1)
			eref, nitem := n.Ref.Edge(2 * axis)
			local := e.Ref.EdgeVertices(2*axis + 1)
			verts := make([]int, len(local))
			for j, l := range local {
				verts[j] = e.Verts[l]
			}
			ielems = append(ielems, Element{
				Ref:      eref,
				Trans:    Concat(e.Trans, eitem),
				Opposite: Concat(n.Trans, nitem),
				Verts:    verts,
			})
		}
	}
	return NewGeneric(nd-1, ielems)
}

// Refined halves every element per axis, keeping grid regularity.
func (s *Structured) Refined() Topology {
	shape := make([]int, len(s.shape))
	for axis, n := range s.shape {
		shape[axis] = 2 * n
	}
	return &Structured{shape: shape, periodic: s.periodic, level: s.level + 1}
}

func (s *Structured) Basis(kind string, opts BasisOpts) (basis.Basis, error) {
	degree := opts.Degree
	if degree < 1 {
		return nil, fmt.Errorf("%w: basis degree must be positive, got %d", ErrTopology, degree)
	}
	nd := len(s.shape)
	isPeriodic := func(axis int) bool {
		if opts.Periodic != nil {
			for _, a := range opts.Periodic {
				if a == axis {
					return true
				}
			}
			return false
		}
		return s.periodic[axis]
	}

	switch kind {
	case "std", "spline", "bspline":
		starts := make([][]int, nd)
		stops := make([][]int, nd)
		dofsShape := make([]int, nd)
		coeffs := make([][]*expr.Value, nd)
		for axis := 0; axis < nd; axis++ {
			n := s.shape[axis]
			if kind == "std" {
				starts[axis], stops[axis], dofsShape[axis], coeffs[axis] = stdAxis(n, degree, isPeriodic(axis))
			} else {
				starts[axis], stops[axis], dofsShape[axis], coeffs[axis] = splineAxis(n, degree, isPeriodic(axis))
			}
		}
		b, err := basis.NewStructured(s.Shape(), starts, stops, dofsShape, coeffs)
		if err != nil {
			return nil, err
		}
		if opts.RemoveDofs == nil {
			return b, nil
		}
		return s.maskRemoved(b, dofsShape, opts.RemoveDofs)

	case "discont":
		blocks := make([]*expr.Value, s.Len())
		block := bernstein1D(degree)
		full := expr.NewValue([]int{1}, []float64{1})
		for axis := 0; axis < nd; axis++ {
			full = kronValue(full, block)
		}
		for i := range blocks {
			blocks[i] = full
		}
		return basis.NewDiscont(blocks)
	}
	return nil, fmt.Errorf("%w: unknown basis kind %q for a structured topology", ErrTopology, kind)
}

// maskRemoved drops the listed per-axis dofs by masking the tensor basis.
func (s *Structured) maskRemoved(b basis.Basis, dofsShape []int, remove [][]int) (basis.Basis, error) {
	nd := len(dofsShape)
	if len(remove) != nd {
		return nil, fmt.Errorf("%w: removedofs needs one list per axis, got %d for %d axes", ErrTopology, len(remove), nd)
	}
	drop := make([]map[int]bool, nd)
	for axis, list := range remove {
		drop[axis] = make(map[int]bool)
		for _, d := range list {
			if d < 0 {
				d += dofsShape[axis]
			}
			if d < 0 || d >= dofsShape[axis] {
				return nil, fmt.Errorf("%w: removedofs entry out of range on axis %d", ErrTopology, axis)
			}
			drop[axis][d] = true
		}
	}
	var keep []int
	total := b.NDofs()
	for dof := 0; dof < total; dof++ {
		rem := dof
		kept := true
		for axis := nd - 1; axis >= 0; axis-- {
			if drop[axis][rem%dofsShape[axis]] {
				kept = false
				break
			}
			rem /= dofsShape[axis]
		}
		if kept {
			keep = append(keep, dof)
		}
	}
	return basis.NewMasked(b, keep)
}

// kronValue is the row-wise tensor product of coefficient blocks.
func kronValue(a, b *expr.Value) *expr.Value {
	na, nb := a.Shape[0], b.Shape[0]
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
