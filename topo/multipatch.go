package topo

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/calmech/fem/basis"
	"github.com/calmech/fem/expr"
)

// PatchSpec declares one patch of a multipatch topology: its corner vertex
// ids in tensor order (axis 0 slowest, 2^ndims entries) and its grid shape.
type PatchSpec struct {
	Corners []int
	Shape   []int
}

// Multipatch glues structured patches along faces with matching corner
// vertices. Grid vertices are identified across patches by their exact
// rational position between the shared corners, so conforming faces merge
// regardless of the patches' local orientations.
type Multipatch struct {
	ndims   int
	patches []*Structured
	specs   []PatchSpec
	elems   []Element
	offsets []int // flat element offset per patch
	groups  map[string]Topology
}

// NewMultipatch assembles the patches. All patches must share the
// dimension, and faces glued together must carry conforming grids.
func NewMultipatch(specs []PatchSpec) (*Multipatch, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: multipatch needs at least one patch", ErrTopology)
	}
	nd := len(specs[0].Shape)
	m := &Multipatch{ndims: nd, specs: specs}
	rootOffset := 0
	vertIDs := newKeyNumbering()
	for pi, spec := range specs {
		if len(spec.Shape) != nd {
			return nil, fmt.Errorf("%w: patch %d has %d axes, want %d", ErrTopology, pi, len(spec.Shape), nd)
		}
		if len(spec.Corners) != 1<<nd {
			return nil, fmt.Errorf("%w: patch %d has %d corners, want %d", ErrTopology, pi, len(spec.Corners), 1<<nd)
		}
		s, err := NewStructured(spec.Shape, nil)
		if err != nil {
			return nil, err
		}
		m.patches = append(m.patches, s)
		m.offsets = append(m.offsets, len(m.elems))
		for i := 0; i < s.Len(); i++ {
			e := s.Elem(i)
			e.Trans = reroot(e.Trans, rootOffset)
			idx := s.unravel(i)
			verts := make([]int, 1<<nd)
			for v := range verts {
				num := make([]int, nd)
				den := make([]int, nd)
				for axis := 0; axis < nd; axis++ {
					num[axis] = idx[axis] + (v>>(nd-1-axis))&1
					den[axis] = spec.Shape[axis]
				}
				verts[v] = vertIDs.id(positionKey(spec.Corners, num, den))
			}
			e.Verts = verts
			m.elems = append(m.elems, e)
		}
		rootOffset += s.Len()
	}
	return m, nil
}

// reroot shifts the root id of a transform chain into a globally unique
// range.
func reroot(trans Transform, offset int) Transform {
	out := append(Transform{}, trans...)
	root := out[0].(Root)
	root.ID += offset
	out[0] = root
	return out
}

// positionKey renders the exact barycentric combination of patch corners at
// the grid position num/den. Positions on a shared face reduce to the same
// key from either side.
func positionKey(corners []int, num, den []int) string {
	type term struct {
		corner int
		w, d   int
	}
	var terms []term
	nd := len(num)
	for v, c := range corners {
		w, d := 1, 1
		for axis := 0; axis < nd; axis++ {
			if (v>>(nd-1-axis))&1 == 1 {
				w *= num[axis]
			} else {
				w *= den[axis] - num[axis]
			}
			d *= den[axis]
		}
		if w == 0 {
			continue
		}
		g := gcd(w, d)
		terms = append(terms, term{corner: c, w: w / g, d: d / g})
	}
	sort.Slice(terms, func(i, j int) bool { return terms[i].corner < terms[j].corner })
	var sb strings.Builder
	for _, t := range terms {
		sb.WriteString(strconv.Itoa(t.corner))
		sb.WriteByte('*')
		sb.WriteString(strconv.Itoa(t.w))
		sb.WriteByte('/')
		sb.WriteString(strconv.Itoa(t.d))
		sb.WriteByte(';')
	}
	return sb.String()
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// keyNumbering hands out consecutive ids in order of first appearance.
type keyNumbering struct {
	ids map[string]int
}

func newKeyNumbering() *keyNumbering { return &keyNumbering{ids: make(map[string]int)} }

func (k *keyNumbering) id(key string) int {
	if id, ok := k.ids[key]; ok {
		return id
	}
	id := len(k.ids)
	k.ids[key] = id
	return id
}

func (m *Multipatch) Len() int           { return len(m.elems) }
func (m *Multipatch) NDims() int         { return m.ndims }
func (m *Multipatch) Elem(i int) Element { return m.elems[i] }

func (m *Multipatch) Group(name string) (Topology, bool) {
	sub, ok := m.groups[name]
	return sub, ok
}

func (m *Multipatch) WithGroup(name string, sub Topology) Topology {
	groups := make(map[string]Topology, len(m.groups)+1)
	for k, v := range m.groups {
		groups[k] = v
	}
	groups[name] = sub
	out := *m
	out.groups = groups
	return &out
}

// Patch returns the flat element range of one patch as a generic topology.
func (m *Multipatch) Patch(i int) (Topology, error) {
	if i < 0 || i >= len(m.patches) {
		return nil, fmt.Errorf("%w: patch %d out of range", ErrTopology, i)
	}
	lo := m.offsets[i]
	hi := len(m.elems)
	if i+1 < len(m.offsets) {
		hi = m.offsets[i+1]
	}
	return NewGeneric(m.ndims, m.elems[lo:hi])
}

// Boundary and Interfaces fall back on vertex-based facet matching; the
// merged vertex numbering makes patch seams interior automatically.
func (m *Multipatch) Boundary() (Topology, error) {
	g, err := NewGeneric(m.ndims, m.elems)
	if err != nil {
		return nil, err
	}
	return g.Boundary()
}

func (m *Multipatch) Interfaces() (Topology, error) {
	g, err := NewGeneric(m.ndims, m.elems)
	if err != nil {
		return nil, err
	}
	return g.Interfaces()
}

func (m *Multipatch) Refined() Topology {
	specs := make([]PatchSpec, len(m.specs))
	for i, spec := range m.specs {
		shape := make([]int, len(spec.Shape))
		for a, n := range spec.Shape {
			shape[a] = 2 * n
		}
		specs[i] = PatchSpec{Corners: spec.Corners, Shape: shape}
	}
	out, err := NewMultipatch(specs)
	if err != nil {
		panic(err)
	}
	return out
}

// Basis supports the tensor C0 basis with optional continuity across patch
// seams, per-element discontinuous bases, and one constant per patch.
func (m *Multipatch) Basis(kind string, opts BasisOpts) (basis.Basis, error) {
	switch kind {
	case "std", "spline":
		return m.stdBasis(opts)
	case "discont":
		coeffs := make([]*expr.Value, len(m.elems))
		block := bernstein1D(opts.Degree)
		for pi, patch := range m.patches {
			full := expr.NewValue([]int{1}, []float64{1})
			for axis := 0; axis < m.ndims; axis++ {
				full = kronValue(full, block)
			}
			for i := 0; i < patch.Len(); i++ {
				coeffs[m.offsets[pi]+i] = full
			}
		}
		return basis.NewDiscont(coeffs)
	case "patch":
		return m.patchBasis()
	}
	return nil, fmt.Errorf("%w: unknown basis kind %q for a multipatch topology", ErrTopology, kind)
}

// patchBasis attaches a single constant function to every patch.
func (m *Multipatch) patchBasis() (basis.Basis, error) {
	dofs := make([][]int, len(m.elems))
	coeffs := make([]*expr.Value, len(m.elems))
	shape := []int{1}
	for axis := 0; axis < m.ndims; axis++ {
		shape = append(shape, 1)
	}
	block := expr.NewValue(shape, []float64{1})
	for pi, patch := range m.patches {
		for i := 0; i < patch.Len(); i++ {
			dofs[m.offsets[pi]+i] = []int{pi}
			coeffs[m.offsets[pi]+i] = block
		}
	}
	return basis.NewPlain(len(m.patches), dofs, coeffs)
}

// stdBasis builds the per-patch tensor Bernstein basis. With
// PatchContinuous set, dofs on patch faces merge by their rational
// position between the shared corners.
func (m *Multipatch) stdBasis(opts BasisOpts) (basis.Basis, error) {
	p := opts.Degree
	if p < 1 {
		return nil, fmt.Errorf("%w: basis degree must be positive, got %d", ErrTopology, p)
	}
	nd := m.ndims
	dofIDs := newKeyNumbering()
	dofs := make([][]int, len(m.elems))
	coeffs := make([]*expr.Value, len(m.elems))

	for pi, patch := range m.patches {
		pb, err := patch.Basis("std", BasisOpts{Degree: p})
		if err != nil {
			return nil, err
		}
		spec := m.specs[pi]
		dofsShape := make([]int, nd)
		for axis, n := range spec.Shape {
			dofsShape[axis] = p*n + 1
		}
		// map the patch-local dof grid to global numbers
		local2global := make([]int, pb.NDofs())
		for d := range local2global {
			rem := d
			num := make([]int, nd)
			den := make([]int, nd)
			for axis := nd - 1; axis >= 0; axis-- {
				num[axis] = rem % dofsShape[axis]
				den[axis] = dofsShape[axis] - 1
				rem /= dofsShape[axis]
			}
			var key string
			if opts.PatchContinuous && onPatchFace(num, den) {
				key = positionKey(spec.Corners, num, den)
			} else {
				key = "p" + strconv.Itoa(pi) + ":" + strconv.Itoa(d)
			}
			local2global[d] = dofIDs.id(key)
		}
		for i := 0; i < patch.Len(); i++ {
			ldofs, err := pb.Dofs(i)
			if err != nil {
				return nil, err
			}
			block, err := pb.Coefficients(i)
			if err != nil {
				return nil, err
			}
			gdofs := make([]int, len(ldofs))
			for r, d := range ldofs {
				gdofs[r] = local2global[d]
			}
			order := make([]int, len(gdofs))
			for r := range order {
				order[r] = r
			}
			sort.Slice(order, func(a, b int) bool { return gdofs[order[a]] < gdofs[order[b]] })
			sorted := make([]int, len(gdofs))
			for r, o := range order {
				sorted[r] = gdofs[o]
			}
			reordered, err := block.TakeRows(order)
			if err != nil {
				return nil, err
			}
			flat := m.offsets[pi] + i
			dofs[flat] = sorted
			coeffs[flat] = reordered
		}
	}
	return basis.NewPlain(len(dofIDs.ids), dofs, coeffs)
}

// onPatchFace reports whether a dof grid position lies on the boundary of
// its patch's parametric cube.
func onPatchFace(num, den []int) bool {
	for axis := range num {
		if num[axis] == 0 || num[axis] == den[axis] {
			return true
		}
	}
	return false
}
