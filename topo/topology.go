package topo

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/calmech/fem/basis"
	"github.com/calmech/fem/expr"
)

// Element pairs a reference shape with the transform chain locating it.
// Boundary and interface elements carry the facet embedding in Trans;
// interface elements additionally carry the neighbor's embedding in
// Opposite. Verts lists global vertex ids matching the reference vertex
// order; it may be nil for derived elements that no longer track vertices.
type Element struct {
	Ref      Reference
	Trans    Transform
	Opposite Transform
	Verts    []int
}

// BasisOpts selects the parameters of a basis construction.
type BasisOpts struct {
	// Degree is the polynomial order.
	Degree int
	// Periodic lists the periodic axes of a structured topology.
	Periodic []int
	// RemoveDofs drops the listed per-axis dof indices (structured).
	RemoveDofs [][]int
	// PatchContinuous merges coincident dofs across patch boundaries.
	PatchContinuous bool
}

// Topology is an ordered collection of elements with derived views.
type Topology interface {
	Len() int
	NDims() int
	Elem(i int) Element
	// Boundary matches facets across elements: a facet seen once belongs
	// to the boundary; seen more than twice the mesh is non-manifold.
	Boundary() (Topology, error)
	// Interfaces returns the facets seen exactly twice, with Opposite set.
	Interfaces() (Topology, error)
	// Refined replaces every element by its reference-defined children.
	Refined() Topology
	Group(name string) (Topology, bool)
	WithGroup(name string, sub Topology) Topology
	Basis(kind string, opts BasisOpts) (basis.Basis, error)
}

// Edict builds the transform-key to element-index dictionary of a
// topology, the backbone of hierarchical membership tests.
func Edict(t Topology) map[string]int {
	edict := make(map[string]int, t.Len())
	for i := 0; i < t.Len(); i++ {
		edict[t.Elem(i).Trans.Key()] = i
	}
	return edict
}

// ReferenceVolume sums the reference measures of all elements. For
// topologies whose transforms are pure roots this equals the mesh volume
// in local units.
func ReferenceVolume(t Topology) float64 {
	total := 0.0
	for i := 0; i < t.Len(); i++ {
		total += t.Elem(i).Ref.Volume()
	}
	return total
}

// Generic is an explicit element list with vertex-based connectivity.
type Generic struct {
	ndims       int
	elems       []Element
	groups      map[string]Topology
	facetGroups map[string]map[string]bool // name -> set of facet keys
}

// NewGeneric wraps an element list. All elements must share the dimension.
func NewGeneric(ndims int, elems []Element) (*Generic, error) {
	for i, e := range elems {
		if e.Ref.NDims() != ndims {
			return nil, fmt.Errorf("%w: element %d has dimension %d, want %d", ErrTopology, i, e.Ref.NDims(), ndims)
		}
	}
	return &Generic{ndims: ndims, elems: elems}, nil
}

func (g *Generic) Len() int           { return len(g.elems) }
func (g *Generic) NDims() int         { return g.ndims }
func (g *Generic) Elem(i int) Element { return g.elems[i] }

func (g *Generic) Group(name string) (Topology, bool) {
	sub, ok := g.groups[name]
	return sub, ok
}

func (g *Generic) WithGroup(name string, sub Topology) Topology {
	groups := make(map[string]Topology, len(g.groups)+1)
	for k, v := range g.groups {
		groups[k] = v
	}
	groups[name] = sub
	return &Generic{ndims: g.ndims, elems: g.elems, groups: groups, facetGroups: g.facetGroups}
}

// WithFacetGroups names facets by their sorted vertex tuples. The groups
// materialize on the topology returned by Boundary.
func (g *Generic) WithFacetGroups(groups map[string][][]int) *Generic {
	facetGroups := make(map[string]map[string]bool, len(groups))
	for name, tuples := range groups {
		set := make(map[string]bool, len(tuples))
		for _, verts := range tuples {
			set[facetKey(verts)] = true
		}
		facetGroups[name] = set
	}
	out := *g
	out.facetGroups = facetGroups
	return &out
}

func facetKey(verts []int) string {
	sorted := append([]int{}, verts...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, v := range sorted {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, "/")
}

type facetSide struct {
	ref   Reference
	trans Transform
	verts []int
}

// matchFacets buckets every element facet by its sorted vertex tuple.
func (g *Generic) matchFacets() (map[string][]facetSide, error) {
	seen := make(map[string][]facetSide)
	for i, e := range g.elems {
		if e.Verts == nil {
			return nil, fmt.Errorf("%w: facet matching requires vertex tables", ErrTopology)
		}
		for k := 0; k < e.Ref.NEdges(); k++ {
			eref, eitem := e.Ref.Edge(k)
			local := e.Ref.EdgeVertices(k)
			verts := make([]int, len(local))
			for j, l := range local {
				verts[j] = e.Verts[l]
			}
			key := facetKey(verts)
			seen[key] = append(seen[key], facetSide{
				ref:   eref,
				trans: Concat(e.Trans, eitem),
				verts: verts,
			})
			if len(seen[key]) > 2 {
				return nil, fmt.Errorf("%w: facet %s shared by more than two elements (non-manifold, element %d)", ErrTopology, key, i)
			}
		}
	}
	return seen, nil
}

func (g *Generic) Boundary() (Topology, error) {
	seen, err := g.matchFacets()
	if err != nil {
		return nil, err
	}
	var belems []Element
	for _, sides := range seen {
		if len(sides) == 1 {
			s := sides[0]
			belems = append(belems, Element{Ref: s.ref, Trans: s.trans, Verts: s.verts})
		}
	}
	sortByKey(belems)
	out, err := NewGeneric(g.ndims-1, belems)
	if err != nil {
		return nil, err
	}
	var top Topology = out
	for name, set := range g.facetGroups {
		var members []Element
		for _, be := range belems {
			if set[facetKey(be.Verts)] {
				members = append(members, be)
			}
		}
		sub, err := NewGeneric(g.ndims-1, members)
		if err != nil {
			return nil, err
		}
		top = top.WithGroup(name, sub)
	}
	return top, nil
}

func (g *Generic) Interfaces() (Topology, error) {
	seen, err := g.matchFacets()
	if err != nil {
		return nil, err
	}
	var ielems []Element
	for _, sides := range seen {
		if len(sides) == 2 {
			ielems = append(ielems, Element{
				Ref:      sides[0].ref,
				Trans:    sides[0].trans,
				Opposite: sides[1].trans,
				Verts:    sides[0].verts,
			})
		}
	}
	sortByKey(ielems)
	return NewGeneric(g.ndims-1, ielems)
}

// sortByKey orders derived elements deterministically: map iteration must
// not leak into element numbering.
func sortByKey(elems []Element) {
	sort.Slice(elems, func(i, j int) bool {
		return elems[i].Trans.Key() < elems[j].Trans.Key()
	})
}

func (g *Generic) Refined() Topology {
	var elems []Element
	for _, e := range g.elems {
		for c := 0; c < e.Ref.NChildren(); c++ {
			cref, citem := e.Ref.Child(c)
			elems = append(elems, Element{Ref: cref, Trans: Concat(e.Trans, citem)})
		}
	}
	out, err := NewGeneric(g.ndims, elems)
	if err != nil {
		panic(err)
	}
	return out
}

func (g *Generic) Basis(kind string, opts BasisOpts) (basis.Basis, error) {
	switch kind {
	case "std":
		return g.stdBasis(opts.Degree)
	case "bubble":
		return g.bubbleBasis()
	case "discont":
		return g.discontBasis(opts.Degree)
	}
	return nil, fmt.Errorf("%w: unknown basis kind %q for an unstructured topology", ErrTopology, kind)
}

func (g *Generic) requireTriangles() error {
	for i, e := range g.elems {
		if _, ok := e.Ref.(TriangleRef); !ok {
			return fmt.Errorf("%w: element %d is %s, basis construction needs triangles", ErrTopology, i, e.Ref)
		}
	}
	return nil
}

// stdBasis is the vertex-continuous simplex basis. Dofs follow the global
// vertex numbering compacted to the vertices in use.
func (g *Generic) stdBasis(degree int) (basis.Basis, error) {
	if degree != 1 {
		return nil, fmt.Errorf("%w: unstructured std basis supports degree 1, got %d", ErrTopology, degree)
	}
	if err := g.requireTriangles(); err != nil {
		return nil, err
	}
	vertdof := g.vertexNumbering()
	dofs := make([][]int, len(g.elems))
	coeffs := make([]*expr.Value, len(g.elems))
	for i, e := range g.elems {
		rows := make([]int, 3)
		order := make([]int, 3)
		for j := range order {
			order[j] = j
		}
		sort.Slice(order, func(a, b int) bool {
			return vertdof[e.Verts[order[a]]] < vertdof[e.Verts[order[b]]]
		})
		block := make([]float64, 3*4)
		for r, j := range order {
			rows[r] = vertdof[e.Verts[j]]
			copy(block[r*4:], triangleLinear(j))
		}
		dofs[i] = rows
		coeffs[i] = expr.NewValue([]int{3, 2, 2}, block)
	}
	return basis.NewPlain(len(vertdof), dofs, coeffs)
}

// triangleLinear returns the monomial block (2,2) of the barycentric shape
// function attached to local vertex j.
func triangleLinear(j int) []float64 {
	switch j {
	case 0: // 1 - x - y
		return []float64{1, -1, -1, 0}
	case 1: // x
		return []float64{0, 0, 1, 0}
	default: // y
		return []float64{0, 1, 0, 0}
	}
}

// bubbleBasis augments the linear simplex basis with one cubic bubble per
// element, padding the linear blocks to the (3,3) monomial layout.
func (g *Generic) bubbleBasis() (basis.Basis, error) {
	if err := g.requireTriangles(); err != nil {
		return nil, err
	}
	vertdof := g.vertexNumbering()
	nverts := len(vertdof)
	dofs := make([][]int, len(g.elems))
	coeffs := make([]*expr.Value, len(g.elems))
	for i, e := range g.elems {
		order := []int{0, 1, 2}
		sort.Slice(order, func(a, b int) bool {
			return vertdof[e.Verts[order[a]]] < vertdof[e.Verts[order[b]]]
		})
		block := make([]float64, 4*9)
		rows := make([]int, 4)
		for r, j := range order {
			rows[r] = vertdof[e.Verts[j]]
			lin := triangleLinear(j)
			// pad (2,2) into (3,3)
			block[r*9+0] = lin[0]
			block[r*9+1] = lin[1]
			block[r*9+3] = lin[2]
			block[r*9+4] = lin[3]
		}
		rows[3] = nverts + i
		// bubble: 27*x*y*(1-x-y) = 27xy - 27x^2y - 27xy^2
		block[3*9+4] = 27
		block[3*9+5] = -27
		block[3*9+7] = -27
		dofs[i] = rows
		coeffs[i] = expr.NewValue([]int{4, 3, 3}, block)
	}
	return basis.NewPlain(nverts+len(g.elems), dofs, coeffs)
}

// discontBasis numbers Bernstein dofs per element without continuity.
func (g *Generic) discontBasis(degree int) (basis.Basis, error) {
	if degree != 1 {
		return nil, fmt.Errorf("%w: unstructured discont basis supports degree 1, got %d", ErrTopology, degree)
	}
	if err := g.requireTriangles(); err != nil {
		return nil, err
	}
	coeffs := make([]*expr.Value, len(g.elems))
	for i := range g.elems {
		block := make([]float64, 3*4)
		for j := 0; j < 3; j++ {
			copy(block[j*4:], triangleLinear(j))
		}
		coeffs[i] = expr.NewValue([]int{3, 2, 2}, block)
	}
	return basis.NewDiscont(coeffs)
}

// vertexNumbering compacts the global vertex ids in use to consecutive dof
// numbers preserving order.
func (g *Generic) vertexNumbering() map[int]int {
	var ids []int
	seen := make(map[int]struct{})
	for _, e := range g.elems {
		for _, v := range e.Verts {
			if _, ok := seen[v]; !ok {
				seen[v] = struct{}{}
				ids = append(ids, v)
			}
		}
	}
	sort.Ints(ids)
	numbering := make(map[int]int, len(ids))
	for i, v := range ids {
		numbering[v] = i
	}
	return numbering
}
