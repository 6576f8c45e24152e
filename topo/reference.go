package topo

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/calmech/fem/quadrature"
)

// Reference is the canonical un-mapped shape of an element. Vertices are
// stored row-major (NVerts rows of NDims coordinates). Edges are the
// (d-1)-dimensional facets with their embedding transforms; children are
// the fixed subdivision cells used by refinement.
type Reference interface {
	NDims() int
	NVerts() int
	Vertices() []float64
	Volume() float64
	NEdges() int
	Edge(i int) (Reference, TransformItem)
	// EdgeVertices lists the local vertex indices of edge i, the key
	// material for facet matching.
	EdgeVertices(i int) []int
	NChildren() int
	Child(i int) (Reference, TransformItem)
	Quadrature(s quadrature.Scheme) (quadrature.Rule, error)
	String() string
}

var ruleCache sync.Map // ref key + scheme -> quadrature.Rule

// RuleFor resolves and caches the quadrature rule of a reference. Many
// elements share a reference, so rules are computed once per shape.
func RuleFor(ref Reference, s quadrature.Scheme) (quadrature.Rule, error) {
	key := ref.String() + "|" + s.Kind + strconv.Itoa(s.Degree)
	if r, ok := ruleCache.Load(key); ok {
		return r.(quadrature.Rule), nil
	}
	r, err := ref.Quadrature(s)
	if err != nil {
		return quadrature.Rule{}, err
	}
	ruleCache.Store(key, r)
	return r, nil
}

// --- point ---

// PointRef is the zero-dimensional reference.
type PointRef struct{}

func (PointRef) NDims() int          { return 0 }
func (PointRef) NVerts() int         { return 1 }
func (PointRef) Vertices() []float64 { return []float64{} }
func (PointRef) Volume() float64     { return 1 }
func (PointRef) NEdges() int         { return 0 }
func (PointRef) Edge(i int) (Reference, TransformItem) {
	panic("topo: point reference has no edges")
}
func (PointRef) EdgeVertices(i int) []int { panic("topo: point reference has no edges") }
func (PointRef) NChildren() int           { return 0 }
func (PointRef) Child(i int) (Reference, TransformItem) {
	panic("topo: point reference has no children")
}
func (PointRef) Quadrature(s quadrature.Scheme) (quadrature.Rule, error) {
	return quadrature.Point0D(), nil
}
func (PointRef) String() string { return "point" }

// --- interval ---

// IntervalRef is the unit interval [0,1].
type IntervalRef struct{}

func (IntervalRef) NDims() int          { return 1 }
func (IntervalRef) NVerts() int         { return 2 }
func (IntervalRef) Vertices() []float64 { return []float64{0, 1} }
func (IntervalRef) Volume() float64     { return 1 }
func (IntervalRef) NEdges() int         { return 2 }
func (IntervalRef) Edge(i int) (Reference, TransformItem) {
	return PointRef{}, NewAffine(nil, []float64{float64(i)}, 0)
}
func (IntervalRef) EdgeVertices(i int) []int { return []int{i} }
func (IntervalRef) NChildren() int           { return 2 }
func (IntervalRef) Child(i int) (Reference, TransformItem) {
	return IntervalRef{}, Child{Offset: []int{i}}
}
func (IntervalRef) Quadrature(s quadrature.Scheme) (quadrature.Rule, error) {
	return quadrature.Line(s)
}
func (IntervalRef) String() string { return "interval" }

// --- triangle ---

// TriangleRef is the unit simplex {x,y >= 0, x+y <= 1} with vertices
// (0,0), (1,0), (0,1).
type TriangleRef struct{}

func (TriangleRef) NDims() int          { return 2 }
func (TriangleRef) NVerts() int         { return 3 }
func (TriangleRef) Vertices() []float64 { return []float64{0, 0, 1, 0, 0, 1} }
func (TriangleRef) Volume() float64     { return 0.5 }
func (TriangleRef) NEdges() int         { return 3 }
func (TriangleRef) Edge(i int) (Reference, TransformItem) {
	switch i {
	case 0: // (0,0) -> (1,0)
		return IntervalRef{}, NewAffine([]float64{1, 0}, []float64{0, 0}, 1)
	case 1: // (1,0) -> (0,1)
		return IntervalRef{}, NewAffine([]float64{-1, 1}, []float64{1, 0}, 1)
	case 2: // (0,1) -> (0,0)
		return IntervalRef{}, NewAffine([]float64{0, -1}, []float64{0, 1}, 1)
	}
	panic(fmt.Sprintf("topo: triangle edge %d out of range", i))
}
func (TriangleRef) EdgeVertices(i int) []int {
	return [][]int{{0, 1}, {1, 2}, {2, 0}}[i]
}
func (TriangleRef) NChildren() int { return 4 }
func (TriangleRef) Child(i int) (Reference, TransformItem) {
	switch i {
	case 0, 1, 2: // corner triangles, scaled towards each vertex
		verts := TriangleRef{}.Vertices()
		vx, vy := verts[2*i], verts[2*i+1]
		return TriangleRef{}, NewAffine([]float64{0.5, 0, 0, 0.5}, []float64{vx / 2, vy / 2}, 2)
	case 3: // inverted central triangle spanning the edge midpoints
		return TriangleRef{}, NewAffine([]float64{-0.5, 0, 0, -0.5}, []float64{0.5, 0.5}, 2)
	}
	panic(fmt.Sprintf("topo: triangle child %d out of range", i))
}
func (TriangleRef) Quadrature(s quadrature.Scheme) (quadrature.Rule, error) {
	return quadrature.Triangle(s)
}
func (TriangleRef) String() string { return "triangle" }

// --- tensor product ---

// TensorRef is the product of lower-dimensional factors. Vertex order is
// factor-major: the index of a product vertex ravels the per-factor vertex
// indices with the first factor slowest.
type TensorRef struct {
	factors []Reference
}

// NewTensor multiplies references, flattening nested tensor factors.
func NewTensor(factors ...Reference) TensorRef {
	flat := make([]Reference, 0, len(factors))
	for _, f := range factors {
		if t, ok := f.(TensorRef); ok {
			flat = append(flat, t.factors...)
		} else {
			flat = append(flat, f)
		}
	}
	return TensorRef{factors: flat}
}

// Square is the unit square, Cube the unit cube.
func Square() TensorRef { return NewTensor(IntervalRef{}, IntervalRef{}) }
func Cube() TensorRef   { return NewTensor(IntervalRef{}, IntervalRef{}, IntervalRef{}) }

// Hypercube is the d-dimensional tensor of intervals.
func Hypercube(d int) TensorRef {
	factors := make([]Reference, d)
	for i := range factors {
		factors[i] = IntervalRef{}
	}
	return NewTensor(factors...)
}

func (r TensorRef) NDims() int {
	n := 0
	for _, f := range r.factors {
		n += f.NDims()
	}
	return n
}

func (r TensorRef) NVerts() int {
	n := 1
	for _, f := range r.factors {
		n *= f.NVerts()
	}
	return n
}

func (r TensorRef) Vertices() []float64 {
	nd := r.NDims()
	out := make([]float64, r.NVerts()*nd)
	idx := make([]int, len(r.factors))
	for v := 0; v < r.NVerts(); v++ {
		col := 0
		for k, f := range r.factors {
			fv := f.Vertices()
			fd := f.NDims()
			copy(out[v*nd+col:], fv[idx[k]*fd:(idx[k]+1)*fd])
			col += fd
		}
		for k := len(r.factors) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < r.factors[k].NVerts() {
				break
			}
			idx[k] = 0
		}
	}
	return out
}

func (r TensorRef) Volume() float64 {
	v := 1.0
	for _, f := range r.factors {
		v *= f.Volume()
	}
	return v
}

func (r TensorRef) NEdges() int {
	n := 0
	for _, f := range r.factors {
		n += f.NEdges()
	}
	return n
}

// edgeIndex resolves a flat edge number into (factor, factor edge).
func (r TensorRef) edgeIndex(i int) (int, int) {
	for k, f := range r.factors {
		if i < f.NEdges() {
			return k, i
		}
		i -= f.NEdges()
	}
	panic(fmt.Sprintf("topo: tensor edge %d out of range", i))
}

func (r TensorRef) Edge(i int) (Reference, TransformItem) {
	k, fe := r.edgeIndex(i)
	eref, eitem := r.factors[k].Edge(fe)
	refs := make([]Reference, len(r.factors))
	items := make([]TransformItem, len(r.factors))
	for j, f := range r.factors {
		if j == k {
			refs[j], items[j] = eref, eitem
		} else {
			refs[j], items[j] = f, identItem{f.NDims()}
		}
	}
	return NewTensor(refs...), tensorItem{items: items}
}

func (r TensorRef) EdgeVertices(i int) []int {
	k, fe := r.edgeIndex(i)
	sets := make([][]int, len(r.factors))
	for j, f := range r.factors {
		if j == k {
			sets[j] = f.EdgeVertices(fe)
		} else {
			all := make([]int, f.NVerts())
			for v := range all {
				all[v] = v
			}
			sets[j] = all
		}
	}
	// ravel factor-major
	out := []int{0}
	for j, set := range sets {
		nv := r.factors[j].NVerts()
		next := make([]int, 0, len(out)*len(set))
		for _, base := range out {
			for _, v := range set {
				next = append(next, base*nv+v)
			}
		}
		out = next
	}
	return out
}

func (r TensorRef) NChildren() int {
	n := 1
	for _, f := range r.factors {
		n *= f.NChildren()
	}
	return n
}

func (r TensorRef) isCube() bool {
	for _, f := range r.factors {
		if _, ok := f.(IntervalRef); !ok {
			return false
		}
	}
	return true
}

func (r TensorRef) Child(i int) (Reference, TransformItem) {
	idx := make([]int, len(r.factors))
	for k := len(r.factors) - 1; k >= 0; k-- {
		idx[k] = i % r.factors[k].NChildren()
		i /= r.factors[k].NChildren()
	}
	if r.isCube() {
		return r, Child{Offset: idx}
	}
	refs := make([]Reference, len(r.factors))
	items := make([]TransformItem, len(r.factors))
	for k, f := range r.factors {
		refs[k], items[k] = f.Child(idx[k])
	}
	return NewTensor(refs...), tensorItem{items: items}
}

func (r TensorRef) Quadrature(s quadrature.Scheme) (quadrature.Rule, error) {
	rule := quadrature.Rule{Ndims: 0, Points: []float64{}, Weights: []float64{1}}
	for _, f := range r.factors {
		fr, err := f.Quadrature(s)
		if err != nil {
			return quadrature.Rule{}, err
		}
		rule = quadrature.Tensor(rule, fr)
	}
	return rule, nil
}

func (r TensorRef) String() string {
	parts := make([]string, len(r.factors))
	for i, f := range r.factors {
		parts[i] = f.String()
	}
	return "tensor(" + strings.Join(parts, "*") + ")"
}

// identItem is the identity map used to lift factor edges into products.
type identItem struct{ dims int }

func (it identItem) FromDims() int { return it.dims }
func (it identItem) ToDims() int   { return it.dims }
func (it identItem) Apply(points []float64, npts int) []float64 {
	return points
}
func (it identItem) String() string { return "ident" + strconv.Itoa(it.dims) }

// tensorItem applies per-factor items to consecutive coordinate blocks.
type tensorItem struct{ items []TransformItem }

func (it tensorItem) FromDims() int {
	n := 0
	for _, i := range it.items {
		n += i.FromDims()
	}
	return n
}
func (it tensorItem) ToDims() int {
	n := 0
	for _, i := range it.items {
		n += i.ToDims()
	}
	return n
}
func (it tensorItem) Apply(points []float64, npts int) []float64 {
	from, to := it.FromDims(), it.ToDims()
	out := make([]float64, npts*to)
	colF, colT := 0, 0
	for _, item := range it.items {
		f, tt := item.FromDims(), item.ToDims()
		block := make([]float64, npts*f)
		for p := 0; p < npts; p++ {
			copy(block[p*f:], points[p*from+colF:p*from+colF+f])
		}
		mapped := item.Apply(block, npts)
		for p := 0; p < npts; p++ {
			copy(out[p*to+colT:], mapped[p*tt:(p+1)*tt])
		}
		colF += f
		colT += tt
	}
	return out
}
func (it tensorItem) String() string {
	parts := make([]string, len(it.items))
	for i, item := range it.items {
		parts[i] = item.String()
	}
	return "tensor[" + strings.Join(parts, "*") + "]"
}

// --- mosaic ---

// MosaicRef is the kept part of a trimmed hypercube: the union of lattice
// cells at subdivision depth Depth whose centroid lies inside the trimmed
// domain. Leaves are multi-indices on the 2^Depth lattice.
type MosaicRef struct {
	Base   Reference
	Depth  int
	Leaves [][]int
}

func (m MosaicRef) NDims() int          { return m.Base.NDims() }
func (m MosaicRef) NVerts() int         { return m.Base.NVerts() }
func (m MosaicRef) Vertices() []float64 { return m.Base.Vertices() }
func (m MosaicRef) Volume() float64 {
	cells := math.Pow(2, float64(m.Depth*m.NDims()))
	return m.Base.Volume() * float64(len(m.Leaves)) / cells
}
func (m MosaicRef) NEdges() int { return 0 }
func (m MosaicRef) Edge(i int) (Reference, TransformItem) {
	panic("topo: mosaic references expose no direct edges")
}
func (m MosaicRef) EdgeVertices(i int) []int {
	panic("topo: mosaic references expose no direct edges")
}
func (m MosaicRef) NChildren() int { return 0 }
func (m MosaicRef) Child(i int) (Reference, TransformItem) {
	panic("topo: mosaic references expose no children")
}

// Quadrature maps the base rule into every kept lattice cell, scaling the
// weights by the cell volume fraction.
func (m MosaicRef) Quadrature(s quadrature.Scheme) (quadrature.Rule, error) {
	base, err := m.Base.Quadrature(s)
	if err != nil {
		return quadrature.Rule{}, err
	}
	nd := m.NDims()
	npts := base.NPoints()
	scale := math.Pow(0.5, float64(m.Depth))
	wscale := math.Pow(scale, float64(nd))
	out := quadrature.Rule{Ndims: nd}
	out.Points = make([]float64, 0, len(m.Leaves)*npts*nd)
	if base.Weights != nil {
		out.Weights = make([]float64, 0, len(m.Leaves)*npts)
	}
	for _, leaf := range m.Leaves {
		for p := 0; p < npts; p++ {
			pt := base.Point(p)
			for d := 0; d < nd; d++ {
				out.Points = append(out.Points, (pt[d]+float64(leaf[d]))*scale)
			}
			if base.Weights != nil {
				out.Weights = append(out.Weights, base.Weights[p]*wscale)
			}
		}
	}
	return out, nil
}

func (m MosaicRef) String() string {
	var sb strings.Builder
	sb.WriteString("mosaic(")
	sb.WriteString(m.Base.String())
	sb.WriteString("@")
	sb.WriteString(strconv.Itoa(m.Depth))
	for _, leaf := range m.Leaves {
		sb.WriteByte(':')
		for _, c := range leaf {
			sb.WriteString(strconv.Itoa(c))
			sb.WriteByte(',')
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

// EmptyRef marks an element fully removed by trimming. Its quadrature is
// empty and its volume zero.
type EmptyRef struct{ Dims int }

func (e EmptyRef) NDims() int          { return e.Dims }
func (e EmptyRef) NVerts() int         { return 0 }
func (e EmptyRef) Vertices() []float64 { return nil }
func (e EmptyRef) Volume() float64     { return 0 }
func (e EmptyRef) NEdges() int         { return 0 }
func (e EmptyRef) Edge(i int) (Reference, TransformItem) {
	panic("topo: empty reference has no edges")
}
func (e EmptyRef) EdgeVertices(i int) []int { panic("topo: empty reference has no edges") }
func (e EmptyRef) NChildren() int           { return 0 }
func (e EmptyRef) Child(i int) (Reference, TransformItem) {
	panic("topo: empty reference has no children")
}
func (e EmptyRef) Quadrature(s quadrature.Scheme) (quadrature.Rule, error) {
	return quadrature.Rule{Ndims: e.Dims, Points: []float64{}, Weights: []float64{}}, nil
}
func (e EmptyRef) String() string { return "empty" + strconv.Itoa(e.Dims) }
