// Package topo models mesh connectivity: reference shapes, composable
// coordinate transform chains, elements, and topology variants (generic
// unstructured, structured grids, refined, hierarchical, trimmed and
// multipatch) with their boundary and interface derivations.
package topo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrTopology is wrapped by topological failures: non-manifold meshes,
// malformed derivations, unsupported operations.
var ErrTopology = errors.New("topology error")

// TransformItem is one invertible local coordinate map in a chain. Apply
// maps npts points of FromDims local coordinates into the ToDims frame of
// the item's parent.
type TransformItem interface {
	FromDims() int
	ToDims() int
	Apply(points []float64, npts int) []float64
	// String is the canonical key of the item; equal maps render equal.
	String() string
}

// Transform is a chain of items, root-first: the last item maps the
// deepest local frame, each preceding item lifts one level up.
type Transform []TransformItem

// Apply maps local points through the whole chain, deepest item first.
func (t Transform) Apply(points []float64, npts int) []float64 {
	for i := len(t) - 1; i >= 0; i-- {
		points = t[i].Apply(points, npts)
	}
	return points
}

// FromDims is the dimension of the deepest local frame.
func (t Transform) FromDims() int { return t[len(t)-1].FromDims() }

// Key renders the canonical map key of the chain.
func (t Transform) Key() string {
	parts := make([]string, len(t))
	for i, item := range t {
		parts[i] = item.String()
	}
	return strings.Join(parts, "<")
}

// Concat appends items to the chain, descending further from the root.
func Concat(t Transform, items ...TransformItem) Transform {
	out := make(Transform, 0, len(t)+len(items))
	out = append(out, t...)
	return append(out, items...)
}

// Promote lifts a facet transform to the dimension of its owning cell by
// stripping the trailing dimension-reducing items, so facets can be tested
// for membership against cell dictionaries.
func Promote(t Transform) Transform {
	n := len(t)
	for n > 0 && t[n-1].FromDims() < t[n-1].ToDims() {
		n--
	}
	return t[:n]
}

// Lookup finds the longest prefix of the chain registered in the element
// dictionary, returning its element index and the remaining tail. The
// boolean reports whether any prefix matched.
func Lookup(t Transform, edict map[string]int) (ielem int, tail Transform, ok bool) {
	for n := len(t); n > 0; n-- {
		if i, found := edict[t[:n].Key()]; found {
			return i, t[n:], true
		}
	}
	return 0, nil, false
}

// Root identifies a base element frame. It is the identity map carrying
// the element's identity in the chain key.
type Root struct {
	Ndims int
	ID    int
}

func (r Root) FromDims() int { return r.Ndims }
func (r Root) ToDims() int   { return r.Ndims }
func (r Root) Apply(points []float64, npts int) []float64 {
	return points
}
func (r Root) String() string {
	return "root" + strconv.Itoa(r.Ndims) + "#" + strconv.Itoa(r.ID)
}

// Child embeds a binary subdivision cell of the unit hypercube: component
// i maps to (x_i + Offset_i) / 2 with Offset in {0,1}^d.
type Child struct {
	Offset []int
}

func (c Child) FromDims() int { return len(c.Offset) }
func (c Child) ToDims() int   { return len(c.Offset) }
func (c Child) Apply(points []float64, npts int) []float64 {
	nd := len(c.Offset)
	out := make([]float64, len(points))
	for p := 0; p < npts; p++ {
		for i := 0; i < nd; i++ {
			out[p*nd+i] = (points[p*nd+i] + float64(c.Offset[i])) / 2
		}
	}
	return out
}
func (c Child) String() string {
	var sb strings.Builder
	sb.WriteString("child")
	for _, o := range c.Offset {
		sb.WriteString(strconv.Itoa(o))
	}
	return sb.String()
}

// Affine is a general affine embedding y = Linear*x + Offset with Linear
// stored row-major (ToDims rows of FromDims entries). Facet embeddings use
// FromDims = ToDims-1.
type Affine struct {
	Linear []float64
	Offset []float64
	from   int
}

// NewAffine builds the item from a row-major (to x from) matrix and an
// offset of length to.
func NewAffine(linear []float64, offset []float64, from int) Affine {
	if from > 0 && len(linear)%from != 0 {
		panic(fmt.Sprintf("topo: affine matrix size %d not divisible by %d", len(linear), from))
	}
	if from > 0 && len(linear)/from != len(offset) {
		panic(fmt.Sprintf("topo: affine matrix rows %d do not match offset length %d", len(linear)/from, len(offset)))
	}
	return Affine{Linear: linear, Offset: offset, from: from}
}

func (a Affine) FromDims() int { return a.from }
func (a Affine) ToDims() int   { return len(a.Offset) }
func (a Affine) Apply(points []float64, npts int) []float64 {
	to := len(a.Offset)
	out := make([]float64, npts*to)
	for p := 0; p < npts; p++ {
		for i := 0; i < to; i++ {
			v := a.Offset[i]
			for j := 0; j < a.from; j++ {
				v += a.Linear[i*a.from+j] * points[p*a.from+j]
			}
			out[p*to+i] = v
		}
	}
	return out
}
func (a Affine) String() string {
	var sb strings.Builder
	sb.WriteString("affine")
	for _, v := range a.Linear {
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		sb.WriteByte(',')
	}
	sb.WriteByte(';')
	for _, v := range a.Offset {
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		sb.WriteByte(',')
	}
	return sb.String()
}
