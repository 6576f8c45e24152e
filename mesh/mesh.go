// Package mesh constructs topologies paired with geometry fields: regular
// grids, glued multipatch domains, simplex triangulations and Gmsh imports.
package mesh

import (
	"fmt"

	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/topo"
)

// Mesh couples a topology with the expression evaluating its geometry,
// shape (npoints, gdim), on element-local coordinates.
type Mesh struct {
	Topo topo.Topology
	Geom *expr.Array

	axes [][]float64 // grid lines of a rectilinear mesh, nil otherwise
}

// Rectilinear builds a tensor grid from the grid lines per axis. Periodic
// axes wrap their last element onto their first; the axis values still
// include both endpoints.
func Rectilinear(axes [][]float64, periodic ...int) (*Mesh, error) {
	nd := len(axes)
	shape := make([]int, nd)
	for a, lines := range axes {
		if len(lines) < 2 {
			return nil, fmt.Errorf("axis %d needs at least two grid lines, got %d", a, len(lines))
		}
		for i := 1; i < len(lines); i++ {
			if lines[i] <= lines[i-1] {
				return nil, fmt.Errorf("axis %d grid lines must increase strictly", a)
			}
		}
		shape[a] = len(lines) - 1
	}
	t, err := topo.NewStructured(shape, periodic)
	if err != nil {
		return nil, err
	}
	unravel := func(i int) []int {
		idx := make([]int, nd)
		for a := nd - 1; a >= 0; a-- {
			idx[a] = i % shape[a]
			i /= shape[a]
		}
		return idx
	}
	offs := expr.NewElemData("gridoffset", []int{nd}, expr.Float, func(ielem int) (*expr.Value, error) {
		idx := unravel(ielem)
		out := make([]float64, nd)
		for a, c := range idx {
			out[a] = axes[a][c]
		}
		return expr.NewValue([]int{nd}, out), nil
	})
	scale := expr.NewElemData("gridscale", []int{nd}, expr.Float, func(ielem int) (*expr.Value, error) {
		idx := unravel(ielem)
		out := make([]float64, nd)
		for a, c := range idx {
			out[a] = axes[a][c+1] - axes[a][c]
		}
		return expr.NewValue([]int{nd}, out), nil
	})
	scaled, err := expr.Mul(scale, expr.LocalPoints(nd))
	if err != nil {
		return nil, err
	}
	geom, err := expr.Add(offs, scaled)
	if err != nil {
		return nil, err
	}
	return &Mesh{Topo: t, Geom: geom, axes: axes}, nil
}

// ForTopology rebinds a rectilinear grid geometry to a derived topology
// (refined, hierarchical) whose element transforms extend the grid cells.
// The returned expression indexes elements by their position in dom.
func (m *Mesh) ForTopology(dom topo.Topology) (*expr.Array, error) {
	if m.axes == nil {
		return nil, fmt.Errorf("geometry rebinding needs a rectilinear mesh")
	}
	nd := m.Topo.NDims()
	edict := topo.Edict(m.Topo)
	shape := []int{nd}
	for a := 0; a < nd; a++ {
		shape = append(shape, 2)
	}
	axes := m.axes
	baseShape := make([]int, nd)
	for a, lines := range axes {
		baseShape[a] = len(lines) - 1
	}
	coeffs := expr.NewElemData("gridgeom", shape, expr.Float, func(ielem int) (*expr.Value, error) {
		if ielem < 0 || ielem >= dom.Len() {
			return nil, fmt.Errorf("element %d out of range", ielem)
		}
		e := dom.Elem(ielem)
		base, tail, ok := topo.Lookup(e.Trans, edict)
		if !ok {
			return nil, fmt.Errorf("element %d does not extend the base grid", ielem)
		}
		idx := make([]int, nd)
		rem := base
		for a := nd - 1; a >= 0; a-- {
			idx[a] = rem % baseShape[a]
			rem /= baseShape[a]
		}
		// probe the affine tail: origin plus unit steps
		probe := make([]float64, (nd+1)*nd)
		for j := 0; j < nd; j++ {
			probe[(j+1)*nd+j] = 1
		}
		img := tail.Apply(probe, nd+1)
		nmono := 1 << nd
		block := make([]float64, nd*nmono)
		for d := 0; d < nd; d++ {
			lo, hi := axes[d][idx[d]], axes[d][idx[d]+1]
			h := hi - lo
			block[d*nmono] = lo + h*img[d] // constant term
			for a := 0; a < nd; a++ {
				mono := 1 << (nd - 1 - a) // unit exponent on axis a
				block[d*nmono+mono] = h * (img[(a+1)*nd+d] - img[d])
			}
		}
		return expr.NewValue(shape, block), nil
	})
	return expr.Polyval(coeffs, expr.LocalPoints(nd), nd)
}

// uniformAxis splits [0,1] into n unit steps.
func uniformAxis(n int) []float64 {
	lines := make([]float64, n+1)
	for i := range lines {
		lines[i] = float64(i) / float64(n)
	}
	return lines
}

// UnitLine is the unit interval split into n elements.
func UnitLine(n int) (*Mesh, error) {
	return Rectilinear([][]float64{uniformAxis(n)})
}

// UnitSquare is the unit square split into n by n elements.
func UnitSquare(n int) (*Mesh, error) {
	return Rectilinear([][]float64{uniformAxis(n), uniformAxis(n)})
}

// UnitCube is the unit cube split into n elements per axis.
func UnitCube(n int) (*Mesh, error) {
	return Rectilinear([][]float64{uniformAxis(n), uniformAxis(n), uniformAxis(n)})
}
