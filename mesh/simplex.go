package mesh

import (
	"fmt"

	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/topo"
)

// Triangulation describes an unstructured simplex mesh before topology
// construction: vertex coordinates, triangles as vertex index triples,
// named groups of elements and of boundary edges (vertex pairs), and named
// point groups (single vertices).
type Triangulation struct {
	Coords [][]float64
	Tris   [][]int
	Groups map[string][]int
	BTags  map[string][][]int
	PTags  map[string][]int
}

// Simplex builds the topology and isoparametric geometry of a
// triangulation.
func Simplex(tri Triangulation) (*Mesh, error) {
	if len(tri.Coords) == 0 {
		return nil, fmt.Errorf("triangulation has no vertices")
	}
	gdim := len(tri.Coords[0])
	if gdim < 2 {
		return nil, fmt.Errorf("triangulation needs at least two coordinates per vertex, got %d", gdim)
	}
	for i, c := range tri.Coords {
		if len(c) != gdim {
			return nil, fmt.Errorf("vertex %d has %d coordinates, want %d", i, len(c), gdim)
		}
	}
	elems := make([]topo.Element, len(tri.Tris))
	for i, vv := range tri.Tris {
		if len(vv) != 3 {
			return nil, fmt.Errorf("element %d has %d vertices, want 3", i, len(vv))
		}
		for _, v := range vv {
			if v < 0 || v >= len(tri.Coords) {
				return nil, fmt.Errorf("element %d refers to unknown vertex %d", i, v)
			}
		}
		elems[i] = topo.Element{
			Ref:   topo.TriangleRef{},
			Trans: topo.Transform{topo.Root{Ndims: 2, ID: i}},
			Verts: append([]int{}, vv...),
		}
	}
	g, err := topo.NewGeneric(2, elems)
	if err != nil {
		return nil, err
	}
	if tri.BTags != nil {
		g = g.WithFacetGroups(tri.BTags)
	}
	var t topo.Topology = g
	for name, members := range tri.Groups {
		sub := make([]topo.Element, 0, len(members))
		for _, i := range members {
			if i < 0 || i >= len(elems) {
				return nil, fmt.Errorf("group %q refers to unknown element %d", name, i)
			}
			sub = append(sub, elems[i])
		}
		subTopo, err := topo.NewGeneric(2, sub)
		if err != nil {
			return nil, err
		}
		t = t.WithGroup(name, subTopo)
	}

	coords := tri.Coords
	tris := tri.Tris
	shape := []int{gdim, 2, 2}
	coeffs := expr.NewElemData("trigeom", shape, expr.Float, func(ielem int) (*expr.Value, error) {
		if ielem < 0 || ielem >= len(tris) {
			return nil, fmt.Errorf("element %d out of range", ielem)
		}
		vv := tris[ielem]
		block := make([]float64, gdim*4)
		for g := 0; g < gdim; g++ {
			x0 := coords[vv[0]][g]
			// monomial layout (1, y, x, xy) per geometry component
			block[g*4+0] = x0
			block[g*4+1] = coords[vv[2]][g] - x0
			block[g*4+2] = coords[vv[1]][g] - x0
		}
		return expr.NewValue(shape, block), nil
	})
	geom, err := expr.Polyval(coeffs, expr.LocalPoints(2), 2)
	if err != nil {
		return nil, err
	}
	return &Mesh{Topo: t, Geom: geom}, nil
}
