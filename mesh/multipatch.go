package mesh

import (
	"fmt"

	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/topo"
)

// Multipatch glues structured patches into one domain. verts holds the
// coordinates of the global corner vertices the patch specs refer to; the
// geometry interpolates them multilinearly over each patch.
func Multipatch(specs []topo.PatchSpec, verts [][]float64) (*Mesh, error) {
	t, err := topo.NewMultipatch(specs)
	if err != nil {
		return nil, err
	}
	if len(verts) == 0 {
		return nil, fmt.Errorf("multipatch needs vertex coordinates")
	}
	gdim := len(verts[0])
	for i, v := range verts {
		if len(v) != gdim {
			return nil, fmt.Errorf("vertex %d has %d coordinates, want %d", i, len(v), gdim)
		}
	}
	nd := t.NDims()
	for pi, spec := range specs {
		for _, c := range spec.Corners {
			if c < 0 || c >= len(verts) {
				return nil, fmt.Errorf("patch %d corner %d has no coordinates", pi, c)
			}
		}
	}

	// flat element -> (patch, grid index) bookkeeping
	patchOf := make([]int, t.Len())
	gridIdx := make([][]int, t.Len())
	flat := 0
	for pi, spec := range specs {
		n := 1
		for _, s := range spec.Shape {
			n *= s
		}
		for i := 0; i < n; i++ {
			idx := make([]int, nd)
			rem := i
			for a := nd - 1; a >= 0; a-- {
				idx[a] = rem % spec.Shape[a]
				rem /= spec.Shape[a]
			}
			patchOf[flat] = pi
			gridIdx[flat] = idx
			flat++
		}
	}

	shape := []int{gdim}
	for a := 0; a < nd; a++ {
		shape = append(shape, 2)
	}
	coeffs := expr.NewElemData("patchgeom", shape, expr.Float, func(ielem int) (*expr.Value, error) {
		if ielem < 0 || ielem >= len(patchOf) {
			return nil, fmt.Errorf("element %d out of range", ielem)
		}
		spec := specs[patchOf[ielem]]
		idx := gridIdx[ielem]
		nmono := 1 << nd
		block := make([]float64, gdim*nmono)
		for v, c := range spec.Corners {
			// per axis: the corner weight is linear in the local coordinate
			for m := 0; m < nmono; m++ {
				w := 1.0
				for a := 0; a < nd; a++ {
					n := float64(spec.Shape[a])
					bit := (v >> (nd - 1 - a)) & 1
					mbit := (m >> (nd - 1 - a)) & 1
					var c0, c1 float64
					if bit == 1 {
						c0, c1 = float64(idx[a])/n, 1/n
					} else {
						c0, c1 = 1-float64(idx[a])/n, -1/n
					}
					if mbit == 1 {
						w *= c1
					} else {
						w *= c0
					}
				}
				if w == 0 {
					continue
				}
				for g := 0; g < gdim; g++ {
					block[g*nmono+m] += verts[c][g] * w
				}
			}
		}
		return expr.NewValue(shape, block), nil
	})
	geom, err := expr.Polyval(coeffs, expr.LocalPoints(nd), nd)
	if err != nil {
		return nil, err
	}
	return &Mesh{Topo: t, Geom: geom}, nil
}
