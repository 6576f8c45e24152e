package mesh

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/topo"
)

func evalGeom(t *testing.T, m *Mesh, ielem int, points []float64) []float64 {
	t.Helper()
	npts := len(points) / m.Topo.NDims()
	env := &expr.Env{Points: expr.NewValue([]int{npts, m.Topo.NDims()}, points), Elem: ielem}
	v, err := m.Geom.Eval(env)
	require.NoError(t, err)
	return v.AsFloat()
}

func TestUnitSquare(t *testing.T) {
	m, err := UnitSquare(2)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Topo.Len())
	assert.Equal(t, 2, m.Topo.NDims())

	// element 3 is the top-right cell
	got := evalGeom(t, m, 3, []float64{0, 0, 1, 1})
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 1, 1}, got, 1e-12)
}

func TestRectilinearValidation(t *testing.T) {
	_, err := Rectilinear([][]float64{{0, 1, 1}})
	assert.Error(t, err)
	_, err = Rectilinear([][]float64{{0}})
	assert.Error(t, err)
}

func TestRectilinearPeriodic(t *testing.T) {
	m, err := Rectilinear([][]float64{{0, 1, 2, 3}}, 0)
	require.NoError(t, err)
	b, err := m.Topo.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestMultipatchGeometry(t *testing.T) {
	specs := []topo.PatchSpec{
		{Corners: []int{0, 1, 2, 3}, Shape: []int{1, 1}},
		{Corners: []int{2, 3, 4, 5}, Shape: []int{1, 1}},
	}
	verts := [][]float64{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {2, 0}, {2, 1}}
	m, err := Multipatch(specs, verts)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Topo.Len())

	got := evalGeom(t, m, 1, []float64{0.5, 0.5})
	assert.InDeltaSlice(t, []float64{1.5, 0.5}, got, 1e-12)

	// the seam is interior: one interface, six boundary edges
	ifaces, err := m.Topo.Interfaces()
	require.NoError(t, err)
	assert.Equal(t, 1, ifaces.Len())
}

func unitSquareTriangulation() Triangulation {
	return Triangulation{
		Coords: [][]float64{{0, 0}, {1, 0}, {0, 1}, {1, 1}},
		Tris:   [][]int{{0, 1, 2}, {3, 2, 1}},
		Groups: map[string][]int{"left": {0}},
		BTags:  map[string][][]int{"bottom": {{0, 1}}},
	}
}

func TestSimplex(t *testing.T) {
	m, err := Simplex(unitSquareTriangulation())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Topo.Len())

	left, ok := m.Topo.Group("left")
	require.True(t, ok)
	assert.Equal(t, 1, left.Len())

	b, err := m.Topo.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 4, b.Len())
	bottom, ok := b.Group("bottom")
	require.True(t, ok)
	assert.Equal(t, 1, bottom.Len())

	// local (1,0) is the second vertex of the first triangle
	got := evalGeom(t, m, 0, []float64{1, 0})
	assert.InDeltaSlice(t, []float64{1, 0}, got, 1e-12)
}

func TestSimplexValidation(t *testing.T) {
	tri := unitSquareTriangulation()
	tri.Tris = [][]int{{0, 1, 9}}
	_, err := Simplex(tri)
	assert.Error(t, err)
}

const gmshV2 = `$MeshFormat
2.2 0 8
$EndMeshFormat
$PhysicalNames
2
1 1 "bottom"
2 2 "domain"
$EndPhysicalNames
$Nodes
4
1 0 0 0
2 1 0 0
3 0 1 0
4 1 1 0
$EndNodes
$Elements
3
1 2 2 2 0 1 2 3
2 2 2 2 0 4 3 2
3 1 2 1 0 1 2
$EndElements
`

func TestGmshV2(t *testing.T) {
	m, err := Gmsh(strings.NewReader(gmshV2))
	require.NoError(t, err)
	assert.Equal(t, 2, m.Topo.Len())

	domain, ok := m.Topo.Group("domain")
	require.True(t, ok)
	assert.Equal(t, 2, domain.Len())

	b, err := m.Topo.Boundary()
	require.NoError(t, err)
	assert.Equal(t, 4, b.Len())
	bottom, ok := b.Group("bottom")
	require.True(t, ok)
	assert.Equal(t, 1, bottom.Len())

	got := evalGeom(t, m, 0, []float64{0, 1})
	assert.InDeltaSlice(t, []float64{0, 1}, got, 1e-12)
}

const gmshV2Points = `$MeshFormat
2.2 0 8
$EndMeshFormat
$PhysicalNames
3
0 3 "corner"
1 1 "bottom"
2 2 "domain"
$EndPhysicalNames
$Nodes
4
1 0 0 0
2 1 0 0
3 0 1 0
4 1 1 0
$EndNodes
$Elements
4
1 2 2 2 0 1 2 3
2 2 2 2 0 4 3 2
3 1 2 1 0 1 2
4 15 2 3 0 1
$EndElements
`

func TestGmshPointGroups(t *testing.T) {
	tri, err := GmshTriangulation(strings.NewReader(gmshV2Points))
	require.NoError(t, err)
	assert.Equal(t, map[string][]int{"corner": {0}}, tri.PTags)
	assert.Len(t, tri.Tris, 2)
}

const gmshV41 = `$MeshFormat
4.1 0 8
$EndMeshFormat
$PhysicalNames
1
2 5 "all"
$EndPhysicalNames
$Entities
0 0 1 0
1 0 0 0 1 1 0 1 5 0
$EndEntities
$Nodes
1 3 1 3
2 1 0 3
1
2
3
0 0 0
1 0 0
0 1 0
$EndNodes
$Elements
1 1 1 1
2 1 2 1
1 1 2 3
$EndElements
`

func TestGmshV41(t *testing.T) {
	m, err := Gmsh(strings.NewReader(gmshV41))
	require.NoError(t, err)
	assert.Equal(t, 1, m.Topo.Len())

	all, ok := m.Topo.Group("all")
	require.True(t, ok)
	assert.Equal(t, 1, all.Len())
}

func TestGmshBadFormat(t *testing.T) {
	_, err := Gmsh(strings.NewReader("$MeshFormat\n3.0 0 8\n$EndMeshFormat\n"))
	assert.ErrorIs(t, err, ErrFormat)

	_, err = Gmsh(strings.NewReader("$MeshFormat\n2.2 1 8\n$EndMeshFormat\n"))
	assert.ErrorIs(t, err, ErrFormat)
}

const gmshV2Quad = `$MeshFormat
2.2 0 8
$EndMeshFormat
$Nodes
4
1 0 0 0
2 1 0 0
3 1 1 0
4 0 1 0
$EndNodes
$Elements
1
1 3 2 2 0 1 2 3 4
$EndElements
`

const gmshV41Quad = `$MeshFormat
4.1 0 8
$EndMeshFormat
$Entities
0 0 1 0
1 0 0 0 1 1 0 0 0
$EndEntities
$Nodes
1 4 1 4
2 1 0 4
1
2
3
4
0 0 0
1 0 0
1 1 0
0 1 0
$EndNodes
$Elements
1 1 1 1
2 1 3 1
1 1 2 3 4
$EndElements
`

// element types other than points, lines and triangles are rejected, not
// silently dropped
func TestGmshUnsupportedElementType(t *testing.T) {
	_, err := GmshTriangulation(strings.NewReader(gmshV2Quad))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormat)
	assert.ErrorContains(t, err, "element type 3")

	_, err = GmshTriangulation(strings.NewReader(gmshV41Quad))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormat)
	assert.ErrorContains(t, err, "element type 3")
}
