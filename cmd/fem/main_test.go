package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const squareMsh = `$MeshFormat
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

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "fem")
	assert.Contains(t, out, version)
}

func TestInfoCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "square.msh")
	require.NoError(t, os.WriteFile(path, []byte(squareMsh), 0o644))

	out, err := runCmd(t, "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "vertices:        4")
	assert.Contains(t, out, "triangles:       2")
	assert.Contains(t, out, "boundary facets: 4")
	assert.Contains(t, out, `"domain"`)
	assert.Contains(t, out, `"bottom"`)

	_, err = runCmd(t, "info", filepath.Join(t.TempDir(), "missing.msh"))
	assert.Error(t, err)
}

func TestSolveLaplace(t *testing.T) {
	l2, ndofs, err := solveLaplace(context.Background(), 4, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 25, ndofs)
	assert.Greater(t, l2, 0.0)
	assert.Less(t, l2, 0.1)
}

func TestSolveLaplaceConverges(t *testing.T) {
	coarse, _, err := solveLaplace(context.Background(), 4, 1, 1)
	require.NoError(t, err)
	fine, _, err := solveLaplace(context.Background(), 8, 1, 1)
	require.NoError(t, err)
	// second order convergence: halving h divides the error by about four
	assert.Less(t, fine, 0.4*coarse)
}

func TestLaplaceCmdValidation(t *testing.T) {
	_, err := runCmd(t, "laplace", "--size", "0")
	assert.Error(t, err)
}
