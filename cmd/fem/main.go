// Command fem inspects meshes and runs a self-verifying Poisson solve.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/calmech/fem/assemble"
	"github.com/calmech/fem/basis"
	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/matrix"
	"github.com/calmech/fem/mesh"
	"github.com/calmech/fem/namespace"
	"github.com/calmech/fem/topo"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "fem",
		Short:         "finite element toolkit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.AddCommand(newInfoCmd(), newLaplaceCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "fem", version)
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <mesh.msh>",
		Short: "summarize a Gmsh mesh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			tri, err := mesh.GmshTriangulation(f)
			if err != nil {
				return err
			}
			m, err := mesh.Simplex(tri)
			if err != nil {
				return err
			}
			b, err := m.Topo.Boundary()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "vertices:        %d\n", len(tri.Coords))
			fmt.Fprintf(out, "triangles:       %d\n", m.Topo.Len())
			fmt.Fprintf(out, "boundary facets: %d\n", b.Len())
			for _, name := range sortedKeys(tri.Groups) {
				fmt.Fprintf(out, "group %-16q %d elements\n", name, len(tri.Groups[name]))
			}
			for _, name := range sortedKeys(tri.BTags) {
				fmt.Fprintf(out, "boundary group %-7q %d facets\n", name, len(tri.BTags[name]))
			}
			return nil
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func newLaplaceCmd() *cobra.Command {
	var size, degree, workers int
	cmd := &cobra.Command{
		Use:   "laplace",
		Short: "solve a Poisson problem against a manufactured solution",
		Long: `Solves -Δu = 2π² sin(πx) sin(πy) on the unit square with zero
Dirichlet boundary and reports the L2 distance to the exact solution
sin(πx) sin(πy).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if size < 1 || degree < 1 {
				return fmt.Errorf("size and degree must be positive, got %d and %d", size, degree)
			}
			l2, ndofs, err := solveLaplace(cmd.Context(), size, degree, workers)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dofs: %d\nL2 error: %.6e\n", ndofs, l2)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 8, "elements per axis")
	cmd.Flags().IntVar(&degree, "degree", 1, "basis degree")
	cmd.Flags().IntVar(&workers, "workers", 0, "parallel workers (0 = all cores)")
	return cmd
}

// solveLaplace assembles and solves the manufactured Poisson problem,
// returning the L2 error of the discrete solution.
func solveLaplace(ctx context.Context, size, degree, workers int) (float64, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	m, err := mesh.UnitSquare(size)
	if err != nil {
		return 0, 0, err
	}
	b, err := m.Topo.Basis("std", topo.BasisOpts{Degree: degree})
	if err != nil {
		return 0, 0, err
	}
	phi, err := basis.Func(b, 2, []int{degree + 1, degree + 1})
	if err != nil {
		return 0, 0, err
	}
	ndofs := b.NDofs()
	slog.Debug("assembling", "elements", m.Topo.Len(), "dofs", ndofs)

	ns := namespace.New()
	if err := ns.SetGeometry("x", m.Geom, 2); err != nil {
		return 0, 0, err
	}
	if err := ns.Set("phi", phi); err != nil {
		return 0, 0, err
	}
	if err := ns.SetArg("u", []int{ndofs}); err != nil {
		return 0, 0, err
	}
	exact, load, err := manufactured(m.Geom)
	if err != nil {
		return 0, 0, err
	}
	if err := ns.Set("uexact", exact); err != nil {
		return 0, 0, err
	}
	if err := ns.Set("load", load); err != nil {
		return 0, 0, err
	}

	stiffness, err := ns.Eval("phi_n,i phi_m,i")
	if err != nil {
		return 0, 0, err
	}
	ka, err := assemble.IntegrateSymmetric(ctx, m.Topo, m.Geom, stiffness, assemble.Options{Degree: 2 * degree, Workers: workers})
	if err != nil {
		return 0, 0, err
	}
	k, err := matrix.Assemble(ka)
	if err != nil {
		return 0, 0, err
	}

	rhsInt, err := ns.Eval("load phi_n")
	if err != nil {
		return 0, 0, err
	}
	ra, err := assemble.Integrate(ctx, m.Topo, m.Geom, rhsInt, assemble.Options{Degree: 2*degree + 2, Workers: workers})
	if err != nil {
		return 0, 0, err
	}
	rhs := ra.Dense().AsFloat()

	// zero Dirichlet values on every dof with boundary support
	bdry, err := m.Topo.Boundary()
	if err != nil {
		return 0, 0, err
	}
	bmassInt, err := ns.Eval("phi_n phi_m")
	if err != nil {
		return 0, 0, err
	}
	ba, err := assemble.IntegrateSymmetric(ctx, bdry, m.Geom, bmassInt, assemble.Options{Degree: 2 * degree, Workers: workers, Parent: m.Topo})
	if err != nil {
		return 0, 0, err
	}
	bm, err := matrix.Assemble(ba)
	if err != nil {
		return 0, 0, err
	}
	cons := make([]float64, ndofs)
	for i, onBoundary := range bm.RowSupp(1e-12) {
		if !onBoundary {
			cons[i] = math.NaN()
		}
	}

	sol, err := k.Solve(rhs, cons, matrix.SolveOpts{})
	if err != nil {
		return 0, 0, err
	}

	errField, err := ns.Eval("phi_n u_n - uexact")
	if err != nil {
		return 0, 0, err
	}
	if err := ns.Set("e", errField); err != nil {
		return 0, 0, err
	}
	errSq, err := ns.Eval("e e")
	if err != nil {
		return 0, 0, err
	}
	l2sq, err := assemble.IntegrateScalar(ctx, m.Topo, m.Geom, errSq, assemble.Options{
		Degree:  2*degree + 2,
		Workers: workers,
		Args:    map[string]*expr.Value{"u": expr.NewValue([]int{ndofs}, sol)},
	})
	if err != nil {
		return 0, 0, err
	}
	return math.Sqrt(math.Max(l2sq, 0)), ndofs, nil
}

// manufactured returns the exact solution sin(πx) sin(πy) and its load
// 2π² sin(πx) sin(πy) as fields over the geometry.
func manufactured(geom *expr.Array) (exact, load *expr.Array, err error) {
	component := func(i int) (*expr.Array, error) {
		idx := expr.NewConstant(expr.NewIntValue([]int{1}, []int{i}))
		c, err := expr.Take(geom, 1, idx)
		if err != nil {
			return nil, err
		}
		return expr.Squeeze(c, 1)
	}
	x, err := component(0)
	if err != nil {
		return nil, nil, err
	}
	y, err := component(1)
	if err != nil {
		return nil, nil, err
	}
	pi := expr.ConstScalar(math.Pi)
	px, err := expr.Mul(pi, x)
	if err != nil {
		return nil, nil, err
	}
	py, err := expr.Mul(pi, y)
	if err != nil {
		return nil, nil, err
	}
	exact, err = expr.Mul(expr.Sin(px), expr.Sin(py))
	if err != nil {
		return nil, nil, err
	}
	load, err = expr.Mul(expr.ConstScalar(2*math.Pi*math.Pi), exact)
	if err != nil {
		return nil, nil, err
	}
	return exact, load, nil
}
