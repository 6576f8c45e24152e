package assemble

import (
	"context"
	"fmt"

	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/parallel"
	"github.com/calmech/fem/quadrature"
	"github.com/calmech/fem/topo"
)

// Sampled holds a field evaluated on a point set over a topology: the
// geometry image of every point, the field values, and the element
// offsets into both.
type Sampled struct {
	Points  *expr.Value // (npoints, gdim)
	Values  *expr.Value // (npoints, ...)
	Offsets []int       // len dom.Len()+1
}

// ElemValues returns the value rows of one element.
func (s *Sampled) ElemValues(i int) (*expr.Value, error) {
	lo, hi := s.Offsets[i], s.Offsets[i+1]
	rows := make([]int, 0, hi-lo)
	for k := lo; k < hi; k++ {
		rows = append(rows, k)
	}
	return s.Values.TakeRows(rows)
}

// Sample evaluates geom and f on the scheme's point set of every element.
// Sampling schemes such as bezier or vertex give export-ready point grids;
// gauss schemes give the integration points themselves.
func Sample(ctx context.Context, dom topo.Topology, geom, f *expr.Array, scheme quadrature.Scheme, opts Options) (*Sampled, error) {
	f, err := withPointsAxis(f)
	if err != nil {
		return nil, err
	}
	f, err = expr.Simplify(f)
	if err != nil {
		return nil, err
	}
	inner := 1
	for axis, s := range f.Shape()[1:] {
		if s == expr.VarLen {
			return nil, fmt.Errorf("%w: sampled axis %d has unresolved length", ErrAssemble, axis)
		}
		inner *= s
	}
	gdim := geom.Shape()[len(geom.Shape())-1]

	var parentEdict map[string]int
	if opts.Parent != nil {
		parentEdict = topo.Edict(opts.Parent)
	}

	// first pass: rule sizes fix the layout
	rules := make([]quadrature.Rule, dom.Len())
	offsets := make([]int, dom.Len()+1)
	for i := 0; i < dom.Len(); i++ {
		rule, err := topo.RuleFor(dom.Elem(i).Ref, scheme)
		if err != nil {
			return nil, err
		}
		rules[i] = rule
		offsets[i+1] = offsets[i] + rule.NPoints()
	}
	total := offsets[dom.Len()]
	points := make([]float64, total*gdim)
	values := make([]float64, total*inner)

	err = parallel.ForEach(ctx, dom.Len(), opts.Workers, func(ctx context.Context, i int) error {
		rule := rules[i]
		if rule.NPoints() == 0 {
			return nil
		}
		env, _, _, err := elemEnv(dom, i, rule, parentEdict, opts.Args)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		gv, err := geom.Eval(env)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		fv, err := f.Eval(env)
		if err != nil {
			return fmt.Errorf("element %d: %w", i, err)
		}
		copy(points[offsets[i]*gdim:], gv.AsFloat())
		copy(values[offsets[i]*inner:], fv.AsFloat())
		return nil
	})
	if err != nil {
		return nil, err
	}
	vshape := append([]int{total}, f.Shape()[1:]...)
	return &Sampled{
		Points:  expr.NewValue([]int{total, gdim}, points),
		Values:  expr.NewValue(vshape, values),
		Offsets: offsets,
	}, nil
}
