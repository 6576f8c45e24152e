// Package assemble integrates expression fields over topologies into
// dense or sparse tensors, fanning the element loop out over workers.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/calmech/fem/expr"
	"github.com/calmech/fem/parallel"
	"github.com/calmech/fem/quadrature"
	"github.com/calmech/fem/topo"
)

// ErrAssemble reports invalid integration setups.
var ErrAssemble = errors.New("assemble: invalid integral")

// Options tunes an integration pass.
type Options struct {
	// Degree of polynomial exactness of the gauss rule.
	Degree int
	// Workers bounds the parallel element loop; non-positive picks the CPU
	// count.
	Workers int
	// Parent resolves element data through the enclosing topology when the
	// integration domain consists of facets (boundary or interface
	// integrals). The facet transforms must extend Parent's elements.
	Parent topo.Topology
	// Args provides values for named argument nodes in the integrand.
	Args map[string]*expr.Value
}

// Assembled is the sparse result of an integral: one index row per axis
// and the matching data entries, duplicates summed away.
type Assembled struct {
	Shape []int
	Index [][]int
	Data  []float64
}

// Dense scatters the entries into a full tensor.
func (a *Assembled) Dense() *expr.Value {
	size := 1
	for _, s := range a.Shape {
		size *= s
	}
	out := make([]float64, size)
	for k, v := range a.Data {
		flat := 0
		for axis, s := range a.Shape {
			flat = flat*s + a.Index[axis][k]
		}
		out[flat] += v
	}
	return expr.NewValue(append([]int{}, a.Shape...), out)
}

// Scalar unwraps a rank-0 result.
func (a *Assembled) Scalar() (float64, error) {
	if len(a.Shape) != 0 {
		return 0, fmt.Errorf("%w: result has shape %v, not scalar", ErrAssemble, a.Shape)
	}
	total := 0.0
	for _, v := range a.Data {
		total += v
	}
	return total, nil
}

// withPointsAxis ensures the integrand varies over the leading points axis,
// broadcasting point-independent integrands.
func withPointsAxis(f *expr.Array) (*expr.Array, error) {
	shape := f.Shape()
	if len(shape) > 0 && shape[0] == expr.VarLen {
		return f, nil
	}
	zeros := expr.Zeros(append([]int{expr.VarLen}, shape...))
	return expr.Add(zeros, f)
}

// Integrate evaluates the integral of f against the measure induced by
// geom over every element of dom, and sums the contributions. The leading
// axis of f is the points axis; the remaining axes shape the result.
func Integrate(ctx context.Context, dom topo.Topology, geom, f *expr.Array, opts Options) (*Assembled, error) {
	return integrate(ctx, dom, geom, f, opts, false)
}

// IntegrateSymmetric integrates a rank-2 integrand known to be symmetric,
// such as a mass or stiffness form. Only the upper triangle is accumulated
// and compacted; off-diagonal entries are mirrored afterwards.
func IntegrateSymmetric(ctx context.Context, dom topo.Topology, geom, f *expr.Array, opts Options) (*Assembled, error) {
	a, err := integrate(ctx, dom, geom, f, opts, true)
	if err != nil {
		return nil, err
	}
	m := newCOO(a.Shape)
	m.index[0] = append([]int{}, a.Index[0]...)
	m.index[1] = append([]int{}, a.Index[1]...)
	m.data = append([]float64{}, a.Data...)
	for k, v := range a.Data {
		if i, j := a.Index[0][k], a.Index[1][k]; i < j {
			m.index[0] = append(m.index[0], j)
			m.index[1] = append(m.index[1], i)
			m.data = append(m.data, v)
		}
	}
	return mergeCOO(a.Shape, []*coo{m}), nil
}

func integrate(ctx context.Context, dom topo.Topology, geom, f *expr.Array, opts Options, symmetric bool) (*Assembled, error) {
	if opts.Degree < 0 {
		return nil, fmt.Errorf("%w: negative quadrature degree %d", ErrAssemble, opts.Degree)
	}
	f, err := withPointsAxis(f)
	if err != nil {
		return nil, err
	}
	f, err = expr.Simplify(f)
	if err != nil {
		return nil, err
	}
	resShape := f.Shape()[1:]
	for axis, s := range resShape {
		if s == expr.VarLen {
			return nil, fmt.Errorf("%w: result axis %d has unresolved length", ErrAssemble, axis)
		}
	}
	if symmetric && (len(resShape) != 2 || resShape[0] != resShape[1]) {
		return nil, fmt.Errorf("%w: symmetric integration needs a square rank-2 integrand, got shape %v", ErrAssemble, resShape)
	}
	blocks := expr.Blocks(f)

	evalDims := dom.NDims()
	var parentEdict map[string]int
	if opts.Parent != nil {
		evalDims = opts.Parent.NDims()
		parentEdict = topo.Edict(opts.Parent)
	}
	grad, err := expr.LocalGradient(geom, evalDims)
	if err != nil {
		return nil, err
	}
	gdim := geom.Shape()[len(geom.Shape())-1]

	scheme := quadrature.Scheme{Kind: "gauss", Degree: opts.Degree}
	workers := parallel.Workers(opts.Workers)
	acc := make([]*coo, workers)
	for w := range acc {
		acc[w] = newCOO(resShape)
		acc[w].upper = symmetric
	}

	err = parallel.Map(ctx, dom.Len(), workers, func(ctx context.Context, w parallel.Worker, lo, hi int) error {
		buf := acc[w.Index]
		for i := lo; i < hi; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := integrateElem(dom, i, blocks, grad, gdim, scheme, parentEdict, opts.Args, buf); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := mergeCOO(resShape, acc)
	slog.Debug("integral assembled", "elements", dom.Len(), "workers", workers, "entries", len(out.Data))
	return out, nil
}

// IntegrateScalar is Integrate for rank-0 integrands.
func IntegrateScalar(ctx context.Context, dom topo.Topology, geom, f *expr.Array, opts Options) (float64, error) {
	a, err := Integrate(ctx, dom, geom, f, opts)
	if err != nil {
		return 0, err
	}
	return a.Scalar()
}

// elemEnv locates the evaluation environment of a domain element: its
// index and local points in parent coordinates when integrating facets.
func elemEnv(dom topo.Topology, i int, rule quadrature.Rule, parentEdict map[string]int, args map[string]*expr.Value) (*expr.Env, []float64, int, error) {
	e := dom.Elem(i)
	facetDims := e.Ref.NDims()
	if parentEdict == nil {
		pts := expr.NewValue([]int{rule.NPoints(), facetDims}, append([]float64{}, rule.Points...))
		return &expr.Env{Points: pts, Elem: i, Args: args}, identityLinear(facetDims), facetDims, nil
	}
	parent, tail, ok := topo.Lookup(e.Trans, parentEdict)
	if !ok {
		return nil, nil, 0, fmt.Errorf("%w: facet does not extend any parent element", ErrAssemble)
	}
	mapped := tail.Apply(rule.Points, rule.NPoints())
	evalDims := len(mapped) / rule.NPoints()
	pts := expr.NewValue([]int{rule.NPoints(), evalDims}, mapped)
	return &expr.Env{Points: pts, Elem: parent, Args: args}, tailLinear(tail, facetDims, evalDims), facetDims, nil
}

// identityLinear is the trivial facet-to-cell map of a volume element.
func identityLinear(nd int) []float64 {
	out := make([]float64, nd*nd)
	for i := 0; i < nd; i++ {
		out[i*nd+i] = 1
	}
	return out
}

// tailLinear extracts the constant linear part of the facet embedding,
// row-major (evalDims, facetDims).
func tailLinear(tail topo.Transform, facetDims, evalDims int) []float64 {
	if len(tail) == 0 {
		return identityLinear(facetDims)
	}
	probe := make([]float64, (facetDims+1)*facetDims)
	for j := 0; j < facetDims; j++ {
		probe[(j+1)*facetDims+j] = 1 // unit vectors after the origin
	}
	img := tail.Apply(probe, facetDims+1)
	out := make([]float64, evalDims*facetDims)
	for j := 0; j < facetDims; j++ {
		for d := 0; d < evalDims; d++ {
			out[d*facetDims+j] = img[(j+1)*evalDims+d] - img[d]
		}
	}
	return out
}

func integrateElem(dom topo.Topology, i int, blocks []expr.Block, grad *expr.Array, gdim int, scheme quadrature.Scheme, parentEdict map[string]int, args map[string]*expr.Value, buf *coo) error {
	e := dom.Elem(i)
	rule, err := topo.RuleFor(e.Ref, scheme)
	if err != nil {
		return err
	}
	if rule.Weights == nil {
		return fmt.Errorf("%w: scheme carries no weights", ErrAssemble)
	}
	npts := rule.NPoints()
	if npts == 0 {
		return nil
	}
	env, linear, facetDims, err := elemEnv(dom, i, rule, parentEdict, args)
	if err != nil {
		return err
	}
	weights, err := measureWeights(env, grad, gdim, linear, facetDims, rule.Weights)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if err := accumulateBlock(env, b, weights, buf); err != nil {
			return err
		}
	}
	return nil
}

// measureWeights folds the quadrature weights with the metric factor
// sqrt(det(JᵀJ)) of the composed map local -> facet -> geometry.
func measureWeights(env *expr.Env, grad *expr.Array, gdim int, linear []float64, facetDims int, qw []float64) ([]float64, error) {
	jv, err := grad.Eval(env)
	if err != nil {
		return nil, err
	}
	npts := len(qw)
	evalDims := len(linear) / facetDims
	jf := mat.NewDense(gdim, facetDims, nil)
	l := mat.NewDense(evalDims, facetDims, linear)
	gram := mat.NewDense(facetDims, facetDims, nil)
	jdata := jv.AsFloat()
	out := make([]float64, npts)
	for p := 0; p < npts; p++ {
		j := mat.NewDense(gdim, evalDims, jdata[p*gdim*evalDims:(p+1)*gdim*evalDims])
		jf.Mul(j, l)
		gram.Mul(jf.T(), jf)
		det := mat.Det(gram)
		if det < 0 {
			det = 0
		}
		out[p] = qw[p] * math.Sqrt(det)
	}
	return out, nil
}

// accumulateBlock contracts one sparse block against the weights and
// scatters the result into the accumulator.
func accumulateBlock(env *expr.Env, b expr.Block, weights []float64, buf *coo) error {
	v, err := b.Values.Eval(env)
	if err != nil {
		return err
	}
	vshape := v.Shape
	npts := vshape[0]
	if npts != len(weights) {
		return fmt.Errorf("%w: block evaluated %d points, rule has %d", ErrAssemble, npts, len(weights))
	}
	inner := 1
	for _, s := range vshape[1:] {
		inner *= s
	}
	data := v.AsFloat()
	contracted := make([]float64, inner)
	for p := 0; p < npts; p++ {
		w := weights[p]
		if w == 0 {
			continue
		}
		row := data[p*inner : (p+1)*inner]
		for k, x := range row {
			contracted[k] += w * x
		}
	}

	// resolve the index streams of the result axes
	rank := len(b.Indices) - 1
	idx := make([][]int, rank)
	for axis := 0; axis < rank; axis++ {
		if b.Indices[axis+1] == nil {
			continue
		}
		iv, err := b.Indices[axis+1].Eval(env)
		if err != nil {
			return err
		}
		idx[axis] = iv.AsInt()
		if len(idx[axis]) != vshape[axis+1] {
			return fmt.Errorf("%w: axis %d has %d indices for %d entries", ErrAssemble, axis, len(idx[axis]), vshape[axis+1])
		}
	}
	buf.scatter(vshape[1:], idx, contracted)
	return nil
}

// coo accumulates scattered entries, one accumulator per worker. With
// upper set, entries below the diagonal are dropped at the source.
type coo struct {
	shape []int
	index [][]int
	data  []float64
	upper bool
}

func newCOO(shape []int) *coo {
	return &coo{shape: shape, index: make([][]int, len(shape))}
}

// scatter appends a dense sub-block at the given per-axis positions. A nil
// index row means the block spans the axis in full.
func (c *coo) scatter(bshape []int, idx [][]int, data []float64) {
	rank := len(c.shape)
	pos := make([]int, rank)
	global := make([]int, rank)
	for k, v := range data {
		if v == 0 {
			continue
		}
		rem := k
		for axis := rank - 1; axis >= 0; axis-- {
			pos[axis] = rem % bshape[axis]
			rem /= bshape[axis]
		}
		for axis := 0; axis < rank; axis++ {
			p := pos[axis]
			if idx[axis] != nil {
				p = idx[axis][p]
			}
			global[axis] = p
		}
		if c.upper && global[0] > global[1] {
			continue
		}
		for axis := 0; axis < rank; axis++ {
			c.index[axis] = append(c.index[axis], global[axis])
		}
		c.data = append(c.data, v)
	}
}

// mergeCOO joins the worker accumulators and sums duplicate positions.
func mergeCOO(shape []int, parts []*coo) *Assembled {
	rank := len(shape)
	total := 0
	for _, p := range parts {
		total += len(p.data)
	}
	index := make([][]int, rank)
	for axis := range index {
		index[axis] = make([]int, 0, total)
	}
	data := make([]float64, 0, total)
	for _, p := range parts {
		for axis := range index {
			index[axis] = append(index[axis], p.index[axis]...)
		}
		data = append(data, p.data...)
	}
	if rank == 0 {
		sum := 0.0
		for _, v := range data {
			sum += v
		}
		return &Assembled{Shape: shape, Index: index, Data: []float64{sum}}
	}

	order := make([]int, len(data))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		for axis := 0; axis < rank; axis++ {
			if index[axis][ia] != index[axis][ib] {
				return index[axis][ia] < index[axis][ib]
			}
		}
		return false
	})
	outIndex := make([][]int, rank)
	var outData []float64
	samePos := func(a, b int) bool {
		for axis := 0; axis < rank; axis++ {
			if index[axis][a] != index[axis][b] {
				return false
			}
		}
		return true
	}
	for k := 0; k < len(order); {
		i := order[k]
		sum := data[i]
		k++
		for k < len(order) && samePos(i, order[k]) {
			sum += data[order[k]]
			k++
		}
		for axis := 0; axis < rank; axis++ {
			outIndex[axis] = append(outIndex[axis], index[axis][i])
		}
		outData = append(outData, sum)
	}
	return &Assembled{Shape: append([]int{}, shape...), Index: outIndex, Data: outData}
}
