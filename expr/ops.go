package expr

import (
	"fmt"
	"math"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// foldIfConst evaluates the op eagerly when every argument is a constant
// and the result shape is fully known.
func foldIfConst(op Op, args []*Array, shape []int, dtype DType) (*Array, bool) {
	if shapeSize(shape) == VarLen {
		return nil, false
	}
	vals := make([]*Value, len(args))
	for i, arg := range args {
		v, ok := constValue(arg)
		if !ok {
			return nil, false
		}
		vals[i] = v
	}
	out, err := op.eval(&Env{}, vals)
	if err != nil {
		return nil, false
	}
	return NewConstant(out), true
}

// --- elementwise binary ---

type binKind uint8

const (
	binAdd binKind = iota
	binMul
	binPow
	binLess
	binGreater
	binEqual
)

var binNames = map[binKind]string{
	binAdd: "add", binMul: "mul", binPow: "pow",
	binLess: "less", binGreater: "greater", binEqual: "equal",
}

type binOp struct{ kind binKind }

func (o binOp) name() string      { return binNames[o.kind] }
func (o binOp) signature() string { return binNames[o.kind] }

func (o binOp) eval(env *Env, args []*Value) (*Value, error) {
	shape, err := broadcastShapes(args[0].Shape, args[1].Shape)
	if err != nil {
		return nil, err
	}
	a := args[0].broadcastTo(shape).AsFloat()
	b := args[1].broadcastTo(shape).AsFloat()
	switch o.kind {
	case binLess, binGreater, binEqual:
		out := make([]bool, len(a))
		for i := range a {
			switch o.kind {
			case binLess:
				out[i] = a[i] < b[i]
			case binGreater:
				out[i] = a[i] > b[i]
			case binEqual:
				out[i] = a[i] == b[i]
			}
		}
		return &Value{Shape: shape, Bool: out}, nil
	}
	out := make([]float64, len(a))
	switch o.kind {
	case binAdd:
		for i := range a {
			out[i] = a[i] + b[i]
		}
	case binMul:
		for i := range a {
			out[i] = a[i] * b[i]
		}
	case binPow:
		for i := range a {
			out[i] = math.Pow(a[i], b[i])
		}
	}
	return &Value{Shape: shape, Float: out}, nil
}

func newBinary(kind binKind, a, b *Array) (*Array, error) {
	shape, err := broadcastShapes(a.shape, b.shape)
	if err != nil {
		return nil, err
	}
	dtype := Float
	if kind == binLess || kind == binGreater || kind == binEqual {
		dtype = Bool
	}
	op := binOp{kind: kind}
	// structural simplifications
	switch kind {
	case binAdd:
		if IsZero(a) && shapeEqual(shape, b.shape) {
			return b, nil
		}
		if IsZero(b) && shapeEqual(shape, a.shape) {
			return a, nil
		}
	case binMul:
		if IsZero(a) || IsZero(b) {
			return Zeros(shape), nil
		}
		if isOne(a) && shapeEqual(shape, b.shape) {
			return b, nil
		}
		if isOne(b) && shapeEqual(shape, a.shape) {
			return a, nil
		}
	}
	if folded, ok := foldIfConst(op, []*Array{a, b}, shape, dtype); ok {
		return folded, nil
	}
	return intern(op, []*Array{a, b}, shape, dtype), nil
}

// Add returns the broadcast sum a+b.
func Add(a, b *Array) (*Array, error) { return newBinary(binAdd, a, b) }

// Mul returns the broadcast product a*b.
func Mul(a, b *Array) (*Array, error) { return newBinary(binMul, a, b) }

// Pow returns the broadcast power a**b.
func Pow(a, b *Array) (*Array, error) { return newBinary(binPow, a, b) }

// Sub is Add(a, Neg(b)).
func Sub(a, b *Array) (*Array, error) { return Add(a, Neg(b)) }

// Div is Mul(a, Reciprocal(b)).
func Div(a, b *Array) (*Array, error) { return Mul(a, Reciprocal(b)) }

// Less compares a<b elementwise, returning a bool array.
func Less(a, b *Array) (*Array, error) { return newBinary(binLess, a, b) }

// Greater compares a>b elementwise.
func Greater(a, b *Array) (*Array, error) { return newBinary(binGreater, a, b) }

// Equal compares a==b elementwise.
func Equal(a, b *Array) (*Array, error) { return newBinary(binEqual, a, b) }

// --- elementwise unary ---

type unKind uint8

const (
	unNeg unKind = iota
	unRecip
	unSin
	unCos
	unTan
	unExp
	unLog
	unSqrt
	unAbs
	unSign
)

var unNames = map[unKind]string{
	unNeg: "neg", unRecip: "reciprocal", unSin: "sin", unCos: "cos",
	unTan: "tan", unExp: "exp", unLog: "log", unSqrt: "sqrt",
	unAbs: "abs", unSign: "sign",
}

var unFuncs = map[unKind]func(float64) float64{
	unNeg:   func(x float64) float64 { return -x },
	unRecip: func(x float64) float64 { return 1 / x },
	unSin:   math.Sin,
	unCos:   math.Cos,
	unTan:   math.Tan,
	unExp:   math.Exp,
	unLog:   math.Log,
	unSqrt:  math.Sqrt,
	unAbs:   math.Abs,
	unSign: func(x float64) float64 {
		switch {
		case x > 0:
			return 1
		case x < 0:
			return -1
		}
		return 0
	},
}

type unOp struct{ kind unKind }

func (o unOp) name() string      { return unNames[o.kind] }
func (o unOp) signature() string { return unNames[o.kind] }
func (o unOp) eval(env *Env, args []*Value) (*Value, error) {
	src := args[0].AsFloat()
	out := make([]float64, len(src))
	fn := unFuncs[o.kind]
	for i, x := range src {
		out[i] = fn(x)
	}
	return &Value{Shape: args[0].Shape, Float: out}, nil
}

func newUnary(kind unKind, a *Array) *Array {
	op := unOp{kind: kind}
	switch kind {
	case unNeg:
		if inner, ok := a.op.(unOp); ok && inner.kind == unNeg {
			return a.args[0]
		}
		if IsZero(a) {
			return a
		}
	case unRecip:
		if inner, ok := a.op.(unOp); ok && inner.kind == unRecip {
			return a.args[0]
		}
	}
	if folded, ok := foldIfConst(op, []*Array{a}, a.shape, Float); ok {
		return folded
	}
	return intern(op, []*Array{a}, a.shape, Float)
}

func Neg(a *Array) *Array        { return newUnary(unNeg, a) }
func Reciprocal(a *Array) *Array { return newUnary(unRecip, a) }
func Sin(a *Array) *Array        { return newUnary(unSin, a) }
func Cos(a *Array) *Array        { return newUnary(unCos, a) }
func Tan(a *Array) *Array        { return newUnary(unTan, a) }
func Exp(a *Array) *Array        { return newUnary(unExp, a) }
func Log(a *Array) *Array        { return newUnary(unLog, a) }
func Sqrt(a *Array) *Array       { return newUnary(unSqrt, a) }
func Abs(a *Array) *Array        { return newUnary(unAbs, a) }
func Sign(a *Array) *Array       { return newUnary(unSign, a) }

// --- piecewise selection ---

type selectOp struct{}

func (selectOp) name() string      { return "select" }
func (selectOp) signature() string { return "select" }
func (selectOp) eval(env *Env, args []*Value) (*Value, error) {
	cond, a, b := args[0], args[1], args[2]
	shape, err := broadcastShapes(cond.Shape, a.Shape)
	if err != nil {
		return nil, err
	}
	shape, err = broadcastShapes(shape, b.Shape)
	if err != nil {
		return nil, err
	}
	if cond.Bool == nil {
		return nil, fmt.Errorf("select condition must be boolean")
	}
	cb := cond.broadcastTo(shape).Bool
	av := a.broadcastTo(shape).AsFloat()
	bv := b.broadcastTo(shape).AsFloat()
	out := make([]float64, len(cb))
	for i, c := range cb {
		if c {
			out[i] = av[i]
		} else {
			out[i] = bv[i]
		}
	}
	return &Value{Shape: shape, Float: out}, nil
}

// Select returns a where cond holds and b elsewhere.
func Select(cond, a, b *Array) (*Array, error) {
	if cond.dtype != Bool {
		return nil, fmt.Errorf("select condition has dtype %s, want bool", cond.dtype)
	}
	shape, err := broadcastShapes(cond.shape, a.shape)
	if err != nil {
		return nil, err
	}
	shape, err = broadcastShapes(shape, b.shape)
	if err != nil {
		return nil, err
	}
	op := selectOp{}
	if folded, ok := foldIfConst(op, []*Array{cond, a, b}, shape, Float); ok {
		return folded, nil
	}
	return intern(op, []*Array{cond, a, b}, shape, Float), nil
}

// --- reductions ---

type reduceOp struct {
	axis    int
	product bool
}

func (o reduceOp) name() string {
	if o.product {
		return "product"
	}
	return "sum"
}
func (o reduceOp) signature() string { return o.name() + ":" + strconv.Itoa(o.axis) }
func (o reduceOp) eval(env *Env, args []*Value) (*Value, error) {
	return args[0].reduce(o.axis, o.product), nil
}

func newReduce(a *Array, axis int, product bool) (*Array, error) {
	if axis < 0 || axis >= len(a.shape) {
		return nil, shapeError("reduction axis %d out of range for rank %d", axis, len(a.shape))
	}
	shape := append(append([]int{}, a.shape[:axis]...), a.shape[axis+1:]...)
	if !product && IsZero(a) {
		return Zeros(shape), nil
	}
	op := reduceOp{axis: axis, product: product}
	if folded, ok := foldIfConst(op, []*Array{a}, shape, Float); ok {
		return folded, nil
	}
	return intern(op, []*Array{a}, shape, Float), nil
}

// Sum reduces by addition along axis.
func Sum(a *Array, axis int) (*Array, error) { return newReduce(a, axis, false) }

// Product reduces by multiplication along axis.
func Product(a *Array, axis int) (*Array, error) { return newReduce(a, axis, true) }

// Dot multiplies elementwise and sums over the last axis of the broadcast
// result (a generalized inner product over matched trailing axes).
func Dot(a, b *Array) (*Array, error) {
	m, err := Mul(a, b)
	if err != nil {
		return nil, err
	}
	if m.NDim() == 0 {
		return m, nil
	}
	return Sum(m, m.NDim()-1)
}

// --- axis manipulation ---

type transposeOp struct{ perm []int }

func (o transposeOp) name() string { return "transpose" }
func (o transposeOp) signature() string {
	return "transpose:" + fmt.Sprint(o.perm)
}
func (o transposeOp) eval(env *Env, args []*Value) (*Value, error) {
	return args[0].transpose(o.perm), nil
}

// Transpose permutes axes by perm.
func Transpose(a *Array, perm []int) (*Array, error) {
	if len(perm) != len(a.shape) {
		return nil, shapeError("permutation length %d does not match rank %d", len(perm), len(a.shape))
	}
	seen := make([]bool, len(perm))
	identity := true
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, shapeError("invalid permutation %v", perm)
		}
		seen[p] = true
		if p != i {
			identity = false
		}
	}
	if identity {
		return a, nil
	}
	if inner, ok := a.op.(transposeOp); ok {
		composed := make([]int, len(perm))
		for i, p := range perm {
			composed[i] = inner.perm[p]
		}
		return Transpose(a.args[0], composed)
	}
	shape := make([]int, len(perm))
	for i, p := range perm {
		shape[i] = a.shape[p]
	}
	op := transposeOp{perm: append([]int{}, perm...)}
	if folded, ok := foldIfConst(op, []*Array{a}, shape, a.dtype); ok {
		return folded, nil
	}
	return intern(op, []*Array{a}, shape, a.dtype), nil
}

type insertAxisOp struct{ axis int }

func (o insertAxisOp) name() string      { return "insertaxis" }
func (o insertAxisOp) signature() string { return "insertaxis:" + strconv.Itoa(o.axis) }
func (o insertAxisOp) eval(env *Env, args []*Value) (*Value, error) {
	shape := append([]int{}, args[0].Shape[:o.axis]...)
	shape = append(shape, 1)
	shape = append(shape, args[0].Shape[o.axis:]...)
	return &Value{Shape: shape, Float: args[0].Float, Int: args[0].Int, Bool: args[0].Bool}, nil
}

// InsertAxis inserts a length-one axis at position axis.
func InsertAxis(a *Array, axis int) (*Array, error) {
	if axis < 0 || axis > len(a.shape) {
		return nil, shapeError("insert axis %d out of range for rank %d", axis, len(a.shape))
	}
	shape := append([]int{}, a.shape[:axis]...)
	shape = append(shape, 1)
	shape = append(shape, a.shape[axis:]...)
	return intern(insertAxisOp{axis: axis}, []*Array{a}, shape, a.dtype), nil
}

type squeezeOp struct{ axis int }

func (o squeezeOp) name() string      { return "squeeze" }
func (o squeezeOp) signature() string { return "squeeze:" + strconv.Itoa(o.axis) }
func (o squeezeOp) eval(env *Env, args []*Value) (*Value, error) {
	shape := append([]int{}, args[0].Shape[:o.axis]...)
	shape = append(shape, args[0].Shape[o.axis+1:]...)
	return &Value{Shape: shape, Float: args[0].Float, Int: args[0].Int, Bool: args[0].Bool}, nil
}

// Squeeze removes a length-one axis.
func Squeeze(a *Array, axis int) (*Array, error) {
	if axis < 0 || axis >= len(a.shape) || a.shape[axis] != 1 {
		return nil, shapeError("cannot squeeze axis %d of %s", axis, shapeString(a.shape))
	}
	shape := append([]int{}, a.shape[:axis]...)
	shape = append(shape, a.shape[axis+1:]...)
	return intern(squeezeOp{axis: axis}, []*Array{a}, shape, a.dtype), nil
}

type concatOp struct{ axis int }

func (o concatOp) name() string      { return "concat" }
func (o concatOp) signature() string { return "concat:" + strconv.Itoa(o.axis) }
func (o concatOp) eval(env *Env, args []*Value) (*Value, error) {
	shape := append([]int{}, args[0].Shape...)
	total := 0
	for _, v := range args {
		total += v.Shape[o.axis]
	}
	shape[o.axis] = total
	outer, _, inner := axisSplit(shape, o.axis)
	out := make([]float64, shapeSize(shape))
	pos := 0
	for o2 := 0; o2 < outer; o2++ {
		for _, v := range args {
			mid := v.Shape[o.axis]
			src := v.AsFloat()
			copy(out[pos:pos+mid*inner], src[o2*mid*inner:(o2+1)*mid*inner])
			pos += mid * inner
		}
	}
	return &Value{Shape: shape, Float: out}, nil
}

// Concat concatenates along axis. All other axes must agree.
func Concat(axis int, arrays ...*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, shapeError("concat of zero arrays")
	}
	if len(arrays) == 1 {
		return arrays[0], nil
	}
	first := arrays[0]
	if axis < 0 || axis >= len(first.shape) {
		return nil, shapeError("concat axis %d out of range for rank %d", axis, len(first.shape))
	}
	total := 0
	for _, a := range arrays {
		if len(a.shape) != len(first.shape) {
			return nil, shapeError("concat rank mismatch: %d vs %d", len(a.shape), len(first.shape))
		}
		for i := range a.shape {
			if i != axis && a.shape[i] != first.shape[i] {
				return nil, shapeError("concat shapes %s and %s differ outside axis %d", shapeString(first.shape), shapeString(a.shape), axis)
			}
		}
		if a.shape[axis] == VarLen || total == VarLen {
			total = VarLen
		} else {
			total += a.shape[axis]
		}
	}
	shape := append([]int{}, first.shape...)
	shape[axis] = total
	op := concatOp{axis: axis}
	if folded, ok := foldIfConst(op, arrays, shape, Float); ok {
		return folded, nil
	}
	return intern(op, arrays, shape, Float), nil
}

type takeOp struct{ axis int }

func (o takeOp) name() string      { return "take" }
func (o takeOp) signature() string { return "take:" + strconv.Itoa(o.axis) }
func (o takeOp) eval(env *Env, args []*Value) (*Value, error) {
	if args[1].Int == nil {
		return nil, fmt.Errorf("take indices must be integers")
	}
	return args[0].takeAlong(o.axis, args[1].Int)
}

// Take gathers entries of a along axis at the given 1-D integer indices.
func Take(a *Array, axis int, indices *Array) (*Array, error) {
	if axis < 0 || axis >= len(a.shape) {
		return nil, shapeError("take axis %d out of range for rank %d", axis, len(a.shape))
	}
	if indices.dtype != Int || indices.NDim() != 1 {
		return nil, shapeError("take indices must be a 1-D int array")
	}
	shape := append([]int{}, a.shape...)
	shape[axis] = indices.shape[0]
	op := takeOp{axis: axis}
	if folded, ok := foldIfConst(op, []*Array{a, indices}, shape, a.dtype); ok {
		return folded, nil
	}
	return intern(op, []*Array{a, indices}, shape, a.dtype), nil
}

// Mask keeps the entries of a along axis where the constant boolean mask
// holds. The mask length must match the axis length.
func Mask(a *Array, axis int, mask []bool) (*Array, error) {
	if axis < 0 || axis >= len(a.shape) {
		return nil, shapeError("mask axis %d out of range for rank %d", axis, len(a.shape))
	}
	if a.shape[axis] != VarLen && len(mask) != a.shape[axis] {
		return nil, shapeError("mask length %d does not match axis length %d", len(mask), a.shape[axis])
	}
	var where []int
	for i, b := range mask {
		if b {
			where = append(where, i)
		}
	}
	return Take(a, axis, NewConstant(NewIntValue([]int{len(where)}, where)))
}

// --- diagonal ---

type diagonalizeOp struct{}

func (diagonalizeOp) name() string      { return "diagonalize" }
func (diagonalizeOp) signature() string { return "diagonalize" }
func (diagonalizeOp) eval(env *Env, args []*Value) (*Value, error) {
	v := args[0]
	n := v.Shape[len(v.Shape)-1]
	outer := v.Size() / n
	shape := append(append([]int{}, v.Shape...), n)
	out := make([]float64, outer*n*n)
	src := v.AsFloat()
	for o := 0; o < outer; o++ {
		for i := 0; i < n; i++ {
			out[(o*n+i)*n+i] = src[o*n+i]
		}
	}
	return &Value{Shape: shape, Float: out}, nil
}

// Diagonalize turns the last axis (n) into a diagonal (n, n) block.
func Diagonalize(a *Array) (*Array, error) {
	if a.NDim() == 0 {
		return nil, shapeError("diagonalize needs at least one axis")
	}
	n := a.shape[len(a.shape)-1]
	if n == VarLen {
		return nil, shapeError("cannot diagonalize a variable-length axis")
	}
	shape := append(append([]int{}, a.shape...), n)
	op := diagonalizeOp{}
	if folded, ok := foldIfConst(op, []*Array{a}, shape, Float); ok {
		return folded, nil
	}
	return intern(op, []*Array{a}, shape, Float), nil
}

type takeDiagOp struct{}

func (takeDiagOp) name() string      { return "takediag" }
func (takeDiagOp) signature() string { return "takediag" }
func (takeDiagOp) eval(env *Env, args []*Value) (*Value, error) {
	v := args[0]
	nd := len(v.Shape)
	n := v.Shape[nd-1]
	outer := v.Size() / (n * n)
	shape := append([]int{}, v.Shape[:nd-1]...)
	out := make([]float64, outer*n)
	src := v.AsFloat()
	for o := 0; o < outer; o++ {
		for i := 0; i < n; i++ {
			out[o*n+i] = src[(o*n+i)*n+i]
		}
	}
	return &Value{Shape: shape, Float: out}, nil
}

// TakeDiag extracts the diagonal of the trailing square block.
func TakeDiag(a *Array) (*Array, error) {
	nd := a.NDim()
	if nd < 2 || a.shape[nd-1] != a.shape[nd-2] || a.shape[nd-1] == VarLen {
		return nil, shapeError("takediag needs trailing square axes, got %s", shapeString(a.shape))
	}
	shape := append([]int{}, a.shape[:nd-1]...)
	op := takeDiagOp{}
	if folded, ok := foldIfConst(op, []*Array{a}, shape, Float); ok {
		return folded, nil
	}
	return intern(op, []*Array{a}, shape, Float), nil
}

// --- sparsity carrier ---

type inflateOp struct {
	axis   int
	length int
}

func (o inflateOp) name() string { return "inflate" }
func (o inflateOp) signature() string {
	return "inflate:" + strconv.Itoa(o.axis) + ":" + strconv.Itoa(o.length)
}
func (o inflateOp) eval(env *Env, args []*Value) (*Value, error) {
	if args[1].Int == nil {
		return nil, fmt.Errorf("inflate indices must be integers")
	}
	return args[0].inflateInto(o.axis, o.length, args[1].Int)
}

// Inflate scatters values into a zero array of the given axis length via a
// 1-D integer index stream; duplicate indices accumulate. This node is the
// sparsity carrier recognized by Blocks.
func Inflate(values *Array, indices *Array, length, axis int) (*Array, error) {
	if axis < 0 || axis >= len(values.shape) {
		return nil, shapeError("inflate axis %d out of range for rank %d", axis, len(values.shape))
	}
	if indices.dtype != Int || indices.NDim() != 1 {
		return nil, shapeError("inflate indices must be a 1-D int array")
	}
	if values.shape[axis] != VarLen && indices.shape[0] != VarLen && values.shape[axis] != indices.shape[0] {
		return nil, shapeError("inflate: axis length %d does not match %d indices", values.shape[axis], indices.shape[0])
	}
	shape := append([]int{}, values.shape...)
	shape[axis] = length
	return intern(inflateOp{axis: axis, length: length}, []*Array{values, indices}, shape, Float), nil
}

// --- polynomial evaluation ---

type polyvalOp struct {
	ndims int
	deriv int
}

func (o polyvalOp) name() string { return "polyval" }
func (o polyvalOp) signature() string {
	return "polyval:" + strconv.Itoa(o.ndims) + ":" + strconv.Itoa(o.deriv)
}

func (o polyvalOp) eval(env *Env, args []*Value) (*Value, error) {
	coeffs, points := args[0], args[1]
	if len(points.Shape) != 2 || points.Shape[1] != o.ndims {
		return nil, shapeError("polyval points have shape %s, want (?,%d)", shapeString(points.Shape), o.ndims)
	}
	if len(coeffs.Shape) != 1+o.ndims {
		return nil, shapeError("polyval coefficients have rank %d, want %d", len(coeffs.Shape), 1+o.ndims)
	}
	npts := points.Shape[0]
	ndofs := coeffs.Shape[0]
	degShape := coeffs.Shape[1:]
	cdata := coeffs.AsFloat()
	pdata := points.AsFloat()
	nmono := 1
	for _, d := range degShape {
		nmono *= d
	}
	// exponent multi-indices, row-major over the coefficient block
	expo := make([][]int, nmono)
	for m := 0; m < nmono; m++ {
		e := make([]int, o.ndims)
		rem := m
		for d := o.ndims - 1; d >= 0; d-- {
			e[d] = rem % degShape[d]
			rem /= degShape[d]
		}
		expo[m] = e
	}
	pw := func(x float64, n int) float64 {
		r := 1.0
		for i := 0; i < n; i++ {
			r *= x
		}
		return r
	}
	if o.deriv == 0 {
		out := make([]float64, npts*ndofs)
		for p := 0; p < npts; p++ {
			x := pdata[p*o.ndims : (p+1)*o.ndims]
			for k := 0; k < ndofs; k++ {
				acc := 0.0
				for m := 0; m < nmono; m++ {
					c := cdata[k*nmono+m]
					if c == 0 {
						continue
					}
					term := c
					for d, e := range expo[m] {
						term *= pw(x[d], e)
					}
					acc += term
				}
				out[p*ndofs+k] = acc
			}
		}
		return &Value{Shape: []int{npts, ndofs}, Float: out}, nil
	}
	// first derivative: one extra trailing axis over local dimensions
	out := make([]float64, npts*ndofs*o.ndims)
	for p := 0; p < npts; p++ {
		x := pdata[p*o.ndims : (p+1)*o.ndims]
		for k := 0; k < ndofs; k++ {
			for dd := 0; dd < o.ndims; dd++ {
				acc := 0.0
				for m := 0; m < nmono; m++ {
					c := cdata[k*nmono+m]
					if c == 0 || expo[m][dd] == 0 {
						continue
					}
					term := c * float64(expo[m][dd])
					for d, e := range expo[m] {
						if d == dd {
							term *= pw(x[d], e-1)
						} else {
							term *= pw(x[d], e)
						}
					}
					acc += term
				}
				out[(p*ndofs+k)*o.ndims+dd] = acc
			}
		}
	}
	return &Value{Shape: []int{npts, ndofs, o.ndims}, Float: out}, nil
}

// Polyval evaluates per-dof polynomial coefficient blocks at the local
// points. coeffs has shape (ndofs, deg+1, ..., deg+1) with one trailing
// axis per local dimension; the result has shape (npoints, ndofs).
func Polyval(coeffs, points *Array, ndims int) (*Array, error) {
	if len(coeffs.shape) != 1+ndims {
		return nil, shapeError("polyval coefficients have rank %d, want %d", len(coeffs.shape), 1+ndims)
	}
	if len(points.shape) != 2 || points.shape[1] != ndims {
		return nil, shapeError("polyval points have shape %s, want (?,%d)", shapeString(points.shape), ndims)
	}
	shape := []int{points.shape[0], coeffs.shape[0]}
	return intern(polyvalOp{ndims: ndims, deriv: 0}, []*Array{coeffs, points}, shape, Float), nil
}

// --- per-point linear algebra used by geometry ---

type inverseOp struct{}

func (inverseOp) name() string      { return "inverse" }
func (inverseOp) signature() string { return "inverse" }
func (inverseOp) eval(env *Env, args []*Value) (*Value, error) {
	v := args[0]
	nd := len(v.Shape)
	n := v.Shape[nd-1]
	outer := v.Size() / (n * n)
	src := v.AsFloat()
	out := make([]float64, len(src))
	var inv mat.Dense
	for o := 0; o < outer; o++ {
		block := mat.NewDense(n, n, src[o*n*n:(o+1)*n*n])
		if err := inv.Inverse(block); err != nil {
			return nil, fmt.Errorf("singular matrix in block %d: %w", o, err)
		}
		copy(out[o*n*n:(o+1)*n*n], inv.RawMatrix().Data)
	}
	return &Value{Shape: v.Shape, Float: out}, nil
}

// Inverse inverts the trailing square blocks pointwise.
func Inverse(a *Array) (*Array, error) {
	nd := a.NDim()
	if nd < 2 || a.shape[nd-1] != a.shape[nd-2] || a.shape[nd-1] == VarLen {
		return nil, shapeError("inverse needs trailing square axes, got %s", shapeString(a.shape))
	}
	return intern(inverseOp{}, []*Array{a}, a.shape, Float), nil
}

type determinantOp struct{}

func (determinantOp) name() string      { return "determinant" }
func (determinantOp) signature() string { return "determinant" }
func (determinantOp) eval(env *Env, args []*Value) (*Value, error) {
	v := args[0]
	nd := len(v.Shape)
	rows, cols := v.Shape[nd-2], v.Shape[nd-1]
	outer := v.Size() / (rows * cols)
	src := v.AsFloat()
	out := make([]float64, outer)
	for o := 0; o < outer; o++ {
		block := mat.NewDense(rows, cols, src[o*rows*cols:(o+1)*rows*cols])
		if rows == cols {
			out[o] = mat.Det(block)
		} else {
			// embedded geometry: sqrt of the Gram determinant
			var gram mat.Dense
			gram.Mul(block.T(), block)
			out[o] = math.Sqrt(mat.Det(&gram))
		}
	}
	return &Value{Shape: v.Shape[:nd-2], Float: out}, nil
}

// Determinant computes the determinant of the trailing (rows, cols) blocks.
// For non-square blocks (an embedded geometry Jacobian) it returns the
// square root of the Gram determinant, the correct integration scale.
func Determinant(a *Array) (*Array, error) {
	nd := a.NDim()
	if nd < 2 || a.shape[nd-1] == VarLen || a.shape[nd-2] == VarLen {
		return nil, shapeError("determinant needs trailing matrix axes, got %s", shapeString(a.shape))
	}
	if a.shape[nd-2] < a.shape[nd-1] {
		return nil, shapeError("determinant of wide block %s", shapeString(a.shape))
	}
	return intern(determinantOp{}, []*Array{a}, a.shape[:nd-2], Float), nil
}

// MatMul multiplies trailing matrix axes: (..., m, k) x (..., k, n) ->
// (..., m, n), built from broadcasting primitives.
func MatMul(a, b *Array) (*Array, error) {
	an, bn := a.NDim(), b.NDim()
	if an < 2 || bn < 2 {
		return nil, shapeError("matmul needs matrix operands")
	}
	a2, err := InsertAxis(a, an)
	if err != nil {
		return nil, err
	}
	b2, err := InsertAxis(b, bn-2)
	if err != nil {
		return nil, err
	}
	m, err := Mul(a2, b2)
	if err != nil {
		return nil, err
	}
	return Sum(m, m.NDim()-2)
}
