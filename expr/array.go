// Package expr implements a lazy, shape-typed tensor expression graph.
//
// Nodes are immutable and interned: constructing the same operation on the
// same children yields the same *Array pointer, which makes structural
// equality a pointer comparison and lets simplification and evaluation
// memoize safely. Numeric work happens only in Eval; everything else is
// symbolic composition.
package expr

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
)

// Op is the operation tag of a node. Implementations carry their static
// parameters (axis numbers, permutations, ...) and define evaluation.
type Op interface {
	name() string
	// signature must uniquely describe the op instance including its
	// parameters, so that interning can identify structurally identical
	// nodes. Ops that close over external state return a unique token.
	signature() string
	eval(env *Env, args []*Value) (*Value, error)
}

// Array is an immutable node in the expression DAG.
type Array struct {
	op    Op
	args  []*Array
	shape []int
	dtype DType
	id    uint64
	key   string
}

func (a *Array) Shape() []int   { return append([]int{}, a.shape...) }
func (a *Array) NDim() int      { return len(a.shape) }
func (a *Array) DType() DType   { return a.dtype }
func (a *Array) OpName() string { return a.op.name() }

func (a *Array) String() string {
	if len(a.args) == 0 {
		return a.op.name() + shapeString(a.shape)
	}
	parts := make([]string, len(a.args))
	for i, arg := range a.args {
		parts[i] = arg.String()
	}
	return a.op.name() + "(" + strings.Join(parts, ", ") + ")"
}

var interner = struct {
	sync.Mutex
	nodes map[string]*Array
	next  uint64
}{nodes: make(map[string]*Array)}

// intern canonicalizes a node: identical (op, args, shape, dtype) yields an
// identical pointer.
func intern(op Op, args []*Array, shape []int, dtype DType) *Array {
	var sb strings.Builder
	sb.WriteString(op.signature())
	sb.WriteByte('[')
	for _, arg := range args {
		sb.WriteString(strconv.FormatUint(arg.id, 36))
		sb.WriteByte(',')
	}
	sb.WriteByte(']')
	sb.WriteString(shapeString(shape))
	sb.WriteString(dtype.String())
	key := sb.String()

	interner.Lock()
	defer interner.Unlock()
	if node, ok := interner.nodes[key]; ok {
		return node
	}
	interner.next++
	node := &Array{
		op:    op,
		args:  append([]*Array{}, args...),
		shape: append([]int{}, shape...),
		dtype: dtype,
		id:    interner.next,
		key:   key,
	}
	interner.nodes[key] = node
	return node
}

// Env carries the concrete per-element inputs of an evaluation.
type Env struct {
	// Points holds the local coordinates, shape (npoints, ndims).
	Points *Value
	// Elem is the element index within the topology being evaluated.
	Elem int
	// Args resolves named Argument nodes.
	Args map[string]*Value

	cache map[*Array]*Value
}

// Eval evaluates the node for the given environment. The result has the
// node's declared shape with VarLen axes resolved to concrete lengths.
func (a *Array) Eval(env *Env) (*Value, error) {
	if env.cache == nil {
		env.cache = make(map[*Array]*Value)
	}
	return a.evalMemo(env)
}

func (a *Array) evalMemo(env *Env) (*Value, error) {
	if v, ok := env.cache[a]; ok {
		return v, nil
	}
	argv := make([]*Value, len(a.args))
	for i, arg := range a.args {
		v, err := arg.evalMemo(env)
		if err != nil {
			return nil, err
		}
		argv[i] = v
	}
	v, err := a.op.eval(env, argv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.op.name(), err)
	}
	if len(v.Shape) != len(a.shape) {
		return nil, shapeError("%s evaluated to rank %d, declared rank %d", a.op.name(), len(v.Shape), len(a.shape))
	}
	for i, s := range a.shape {
		if s != VarLen && v.Shape[i] != s {
			return nil, shapeError("%s evaluated to %s, declared %s", a.op.name(), shapeString(v.Shape), shapeString(a.shape))
		}
	}
	env.cache[a] = v
	return v, nil
}

// --- leaf nodes ---

type constantOp struct {
	value *Value
	hash  string
}

func (c constantOp) name() string      { return "const" }
func (c constantOp) signature() string { return "const:" + c.hash }
func (c constantOp) eval(env *Env, args []*Value) (*Value, error) {
	return c.value, nil
}

func hashValue(v *Value) string {
	h := fnv.New64a()
	fmt.Fprint(h, v.Shape)
	switch v.DType() {
	case Float:
		for _, f := range v.Float {
			fmt.Fprint(h, f, ",")
		}
	case Int:
		for _, n := range v.Int {
			fmt.Fprint(h, n, ",")
		}
	case Bool:
		for _, b := range v.Bool {
			fmt.Fprint(h, b, ",")
		}
	}
	return strconv.FormatUint(h.Sum64(), 36)
}

// NewConstant wraps a concrete value as a node. Equal values intern to the
// same node, enabling constant folding across expressions.
func NewConstant(v *Value) *Array {
	return intern(constantOp{value: v, hash: hashValue(v)}, nil, v.Shape, v.DType())
}

// ConstScalar is shorthand for a scalar float constant.
func ConstScalar(v float64) *Array { return NewConstant(Scalar(v)) }

// Zeros returns a zero-valued constant of the given shape. Shapes with
// VarLen axes get a dedicated zero node whose lengths resolve against the
// evaluation points at run time.
func Zeros(shape []int) *Array {
	if shapeSize(shape) != VarLen {
		return NewConstant(zerosValue(shape))
	}
	return intern(zerosOp{shape: append([]int{}, shape...)}, nil, shape, Float)
}

type zerosOp struct{ shape []int }

func (o zerosOp) name() string      { return "zeros" }
func (o zerosOp) signature() string { return "zeros:" + shapeString(o.shape) }
func (o zerosOp) eval(env *Env, args []*Value) (*Value, error) {
	shape := append([]int{}, o.shape...)
	for i, s := range shape {
		if s != VarLen {
			continue
		}
		if env.Points == nil {
			return nil, fmt.Errorf("cannot resolve variable-length axis %d without evaluation points", i)
		}
		shape[i] = env.Points.Shape[0]
	}
	return zerosValue(shape), nil
}

// IsZero reports whether the node is a known all-zero constant.
func IsZero(a *Array) bool {
	if _, ok := a.op.(zerosOp); ok {
		return true
	}
	c, ok := a.op.(constantOp)
	if !ok || c.value.Float == nil {
		return false
	}
	for _, f := range c.value.Float {
		if f != 0 {
			return false
		}
	}
	return true
}

// constValue returns the constant payload if the node is a constant.
func constValue(a *Array) (*Value, bool) {
	c, ok := a.op.(constantOp)
	if !ok {
		return nil, false
	}
	return c.value, true
}

func isOne(a *Array) bool {
	v, ok := constValue(a)
	if !ok || v.Float == nil {
		return false
	}
	for _, f := range v.Float {
		if f != 1 {
			return false
		}
	}
	return true
}

type argumentOp struct {
	argname string
}

func (o argumentOp) name() string      { return "arg:" + o.argname }
func (o argumentOp) signature() string { return "arg:" + o.argname }
func (o argumentOp) eval(env *Env, args []*Value) (*Value, error) {
	v, ok := env.Args[o.argname]
	if !ok {
		return nil, fmt.Errorf("argument %q not provided", o.argname)
	}
	return v, nil
}

// NewArgument creates a named placeholder with a fixed shape.
func NewArgument(name string, shape []int) *Array {
	return intern(argumentOp{argname: name}, nil, shape, Float)
}

// ArgumentName returns the name if a is an Argument node.
func ArgumentName(a *Array) (string, bool) {
	o, ok := a.op.(argumentOp)
	if !ok {
		return "", false
	}
	return o.argname, true
}

type pointsOp struct{ ndims int }

func (o pointsOp) name() string      { return "points" }
func (o pointsOp) signature() string { return "points:" + strconv.Itoa(o.ndims) }
func (o pointsOp) eval(env *Env, args []*Value) (*Value, error) {
	if env.Points == nil {
		return nil, fmt.Errorf("no evaluation points in environment")
	}
	if len(env.Points.Shape) != 2 || env.Points.Shape[1] != o.ndims {
		return nil, shapeError("points have shape %s, want (?,%d)", shapeString(env.Points.Shape), o.ndims)
	}
	return env.Points, nil
}

// LocalPoints is the element-local coordinate input, shape (npoints, ndims).
func LocalPoints(ndims int) *Array {
	return intern(pointsOp{ndims: ndims}, nil, []int{VarLen, ndims}, Float)
}

func isPoints(a *Array) (int, bool) {
	o, ok := a.op.(pointsOp)
	if !ok {
		return 0, false
	}
	return o.ndims, true
}

type elemIndexOp struct{}

func (elemIndexOp) name() string      { return "ielem" }
func (elemIndexOp) signature() string { return "ielem" }
func (elemIndexOp) eval(env *Env, args []*Value) (*Value, error) {
	return NewIntValue(nil, []int{env.Elem}), nil
}

// ElemIndex is the current element number, a scalar int.
func ElemIndex() *Array { return intern(elemIndexOp{}, nil, nil, Int) }

var elemDataSeq struct {
	sync.Mutex
	next int
}

type elemDataOp struct {
	label string
	token string
	fn    func(ielem int) (*Value, error)
}

func (o elemDataOp) name() string      { return "elemdata:" + o.label }
func (o elemDataOp) signature() string { return o.token }
func (o elemDataOp) eval(env *Env, args []*Value) (*Value, error) {
	return o.fn(env.Elem)
}

// NewElemData wraps a per-element table lookup as a node. shape describes
// the per-element result, with VarLen for axes whose length varies per
// element. Two calls create two distinct nodes; reuse the returned node to
// share it.
func NewElemData(label string, shape []int, dtype DType, fn func(ielem int) (*Value, error)) *Array {
	elemDataSeq.Lock()
	elemDataSeq.next++
	token := "elemdata#" + strconv.Itoa(elemDataSeq.next)
	elemDataSeq.Unlock()
	return intern(elemDataOp{label: label, token: token, fn: fn}, nil, shape, dtype)
}
