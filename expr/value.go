package expr

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Value is a concrete dense array produced by evaluation. Exactly one of
// Float, Int or Bool is non-nil, matching the node's dtype. Data is stored
// row-major.
type Value struct {
	Shape []int
	Float []float64
	Int   []int
	Bool  []bool
}

func NewValue(shape []int, data []float64) *Value {
	if len(data) != shapeSize(shape) {
		panic(fmt.Sprintf("expr: value data length %d does not match shape %s", len(data), shapeString(shape)))
	}
	return &Value{Shape: shape, Float: data}
}

func NewIntValue(shape []int, data []int) *Value {
	if len(data) != shapeSize(shape) {
		panic(fmt.Sprintf("expr: value data length %d does not match shape %s", len(data), shapeString(shape)))
	}
	return &Value{Shape: shape, Int: data}
}

func NewBoolValue(shape []int, data []bool) *Value {
	if len(data) != shapeSize(shape) {
		panic(fmt.Sprintf("expr: value data length %d does not match shape %s", len(data), shapeString(shape)))
	}
	return &Value{Shape: shape, Bool: data}
}

// Scalar wraps a single float64.
func Scalar(v float64) *Value { return &Value{Shape: nil, Float: []float64{v}} }

func zerosValue(shape []int) *Value {
	return &Value{Shape: shape, Float: make([]float64, shapeSize(shape))}
}

func (v *Value) DType() DType {
	switch {
	case v.Int != nil:
		return Int
	case v.Bool != nil:
		return Bool
	default:
		return Float
	}
}

func (v *Value) Size() int { return shapeSize(v.Shape) }

func (v *Value) NDim() int { return len(v.Shape) }

// AsFloat returns the data as float64, converting ints if needed.
func (v *Value) AsFloat() []float64 {
	if v.Float != nil {
		return v.Float
	}
	if v.Int != nil {
		out := make([]float64, len(v.Int))
		for i, n := range v.Int {
			out[i] = float64(n)
		}
		return out
	}
	out := make([]float64, len(v.Bool))
	for i, b := range v.Bool {
		if b {
			out[i] = 1
		}
	}
	return out
}

// AsInt returns the data as ints, truncating floats.
func (v *Value) AsInt() []int {
	if v.Int != nil {
		return v.Int
	}
	if v.Float != nil {
		out := make([]int, len(v.Float))
		for i, f := range v.Float {
			out[i] = int(f)
		}
		return out
	}
	out := make([]int, len(v.Bool))
	for i, b := range v.Bool {
		if b {
			out[i] = 1
		}
	}
	return out
}

func strides(shape []int) []int {
	st := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= shape[i]
	}
	return st
}

// broadcastTo materializes v stretched to shape. Axes of length one (and
// missing leading axes) repeat.
func (v *Value) broadcastTo(shape []int) *Value {
	if shapeEqual(v.Shape, shape) {
		return v
	}
	src := strides(v.Shape)
	// right-align the source strides against the target shape, zeroing the
	// stride of stretched axes.
	eff := make([]int, len(shape))
	off := len(shape) - len(v.Shape)
	for i := range shape {
		if i < off {
			continue
		}
		if v.Shape[i-off] == shape[i] {
			eff[i] = src[i-off]
		} else if v.Shape[i-off] != 1 {
			panic(fmt.Sprintf("expr: cannot broadcast %s to %s", shapeString(v.Shape), shapeString(shape)))
		}
	}
	n := shapeSize(shape)
	out := &Value{Shape: shape}
	idx := make([]int, len(shape))
	pos := 0
	step := func() {
		for i := len(shape) - 1; i >= 0; i-- {
			idx[i]++
			pos += eff[i]
			if idx[i] < shape[i] {
				return
			}
			idx[i] = 0
			pos -= eff[i] * shape[i]
		}
	}
	switch v.DType() {
	case Float:
		out.Float = make([]float64, n)
		for i := 0; i < n; i++ {
			out.Float[i] = v.Float[pos]
			step()
		}
	case Int:
		out.Int = make([]int, n)
		for i := 0; i < n; i++ {
			out.Int[i] = v.Int[pos]
			step()
		}
	case Bool:
		out.Bool = make([]bool, n)
		for i := 0; i < n; i++ {
			out.Bool[i] = v.Bool[pos]
			step()
		}
	}
	return out
}

// transpose returns the value with axes permuted.
func (v *Value) transpose(perm []int) *Value {
	shape := make([]int, len(perm))
	for i, p := range perm {
		shape[i] = v.Shape[p]
	}
	src := strides(v.Shape)
	eff := make([]int, len(perm))
	for i, p := range perm {
		eff[i] = src[p]
	}
	n := v.Size()
	out := &Value{Shape: shape}
	idx := make([]int, len(shape))
	pos := 0
	step := func() {
		for i := len(shape) - 1; i >= 0; i-- {
			idx[i]++
			pos += eff[i]
			if idx[i] < shape[i] {
				return
			}
			idx[i] = 0
			pos -= eff[i] * shape[i]
		}
	}
	switch v.DType() {
	case Float:
		out.Float = make([]float64, n)
		for i := 0; i < n; i++ {
			out.Float[i] = v.Float[pos]
			step()
		}
	case Int:
		out.Int = make([]int, n)
		for i := 0; i < n; i++ {
			out.Int[i] = v.Int[pos]
			step()
		}
	case Bool:
		out.Bool = make([]bool, n)
		for i := 0; i < n; i++ {
			out.Bool[i] = v.Bool[pos]
			step()
		}
	}
	return out
}

// axisSplit returns the sizes of the blocks before, at and after axis.
func axisSplit(shape []int, axis int) (outer, mid, inner int) {
	outer, mid, inner = 1, shape[axis], 1
	for _, s := range shape[:axis] {
		outer *= s
	}
	for _, s := range shape[axis+1:] {
		inner *= s
	}
	return
}

// reduce sums (or multiplies) float data along axis.
func (v *Value) reduce(axis int, product bool) *Value {
	outer, mid, inner := axisSplit(v.Shape, axis)
	shape := append(append([]int{}, v.Shape[:axis]...), v.Shape[axis+1:]...)
	data := make([]float64, outer*inner)
	if product {
		floats.AddConst(1, data)
	}
	src := v.AsFloat()
	for o := 0; o < outer; o++ {
		for m := 0; m < mid; m++ {
			row := src[(o*mid+m)*inner : (o*mid+m+1)*inner]
			dst := data[o*inner : (o+1)*inner]
			if product {
				floats.Mul(dst, row)
			} else {
				floats.Add(dst, row)
			}
		}
	}
	return &Value{Shape: shape, Float: data}
}

// takeAlong gathers indices along axis.
func (v *Value) takeAlong(axis int, indices []int) (*Value, error) {
	outer, mid, inner := axisSplit(v.Shape, axis)
	for _, ix := range indices {
		if ix < 0 || ix >= mid {
			return nil, fmt.Errorf("take index %d out of range [0,%d)", ix, mid)
		}
	}
	shape := append([]int{}, v.Shape...)
	shape[axis] = len(indices)
	out := &Value{Shape: shape}
	switch v.DType() {
	case Float:
		out.Float = make([]float64, outer*len(indices)*inner)
		for o := 0; o < outer; o++ {
			for j, ix := range indices {
				copy(out.Float[(o*len(indices)+j)*inner:(o*len(indices)+j+1)*inner],
					v.Float[(o*mid+ix)*inner:(o*mid+ix+1)*inner])
			}
		}
	case Int:
		out.Int = make([]int, outer*len(indices)*inner)
		for o := 0; o < outer; o++ {
			for j, ix := range indices {
				copy(out.Int[(o*len(indices)+j)*inner:(o*len(indices)+j+1)*inner],
					v.Int[(o*mid+ix)*inner:(o*mid+ix+1)*inner])
			}
		}
	case Bool:
		out.Bool = make([]bool, outer*len(indices)*inner)
		for o := 0; o < outer; o++ {
			for j, ix := range indices {
				copy(out.Bool[(o*len(indices)+j)*inner:(o*len(indices)+j+1)*inner],
					v.Bool[(o*mid+ix)*inner:(o*mid+ix+1)*inner])
			}
		}
	}
	return out, nil
}

// TakeRows gathers the given rows along the leading axis.
func (v *Value) TakeRows(rows []int) (*Value, error) {
	return v.takeAlong(0, rows)
}

// inflateInto scatter-adds v along axis into a zero array of length length,
// with duplicate indices accumulating.
func (v *Value) inflateInto(axis, length int, indices []int) (*Value, error) {
	outer, mid, inner := axisSplit(v.Shape, axis)
	if len(indices) != mid {
		return nil, shapeError("inflate: %d indices for axis of length %d", len(indices), mid)
	}
	shape := append([]int{}, v.Shape...)
	shape[axis] = length
	data := make([]float64, outer*length*inner)
	src := v.AsFloat()
	for o := 0; o < outer; o++ {
		for m, ix := range indices {
			if ix < 0 || ix >= length {
				return nil, fmt.Errorf("inflate index %d out of range [0,%d)", ix, length)
			}
			floats.Add(data[(o*length+ix)*inner:(o*length+ix+1)*inner],
				src[(o*mid+m)*inner:(o*mid+m+1)*inner])
		}
	}
	return &Value{Shape: shape, Float: data}, nil
}
