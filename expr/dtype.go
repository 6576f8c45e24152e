package expr

import (
	"errors"
	"fmt"
)

// DType is the element type of an Array node.
type DType uint8

const (
	Float DType = iota
	Int
	Bool
)

func (d DType) String() string {
	switch d {
	case Float:
		return "float"
	case Int:
		return "int"
	case Bool:
		return "bool"
	}
	return fmt.Sprintf("dtype(%d)", d)
}

// ErrShape is wrapped by every shape validation failure so callers can
// detect illegal shape combinations with errors.Is.
var ErrShape = errors.New("shape mismatch")

// VarLen marks an axis whose length is only known per element (the
// quadrature point axis, or a variable dof count).
const VarLen = -1

func shapeError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrShape, fmt.Sprintf(format, args...))
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shapeSize(shape []int) int {
	n := 1
	for _, s := range shape {
		if s == VarLen {
			return VarLen
		}
		n *= s
	}
	return n
}

func shapeString(shape []int) string {
	s := "("
	for i, n := range shape {
		if i > 0 {
			s += ","
		}
		if n == VarLen {
			s += "?"
		} else {
			s += fmt.Sprint(n)
		}
	}
	return s + ")"
}

// broadcastShapes right-aligns the two shapes and stretches length-1 and
// missing leading axes. VarLen axes unify with VarLen or 1.
func broadcastShapes(a, b []int) ([]int, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		av, bv := 1, 1
		if i >= n-len(a) {
			av = a[i-(n-len(a))]
		}
		if i >= n-len(b) {
			bv = b[i-(n-len(b))]
		}
		switch {
		case av == bv:
			out[i] = av
		case av == VarLen || bv == VarLen:
			// unknown lengths resolve at evaluation time
			out[i] = VarLen
		case av == 1:
			out[i] = bv
		case bv == 1:
			out[i] = av
		default:
			return nil, shapeError("cannot broadcast %s with %s", shapeString(a), shapeString(b))
		}
	}
	return out, nil
}
