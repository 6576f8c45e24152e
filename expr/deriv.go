package expr

import (
	"fmt"
)

// LocalGradient differentiates f with respect to the element-local
// coordinates, appending a trailing axis of length ndims.
func LocalGradient(f *Array, ndims int) (*Array, error) {
	return localGrad(f, ndims, make(map[*Array]*Array))
}

func gradShape(shape []int, ndims int) []int {
	return append(append([]int{}, shape...), ndims)
}

func localGrad(f *Array, ndims int, memo map[*Array]*Array) (*Array, error) {
	if g, ok := memo[f]; ok {
		return g, nil
	}
	g, err := localGradRules(f, ndims, memo)
	if err != nil {
		return nil, err
	}
	memo[f] = g
	return g, nil
}

func localGradRules(f *Array, ndims int, memo map[*Array]*Array) (*Array, error) {
	zero := Zeros(gradShape(f.shape, ndims))

	switch op := f.op.(type) {
	case constantOp, zerosOp, argumentOp, elemIndexOp, elemDataOp:
		return zero, nil

	case pointsOp:
		if op.ndims != ndims {
			return nil, shapeError("gradient in %d dimensions of %d-dimensional points", ndims, op.ndims)
		}
		// dxi_i/dxi_j: identity at every point
		eye := make([]float64, ndims*ndims)
		for i := 0; i < ndims; i++ {
			eye[i*ndims+i] = 1
		}
		return Add(zero, NewConstant(NewValue([]int{ndims, ndims}, eye)))

	case polyvalOp:
		if op.deriv != 0 {
			return nil, fmt.Errorf("second derivatives of polynomial bases are not supported")
		}
		coeffs, pts := f.args[0], f.args[1]
		if op.ndims != ndims {
			return nil, shapeError("gradient in %d dimensions of a %d-dimensional polynomial", ndims, op.ndims)
		}
		if _, ok := isPoints(pts); !ok {
			return nil, fmt.Errorf("polynomial gradient requires direct point input")
		}
		shape := []int{pts.shape[0], coeffs.shape[0], ndims}
		return intern(polyvalOp{ndims: ndims, deriv: 1}, f.args, shape, Float), nil

	case binOp:
		switch op.kind {
		case binAdd:
			da, err := localGrad(f.args[0], ndims, memo)
			if err != nil {
				return nil, err
			}
			db, err := localGrad(f.args[1], ndims, memo)
			if err != nil {
				return nil, err
			}
			return Add(da, db)
		case binMul:
			a, b := f.args[0], f.args[1]
			da, err := localGrad(a, ndims, memo)
			if err != nil {
				return nil, err
			}
			db, err := localGrad(b, ndims, memo)
			if err != nil {
				return nil, err
			}
			// d(ab) = da*b + a*db, the undifferentiated factor gaining
			// the trailing gradient axis
			bx, err := InsertAxis(b, b.NDim())
			if err != nil {
				return nil, err
			}
			ax, err := InsertAxis(a, a.NDim())
			if err != nil {
				return nil, err
			}
			t1, err := Mul(da, bx)
			if err != nil {
				return nil, err
			}
			t2, err := Mul(ax, db)
			if err != nil {
				return nil, err
			}
			return Add(t1, t2)
		case binPow:
			a, b := f.args[0], f.args[1]
			da, err := localGrad(a, ndims, memo)
			if err != nil {
				return nil, err
			}
			db, err := localGrad(b, ndims, memo)
			if err != nil {
				return nil, err
			}
			if !IsZero(db) {
				return nil, fmt.Errorf("gradient of a power with non-constant exponent is not supported")
			}
			// d(a^b) = b * a^(b-1) * da
			bm1, err := Sub(b, ConstScalar(1))
			if err != nil {
				return nil, err
			}
			p, err := Pow(a, bm1)
			if err != nil {
				return nil, err
			}
			fac, err := Mul(b, p)
			if err != nil {
				return nil, err
			}
			facx, err := InsertAxis(fac, fac.NDim())
			if err != nil {
				return nil, err
			}
			return Mul(facx, da)
		}

	case unOp:
		a := f.args[0]
		da, err := localGrad(a, ndims, memo)
		if err != nil {
			return nil, err
		}
		if IsZero(da) {
			return zero, nil
		}
		var fac *Array
		switch op.kind {
		case unNeg:
			return Neg(da), nil
		case unAbs:
			fac = Sign(a)
		case unSign:
			return zero, nil
		case unRecip:
			m, err := Mul(a, a)
			if err != nil {
				return nil, err
			}
			fac = Neg(Reciprocal(m))
		case unSin:
			fac = Cos(a)
		case unCos:
			fac = Neg(Sin(a))
		case unTan:
			c := Cos(a)
			m, err := Mul(c, c)
			if err != nil {
				return nil, err
			}
			fac = Reciprocal(m)
		case unExp:
			fac = f
		case unLog:
			fac = Reciprocal(a)
		case unSqrt:
			half, err := Mul(ConstScalar(0.5), Reciprocal(f))
			if err != nil {
				return nil, err
			}
			fac = half
		default:
			return nil, fmt.Errorf("gradient of %s is not supported", f.op.name())
		}
		facx, err := InsertAxis(fac, fac.NDim())
		if err != nil {
			return nil, err
		}
		return Mul(facx, da)

	case selectOp:
		cond := f.args[0]
		da, err := localGrad(f.args[1], ndims, memo)
		if err != nil {
			return nil, err
		}
		db, err := localGrad(f.args[2], ndims, memo)
		if err != nil {
			return nil, err
		}
		condx, err := InsertAxis(cond, cond.NDim())
		if err != nil {
			return nil, err
		}
		return Select(condx, da, db)

	case reduceOp:
		if op.product {
			break
		}
		da, err := localGrad(f.args[0], ndims, memo)
		if err != nil {
			return nil, err
		}
		return Sum(da, op.axis)

	case transposeOp:
		da, err := localGrad(f.args[0], ndims, memo)
		if err != nil {
			return nil, err
		}
		perm := append(append([]int{}, op.perm...), len(op.perm))
		return Transpose(da, perm)

	case insertAxisOp:
		da, err := localGrad(f.args[0], ndims, memo)
		if err != nil {
			return nil, err
		}
		return InsertAxis(da, op.axis)

	case squeezeOp:
		da, err := localGrad(f.args[0], ndims, memo)
		if err != nil {
			return nil, err
		}
		return Squeeze(da, op.axis)

	case concatOp:
		das := make([]*Array, len(f.args))
		for i, arg := range f.args {
			da, err := localGrad(arg, ndims, memo)
			if err != nil {
				return nil, err
			}
			das[i] = da
		}
		return Concat(op.axis, das...)

	case takeOp:
		da, err := localGrad(f.args[0], ndims, memo)
		if err != nil {
			return nil, err
		}
		return Take(da, op.axis, f.args[1])

	case inflateOp:
		da, err := localGrad(f.args[0], ndims, memo)
		if err != nil {
			return nil, err
		}
		return Inflate(da, f.args[1], op.length, op.axis)
	}

	// ops without a chain rule still differentiate to zero when nothing
	// below them depends on the coordinates
	allZero := true
	for _, arg := range f.args {
		da, err := localGrad(arg, ndims, memo)
		if err != nil {
			return nil, err
		}
		if !IsZero(da) {
			allZero = false
			break
		}
	}
	if allZero {
		return zero, nil
	}
	return nil, fmt.Errorf("gradient of %s is not supported", f.op.name())
}

// Grad differentiates f with respect to the geometry: a trailing axis of
// length ndims is appended, holding df/dx_j = sum_k df/dxi_k * dxi_k/dx_j.
// The geometry must be square (ndims components over ndims local axes).
func Grad(f, geom *Array, ndims int) (*Array, error) {
	if geom.NDim() != 2 || geom.shape[1] != ndims {
		return nil, shapeError("geometry has shape %s, want (?,%d)", shapeString(geom.shape), ndims)
	}
	jac, err := LocalGradient(geom, ndims)
	if err != nil {
		return nil, err
	}
	jinv, err := Inverse(jac)
	if err != nil {
		return nil, err
	}
	df, err := LocalGradient(f, ndims)
	if err != nil {
		return nil, err
	}
	// align jinv (npoints, ndims, ndims) with df (npoints, ..., ndims) by
	// padding broadcast axes between the point axis and the matrix axes
	jx := jinv
	for i := df.NDim() - 2; i > 0; i-- {
		jx, err = InsertAxis(jx, 1)
		if err != nil {
			return nil, err
		}
	}
	dfx, err := InsertAxis(df, df.NDim())
	if err != nil {
		return nil, err
	}
	m, err := Mul(dfx, jx)
	if err != nil {
		return nil, err
	}
	return Sum(m, m.NDim()-2)
}

// Divergence contracts the gradient of a vector field, yielding a scalar.
func Divergence(f, geom *Array, ndims int) (*Array, error) {
	g, err := Grad(f, geom, ndims)
	if err != nil {
		return nil, err
	}
	d, err := TakeDiag(g)
	if err != nil {
		return nil, err
	}
	return Sum(d, d.NDim()-1)
}

// JacobianDet is the integration scale factor: the determinant of the
// geometry Jacobian, or for embedded geometries the square root of its
// Gram determinant. Shape (npoints,).
func JacobianDet(geom *Array, ndims int) (*Array, error) {
	jac, err := LocalGradient(geom, ndims)
	if err != nil {
		return nil, err
	}
	return Determinant(jac)
}

// ArgDerivative differentiates f with respect to the named argument,
// appending the argument's axes. The result is the coefficient array of the
// linearization of f in that argument.
func ArgDerivative(f *Array, name string, argshape []int) (*Array, error) {
	return argDeriv(f, name, argshape, make(map[*Array]*Array))
}

func argDeriv(f *Array, name string, argshape []int, memo map[*Array]*Array) (*Array, error) {
	if g, ok := memo[f]; ok {
		return g, nil
	}
	g, err := argDerivRules(f, name, argshape, memo)
	if err != nil {
		return nil, err
	}
	memo[f] = g
	return g, nil
}

func argDerivRules(f *Array, name string, argshape []int, memo map[*Array]*Array) (*Array, error) {
	zero := Zeros(append(append([]int{}, f.shape...), argshape...))

	if argname, ok := ArgumentName(f); ok {
		if argname != name {
			return zero, nil
		}
		if !shapeEqual(f.shape, argshape) {
			return nil, shapeError("argument %q has shape %s, not %s", name, shapeString(f.shape), shapeString(argshape))
		}
		// identity tensor over the argument axes
		n := shapeSize(argshape)
		eye := make([]float64, n*n)
		for i := 0; i < n; i++ {
			eye[i*n+i] = 1
		}
		return NewConstant(NewValue(append(append([]int{}, argshape...), argshape...), eye)), nil
	}

	switch op := f.op.(type) {
	case constantOp, zerosOp, pointsOp, elemIndexOp, elemDataOp:
		return zero, nil

	case binOp:
		switch op.kind {
		case binAdd:
			da, err := argDeriv(f.args[0], name, argshape, memo)
			if err != nil {
				return nil, err
			}
			db, err := argDeriv(f.args[1], name, argshape, memo)
			if err != nil {
				return nil, err
			}
			return Add(da, db)
		case binMul:
			a, b := f.args[0], f.args[1]
			da, err := argDeriv(a, name, argshape, memo)
			if err != nil {
				return nil, err
			}
			db, err := argDeriv(b, name, argshape, memo)
			if err != nil {
				return nil, err
			}
			bx, err := insertAxes(b, len(argshape))
			if err != nil {
				return nil, err
			}
			ax, err := insertAxes(a, len(argshape))
			if err != nil {
				return nil, err
			}
			t1, err := Mul(da, bx)
			if err != nil {
				return nil, err
			}
			t2, err := Mul(ax, db)
			if err != nil {
				return nil, err
			}
			return Add(t1, t2)
		}

	case unOp:
		if op.kind == unNeg {
			da, err := argDeriv(f.args[0], name, argshape, memo)
			if err != nil {
				return nil, err
			}
			return Neg(da), nil
		}

	case reduceOp:
		if !op.product {
			da, err := argDeriv(f.args[0], name, argshape, memo)
			if err != nil {
				return nil, err
			}
			return Sum(da, op.axis)
		}

	case transposeOp:
		da, err := argDeriv(f.args[0], name, argshape, memo)
		if err != nil {
			return nil, err
		}
		perm := append([]int{}, op.perm...)
		for i := 0; i < len(argshape); i++ {
			perm = append(perm, len(op.perm)+i)
		}
		return Transpose(da, perm)

	case insertAxisOp:
		da, err := argDeriv(f.args[0], name, argshape, memo)
		if err != nil {
			return nil, err
		}
		return InsertAxis(da, op.axis)

	case squeezeOp:
		da, err := argDeriv(f.args[0], name, argshape, memo)
		if err != nil {
			return nil, err
		}
		return Squeeze(da, op.axis)

	case takeOp:
		da, err := argDeriv(f.args[0], name, argshape, memo)
		if err != nil {
			return nil, err
		}
		return Take(da, op.axis, f.args[1])

	case inflateOp:
		da, err := argDeriv(f.args[0], name, argshape, memo)
		if err != nil {
			return nil, err
		}
		return Inflate(da, f.args[1], op.length, op.axis)
	}

	allZero := true
	for _, arg := range f.args {
		da, err := argDeriv(arg, name, argshape, memo)
		if err != nil {
			return nil, err
		}
		if !IsZero(da) {
			allZero = false
			break
		}
	}
	if allZero {
		return zero, nil
	}
	return nil, fmt.Errorf("derivative of %s with respect to an argument is not supported", f.op.name())
}

func insertAxes(a *Array, n int) (*Array, error) {
	out := a
	var err error
	for i := 0; i < n; i++ {
		out, err = InsertAxis(out, out.NDim())
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Replace substitutes the named arguments with the given expressions,
// rebuilding the graph bottom-up.
func Replace(f *Array, subs map[string]*Array) (*Array, error) {
	return replaceMemo(f, subs, make(map[*Array]*Array))
}

func replaceMemo(f *Array, subs map[string]*Array, memo map[*Array]*Array) (*Array, error) {
	if g, ok := memo[f]; ok {
		return g, nil
	}
	if name, ok := ArgumentName(f); ok {
		if sub, ok := subs[name]; ok {
			if !shapeEqual(sub.shape, f.shape) {
				return nil, shapeError("substitution for %q has shape %s, want %s", name, shapeString(sub.shape), shapeString(f.shape))
			}
			memo[f] = sub
			return sub, nil
		}
	}
	changed := false
	newargs := make([]*Array, len(f.args))
	for i, arg := range f.args {
		na, err := replaceMemo(arg, subs, memo)
		if err != nil {
			return nil, err
		}
		newargs[i] = na
		if na != arg {
			changed = true
		}
	}
	g, err := rebuild(f, newargs, changed)
	if err != nil {
		return nil, err
	}
	memo[f] = g
	return g, nil
}
