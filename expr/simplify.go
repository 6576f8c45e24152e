package expr

// Simplify rewrites the graph bottom-up until no rule applies. Rebuilding
// every node through its constructor replays the eager rules (zero and
// identity elimination, constant folding, transpose composition) on
// children that were simplified underneath, and a few cross-node rules
// fire on the rebuilt form.
func Simplify(f *Array) (*Array, error) {
	memo := make(map[*Array]*Array)
	for {
		g, err := simplifyOnce(f, memo)
		if err != nil {
			return nil, err
		}
		if g == f {
			return f, nil
		}
		f = g
	}
}

func simplifyOnce(f *Array, memo map[*Array]*Array) (*Array, error) {
	if g, ok := memo[f]; ok {
		return g, nil
	}
	newargs := make([]*Array, len(f.args))
	changed := false
	for i, arg := range f.args {
		na, err := simplifyOnce(arg, memo)
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
	g, err = crossRules(g)
	if err != nil {
		return nil, err
	}
	memo[f] = g
	return g, nil
}

// rebuild reconstructs the node through its public constructor so eager
// simplifications apply to the new children.
func rebuild(f *Array, args []*Array, changed bool) (*Array, error) {
	switch op := f.op.(type) {
	case binOp:
		return newBinary(op.kind, args[0], args[1])
	case unOp:
		return newUnary(op.kind, args[0]), nil
	case selectOp:
		return Select(args[0], args[1], args[2])
	case reduceOp:
		return newReduce(args[0], op.axis, op.product)
	case transposeOp:
		return Transpose(args[0], op.perm)
	case insertAxisOp:
		return InsertAxis(args[0], op.axis)
	case squeezeOp:
		return Squeeze(args[0], op.axis)
	case concatOp:
		return Concat(op.axis, args...)
	case takeOp:
		return Take(args[0], op.axis, args[1])
	case diagonalizeOp:
		return Diagonalize(args[0])
	case takeDiagOp:
		return TakeDiag(args[0])
	case inflateOp:
		return Inflate(args[0], args[1], op.length, op.axis)
	case inverseOp:
		return Inverse(args[0])
	case determinantOp:
		return Determinant(args[0])
	}
	if !changed {
		return f, nil
	}
	return intern(f.op, args, f.shape, f.dtype), nil
}

// crossRules applies rewrites that look through more than one node.
func crossRules(f *Array) (*Array, error) {
	switch op := f.op.(type) {
	case reduceOp:
		// summing a scattered axis equals summing the scatter source:
		// duplicates accumulate either way
		if inner, ok := f.args[0].op.(inflateOp); ok && !op.product && op.axis == inner.axis {
			return Sum(f.args[0].args[0], op.axis)
		}
		// sum over a length-1 axis is a squeeze
		if !op.product && f.args[0].shape[op.axis] == 1 {
			return Squeeze(f.args[0], op.axis)
		}

	case takeOp:
		a, idx := f.args[0], f.args[1]
		// gathering from a scatter with constant index streams resolves
		// statically when the scatter is injective
		if inner, ok := a.op.(inflateOp); ok && op.axis == inner.axis {
			if composed, ok := composeTakeInflate(inner, a.args[0], a.args[1], idx, op.axis); ok {
				return composed, nil
			}
		}
		// gathering the full identity range is a no-op
		if iv, ok := constValue(idx); ok && iv.Int != nil && len(iv.Int) == a.shape[op.axis] {
			identity := true
			for i, ix := range iv.Int {
				if ix != i {
					identity = false
					break
				}
			}
			if identity {
				return a, nil
			}
		}

	case squeezeOp:
		if inner, ok := f.args[0].op.(insertAxisOp); ok && inner.axis == op.axis {
			return f.args[0].args[0], nil
		}

	case takeDiagOp:
		if _, ok := f.args[0].op.(diagonalizeOp); ok {
			return f.args[0].args[0], nil
		}
	}
	return f, nil
}

// composeTakeInflate resolves Take(Inflate(v, scatter, n, axis), axis, idx)
// when both index streams are constants and the scatter places each slot at
// most once: the result gathers v rows directly, with zeros where idx hits
// an unfilled slot.
func composeTakeInflate(op inflateOp, values, scatter, idx *Array, axis int) (*Array, bool) {
	sv, ok := constValue(scatter)
	if !ok || sv.Int == nil {
		return nil, false
	}
	iv, ok := constValue(idx)
	if !ok || iv.Int == nil {
		return nil, false
	}
	slot := make([]int, op.length)
	for i := range slot {
		slot[i] = -1
	}
	for pos, ix := range sv.Int {
		if ix < 0 || ix >= op.length || slot[ix] != -1 {
			return nil, false
		}
		slot[ix] = pos
	}
	gather := make([]int, len(iv.Int))
	for j, ix := range iv.Int {
		if ix < 0 || ix >= op.length || slot[ix] == -1 {
			return nil, false
		}
		gather[j] = slot[ix]
	}
	out, err := Take(values, axis, NewConstant(NewIntValue([]int{len(gather)}, gather)))
	if err != nil {
		return nil, false
	}
	return out, true
}
