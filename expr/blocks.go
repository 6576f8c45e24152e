package expr

// Block is one sparse component of an expression: Values evaluates the
// nonzero entries and Indices maps each sparse axis of Values into the full
// axis of the original expression. A nil index marks a dense axis whose
// entries are stored in full. Duplicate index values accumulate.
type Block struct {
	Indices []*Array
	Values  *Array
}

// NDim returns the rank of the block, equal to the original expression's.
func (b Block) NDim() int { return len(b.Indices) }

func denseBlock(f *Array) []Block {
	return []Block{{Indices: make([]*Array, f.NDim()), Values: f}}
}

// Blocks decomposes f into sparse components by pushing Inflate nodes
// outward. The decomposition is conservative: any structure it cannot see
// through becomes a single dense block, which is always correct.
func Blocks(f *Array) []Block {
	switch op := f.op.(type) {
	case inflateOp:
		inner := Blocks(f.args[0])
		out := make([]Block, 0, len(inner))
		for _, b := range inner {
			indices := append([]*Array{}, b.Indices...)
			if indices[op.axis] == nil {
				indices[op.axis] = f.args[1]
			} else {
				// the inner block already gathers positions along this
				// axis; route them through the scatter map
				composed, err := Take(f.args[1], 0, indices[op.axis])
				if err != nil {
					return denseBlock(f)
				}
				indices[op.axis] = composed
			}
			out = append(out, Block{Indices: indices, Values: b.Values})
		}
		return out

	case binOp:
		switch op.kind {
		case binAdd:
			a, b := f.args[0], f.args[1]
			if !shapeEqual(a.shape, f.shape) || !shapeEqual(b.shape, f.shape) {
				return denseBlock(f)
			}
			ba, bb := Blocks(a), Blocks(b)
			if len(ba) == 1 && ba[0].allDense() && len(bb) == 1 && bb[0].allDense() {
				return denseBlock(f)
			}
			return append(ba, bb...)
		case binMul:
			return mulBlocks(f)
		}

	case unOp:
		// zero-preserving pointwise maps distribute over blocks
		switch op.kind {
		case unNeg, unSin, unTan, unAbs, unSign, unSqrt:
			inner := Blocks(f.args[0])
			if len(inner) == 1 && inner[0].allDense() {
				return denseBlock(f)
			}
			out := make([]Block, 0, len(inner))
			for _, b := range inner {
				out = append(out, Block{Indices: b.Indices, Values: newUnary(op.kind, b.Values)})
			}
			return out
		}

	case insertAxisOp:
		inner := Blocks(f.args[0])
		if len(inner) == 1 && inner[0].allDense() {
			return denseBlock(f)
		}
		out := make([]Block, 0, len(inner))
		for _, b := range inner {
			v, err := InsertAxis(b.Values, op.axis)
			if err != nil {
				return denseBlock(f)
			}
			indices := append([]*Array{}, b.Indices[:op.axis]...)
			indices = append(indices, nil)
			indices = append(indices, b.Indices[op.axis:]...)
			out = append(out, Block{Indices: indices, Values: v})
		}
		return out

	case transposeOp:
		inner := Blocks(f.args[0])
		if len(inner) == 1 && inner[0].allDense() {
			return denseBlock(f)
		}
		out := make([]Block, 0, len(inner))
		for _, b := range inner {
			v, err := Transpose(b.Values, op.perm)
			if err != nil {
				return denseBlock(f)
			}
			indices := make([]*Array, len(op.perm))
			for i, p := range op.perm {
				indices[i] = b.Indices[p]
			}
			out = append(out, Block{Indices: indices, Values: v})
		}
		return out

	case reduceOp:
		if op.product {
			break
		}
		inner := Blocks(f.args[0])
		if len(inner) == 1 && inner[0].allDense() {
			return denseBlock(f)
		}
		out := make([]Block, 0, len(inner))
		for _, b := range inner {
			// summing a sparse axis sums the raw entries: scattered
			// duplicates accumulate either way
			v, err := Sum(b.Values, op.axis)
			if err != nil {
				return denseBlock(f)
			}
			indices := append([]*Array{}, b.Indices[:op.axis]...)
			indices = append(indices, b.Indices[op.axis+1:]...)
			out = append(out, Block{Indices: indices, Values: v})
		}
		return out
	}

	return denseBlock(f)
}

func (b Block) allDense() bool {
	for _, ix := range b.Indices {
		if ix != nil {
			return false
		}
	}
	return true
}

// mulBlocks distributes a product over the sparse blocks of both factors.
// A sparse axis of one factor matched by a broadcast (length-one or
// missing) axis of the other passes through; matched by a dense axis it
// gathers that factor; two sparse streams on the same axis force a dense
// fallback.
func mulBlocks(f *Array) []Block {
	a, b := f.args[0], f.args[1]
	ba, bb := Blocks(a), Blocks(b)
	if len(ba) == 1 && ba[0].allDense() && len(bb) == 1 && bb[0].allDense() {
		return denseBlock(f)
	}
	nd := f.NDim()
	var out []Block
	for _, pa := range ba {
		for _, pb := range bb {
			blk, ok := mulPair(f, a, b, pa, pb, nd)
			if !ok {
				return denseBlock(f)
			}
			out = append(out, blk)
		}
	}
	return out
}

func mulPair(f, a, b *Array, pa, pb Block, nd int) (Block, bool) {
	offA := nd - a.NDim()
	offB := nd - b.NDim()
	indices := make([]*Array, nd)
	va, vb := pa.Values, pb.Values

	for axis := 0; axis < nd; axis++ {
		var ia, ib *Array
		if axis >= offA {
			ia = pa.Indices[axis-offA]
		}
		if axis >= offB {
			ib = pb.Indices[axis-offB]
		}
		switch {
		case ia == nil && ib == nil:
			// dense on both sides
		case ia != nil && ib != nil:
			if ia == ib {
				indices[axis] = ia
				continue
			}
			return Block{}, false
		case ia != nil:
			indices[axis] = ia
			if axis >= offB && b.shape[axis-offB] != 1 {
				// gather the dense factor at the sparse positions
				g, err := Take(vb, axis-offB, ia)
				if err != nil {
					return Block{}, false
				}
				vb = g
			}
		default:
			indices[axis] = ib
			if axis >= offA && a.shape[axis-offA] != 1 {
				g, err := Take(va, axis-offA, ib)
				if err != nil {
					return Block{}, false
				}
				va = g
			}
		}
	}
	v, err := Mul(va, vb)
	if err != nil {
		return Block{}, false
	}
	if !validBlockShape(v, indices, f) {
		return Block{}, false
	}
	return Block{Indices: indices, Values: v}, true
}

// validBlockShape confirms the block values carry one entry per index along
// sparse axes and the full length along dense axes.
func validBlockShape(v *Array, indices []*Array, f *Array) bool {
	if v.NDim() != len(indices) {
		return false
	}
	for i, ix := range indices {
		if ix == nil {
			if v.shape[i] != f.shape[i] {
				return false
			}
		} else if v.shape[i] != VarLen && ix.shape[0] != VarLen && v.shape[i] != ix.shape[0] {
			return false
		}
	}
	return true
}
