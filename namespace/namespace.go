// Package namespace binds field names to expression arrays and compiles
// tensor-notation strings against them. An expression like
//
//	u_,k v_,k + f v
//
// multiplies by juxtaposition, sums implicitly over indices repeated within
// a product, and differentiates with respect to the bound geometry for the
// letters behind a comma. The compiler is a pure function of the source
// string and the symbol table; free indices become result axes in
// alphabetical order.
package namespace

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/calmech/fem/expr"
)

// ErrParse reports a malformed or unresolvable expression string.
var ErrParse = errors.New("namespace: parse error")

// Namespace is the symbol table expressions compile against.
type Namespace struct {
	symbols map[string]*expr.Array
	geom    *expr.Array
	ndims   int
}

// New returns an empty namespace.
func New() *Namespace {
	return &Namespace{symbols: make(map[string]*expr.Array)}
}

// Set binds a name to a field. The name must be an identifier: a letter
// followed by letters or digits.
func (ns *Namespace) Set(name string, f *expr.Array) error {
	if !validName(name) {
		return fmt.Errorf("%w: invalid symbol name %q", ErrParse, name)
	}
	ns.symbols[name] = f
	return nil
}

// SetGeometry binds the geometry field, shape (npoints, ndims), under the
// given name and makes it the differentiation target of comma subscripts.
func (ns *Namespace) SetGeometry(name string, geom *expr.Array, ndims int) error {
	if err := ns.Set(name, geom); err != nil {
		return err
	}
	ns.geom = geom
	ns.ndims = ndims
	return nil
}

// SetArg binds a name to a solver argument of the given shape.
func (ns *Namespace) SetArg(name string, shape []int) error {
	return ns.Set(name, expr.NewArgument(name, shape))
}

// Get looks up a bound symbol.
func (ns *Namespace) Get(name string) (*expr.Array, bool) {
	f, ok := ns.symbols[name]
	return f, ok
}

// Eval compiles an expression string into an array. Free indices are
// returned as trailing axes in alphabetical order.
func (ns *Namespace) Eval(src string) (*expr.Array, error) {
	toks, err := scan(src)
	if err != nil {
		return nil, err
	}
	p := &parser{ns: ns, toks: toks}
	v, err := p.expression()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tEOF {
		return nil, fmt.Errorf("%w: offset %d: unexpected %q", ErrParse, t.pos, t.text)
	}
	v, err = sortIndexed(v)
	if err != nil {
		return nil, err
	}
	return v.arr, nil
}

func validName(name string) bool {
	if name == "" || !isAlpha(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isAlpha(name[i]) && !isDigit(name[i]) {
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isLower(c byte) bool { return c >= 'a' && c <= 'z' }

// --- tokens ---

type tokKind int

const (
	tEOF tokKind = iota
	tIdent
	tNumber
	tPlus
	tMinus
	tStar
	tSlash
	tLParen
	tRParen
)

type token struct {
	kind tokKind
	pos  int
	text string
	sub  string // plain subscript letters
	grad string // letters behind the comma
}

func scan(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case isAlpha(c):
			start := i
			for i < len(src) && (isAlpha(src[i]) || isDigit(src[i])) {
				i++
			}
			tok := token{kind: tIdent, pos: start, text: src[start:i]}
			if i < len(src) && src[i] == '_' {
				i++
				subStart := i
				for i < len(src) && isLower(src[i]) {
					i++
				}
				tok.sub = src[subStart:i]
				if i < len(src) && src[i] == ',' {
					i++
					gradStart := i
					for i < len(src) && isLower(src[i]) {
						i++
					}
					tok.grad = src[gradStart:i]
					if tok.grad == "" {
						return nil, fmt.Errorf("%w: offset %d: comma subscript needs at least one index", ErrParse, gradStart)
					}
				} else if tok.sub == "" {
					return nil, fmt.Errorf("%w: offset %d: empty subscript", ErrParse, subStart)
				}
			}
			toks = append(toks, tok)
		case isDigit(c) || c == '.':
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				i++
			}
			if _, err := strconv.ParseFloat(src[start:i], 64); err != nil {
				return nil, fmt.Errorf("%w: offset %d: bad number %q", ErrParse, start, src[start:i])
			}
			toks = append(toks, token{kind: tNumber, pos: start, text: src[start:i]})
		default:
			kind, ok := map[byte]tokKind{
				'+': tPlus, '-': tMinus, '*': tStar, '/': tSlash,
				'(': tLParen, ')': tRParen,
			}[c]
			if !ok {
				return nil, fmt.Errorf("%w: offset %d: unexpected character %q", ErrParse, i, string(c))
			}
			toks = append(toks, token{kind: kind, pos: i, text: string(c)})
			i++
		}
	}
	toks = append(toks, token{kind: tEOF, pos: len(src)})
	return toks, nil
}

// --- indexed arrays ---

// indexed pairs an array with the index letters of its trailing axes. Any
// leading axes (the points axis) stay unlabeled.
type indexed struct {
	arr     *expr.Array
	letters []byte
}

func (v indexed) lead() int { return v.arr.NDim() - len(v.letters) }

// sortIndexed transposes the labeled axes into alphabetical order.
func sortIndexed(v indexed) (indexed, error) {
	n := len(v.letters)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return v.letters[order[a]] < v.letters[order[b]] })
	sorted := true
	for i, o := range order {
		if o != i {
			sorted = false
		}
	}
	if sorted {
		return v, nil
	}
	lead := v.lead()
	perm := make([]int, v.arr.NDim())
	for i := 0; i < lead; i++ {
		perm[i] = i
	}
	letters := make([]byte, n)
	for i, o := range order {
		perm[lead+i] = lead + o
		letters[i] = v.letters[o]
	}
	arr, err := expr.Transpose(v.arr, perm)
	if err != nil {
		return indexed{}, err
	}
	return indexed{arr: arr, letters: letters}, nil
}

// alignTo inserts singleton axes so that the labeled axes of v match the
// sorted union letter by letter. v must already be sorted.
func alignTo(v indexed, union []byte) (*expr.Array, error) {
	lead := v.lead()
	arr := v.arr
	have := make(map[byte]bool, len(v.letters))
	for _, l := range v.letters {
		have[l] = true
	}
	for i, l := range union {
		if have[l] {
			continue
		}
		var err error
		arr, err = expr.InsertAxis(arr, lead+i)
		if err != nil {
			return nil, err
		}
	}
	return arr, nil
}

// mulIndexed multiplies two indexed arrays, contracting the letters they
// share. The contracted letters are reported so the caller can reject a
// third occurrence within the same term.
func mulIndexed(a, b indexed) (indexed, []byte, error) {
	a, err := sortIndexed(a)
	if err != nil {
		return indexed{}, nil, err
	}
	b, err = sortIndexed(b)
	if err != nil {
		return indexed{}, nil, err
	}
	inA := make(map[byte]bool, len(a.letters))
	for _, l := range a.letters {
		inA[l] = true
	}
	var union, common []byte
	union = append(union, a.letters...)
	for _, l := range b.letters {
		if inA[l] {
			common = append(common, l)
		} else {
			union = append(union, l)
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })

	aa, err := alignTo(a, union)
	if err != nil {
		return indexed{}, nil, err
	}
	bb, err := alignTo(b, union)
	if err != nil {
		return indexed{}, nil, err
	}
	m, err := expr.Mul(aa, bb)
	if err != nil {
		return indexed{}, nil, err
	}
	isCommon := make(map[byte]bool, len(common))
	for _, l := range common {
		isCommon[l] = true
	}
	lead := m.NDim() - len(union)
	letters := append([]byte{}, union...)
	for i := len(union) - 1; i >= 0; i-- {
		if !isCommon[union[i]] {
			continue
		}
		m, err = expr.Sum(m, lead+i)
		if err != nil {
			return indexed{}, nil, err
		}
		letters = append(letters[:i], letters[i+1:]...)
	}
	return indexed{arr: m, letters: letters}, common, nil
}

// contractWithin sums over letters repeated inside a single factor, e.g. the
// trace A_ii or the divergence u_i,i.
func contractWithin(v indexed) (indexed, []byte, error) {
	var summed []byte
	for {
		dup := byte(0)
		p1, p2 := -1, -1
		for i, l := range v.letters {
			for j := i + 1; j < len(v.letters); j++ {
				if v.letters[j] == l {
					dup, p1, p2 = l, i, j
					break
				}
			}
			if dup != 0 {
				break
			}
		}
		if dup == 0 {
			return v, summed, nil
		}
		lead := v.lead()
		nd := v.arr.NDim()
		perm := make([]int, 0, nd)
		var letters []byte
		for i := 0; i < nd; i++ {
			if i == lead+p1 || i == lead+p2 {
				continue
			}
			perm = append(perm, i)
			if i >= lead {
				letters = append(letters, v.letters[i-lead])
			}
		}
		perm = append(perm, lead+p1, lead+p2)
		arr, err := expr.Transpose(v.arr, perm)
		if err != nil {
			return indexed{}, nil, err
		}
		arr, err = expr.TakeDiag(arr)
		if err != nil {
			return indexed{}, nil, fmt.Errorf("index %c repeats over axes of different length: %w", dup, err)
		}
		arr, err = expr.Sum(arr, arr.NDim()-1)
		if err != nil {
			return indexed{}, nil, err
		}
		v = indexed{arr: arr, letters: letters}
		summed = append(summed, dup)
	}
}

// --- parser ---

var funcs = map[string]func(*expr.Array) *expr.Array{
	"sin":  expr.Sin,
	"cos":  expr.Cos,
	"tan":  expr.Tan,
	"exp":  expr.Exp,
	"log":  expr.Log,
	"sqrt": expr.Sqrt,
	"abs":  expr.Abs,
}

type parser struct {
	ns   *Namespace
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }
func (p *parser) next() token { t := p.toks[p.i]; p.i++; return t }

func (p *parser) expression() (indexed, error) {
	neg := false
	if p.peek().kind == tMinus {
		p.next()
		neg = true
	}
	v, err := p.term()
	if err != nil {
		return indexed{}, err
	}
	if neg {
		v.arr = expr.Neg(v.arr)
	}
	for {
		op := p.peek()
		if op.kind != tPlus && op.kind != tMinus {
			return v, nil
		}
		p.next()
		w, err := p.term()
		if err != nil {
			return indexed{}, err
		}
		v, err = p.addIndexed(v, w, op)
		if err != nil {
			return indexed{}, err
		}
	}
}

func (p *parser) addIndexed(a, b indexed, op token) (indexed, error) {
	a, err := sortIndexed(a)
	if err != nil {
		return indexed{}, err
	}
	b, err = sortIndexed(b)
	if err != nil {
		return indexed{}, err
	}
	if string(a.letters) != string(b.letters) {
		return indexed{}, fmt.Errorf("%w: offset %d: operands of %q have free indices %q and %q",
			ErrParse, op.pos, op.text, a.letters, b.letters)
	}
	var arr *expr.Array
	if op.kind == tPlus {
		arr, err = expr.Add(a.arr, b.arr)
	} else {
		arr, err = expr.Sub(a.arr, b.arr)
	}
	if err != nil {
		return indexed{}, fmt.Errorf("%w: offset %d: %v", ErrParse, op.pos, err)
	}
	return indexed{arr: arr, letters: a.letters}, nil
}

// term multiplies factors joined by *, / or juxtaposition. An index may be
// summed only once per term.
func (p *parser) term() (indexed, error) {
	summed := make(map[byte]bool)
	v, err := p.factor(summed)
	if err != nil {
		return indexed{}, err
	}
	for {
		tok := p.peek()
		switch tok.kind {
		case tStar, tIdent, tNumber, tLParen:
			if tok.kind == tStar {
				p.next()
			}
			w, err := p.factor(summed)
			if err != nil {
				return indexed{}, err
			}
			for _, l := range w.letters {
				if summed[l] {
					return indexed{}, fmt.Errorf("%w: offset %d: index %c appears more than twice in one term", ErrParse, tok.pos, l)
				}
			}
			var common []byte
			v, common, err = mulIndexed(v, w)
			if err != nil {
				return indexed{}, fmt.Errorf("%w: offset %d: %v", ErrParse, tok.pos, err)
			}
			for _, l := range common {
				summed[l] = true
			}
		case tSlash:
			p.next()
			w, err := p.factor(summed)
			if err != nil {
				return indexed{}, err
			}
			if len(w.letters) != 0 {
				return indexed{}, fmt.Errorf("%w: offset %d: divisor must be scalar, has free indices %q", ErrParse, tok.pos, w.letters)
			}
			w.arr = expr.Reciprocal(w.arr)
			v, _, err = mulIndexed(v, w)
			if err != nil {
				return indexed{}, fmt.Errorf("%w: offset %d: %v", ErrParse, tok.pos, err)
			}
		default:
			return v, nil
		}
	}
}

func (p *parser) factor(summed map[byte]bool) (indexed, error) {
	tok := p.peek()
	switch tok.kind {
	case tNumber:
		p.next()
		f, _ := strconv.ParseFloat(tok.text, 64)
		return indexed{arr: expr.ConstScalar(f)}, nil
	case tLParen:
		p.next()
		v, err := p.expression()
		if err != nil {
			return indexed{}, err
		}
		if t := p.peek(); t.kind != tRParen {
			return indexed{}, fmt.Errorf("%w: offset %d: expected closing parenthesis", ErrParse, t.pos)
		}
		p.next()
		return v, nil
	case tIdent:
		if fn, ok := funcs[tok.text]; ok && tok.sub == "" && tok.grad == "" && p.toks[p.i+1].kind == tLParen {
			p.next()
			p.next() // opening parenthesis
			v, err := p.expression()
			if err != nil {
				return indexed{}, err
			}
			if t := p.peek(); t.kind != tRParen {
				return indexed{}, fmt.Errorf("%w: offset %d: expected closing parenthesis", ErrParse, t.pos)
			}
			p.next()
			v.arr = fn(v.arr)
			return v, nil
		}
		p.next()
		return p.symbol(tok, summed)
	default:
		return indexed{}, fmt.Errorf("%w: offset %d: unexpected %q", ErrParse, tok.pos, tok.text)
	}
}

// symbol resolves one subscripted identifier, applying gradient indices and
// within-factor contractions.
func (p *parser) symbol(tok token, summed map[byte]bool) (indexed, error) {
	arr, ok := p.ns.symbols[tok.text]
	if !ok {
		return indexed{}, fmt.Errorf("%w: offset %d: unknown symbol %q", ErrParse, tok.pos, tok.text)
	}
	letters := []byte(tok.sub)
	lead := arr.NDim() - len(letters)
	if lead < 0 || lead > 1 {
		return indexed{}, fmt.Errorf("%w: offset %d: symbol %q takes %d indices, got %d",
			ErrParse, tok.pos, tok.text, arr.NDim(), len(letters))
	}
	for k := 0; k < len(tok.grad); k++ {
		if p.ns.geom == nil {
			return indexed{}, fmt.Errorf("%w: offset %d: comma subscript without a bound geometry", ErrParse, tok.pos)
		}
		g, err := expr.Grad(arr, p.ns.geom, p.ns.ndims)
		if err != nil {
			return indexed{}, fmt.Errorf("%w: offset %d: %v", ErrParse, tok.pos, err)
		}
		arr = g
		letters = append(letters, tok.grad[k])
	}
	v, summedHere, err := contractWithin(indexed{arr: arr, letters: letters})
	if err != nil {
		return indexed{}, fmt.Errorf("%w: offset %d: %v", ErrParse, tok.pos, err)
	}
	for _, l := range summedHere {
		if summed[l] {
			return indexed{}, fmt.Errorf("%w: offset %d: index %c appears more than twice in one term", ErrParse, tok.pos, l)
		}
		summed[l] = true
	}
	return v, nil
}
