package mesh

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// ErrFormat reports malformed or unsupported MSH input.
var ErrFormat = errors.New("mesh: bad msh format")

// Gmsh reads an ASCII Gmsh MSH file, version 2.2 or 4.1, into a triangle
// mesh. Physical surfaces become element groups and physical curves become
// boundary facet groups, both under their physical names.
func Gmsh(r io.Reader) (*Mesh, error) {
	tri, err := GmshTriangulation(r)
	if err != nil {
		return nil, err
	}
	return Simplex(tri)
}

// GmshTriangulation reads an ASCII Gmsh MSH file into the raw triangulation,
// leaving topology construction to Simplex.
func GmshTriangulation(r io.Reader) (Triangulation, error) {
	p := &gmshParser{
		scanner:   bufio.NewScanner(r),
		physNames: make(map[[2]int]string),
		nodes:     make(map[int][]float64),
		entPhys:   make(map[[2]int][]int),
	}
	p.scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	if err := p.run(); err != nil {
		return Triangulation{}, err
	}
	return p.build()
}

type gmshElem struct {
	etype int
	phys  int
	nodes []int
}

type gmshParser struct {
	scanner   *bufio.Scanner
	version   string
	physNames map[[2]int]string // (dim, tag) -> name
	nodes     map[int][]float64 // node tag -> xyz
	nodeTags  []int
	elems     []gmshElem
	entPhys   map[[2]int][]int // (dim, entity tag) -> physical tags (v4)
}

func (p *gmshParser) line() (string, error) {
	for p.scanner.Scan() {
		s := strings.TrimSpace(p.scanner.Text())
		if s != "" {
			return s, nil
		}
	}
	if err := p.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func fields(s string) []string { return strings.Fields(s) }

func atoi(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: bad integer %q", ErrFormat, s)
	}
	return n, nil
}

func atof(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad number %q", ErrFormat, s)
	}
	return f, nil
}

func (p *gmshParser) run() error {
	for {
		header, err := p.line()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if !strings.HasPrefix(header, "$") {
			return fmt.Errorf("%w: expected section header, got %q", ErrFormat, header)
		}
		section := header[1:]
		switch section {
		case "MeshFormat":
			err = p.readFormat()
		case "PhysicalNames":
			err = p.readPhysicalNames()
		case "Entities":
			err = p.readEntities()
		case "Nodes":
			err = p.readNodes()
		case "Elements":
			err = p.readElements()
		case "Periodic":
			slog.Warn("ignoring periodic node identification in msh input")
			err = p.skipSection(section)
			continue
		default:
			slog.Debug("skipping msh section", "section", section)
			err = p.skipSection(section)
			continue
		}
		if err != nil {
			return err
		}
		if err := p.expectEnd(section); err != nil {
			return err
		}
	}
	if p.version == "" {
		return fmt.Errorf("%w: missing $MeshFormat section", ErrFormat)
	}
	return nil
}

func (p *gmshParser) expectEnd(section string) error {
	s, err := p.line()
	if err != nil {
		return fmt.Errorf("%w: unterminated $%s section", ErrFormat, section)
	}
	if s != "$End"+section {
		return fmt.Errorf("%w: expected $End%s, got %q", ErrFormat, section, s)
	}
	return nil
}

func (p *gmshParser) skipSection(section string) error {
	end := "$End" + section
	for {
		s, err := p.line()
		if err != nil {
			return fmt.Errorf("%w: unterminated $%s section", ErrFormat, section)
		}
		if s == end {
			return nil
		}
	}
}

func (p *gmshParser) readFormat() error {
	s, err := p.line()
	if err != nil {
		return err
	}
	ff := fields(s)
	if len(ff) != 3 {
		return fmt.Errorf("%w: malformed $MeshFormat line %q", ErrFormat, s)
	}
	if ff[0] != "2.2" && ff[0] != "4.1" {
		return fmt.Errorf("%w: unsupported msh version %s", ErrFormat, ff[0])
	}
	if ff[1] != "0" {
		return fmt.Errorf("%w: binary msh files are not supported", ErrFormat)
	}
	p.version = ff[0]
	return nil
}

func (p *gmshParser) readPhysicalNames() error {
	s, err := p.line()
	if err != nil {
		return err
	}
	n, err := atoi(s)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		s, err := p.line()
		if err != nil {
			return err
		}
		ff := fields(s)
		if len(ff) < 3 {
			return fmt.Errorf("%w: malformed physical name %q", ErrFormat, s)
		}
		dim, err := atoi(ff[0])
		if err != nil {
			return err
		}
		tag, err := atoi(ff[1])
		if err != nil {
			return err
		}
		name := strings.Trim(strings.Join(ff[2:], " "), `"`)
		p.physNames[[2]int{dim, tag}] = name
	}
	return nil
}

// readEntities records, per curve and surface entity, its physical tags
// (version 4 only; version 2 stores the physical tag on each element).
func (p *gmshParser) readEntities() error {
	s, err := p.line()
	if err != nil {
		return err
	}
	ff := fields(s)
	if len(ff) != 4 {
		return fmt.Errorf("%w: malformed $Entities counts %q", ErrFormat, s)
	}
	counts := make([]int, 4)
	for i, f := range ff {
		if counts[i], err = atoi(f); err != nil {
			return err
		}
	}
	for dim := 0; dim < 4; dim++ {
		for i := 0; i < counts[dim]; i++ {
			s, err := p.line()
			if err != nil {
				return err
			}
			gg := fields(s)
			// tag, bounding box (6 floats for dim>0, 3 for points), numPhysicalTags, tags...
			tag, err := atoi(gg[0])
			if err != nil {
				return err
			}
			skip := 7
			if dim == 0 {
				skip = 4
			}
			if len(gg) < skip+1 {
				return fmt.Errorf("%w: malformed entity line %q", ErrFormat, s)
			}
			nphys, err := atoi(gg[skip])
			if err != nil {
				return err
			}
			if len(gg) < skip+1+nphys {
				return fmt.Errorf("%w: truncated entity line %q", ErrFormat, s)
			}
			phys := make([]int, nphys)
			for j := 0; j < nphys; j++ {
				if phys[j], err = atoi(gg[skip+1+j]); err != nil {
					return err
				}
			}
			p.entPhys[[2]int{dim, tag}] = phys
		}
	}
	return nil
}

func (p *gmshParser) addNode(tag int, xyz []float64) {
	if _, dup := p.nodes[tag]; !dup {
		p.nodeTags = append(p.nodeTags, tag)
	}
	p.nodes[tag] = xyz
}

func (p *gmshParser) readNodes() error {
	if p.version == "2.2" {
		s, err := p.line()
		if err != nil {
			return err
		}
		n, err := atoi(s)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			s, err := p.line()
			if err != nil {
				return err
			}
			ff := fields(s)
			if len(ff) != 4 {
				return fmt.Errorf("%w: malformed node line %q", ErrFormat, s)
			}
			tag, err := atoi(ff[0])
			if err != nil {
				return err
			}
			xyz := make([]float64, 3)
			for j := 0; j < 3; j++ {
				if xyz[j], err = atof(ff[1+j]); err != nil {
					return err
				}
			}
			p.addNode(tag, xyz)
		}
		return nil
	}
	// version 4.1: numEntityBlocks numNodes minTag maxTag
	s, err := p.line()
	if err != nil {
		return err
	}
	ff := fields(s)
	if len(ff) != 4 {
		return fmt.Errorf("%w: malformed $Nodes counts %q", ErrFormat, s)
	}
	nblocks, err := atoi(ff[0])
	if err != nil {
		return err
	}
	for b := 0; b < nblocks; b++ {
		s, err := p.line()
		if err != nil {
			return err
		}
		bf := fields(s)
		if len(bf) != 4 {
			return fmt.Errorf("%w: malformed node block header %q", ErrFormat, s)
		}
		nnodes, err := atoi(bf[3])
		if err != nil {
			return err
		}
		tags := make([]int, nnodes)
		for i := 0; i < nnodes; i++ {
			s, err := p.line()
			if err != nil {
				return err
			}
			if tags[i], err = atoi(s); err != nil {
				return err
			}
		}
		for i := 0; i < nnodes; i++ {
			s, err := p.line()
			if err != nil {
				return err
			}
			cf := fields(s)
			if len(cf) < 3 {
				return fmt.Errorf("%w: malformed node coordinates %q", ErrFormat, s)
			}
			xyz := make([]float64, 3)
			for j := 0; j < 3; j++ {
				if xyz[j], err = atof(cf[j]); err != nil {
					return err
				}
			}
			p.addNode(tags[i], xyz)
		}
	}
	return nil
}

// element node counts per supported gmsh element type
var gmshElemNodes = map[int]int{1: 2, 2: 3, 15: 1}

func (p *gmshParser) readElements() error {
	if p.version == "2.2" {
		s, err := p.line()
		if err != nil {
			return err
		}
		n, err := atoi(s)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			s, err := p.line()
			if err != nil {
				return err
			}
			ff := fields(s)
			if len(ff) < 3 {
				return fmt.Errorf("%w: malformed element line %q", ErrFormat, s)
			}
			etype, err := atoi(ff[1])
			if err != nil {
				return err
			}
			ntags, err := atoi(ff[2])
			if err != nil {
				return err
			}
			nnodes, ok := gmshElemNodes[etype]
			if !ok {
				return fmt.Errorf("%w: unsupported msh element type %d", ErrFormat, etype)
			}
			if len(ff) != 3+ntags+nnodes {
				return fmt.Errorf("%w: truncated element line %q", ErrFormat, s)
			}
			phys := 0
			if ntags > 0 {
				if phys, err = atoi(ff[3]); err != nil {
					return err
				}
			}
			nodes := make([]int, nnodes)
			for j := 0; j < nnodes; j++ {
				if nodes[j], err = atoi(ff[3+ntags+j]); err != nil {
					return err
				}
			}
			p.elems = append(p.elems, gmshElem{etype: etype, phys: phys, nodes: nodes})
		}
		return nil
	}
	// version 4.1: numEntityBlocks numElements minTag maxTag
	s, err := p.line()
	if err != nil {
		return err
	}
	ff := fields(s)
	if len(ff) != 4 {
		return fmt.Errorf("%w: malformed $Elements counts %q", ErrFormat, s)
	}
	nblocks, err := atoi(ff[0])
	if err != nil {
		return err
	}
	for b := 0; b < nblocks; b++ {
		s, err := p.line()
		if err != nil {
			return err
		}
		bf := fields(s)
		if len(bf) != 4 {
			return fmt.Errorf("%w: malformed element block header %q", ErrFormat, s)
		}
		dim, err := atoi(bf[0])
		if err != nil {
			return err
		}
		enttag, err := atoi(bf[1])
		if err != nil {
			return err
		}
		etype, err := atoi(bf[2])
		if err != nil {
			return err
		}
		nelems, err := atoi(bf[3])
		if err != nil {
			return err
		}
		nnodes, ok := gmshElemNodes[etype]
		if !ok {
			return fmt.Errorf("%w: unsupported msh element type %d", ErrFormat, etype)
		}
		phys := 0
		if tags := p.entPhys[[2]int{dim, enttag}]; len(tags) > 0 {
			phys = tags[0]
			if len(tags) > 1 {
				slog.Warn("entity has multiple physical tags, keeping the first", "dim", dim, "entity", enttag)
			}
		}
		for i := 0; i < nelems; i++ {
			s, err := p.line()
			if err != nil {
				return err
			}
			ef := fields(s)
			if len(ef) != 1+nnodes {
				return fmt.Errorf("%w: truncated element line %q", ErrFormat, s)
			}
			nodes := make([]int, nnodes)
			for j := 0; j < nnodes; j++ {
				if nodes[j], err = atoi(ef[1+j]); err != nil {
					return err
				}
			}
			p.elems = append(p.elems, gmshElem{etype: etype, phys: phys, nodes: nodes})
		}
	}
	return nil
}

// physName resolves a physical tag to its declared name, falling back to
// the tag number.
func (p *gmshParser) physName(dim, tag int) string {
	if name, ok := p.physNames[[2]int{dim, tag}]; ok {
		return name
	}
	return strconv.Itoa(tag)
}

// build compacts node tags and assembles the triangulation.
func (p *gmshParser) build() (Triangulation, error) {
	sort.Ints(p.nodeTags)
	renumber := make(map[int]int, len(p.nodeTags))
	coords := make([][]float64, len(p.nodeTags))
	for i, tag := range p.nodeTags {
		renumber[tag] = i
		xyz := p.nodes[tag]
		coords[i] = []float64{xyz[0], xyz[1]}
	}

	var tris [][]int
	groups := make(map[string][]int)
	btags := make(map[string][][]int)
	ptags := make(map[string][]int)
	for _, e := range p.elems {
		nodes := make([]int, len(e.nodes))
		for j, tag := range e.nodes {
			id, ok := renumber[tag]
			if !ok {
				return Triangulation{}, fmt.Errorf("%w: element refers to unknown node %d", ErrFormat, tag)
			}
			nodes[j] = id
		}
		switch e.etype {
		case 2:
			if e.phys != 0 {
				name := p.physName(2, e.phys)
				groups[name] = append(groups[name], len(tris))
			}
			tris = append(tris, nodes)
		case 1:
			if e.phys != 0 {
				name := p.physName(1, e.phys)
				btags[name] = append(btags[name], nodes)
			}
		case 15:
			if e.phys != 0 {
				name := p.physName(0, e.phys)
				ptags[name] = append(ptags[name], nodes[0])
			}
		}
	}
	if len(tris) == 0 {
		return Triangulation{}, fmt.Errorf("%w: no triangles in msh input", ErrFormat)
	}
	if len(groups) == 0 {
		groups = nil
	}
	if len(btags) == 0 {
		btags = nil
	}
	if len(ptags) == 0 {
		ptags = nil
	}
	return Triangulation{Coords: coords, Tris: tris, Groups: groups, BTags: btags, PTags: ptags}, nil
}
