package block

import "sort"

// Domain is the ordered, disjoint set of byte ranges the engine is
// permitted to read and write. Everything outside it is ignored by all
// passes.
type Domain struct {
	parts []Block
}

// NewDomain returns a single-extent domain [pos, pos+size).
// A negative size means "to the end of the axis".
func NewDomain(pos, size int64) *Domain {
	if size < 0 {
		size = MaxEnd - pos
	}
	b := New(pos, size)
	if b.IsEmpty() {
		return &Domain{}
	}
	return &Domain{parts: []Block{b}}
}

// DomainFromBlocks builds a domain from arbitrary blocks, sorting and
// merging overlapping or touching extents.
func DomainFromBlocks(blocks []Block) *Domain {
	parts := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if !b.IsEmpty() {
			parts = append(parts, b)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Pos < parts[j].Pos })

	merged := parts[:0]
	for _, b := range parts {
		if n := len(merged); n > 0 && merged[n-1].End() >= b.Pos {
			if b.End() > merged[n-1].End() {
				merged[n-1].Size = b.End() - merged[n-1].Pos
			}
			continue
		}
		merged = append(merged, b)
	}
	return &Domain{parts: merged}
}

// Restrict intersects d with the extent [pos, pos+size) and returns the
// narrowed domain. A negative size means "to the end of the axis".
func (d *Domain) Restrict(pos, size int64) *Domain {
	if size < 0 {
		size = MaxEnd - pos
	}
	ext := New(pos, size)
	var parts []Block
	for _, p := range d.parts {
		if is := p.Intersect(ext); !is.IsEmpty() {
			parts = append(parts, is)
		}
	}
	return &Domain{parts: parts}
}

// IsEmpty reports whether the domain covers no bytes.
func (d *Domain) IsEmpty() bool { return len(d.parts) == 0 }

// Pos returns the lowest in-domain position, 0 for an empty domain.
func (d *Domain) Pos() int64 {
	if len(d.parts) == 0 {
		return 0
	}
	return d.parts[0].Pos
}

// End returns the exclusive end of the highest extent.
func (d *Domain) End() int64 {
	if len(d.parts) == 0 {
		return 0
	}
	return d.parts[len(d.parts)-1].End()
}

// Size returns the total number of in-domain bytes.
func (d *Domain) Size() int64 {
	var total int64
	for _, p := range d.parts {
		total += p.Size
	}
	return total
}

// Parts returns the ordered extents of d. The slice is shared; callers
// must not mutate it.
func (d *Domain) Parts() []Block { return d.parts }

// IncludesPos reports whether pos lies inside the domain.
func (d *Domain) IncludesPos(pos int64) bool {
	for _, p := range d.parts {
		if p.IncludesPos(pos) {
			return true
		}
		if p.Pos > pos {
			break
		}
	}
	return false
}

// Includes reports whether some single extent fully contains b.
func (d *Domain) Includes(b Block) bool {
	for _, p := range d.parts {
		if p.Includes(b) {
			return true
		}
		if p.Pos >= b.End() {
			break
		}
	}
	return false
}

// Before reports whether the whole domain lies before b.
func (d *Domain) Before(b Block) bool { return d.End() <= b.Pos }

// FirstIntersection returns the earliest non-empty overlap of b with a
// domain extent, or an empty block when there is none.
func (d *Domain) FirstIntersection(b Block) Block {
	for _, p := range d.parts {
		if is := p.Intersect(b); !is.IsEmpty() {
			return is
		}
		if p.Pos >= b.End() {
			break
		}
	}
	return Block{Pos: b.Pos}
}

// LastIntersection returns the latest non-empty overlap of b with a
// domain extent, or an empty block when there is none.
func (d *Domain) LastIntersection(b Block) Block {
	for i := len(d.parts) - 1; i >= 0; i-- {
		p := d.parts[i]
		if is := p.Intersect(b); !is.IsEmpty() {
			return is
		}
		if p.End() <= b.Pos {
			break
		}
	}
	return Block{Pos: b.Pos}
}
