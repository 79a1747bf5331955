// Package rescue implements the recovery engine: a logbook holding the
// status-tagged partition of the input, and the multi-pass state
// machine that drives every interval toward finished or bad-sector.
package rescue

import (
	"fmt"
	"os"

	"github.com/bamsammich/salvage/internal/block"
	"github.com/bamsammich/salvage/internal/mapfile"
)

// LogbookOptions configures a Logbook.
type LogbookOptions struct {
	MapfilePath  string
	Domain       *block.Domain
	InputSize    int64 // <= 0 when unknown
	Hardbs       int
	Softbs       int
	CompleteOnly bool // never extend past the mapfile-described range
}

// Logbook owns the sblock vector: an ordered, gap-free partition of the
// input where adjacent entries always differ in status. It also carries
// the persisted position/status cursor and the shared I/O buffer.
type Logbook struct {
	path          string
	domain        *block.Domain
	isize         int64
	hardbs        int
	softbs        int
	vec           []block.Sblock
	index         int // cached scan position for FindIndex
	currentPos    int64
	currentStatus byte
	buf           []byte
	loaded        bool
}

// NewLogbook builds a logbook from the mapfile at opts.MapfilePath if
// one exists, otherwise as a single non-tried extent covering the
// input.
func NewLogbook(opts LogbookOptions) (*Logbook, error) {
	if opts.Hardbs <= 0 {
		return nil, fmt.Errorf("hardbs must be positive")
	}
	if opts.Softbs < opts.Hardbs {
		return nil, fmt.Errorf("softbs (%d) must not be smaller than hardbs (%d)",
			opts.Softbs, opts.Hardbs)
	}
	if opts.Softbs%opts.Hardbs != 0 {
		return nil, fmt.Errorf("softbs (%d) must be a multiple of hardbs (%d)",
			opts.Softbs, opts.Hardbs)
	}

	lb := &Logbook{
		path:          opts.MapfilePath,
		domain:        opts.Domain,
		isize:         opts.InputSize,
		hardbs:        opts.Hardbs,
		softbs:        opts.Softbs,
		currentStatus: mapfile.StatusCopying,
		buf:           make([]byte, opts.Softbs),
	}
	if lb.domain == nil {
		lb.domain = block.NewDomain(0, -1)
	}

	if lb.path != "" {
		if _, err := os.Stat(lb.path); err == nil {
			f, err := mapfile.Load(lb.path)
			if err != nil {
				return nil, err
			}
			lb.vec = f.Sblocks
			lb.currentPos = f.CurrentPos
			lb.currentStatus = f.CurrentStatus
			lb.loaded = true
		}
	}

	extent := lb.isize
	if extent <= 0 {
		extent = block.MaxEnd
	}
	if len(lb.vec) == 0 {
		lb.vec = []block.Sblock{block.NewSblock(block.New(0, extent), block.NonTried)}
	} else if !opts.CompleteOnly {
		// Grow the vector to the declared input size (or the whole axis
		// when the size is unknown) so newly visible territory is tried.
		last := &lb.vec[len(lb.vec)-1]
		if last.End() < extent {
			if last.Status == block.NonTried {
				last.Size = extent - last.Pos
			} else {
				gap := block.New(last.End(), extent-last.End())
				lb.vec = append(lb.vec, block.NewSblock(gap, block.NonTried))
			}
		}
	}
	lb.Compact()

	// The engine never looks outside the vector; crop the domain to it.
	start := lb.vec[0].Pos
	lb.domain = lb.domain.Restrict(start, lb.end()-start)
	return lb, nil
}

func (lb *Logbook) end() int64 {
	if len(lb.vec) == 0 {
		return 0
	}
	return lb.vec[len(lb.vec)-1].End()
}

// Sblocks returns the number of entries in the vector.
func (lb *Logbook) Sblocks() int { return len(lb.vec) }

// Sblock returns the i-th entry.
func (lb *Logbook) Sblock(i int) block.Sblock { return lb.vec[i] }

// Domain returns the byte ranges the engine may touch.
func (lb *Logbook) Domain() *block.Domain { return lb.domain }

// Hardbs returns the hardware block size.
func (lb *Logbook) Hardbs() int { return lb.hardbs }

// Softbs returns the soft (fast-pass) block size.
func (lb *Logbook) Softbs() int { return lb.softbs }

// Buf returns the shared I/O buffer (softbs bytes).
func (lb *Logbook) Buf() []byte { return lb.buf }

// Path returns the mapfile path, empty when persistence is disabled.
func (lb *Logbook) Path() string { return lb.path }

// Loaded reports whether the logbook was reconstructed from a mapfile.
func (lb *Logbook) Loaded() bool { return lb.loaded }

// CurrentPos returns the cursor position.
func (lb *Logbook) CurrentPos() int64 { return lb.currentPos }

// CurrentStatus returns the cursor status tag.
func (lb *Logbook) CurrentStatus() byte { return lb.currentStatus }

// SetCursor records the pass and position a resumed run should
// continue from.
func (lb *Logbook) SetCursor(status byte, pos int64) {
	lb.currentStatus = status
	lb.currentPos = pos
}

// FindIndex returns the index of the sblock containing pos, -1 when pos
// lies outside the vector.
func (lb *Logbook) FindIndex(pos int64) int {
	if len(lb.vec) == 0 {
		return -1
	}
	if lb.index < 0 || lb.index >= len(lb.vec) {
		lb.index = 0
	}
	for lb.index > 0 && pos < lb.vec[lb.index].Pos {
		lb.index--
	}
	for lb.index < len(lb.vec) && pos >= lb.vec[lb.index].End() {
		lb.index++
	}
	if lb.index >= len(lb.vec) {
		lb.index = len(lb.vec) - 1
		return -1
	}
	if lb.vec[lb.index].IncludesPos(pos) {
		return lb.index
	}
	return -1
}

// FindChunk shrinks b to the first sub-interval at or after b.Pos that
// lies inside the domain and inside an sblock with status st. If none
// exists b.Size becomes 0. The chunk never exceeds b's original size.
func (lb *Logbook) FindChunk(b *block.Block, st block.Status) {
	lb.findChunk(b, func(s block.Status) bool { return s == st })
}

// FindChunkAny is FindChunk over a set of statuses.
func (lb *Logbook) FindChunkAny(b *block.Block, statuses ...block.Status) {
	lb.findChunk(b, func(s block.Status) bool {
		for _, st := range statuses {
			if s == st {
				return true
			}
		}
		return false
	})
}

func (lb *Logbook) findChunk(b *block.Block, match func(block.Status) bool) {
	if b.Size <= 0 || len(lb.vec) == 0 {
		b.Size = 0
		return
	}
	size := b.Size
	if b.Pos < lb.vec[0].Pos {
		b.Pos = lb.vec[0].Pos
	}
	i := lb.FindIndex(b.Pos)
	if i < 0 {
		b.Size = 0
		return
	}
	for ; i < len(lb.vec); i++ {
		sb := lb.vec[i]
		if !match(sb.Status) || sb.End() <= b.Pos {
			continue
		}
		cand := sb.Block
		if cand.Pos < b.Pos {
			cand = block.Block{Pos: b.Pos, Size: sb.End() - b.Pos}
		}
		is := lb.domain.FirstIntersection(cand)
		if is.IsEmpty() {
			continue
		}
		if is.Size > size {
			is.Size = size
		}
		*b = is
		return
	}
	b.Size = 0
}

// RFindChunk is the backward counterpart of FindChunk: the last
// matching sub-interval at or before b.End().
func (lb *Logbook) RFindChunk(b *block.Block, st block.Status) {
	if b.Size <= 0 || len(lb.vec) == 0 {
		b.Size = 0
		return
	}
	size := b.Size
	end := b.End()
	if end > lb.end() {
		end = lb.end()
	}
	if end <= lb.vec[0].Pos {
		b.Size = 0
		return
	}
	for i := lb.FindIndex(end - 1); i >= 0; i-- {
		sb := lb.vec[i]
		if sb.Status != st || sb.Pos >= end {
			continue
		}
		cand := sb.Block
		if cand.End() > end {
			cand.Size = end - cand.Pos
		}
		is := lb.domain.LastIntersection(cand)
		if is.IsEmpty() {
			continue
		}
		if is.Size > size {
			is.Pos = is.End() - size
			is.Size = size
		}
		*b = is
		return
	}
	b.Size = 0
}

// ChangeChunkStatus replaces the status of the chunk b, splitting the
// sblocks at b's edges as needed and merging with like-status
// neighbours afterwards. b must lie entirely within the vector.
func (lb *Logbook) ChangeChunkStatus(b block.Block, st block.Status) {
	if b.IsEmpty() {
		return
	}
	i := lb.FindIndex(b.Pos)
	if i < 0 || b.End() > lb.end() {
		panic("rescue: chunk outside the sblock vector")
	}

	if lb.vec[i].Pos < b.Pos {
		sb := lb.vec[i]
		left, right := sb.Block.Split(b.Pos)
		lb.vec[i] = block.NewSblock(left, sb.Status)
		lb.insertAt(i+1, block.NewSblock(right, sb.Status))
		i++
	}

	j := i
	for lb.vec[j].End() < b.End() {
		j++
	}
	if lb.vec[j].End() > b.End() {
		sb := lb.vec[j]
		left, right := sb.Block.Split(b.End())
		lb.vec[j] = block.NewSblock(left, sb.Status)
		lb.insertAt(j+1, block.NewSblock(right, sb.Status))
	}

	// vec[i..j] now exactly covers b; collapse it to one entry.
	lb.vec[i] = block.NewSblock(b, st)
	if j > i {
		lb.vec = append(lb.vec[:i+1], lb.vec[j+1:]...)
	}

	// Merge with like-status neighbours.
	if i+1 < len(lb.vec) && lb.vec[i].Status == lb.vec[i+1].Status {
		lb.vec[i].Size += lb.vec[i+1].Size
		lb.vec = append(lb.vec[:i+1], lb.vec[i+2:]...)
	}
	if i > 0 && lb.vec[i-1].Status == lb.vec[i].Status {
		lb.vec[i-1].Size += lb.vec[i].Size
		lb.vec = append(lb.vec[:i], lb.vec[i+1:]...)
	}
	lb.index = 0
}

func (lb *Logbook) insertAt(i int, sb block.Sblock) {
	lb.vec = append(lb.vec, block.Sblock{})
	copy(lb.vec[i+1:], lb.vec[i:])
	lb.vec[i] = sb
}

// ChangeSblockStatus rewrites the status of the i-th entry without
// merging; callers run Compact afterwards. Used by the one-shot retrim
// and try-again rewrites.
func (lb *Logbook) ChangeSblockStatus(i int, st block.Status) {
	lb.vec[i].Status = st
}

// TruncateVector drops all content at or past end. Used when EOF is
// observed earlier than the declared input size.
func (lb *Logbook) TruncateVector(end int64) {
	for len(lb.vec) > 0 && lb.vec[len(lb.vec)-1].Pos >= end {
		lb.vec = lb.vec[:len(lb.vec)-1]
	}
	if len(lb.vec) > 0 {
		last := &lb.vec[len(lb.vec)-1]
		if last.End() > end {
			last.Size = end - last.Pos
		}
	}
	if lb.currentPos > end {
		lb.currentPos = end
	}
	lb.index = 0
}

// Compact merges adjacent same-status entries, restoring the partition
// invariant after bulk status rewrites or a mapfile load.
func (lb *Logbook) Compact() {
	out := lb.vec[:0]
	for _, sb := range lb.vec {
		if n := len(out); n > 0 && out[n-1].Status == sb.Status {
			out[n-1].Size += sb.Size
			continue
		}
		out = append(out, sb)
	}
	lb.vec = out
	lb.index = 0
}

// Save writes a durable snapshot of the vector and cursor. A logbook
// without a mapfile path persists nothing.
func (lb *Logbook) Save() error {
	if lb.path == "" {
		return nil
	}
	f := &mapfile.File{
		CurrentPos:    lb.currentPos,
		CurrentStatus: lb.currentStatus,
		Sblocks:       lb.vec,
	}
	return mapfile.Save(lb.path, f)
}
