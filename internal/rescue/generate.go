package rescue

import (
	"errors"
	"fmt"

	"github.com/bamsammich/salvage/internal/block"
	"github.com/bamsammich/salvage/internal/mapfile"
	"github.com/bamsammich/salvage/internal/platform"
)

// Genbook rebuilds a mapfile by inspecting an already-copied output:
// every non-zero hard-block-sized piece of readable territory is taken
// as recovered. Zero runs stay non-tried because a zero block in the
// output cannot be told apart from a never-copied one.
type Genbook struct {
	book   *Logbook
	out    platform.Reader
	offset int64

	recsize int64
	gensize int64
}

// NewGenbook builds a generator reading the output through out.
func NewGenbook(book *Logbook, out platform.Reader, offset int64) *Genbook {
	return &Genbook{book: book, out: out, offset: offset}
}

// Generated returns the bytes scanned and the bytes marked finished.
func (g *Genbook) Generated() (gensize, recsize int64) {
	return g.gensize, g.recsize
}

// Run scans the non-tried part of the domain and takes the final
// snapshot.
func (g *Genbook) Run() error {
	g.recsize, g.gensize = 0, 0
	d := g.book.Domain()
	for i := 0; i < g.book.Sblocks(); i++ {
		sb := g.book.Sblock(i)
		if !d.Includes(sb.Block) {
			if d.Before(sb.Block) {
				break
			}
			continue
		}
		if sb.Status == block.Finished {
			g.recsize += sb.Size
		}
	}

	pos := int64(0)
	if g.offset < 0 {
		pos = -g.offset
	}
	if g.book.CurrentStatus() == mapfile.StatusGenerating &&
		g.book.Domain().IncludesPos(g.book.CurrentPos()) &&
		(g.offset >= 0 || g.book.CurrentPos() >= -g.offset) {
		pos = g.book.CurrentPos()
	}

	var err error
	for pos >= 0 {
		b := block.Block{Pos: pos, Size: int64(g.book.Softbs())}
		b.FixSize()
		g.book.FindChunk(&b, block.NonTried)
		if b.Size <= 0 {
			break
		}
		pos = b.End()
		g.book.SetCursor(mapfile.StatusGenerating, b.Pos)

		copied, errSize := g.checkBlock(b)
		if int64(copied+errSize) < b.Size {
			g.book.TruncateVector(b.Pos + int64(copied+errSize))
		}
		if serr := g.book.Save(); serr != nil {
			err = fmt.Errorf("mapfile: %w", serr)
			break
		}
		if Interrupted() {
			err = ErrInterrupted
			break
		}
	}

	if err == nil {
		g.book.SetCursor(mapfile.StatusFinished, g.book.CurrentPos())
	}
	g.book.Compact()
	if serr := g.book.Save(); serr != nil && (err == nil || errors.Is(err, ErrInterrupted)) {
		err = fmt.Errorf("mapfile: %w", serr)
	}
	return err
}

// checkBlock reads b from the output and marks its non-zero hard-block
// pieces finished. copied+errSize < b.Size means the output ended.
func (g *Genbook) checkBlock(b block.Block) (copied, errSize int) {
	if b.Size <= 0 || b.Size > int64(len(g.book.Buf())) {
		panic("rescue: bad block size in generate")
	}
	buf := g.book.Buf()[:b.Size]
	n, rerr := g.out.ReadAt(buf, b.Pos+g.offset)
	copied = n
	if rerr != nil {
		errSize = int(b.Size) - n
	}

	hardbs := g.book.Hardbs()
	for pos := 0; pos < copied; {
		size := min(hardbs, copied-pos)
		if !platform.IsZero(buf[pos : pos+size]) {
			g.book.ChangeChunkStatus(block.New(b.Pos+int64(pos), int64(size)), block.Finished)
			g.recsize += int64(size)
		}
		g.gensize += int64(size)
		pos += size
	}
	return copied, errSize
}
