package rescue

import (
	"errors"
	"fmt"

	"github.com/bamsammich/salvage/internal/block"
	"github.com/bamsammich/salvage/internal/mapfile"
	"github.com/bamsammich/salvage/internal/platform"
)

// FillOptions configures a fill run.
type FillOptions struct {
	Offset            int64
	Synchronous       bool
	IgnoreWriteErrors bool
	// WriteLocationData stamps each hard-block sector with a text
	// banner naming its position, sector number and status, so rescued
	// media can be audited afterwards.
	WriteLocationData bool
}

// Fillbook overwrites the regions whose status is in a user-selected
// set with a repeating pattern. It never reads the input; the pattern
// comes from a separate file.
type Fillbook struct {
	book *Logbook
	out  platform.Writer
	opts FillOptions

	filledSize    int64
	remainingSize int64
}

// NewFillbook builds a fill engine writing through out.
func NewFillbook(book *Logbook, out platform.Writer, opts FillOptions) *Fillbook {
	return &Fillbook{book: book, out: out, opts: opts}
}

// Filled returns the bytes written and the bytes still to write.
func (f *Fillbook) Filled() (filled, remaining int64) {
	return f.filledSize, f.remainingSize
}

// ReadBuffer loads the fill pattern from in, replicating it to cover
// the whole I/O buffer.
func (f *Fillbook) ReadBuffer(in platform.Reader) error {
	buf := f.book.Buf()
	n, err := in.ReadAt(buf, 0)
	if n <= 0 {
		if err != nil {
			return fmt.Errorf("read fill pattern: %w", err)
		}
		return fmt.Errorf("fill pattern is empty")
	}
	for i := n; i < len(buf); i *= 2 {
		copy(buf[i:], buf[:min(i, len(buf)-i)])
	}
	return nil
}

// Run fills every in-domain region whose status is in statuses and
// takes the final snapshot.
func (f *Fillbook) Run(statuses []block.Status) error {
	f.filledSize, f.remainingSize = 0, 0
	d := f.book.Domain()
	inSet := func(s block.Status) bool {
		for _, st := range statuses {
			if s == st {
				return true
			}
		}
		return false
	}
	for i := 0; i < f.book.Sblocks(); i++ {
		sb := f.book.Sblock(i)
		if !d.Includes(sb.Block) {
			if d.Before(sb.Block) {
				break
			}
			continue
		}
		if inSet(sb.Status) {
			f.remainingSize += sb.Size
		}
	}

	pos := int64(0)
	if f.book.CurrentStatus() == mapfile.StatusFilling &&
		f.book.Domain().IncludesPos(f.book.CurrentPos()) {
		pos = f.book.CurrentPos()
	}

	var err error
	for pos >= 0 {
		b := block.Block{Pos: pos, Size: int64(f.book.Softbs())}
		b.FixSize()
		f.book.FindChunkAny(&b, statuses...)
		if b.Size <= 0 {
			break
		}
		pos = b.End()
		i := f.book.FindIndex(b.Pos)
		st := f.book.Sblock(i).Status
		f.book.SetCursor(mapfile.StatusFilling, b.End())

		if ferr := f.fillBlock(block.NewSblock(b, st)); ferr != nil {
			if !f.opts.IgnoreWriteErrors {
				err = ferr
				break
			}
			// keep going; the skipped bytes stay unfilled
			f.remainingSize -= b.Size
		}
		if serr := f.book.Save(); serr != nil {
			err = fmt.Errorf("mapfile: %w", serr)
			break
		}
		if Interrupted() {
			err = ErrInterrupted
			break
		}
	}

	if err == nil {
		f.book.SetCursor(mapfile.StatusFinished, f.book.CurrentPos())
	}
	f.book.Compact()
	if serr := f.book.Save(); serr != nil && (err == nil || errors.Is(err, ErrInterrupted)) {
		err = fmt.Errorf("mapfile: %w", serr)
	}
	return err
}

// fillBlock writes one chunk of pattern (or location banners) over sb.
func (f *Fillbook) fillBlock(sb block.Sblock) error {
	if sb.Size <= 0 || sb.Size > int64(len(f.book.Buf())) {
		panic("rescue: bad block size in fill")
	}
	buf := f.book.Buf()[:sb.Size]

	if f.opts.WriteLocationData {
		hardbs := int64(f.book.Hardbs())
		for pos := sb.Pos; pos < sb.End(); pos += hardbs {
			sector := buf[pos-sb.Pos:]
			banner := fmt.Sprintf("\n# position      sector  status\n0x%08X  0x%08X  %c\n",
				pos, pos/hardbs, sb.Status)
			n := min(len(banner), min(80, len(sector)))
			copy(sector[:n], banner)
			limit := min(80, len(sector))
			for i := n; i < limit; i++ {
				sector[i] = ' '
			}
		}
	}

	if _, err := f.out.WriteAt(buf, sb.Pos+f.opts.Offset); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	if f.opts.Synchronous {
		if err := f.out.Sync(); err != nil {
			return fmt.Errorf("write error: %w", err)
		}
	}
	f.filledSize += sb.Size
	f.remainingSize -= sb.Size
	return nil
}
