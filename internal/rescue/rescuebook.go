package rescue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bamsammich/salvage/internal/block"
	"github.com/bamsammich/salvage/internal/event"
	"github.com/bamsammich/salvage/internal/mapfile"
	"github.com/bamsammich/salvage/internal/platform"
	"github.com/bamsammich/salvage/internal/stats"
)

// ErrInterrupted is returned when a cancellation signal stopped the
// run. The final snapshot has already been taken when it is seen.
var ErrInterrupted = errors.New("interrupted by signal")

// skip sizes are doubled on consecutive errors but stay well clear of
// the end of the axis.
const maxSkipSize = block.MaxEnd / 4

// Options configures a rescue run.
type Options struct {
	Offset         int64 // added to input positions when writing
	Skipbs         int64 // minimum skip on error; floored to max(65536, hardbs)
	MaxErrors      *int  // nil = unlimited; a limit of 0 stops on the first error area
	MaxRetries     int   // < 0 = unlimited, 0 = skip the retry pass
	NoSplit        bool
	Retrim         bool
	TryAgain       bool
	Sparse         bool
	Synchronous    bool
	MinOutfileSize int64
	TestDomain     *block.Domain // readable ranges; nil means everything
	InputPath      string        // enables the disappearance check when set
}

// Rescuebook drives the four-pass state machine over a logbook,
// transferring data between the input and output devices.
type Rescuebook struct {
	book *Logbook
	opts Options
	in   platform.Reader
	out  platform.Writer

	recsize    int64
	errsize    int64
	errors     int
	sparseSize int64
	mapfileErr bool

	collector *stats.Collector
	events    chan<- event.Event
}

// NewRescuebook builds a rescue engine over book. The one-shot retrim
// and try-again rewrites are applied here, in that order, before any
// pass runs.
func NewRescuebook(book *Logbook, in platform.Reader, out platform.Writer, opts Options) *Rescuebook {
	if floor := int64(max(65536, book.Hardbs())); opts.Skipbs < floor {
		opts.Skipbs = floor
	}
	r := &Rescuebook{book: book, opts: opts, in: in, out: out}

	d := book.Domain()
	if opts.Retrim {
		for i := 0; i < book.Sblocks(); i++ {
			sb := book.Sblock(i)
			if !d.Includes(sb.Block) {
				if d.Before(sb.Block) {
					break
				}
				continue
			}
			if sb.Status == block.NonSplit || sb.Status == block.BadSector {
				book.ChangeSblockStatus(i, block.NonTrimmed)
			}
		}
	}
	if opts.TryAgain {
		for i := 0; i < book.Sblocks(); i++ {
			sb := book.Sblock(i)
			if !d.Includes(sb.Block) {
				if d.Before(sb.Block) {
					break
				}
				continue
			}
			if sb.Status == block.NonSplit || sb.Status == block.NonTrimmed {
				book.ChangeSblockStatus(i, block.NonTried)
			}
		}
	}
	book.Compact()
	return r
}

// SetCollector attaches a stats collector for presenters to read.
func (r *Rescuebook) SetCollector(c *stats.Collector) { r.collector = c }

// SetEvents attaches a progress event channel. Sends never block; a
// full channel drops events.
func (r *Rescuebook) SetEvents(ch chan<- event.Event) { r.events = ch }

// Rescued returns the bytes recovered so far.
func (r *Rescuebook) Rescued() int64 { return r.recsize }

// ErrSize returns the bytes currently in a bad status.
func (r *Rescuebook) ErrSize() int64 { return r.errsize }

// Errors returns the number of maximal contiguous bad runs.
func (r *Rescuebook) Errors() int { return r.errors }

// SparseSize returns the high-water mark of elided zero writes.
func (r *Rescuebook) SparseSize() int64 { return r.sparseSize }

// Run executes every pending pass and takes the final snapshot.
// A nil return covers clean completion and the too-many-errors soft
// stop; ErrInterrupted means a signal is pending and the caller should
// re-raise it.
func (r *Rescuebook) Run() error {
	copyPending, trimPending, splitPending := false, false, false
	r.recsize, r.errsize = 0, 0
	d := r.book.Domain()
	for i := 0; i < r.book.Sblocks(); i++ {
		sb := r.book.Sblock(i)
		if !d.Includes(sb.Block) {
			if d.Before(sb.Block) {
				break
			}
			continue
		}
		switch sb.Status {
		case block.NonTried:
			copyPending, trimPending, splitPending = true, true, true
		case block.NonTrimmed:
			trimPending = true
			r.errsize += sb.Size
		case block.NonSplit:
			splitPending = true
			r.errsize += sb.Size
		case block.BadSector:
			r.errsize += sb.Size
		case block.Finished:
			r.recsize += sb.Size
		}
	}
	if trimPending {
		splitPending = true
	}
	r.countErrors()
	if r.collector != nil {
		r.collector.SetDomainSize(d.Size())
		r.collector.Update(r.book.CurrentPos(), r.recsize, r.errsize, r.errors)
	}
	if r.book.Loaded() {
		slog.Info("initial status read from mapfile",
			"rescued", r.recsize, "errsize", r.errsize, "errors", r.errors)
	}

	var err error
	if copyPending && !r.tooManyErrors() {
		err = r.runPass("copying", r.copyNonTried)
	}
	if err == nil && trimPending && !r.tooManyErrors() {
		err = r.runPass("trimming", r.trimErrors)
	}
	if err == nil && splitPending && !r.opts.NoSplit && !r.tooManyErrors() {
		err = r.runPass("splitting", r.splitErrors)
	}
	if err == nil && r.opts.MaxRetries != 0 && !r.tooManyErrors() {
		err = r.runPass("retrying", r.copyErrors)
	}
	r.countErrors()

	if r.mapfileErr {
		// Never touch the data again once the mapfile cannot record it.
		return err
	}
	if err == nil {
		if r.tooManyErrors() {
			slog.Warn("too many errors in input", "errors", r.errors)
		}
		r.book.SetCursor(mapfile.StatusFinished, r.book.CurrentPos())
	}
	if eerr := r.extendOutfileSize(); eerr != nil && err == nil {
		err = fmt.Errorf("extend output: %w", eerr)
	}
	r.book.Compact()
	if serr := r.book.Save(); serr != nil && (err == nil || errors.Is(err, ErrInterrupted)) {
		err = fmt.Errorf("mapfile: %w", serr)
	}
	r.emit(event.Event{Type: event.RunCompleted, Err: err})
	return err
}

func (r *Rescuebook) runPass(name string, pass func() error) error {
	r.emit(event.Event{Type: event.PassStarted, Pass: name})
	err := pass()
	r.emit(event.Event{Type: event.PassCompleted, Pass: name, Err: err})
	return err
}

// copyNonTried is pass 1: read the non-tried part of the domain
// forward, skipping over presumed-bad territory after errors.
func (r *Rescuebook) copyNonTried() error {
	hardbs := int64(r.book.Hardbs())
	pos := r.book.Domain().Pos()
	skipSize := hardbs // reads stay small until the first clean block
	if r.book.CurrentStatus() == mapfile.StatusCopying &&
		r.book.Domain().IncludesPos(r.book.CurrentPos()) {
		pos = r.book.CurrentPos()
	}

	for pos >= 0 {
		size := int64(r.book.Softbs())
		if skipSize > 0 {
			size = hardbs
		}
		b := block.Block{Pos: pos, Size: size}
		b.FixSize()
		r.book.FindChunk(&b, block.NonTried)
		if pos != b.Pos {
			skipSize = 0 // reset on block change
		}
		pos = b.End()
		if b.Size <= 0 {
			break
		}
		r.book.SetCursor(mapfile.StatusCopying, b.Pos)

		onError := block.NonTrimmed
		if skipSize > 0 {
			onError = block.BadSector
		}
		copied, errSize, err := r.copyAndUpdate(b, onError)
		r.note("copying", b, copied, errSize)
		if errSize > 0 {
			r.errsize += int64(errSize)
			if skipSize < r.opts.Skipbs {
				skipSize = r.opts.Skipbs
			} else if skipSize < maxSkipSize {
				skipSize *= 2
			}
			// Stamp a skip-sized run as non-trimmed without reading it.
			sb := block.Block{Pos: pos, Size: skipSize}
			sb.FixSize()
			r.book.FindChunk(&sb, block.NonTried)
			if sb.Pos == pos && sb.Size > 0 {
				r.book.ChangeChunkStatus(sb, block.NonTrimmed)
				r.errsize += sb.Size
				pos = sb.End()
				r.emit(event.Event{Type: event.SkipStamped, Pass: "copying",
					Pos: sb.Pos, Size: sb.Size})
			}
		} else if skipSize > 0 && copied > 0 {
			skipSize -= int64(copied)
			if skipSize < 0 {
				skipSize = 0
			}
		}
		if err != nil || r.tooManyErrors() {
			return err
		}
		if err := r.snapshot(); err != nil {
			return err
		}
		if Interrupted() {
			return ErrInterrupted
		}
	}
	return nil
}

// trimErrors is pass 2: read the non-trimmed areas backward one hard
// block at a time, promoting the area ahead of a failure to non-split.
func (r *Rescuebook) trimErrors() error {
	hardbs := int64(r.book.Hardbs())
	pos := int64(block.MaxEnd) - hardbs
	if r.book.CurrentStatus() == mapfile.StatusTrimming &&
		r.book.Domain().IncludesPos(r.book.CurrentPos()) {
		pos = r.book.CurrentPos()
	}

	for pos >= 0 {
		b := block.Block{Pos: pos, Size: hardbs}
		r.book.RFindChunk(&b, block.NonTrimmed)
		if b.Size <= 0 {
			break
		}
		pos = b.Pos - hardbs
		r.book.SetCursor(mapfile.StatusTrimming, b.Pos)

		copied, errSize, err := r.copyAndUpdate(b, block.BadSector)
		r.note("trimming", b, copied, errSize)
		if copied > 0 {
			r.errsize -= int64(copied)
		}
		if errSize > 0 && b.Pos > 0 {
			// The trailing edge of the damaged extent has been located;
			// leave the interior for the split pass.
			if i := r.book.FindIndex(b.Pos - 1); i >= 0 {
				sb := r.book.Sblock(i)
				if r.book.Domain().Includes(sb.Block) && sb.Status == block.NonTrimmed {
					r.book.ChangeChunkStatus(sb.Block, block.NonSplit)
				}
			}
		}
		if err != nil || r.tooManyErrors() {
			return err
		}
		if err := r.snapshot(); err != nil {
			return err
		}
		if Interrupted() {
			return ErrInterrupted
		}
	}
	return nil
}

// splitErrors is pass 3: sweep the non-split areas forward one hard
// block at a time until a whole sweep finds nothing, jumping over the
// deep interior of large extents after consecutive errors.
func (r *Rescuebook) splitErrors() error {
	hardbs := int64(r.book.Hardbs())
	resume := r.book.CurrentStatus() == mapfile.StatusSplitting &&
		r.book.Domain().IncludesPos(r.book.CurrentPos())

	for {
		pos := int64(0)
		if resume {
			resume = false
			pos = r.book.CurrentPos()
		}
		errorCounter := 0
		blockFound := false

		for pos >= 0 {
			b := block.Block{Pos: pos, Size: hardbs}
			r.book.FindChunk(&b, block.NonSplit)
			if b.Size <= 0 {
				break
			}
			pos = b.End()
			blockFound = true
			r.book.SetCursor(mapfile.StatusSplitting, b.Pos)

			copied, errSize, err := r.copyAndUpdate(b, block.BadSector)
			r.note("splitting", b, copied, errSize)
			if copied > 0 {
				r.errsize -= int64(copied)
			}
			if errSize <= 0 {
				errorCounter = 0
			} else if errorCounter++; errorCounter >= 2 &&
				int64(errorCounter)*hardbs >= 2*r.opts.Skipbs {
				// Enough consecutive failures; jump past half of the
				// remaining extent and keep working on its edges.
				errorCounter = 0
				if i := r.book.FindIndex(pos); i >= 0 {
					sb := r.book.Sblock(i)
					if sb.Status == block.NonSplit &&
						sb.Size >= 2*r.opts.Skipbs && sb.Size >= 4*hardbs {
						pos += (sb.Size / (2 * hardbs)) * hardbs
					}
				}
			}
			if err != nil || r.tooManyErrors() {
				return err
			}
			if err := r.snapshot(); err != nil {
				return err
			}
			if Interrupted() {
				return ErrInterrupted
			}
		}
		if !blockFound {
			break
		}
	}
	return nil
}

// copyErrors is pass 4: re-read bad sectors one hard block at a time,
// once per retry round.
func (r *Rescuebook) copyErrors() error {
	hardbs := int64(r.book.Hardbs())
	resume := r.book.CurrentStatus() == mapfile.StatusRetrying &&
		r.book.Domain().IncludesPos(r.book.CurrentPos())

	for retry := 1; r.opts.MaxRetries < 0 || retry <= r.opts.MaxRetries; retry++ {
		pos := int64(0)
		if resume {
			resume = false
			pos = r.book.CurrentPos()
		}
		blockFound := false

		for pos >= 0 {
			b := block.Block{Pos: pos, Size: hardbs}
			r.book.FindChunk(&b, block.BadSector)
			if b.Size <= 0 {
				break
			}
			pos = b.End()
			blockFound = true
			r.book.SetCursor(mapfile.StatusRetrying, b.Pos)

			copied, errSize, err := r.copyAndUpdate(b, block.BadSector)
			r.note("retrying", b, copied, errSize)
			if copied > 0 {
				r.errsize -= int64(copied)
			}
			if err != nil || r.tooManyErrors() {
				return err
			}
			if err := r.snapshot(); err != nil {
				return err
			}
			if Interrupted() {
				return ErrInterrupted
			}
		}
		if !blockFound {
			break
		}
	}
	return nil
}

// copyAndUpdate runs one work unit: copy b, fold the outcome into the
// vector, and refresh the error count. onError is the status given to
// the failed tail; a failure of at least one hard block under a
// non-bad-sector status is split so the leading hard block that
// actually failed is isolated immediately.
func (r *Rescuebook) copyAndUpdate(b block.Block, onError block.Status) (copied, errSize int, err error) {
	copied, errSize, err = r.copyBlock(b)
	if err != nil {
		return copied, errSize, err
	}
	if int64(copied+errSize) < b.Size {
		end := b.Pos + int64(copied+errSize)
		slog.Debug("input ends before declared size", "end", end)
		r.book.TruncateVector(end)
		r.emit(event.Event{Type: event.EOFReached, Pos: end})
	}
	if copied > 0 {
		r.book.ChangeChunkStatus(block.New(b.Pos, int64(copied)), block.Finished)
		r.recsize += int64(copied)
	}
	if errSize > 0 {
		failed := block.New(b.Pos+int64(copied), int64(errSize))
		if int64(errSize) >= int64(r.book.Hardbs()) && onError != block.BadSector {
			head := block.New(failed.Pos, int64(r.book.Hardbs()))
			tail := block.New(head.End(), failed.Size-head.Size)
			r.book.ChangeChunkStatus(head, block.BadSector)
			r.book.ChangeChunkStatus(tail, onError)
		} else {
			r.book.ChangeChunkStatus(failed, onError)
		}
		if r.opts.MaxErrors != nil {
			r.countErrors()
		}
		if r.opts.InputPath != "" {
			if _, serr := os.Stat(r.opts.InputPath); serr != nil {
				return copied, errSize, fmt.Errorf("input file disappeared: %w", serr)
			}
		}
	}
	return copied, errSize, nil
}

// copyBlock transfers b from the input to the output at b.Pos+offset.
// copied+errSize < b.Size means the input ended at b.Pos+copied+errSize.
// A returned error is a write failure and is terminal.
func (r *Rescuebook) copyBlock(b block.Block) (copied, errSize int, err error) {
	if b.Size <= 0 || b.Size > int64(len(r.book.Buf())) {
		panic("rescue: bad block size in copy")
	}
	buf := r.book.Buf()[:b.Size]

	if r.opts.TestDomain != nil && !r.opts.TestDomain.Includes(b) {
		return 0, int(b.Size), nil
	}

	n, rerr := r.in.ReadAt(buf, b.Pos)
	copied = n
	if rerr != nil {
		errSize = int(b.Size) - n
	}
	if r.collector != nil {
		r.collector.AddReadBytes(b.Size)
	}

	if copied > 0 {
		pos := b.Pos + r.opts.Offset
		if r.opts.Sparse && platform.IsZero(buf[:copied]) {
			if end := pos + int64(copied); end > r.sparseSize {
				r.sparseSize = end
			}
		} else {
			if _, werr := r.out.WriteAt(buf[:copied], pos); werr != nil {
				return 0, 0, fmt.Errorf("write error: %w", werr)
			}
			if r.opts.Synchronous {
				if serr := r.out.Sync(); serr != nil {
					return 0, 0, fmt.Errorf("write error: %w", serr)
				}
			}
		}
	}
	return copied, errSize, nil
}

// countErrors recomputes errors as the number of maximal contiguous
// bad-status runs within the domain.
func (r *Rescuebook) countErrors() {
	good := true
	r.errors = 0
	d := r.book.Domain()
	for i := 0; i < r.book.Sblocks(); i++ {
		sb := r.book.Sblock(i)
		if !d.Includes(sb.Block) {
			if d.Before(sb.Block) {
				break
			}
			continue
		}
		if sb.Status.Bad() {
			if good {
				good = false
				r.errors++
			}
		} else {
			good = true
		}
	}
}

func (r *Rescuebook) tooManyErrors() bool {
	return r.opts.MaxErrors != nil && r.errors > *r.opts.MaxErrors
}

// extendOutfileSize grows the output to cover elided sparse writes and
// the user-requested minimum, using a single one-byte write.
func (r *Rescuebook) extendOutfileSize() error {
	if r.opts.MinOutfileSize <= 0 && r.sparseSize <= 0 {
		return nil
	}
	minSize := max(r.opts.MinOutfileSize, r.sparseSize)
	size, err := r.out.Size()
	if err != nil {
		return err
	}
	if minSize > size {
		if _, err := r.out.WriteAt([]byte{0}, minSize-1); err != nil {
			return err
		}
		return r.out.Sync()
	}
	return nil
}

// snapshot publishes counters and writes the durable mapfile update for
// the work unit just completed. The output is synced first so the
// mapfile never claims bytes that are not on disk.
func (r *Rescuebook) snapshot() error {
	if r.collector != nil {
		r.collector.Update(r.book.CurrentPos(), r.recsize, r.errsize, r.errors)
	}
	if r.book.Path() == "" {
		return nil
	}
	if err := r.out.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	if err := r.book.Save(); err != nil {
		r.mapfileErr = true
		return fmt.Errorf("mapfile: %w", err)
	}
	return nil
}

func (r *Rescuebook) note(pass string, b block.Block, copied, errSize int) {
	r.emit(event.Event{
		Type:      event.BlockCopied,
		Pass:      pass,
		Pos:       b.Pos,
		Size:      b.Size,
		Copied:    int64(copied),
		ErrorSize: int64(errSize),
	})
}

func (r *Rescuebook) emit(ev event.Event) {
	if r.events == nil {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case r.events <- ev:
	default:
	}
}
