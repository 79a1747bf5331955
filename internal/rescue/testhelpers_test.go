package rescue_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/salvage/internal/block"
	"github.com/bamsammich/salvage/internal/platform"
	"github.com/bamsammich/salvage/internal/rescue"
)

const sectorSize = 512

// faultyInput simulates a failing device: reads stop at the first byte
// of a bad sector with EIO, exactly like a real short read. Sectors in
// failures count down one failure per touching read attempt, so they
// heal after enough retries. onRead, when set, runs before every read.
type faultyInput struct {
	data     []byte
	bad      map[int64]bool // permanently bad sectors
	failures map[int64]int  // transiently bad sectors: remaining failures
	reads    int
	onRead   func(reads int)
}

func (f *faultyInput) ReadAt(p []byte, off int64) (int, error) {
	f.reads++
	if f.onRead != nil {
		f.onRead(f.reads)
	}

	// Decrement transient failures for every bad sector the request
	// touches, before serving it.
	firstBad := int64(-1)
	for pos := off; pos < off+int64(len(p)); pos += sectorSize - pos%sectorSize {
		sector := pos / sectorSize
		failing := f.bad[sector]
		if left, ok := f.failures[sector]; ok && left > 0 {
			f.failures[sector] = left - 1
			failing = true
		}
		if failing && firstBad < 0 {
			firstBad = sector * sectorSize
			if firstBad < off {
				firstBad = off
			}
		}
	}

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= int64(len(f.data)) {
			return n, nil // end of input
		}
		if firstBad >= 0 && pos >= firstBad {
			return n, syscall.EIO
		}
		p[n] = f.data[pos]
		n++
	}
	return n, nil
}

// pattern fills a buffer with a non-zero repeating byte sequence.
func pattern(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251 + 1)
	}
	return data
}

// newBook builds a fresh logbook for tests. An empty mapPath disables
// persistence.
func newBook(t *testing.T, mapPath string, isize int64, hardbs, softbs int) *rescue.Logbook {
	t.Helper()
	book, err := rescue.NewLogbook(rescue.LogbookOptions{
		MapfilePath: mapPath,
		InputSize:   isize,
		Hardbs:      hardbs,
		Softbs:      softbs,
	})
	require.NoError(t, err)
	return book
}

// openOutput creates an output device backed by a temp file and returns
// it with its path.
func openOutput(t *testing.T) (*platform.Device, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.img")
	out, err := platform.OpenOutput(path)
	require.NoError(t, err)
	t.Cleanup(func() { out.Close() })
	return out, path
}

// vector flattens the logbook for comparison.
func vector(book *rescue.Logbook) []block.Sblock {
	v := make([]block.Sblock, 0, book.Sblocks())
	for i := 0; i < book.Sblocks(); i++ {
		v = append(v, book.Sblock(i))
	}
	return v
}

// sb is shorthand for building expected vector entries.
func sb(pos, size int64, st block.Status) block.Sblock {
	return block.NewSblock(block.New(pos, size), st)
}

// intp builds the pointer form optional limits take.
func intp(n int) *int { return &n }

// checkInvariants verifies the partition properties: gap-free coverage,
// positive sizes, and merged neighbours.
func checkInvariants(t *testing.T, book *rescue.Logbook) {
	t.Helper()
	require.Positive(t, book.Sblocks())
	prev := book.Sblock(0)
	require.Positive(t, prev.Size)
	for i := 1; i < book.Sblocks(); i++ {
		cur := book.Sblock(i)
		require.Positive(t, cur.Size, "sblock %d", i)
		require.Equal(t, prev.End(), cur.Pos, "gap or overlap at sblock %d", i)
		require.NotEqual(t, prev.Status, cur.Status, "unmerged neighbours at sblock %d", i)
		prev = cur
	}
}

// statusBytes sums in-domain bytes per status.
func statusBytes(book *rescue.Logbook) map[block.Status]int64 {
	sums := make(map[block.Status]int64)
	for i := 0; i < book.Sblocks(); i++ {
		s := book.Sblock(i)
		for _, part := range book.Domain().Parts() {
			if is := s.Intersect(part); !is.IsEmpty() {
				sums[s.Status] += is.Size
			}
		}
	}
	return sums
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
