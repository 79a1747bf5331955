// Package mapfile reads and writes the on-disk recovery map: the
// current position/status cursor plus the (pos, size, status) triples
// describing every interval of the input. Updates are crash-atomic; a
// reader sees either the previous snapshot or the new one.
package mapfile

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/salvage/internal/block"
)

// Cursor status tags. The first four mirror the pass being executed
// when the snapshot was taken; Filling and Generating belong to the
// auxiliary modes, and Finished marks a completed run.
const (
	StatusCopying    byte = '?'
	StatusTrimming   byte = '*'
	StatusSplitting  byte = '/'
	StatusRetrying   byte = '-'
	StatusFilling    byte = 'F'
	StatusGenerating byte = 'G'
	StatusFinished   byte = '+'
)

func validCursorStatus(b byte) bool {
	switch b {
	case StatusCopying, StatusTrimming, StatusSplitting, StatusRetrying,
		StatusFilling, StatusGenerating, StatusFinished:
		return true
	}
	return false
}

// File is the parsed content of a mapfile.
type File struct {
	CurrentPos    int64
	CurrentStatus byte
	Sblocks       []block.Sblock
}

// Parse reads a mapfile from r. Comment and blank lines are ignored.
// The first data line is the cursor, every following line an sblock
// triple. Adjacent same-status triples are accepted (they are merged by
// the logbook on load); gaps or overlaps are an error.
func Parse(r io.Reader) (*File, error) {
	f := &File{CurrentStatus: StatusCopying}
	sc := bufio.NewScanner(r)
	sawCursor := false
	lineno := 0

	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)

		if !sawCursor {
			if len(fields) != 2 || len(fields[1]) != 1 {
				return nil, fmt.Errorf("mapfile line %d: malformed status line", lineno)
			}
			pos, err := parseNum(fields[0])
			if err != nil || pos < 0 {
				return nil, fmt.Errorf("mapfile line %d: bad current position %q", lineno, fields[0])
			}
			st := fields[1][0]
			if !validCursorStatus(st) {
				return nil, fmt.Errorf("mapfile line %d: bad current status %q", lineno, fields[1])
			}
			f.CurrentPos, f.CurrentStatus = pos, st
			sawCursor = true
			continue
		}

		if len(fields) != 3 || len(fields[2]) != 1 {
			return nil, fmt.Errorf("mapfile line %d: malformed sblock line", lineno)
		}
		pos, err := parseNum(fields[0])
		if err != nil || pos < 0 {
			return nil, fmt.Errorf("mapfile line %d: bad position %q", lineno, fields[0])
		}
		size, err := parseNum(fields[1])
		if err != nil || size <= 0 || pos > block.MaxEnd-size {
			return nil, fmt.Errorf("mapfile line %d: bad size %q", lineno, fields[1])
		}
		st := block.Status(fields[2][0])
		if !st.Valid() {
			return nil, fmt.Errorf("mapfile line %d: bad status %q", lineno, fields[2])
		}
		if n := len(f.Sblocks); n > 0 && f.Sblocks[n-1].End() != pos {
			return nil, fmt.Errorf("mapfile line %d: sblocks are not contiguous", lineno)
		}
		f.Sblocks = append(f.Sblocks, block.NewSblock(block.New(pos, size), st))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawCursor {
		return nil, fmt.Errorf("mapfile: missing status line")
	}
	return f, nil
}

// Encode writes f to w in mapfile format.
func (f *File) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Mapfile. Created by salvage")
	fmt.Fprintln(bw, "# current_pos  current_status")
	fmt.Fprintf(bw, "0x%08X     %c\n", f.CurrentPos, f.CurrentStatus)
	fmt.Fprintln(bw, "#      pos        size  status")
	for _, sb := range f.Sblocks {
		fmt.Fprintf(bw, "0x%08X  0x%08X  %c\n", sb.Pos, sb.Size, sb.Status)
	}
	return bw.Flush()
}

// Load reads and parses the mapfile at path.
func Load(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	f, err := Parse(fd)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Save atomically replaces the mapfile at path with f: the snapshot is
// written to a temporary file in the same directory, synced, and
// renamed over the target.
func Save(path string, f *File) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", base, uuid.New().String()[:8]))

	fd, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create mapfile tmp: %w", err)
	}
	defer os.Remove(tmpPath) // no-op if rename succeeded

	if err := f.Encode(fd); err != nil {
		fd.Close()
		return fmt.Errorf("write mapfile: %w", err)
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		return fmt.Errorf("sync mapfile: %w", err)
	}
	if err := fd.Close(); err != nil {
		return fmt.Errorf("close mapfile: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename mapfile: %w", err)
	}
	return nil
}

// DefaultPath returns the mapfile path used when the user supplies
// none: a deterministic per-job file under $XDG_RUNTIME_DIR/salvage or
// the system temp directory.
func DefaultPath(in, out string) string {
	id := jobID(in, out)
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "salvage", id+".map")
	}
	return filepath.Join(os.TempDir(), "salvage-"+id+".map")
}

// jobID computes a deterministic job ID from the input and output paths.
func jobID(in, out string) string {
	h := blake3.New()
	h.Write([]byte(in))
	h.Write([]byte{0})
	h.Write([]byte(out))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

// parseNum accepts the hex form written by Encode as well as plain
// decimal, for hand-edited mapfiles.
func parseNum(s string) (int64, error) {
	return strconv.ParseInt(s, 0, 64)
}
