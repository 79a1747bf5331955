package rescue_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/salvage/internal/block"
	"github.com/bamsammich/salvage/internal/mapfile"
	"github.com/bamsammich/salvage/internal/rescue"
)

func TestRun_CleanCopy(t *testing.T) {
	data := pattern(4096)
	in := &faultyInput{data: data}
	out, outPath := openOutput(t)

	book := newBook(t, "", 4096, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	assert.Equal(t, []block.Sblock{sb(0, 4096, block.Finished)}, vector(book))
	assert.Equal(t, int64(4096), engine.Rescued())
	assert.Zero(t, engine.ErrSize())
	assert.Zero(t, engine.Errors())
	assert.Equal(t, mapfile.StatusFinished, book.CurrentStatus())
	assert.Equal(t, data, readFile(t, outPath))
}

func TestRun_SingleBadSector(t *testing.T) {
	data := pattern(4096)
	in := &faultyInput{data: data, bad: map[int64]bool{2: true}} // [1024,1536)
	out, outPath := openOutput(t)

	book := newBook(t, "", 4096, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	assert.Equal(t, []block.Sblock{
		sb(0, 1024, block.Finished),
		sb(1024, 512, block.BadSector),
		sb(1536, 2560, block.Finished),
	}, vector(book))
	assert.Equal(t, int64(3584), engine.Rescued())
	assert.Equal(t, int64(512), engine.ErrSize())
	assert.Equal(t, 1, engine.Errors())

	got := readFile(t, outPath)
	assert.Equal(t, data[:1024], got[:1024])
	assert.Equal(t, data[1536:], got[1536:])
}

func TestRun_ConservationInvariant(t *testing.T) {
	data := pattern(8192)
	in := &faultyInput{data: data, bad: map[int64]bool{3: true, 9: true}}
	out, _ := openOutput(t)

	book := newBook(t, "", 8192, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	sums := statusBytes(book)
	var total int64
	for _, n := range sums {
		total += n
	}
	assert.Equal(t, book.Domain().Size(), total)
	assert.Equal(t, engine.Rescued(), sums[block.Finished])
	assert.Equal(t, engine.ErrSize(),
		sums[block.NonTrimmed]+sums[block.NonSplit]+sums[block.BadSector])
}

func TestRun_TrimAndSplit(t *testing.T) {
	// Four contiguous bad sectors in an 8 KiB input: the first pass
	// isolates the leading one, trimming locates the trailing edge, and
	// splitting sweeps the interior.
	data := pattern(8192)
	in := &faultyInput{data: data, bad: map[int64]bool{2: true, 3: true, 4: true, 5: true}}
	out, _ := openOutput(t)

	book := newBook(t, "", 8192, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	assert.Equal(t, []block.Sblock{
		sb(0, 1024, block.Finished),
		sb(1024, 2048, block.BadSector),
		sb(3072, 5120, block.Finished),
	}, vector(book))
	assert.Equal(t, int64(6144), engine.Rescued())
	assert.Equal(t, int64(2048), engine.ErrSize())
	assert.Equal(t, 1, engine.Errors())
}

func TestRun_SkipsLargeBadExtent(t *testing.T) {
	// 64 KiB clean head, 512 KiB damaged middle, 448 KiB clean tail.
	const (
		mib     = 1 << 20
		badFrom = 64 << 10
		badTo   = badFrom + 512<<10
	)
	data := pattern(mib)
	in := &faultyInput{data: data, bad: make(map[int64]bool)}
	for s := int64(badFrom / sectorSize); s < badTo/sectorSize; s++ {
		in.bad[s] = true
	}
	out, outPath := openOutput(t)

	book := newBook(t, "", mib, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	assert.Equal(t, []block.Sblock{
		sb(0, badFrom, block.Finished),
		sb(badFrom, badTo-badFrom, block.BadSector),
		sb(badTo, mib-badTo, block.Finished),
	}, vector(book))
	assert.Equal(t, int64(mib-(badTo-badFrom)), engine.Rescued())
	assert.Equal(t, 1, engine.Errors())

	// The adaptive skip must have avoided reading most of the damaged
	// middle during the first pass; without it the total read count
	// would exceed the damaged sector count many times over.
	assert.Less(t, in.reads, 6000)

	got := readFile(t, outPath)
	assert.Equal(t, data[:badFrom], got[:badFrom])
	assert.Equal(t, data[badTo:], got[badTo:])
}

func TestRun_EOFBeforeDeclaredSize(t *testing.T) {
	data := pattern(5000)
	in := &faultyInput{data: data}
	out, outPath := openOutput(t)

	book := newBook(t, "", 8192, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	assert.Equal(t, []block.Sblock{sb(0, 5000, block.Finished)}, vector(book))
	assert.Equal(t, int64(5000), engine.Rescued())
	assert.Zero(t, engine.ErrSize())
	assert.Equal(t, data, readFile(t, outPath))
}

func TestRun_SparseZeroBlocks(t *testing.T) {
	in := &faultyInput{data: make([]byte, 4096)} // all zero
	out, outPath := openOutput(t)

	book := newBook(t, "", 4096, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{Sparse: true})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	assert.Equal(t, []block.Sblock{sb(0, 4096, block.Finished)}, vector(book))
	assert.Equal(t, int64(4096), engine.SparseSize())

	// No data writes happened, but the file was extended to cover the
	// elided zeros.
	got := readFile(t, outPath)
	require.Len(t, got, 4096)
	assert.Equal(t, make([]byte, 4096), got)
}

func TestRun_MinOutfileSize(t *testing.T) {
	in := &faultyInput{data: pattern(1024)}
	out, outPath := openOutput(t)

	book := newBook(t, "", 1024, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{MinOutfileSize: 10000})
	require.NoError(t, engine.Run())

	assert.Len(t, readFile(t, outPath), 10000)
}

func TestRun_RetriesRecoverFlakySector(t *testing.T) {
	data := pattern(4096)
	in := &faultyInput{data: data, failures: map[int64]int{2: 2}}
	out, outPath := openOutput(t)

	book := newBook(t, "", 4096, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{MaxRetries: 2})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	assert.Equal(t, []block.Sblock{sb(0, 4096, block.Finished)}, vector(book))
	assert.Equal(t, int64(4096), engine.Rescued())
	assert.Zero(t, engine.ErrSize())
	assert.Equal(t, data, readFile(t, outPath))
}

func TestRun_MaxRetriesZeroSkipsRetryPass(t *testing.T) {
	data := pattern(4096)
	in := &faultyInput{data: data, failures: map[int64]int{2: 2}}
	out, _ := openOutput(t)

	book := newBook(t, "", 4096, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{MaxRetries: 0})
	require.NoError(t, engine.Run())

	// The sector would have healed, but no retry pass ran.
	assert.Equal(t, []block.Sblock{
		sb(0, 1024, block.Finished),
		sb(1024, 512, block.BadSector),
		sb(1536, 2560, block.Finished),
	}, vector(book))
}

func TestRun_TestDomainExcludesReads(t *testing.T) {
	data := pattern(4096)
	in := &faultyInput{data: data}
	out, _ := openOutput(t)

	// Only the first half is declared readable.
	book := newBook(t, "", 4096, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{
		MaxRetries: 1,
		TestDomain: block.NewDomain(0, 2048),
	})
	require.NoError(t, engine.Run())

	checkInvariants(t, book)
	sums := statusBytes(book)
	assert.Equal(t, int64(2048), sums[block.Finished])
	assert.Equal(t, int64(2048),
		sums[block.NonTrimmed]+sums[block.NonSplit]+sums[block.BadSector])
}

func TestRun_TooManyErrorsStopsEarly(t *testing.T) {
	data := pattern(64 << 10)
	in := &faultyInput{data: data, bad: map[int64]bool{4: true, 40: true, 80: true}}
	out, _ := openOutput(t)

	book := newBook(t, "", 64<<10, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{MaxErrors: intp(0)})
	require.NoError(t, engine.Run()) // soft stop, not an error

	// Work stopped once the threshold was crossed: some territory is
	// still untouched.
	sums := statusBytes(book)
	assert.Positive(t, sums[block.NonTried]+sums[block.NonTrimmed])
	assert.Greater(t, engine.Errors(), 0)
}

func TestRun_InterruptAndResume(t *testing.T) {
	const mib = 1 << 20
	data := pattern(mib)
	dir := t.TempDir()
	mapPath := filepath.Join(dir, "rescue.map")

	// First run: interrupt halfway through the copy.
	in := &faultyInput{data: data}
	in.onRead = func(int) {
		if in.reads*4096 > 500<<10 {
			rescue.SetSignal(2)
		}
	}
	out, outPath := openOutput(t)

	book := newBook(t, mapPath, mib, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{})
	err := engine.Run()
	require.ErrorIs(t, err, rescue.ErrInterrupted)
	require.Equal(t, 2, rescue.Signum())
	rescue.ResetSignals()

	// The snapshot must describe a consistent partial state.
	saved, lerr := mapfile.Load(mapPath)
	require.NoError(t, lerr)
	assert.Equal(t, mapfile.StatusCopying, saved.CurrentStatus)
	require.NotEmpty(t, saved.Sblocks)

	// Second run resumes from the cursor and completes.
	in2 := &faultyInput{data: data}
	book2 := newBook(t, mapPath, mib, 512, 4096)
	assert.True(t, book2.Loaded())
	engine2 := rescue.NewRescuebook(book2, in2, out, rescue.Options{})
	require.NoError(t, engine2.Run())

	checkInvariants(t, book2)
	assert.Equal(t, []block.Sblock{sb(0, mib, block.Finished)}, vector(book2))
	assert.Equal(t, data, readFile(t, outPath))

	// The resumed run did not start over from position zero.
	assert.Less(t, in2.reads, 200)
}

func TestRun_ResumptionEquivalence(t *testing.T) {
	data := pattern(64 << 10)
	bad := map[int64]bool{10: true, 11: true, 64: true}

	// Uninterrupted reference run.
	inRef := &faultyInput{data: data, bad: bad}
	outRef, _ := openOutput(t)
	bookRef := newBook(t, "", 64<<10, 512, 4096)
	require.NoError(t, rescue.NewRescuebook(bookRef, inRef, outRef, rescue.Options{}).Run())

	// Interrupted at an arbitrary point, then restarted.
	mapPath := filepath.Join(t.TempDir(), "rescue.map")
	in1 := &faultyInput{data: data, bad: bad}
	in1.onRead = func(reads int) {
		if reads == 7 {
			rescue.SetSignal(15)
		}
	}
	out1, _ := openOutput(t)
	book1 := newBook(t, mapPath, 64<<10, 512, 4096)
	err := rescue.NewRescuebook(book1, in1, out1, rescue.Options{}).Run()
	require.ErrorIs(t, err, rescue.ErrInterrupted)
	rescue.ResetSignals()

	in2 := &faultyInput{data: data, bad: bad}
	book2 := newBook(t, mapPath, 64<<10, 512, 4096)
	require.NoError(t, rescue.NewRescuebook(book2, in2, out1, rescue.Options{}).Run())

	assert.Equal(t, vector(bookRef), vector(book2))
}

func TestRun_RetrimDemotesBeforeStart(t *testing.T) {
	book := newBook(t, "", 8192, 512, 4096)
	book.ChangeChunkStatus(block.New(0, 2048), block.Finished)
	book.ChangeChunkStatus(block.New(2048, 512), block.BadSector)
	book.ChangeChunkStatus(block.New(2560, 512), block.NonSplit)
	book.ChangeChunkStatus(block.New(3072, 512), block.NonTrimmed)

	in := &faultyInput{data: pattern(8192)}
	out, _ := openOutput(t)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{Retrim: true})

	// Everything bad collapsed to one non-trimmed run before any pass.
	assert.Equal(t, []block.Sblock{
		sb(0, 2048, block.Finished),
		sb(2048, 1536, block.NonTrimmed),
		sb(3584, 4608, block.NonTried),
	}, vector(book))

	require.NoError(t, engine.Run())
	assert.Equal(t, []block.Sblock{sb(0, 8192, block.Finished)}, vector(book))
}

func TestRun_TryAgainAfterRetrim(t *testing.T) {
	book := newBook(t, "", 4096, 512, 4096)
	book.ChangeChunkStatus(block.New(0, 1024), block.Finished)
	book.ChangeChunkStatus(block.New(1024, 512), block.BadSector)
	book.ChangeChunkStatus(block.New(1536, 512), block.NonSplit)

	in := &faultyInput{data: pattern(4096)}
	out, _ := openOutput(t)
	_ = rescue.NewRescuebook(book, in, out, rescue.Options{Retrim: true, TryAgain: true})

	// Retrim turns bad-sector and non-split into non-trimmed, then
	// try-again demotes the result to non-tried.
	assert.Equal(t, []block.Sblock{
		sb(0, 1024, block.Finished),
		sb(1024, 3072, block.NonTried),
	}, vector(book))
}

func TestRun_FinishedIsNeverDemoted(t *testing.T) {
	data := pattern(8192)
	in := &faultyInput{data: data, bad: map[int64]bool{6: true}}
	out, _ := openOutput(t)

	book := newBook(t, "", 8192, 512, 4096)
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{MaxRetries: 1})
	require.NoError(t, engine.Run())

	sums := statusBytes(book)
	assert.Equal(t, int64(8192-512), sums[block.Finished])

	// A second engine over the same book must not lose recovered bytes.
	engine2 := rescue.NewRescuebook(book, in, out, rescue.Options{MaxRetries: 1})
	require.NoError(t, engine2.Run())
	sums2 := statusBytes(book)
	assert.GreaterOrEqual(t, sums2[block.Finished], sums[block.Finished])
}
