package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/salvage/internal/block"
	"github.com/bamsammich/salvage/internal/config"
	"github.com/bamsammich/salvage/internal/event"
	"github.com/bamsammich/salvage/internal/mapfile"
	"github.com/bamsammich/salvage/internal/platform"
	"github.com/bamsammich/salvage/internal/rescue"
	"github.com/bamsammich/salvage/internal/stats"
	"github.com/bamsammich/salvage/internal/ui"
	"github.com/bamsammich/salvage/internal/units"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo // main CLI entry point orchestrates all flag parsing and mode selection
func run() int {
	var (
		ipos           string
		opos           string
		sizeStr        string
		hardbsStr      string
		softbsStr      string
		skipbsStr      string
		cluster        int
		maxErrors      int
		maxRetries     int
		noSplit        bool
		retrim         bool
		tryAgain       bool
		sparse         bool
		synchronous    bool
		completeOnly   bool
		minOutSizeStr  string
		testModeFile   string
		domainFile     string
		generateFlag   bool
		fillStatuses   string
		fillLocation   bool
		ignoreWriteErr bool
		verbose        bool
		quiet          bool
		logFile        string
		showVersion    bool
	)

	rootCmd := &cobra.Command{
		Use:   "salvage [flags] <infile> <outfile> [mapfile]",
		Short: "Data recovery copier: rescue readable blocks first, then retry the damaged ones",
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			if len(args) < 2 || len(args) > 3 {
				return errors.New("expected <infile> <outfile> [mapfile]")
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "salvage %s\n", version)
				return nil
			}

			// Configure logging first so everything below can use it.
			logLevel := slog.LevelWarn
			if verbose {
				logLevel = slog.LevelDebug
			} else if !quiet {
				logLevel = slog.LevelInfo
			}
			textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			})
			var logHandler slog.Handler = textHandler
			if logFile != "" {
				lf, err := os.Create(logFile)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer lf.Close()
				jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})
				logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
			}
			slog.SetDefault(slog.New(logHandler))

			// Load optional config file and fill flag defaults.
			cfg, err := config.Load()
			if err != nil {
				slog.Warn("failed to load config", "error", err)
			}
			applyConfigDefaults(cmd, cfg.Defaults,
				&hardbsStr, &softbsStr, &skipbsStr,
				&maxErrors, &maxRetries, &sparse, &synchronous, &noSplit)

			hardbs, err := units.ParseSize(hardbsStr)
			if err != nil || hardbs <= 0 {
				return fmt.Errorf("invalid --block-size %q", hardbsStr)
			}
			var softbs int64
			switch {
			case cmd.Flags().Changed("soft-block-size") || softbsStr != "":
				softbs, err = units.ParseSize(softbsStr)
				if err != nil {
					return fmt.Errorf("invalid --soft-block-size %q", softbsStr)
				}
			case cluster > 0:
				softbs = int64(cluster) * hardbs
			default:
				softbs = max(65536, hardbs)
				softbs -= softbs % hardbs
			}
			if softbs < hardbs {
				return fmt.Errorf("--soft-block-size (%d) must not be smaller than --block-size (%d)",
					softbs, hardbs)
			}
			var skipbs int64
			if skipbsStr != "" {
				skipbs, err = units.ParseSize(skipbsStr)
				if err != nil {
					return fmt.Errorf("invalid --skip-size %q", skipbsStr)
				}
			}

			iposN, err := units.ParseSize(ipos)
			if err != nil {
				return fmt.Errorf("invalid --input-position %q", ipos)
			}
			oposN := iposN
			if opos != "" {
				oposN, err = units.ParseSize(opos)
				if err != nil {
					return fmt.Errorf("invalid --output-position %q", opos)
				}
			}
			size := int64(-1)
			if sizeStr != "" {
				size, err = units.ParseSize(sizeStr)
				if err != nil {
					return fmt.Errorf("invalid --size %q", sizeStr)
				}
			}
			var minOutSize int64
			if minOutSizeStr != "" {
				minOutSize, err = units.ParseSize(minOutSizeStr)
				if err != nil {
					return fmt.Errorf("invalid --min-outfile-size %q", minOutSizeStr)
				}
			}

			inPath, outPath := args[0], args[1]
			mapPath := mapfile.DefaultPath(inPath, outPath)
			if len(args) == 3 {
				mapPath = args[2]
			} else {
				if err := os.MkdirAll(filepath.Dir(mapPath), 0o700); err != nil {
					return fmt.Errorf("create mapfile dir: %w", err)
				}
				slog.Info("using default mapfile", "path", mapPath)
			}

			domain := block.NewDomain(iposN, size)
			if domainFile != "" {
				df, err := mapfile.Load(domainFile)
				if err != nil {
					return fmt.Errorf("domain mapfile: %w", err)
				}
				domain = finishedDomain(df).Restrict(iposN, size)
			}

			var testDomain *block.Domain
			if testModeFile != "" {
				tf, err := mapfile.Load(testModeFile)
				if err != nil {
					return fmt.Errorf("test mapfile: %w", err)
				}
				testDomain = finishedDomain(tf)
			}

			if fillStatuses != "" {
				statuses, err := parseFillStatuses(fillStatuses)
				if err != nil {
					return err
				}
				return runFill(runFillParams{
					inPath: inPath, outPath: outPath, mapPath: mapPath,
					domain: domain, hardbs: int(hardbs), softbs: int(softbs),
					offset: oposN - iposN, synchronous: synchronous,
					ignoreWriteErrors: ignoreWriteErr, location: fillLocation,
					statuses: statuses,
				})
			}
			if generateFlag {
				return runGenerate(inPath, outPath, mapPath, domain,
					int(hardbs), int(softbs), oposN-iposN)
			}

			return runRescue(runRescueParams{
				inPath: inPath, outPath: outPath, mapPath: mapPath,
				domain: domain, testDomain: testDomain,
				hardbs: int(hardbs), softbs: int(softbs), skipbs: skipbs,
				offset: oposN - iposN,
				maxErrors: maxErrors, maxRetries: maxRetries,
				noSplit: noSplit, retrim: retrim, tryAgain: tryAgain,
				sparse: sparse, synchronous: synchronous,
				completeOnly: completeOnly, minOutSize: minOutSize,
				quiet: quiet,
			})
		},
	}

	f := rootCmd.Flags()
	f.StringVarP(&ipos, "input-position", "i", "0", "starting position in the input")
	f.StringVarP(&opos, "output-position", "o", "", "starting position in the output (default: same as input)")
	f.StringVarP(&sizeStr, "size", "s", "", "maximum number of input bytes to rescue")
	f.StringVarP(&hardbsStr, "block-size", "b", "512", "hardware block size of the input device")
	f.StringVar(&softbsStr, "soft-block-size", "", "read size of the first pass (default: 64KiB rounded to block size)")
	f.StringVar(&skipbsStr, "skip-size", "", "minimum size to skip on read error (default: 64KiB)")
	f.IntVarP(&cluster, "cluster", "c", 0, "hardware blocks per first-pass read (alternative to --soft-block-size)")
	f.IntVarP(&maxErrors, "max-errors", "e", -1, "maximum number of error areas before giving up (-1: unlimited)")
	f.IntVarP(&maxRetries, "max-retries", "r", 0, "retry passes over bad sectors (-1: unlimited)")
	f.BoolVarP(&noSplit, "no-split", "n", false, "do not try to split error areas")
	f.BoolVarP(&retrim, "retrim", "M", false, "mark all error areas as non-trimmed before starting")
	f.BoolVarP(&tryAgain, "try-again", "A", false, "mark non-trimmed and non-split areas as non-tried before starting")
	f.BoolVarP(&sparse, "sparse", "S", false, "skip writes of all-zero blocks")
	f.BoolVarP(&synchronous, "synchronous", "D", false, "fsync the output after every write")
	f.BoolVarP(&completeOnly, "complete-only", "C", false, "do not read past the range described by the mapfile")
	f.StringVar(&minOutSizeStr, "min-outfile-size", "", "extend the output to at least this size at the end")
	f.StringVar(&testModeFile, "test-mode", "", "mapfile whose finished blocks are the only readable areas")
	f.StringVar(&domainFile, "domain-mapfile", "", "restrict the rescue domain to the finished blocks of this mapfile")
	f.BoolVarP(&generateFlag, "generate", "G", false, "build a mapfile by scanning the (already copied) output")
	f.StringVar(&fillStatuses, "fill", "", "fill blocks with the given status tags (e.g. \"-\" or \"?*/\") using infile as pattern")
	f.BoolVar(&fillLocation, "fill-location-data", false, "write position/sector/status text into each filled sector")
	f.BoolVar(&ignoreWriteErr, "ignore-write-errors", false, "keep filling after write errors")
	f.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	f.BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")
	f.StringVar(&logFile, "log", "", "also write structured JSON logs to this file")
	f.BoolVar(&showVersion, "version", false, "print version and exit")

	installSignalHandlers()

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, rescue.ErrInterrupted) {
			return signaledExit()
		}
		slog.Error(err.Error())
		return 1
	}
	if rescue.Interrupted() {
		return signaledExit()
	}
	return 0
}

type runRescueParams struct {
	inPath, outPath, mapPath string
	domain, testDomain       *block.Domain
	hardbs, softbs           int
	skipbs                   int64
	offset                   int64
	maxErrors, maxRetries    int
	noSplit, retrim          bool
	tryAgain, sparse         bool
	synchronous              bool
	completeOnly             bool
	minOutSize               int64
	quiet                    bool
}

func runRescue(p runRescueParams) error {
	in, err := platform.OpenInput(p.inPath)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	defer in.Close()
	out, err := platform.OpenOutput(p.outPath)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	defer out.Close()

	isize, err := in.Size()
	if err != nil {
		isize = -1 // unseekable input; EOF will set the real size
	}

	book, err := rescue.NewLogbook(rescue.LogbookOptions{
		MapfilePath:  p.mapPath,
		Domain:       p.domain,
		InputSize:    isize,
		Hardbs:       p.hardbs,
		Softbs:       p.softbs,
		CompleteOnly: p.completeOnly,
	})
	if err != nil {
		return err
	}

	var maxErrors *int
	if p.maxErrors >= 0 {
		maxErrors = &p.maxErrors
	}
	engine := rescue.NewRescuebook(book, in, out, rescue.Options{
		Offset:         p.offset,
		Skipbs:         p.skipbs,
		MaxErrors:      maxErrors,
		MaxRetries:     p.maxRetries,
		NoSplit:        p.noSplit,
		Retrim:         p.retrim,
		TryAgain:       p.tryAgain,
		Sparse:         p.sparse,
		Synchronous:    p.synchronous,
		MinOutfileSize: p.minOutSize,
		TestDomain:     p.testDomain,
		InputPath:      p.inPath,
	})

	collector := stats.NewCollector()
	engine.SetCollector(collector)

	events := make(chan event.Event, 256)
	engine.SetEvents(events)
	presenter := ui.New(os.Stdout, os.Stderr, collector, p.quiet)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = presenter.Run(events)
	}()

	fmt.Fprintln(os.Stderr, "Press Ctrl-C to interrupt")
	runErr := engine.Run()
	close(events)
	wg.Wait()

	if s := presenter.Summary(); s != "" {
		fmt.Fprintln(os.Stderr, s)
	}
	return runErr
}

func runGenerate(inPath, outPath, mapPath string, domain *block.Domain,
	hardbs, softbs int, offset int64,
) error {
	in, err := platform.OpenInput(inPath)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	defer in.Close()
	out, err := platform.OpenInput(outPath)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	defer out.Close()

	isize, err := in.Size()
	if err != nil {
		isize = -1
	}
	book, err := rescue.NewLogbook(rescue.LogbookOptions{
		MapfilePath: mapPath,
		Domain:      domain,
		InputSize:   isize,
		Hardbs:      hardbs,
		Softbs:      softbs,
	})
	if err != nil {
		return err
	}

	gen := rescue.NewGenbook(book, out, offset)
	runErr := gen.Run()
	gensize, recsize := gen.Generated()
	slog.Info("mapfile generated",
		"scanned", stats.FormatBytes(gensize), "rescued", stats.FormatBytes(recsize))
	return runErr
}

type runFillParams struct {
	inPath, outPath, mapPath string
	domain                   *block.Domain
	hardbs, softbs           int
	offset                   int64
	synchronous              bool
	ignoreWriteErrors        bool
	location                 bool
	statuses                 []block.Status
}

func runFill(p runFillParams) error {
	in, err := platform.OpenInput(p.inPath)
	if err != nil {
		return fmt.Errorf("fill pattern: %w", err)
	}
	defer in.Close()
	out, err := platform.OpenOutput(p.outPath)
	if err != nil {
		return fmt.Errorf("output: %w", err)
	}
	defer out.Close()

	book, err := rescue.NewLogbook(rescue.LogbookOptions{
		MapfilePath:  p.mapPath,
		Domain:       p.domain,
		Hardbs:       p.hardbs,
		Softbs:       p.softbs,
		CompleteOnly: true, // filling never extends past the mapfile
	})
	if err != nil {
		return err
	}
	if !book.Loaded() {
		return fmt.Errorf("fill mode needs an existing mapfile at %s", p.mapPath)
	}

	fill := rescue.NewFillbook(book, out, rescue.FillOptions{
		Offset:            p.offset,
		Synchronous:       p.synchronous,
		IgnoreWriteErrors: p.ignoreWriteErrors,
		WriteLocationData: p.location,
	})
	if err := fill.ReadBuffer(in); err != nil {
		return err
	}
	runErr := fill.Run(p.statuses)
	filled, remaining := fill.Filled()
	slog.Info("fill finished",
		"filled", stats.FormatBytes(filled), "remaining", stats.FormatBytes(remaining))
	return runErr
}

// installSignalHandlers wires SIGHUP/SIGINT/SIGTERM to the engine's
// sticky cancellation flag. The first signal is recorded; the process
// re-raises it after the final snapshot.
func installSignalHandlers() {
	rescue.ResetSignals()
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-ch
		if sig, ok := s.(syscall.Signal); ok {
			rescue.SetSignal(int(sig))
		}
		signal.Stop(ch)
	}()
}

// signaledExit re-raises the recorded signal so the exit status carries
// the conventional 128+signum encoding.
func signaledExit() int {
	sig := rescue.Signum()
	signal.Reset(syscall.Signal(sig))
	_ = unix.Kill(os.Getpid(), unix.Signal(sig))
	time.Sleep(100 * time.Millisecond) // give the signal time to land
	return 128 + sig
}

// finishedDomain builds a domain from the finished blocks of a mapfile.
func finishedDomain(f *mapfile.File) *block.Domain {
	var blocks []block.Block
	for _, sb := range f.Sblocks {
		if sb.Status == block.Finished {
			blocks = append(blocks, sb.Block)
		}
	}
	return block.DomainFromBlocks(blocks)
}

func parseFillStatuses(s string) ([]block.Status, error) {
	var statuses []block.Status
	for i := 0; i < len(s); i++ {
		st := block.Status(s[i])
		if !st.Valid() {
			return nil, fmt.Errorf("invalid status tag %q in --fill", string(s[i]))
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// applyConfigDefaults overrides flag values from the config file for
// flags not explicitly set on the command line.
func applyConfigDefaults(cmd *cobra.Command, d config.DefaultsConfig,
	hardbs, softbs, skipbs *string,
	maxErrors, maxRetries *int,
	sparse, synchronous, noSplit *bool,
) {
	if d.BlockSize != nil && !cmd.Flags().Changed("block-size") {
		*hardbs = *d.BlockSize
	}
	if d.SoftBlockSize != nil && !cmd.Flags().Changed("soft-block-size") {
		*softbs = *d.SoftBlockSize
	}
	if d.SkipSize != nil && !cmd.Flags().Changed("skip-size") {
		*skipbs = *d.SkipSize
	}
	if d.MaxErrors != nil && !cmd.Flags().Changed("max-errors") {
		*maxErrors = *d.MaxErrors
	}
	if d.MaxRetries != nil && !cmd.Flags().Changed("max-retries") {
		*maxRetries = *d.MaxRetries
	}
	if d.Sparse != nil && !cmd.Flags().Changed("sparse") {
		*sparse = *d.Sparse
	}
	if d.Synchronous != nil && !cmd.Flags().Changed("synchronous") {
		*synchronous = *d.Synchronous
	}
	if d.NoSplit != nil && !cmd.Flags().Changed("no-split") {
		*noSplit = *d.NoSplit
	}
}
