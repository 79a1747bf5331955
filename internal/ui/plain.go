package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/salvage/internal/event"
	"github.com/bamsammich/salvage/internal/stats"
)

// plainPresenter prints one line per pass transition to stdout and
// periodic progress to stderr.
type plainPresenter struct {
	w     io.Writer
	errW  io.Writer
	stats *stats.Collector
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	var lastPrint time.Time

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-tick.C:
			p.stats.Tick()
			if time.Since(lastPrint) >= 5*time.Second {
				p.printProgress()
				lastPrint = time.Now()
			}
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.PassStarted:
		fmt.Fprintf(p.w, "%s\n", passBanner(ev.Pass))
	case event.SkipStamped:
		fmt.Fprintf(p.w, "skipping %s at 0x%08X\n", FormatBytes(ev.Size), ev.Pos)
	case event.EOFReached:
		fmt.Fprintf(p.w, "input ends at 0x%08X\n", ev.Pos)
	case event.RunCompleted:
		if ev.Err != nil {
			fmt.Fprintf(p.w, "finished with error: %v\n", ev.Err)
		}
	}
}

func passBanner(pass string) string {
	switch pass {
	case "copying":
		return "Copying non-tried blocks..."
	case "trimming":
		return "Trimming failed blocks..."
	case "splitting":
		return "Splitting failed blocks..."
	case "retrying":
		return "Retrying bad sectors..."
	}
	return pass
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	rate := p.stats.RollingRate(10)
	fmt.Fprintf(p.errW, "rescued: %s, errsize: %s, errors: %d, current: 0x%08X, rate: %s, eta: %s\n",
		FormatBytes(snap.Rescued), FormatBytes(snap.ErrSize), snap.Errors,
		snap.Pos, FormatRate(rate), FormatInterval(p.stats.ETA()))
}

func (p *plainPresenter) Summary() string {
	snap := p.stats.Snapshot()
	return fmt.Sprintf("rescued: %s, errsize: %s, errors: %d, elapsed: %s",
		FormatBytes(snap.Rescued), FormatBytes(snap.ErrSize), snap.Errors,
		FormatInterval(snap.Elapsed))
}
