// Package ui renders rescue progress. Presenters consume engine events
// and read the stats collector; they never update its counters, and the
// plain presenter only advances its rate ring through Tick.
package ui

import (
	"io"

	"github.com/bamsammich/salvage/internal/event"
	"github.com/bamsammich/salvage/internal/stats"
)

// Presenter consumes engine events until the channel closes.
type Presenter interface {
	Run(events <-chan event.Event) error
	Summary() string
}

// New selects a presenter for the run.
func New(w, errW io.Writer, collector *stats.Collector, quiet bool) Presenter {
	if quiet {
		return &quietPresenter{}
	}
	return &plainPresenter{w: w, errW: errW, stats: collector}
}
