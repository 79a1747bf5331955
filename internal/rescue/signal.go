package rescue

import "sync/atomic"

// signum is the sticky, write-once cancellation flag. The signal
// handler is its only writer; the passes poll it after each work unit.
var signum atomic.Int32

// SetSignal records the first cancellation signal. Later signals are
// ignored.
func SetSignal(sig int) {
	if sig > 0 {
		signum.CompareAndSwap(0, int32(sig))
	}
}

// ResetSignals clears the flag at run start.
func ResetSignals() { signum.Store(0) }

// Interrupted reports whether a cancellation signal is pending.
func Interrupted() bool { return signum.Load() > 0 }

// Signum returns the pending signal number, 0 when none.
func Signum() int { return int(signum.Load()) }
