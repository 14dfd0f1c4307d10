package transfer

import "time"

// Observer receives lifecycle notifications from a Manager. Methods are
// invoked from the goroutine calling Perform and must not block.
type Observer interface {
	// TransferAdmitted is called when a queued request enters the engine.
	TransferAdmitted(url string)
	// BytesReceived is called for every body write the engine delivers.
	BytesReceived(n int)
	// TransferPaused is called on every pause and resume.
	TransferPaused(paused bool)
	// TransferCompleted is called once per request reaching a terminal state.
	TransferCompleted(status int, received int64, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) TransferAdmitted(string)                     {}
func (nopObserver) BytesReceived(int)                           {}
func (nopObserver) TransferPaused(bool)                         {}
func (nopObserver) TransferCompleted(int, int64, time.Duration) {}
