package chshare

import (
	"sync/atomic"
)

// Window is the adaptive receive window of one channel. size is the number of
// receive pump slots the channel is allowed; outstanding is the number of
// requests received on the channel but not yet replied to.
//
// Adjustments are best effort: TryGrow and TryShrink re-check their condition
// and then attempt a single compare-and-swap on size. Losing the swap to a
// concurrent adjustment skips the cycle instead of waiting; the next receive
// or reply completion will evaluate again.
type Window struct {
	size        atomic.Int32
	outstanding atomic.Int32

	minimum int32
	maximum int32
}

// NewWindow creates a Window starting at initial, bounded to [minimum, maximum]
func NewWindow(initial, minimum, maximum int) *Window {
	if maximum < 1 {
		maximum = 1
	}
	if minimum < 1 {
		minimum = 1
	}
	if minimum > maximum {
		minimum = maximum
	}
	if initial < minimum {
		initial = minimum
	}
	if initial > maximum {
		initial = maximum
	}
	w := &Window{
		minimum: int32(minimum),
		maximum: int32(maximum),
	}
	w.size.Store(int32(initial))
	return w
}

// Size returns the current window size
func (w *Window) Size() int {
	return int(w.size.Load())
}

// Outstanding returns the number of received but unreplied requests
func (w *Window) Outstanding() int {
	return int(w.outstanding.Load())
}

// Minimum returns the window floor
func (w *Window) Minimum() int {
	return int(w.minimum)
}

// Maximum returns the window ceiling
func (w *Window) Maximum() int {
	return int(w.maximum)
}

// Begin records a received request
func (w *Window) Begin() int {
	return int(w.outstanding.Add(1))
}

// End records a replied request
func (w *Window) End() int {
	return int(w.outstanding.Add(-1))
}

func shouldGrow(size, outstanding, maximum int32) bool {
	return size < maximum && float64(outstanding) > float64(size)*increaseWindowRatio
}

func shouldShrink(size, outstanding, minimum int32) bool {
	return size > minimum && float64(outstanding) < float64(size)*decreaseWindowRatio
}

// TryGrow increases the window by exactly one if outstanding load exceeds 80%
// of the window and the window is below its maximum. Returns true if this
// call grew the window; the caller must then start one more receive slot.
func (w *Window) TryGrow() bool {
	size := w.size.Load()
	if !shouldGrow(size, w.outstanding.Load(), w.maximum) {
		return false
	}
	return w.size.CompareAndSwap(size, size+1)
}

// TryShrink decreases the window by exactly one if outstanding load is below
// 20% of the window and the window is above its minimum. Returns true if this
// call shrank the window; the caller must then not restart its receive slot.
func (w *Window) TryShrink() bool {
	size := w.size.Load()
	if !shouldShrink(size, w.outstanding.Load(), w.minimum) {
		return false
	}
	return w.size.CompareAndSwap(size, size-1)
}
