package admission

import "time"

// window is one rolling budget window. Counters reset exactly to zero when
// the wall-clock boundary passes; nothing carries over. Resets happen
// lazily, on the first access after the boundary.
type window struct {
	length   time.Duration
	maxReq   int64
	maxUnits int64

	start    time.Time
	requests int64
	units    int64
}

func newWindow(length time.Duration, maxReq, maxUnits int64, now time.Time) *window {
	return &window{
		length:   length,
		maxReq:   maxReq,
		maxUnits: maxUnits,
		start:    now.Truncate(length),
	}
}

// rollover zeroes the counters once the boundary has passed.
func (w *window) rollover(now time.Time) {
	if !now.Before(w.start.Add(w.length)) {
		w.start = now.Truncate(w.length)
		w.requests = 0
		w.units = 0
	}
}

// fits reports whether one more request of the given size stays within
// budget. Callers roll the window over first.
func (w *window) fits(units int64) bool {
	return w.requests+1 <= w.maxReq && w.units+units <= w.maxUnits
}

func (w *window) add(units int64) {
	w.requests++
	w.units += units
}

func (w *window) untilReset(now time.Time) time.Duration {
	return w.start.Add(w.length).Sub(now)
}

// reanchor pins the window boundary to now and zeroes the counters. Used by
// forced resets; ordinary rollovers stay wall-clock aligned.
func (w *window) reanchor(now time.Time) {
	w.start = now
	w.requests = 0
	w.units = 0
}

func (w *window) remainingRequests() int64 {
	if r := w.maxReq - w.requests; r > 0 {
		return r
	}
	return 0
}

func (w *window) remainingUnits() int64 {
	if r := w.maxUnits - w.units; r > 0 {
		return r
	}
	return 0
}
