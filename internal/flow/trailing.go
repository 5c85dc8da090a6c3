package flow

// trailingWindow keeps the last N per-interval observations and a running
// sum, for trailing averages over closed intervals.
type trailingWindow struct {
	values []float64
	pos    int
	count  int
	sum    float64
}

func newTrailingWindow(size int) *trailingWindow {
	if size <= 0 {
		size = 1
	}
	return &trailingWindow{values: make([]float64, size)}
}

// push records one closed-interval observation, evicting the oldest when the
// window is full.
func (w *trailingWindow) push(v float64) {
	if w.count == len(w.values) {
		w.sum -= w.values[w.pos]
	} else {
		w.count++
	}
	w.values[w.pos] = v
	w.sum += v
	w.pos = (w.pos + 1) % len(w.values)
}

// average returns the trailing mean, or 0 with ok=false before any interval
// has closed.
func (w *trailingWindow) average() (float64, bool) {
	if w.count == 0 {
		return 0, false
	}
	return w.sum / float64(w.count), true
}

// reset clears the window at session boundaries.
func (w *trailingWindow) reset() {
	w.pos = 0
	w.count = 0
	w.sum = 0
	for i := range w.values {
		w.values[i] = 0
	}
}
