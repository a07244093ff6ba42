package stats

import "math"

// Window is a fixed-capacity ring of observations with running sums. Pushing
// into a full window evicts the oldest value.
type Window struct {
	buf   []float64
	head  int // index of the oldest value
	n     int
	sum   float64
	sumSq float64

	evictions int
}

// NewWindow creates a window holding at most capacity values
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]float64, capacity)}
}

// Push appends x, evicting the oldest value when full
func (w *Window) Push(x float64) {
	capacity := len(w.buf)
	if w.n < capacity {
		w.buf[(w.head+w.n)%capacity] = x
		w.n++
		w.sum += x
		w.sumSq += x * x
		return
	}

	old := w.buf[w.head]
	w.buf[w.head] = x
	w.head = (w.head + 1) % capacity
	w.sum += x - old
	w.sumSq += x*x - old*old

	// Rebuild the sums once per full turn so rounding error cannot accumulate
	w.evictions++
	if w.evictions >= capacity {
		w.evictions = 0
		w.rescan()
	}
}

func (w *Window) rescan() {
	w.sum, w.sumSq = 0, 0
	for i := 0; i < w.n; i++ {
		x := w.buf[(w.head+i)%len(w.buf)]
		w.sum += x
		w.sumSq += x * x
	}
}

// Len returns the number of values held
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity
func (w *Window) Cap() int { return len(w.buf) }

// Full reports whether the window holds Cap values
func (w *Window) Full() bool { return w.n == len(w.buf) }

// Mean returns the arithmetic mean, or 0 when empty
func (w *Window) Mean() float64 {
	if w.n == 0 {
		return 0
	}
	return w.sum / float64(w.n)
}

// Variance returns the sample variance (n-1 denominator)
func (w *Window) Variance() float64 {
	if w.n < 2 {
		return 0
	}
	n := float64(w.n)
	v := (w.sumSq - w.sum*w.sum/n) / (n - 1)
	if v < 0 {
		return 0
	}
	return v
}

// StdDev returns the sample standard deviation
func (w *Window) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Latest returns the most recently pushed value
func (w *Window) Latest() (float64, bool) {
	if w.n == 0 {
		return 0, false
	}
	return w.buf[(w.head+w.n-1)%len(w.buf)], true
}

// Values returns the held values, oldest first
func (w *Window) Values() []float64 {
	out := make([]float64, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}
