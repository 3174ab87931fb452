package indicator

import (
	"math"

	"ta-engine/internal/ringbuf"
)

// rollingSum keeps the sum of a ringbuf window in O(1) per bar. It uses
// Neumaier compensation so evicting a large sample does not cancel the small
// ones. It recomputes from the window when a sample leaves while the sum is
// not finite, so a NaN or overflow stops mattering once it is evicted.
type rollingSum struct {
	s, c float64
}

func (r *rollingSum) add(x float64) {
	if !isFinite(x) || !isFinite(r.s) {
		r.s += x
		return
	}
	t := r.s + x
	if math.Abs(r.s) >= math.Abs(x) {
		r.c += (r.s - t) + x
	} else {
		r.c += (x - t) + r.s
	}
	r.s = t
}

// slide pushes v into buf and updates the sum for whatever it evicted.
func (r *rollingSum) slide(buf *ringbuf.Buffer, v float64) {
	old, evicting := buf.Evicting()
	buf.Push(v)
	if evicting && (!isFinite(old) || !isFinite(r.s)) {
		r.resync(buf)
		return
	}
	if evicting {
		r.add(-old)
	}
	r.add(v)
}

func (r *rollingSum) resync(buf *ringbuf.Buffer) {
	r.reset()
	for i := 0; i < buf.Len(); i++ {
		r.add(buf.At(i))
	}
}

func (r *rollingSum) value() float64 { return r.s + r.c }

func (r *rollingSum) reset() { *r = rollingSum{} }

func isFinite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }
