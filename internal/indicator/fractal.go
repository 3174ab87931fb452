package indicator

import (
	"fmt"

	"ta-engine/internal/model"
	"ta-engine/internal/ringbuf"
)

var fractalParams = []Param{
	{Name: "bars", Default: "2", Description: "Bars required on each side of the swing point"},
}

// Fractal detects N-bar swing highs and lows (Williams fractals).
//
// The window holds 2k+1 bars. The centre bar is an upper fractal when its
// high is strictly greater than every other high in the window, and a lower
// fractal when its low is strictly less than every other low. Ties never
// qualify. The result emitted for bar i therefore describes bar i-k.
type Fractal struct {
	counter
	k     int
	highs *ringbuf.Buffer
	lows  *ringbuf.Buffer
}

// NewFractal creates a detector with k bars on each side. It panics if k < 1.
func NewFractal(k int) *Fractal {
	if k < 1 {
		panic(fmt.Sprintf("indicator: Fractal side length must be >= 1, got %d", k))
	}
	return &Fractal{
		counter: counter{warmup: 2*k + 1},
		k:       k,
		highs:   ringbuf.New(2*k + 1),
		lows:    ringbuf.New(2*k + 1),
	}
}

func (f *Fractal) Name() string { return "FRACTAL" }

func (f *Fractal) Description() string {
	return fmt.Sprintf("Swing high/low with %d bars on each side", f.k)
}

func (f *Fractal) Params() []Param { return fractalParams }

func (f *Fractal) Update(bar model.Bar) FractalResult {
	f.highs.Push(bar.High)
	f.lows.Push(bar.Low)
	f.tick()

	res := FractalResult{Upper: Invalid(), Lower: Invalid()}
	if !f.warmed() {
		return res
	}

	if hi := f.highs.At(f.k); f.isExtreme(f.highs, hi, func(c, o float64) bool { return c > o }) {
		res.Upper = Valid(hi)
	}
	if lo := f.lows.At(f.k); f.isExtreme(f.lows, lo, func(c, o float64) bool { return c < o }) {
		res.Lower = Valid(lo)
	}
	return res
}

// isExtreme reports whether beats(centre, other) holds for every non-centre
// sample in buf.
func (f *Fractal) isExtreme(buf *ringbuf.Buffer, centre float64, beats func(c, o float64) bool) bool {
	for i := 0; i < buf.Len(); i++ {
		if i == f.k {
			continue
		}
		if !beats(centre, buf.At(i)) {
			return false
		}
	}
	return true
}

func (f *Fractal) Compute(bars []model.Bar) []FractalResult {
	return compute[FractalResult](f, bars)
}

func (f *Fractal) ComputeInto(bars []model.Bar, out []FractalResult) error {
	return computeInto[FractalResult](f, bars, out)
}

func (f *Fractal) Reset() {
	f.highs.Clear()
	f.lows.Clear()
	f.clear()
}
