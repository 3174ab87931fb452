package indicator

import (
	"fmt"

	"ta-engine/internal/model"
	"ta-engine/internal/ringbuf"
)

var awesomeParams = []Param{
	{Name: "fast", Default: "5", Description: "Fast SMA period of the median price"},
	{Name: "slow", Default: "34", Description: "Slow SMA period of the median price"},
}

var acceleratorParams = []Param{
	{Name: "fast", Default: "5", Description: "Fast SMA period of the base oscillator"},
	{Name: "slow", Default: "34", Description: "Slow SMA period of the base oscillator"},
	{Name: "smooth", Default: "5", Description: "Number of oscillator values averaged for smoothing"},
}

// Oscillator is the difference of two averages: fast - slow.
// It owns both sub-indicators.
type Oscillator struct {
	counter
	name   string
	params []Param
	fast   Indicator[Value]
	slow   Indicator[Value]
}

// NewOscillator creates fast - slow. The result is valid only when both
// inputs are valid.
func NewOscillator(fast, slow Indicator[Value]) *Oscillator {
	return &Oscillator{
		counter: counter{warmup: max(fast.WarmupPeriod(), slow.WarmupPeriod())},
		name:    "OSC",
		fast:    fast,
		slow:    slow,
	}
}

// NewAwesome creates the Awesome Oscillator: SMA(median, fast) - SMA(median, slow).
func NewAwesome(fast, slow int) *Oscillator {
	o := NewOscillator(NewSMA(fast, model.SourceMedian), NewSMA(slow, model.SourceMedian))
	o.name = "AO"
	o.params = awesomeParams
	return o
}

func (o *Oscillator) Name() string { return o.name }

func (o *Oscillator) Description() string {
	return fmt.Sprintf("%s minus %s", o.fast.Description(), o.slow.Description())
}

func (o *Oscillator) Params() []Param { return o.params }

func (o *Oscillator) Update(bar model.Bar) Value {
	f := o.fast.Update(bar)
	s := o.slow.Update(bar)
	o.tick()

	if !o.warmed() || !f.Valid || !s.Valid {
		return Invalid()
	}
	return Valid(f.V - s.V)
}

func (o *Oscillator) Compute(bars []model.Bar) []Value { return compute[Value](o, bars) }

func (o *Oscillator) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](o, bars, out)
}

func (o *Oscillator) Reset() {
	o.fast.Reset()
	o.slow.Reset()
	o.clear()
}

// Accelerator smooths a base oscillator: base - mean(last k valid base values).
//
// While fewer than k valid base values have been seen, the base value is
// emitted unsmoothed and still marked valid. Downstream consumers rely on
// this early output.
type Accelerator struct {
	counter
	name   string
	params []Param
	base   Indicator[Value]
	k      int
	buf    *ringbuf.Buffer
}

// NewAccelerator smooths base over k values. It owns base.
// It panics if k < 1.
func NewAccelerator(base Indicator[Value], k int) *Accelerator {
	return &Accelerator{
		counter: counter{warmup: base.WarmupPeriod()},
		name:    "SMOOTHED_OSC",
		base:    base,
		k:       k,
		buf:     ringbuf.New(k),
	}
}

// NewAcceleratorOscillator creates the Accelerator Oscillator:
// AO(fast, slow) - SMA(AO, smooth).
func NewAcceleratorOscillator(fast, slow, smooth int) *Accelerator {
	a := NewAccelerator(NewAwesome(fast, slow), smooth)
	a.name = "AC"
	a.params = acceleratorParams
	return a
}

func (a *Accelerator) Name() string { return a.name }

func (a *Accelerator) Description() string {
	return fmt.Sprintf("%s minus its %d-value mean", a.base.Description(), a.k)
}

func (a *Accelerator) Params() []Param { return a.params }

func (a *Accelerator) Update(bar model.Bar) Value {
	b := a.base.Update(bar)
	a.tick()

	if !b.Valid {
		return Invalid()
	}
	a.buf.Push(b.V)
	if !a.buf.IsFull() {
		return b
	}
	return Valid(b.V - a.buf.Mean())
}

func (a *Accelerator) Compute(bars []model.Bar) []Value { return compute[Value](a, bars) }

func (a *Accelerator) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](a, bars, out)
}

func (a *Accelerator) Reset() {
	a.base.Reset()
	a.buf.Clear()
	a.clear()
}
