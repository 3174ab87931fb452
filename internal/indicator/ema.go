package indicator

import (
	"fmt"

	"ta-engine/internal/model"
)

var emaParams = []Param{
	{Name: "period", Default: "9", Description: "Smoothing period; multiplier is 2/(period+1)"},
	{Name: "source", Default: "close", Description: "Bar price to smooth"},
}

// EMA calculates an Exponential Moving Average seeded with the SMA of the
// first period prices. O(1) per update, no window storage.
type EMA struct {
	counter
	period     int
	src        model.PriceSource
	multiplier float64
	sum        float64
	current    float64
}

// NewEMA creates an EMA indicator with the given period.
func NewEMA(period int, src model.PriceSource) *EMA {
	return &EMA{
		counter:    counter{warmup: period},
		period:     period,
		src:        src,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string { return "EMA" }

func (e *EMA) Description() string {
	return fmt.Sprintf("Exponential moving average of %s over %d bars", e.src, e.period)
}

func (e *EMA) Params() []Param { return emaParams }

func (e *EMA) Update(bar model.Bar) Value {
	price := bar.Price(e.src)
	e.tick()

	if e.n <= e.period {
		// Accumulate for initial SMA seed
		e.sum += price
		if e.n < e.period {
			return Invalid()
		}
		e.current = e.sum / float64(e.period)
		return Valid(e.current)
	}

	e.current = (price * e.multiplier) + (e.current * (1 - e.multiplier))
	return Valid(e.current)
}

func (e *EMA) Compute(bars []model.Bar) []Value { return compute[Value](e, bars) }

func (e *EMA) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](e, bars, out)
}

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.sum = 0
	e.clear()
}
