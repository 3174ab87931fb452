package indicator

import (
	"fmt"

	"ta-engine/internal/model"
)

var smmaParams = []Param{
	{Name: "period", Default: "14", Description: "Wilder smoothing period"},
	{Name: "source", Default: "close", Description: "Bar price to smooth"},
}

// SMMA calculates Smoothed Moving Average (Wilder-style smoothing).
// First value is SMA(period), then SMMA = (prev*(period-1) + price) / period.
type SMMA struct {
	counter
	period  int
	src     model.PriceSource
	sum     float64
	current float64
}

// NewSMMA creates a new SMMA indicator with the given period.
func NewSMMA(period int, src model.PriceSource) *SMMA {
	return &SMMA{counter: counter{warmup: period}, period: period, src: src}
}

func (s *SMMA) Name() string { return "SMMA" }

func (s *SMMA) Description() string {
	return fmt.Sprintf("Smoothed (Wilder) moving average of %s over %d bars", s.src, s.period)
}

func (s *SMMA) Params() []Param { return smmaParams }

func (s *SMMA) Update(bar model.Bar) Value {
	price := bar.Price(s.src)
	s.tick()

	if s.n <= s.period {
		s.sum += price
		if s.n < s.period {
			return Invalid()
		}
		s.current = s.sum / float64(s.period)
		return Valid(s.current)
	}

	s.current = (s.current*float64(s.period-1) + price) / float64(s.period)
	return Valid(s.current)
}

func (s *SMMA) Compute(bars []model.Bar) []Value { return compute[Value](s, bars) }

func (s *SMMA) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](s, bars, out)
}

// Reset clears the SMMA state for reuse.
func (s *SMMA) Reset() {
	s.sum = 0
	s.current = 0
	s.clear()
}
