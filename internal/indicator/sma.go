package indicator

import (
	"fmt"

	"ta-engine/internal/model"
	"ta-engine/internal/ringbuf"
)

var smaParams = []Param{
	{Name: "period", Default: "20", Description: "Number of bars averaged"},
	{Name: "source", Default: "close", Description: "Bar price to average"},
}

// SMA calculates a Simple Moving Average over a rolling window.
// A compensated running sum makes each update O(1).
type SMA struct {
	counter
	period int
	src    model.PriceSource
	buf    *ringbuf.Buffer
	sum    rollingSum
}

// NewSMA creates an SMA over period bars of the given price.
// It panics if period < 1.
func NewSMA(period int, src model.PriceSource) *SMA {
	return &SMA{
		counter: counter{warmup: period},
		period:  period,
		src:     src,
		buf:     ringbuf.New(period),
	}
}

func (s *SMA) Name() string { return "SMA" }

func (s *SMA) Description() string {
	return fmt.Sprintf("Simple moving average of %s over %d bars", s.src, s.period)
}

func (s *SMA) Params() []Param { return smaParams }

func (s *SMA) Update(bar model.Bar) Value {
	price := bar.Price(s.src)

	s.sum.slide(s.buf, price)
	s.tick()

	if !s.warmed() {
		return Invalid()
	}
	return Valid(s.sum.value() / float64(s.period))
}

func (s *SMA) Compute(bars []model.Bar) []Value { return compute[Value](s, bars) }

func (s *SMA) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](s, bars, out)
}

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.buf.Clear()
	s.sum.reset()
	s.clear()
}
