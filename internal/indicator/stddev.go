package indicator

import (
	"fmt"

	"ta-engine/internal/model"
	"ta-engine/internal/ringbuf"
)

var stdDevParams = []Param{
	{Name: "period", Default: "20", Description: "Number of bars in the window (>= 2)"},
	{Name: "source", Default: "close", Description: "Bar price sampled"},
}

// StdDev calculates the sample standard deviation (n-1 denominator) of a
// price over a rolling window.
type StdDev struct {
	counter
	period int
	src    model.PriceSource
	buf    *ringbuf.Buffer
}

// NewStdDev creates a standard deviation over period bars.
// It panics if period < 2.
func NewStdDev(period int, src model.PriceSource) *StdDev {
	if period < 2 {
		panic(fmt.Sprintf("indicator: StdDev period must be >= 2, got %d", period))
	}
	return &StdDev{
		counter: counter{warmup: period},
		period:  period,
		src:     src,
		buf:     ringbuf.New(period),
	}
}

func (s *StdDev) Name() string { return "STDDEV" }

func (s *StdDev) Description() string {
	return fmt.Sprintf("Sample standard deviation of %s over %d bars", s.src, s.period)
}

func (s *StdDev) Params() []Param { return stdDevParams }

func (s *StdDev) Update(bar model.Bar) Value {
	s.buf.Push(bar.Price(s.src))
	s.tick()

	if !s.warmed() {
		return Invalid()
	}
	return Valid(s.buf.SampleStdDev())
}

func (s *StdDev) Compute(bars []model.Bar) []Value { return compute[Value](s, bars) }

func (s *StdDev) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](s, bars, out)
}

func (s *StdDev) Reset() {
	s.buf.Clear()
	s.clear()
}
