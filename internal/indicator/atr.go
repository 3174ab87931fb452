package indicator

import (
	"fmt"
	"math"

	"ta-engine/internal/model"
	"ta-engine/internal/ringbuf"
)

var atrParams = []Param{
	{Name: "period", Default: "14", Description: "Number of true ranges averaged"},
}

// ATR calculates the Average True Range as the simple mean of the last
// period true ranges. The first bar after a reset has no previous close, so
// its true range is high-low.
type ATR struct {
	counter
	period    int
	buf       *ringbuf.Buffer
	sum       rollingSum
	prevClose float64
}

// NewATR creates an ATR over period bars. It panics if period < 1.
func NewATR(period int) *ATR {
	return &ATR{
		counter:   counter{warmup: period},
		period:    period,
		buf:       ringbuf.New(period),
		prevClose: math.NaN(),
	}
}

func (a *ATR) Name() string { return "ATR" }

func (a *ATR) Description() string {
	return fmt.Sprintf("Average true range over %d bars", a.period)
}

func (a *ATR) Params() []Param { return atrParams }

func (a *ATR) Update(bar model.Bar) Value {
	tr := model.TrueRange(bar.High, bar.Low, a.prevClose)
	a.prevClose = bar.Close

	a.sum.slide(a.buf, tr)
	a.tick()

	if !a.warmed() {
		return Invalid()
	}
	return Valid(a.sum.value() / float64(a.period))
}

func (a *ATR) Compute(bars []model.Bar) []Value { return compute[Value](a, bars) }

func (a *ATR) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](a, bars, out)
}

func (a *ATR) Reset() {
	a.buf.Clear()
	a.sum.reset()
	a.prevClose = math.NaN()
	a.clear()
}
