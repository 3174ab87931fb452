package indicator

import (
	"fmt"

	"ta-engine/internal/model"
)

var bollingerParams = []Param{
	{Name: "period", Default: "20", Description: "Window for the middle band and deviation"},
	{Name: "mult", Default: "2", Description: "Standard deviations between middle and outer bands"},
	{Name: "source", Default: "close", Description: "Bar price sampled"},
}

// Bollinger produces Bollinger Bands from an owned SMA and StdDev of the
// same window: middle = SMA, upper/lower = middle +/- mult*StdDev.
type Bollinger struct {
	counter
	mult float64
	mid  *SMA
	dev  *StdDev
}

// NewBollinger creates bands over period bars. It panics if period < 2.
func NewBollinger(period int, mult float64, src model.PriceSource) *Bollinger {
	return &Bollinger{
		counter: counter{warmup: period},
		mult:    mult,
		mid:     NewSMA(period, src),
		dev:     NewStdDev(period, src),
	}
}

func (b *Bollinger) Name() string { return "BBANDS" }

func (b *Bollinger) Description() string {
	return fmt.Sprintf("Bollinger bands of %s over %d bars, %g deviations", b.mid.src, b.mid.period, b.mult)
}

func (b *Bollinger) Params() []Param { return bollingerParams }

func (b *Bollinger) Update(bar model.Bar) Band {
	m := b.mid.Update(bar)
	d := b.dev.Update(bar)
	b.tick()

	if !b.warmed() || !m.Valid || !d.Valid {
		return Band{Upper: Invalid(), Middle: Invalid(), Lower: Invalid()}
	}
	return Band{
		Upper:  Valid(m.V + b.mult*d.V),
		Middle: m,
		Lower:  Valid(m.V - b.mult*d.V),
	}
}

func (b *Bollinger) Compute(bars []model.Bar) []Band { return compute[Band](b, bars) }

func (b *Bollinger) ComputeInto(bars []model.Bar, out []Band) error {
	return computeInto[Band](b, bars, out)
}

func (b *Bollinger) Reset() {
	b.mid.Reset()
	b.dev.Reset()
	b.clear()
}
