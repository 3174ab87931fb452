package indicator

import (
	"fmt"

	"ta-engine/internal/model"
)

var priceParams = []Param{
	{Name: "source", Default: "typical", Description: "Price transform: median, typical, weighted, average, or a raw OHLC field"},
}

// PriceTransform emits an algebraic combination of the current bar's prices
// (typical price, weighted close, ...). It has no window and is valid from
// the first bar.
type PriceTransform struct {
	counter
	src model.PriceSource
}

// NewPriceTransform creates a transform for src.
func NewPriceTransform(src model.PriceSource) *PriceTransform {
	return &PriceTransform{counter: counter{warmup: 1}, src: src}
}

func (p *PriceTransform) Name() string { return "PRICE" }

func (p *PriceTransform) Description() string {
	return fmt.Sprintf("%s price of the current bar", p.src)
}

func (p *PriceTransform) Params() []Param { return priceParams }

func (p *PriceTransform) Update(bar model.Bar) Value {
	p.tick()
	return Valid(bar.Price(p.src))
}

func (p *PriceTransform) Compute(bars []model.Bar) []Value { return compute[Value](p, bars) }

func (p *PriceTransform) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](p, bars, out)
}

func (p *PriceTransform) Reset() { p.clear() }
