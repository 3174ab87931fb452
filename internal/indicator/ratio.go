package indicator

import (
	"fmt"

	"ta-engine/internal/model"
)

// ratioEpsilon is the smallest denominator Ratio divides by; below it the
// ratio is defined as 1.
const ratioEpsilon = 1e-20

var atrRatioParams = []Param{
	{Name: "short", Default: "5", Description: "Short ATR period (numerator)"},
	{Name: "long", Default: "20", Description: "Long ATR period (denominator)"},
}

// Ratio divides the output of a short-window indicator by a long-window one.
// It owns both sub-indicators: they must not be updated by anyone else.
type Ratio struct {
	counter
	name   string
	params []Param
	short  Indicator[Value]
	long   Indicator[Value]
}

// NewRatio creates a ratio of two independently warmed indicators.
// The result is valid only when both inputs are valid.
func NewRatio(short, long Indicator[Value]) *Ratio {
	return &Ratio{
		counter: counter{warmup: max(short.WarmupPeriod(), long.WarmupPeriod())},
		name:    "RATIO",
		short:   short,
		long:    long,
	}
}

// NewATRRatio creates the ratio ATR(short) / ATR(long), a volatility
// expansion measure.
func NewATRRatio(short, long int) *Ratio {
	r := NewRatio(NewATR(short), NewATR(long))
	r.name = "ATR_RATIO"
	r.params = atrRatioParams
	return r
}

func (r *Ratio) Name() string { return r.name }

func (r *Ratio) Description() string {
	return fmt.Sprintf("Ratio of %s to %s", r.short.Description(), r.long.Description())
}

func (r *Ratio) Params() []Param { return r.params }

func (r *Ratio) Update(bar model.Bar) Value {
	s := r.short.Update(bar)
	l := r.long.Update(bar)
	r.tick()

	if !r.warmed() || !s.Valid || !l.Valid {
		return Invalid()
	}
	if l.V < ratioEpsilon {
		return Valid(1)
	}
	return Valid(s.V / l.V)
}

func (r *Ratio) Compute(bars []model.Bar) []Value { return compute[Value](r, bars) }

func (r *Ratio) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](r, bars, out)
}

func (r *Ratio) Reset() {
	r.short.Reset()
	r.long.Reset()
	r.clear()
}
