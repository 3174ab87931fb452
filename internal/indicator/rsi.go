package indicator

import (
	"fmt"

	"ta-engine/internal/model"
)

var rsiParams = []Param{
	{Name: "period", Default: "14", Description: "Wilder smoothing period for average gain/loss"},
}

// RSI calculates the Relative Strength Index of closes using Wilder's
// smoothing method. Update is O(1) per bar; the first bar only records the
// close, so the warmup period is period+1.
type RSI struct {
	counter
	period    int
	prevClose float64
	avgGain   float64
	avgLoss   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{counter: counter{warmup: period + 1}, period: period}
}

func (r *RSI) Name() string { return "RSI" }

func (r *RSI) Description() string {
	return fmt.Sprintf("Relative strength index over %d bars", r.period)
}

func (r *RSI) Params() []Param { return rsiParams }

func (r *RSI) Update(bar model.Bar) Value {
	price := bar.Close
	r.tick()

	if r.n == 1 {
		// First bar: no delta yet
		r.prevClose = price
		return Invalid()
	}

	delta := price - r.prevClose
	r.prevClose = price

	gain, loss := 0.0, 0.0
	if delta > 0 {
		gain = delta
	} else {
		loss = -delta
	}

	p := float64(r.period)
	if r.n <= r.period+1 {
		// Accumulation phase: build initial averages
		r.avgGain += gain
		r.avgLoss += loss
		if r.n < r.period+1 {
			return Invalid()
		}
		r.avgGain /= p
		r.avgLoss /= p
		return Valid(r.value())
	}

	// Wilder's smoothing: avg = (prevAvg*(period-1) + x) / period
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	return Valid(r.value())
}

// value maps the current averages to 0..100. A zero average loss is defined
// as RSI 100.
func (r *RSI) value() float64 {
	if r.avgLoss == 0 {
		return 100.0
	}
	rs := r.avgGain / r.avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

func (r *RSI) Compute(bars []model.Bar) []Value { return compute[Value](r, bars) }

func (r *RSI) ComputeInto(bars []model.Bar, out []Value) error {
	return computeInto[Value](r, bars, out)
}

func (r *RSI) Reset() {
	r.prevClose = 0
	r.avgGain = 0
	r.avgLoss = 0
	r.clear()
}
