// Package indicator provides technical indicator calculations over bar data.
//
// Every indicator implements Indicator[R] for its result type R and supports
// two equivalent modes: Update feeds one bar at a time (live feeds) and
// Compute processes a whole ordered series (backtests). Compute always resets
// first and then calls Update once per bar, so both modes produce identical
// output for the same bars.
//
// Windowed indicators are built on ringbuf.Buffer, so memory and per-update
// cost are bounded by the window size, not by the length of the series.
// Composite indicators own their sub-indicators and reset them recursively.
//
// Indicators are not safe for concurrent use; construct one instance per
// goroutine or series.
package indicator

import (
	"errors"

	"ta-engine/internal/model"
)

// Indicator is the contract every indicator satisfies.
type Indicator[R Result] interface {
	// Name returns the indicator type name (e.g. "SMA", "FRACTAL").
	Name() string

	// Description returns a human-readable summary including parameters.
	Description() string

	// WarmupPeriod is the number of bars needed before results can be valid.
	WarmupPeriod() int

	// Params describes the construction parameters for display/config UIs.
	Params() []Param

	// Count returns the number of bars processed since the last reset.
	Count() int

	// State reports Fresh, Warming or Warmed.
	State() State

	// Update feeds the next bar and returns the result for it.
	// Bars must arrive in increasing time order; ordering is not checked.
	Update(bar model.Bar) R

	// Compute resets the indicator and returns one result per input bar.
	Compute(bars []model.Bar) []R

	// ComputeInto is Compute writing into caller-owned memory.
	// It fails with ErrShortOutput if len(out) < len(bars).
	ComputeInto(bars []model.Bar, out []R) error

	// Reset returns the indicator to its post-construction state.
	Reset()
}

// Param describes one construction parameter.
type Param struct {
	Name        string `json:"name"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

// State is the warmup phase of an indicator.
type State int

const (
	Fresh   State = iota // just constructed or reset
	Warming              // 0 < Count() < WarmupPeriod()
	Warmed               // Count() >= WarmupPeriod()
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Warming:
		return "warming"
	case Warmed:
		return "warmed"
	default:
		return "unknown"
	}
}

var (
	// ErrShortOutput is returned by ComputeInto when the output slice is
	// shorter than the input.
	ErrShortOutput = errors.New("output buffer shorter than input")

	// ErrInvalidParam is returned when an indicator spec has bad parameters.
	ErrInvalidParam = errors.New("invalid indicator parameter")

	// ErrUnknownIndicator is returned for an unrecognised indicator type.
	ErrUnknownIndicator = errors.New("unknown indicator type")

	// ErrOutOfOrder is returned by a strict Engine when a bar does not
	// advance its series' timestamp.
	ErrOutOfOrder = errors.New("bar timestamp not after previous bar")
)

// counter tracks bars processed since the last reset. Embedded by every
// indicator to supply Count, WarmupPeriod and State.
type counter struct {
	n      int
	warmup int
}

func (c *counter) tick()        { c.n++ }
func (c *counter) warmed() bool { return c.n >= c.warmup }
func (c *counter) clear()       { c.n = 0 }

// Count returns the number of bars processed since the last reset.
func (c *counter) Count() int { return c.n }

// WarmupPeriod returns the bars required before results can be valid.
func (c *counter) WarmupPeriod() int { return c.warmup }

// State reports the warmup phase.
func (c *counter) State() State {
	switch {
	case c.n == 0:
		return Fresh
	case c.n < c.warmup:
		return Warming
	default:
		return Warmed
	}
}

// compute implements Compute for any indicator.
func compute[R Result](ind Indicator[R], bars []model.Bar) []R {
	out := make([]R, len(bars))
	ind.Reset()
	for i, b := range bars {
		out[i] = ind.Update(b)
	}
	return out
}

// computeInto implements ComputeInto for any indicator. The length check
// happens before Reset so a failed call leaves the indicator untouched.
func computeInto[R Result](ind Indicator[R], bars []model.Bar, out []R) error {
	if len(out) < len(bars) {
		return shortOutput(len(bars), len(out))
	}
	ind.Reset()
	for i, b := range bars {
		out[i] = ind.Update(b)
	}
	return nil
}
