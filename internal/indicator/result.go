package indicator

import (
	"fmt"
	"math"
	"sync"

	"ta-engine/internal/model"
)

// Result is implemented by every indicator output type.
type Result interface {
	// IsValid reports whether the result carries a computed value.
	IsValid() bool

	// AppendFields appends the named outputs to dst. Single-value results
	// append one field with an empty name.
	AppendFields(dst []Field) []Field
}

// Value is a single scalar output. Invalid values hold NaN, never 0.
type Value struct {
	V     float64
	Valid bool
}

// Valid wraps a computed value.
func Valid(v float64) Value { return Value{V: v, Valid: true} }

// Invalid returns the placeholder used during warmup.
func Invalid() Value { return Value{V: math.NaN()} }

func (v Value) IsValid() bool { return v.Valid }

func (v Value) AppendFields(dst []Field) []Field {
	return append(dst, Field{Value: v})
}

// Field is one named output of a result.
type Field struct {
	Name string
	Value
}

// Band is an upper/middle/lower channel such as Bollinger Bands.
type Band struct {
	Upper  Value
	Middle Value
	Lower  Value
}

func (b Band) IsValid() bool { return b.Middle.Valid }

func (b Band) AppendFields(dst []Field) []Field {
	return append(dst,
		Field{Name: "upper", Value: b.Upper},
		Field{Name: "middle", Value: b.Middle},
		Field{Name: "lower", Value: b.Lower},
	)
}

// FractalResult holds the swing-high (Upper) and swing-low (Lower) sides of
// a fractal. Each side is valid independently.
type FractalResult struct {
	Upper Value
	Lower Value
}

// IsValid reports whether either side marks a fractal.
func (f FractalResult) IsValid() bool { return f.Upper.Valid || f.Lower.Valid }

func (f FractalResult) AppendFields(dst []Field) []Field {
	return append(dst,
		Field{Name: "upper", Value: f.Upper},
		Field{Name: "lower", Value: f.Lower},
	)
}

func shortOutput(need, got int) error {
	return fmt.Errorf("%w: need %d results, got %d", ErrShortOutput, need, got)
}

// scratchPool holds []Value slices reused across ComputeValues calls.
var scratchPool = sync.Pool{
	New: func() any {
		s := make([]Value, 0, 512)
		return &s
	},
}

// ComputeValues runs a batch compute of a single-value indicator and writes
// plain floats into out, NaN where the result is invalid. It fails with
// ErrShortOutput if len(out) < len(bars).
//
// The intermediate results live in pooled scratch memory that is returned to
// the pool before ComputeValues returns.
func ComputeValues(ind Indicator[Value], bars []model.Bar, out []float64) error {
	if len(out) < len(bars) {
		return shortOutput(len(bars), len(out))
	}

	sp := scratchPool.Get().(*[]Value)
	defer func() {
		*sp = (*sp)[:0]
		scratchPool.Put(sp)
	}()

	if cap(*sp) < len(bars) {
		*sp = make([]Value, len(bars))
	}
	scratch := (*sp)[:len(bars)]

	if err := ind.ComputeInto(bars, scratch); err != nil {
		return err
	}
	for i, r := range scratch {
		out[i] = r.V
	}
	return nil
}
