package indicator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"ta-engine/internal/model"
)

// Spec names one indicator instance to build: a type, its numeric arguments
// and an optional price source.
//
// Text form: TYPE[:arg[/arg...]][@source], e.g. "SMA:20", "SMA:20@median",
// "ATR_RATIO:5/20", "BBANDS:20/2", "FRACTAL:2", "PRICE@typical".
// Omitted arguments take the catalog defaults.
type Spec struct {
	Type   string    `json:"type" yaml:"type"`
	Args   []float64 `json:"args,omitempty" yaml:"args,omitempty"`
	Source string    `json:"source,omitempty" yaml:"source,omitempty"`
}

// Streamer is the type-erased face of any Indicator[R], used where
// indicators with different result types are driven together.
type Streamer interface {
	Name() string
	Description() string
	WarmupPeriod() int
	Params() []Param
	Count() int
	State() State
	Reset()

	// Step feeds one bar and appends the result's fields to dst.
	Step(bar model.Bar, dst []Field) []Field
}

type erased[R Result] struct {
	Indicator[R]
}

func (e erased[R]) Step(bar model.Bar, dst []Field) []Field {
	return e.Update(bar).AppendFields(dst)
}

// Erase wraps ind as a Streamer.
func Erase[R Result](ind Indicator[R]) Streamer { return erased[R]{ind} }

// MaxWindow bounds every integer argument (periods, fractal side length) so
// a buffer of that size is always allocatable.
const MaxWindow = 1 << 20

// catalogEntry describes one buildable indicator type.
type catalogEntry struct {
	desc       string
	params     []Param   // argument params in order, then "source" when usesSrc
	defaults   []float64 // one per numeric argument
	intArgs    int       // leading arguments that must be integers
	minArgs    []float64 // lower bound per numeric argument
	usesSrc    bool
	defaultSrc model.PriceSource
	build      func(a []float64, src model.PriceSource) Streamer
}

var catalog = map[string]catalogEntry{
	"SMA": {
		desc: "Simple moving average", params: smaParams,
		defaults: []float64{20}, intArgs: 1, minArgs: []float64{1}, usesSrc: true,
		build: func(a []float64, src model.PriceSource) Streamer { return Erase[Value](NewSMA(int(a[0]), src)) },
	},
	"EMA": {
		desc: "Exponential moving average", params: emaParams,
		defaults: []float64{9}, intArgs: 1, minArgs: []float64{1}, usesSrc: true,
		build: func(a []float64, src model.PriceSource) Streamer { return Erase[Value](NewEMA(int(a[0]), src)) },
	},
	"SMMA": {
		desc: "Smoothed (Wilder) moving average", params: smmaParams,
		defaults: []float64{14}, intArgs: 1, minArgs: []float64{1}, usesSrc: true,
		build: func(a []float64, src model.PriceSource) Streamer { return Erase[Value](NewSMMA(int(a[0]), src)) },
	},
	"STDDEV": {
		desc: "Sample standard deviation", params: stdDevParams,
		defaults: []float64{20}, intArgs: 1, minArgs: []float64{2}, usesSrc: true,
		build: func(a []float64, src model.PriceSource) Streamer { return Erase[Value](NewStdDev(int(a[0]), src)) },
	},
	"RSI": {
		desc: "Relative strength index", params: rsiParams,
		defaults: []float64{14}, intArgs: 1, minArgs: []float64{1},
		build: func(a []float64, _ model.PriceSource) Streamer { return Erase[Value](NewRSI(int(a[0]))) },
	},
	"ATR": {
		desc: "Average true range", params: atrParams,
		defaults: []float64{14}, intArgs: 1, minArgs: []float64{1},
		build: func(a []float64, _ model.PriceSource) Streamer { return Erase[Value](NewATR(int(a[0]))) },
	},
	"ATR_RATIO": {
		desc: "Short ATR divided by long ATR", params: atrRatioParams,
		defaults: []float64{5, 20}, intArgs: 2, minArgs: []float64{1, 1},
		build: func(a []float64, _ model.PriceSource) Streamer {
			return Erase[Value](NewATRRatio(int(a[0]), int(a[1])))
		},
	},
	"AO": {
		desc: "Awesome oscillator", params: awesomeParams,
		defaults: []float64{5, 34}, intArgs: 2, minArgs: []float64{1, 1},
		build: func(a []float64, _ model.PriceSource) Streamer {
			return Erase[Value](NewAwesome(int(a[0]), int(a[1])))
		},
	},
	"AC": {
		desc: "Accelerator oscillator", params: acceleratorParams,
		defaults: []float64{5, 34, 5}, intArgs: 3, minArgs: []float64{1, 1, 1},
		build: func(a []float64, _ model.PriceSource) Streamer {
			return Erase[Value](NewAcceleratorOscillator(int(a[0]), int(a[1]), int(a[2])))
		},
	},
	"FRACTAL": {
		desc: "N-bar swing high/low", params: fractalParams,
		defaults: []float64{2}, intArgs: 1, minArgs: []float64{1},
		build: func(a []float64, _ model.PriceSource) Streamer { return Erase[FractalResult](NewFractal(int(a[0]))) },
	},
	"BBANDS": {
		desc: "Bollinger bands", params: bollingerParams,
		defaults: []float64{20, 2}, intArgs: 1, minArgs: []float64{2, 0}, usesSrc: true,
		build: func(a []float64, src model.PriceSource) Streamer {
			return Erase[Band](NewBollinger(int(a[0]), a[1], src))
		},
	},
	"PRICE": {
		desc: "Price transform of the current bar", params: priceParams,
		usesSrc: true, defaultSrc: model.SourceTypical,
		build: func(_ []float64, src model.PriceSource) Streamer { return Erase[Value](NewPriceTransform(src)) },
	},
}

// CatalogEntry is the public description of a buildable indicator type.
type CatalogEntry struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

// Catalog lists every indicator type Build understands, sorted by type.
func Catalog() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(catalog))
	for typ, e := range catalog {
		out = append(out, CatalogEntry{Type: typ, Description: e.desc, Params: e.params})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ParseSpec parses one spec in text form.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimSpace(s)
	var spec Spec
	if i := strings.IndexByte(s, '@'); i >= 0 {
		spec.Source = strings.ToLower(strings.TrimSpace(s[i+1:]))
		s = s[:i]
	}
	typ, args, hasArgs := strings.Cut(s, ":")
	spec.Type = strings.ToUpper(strings.TrimSpace(typ))
	if spec.Type == "" {
		return Spec{}, fmt.Errorf("%w: empty indicator type", ErrInvalidParam)
	}
	if hasArgs && strings.TrimSpace(args) != "" {
		for _, a := range strings.Split(args, "/") {
			v, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
			if err != nil {
				return Spec{}, fmt.Errorf("%w: %s argument %q", ErrInvalidParam, spec.Type, a)
			}
			spec.Args = append(spec.Args, v)
		}
	}
	return spec, nil
}

// ParseSpecs parses a comma-separated list of specs, e.g.
// "SMA:20,ATR_RATIO:5/20,FRACTAL:2".
func ParseSpecs(s string) ([]Spec, error) {
	var specs []Spec
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		spec, err := ParseSpec(part)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// resolve validates spec against the catalog and fills in defaults.
func resolve(spec Spec) (Spec, catalogEntry, model.PriceSource, error) {
	spec.Type = strings.ToUpper(spec.Type)
	e, ok := catalog[spec.Type]
	if !ok {
		return spec, e, 0, fmt.Errorf("%w: %q", ErrUnknownIndicator, spec.Type)
	}
	if len(spec.Args) > len(e.defaults) {
		return spec, e, 0, fmt.Errorf("%w: %s takes at most %d arguments, got %d",
			ErrInvalidParam, spec.Type, len(e.defaults), len(spec.Args))
	}

	args := make([]float64, len(e.defaults))
	copy(args, e.defaults)
	copy(args, spec.Args)
	for i, v := range args {
		name := e.params[i].Name
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return spec, e, 0, fmt.Errorf("%w: %s %s must be finite", ErrInvalidParam, spec.Type, name)
		}
		if i < e.intArgs && v != math.Trunc(v) {
			return spec, e, 0, fmt.Errorf("%w: %s %s must be an integer, got %g", ErrInvalidParam, spec.Type, name, v)
		}
		if i < e.intArgs && v > MaxWindow {
			return spec, e, 0, fmt.Errorf("%w: %s %s exceeds %d, got %g", ErrInvalidParam, spec.Type, name, MaxWindow, v)
		}
		if v < e.minArgs[i] || (i >= e.intArgs && v <= 0) {
			return spec, e, 0, fmt.Errorf("%w: %s %s out of range: %g", ErrInvalidParam, spec.Type, name, v)
		}
	}
	spec.Args = args

	src := e.defaultSrc
	if spec.Source != "" {
		if !e.usesSrc {
			return spec, e, 0, fmt.Errorf("%w: %s does not take a price source", ErrInvalidParam, spec.Type)
		}
		var err error
		if src, err = model.ParsePriceSource(spec.Source); err != nil {
			return spec, e, 0, fmt.Errorf("%w: %s: %v", ErrInvalidParam, spec.Type, err)
		}
	}
	if e.usesSrc {
		spec.Source = src.String()
	}
	return spec, e, src, nil
}

// Normalize validates spec and returns it with defaults filled in.
func Normalize(spec Spec) (Spec, error) {
	s, _, _, err := resolve(spec)
	return s, err
}

// ValidateSpecs checks every spec and rejects duplicates (same normalized
// label).
func ValidateSpecs(specs []Spec) error {
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		n, err := Normalize(spec)
		if err != nil {
			return err
		}
		label := n.Label()
		if seen[label] {
			return fmt.Errorf("%w: duplicate indicator %s", ErrInvalidParam, label)
		}
		seen[label] = true
	}
	return nil
}

// Build constructs the indicator described by spec.
func Build(spec Spec) (Streamer, error) {
	s, e, src, err := resolve(spec)
	if err != nil {
		return nil, err
	}
	return e.build(s.Args, src), nil
}

// Label returns the display name used for indicator records, e.g. "SMA_20",
// "ATR_RATIO_5_20", "SMA_20_MEDIAN", "PRICE_TYPICAL". Call it on a
// normalized spec for stable output.
func (s Spec) Label() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(s.Type))
	for _, a := range s.Args {
		b.WriteByte('_')
		b.WriteString(strconv.FormatFloat(a, 'f', -1, 64))
	}
	if s.Source != "" {
		if e, ok := catalog[strings.ToUpper(s.Type)]; !ok || len(e.defaults) == 0 || s.Source != e.defaultSrc.String() {
			b.WriteByte('_')
			b.WriteString(strings.ToUpper(s.Source))
		}
	}
	return b.String()
}

// String returns the spec in its text form.
func (s Spec) String() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(s.Type))
	for i, a := range s.Args {
		if i == 0 {
			b.WriteByte(':')
		} else {
			b.WriteByte('/')
		}
		b.WriteString(strconv.FormatFloat(a, 'f', -1, 64))
	}
	if s.Source != "" {
		b.WriteByte('@')
		b.WriteString(s.Source)
	}
	return b.String()
}
