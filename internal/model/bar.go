package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Bar is one OHLCV sample for a fixed time interval.
// Bars are plain values: derived prices are recomputed on every call and the
// type carries no history.
type Bar struct {
	TS     time.Time `json:"ts"` // bucket start time (UTC)
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`

	// Optional quote/trade detail. Zero means "not supplied".
	Bid    float64 `json:"bid,omitempty"`
	Ask    float64 `json:"ask,omitempty"`
	VWAP   float64 `json:"vwap,omitempty"`
	Trades int64   `json:"trades,omitempty"`
}

// Mid returns the bid/ask midpoint when both quotes are present,
// otherwise the midpoint of the bar's range.
func (b Bar) Mid() float64 {
	if b.Bid > 0 && b.Ask > 0 {
		return (b.Bid + b.Ask) / 2
	}
	return (b.High + b.Low) / 2
}

// Median returns (high+low)/2.
func (b Bar) Median() float64 { return (b.High + b.Low) / 2 }

// Typical returns (high+low+close)/3.
func (b Bar) Typical() float64 { return (b.High + b.Low + b.Close) / 3 }

// WeightedClose returns (high+low+2*close)/4.
func (b Bar) WeightedClose() float64 { return (b.High + b.Low + 2*b.Close) / 4 }

// Average returns (open+high+low+close)/4.
func (b Bar) Average() float64 { return (b.Open + b.High + b.Low + b.Close) / 4 }

// Price picks the bar price named by src.
func (b Bar) Price(src PriceSource) float64 {
	switch src {
	case SourceOpen:
		return b.Open
	case SourceHigh:
		return b.High
	case SourceLow:
		return b.Low
	case SourceMedian:
		return b.Median()
	case SourceTypical:
		return b.Typical()
	case SourceWeighted:
		return b.WeightedClose()
	case SourceAverage:
		return b.Average()
	default:
		return b.Close
	}
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	buf, _ := json.Marshal(b)
	return buf
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
// Pass NaN as prevClose for the first bar of a series; the result is then
// high-low.
func TrueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if math.IsNaN(prevClose) {
		return tr
	}
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// PriceSource selects which bar price an indicator consumes.
type PriceSource int

const (
	SourceClose PriceSource = iota
	SourceOpen
	SourceHigh
	SourceLow
	SourceMedian
	SourceTypical
	SourceWeighted
	SourceAverage
)

var sourceNames = [...]string{
	SourceClose:    "close",
	SourceOpen:     "open",
	SourceHigh:     "high",
	SourceLow:      "low",
	SourceMedian:   "median",
	SourceTypical:  "typical",
	SourceWeighted: "weighted",
	SourceAverage:  "average",
}

func (s PriceSource) String() string {
	if s < 0 || int(s) >= len(sourceNames) {
		return "unknown"
	}
	return sourceNames[s]
}

// ParsePriceSource maps a name such as "close" or "typical" to a PriceSource.
// The empty string selects SourceClose.
func ParsePriceSource(s string) (PriceSource, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SourceClose, nil
	}
	for i, name := range sourceNames {
		if name == s {
			return PriceSource(i), nil
		}
	}
	return SourceClose, fmt.Errorf("unknown price source %q", s)
}
