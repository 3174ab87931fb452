package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// SeriesKey identifies one bar series: an instrument on one timeframe.
type SeriesKey struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	TF       int    `json:"tf"` // timeframe in seconds
}

// String returns "exchange:symbol:TFs".
func (k SeriesKey) String() string {
	return k.Exchange + ":" + k.Symbol + ":" + strconv.Itoa(k.TF) + "s"
}

// StreamKey returns the Redis stream key carrying bars for this series:
// "bar:{TF}s:{exchange}:{symbol}".
func (k SeriesKey) StreamKey() string {
	return "bar:" + strconv.Itoa(k.TF) + "s:" + k.Exchange + ":" + k.Symbol
}

// SeriesBar is a bar tagged with the series it belongs to. It is the unit
// moved between feeds, stores and the indicator engine.
type SeriesBar struct {
	SeriesKey
	Bar
}

// JSON returns the JSON-encoded series bar.
func (b *SeriesBar) JSON() []byte {
	buf, _ := json.Marshal(b)
	return buf
}

// IndicatorRecord holds one computed indicator output for a series and bar.
type IndicatorRecord struct {
	Name     string    `json:"name"` // e.g. "SMA_20", "FRACTAL_2.upper"
	Exchange string    `json:"exchange"`
	Symbol   string    `json:"symbol"`
	TF       int       `json:"tf"` // timeframe in seconds
	TS       time.Time `json:"ts"` // bar timestamp that produced this value
	Value    float64   `json:"value"`
	Ready    bool      `json:"ready"` // false while warming up or when an input is invalid
}

// StreamKey returns the Redis stream key: "ind:{name}:{TF}s:{exchange}:{symbol}".
func (r *IndicatorRecord) StreamKey() string {
	return "ind:" + r.Name + ":" + strconv.Itoa(r.TF) + "s:" + r.Exchange + ":" + r.Symbol
}

// LatestKey returns the Redis key holding the most recent ready value.
func (r *IndicatorRecord) LatestKey() string {
	return "ind:" + r.Name + ":" + strconv.Itoa(r.TF) + "s:latest:" + r.Exchange + ":" + r.Symbol
}

// PubSubChannel returns the Redis pub/sub channel for live subscribers.
func (r *IndicatorRecord) PubSubChannel() string {
	return "pub:" + r.StreamKey()
}

// MarshalJSON encodes NaN values (not-ready records) as null.
func (r IndicatorRecord) MarshalJSON() ([]byte, error) {
	type alias IndicatorRecord
	if r.Value != r.Value { // NaN
		return json.Marshal(struct {
			alias
			Value *float64 `json:"value"`
		}{alias: alias(r)})
	}
	return json.Marshal(alias(r))
}

// JSON returns the JSON-encoded indicator record.
func (r *IndicatorRecord) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// Series returns the series the record belongs to.
func (r *IndicatorRecord) Series() SeriesKey {
	return SeriesKey{Exchange: r.Exchange, Symbol: r.Symbol, TF: r.TF}
}
