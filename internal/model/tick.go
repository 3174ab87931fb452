package model

import "time"

// Tick represents a single trade print from a market data feed.
type Tick struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	Price    float64   `json:"price"`
	Qty      float64   `json:"qty"`
	Bid      float64   `json:"bid,omitempty"`
	Ask      float64   `json:"ask,omitempty"`
	TickTS   time.Time `json:"tick_ts"` // UTC timestamp
}

