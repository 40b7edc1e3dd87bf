package domain

import "time"

// Signal is the payload of a Signal event emitted by a strategy. Price 0
// means "at market".
type Signal struct {
	Symbol    string
	Action    Side
	Quantity  float64
	Price     float64
	Strategy  string
	Timestamp time.Time
	Metadata  map[string]any
}
