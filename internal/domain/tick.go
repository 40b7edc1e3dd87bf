package domain

// StreamMode selects how much detail the market data feed delivers per
// instrument.
type StreamMode string

const (
	ModeLTP   StreamMode = "ltp"
	ModeQuote StreamMode = "quote"
	ModeFull  StreamMode = "full"
)

// OHLC is an intraday bar attached to quote and full mode ticks.
type OHLC struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// DepthLevel is one side/level of the order book in full mode.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Orders   int     `json:"orders"`
}

// Depth is the five-level book attached to full mode ticks.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// Tick is the payload of a Tick event. Token is the venue's instrument
// identifier; mapping tokens to symbols is the consumer's concern. Raw
// keeps the wire payload for debugging.
type Tick struct {
	Token        int64          `json:"instrument_token"`
	LastPrice    float64        `json:"last_price"`
	Volume       int64          `json:"volume"`
	BuyQuantity  float64        `json:"buy_quantity"`
	SellQuantity float64        `json:"sell_quantity"`
	OHLC         *OHLC          `json:"ohlc,omitempty"`
	Depth        *Depth         `json:"depth,omitempty"`
	Raw          map[string]any `json:"-"`
}
