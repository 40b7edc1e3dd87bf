package domain

import "time"

type TradeSide string

const (
	TradeLong  TradeSide = "long"
	TradeShort TradeSide = "short"
)

// TradeRecord is a completed round trip in one symbol.
type TradeRecord struct {
	Symbol     string
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	Side       TradeSide
	GrossPnL   float64
	PnLPct     float64
	Commission float64
	NetPnL     float64
}

// NewTradeRecord computes the P&L fields for a round trip. Long trades
// gain when exit > entry, short trades when entry > exit.
func NewTradeRecord(symbol string, entryTime, exitTime time.Time, entry, exit, qty float64, side TradeSide, commission float64) TradeRecord {
	gross := (exit - entry) * qty
	if side == TradeShort {
		gross = (entry - exit) * qty
	}
	pct := 0.0
	if entry != 0 && qty != 0 {
		pct = gross / (entry * qty)
	}
	return TradeRecord{
		Symbol:     symbol,
		EntryTime:  entryTime,
		ExitTime:   exitTime,
		EntryPrice: entry,
		ExitPrice:  exit,
		Quantity:   qty,
		Side:       side,
		GrossPnL:   gross,
		PnLPct:     pct,
		Commission: commission,
		NetPnL:     gross - commission,
	}
}

// DailyPnL aggregates trading results for one calendar day.
type DailyPnL struct {
	Date          string
	RealizedPnL   float64
	UnrealizedPnL float64
	Commission    float64
	Trades        int
	WinningTrades int
	LosingTrades  int
}

// NetPnL is realized plus unrealized net of commission.
func (d DailyPnL) NetPnL() float64 {
	return d.RealizedPnL + d.UnrealizedPnL - d.Commission
}

// WinRate is the fraction of trades that closed positive.
func (d DailyPnL) WinRate() float64 {
	if d.Trades == 0 {
		return 0
	}
	return float64(d.WinningTrades) / float64(d.Trades)
}
