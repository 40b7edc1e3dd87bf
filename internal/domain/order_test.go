package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFillVWAP(t *testing.T) {
	o := NewOrder("AAPL", SideBuy, OrderMarket, 100)

	require.NoError(t, o.ApplyFill(Fill{Quantity: 40, Price: 150.00, Timestamp: time.Now()}))
	assert.Equal(t, StatusPartiallyFilled, o.Status)
	assert.InDelta(t, 40.0, o.Filled, 1e-9)
	assert.InDelta(t, 150.00, o.AvgFillPrice, 1e-9)

	require.NoError(t, o.ApplyFill(Fill{Quantity: 60, Price: 151.00, Timestamp: time.Now()}))
	assert.Equal(t, StatusFilled, o.Status)
	assert.InDelta(t, 100.0, o.Filled, 1e-9)
	// (40*150 + 60*151) / 100
	assert.InDelta(t, 150.60, o.AvgFillPrice, 1e-9)
	assert.False(t, o.FilledAt.IsZero())
}

func TestApplyFillRejectsNonPositive(t *testing.T) {
	o := NewOrder("AAPL", SideBuy, OrderMarket, 10)
	assert.Error(t, o.ApplyFill(Fill{Quantity: 0, Price: 100}))
	assert.Error(t, o.ApplyFill(Fill{Quantity: -1, Price: 100}))
	assert.InDelta(t, 0.0, o.Filled, 1e-9)
}

func TestOrderStatusPredicates(t *testing.T) {
	cases := []struct {
		status   OrderStatus
		terminal bool
		open     bool
	}{
		{StatusCreated, false, false},
		{StatusPending, false, true},
		{StatusSubmitted, false, true},
		{StatusPartiallyFilled, false, true},
		{StatusFilled, true, false},
		{StatusCancelled, true, false},
		{StatusRejected, true, false},
		{StatusExpired, true, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.terminal, tc.status.IsTerminal(), "terminal %s", tc.status)
		assert.Equal(t, tc.open, tc.status.IsOpen(), "open %s", tc.status)
	}
}

func TestPositionMark(t *testing.T) {
	p := Position{Symbol: "AAPL", Quantity: 100, AvgPrice: 150}
	p.Mark(155)
	assert.InDelta(t, 15500.0, p.MarketValue, 1e-9)
	assert.InDelta(t, 500.0, p.UnrealizedPnL, 1e-9)

	short := Position{Symbol: "TSLA", Quantity: -10, AvgPrice: 200}
	short.Mark(190)
	assert.InDelta(t, -1900.0, short.MarketValue, 1e-9)
	assert.InDelta(t, 100.0, short.UnrealizedPnL, 1e-9)

	flat := Position{Symbol: "MSFT", Quantity: 0, RealizedPnL: 12.5}
	flat.Mark(300)
	assert.Zero(t, flat.CurrentPrice)
	assert.Zero(t, flat.UnrealizedPnL)
	assert.InDelta(t, 12.5, flat.RealizedPnL, 1e-9)
}

func TestNewTradeRecord(t *testing.T) {
	now := time.Now()
	long := NewTradeRecord("AAPL", now, now, 150, 155, 10, TradeLong, 2)
	assert.InDelta(t, 50.0, long.GrossPnL, 1e-9)
	assert.InDelta(t, 48.0, long.NetPnL, 1e-9)
	assert.InDelta(t, 50.0/1500.0, long.PnLPct, 1e-9)

	short := NewTradeRecord("MSFT", now, now, 300, 295, 5, TradeShort, 1.5)
	assert.InDelta(t, 25.0, short.GrossPnL, 1e-9)
	assert.InDelta(t, 23.5, short.NetPnL, 1e-9)

	zero := NewTradeRecord("X", now, now, 0, 10, 5, TradeLong, 0)
	assert.Zero(t, zero.PnLPct)
}

func TestDailyPnLDerived(t *testing.T) {
	d := DailyPnL{RealizedPnL: 100, UnrealizedPnL: 20, Commission: 5, Trades: 4, WinningTrades: 3, LosingTrades: 1}
	assert.InDelta(t, 115.0, d.NetPnL(), 1e-9)
	assert.InDelta(t, 0.75, d.WinRate(), 1e-9)
	assert.Zero(t, DailyPnL{}.WinRate())
}
