package pnl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alejandrodnm/quantx/internal/domain"
)

func TestRoundTripPnL(t *testing.T) {
	tr := NewTracker(100000)
	now := time.Now()

	first := tr.RecordTrade("AAPL", now.Add(-time.Hour), now, 150, 155, 10, domain.TradeLong, 2)
	assert.InDelta(t, 48.0, first.NetPnL, 1e-9)

	second := tr.RecordTrade("MSFT", now.Add(-time.Hour), now, 300, 295, 5, domain.TradeLong, 1.5)
	assert.InDelta(t, -26.5, second.NetPnL, 1e-9)

	snap := tr.GetSnapshot()
	assert.InDelta(t, 21.5, snap.RealizedPnL, 1e-9)
	assert.Equal(t, 2, snap.ClosedTrades)
	assert.InDelta(t, 0.5, snap.WinRate, 1e-9)
	assert.InDelta(t, 100021.5, tr.TotalEquity(), 1e-9)

	summary := tr.PerformanceSummary()
	assert.Equal(t, 1, summary.WinningTrades)
	assert.Equal(t, 1, summary.LosingTrades)
	assert.InDelta(t, 48.0, summary.AvgWin, 1e-9)
	assert.InDelta(t, -26.5, summary.AvgLoss, 1e-9)
	assert.InDelta(t, 48.0/26.5, summary.ProfitFactor, 1e-9)
}

func TestUnrealizedAndTotals(t *testing.T) {
	tr := NewTracker(50000)

	got := tr.UpdatePositionPnL("AAPL", 100, 150, 152)
	assert.InDelta(t, 200.0, got, 1e-9)
	tr.UpdatePositionPnL("TSLA", -10, 200, 195)

	assert.InDelta(t, 250.0, tr.UnrealizedPnL(), 1e-9)
	assert.InDelta(t, 250.0, tr.TotalPnL(), 1e-9)
	assert.InDelta(t, 50250.0, tr.TotalEquity(), 1e-9)

	// Flat position clears its contribution.
	tr.UpdatePositionPnL("AAPL", 0, 0, 0)
	assert.InDelta(t, 50.0, tr.UnrealizedPnL(), 1e-9)
}

func TestUpdateFromPositions(t *testing.T) {
	tr := NewTracker(0)
	tr.UpdateFromPositions([]domain.Position{
		{Symbol: "AAPL", Quantity: 10, AvgPrice: 100, CurrentPrice: 110},
		{Symbol: "MSFT", Quantity: 5, AvgPrice: 300, CurrentPrice: 290},
	})
	assert.InDelta(t, 100-50, tr.UnrealizedPnL(), 1e-9)
}

func TestDrawdownTracking(t *testing.T) {
	tr := NewTracker(100000)
	now := time.Now()

	tr.RecordTrade("AAPL", now, now, 100, 110, 100, domain.TradeLong, 0) // +1000
	assert.Zero(t, tr.CurrentDrawdown())

	tr.RecordTrade("AAPL", now, now.Add(time.Minute), 100, 90, 50, domain.TradeLong, 0) // -500
	dd := tr.CurrentDrawdown()
	assert.InDelta(t, 500.0/101000.0, dd, 1e-9)
	assert.InDelta(t, dd, tr.MaxDrawdown(), 1e-9)
	assert.GreaterOrEqual(t, dd, 0.0)
	assert.LessOrEqual(t, dd, 1.0)

	// Recovery reduces current drawdown but not the max.
	tr.RecordTrade("AAPL", now, now.Add(2*time.Minute), 100, 120, 100, domain.TradeLong, 0) // +2000
	assert.Zero(t, tr.CurrentDrawdown())
	assert.InDelta(t, 500.0/101000.0, tr.MaxDrawdown(), 1e-9)
}

func TestEquityCurveGrowsPerTrade(t *testing.T) {
	tr := NewTracker(1000)
	now := time.Now()

	tr.RecordTrade("A", now, now.Add(time.Second), 10, 11, 1, domain.TradeLong, 0)
	tr.RecordTrade("A", now, now.Add(2*time.Second), 10, 12, 1, domain.TradeLong, 0)

	curve := tr.EquityCurve()
	assert.Len(t, curve, 2)
	assert.InDelta(t, 1001.0, curve[0].Equity, 1e-9)
	assert.InDelta(t, 1003.0, curve[1].Equity, 1e-9)
	assert.True(t, curve[1].Timestamp.After(curve[0].Timestamp))
}

func TestDailyPnLAggregation(t *testing.T) {
	tr := NewTracker(1000)
	now := time.Now()

	tr.RecordTrade("A", now, now, 10, 12, 5, domain.TradeLong, 1) // net +9
	tr.RecordTrade("B", now, now, 10, 9, 5, domain.TradeLong, 1)  // net -6

	day := tr.DailyPnL(time.Time{})
	assert.InDelta(t, 3.0, day.RealizedPnL, 1e-9)
	assert.Equal(t, 2, day.Trades)
	assert.Equal(t, 1, day.WinningTrades)
	assert.Equal(t, 1, day.LosingTrades)
	assert.InDelta(t, 0.5, day.WinRate(), 1e-9)
}

func TestRecordFill(t *testing.T) {
	tr := NewTracker(1000)
	now := time.Now()

	entry := tr.RecordFill(domain.Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10, Price: 100, Commission: 1, Timestamp: now}, true, 0)
	assert.Nil(t, entry)

	exit := tr.RecordFill(domain.Fill{Symbol: "AAPL", Side: domain.SideSell, Quantity: 10, Price: 105, Commission: 1, Timestamp: now.Add(time.Minute)}, false, 100)
	if assert.NotNil(t, exit) {
		assert.Equal(t, domain.TradeLong, exit.Side)
		assert.InDelta(t, 49.0, exit.NetPnL, 1e-9)
		// The round trip carries the opening fill's timestamp, not the
		// exit's.
		assert.True(t, exit.EntryTime.Equal(now))
		assert.Equal(t, time.Minute, exit.ExitTime.Sub(exit.EntryTime))
	}

	// A second round trip in the same symbol starts a fresh holding
	// period.
	later := now.Add(time.Hour)
	tr.RecordFill(domain.Fill{Symbol: "AAPL", Side: domain.SideBuy, Quantity: 5, Price: 110, Timestamp: later}, true, 0)
	again := tr.RecordFill(domain.Fill{Symbol: "AAPL", Side: domain.SideSell, Quantity: 5, Price: 111, Timestamp: later.Add(time.Second)}, false, 110)
	if assert.NotNil(t, again) {
		assert.True(t, again.EntryTime.Equal(later))
	}
}

func TestTradesMostRecentFirst(t *testing.T) {
	tr := NewTracker(0)
	now := time.Now()
	tr.RecordTrade("OLD", now, now.Add(time.Second), 1, 2, 1, domain.TradeLong, 0)
	tr.RecordTrade("NEW", now, now.Add(time.Minute), 1, 2, 1, domain.TradeLong, 0)

	trades := tr.Trades(0)
	assert.Equal(t, "NEW", trades[0].Symbol)

	assert.Len(t, tr.Trades(1), 1)
}
