// Package pnl aggregates realized and unrealized P&L, the equity curve,
// and per-trade records for a live session.
package pnl

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/quantx/internal/domain"
)

const dateLayout = "2006-01-02"

// Snapshot is a point-in-time view of the tracker.
type Snapshot struct {
	Timestamp       time.Time
	UnrealizedPnL   float64
	RealizedPnL     float64
	TotalPnL        float64
	DailyPnL        float64
	TotalCommission float64
	OpenPositions   int
	ClosedTrades    int
	WinRate         float64
	MaxDrawdown     float64
	CurrentDrawdown float64
}

// PerformanceSummary adds per-trade aggregates to the snapshot numbers.
type PerformanceSummary struct {
	TotalPnL      float64
	RealizedPnL   float64
	UnrealizedPnL float64
	ReturnPct     float64
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	AvgWin        float64
	AvgLoss       float64
	ProfitFactor  float64
	MaxDrawdown   float64
	Equity        float64
}

// EquityPoint is one sample of the equity curve, appended at each trade
// exit.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}

// Tracker accumulates P&L state. Realized P&L is net of commission.
// Safe under concurrent callers.
type Tracker struct {
	mu sync.Mutex

	initialCapital  float64
	startTime       time.Time
	realizedPnL     float64
	totalCommission float64

	positionPnL map[string]float64
	entryTimes  map[string]time.Time
	trades      []domain.TradeRecord
	daily       map[string]*domain.DailyPnL
	equityCurve []EquityPoint

	peakEquity  float64
	maxDrawdown float64

	now func() time.Time

	log *slog.Logger
}

// NewTracker starts a session with the given initial capital.
func NewTracker(initialCapital float64) *Tracker {
	return &Tracker{
		initialCapital: initialCapital,
		startTime:      time.Now(),
		positionPnL:    make(map[string]float64),
		entryTimes:     make(map[string]time.Time),
		daily:          make(map[string]*domain.DailyPnL),
		peakEquity:     initialCapital,
		now:            time.Now,
		log:            slog.Default().With("component", "pnl"),
	}
}

// UpdatePositionPnL refreshes one position's unrealized P&L and returns
// it. A zero quantity clears the entry.
func (t *Tracker) UpdatePositionPnL(symbol string, qty, avgPrice, currentPrice float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if qty == 0 {
		t.positionPnL[symbol] = 0
		return 0
	}
	pnl := (currentPrice - avgPrice) * qty
	t.positionPnL[symbol] = pnl
	return pnl
}

// UpdateFromPositions refreshes unrealized P&L from a broker position
// list.
func (t *Tracker) UpdateFromPositions(positions []domain.Position) {
	for _, p := range positions {
		t.UpdatePositionPnL(p.Symbol, p.Quantity, p.AvgPrice, p.CurrentPrice)
	}
}

// RecordTrade books a completed round trip: realized P&L, daily
// aggregates, the equity curve, and peak/drawdown all advance.
func (t *Tracker) RecordTrade(symbol string, entryTime, exitTime time.Time, entry, exit, qty float64, side domain.TradeSide, commission float64) domain.TradeRecord {
	trade := domain.NewTradeRecord(symbol, entryTime, exitTime, entry, exit, qty, side, commission)

	t.mu.Lock()
	t.realizedPnL += trade.NetPnL
	t.totalCommission += commission

	day := t.dailyFor(exitTime)
	day.RealizedPnL += trade.NetPnL
	day.Commission += commission
	day.Trades++
	if trade.NetPnL > 0 {
		day.WinningTrades++
	} else if trade.NetPnL < 0 {
		day.LosingTrades++
	}

	t.trades = append(t.trades, trade)

	equity := t.equityLocked()
	t.equityCurve = append(t.equityCurve, EquityPoint{Timestamp: exitTime, Equity: equity})
	if equity > t.peakEquity {
		t.peakEquity = equity
	}
	if t.peakEquity > 0 {
		if dd := (t.peakEquity - equity) / t.peakEquity; dd > t.maxDrawdown {
			t.maxDrawdown = dd
		}
	}
	t.mu.Unlock()

	t.log.Info("trade recorded",
		"symbol", symbol, "side", side, "qty", qty,
		"entry", entry, "exit", exit, "net_pnl", trade.NetPnL)
	return trade
}

// RecordFill accrues the fill's commission. Entry fills remember their
// timestamp so the round trip carries the real holding period. When the
// fill exits an existing position (isEntry false, entryPrice given) it
// books the round trip and returns the trade record.
func (t *Tracker) RecordFill(fill domain.Fill, isEntry bool, entryPrice float64) *domain.TradeRecord {
	if isEntry || entryPrice == 0 {
		t.mu.Lock()
		t.totalCommission += fill.Commission
		if isEntry {
			if _, open := t.entryTimes[fill.Symbol]; !open {
				t.entryTimes[fill.Symbol] = fill.Timestamp
			}
		}
		t.mu.Unlock()
		return nil
	}

	t.mu.Lock()
	entryTime, open := t.entryTimes[fill.Symbol]
	if !open {
		entryTime = fill.Timestamp
	}
	delete(t.entryTimes, fill.Symbol)
	t.mu.Unlock()

	side := domain.TradeShort
	if fill.Side == domain.SideSell {
		side = domain.TradeLong
	}
	trade := t.RecordTrade(fill.Symbol, entryTime, fill.Timestamp, entryPrice, fill.Price, fill.Quantity, side, fill.Commission)
	return &trade
}

// UnrealizedPnL sums the open positions' unrealized P&L.
func (t *Tracker) UnrealizedPnL() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unrealizedLocked()
}

// TotalPnL is realized plus unrealized.
func (t *Tracker) TotalPnL() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.realizedPnL + t.unrealizedLocked()
}

// TotalEquity is initial capital plus total P&L.
func (t *Tracker) TotalEquity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.equityLocked()
}

// CurrentDrawdown is the fractional decline from peak equity, in [0, 1].
func (t *Tracker) CurrentDrawdown() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peakEquity == 0 {
		return 0
	}
	return (t.peakEquity - t.equityLocked()) / t.peakEquity
}

// MaxDrawdown is the deepest drawdown seen this session.
func (t *Tracker) MaxDrawdown() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxDrawdown
}

// DailyPnL returns the aggregate for one calendar day. A zero time means
// today. Today's entry carries the live unrealized figure.
func (t *Tracker) DailyPnL(day time.Time) domain.DailyPnL {
	if day.IsZero() {
		day = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d := *t.dailyFor(day)
	if day.Format(dateLayout) == t.now().Format(dateLayout) {
		d.UnrealizedPnL = t.unrealizedLocked()
	}
	return d
}

// GetSnapshot returns the current aggregate view.
func (t *Tracker) GetSnapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	unrealized := t.unrealizedLocked()
	equity := t.equityLocked()

	winning := 0
	for _, tr := range t.trades {
		if tr.NetPnL > 0 {
			winning++
		}
	}
	winRate := 0.0
	if len(t.trades) > 0 {
		winRate = float64(winning) / float64(len(t.trades))
	}

	open := 0
	for _, pnl := range t.positionPnL {
		if pnl != 0 {
			open++
		}
	}

	current := 0.0
	if t.peakEquity > 0 {
		current = (t.peakEquity - equity) / t.peakEquity
	}

	today := *t.dailyFor(t.now())
	today.UnrealizedPnL = unrealized

	return Snapshot{
		Timestamp:       t.now(),
		UnrealizedPnL:   unrealized,
		RealizedPnL:     t.realizedPnL,
		TotalPnL:        t.realizedPnL + unrealized,
		DailyPnL:        today.NetPnL(),
		TotalCommission: t.totalCommission,
		OpenPositions:   open,
		ClosedTrades:    len(t.trades),
		WinRate:         winRate,
		MaxDrawdown:     t.maxDrawdown,
		CurrentDrawdown: current,
	}
}

// PerformanceSummary aggregates per-trade statistics over the session.
func (t *Tracker) PerformanceSummary() PerformanceSummary {
	snap := t.GetSnapshot()

	t.mu.Lock()
	defer t.mu.Unlock()

	summary := PerformanceSummary{
		TotalPnL:      snap.TotalPnL,
		RealizedPnL:   snap.RealizedPnL,
		UnrealizedPnL: snap.UnrealizedPnL,
		TotalTrades:   len(t.trades),
		WinRate:       snap.WinRate,
		MaxDrawdown:   snap.MaxDrawdown,
		Equity:        t.equityLocked(),
	}
	if t.initialCapital > 0 {
		summary.ReturnPct = snap.TotalPnL / t.initialCapital
	}

	var winSum, lossSum float64
	for _, tr := range t.trades {
		if tr.NetPnL > 0 {
			summary.WinningTrades++
			winSum += tr.NetPnL
		} else if tr.NetPnL < 0 {
			summary.LosingTrades++
			lossSum += tr.NetPnL
		}
	}
	if summary.WinningTrades > 0 {
		summary.AvgWin = winSum / float64(summary.WinningTrades)
	}
	if summary.LosingTrades > 0 {
		summary.AvgLoss = lossSum / float64(summary.LosingTrades)
	}
	if lossSum != 0 {
		summary.ProfitFactor = winSum / -lossSum
	}
	return summary
}

// Trades returns trade records, most recent exit first, up to limit
// (0 means all).
func (t *Tracker) Trades(limit int) []domain.TradeRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := append([]domain.TradeRecord{}, t.trades...)
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.After(out[j].ExitTime) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// EquityCurve returns a copy of the equity samples.
func (t *Tracker) EquityCurve() []EquityPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]EquityPoint{}, t.equityCurve...)
}

// ResetDaily opens a fresh daily bucket. Call at the session boundary.
func (t *Tracker) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.now().Format(dateLayout)
	if _, ok := t.daily[key]; !ok {
		t.daily[key] = &domain.DailyPnL{Date: key}
		t.log.Info("new trading day", "date", key)
	}
}

func (t *Tracker) unrealizedLocked() float64 {
	sum := 0.0
	for _, pnl := range t.positionPnL {
		sum += pnl
	}
	return sum
}

func (t *Tracker) equityLocked() float64 {
	return t.initialCapital + t.realizedPnL + t.unrealizedLocked()
}

func (t *Tracker) dailyFor(ts time.Time) *domain.DailyPnL {
	key := ts.Format(dateLayout)
	d, ok := t.daily[key]
	if !ok {
		d = &domain.DailyPnL{Date: key}
		t.daily[key] = d
	}
	return d
}
