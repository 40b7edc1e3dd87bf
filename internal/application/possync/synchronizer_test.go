package possync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quantx/internal/adapters/broker"
	"github.com/alejandrodnm/quantx/internal/domain"
)

// brokerWithPositions builds a connected paper broker holding the given
// long positions at the given price.
func brokerWithPositions(t *testing.T, price float64, positions map[string]float64) *broker.Paper {
	t.Helper()
	ctx := context.Background()
	p := broker.NewPaper(broker.Config{InitialCapital: 1e9, Commission: 1e-12, Slippage: 1e-12})
	require.NoError(t, p.Connect(ctx))
	prices := map[string]float64{}
	for symbol := range positions {
		prices[symbol] = price
	}
	p.UpdatePrices(prices)
	for symbol, qty := range positions {
		order := domain.NewOrder(symbol, domain.SideBuy, domain.OrderMarket, qty)
		_, err := p.PlaceOrder(ctx, order)
		require.NoError(t, err)
	}
	return p
}

func kinds(report Report) map[string]DiscrepancyKind {
	out := map[string]DiscrepancyKind{}
	for _, d := range report.Discrepancies {
		out[d.Symbol] = d.Kind
	}
	return out
}

func TestSyncReconcilesQuantityAndOrphans(t *testing.T) {
	ctx := context.Background()
	b := brokerWithPositions(t, 100, map[string]float64{"AAPL": 10, "MSFT": 5})
	s := NewSynchronizer(b, true, 0)

	local := map[string]float64{"AAPL": 10, "MSFT": 3, "TSLA": 7}
	report, err := s.SyncPositions(ctx, local, nil)
	require.NoError(t, err)

	k := kinds(report)
	assert.Equal(t, MissingBroker, k["TSLA"])
	assert.Equal(t, QuantityMismatch, k["MSFT"])
	_, aaplFlagged := k["AAPL"]
	assert.False(t, aaplFlagged)

	assert.InDelta(t, 10, local["AAPL"], 1e-9)
	assert.InDelta(t, 5, local["MSFT"], 1e-9)
	assert.InDelta(t, 0, local["TSLA"], 1e-9)

	for _, d := range report.Discrepancies {
		assert.True(t, d.Resolved, "discrepancy %s should be auto-resolved", d.Symbol)
	}

	// A second pass over the reconciled view is clean.
	report, err = s.SyncPositions(ctx, local, nil)
	require.NoError(t, err)
	assert.True(t, report.Synced)
}

func TestSyncDetectsMissingLocal(t *testing.T) {
	ctx := context.Background()
	b := brokerWithPositions(t, 50, map[string]float64{"NVDA": 4})
	s := NewSynchronizer(b, true, 0)

	local := map[string]float64{}
	report, err := s.SyncPositions(ctx, local, nil)
	require.NoError(t, err)

	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, MissingLocal, report.Discrepancies[0].Kind)
	assert.InDelta(t, 4, local["NVDA"], 1e-9)
}

func TestPriceMismatchIsNeverAutoResolved(t *testing.T) {
	ctx := context.Background()
	b := brokerWithPositions(t, 100, map[string]float64{"AAPL": 10})
	s := NewSynchronizer(b, true, 0.01)

	local := map[string]float64{"AAPL": 10}
	report, err := s.SyncPositions(ctx, local, map[string]float64{"AAPL": 90})
	require.NoError(t, err)

	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	assert.Equal(t, PriceMismatch, d.Kind)
	assert.False(t, d.Resolved)
	assert.Equal(t, 1, report.Unresolved())

	// Within tolerance there is nothing to report.
	report, err = s.SyncPositions(ctx, local, map[string]float64{"AAPL": 99.95})
	require.NoError(t, err)
	assert.True(t, report.Synced)
}

func TestNoAutoReconcileLeavesLocalUntouched(t *testing.T) {
	ctx := context.Background()
	b := brokerWithPositions(t, 100, map[string]float64{"MSFT": 5})
	s := NewSynchronizer(b, false, 0)

	local := map[string]float64{"MSFT": 3}
	report, err := s.SyncPositions(ctx, local, nil)
	require.NoError(t, err)

	assert.False(t, report.Synced)
	assert.InDelta(t, 3, local["MSFT"], 1e-9)
}

func TestForceSyncFromBroker(t *testing.T) {
	ctx := context.Background()
	b := brokerWithPositions(t, 100, map[string]float64{"AAPL": 10, "MSFT": 5})
	s := NewSynchronizer(b, false, 0)

	local := map[string]float64{"TSLA": 7, "AAPL": 1}
	require.NoError(t, s.ForceSyncFromBroker(ctx, local))

	assert.InDelta(t, 10, local["AAPL"], 1e-9)
	assert.InDelta(t, 5, local["MSFT"], 1e-9)
	_, hasTSLA := local["TSLA"]
	assert.False(t, hasTSLA)
}

func TestStatisticsAndHistory(t *testing.T) {
	ctx := context.Background()
	b := brokerWithPositions(t, 100, map[string]float64{"AAPL": 10})
	s := NewSynchronizer(b, true, 0)

	local := map[string]float64{"AAPL": 10}
	_, err := s.SyncPositions(ctx, local, nil)
	require.NoError(t, err)
	_, err = s.SyncPositions(ctx, local, nil)
	require.NoError(t, err)

	st := s.Statistics()
	assert.Equal(t, 2, st.SyncCount)
	assert.Zero(t, st.TotalDiscrepancies)
	assert.True(t, st.LastSyncOK)

	assert.Len(t, s.RecentReports(1), 1)
	assert.Len(t, s.RecentReports(10), 2)
}
