package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quantx/internal/domain"
)

func newTestPaper(t *testing.T) *Paper {
	t.Helper()
	p := NewPaper(Config{InitialCapital: 100000, Commission: 0.001, Slippage: 0.0005})
	require.NoError(t, p.Connect(context.Background()))
	return p
}

func TestMarketBuyFillsCleanly(t *testing.T) {
	ctx := context.Background()
	p := newTestPaper(t)
	p.UpdatePrices(map[string]float64{"AAPL": 150.00})

	var fills []domain.Fill
	p.OnFill(func(f domain.Fill) { fills = append(fills, f) })

	order := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderMarket, 100)
	id, err := p.PlaceOrder(ctx, order)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, fills, 1)
	assert.InDelta(t, 150.075, fills[0].Price, 1e-6)
	assert.InDelta(t, 15.0075, fills[0].Commission, 1e-6)

	pos, err := p.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 100, pos.Quantity, 1e-9)
	assert.InDelta(t, 150.075, pos.AvgPrice, 1e-6)

	account, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 100000-15022.5075, account.Cash, 1e-4)
	assert.InDelta(t, 15007.5, account.PositionsValue, 1e-4)
	assert.InDelta(t, 99985.0, account.Equity, 0.01)
}

func TestMarketImpactIncreasesWithQuantity(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(Config{InitialCapital: 1e9, Commission: 0.001, Slippage: 0.0005, MarketImpact: 0.0001})
	require.NoError(t, p.Connect(ctx))
	p.UpdatePrices(map[string]float64{"AAPL": 150.00})

	small := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderMarket, 10)
	_, err := p.PlaceOrder(ctx, small)
	require.NoError(t, err)

	large := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderMarket, 1000)
	_, err = p.PlaceOrder(ctx, large)
	require.NoError(t, err)

	fills := p.Fills()
	require.Len(t, fills, 2)
	assert.Greater(t, fills[1].Price, fills[0].Price)
}

func TestBuyRejectedOnInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(Config{InitialCapital: 1000})
	require.NoError(t, p.Connect(ctx))
	p.UpdatePrices(map[string]float64{"AAPL": 150.00})

	order := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderMarket, 100)
	_, err := p.PlaceOrder(ctx, order)
	assert.ErrorContains(t, err, "insufficient funds")

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPlaceOrderRequiresConnection(t *testing.T) {
	p := NewPaper(Config{})
	order := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderMarket, 1)
	_, err := p.PlaceOrder(context.Background(), order)
	assert.Error(t, err)
}

func TestPlaceOrderRequiresPrice(t *testing.T) {
	p := newTestPaper(t)
	order := domain.NewOrder("TSLA", domain.SideBuy, domain.OrderMarket, 1)
	_, err := p.PlaceOrder(context.Background(), order)
	assert.ErrorContains(t, err, "no price")
}

func TestLimitOrderRestsAndTriggers(t *testing.T) {
	ctx := context.Background()
	p := newTestPaper(t)
	p.UpdatePrices(map[string]float64{"AAPL": 150.00})

	order := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderLimit, 10)
	order.Price = 148.00
	id, err := p.PlaceOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, order.Status)

	open, err := p.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	// Above the limit, nothing happens.
	p.UpdatePrices(map[string]float64{"AAPL": 149.00})
	assert.Empty(t, p.Fills())

	var fills []domain.Fill
	p.OnFill(func(f domain.Fill) { fills = append(fills, f) })
	p.UpdatePrices(map[string]float64{"AAPL": 147.50})

	require.Len(t, fills, 1)
	assert.Equal(t, id, fills[0].OrderID)

	pos, err := p.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 10, pos.Quantity, 1e-9)
}

func TestStopOrderTriggers(t *testing.T) {
	ctx := context.Background()
	p := newTestPaper(t)
	p.UpdatePrices(map[string]float64{"AAPL": 150.00})

	order := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderStop, 5)
	order.StopPrice = 152.00
	_, err := p.PlaceOrder(ctx, order)
	require.NoError(t, err)

	p.UpdatePrices(map[string]float64{"AAPL": 151.00})
	assert.Empty(t, p.Fills())

	p.UpdatePrices(map[string]float64{"AAPL": 152.50})
	assert.Len(t, p.Fills(), 1)
}

func TestSellRealizesPnL(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(Config{InitialCapital: 100000, Commission: 0.001, Slippage: 1e-12})
	require.NoError(t, p.Connect(ctx))
	p.UpdatePrices(map[string]float64{"AAPL": 150.00})

	buy := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderMarket, 10)
	_, err := p.PlaceOrder(ctx, buy)
	require.NoError(t, err)

	p.UpdatePrices(map[string]float64{"AAPL": 155.00})
	sell := domain.NewOrder("AAPL", domain.SideSell, domain.OrderMarket, 10)
	_, err = p.PlaceOrder(ctx, sell)
	require.NoError(t, err)

	// Selling the whole position removes it.
	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)

	account, err := p.GetAccount(ctx)
	require.NoError(t, err)
	// Round trip gains roughly 10 * 5 minus two commissions.
	assert.InDelta(t, 100000+50-1.5-1.55, account.Equity, 0.1)
}

func TestCancelRestingOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestPaper(t)
	p.UpdatePrices(map[string]float64{"AAPL": 150.00})

	order := domain.NewOrder("AAPL", domain.SideBuy, domain.OrderLimit, 10)
	order.Price = 140
	id, err := p.PlaceOrder(ctx, order)
	require.NoError(t, err)

	ok, err := p.CancelOrder(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, order.Status)

	ok, err = p.CancelOrder(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	// Triggering price must not fill a cancelled order.
	p.UpdatePrices(map[string]float64{"AAPL": 139.00})
	assert.Empty(t, p.Fills())
}

func TestQuote(t *testing.T) {
	p := newTestPaper(t)
	p.UpdatePrices(map[string]float64{"AAPL": 100.00})

	q, err := p.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.InDelta(t, 100.0, q.Last, 1e-9)
	assert.Less(t, q.Bid, q.Ask)

	empty, err := p.GetQuote(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Zero(t, empty.Last)
}

func TestRegistryConstructsPaper(t *testing.T) {
	b, err := New("paper", Config{InitialCapital: 5000})
	require.NoError(t, err)
	require.NotNil(t, b)

	_, err = New("bogus", Config{})
	assert.Error(t, err)
	assert.Contains(t, Names(), "paper")
}
