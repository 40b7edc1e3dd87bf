package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

func init() {
	Register("alpaca", func(cfg Config) (ports.Broker, error) {
		return NewAlpaca(cfg)
	})
}

var orderTypeToAlpaca = map[domain.OrderType]alpaca.OrderType{
	domain.OrderMarket:    alpaca.Market,
	domain.OrderLimit:     alpaca.Limit,
	domain.OrderStop:      alpaca.Stop,
	domain.OrderStopLimit: alpaca.StopLimit,
}

var alpacaStatusToDomain = map[string]domain.OrderStatus{
	"new":              domain.StatusSubmitted,
	"accepted":         domain.StatusSubmitted,
	"pending_new":      domain.StatusPending,
	"partially_filled": domain.StatusPartiallyFilled,
	"filled":           domain.StatusFilled,
	"canceled":         domain.StatusCancelled,
	"pending_cancel":   domain.StatusSubmitted,
	"rejected":         domain.StatusRejected,
	"expired":          domain.StatusExpired,
}

// Alpaca wraps the official SDK behind ports.Broker. The SDK speaks
// decimals; conversions to float64 happen here at the boundary.
type Alpaca struct {
	trade *alpaca.Client
	md    *marketdata.Client
	log   *slog.Logger

	mu        sync.Mutex
	accountID string
	connected bool
}

// NewAlpaca builds the Alpaca broker. BaseURL selects paper or live
// trading; the SDK falls back to its environment defaults when empty.
func NewAlpaca(cfg Config) (*Alpaca, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("broker.NewAlpaca: api key is required")
	}
	opts := alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	}
	return &Alpaca{
		trade: alpaca.NewClient(opts),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
		}),
		log: slog.Default().With("component", "alpaca_broker"),
	}, nil
}

// Connect verifies the credentials by fetching the account.
func (a *Alpaca) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return nil
	}
	acct, err := a.trade.GetAccount()
	if err != nil {
		return fmt.Errorf("broker.Alpaca.Connect: %w", err)
	}
	a.mu.Lock()
	a.accountID = acct.ID
	a.connected = true
	a.mu.Unlock()
	a.log.Info("connected", "account", acct.ID, "status", acct.Status)
	return nil
}

func (a *Alpaca) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.log.Info("disconnected")
	return nil
}

func (a *Alpaca) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// PlaceOrder submits a day order and returns the venue's order ID.
func (a *Alpaca) PlaceOrder(ctx context.Context, order *domain.Order) (string, error) {
	if !a.IsConnected() {
		return "", ports.ErrNotConnected
	}
	if err := a.ValidateOrder(order); err != nil {
		return "", fmt.Errorf("broker.Alpaca.PlaceOrder: %w", err)
	}

	qty := decimal.NewFromFloat(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Qty:         &qty,
		Side:        alpaca.Side(order.Side),
		Type:        orderTypeToAlpaca[order.Type],
		TimeInForce: alpaca.Day,
	}
	if order.Type == domain.OrderLimit || order.Type == domain.OrderStopLimit {
		limit := decimal.NewFromFloat(order.Price)
		req.LimitPrice = &limit
	}
	if order.Type == domain.OrderStop || order.Type == domain.OrderStopLimit {
		stop := decimal.NewFromFloat(order.StopPrice)
		req.StopPrice = &stop
	}

	placed, err := a.trade.PlaceOrder(req)
	if err != nil {
		order.Status = domain.StatusRejected
		return "", fmt.Errorf("broker.Alpaca.PlaceOrder: %w", err)
	}

	order.ID = placed.ID
	order.Status = domain.StatusSubmitted
	order.SubmittedAt = time.Now()
	a.log.Info("order placed",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"type", order.Type)
	return order.ID, nil
}

// CancelOrder cancels an open order, reporting false when the venue
// refuses (unknown ID or terminal state).
func (a *Alpaca) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if !a.IsConnected() {
		return false, ports.ErrNotConnected
	}
	if err := a.trade.CancelOrder(orderID); err != nil {
		a.log.Warn("cancel failed", "order_id", orderID, "error", err)
		return false, nil
	}
	a.log.Info("order cancelled", "order_id", orderID)
	return true, nil
}

func (a *Alpaca) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if !a.IsConnected() {
		return nil, ports.ErrNotConnected
	}
	o, err := a.trade.GetOrder(orderID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("broker.Alpaca.GetOrder: %w", err)
	}
	return a.toDomainOrder(o), nil
}

func (a *Alpaca) GetOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	if !a.IsConnected() {
		return nil, ports.ErrNotConnected
	}
	orders, err := a.trade.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, fmt.Errorf("broker.Alpaca.GetOpenOrders: %w", err)
	}
	out := make([]*domain.Order, 0, len(orders))
	for i := range orders {
		out = append(out, a.toDomainOrder(&orders[i]))
	}
	return out, nil
}

func (a *Alpaca) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if !a.IsConnected() {
		return nil, ports.ErrNotConnected
	}
	positions, err := a.trade.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("broker.Alpaca.GetPositions: %w", err)
	}

	var out []domain.Position
	for _, p := range positions {
		qty := p.Qty.InexactFloat64()
		if qty == 0 {
			continue
		}
		out = append(out, domain.Position{
			Symbol:        p.Symbol,
			Quantity:      qty,
			AvgPrice:      p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice:  decimalOrZero(p.CurrentPrice),
			MarketValue:   decimalOrZero(p.MarketValue),
			UnrealizedPnL: decimalOrZero(p.UnrealizedPL),
		})
	}
	return out, nil
}

func (a *Alpaca) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

func (a *Alpaca) GetAccount(ctx context.Context) (domain.Account, error) {
	if !a.IsConnected() {
		return domain.Account{}, ports.ErrNotConnected
	}
	acct, err := a.trade.GetAccount()
	if err != nil {
		return domain.Account{}, fmt.Errorf("broker.Alpaca.GetAccount: %w", err)
	}

	positions, err := a.GetPositions(ctx)
	if err != nil {
		return domain.Account{}, fmt.Errorf("broker.Alpaca.GetAccount: %w", err)
	}
	var positionsValue, unrealized float64
	for _, p := range positions {
		positionsValue += p.MarketValue
		unrealized += p.UnrealizedPnL
	}

	return domain.Account{
		ID:             acct.ID,
		Cash:           acct.Cash.InexactFloat64(),
		Equity:         acct.Equity.InexactFloat64(),
		BuyingPower:    acct.BuyingPower.InexactFloat64(),
		PositionsValue: positionsValue,
		UnrealizedPnL:  unrealized,
		InitialCapital: acct.Cash.InexactFloat64() + positionsValue - unrealized,
	}, nil
}

func (a *Alpaca) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if !a.IsConnected() {
		return domain.Quote{}, ports.ErrNotConnected
	}
	q, err := a.md.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return domain.Quote{}, fmt.Errorf("broker.Alpaca.GetQuote: %w", err)
	}
	quote := domain.Quote{Symbol: symbol, Bid: q.BidPrice, Ask: q.AskPrice}
	if trade, err := a.md.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{}); err == nil && trade != nil {
		quote.Last = trade.Price
	}
	return quote, nil
}

func (a *Alpaca) ValidateOrder(order *domain.Order) error {
	if order.Symbol == "" {
		return fmt.Errorf("broker: order has no symbol")
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("broker: order quantity must be positive, got %v", order.Quantity)
	}
	if (order.Type == domain.OrderLimit || order.Type == domain.OrderStopLimit) && order.Price <= 0 {
		return fmt.Errorf("broker: %s order requires a positive price", order.Type)
	}
	if (order.Type == domain.OrderStop || order.Type == domain.OrderStopLimit) && order.StopPrice <= 0 {
		return fmt.Errorf("broker: %s order requires a positive stop price", order.Type)
	}
	return nil
}

func (a *Alpaca) toDomainOrder(o *alpaca.Order) *domain.Order {
	typ := domain.OrderMarket
	switch o.Type {
	case alpaca.Limit:
		typ = domain.OrderLimit
	case alpaca.Stop:
		typ = domain.OrderStop
	case alpaca.StopLimit:
		typ = domain.OrderStopLimit
	}
	status, ok := alpacaStatusToDomain[string(o.Status)]
	if !ok {
		status = domain.StatusSubmitted
	}

	out := &domain.Order{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Side:      domain.Side(o.Side),
		Type:      typ,
		Status:    status,
		Filled:    o.FilledQty.InexactFloat64(),
		CreatedAt: o.CreatedAt,
	}
	if o.Qty != nil {
		out.Quantity = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		out.Price = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		out.StopPrice = o.StopPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		out.AvgFillPrice = o.FilledAvgPrice.InexactFloat64()
	}
	out.SubmittedAt = o.SubmittedAt
	if o.FilledAt != nil {
		out.FilledAt = *o.FilledAt
	}
	return out
}

func decimalOrZero(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}

func isNotFound(err error) bool {
	if apiErr, ok := err.(*alpaca.APIError); ok {
		return apiErr.StatusCode == 404
	}
	return strings.Contains(err.Error(), "404")
}
