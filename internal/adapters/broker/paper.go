package broker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

const (
	defaultInitialCapital = 100000
	defaultCommission     = 0.001
	defaultSlippage       = 0.0005

	quoteSpreadRate = 0.0001
)

func init() {
	Register("paper", func(cfg Config) (ports.Broker, error) {
		return NewPaper(cfg), nil
	})
}

// Paper simulates a venue: market orders fill immediately at a price
// adjusted for slippage and market impact, limit and stop orders rest
// until a price update triggers them. Buys that exceed available cash
// are rejected.
type Paper struct {
	commissionRate float64
	slippageRate   float64
	impactRate     float64
	initialCapital float64

	mu        sync.Mutex
	connected bool
	cash      float64
	prices    map[string]float64
	positions map[string]*domain.Position
	orders    map[string]*domain.Order
	resting   map[string]*domain.Order
	fills     []domain.Fill

	onFill []func(domain.Fill)

	log *slog.Logger
}

// NewPaper builds a paper broker. Zero config fields fall back to the
// stock simulation parameters.
func NewPaper(cfg Config) *Paper {
	p := &Paper{
		commissionRate: cfg.Commission,
		slippageRate:   cfg.Slippage,
		impactRate:     cfg.MarketImpact,
		initialCapital: cfg.InitialCapital,
		prices:         make(map[string]float64),
		positions:      make(map[string]*domain.Position),
		orders:         make(map[string]*domain.Order),
		resting:        make(map[string]*domain.Order),
		log:            slog.Default().With("component", "paper_broker"),
	}
	if p.initialCapital == 0 {
		p.initialCapital = defaultInitialCapital
	}
	if p.commissionRate == 0 {
		p.commissionRate = defaultCommission
	}
	if p.slippageRate == 0 {
		p.slippageRate = defaultSlippage
	}
	p.cash = p.initialCapital
	return p
}

// OnFill registers a callback invoked synchronously for every simulated
// fill.
func (p *Paper) OnFill(fn func(domain.Fill)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFill = append(p.onFill, fn)
}

func (p *Paper) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *Paper) Disconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

func (p *Paper) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// PlaceOrder executes market orders immediately; limit and stop orders
// rest until triggered by UpdatePrices.
func (p *Paper) PlaceOrder(ctx context.Context, order *domain.Order) (string, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return "", ports.ErrNotConnected
	}
	if err := p.ValidateOrder(order); err != nil {
		p.mu.Unlock()
		return "", fmt.Errorf("broker.Paper: %w", err)
	}
	if order.ID == "" {
		order.ID = "paper_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	p.orders[order.ID] = order

	if order.Type != domain.OrderMarket {
		order.Status = domain.StatusPending
		p.resting[order.ID] = order
		p.mu.Unlock()
		p.log.Info("order resting", "order_id", order.ID, "type", order.Type)
		return order.ID, nil
	}

	fill, err := p.executeLocked(order)
	p.mu.Unlock()
	if err != nil {
		return "", err
	}
	p.emitFill(fill)
	return order.ID, nil
}

// executeLocked fills the order at the simulated price. Caller holds the
// lock; the returned fill must be emitted after unlocking.
func (p *Paper) executeLocked(order *domain.Order) (domain.Fill, error) {
	price, ok := p.prices[order.Symbol]
	if !ok {
		return domain.Fill{}, fmt.Errorf("broker.Paper: no price for %s", order.Symbol)
	}

	fillPrice := p.fillPrice(price, order.Side, order.Quantity)
	commission := order.Quantity * fillPrice * p.commissionRate

	if order.Side == domain.SideBuy {
		cost := order.Quantity*fillPrice + commission
		if cost > p.cash {
			return domain.Fill{}, fmt.Errorf("broker.Paper: insufficient funds: need %.2f, have %.2f", cost, p.cash)
		}
	}

	fill := domain.Fill{
		ID:         "fill_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      fillPrice,
		Commission: commission,
		Timestamp:  time.Now(),
	}
	p.fills = append(p.fills, fill)
	p.applyFillLocked(fill)
	delete(p.resting, order.ID)
	return fill, nil
}

// fillPrice adds slippage proportional to price and impact logarithmic
// in quantity, adverse to the order's side.
func (p *Paper) fillPrice(price float64, side domain.Side, qty float64) float64 {
	slippage := price * p.slippageRate
	impact := price * p.impactRate * math.Log(1+qty/100)
	if side == domain.SideBuy {
		return price + slippage + impact
	}
	return price - slippage - impact
}

func (p *Paper) applyFillLocked(fill domain.Fill) {
	pos, exists := p.positions[fill.Symbol]

	if fill.Side == domain.SideBuy {
		p.cash -= fill.Quantity*fill.Price + fill.Commission
		if !exists {
			p.positions[fill.Symbol] = &domain.Position{
				Symbol:       fill.Symbol,
				Quantity:     fill.Quantity,
				AvgPrice:     fill.Price,
				CurrentPrice: fill.Price,
				MarketValue:  fill.Quantity * fill.Price,
			}
			return
		}
		total := pos.Quantity + fill.Quantity
		pos.AvgPrice = (pos.AvgPrice*pos.Quantity + fill.Price*fill.Quantity) / total
		pos.Quantity = total
	} else {
		p.cash += fill.Quantity*fill.Price - fill.Commission
		if !exists {
			p.log.Warn("sell fill without position", "symbol", fill.Symbol)
			return
		}
		pos.Quantity -= fill.Quantity
		pos.RealizedPnL += (fill.Price-pos.AvgPrice)*fill.Quantity - fill.Commission
		if pos.Quantity <= 0 {
			delete(p.positions, fill.Symbol)
			return
		}
	}

	mark, ok := p.prices[fill.Symbol]
	if !ok {
		mark = fill.Price
	}
	pos = p.positions[fill.Symbol]
	pos.Mark(mark)
}

func (p *Paper) emitFill(fill domain.Fill) {
	p.mu.Lock()
	callbacks := append([]func(domain.Fill){}, p.onFill...)
	p.mu.Unlock()
	for _, cb := range callbacks {
		cb(fill)
	}
}

// UpdatePrices moves marks and triggers resting limit and stop orders.
func (p *Paper) UpdatePrices(prices map[string]float64) {
	p.mu.Lock()
	for symbol, price := range prices {
		p.prices[symbol] = price
		if pos, ok := p.positions[symbol]; ok {
			pos.Mark(price)
		}
	}

	var fills []domain.Fill
	for id, order := range p.resting {
		price, ok := prices[order.Symbol]
		if !ok || !triggered(order, price) {
			continue
		}
		fill, err := p.executeLocked(order)
		if err != nil {
			p.log.Warn("resting order trigger failed", "order_id", id, "err", err)
			continue
		}
		fills = append(fills, fill)
	}
	p.mu.Unlock()

	for _, f := range fills {
		p.emitFill(f)
	}
}

// triggered reports whether a resting order should execute at the new
// price.
func triggered(order *domain.Order, price float64) bool {
	switch order.Type {
	case domain.OrderLimit:
		if order.Side == domain.SideBuy {
			return price <= order.Price
		}
		return price >= order.Price
	case domain.OrderStop, domain.OrderStopLimit:
		if order.Side == domain.SideBuy {
			return price >= order.StopPrice
		}
		return price <= order.StopPrice
	}
	return false
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok || !order.Status.IsOpen() {
		return false, nil
	}
	order.Status = domain.StatusCancelled
	delete(p.resting, orderID)
	return true, nil
}

func (p *Paper) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, nil
	}
	return order, nil
}

func (p *Paper) GetOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*domain.Order
	for _, o := range p.orders {
		if o.Status.IsOpen() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *Paper) GetAccount(ctx context.Context) (domain.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var positionsValue, unrealized, realized float64
	for _, pos := range p.positions {
		positionsValue += pos.MarketValue
		unrealized += pos.UnrealizedPnL
		realized += pos.RealizedPnL
	}
	return domain.Account{
		ID:             "paper",
		Cash:           p.cash,
		Equity:         p.cash + positionsValue,
		BuyingPower:    p.cash,
		PositionsValue: positionsValue,
		UnrealizedPnL:  unrealized,
		RealizedPnL:    realized,
		InitialCapital: p.initialCapital,
	}, nil
}

func (p *Paper) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return domain.Quote{Symbol: symbol}, nil
	}
	spread := price * quoteSpreadRate
	return domain.Quote{
		Symbol: symbol,
		Bid:    price - spread/2,
		Ask:    price + spread/2,
		Last:   price,
	}, nil
}

func (p *Paper) ValidateOrder(order *domain.Order) error {
	if order.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if order.Quantity <= 0 {
		return fmt.Errorf("non-positive quantity %v", order.Quantity)
	}
	if order.Type == domain.OrderLimit && order.Price <= 0 {
		return fmt.Errorf("limit order without limit price")
	}
	if (order.Type == domain.OrderStop || order.Type == domain.OrderStopLimit) && order.StopPrice <= 0 {
		return fmt.Errorf("stop order without stop price")
	}
	return nil
}

// Fills returns every simulated fill so far.
func (p *Paper) Fills() []domain.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Fill{}, p.fills...)
}

// Reset restores initial cash and drops positions, orders, and fills.
func (p *Paper) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = p.initialCapital
	p.positions = make(map[string]*domain.Position)
	p.orders = make(map[string]*domain.Order)
	p.resting = make(map[string]*domain.Order)
	p.fills = nil
}
