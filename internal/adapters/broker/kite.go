package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

const (
	defaultKiteBaseURL = "https://api.kite.trade"

	// Venue allows 10 requests per second; every call waits for this
	// spacing before hitting the wire.
	defaultMinRequestInterval = 100 * time.Millisecond

	defaultExchange = "NSE"
)

func init() {
	Register("kite", func(cfg Config) (ports.Broker, error) {
		return NewKite(cfg)
	})
}

// orderTypeToKite maps domain order types to the venue's vocabulary.
var orderTypeToKite = map[domain.OrderType]string{
	domain.OrderMarket:    "MARKET",
	domain.OrderLimit:     "LIMIT",
	domain.OrderStop:      "SL-M",
	domain.OrderStopLimit: "SL",
}

var sideToKite = map[domain.Side]string{
	domain.SideBuy:  "BUY",
	domain.SideSell: "SELL",
}

var kiteStatusToDomain = map[string]domain.OrderStatus{
	"PENDING":         domain.StatusPending,
	"OPEN":            domain.StatusSubmitted,
	"TRIGGER PENDING": domain.StatusSubmitted,
	"COMPLETE":        domain.StatusFilled,
	"CANCELLED":       domain.StatusCancelled,
	"REJECTED":        domain.StatusRejected,
	"MODIFIED":        domain.StatusSubmitted,
}

// kiteEnvelope is the venue's uniform response wrapper.
type kiteEnvelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type kiteOrder struct {
	OrderID         string  `json:"order_id"`
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	OrderType       string  `json:"order_type"`
	Status          string  `json:"status"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
	TriggerPrice    float64 `json:"trigger_price"`
	FilledQuantity  float64 `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
}

type kitePosition struct {
	Exchange      string  `json:"exchange"`
	TradingSymbol string  `json:"tradingsymbol"`
	Quantity      float64 `json:"quantity"`
	AveragePrice  float64 `json:"average_price"`
	LastPrice     float64 `json:"last_price"`
	Realised      float64 `json:"realised"`
}

type kiteMargins struct {
	Equity struct {
		Net       float64 `json:"net"`
		Available struct {
			Cash        float64 `json:"cash"`
			LiveBalance float64 `json:"live_balance"`
		} `json:"available"`
		Utilised struct {
			Debits float64 `json:"debits"`
		} `json:"utilised"`
	} `json:"equity"`
}

type kiteQuote struct {
	LastPrice float64 `json:"last_price"`
	Depth     struct {
		Buy  []struct{ Price float64 } `json:"buy"`
		Sell []struct{ Price float64 } `json:"sell"`
	} `json:"depth"`
}

// Kite is the Zerodha Kite Connect REST broker. Every request is gated
// by a limiter enforcing minimum inter-request spacing, the venue's
// documented throttle.
type Kite struct {
	http    *resty.Client
	limiter *rate.Limiter
	log     *slog.Logger

	mu        sync.Mutex
	userID    string
	connected bool
}

// NewKite builds the venue broker from its transport configuration.
func NewKite(cfg Config) (*Kite, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("broker.NewKite: api key is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultKiteBaseURL
	}
	interval := cfg.MinRequestInterval
	if interval <= 0 {
		interval = defaultMinRequestInterval
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-Kite-Version", "3").
		SetHeader("Authorization", "token "+cfg.APIKey+":"+cfg.AccessToken)

	return &Kite{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     slog.Default().With("component", "kite_broker"),
	}, nil
}

// Connect verifies the access token by fetching the user profile.
func (k *Kite) Connect(ctx context.Context) error {
	if k.IsConnected() {
		return nil
	}
	var out kiteEnvelope[struct {
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}]
	if err := k.get(ctx, "/user/profile", nil, &out); err != nil {
		return fmt.Errorf("broker.Kite.Connect: %w", err)
	}
	k.mu.Lock()
	k.userID = out.Data.UserID
	k.connected = true
	k.mu.Unlock()
	k.log.Info("connected", "user", out.Data.UserName, "user_id", out.Data.UserID)
	return nil
}

// Disconnect drops the session locally; the venue has no logout call
// worth making for API sessions.
func (k *Kite) Disconnect(ctx context.Context) error {
	k.mu.Lock()
	k.connected = false
	k.mu.Unlock()
	k.log.Info("disconnected")
	return nil
}

func (k *Kite) IsConnected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connected
}

// PlaceOrder submits a regular-variety order and returns the venue's
// order ID.
func (k *Kite) PlaceOrder(ctx context.Context, order *domain.Order) (string, error) {
	if !k.IsConnected() {
		return "", ports.ErrNotConnected
	}
	if err := k.ValidateOrder(order); err != nil {
		return "", fmt.Errorf("broker.Kite.PlaceOrder: %w", err)
	}

	exchange, symbol := splitSymbol(order.Symbol)
	form := map[string]string{
		"exchange":         exchange,
		"tradingsymbol":    symbol,
		"transaction_type": sideToKite[order.Side],
		"quantity":         strconv.Itoa(int(order.Quantity)),
		"order_type":       orderTypeToKite[order.Type],
		"product":          "MIS",
		"validity":         "DAY",
	}
	if order.Type == domain.OrderLimit || order.Type == domain.OrderStopLimit {
		form["price"] = strconv.FormatFloat(order.Price, 'f', 2, 64)
	}
	if order.Type == domain.OrderStop || order.Type == domain.OrderStopLimit {
		form["trigger_price"] = strconv.FormatFloat(order.StopPrice, 'f', 2, 64)
	}

	var out kiteEnvelope[struct {
		OrderID string `json:"order_id"`
	}]
	if err := k.postForm(ctx, "/orders/regular", form, &out); err != nil {
		order.Status = domain.StatusRejected
		return "", fmt.Errorf("broker.Kite.PlaceOrder: %w", err)
	}

	order.ID = out.Data.OrderID
	order.Status = domain.StatusSubmitted
	order.SubmittedAt = time.Now()
	k.log.Info("order placed",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"type", order.Type)
	return order.ID, nil
}

// CancelOrder cancels a regular-variety order. Unknown or already
// terminal orders report false.
func (k *Kite) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if !k.IsConnected() {
		return false, ports.ErrNotConnected
	}
	var out kiteEnvelope[struct {
		OrderID string `json:"order_id"`
	}]
	if err := k.delete(ctx, "/orders/regular/"+orderID, &out); err != nil {
		k.log.Warn("cancel failed", "order_id", orderID, "error", err)
		return false, nil
	}
	k.log.Info("order cancelled", "order_id", orderID)
	return true, nil
}

// GetOrder looks an order up in the day's order book.
func (k *Kite) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	orders, err := k.fetchOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker.Kite.GetOrder: %w", err)
	}
	for _, ko := range orders {
		if ko.OrderID == orderID {
			return k.toDomainOrder(ko), nil
		}
	}
	return nil, nil
}

// GetOpenOrders returns the day's orders still working at the venue.
func (k *Kite) GetOpenOrders(ctx context.Context) ([]*domain.Order, error) {
	orders, err := k.fetchOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("broker.Kite.GetOpenOrders: %w", err)
	}
	var open []*domain.Order
	for _, ko := range orders {
		switch ko.Status {
		case "PENDING", "OPEN", "TRIGGER PENDING":
			open = append(open, k.toDomainOrder(ko))
		}
	}
	return open, nil
}

// GetPositions returns the day's non-zero positions.
func (k *Kite) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if !k.IsConnected() {
		return nil, ports.ErrNotConnected
	}
	var out kiteEnvelope[struct {
		Day []kitePosition `json:"day"`
	}]
	if err := k.get(ctx, "/portfolio/positions", nil, &out); err != nil {
		return nil, fmt.Errorf("broker.Kite.GetPositions: %w", err)
	}

	var positions []domain.Position
	for _, kp := range out.Data.Day {
		if kp.Quantity == 0 {
			continue
		}
		positions = append(positions, domain.Position{
			Symbol:        kp.Exchange + ":" + kp.TradingSymbol,
			Quantity:      kp.Quantity,
			AvgPrice:      kp.AveragePrice,
			CurrentPrice:  kp.LastPrice,
			MarketValue:   kp.Quantity * kp.LastPrice,
			UnrealizedPnL: (kp.LastPrice - kp.AveragePrice) * kp.Quantity,
			RealizedPnL:   kp.Realised,
		})
	}
	return positions, nil
}

// GetPosition returns the position for one symbol, nil when flat.
func (k *Kite) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	positions, err := k.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol || strings.HasSuffix(positions[i].Symbol, ":"+symbol) {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// GetAccount assembles the account snapshot from margins and positions.
func (k *Kite) GetAccount(ctx context.Context) (domain.Account, error) {
	if !k.IsConnected() {
		return domain.Account{}, ports.ErrNotConnected
	}
	var out kiteEnvelope[kiteMargins]
	if err := k.get(ctx, "/user/margins", nil, &out); err != nil {
		return domain.Account{}, fmt.Errorf("broker.Kite.GetAccount: %w", err)
	}

	positions, err := k.GetPositions(ctx)
	if err != nil {
		return domain.Account{}, fmt.Errorf("broker.Kite.GetAccount: %w", err)
	}
	var positionsValue, unrealized float64
	for _, p := range positions {
		positionsValue += p.MarketValue
		unrealized += p.UnrealizedPnL
	}

	k.mu.Lock()
	userID := k.userID
	k.mu.Unlock()

	cash := out.Data.Equity.Available.LiveBalance
	totalCash := cash + out.Data.Equity.Utilised.Debits
	return domain.Account{
		ID:             userID,
		Cash:           cash,
		Equity:         totalCash + positionsValue,
		BuyingPower:    out.Data.Equity.Available.Cash,
		PositionsValue: positionsValue,
		UnrealizedPnL:  unrealized,
		InitialCapital: totalCash,
	}, nil
}

// GetQuote fetches top of book for one symbol.
func (k *Kite) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if !k.IsConnected() {
		return domain.Quote{}, ports.ErrNotConnected
	}
	exchange, trading := splitSymbol(symbol)
	key := exchange + ":" + trading

	var out kiteEnvelope[map[string]kiteQuote]
	if err := k.get(ctx, "/quote", map[string]string{"i": key}, &out); err != nil {
		return domain.Quote{}, fmt.Errorf("broker.Kite.GetQuote: %w", err)
	}
	q, ok := out.Data[key]
	if !ok {
		return domain.Quote{}, fmt.Errorf("broker.Kite.GetQuote: no quote for %q", symbol)
	}

	quote := domain.Quote{Symbol: symbol, Last: q.LastPrice}
	if len(q.Depth.Buy) > 0 {
		quote.Bid = q.Depth.Buy[0].Price
	}
	if len(q.Depth.Sell) > 0 {
		quote.Ask = q.Depth.Sell[0].Price
	}
	return quote, nil
}

// ValidateOrder performs the structural checks the venue would reject
// anyway.
func (k *Kite) ValidateOrder(order *domain.Order) error {
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

func (k *Kite) fetchOrders(ctx context.Context) ([]kiteOrder, error) {
	if !k.IsConnected() {
		return nil, ports.ErrNotConnected
	}
	var out kiteEnvelope[[]kiteOrder]
	if err := k.get(ctx, "/orders", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (k *Kite) toDomainOrder(ko kiteOrder) *domain.Order {
	typ := domain.OrderMarket
	switch ko.OrderType {
	case "LIMIT":
		typ = domain.OrderLimit
	case "SL-M":
		typ = domain.OrderStop
	case "SL":
		typ = domain.OrderStopLimit
	}
	side := domain.SideSell
	if ko.TransactionType == "BUY" {
		side = domain.SideBuy
	}
	status, ok := kiteStatusToDomain[ko.Status]
	if !ok {
		status = domain.StatusPending
	}
	return &domain.Order{
		ID:           ko.OrderID,
		Symbol:       ko.Exchange + ":" + ko.TradingSymbol,
		Side:         side,
		Type:         typ,
		Quantity:     ko.Quantity,
		Price:        ko.Price,
		StopPrice:    ko.TriggerPrice,
		Status:       status,
		Filled:       ko.FilledQuantity,
		AvgFillPrice: ko.AveragePrice,
	}
}

func (k *Kite) get(ctx context.Context, path string, query map[string]string, out any) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	req := k.http.R().SetContext(ctx).SetResult(out)
	if query != nil {
		req.SetQueryParams(query)
	}
	resp, err := req.Get(path)
	return checkResponse(resp, err, path)
}

func (k *Kite) postForm(ctx context.Context, path string, form map[string]string, out any) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(out).
		Post(path)
	return checkResponse(resp, err, path)
}

func (k *Kite) delete(ctx context.Context, path string, out any) error {
	if err := k.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	resp, err := k.http.R().SetContext(ctx).SetResult(out).Delete(path)
	return checkResponse(resp, err, path)
}

func checkResponse(resp *resty.Response, err error, path string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return nil
}

// splitSymbol separates "EXCHANGE:SYMBOL", defaulting the exchange when
// the caller passes a bare symbol.
func splitSymbol(symbol string) (string, string) {
	if exchange, trading, ok := strings.Cut(symbol, ":"); ok {
		return exchange, trading
	}
	return defaultExchange, symbol
}
