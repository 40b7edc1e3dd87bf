package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

// kiteVenue fakes the Kite Connect REST API.
type kiteVenue struct {
	*httptest.Server

	mu       sync.Mutex
	requests []string
	orders   []string
}

func newKiteVenue(t *testing.T) *kiteVenue {
	t.Helper()
	v := &kiteVenue{}

	mux := http.NewServeMux()
	record := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			v.mu.Lock()
			v.requests = append(v.requests, r.Method+" "+r.URL.Path)
			v.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			next(w, r)
		}
	}

	mux.HandleFunc("/user/profile", record(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234","user_name":"Test User"}}`))
	}))
	mux.HandleFunc("/user/margins", record(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"equity":{
			"net":95000,
			"available":{"cash":80000,"live_balance":95000},
			"utilised":{"debits":5000}}}}`))
	}))
	mux.HandleFunc("/orders/regular", record(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		v.mu.Lock()
		v.orders = append(v.orders, r.FormValue("tradingsymbol"))
		v.mu.Unlock()
		if r.FormValue("tradingsymbol") == "HALTED" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"status":"error","message":"Trading halted for instrument"}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"order_id":"230818000001"}}`))
	}))
	mux.HandleFunc("/orders/regular/", record(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"order_id":"230818000001"}}`))
	}))
	mux.HandleFunc("/orders", record(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":[
			{"order_id":"230818000001","exchange":"NSE","tradingsymbol":"INFY",
			 "transaction_type":"BUY","order_type":"LIMIT","status":"OPEN",
			 "quantity":10,"price":1500,"filled_quantity":0},
			{"order_id":"230818000002","exchange":"NSE","tradingsymbol":"TCS",
			 "transaction_type":"SELL","order_type":"MARKET","status":"COMPLETE",
			 "quantity":5,"filled_quantity":5,"average_price":3502.5}]}`))
	}))
	mux.HandleFunc("/portfolio/positions", record(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"day":[
			{"exchange":"NSE","tradingsymbol":"INFY","quantity":10,
			 "average_price":1490,"last_price":1500,"realised":0},
			{"exchange":"NSE","tradingsymbol":"WIPRO","quantity":0,
			 "average_price":400,"last_price":405,"realised":120}]}}`))
	}))
	mux.HandleFunc("/quote", record(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"NSE:INFY":{
			"last_price":1500.5,
			"depth":{"buy":[{"price":1500.25}],"sell":[{"price":1500.75}]}}}}`))
	}))

	v.Server = httptest.NewServer(mux)
	t.Cleanup(v.Close)
	return v
}

func newConnectedKite(t *testing.T, venue *kiteVenue) *Kite {
	t.Helper()
	k, err := NewKite(Config{
		BaseURL:            venue.URL,
		APIKey:             "test_key",
		AccessToken:        "test_token",
		MinRequestInterval: time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, k.Connect(context.Background()))
	return k
}

func TestKiteRequiresAPIKey(t *testing.T) {
	_, err := NewKite(Config{})
	assert.Error(t, err)
}

func TestKiteConnectSetsUserID(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)
	assert.True(t, k.IsConnected())
	assert.Equal(t, "AB1234", k.userID)
}

func TestKiteRejectsCallsBeforeConnect(t *testing.T) {
	k, err := NewKite(Config{APIKey: "key"})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = k.PlaceOrder(ctx, domain.NewOrder("NSE:INFY", domain.SideBuy, domain.OrderMarket, 1))
	assert.ErrorIs(t, err, ports.ErrNotConnected)
	_, err = k.GetPositions(ctx)
	assert.ErrorIs(t, err, ports.ErrNotConnected)
	_, err = k.GetAccount(ctx)
	assert.ErrorIs(t, err, ports.ErrNotConnected)
}

func TestKitePlaceOrder(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)

	order := domain.NewOrder("NSE:INFY", domain.SideBuy, domain.OrderLimit, 10)
	order.Price = 1500
	id, err := k.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "230818000001", id)
	assert.Equal(t, "230818000001", order.ID)
	assert.Equal(t, domain.StatusSubmitted, order.Status)
	assert.False(t, order.SubmittedAt.IsZero())

	venue.mu.Lock()
	defer venue.mu.Unlock()
	assert.Equal(t, []string{"INFY"}, venue.orders)
}

func TestKitePlaceOrderVenueRejection(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)

	order := domain.NewOrder("NSE:HALTED", domain.SideBuy, domain.OrderMarket, 1)
	_, err := k.PlaceOrder(context.Background(), order)
	assert.Error(t, err)
	assert.Equal(t, domain.StatusRejected, order.Status)
}

func TestKiteDefaultsExchange(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)

	order := domain.NewOrder("INFY", domain.SideBuy, domain.OrderMarket, 1)
	_, err := k.PlaceOrder(context.Background(), order)
	require.NoError(t, err)

	exchange, symbol := splitSymbol("INFY")
	assert.Equal(t, "NSE", exchange)
	assert.Equal(t, "INFY", symbol)
}

func TestKiteOpenOrdersAndLookup(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)
	ctx := context.Background()

	open, err := k.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "NSE:INFY", open[0].Symbol)
	assert.Equal(t, domain.StatusSubmitted, open[0].Status)
	assert.Equal(t, domain.OrderLimit, open[0].Type)

	got, err := k.GetOrder(ctx, "230818000002")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.Equal(t, domain.SideSell, got.Side)
	assert.InDelta(t, 3502.5, got.AvgFillPrice, 1e-9)

	missing, err := k.GetOrder(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestKitePositionsSkipFlat(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)

	positions, err := k.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "NSE:INFY", positions[0].Symbol)
	assert.InDelta(t, 100.0, positions[0].UnrealizedPnL, 1e-9) // (1500-1490)*10

	pos, err := k.GetPosition(context.Background(), "INFY")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 10.0, pos.Quantity, 1e-9)
}

func TestKiteAccountSnapshot(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)

	account, err := k.GetAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AB1234", account.ID)
	assert.InDelta(t, 95000.0, account.Cash, 1e-9)
	// cash + utilised debits + positions value
	assert.InDelta(t, 95000+5000+15000, account.Equity, 1e-9)
	assert.InDelta(t, 80000.0, account.BuyingPower, 1e-9)
}

func TestKiteQuote(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)

	quote, err := k.GetQuote(context.Background(), "NSE:INFY")
	require.NoError(t, err)
	assert.InDelta(t, 1500.5, quote.Last, 1e-9)
	assert.InDelta(t, 1500.25, quote.Bid, 1e-9)
	assert.InDelta(t, 1500.75, quote.Ask, 1e-9)
}

func TestKiteRequestSpacing(t *testing.T) {
	venue := newKiteVenue(t)
	k, err := NewKite(Config{
		BaseURL:            venue.URL,
		APIKey:             "test_key",
		AccessToken:        "test_token",
		MinRequestInterval: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, k.Connect(context.Background()))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := k.GetPositions(context.Background())
		require.NoError(t, err)
	}
	// Connect consumed the initial token, so three calls wait out three
	// full intervals. Allow a little scheduler slack.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

// The engine's heartbeat worker polls and reconnects while the OMS keeps
// trading; connection state must hold up under that interleaving.
func TestKiteConnectionStateConcurrency(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				switch n % 4 {
				case 0:
					k.IsConnected()
				case 1:
					_ = k.Connect(ctx)
				case 2:
					_ = k.Disconnect(ctx)
				case 3:
					_, _ = k.GetAccount(ctx)
				}
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, k.Connect(ctx))
	assert.True(t, k.IsConnected())
	account, err := k.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "AB1234", account.ID)
}

func TestKiteCancelOrder(t *testing.T) {
	venue := newKiteVenue(t)
	k := newConnectedKite(t, venue)

	ok, err := k.CancelOrder(context.Background(), "230818000001")
	require.NoError(t, err)
	assert.True(t, ok)
}
