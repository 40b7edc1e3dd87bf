package ports

import (
	"context"
	"errors"

	"github.com/alejandrodnm/quantx/internal/domain"
)

// ErrNotConnected is returned by broker operations invoked before a
// successful Connect.
var ErrNotConnected = errors.New("broker: not connected")

// Broker hides venue specifics behind a uniform operation set.
// Implementations must be safe under concurrent calls.
type Broker interface {
	// Connect authenticates against the venue. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect tears down the session. Idempotent.
	Disconnect(ctx context.Context) error

	IsConnected() bool

	// PlaceOrder submits an order and returns the venue-assigned order
	// ID, which may differ from the client-assigned one.
	PlaceOrder(ctx context.Context, order *domain.Order) (string, error)

	// CancelOrder cancels an open order. It reports false for orders
	// that are unknown or already terminal.
	CancelOrder(ctx context.Context, orderID string) (bool, error)

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	GetOpenOrders(ctx context.Context) ([]*domain.Order, error)

	// GetPositions returns non-zero positions only.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	GetAccount(ctx context.Context) (domain.Account, error)

	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)

	// ValidateOrder performs the venue's structural checks without
	// submitting.
	ValidateOrder(order *domain.Order) error
}
