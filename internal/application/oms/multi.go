package oms

import (
	"context"
	"fmt"
	"sync"

	"github.com/alejandrodnm/quantx/internal/domain"
)

// MultiOrderManager routes orders across several named managers, one per
// broker. A default broker handles orders without an explicit route.
type MultiOrderManager struct {
	mu          sync.RWMutex
	managers    map[string]*OrderManager
	defaultName string
}

// NewMultiOrderManager returns an empty router.
func NewMultiOrderManager() *MultiOrderManager {
	return &MultiOrderManager{managers: make(map[string]*OrderManager)}
}

// AddBroker registers a manager under a name. The first registration
// becomes the default route; isDefault overrides that.
func (m *MultiOrderManager) AddBroker(name string, mgr *OrderManager, isDefault bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.managers[name] = mgr
	if isDefault || m.defaultName == "" {
		m.defaultName = name
	}
}

// SubmitOrder routes to the named broker, or the default when name is
// empty.
func (m *MultiOrderManager) SubmitOrder(ctx context.Context, order *domain.Order, brokerName string) (string, error) {
	m.mu.RLock()
	if brokerName == "" {
		brokerName = m.defaultName
	}
	mgr, ok := m.managers[brokerName]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("oms.MultiOrderManager: unknown broker %q", brokerName)
	}
	return mgr.SubmitOrder(ctx, order)
}

// Manager returns the named manager.
func (m *MultiOrderManager) Manager(name string) (*OrderManager, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mgr, ok := m.managers[name]
	return mgr, ok
}

// AllOpenOrders returns open orders grouped by broker name.
func (m *MultiOrderManager) AllOpenOrders() map[string][]*domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]*domain.Order, len(m.managers))
	for name, mgr := range m.managers {
		out[name] = mgr.OpenOrders()
	}
	return out
}

// CombinedStatistics sums the counters of every managed broker.
func (m *MultiOrderManager) CombinedStatistics() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total Stats
	for _, mgr := range m.managers {
		s := mgr.Statistics()
		total.OrdersSubmitted += s.OrdersSubmitted
		total.OrdersFilled += s.OrdersFilled
		total.OrdersCancelled += s.OrdersCancelled
		total.OrdersRejected += s.OrdersRejected
		total.TotalFills += s.TotalFills
		total.OpenOrders += s.OpenOrders
		total.TotalOrders += s.TotalOrders
	}
	if total.OrdersSubmitted > 0 {
		total.FillRate = float64(total.OrdersFilled) / float64(total.OrdersSubmitted)
	}
	return total
}
