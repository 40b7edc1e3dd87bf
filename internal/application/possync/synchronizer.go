// Package possync reconciles the local position view against the broker
// of record.
package possync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/quantx/internal/domain"
	"github.com/alejandrodnm/quantx/internal/ports"
)

const (
	// Absolute tolerance for quantity comparison, floating point slack.
	quantityTolerance = 0.001

	// Default fractional tolerance for average price comparison.
	DefaultPriceTolerance = 0.01
)

type DiscrepancyKind string

const (
	// Local has the position, broker does not.
	MissingBroker DiscrepancyKind = "missing_broker"
	// Broker has the position, local does not.
	MissingLocal DiscrepancyKind = "missing_local"

	QuantityMismatch DiscrepancyKind = "quantity_mismatch"
	PriceMismatch    DiscrepancyKind = "price_mismatch"
)

// Discrepancy is one difference found between local and broker state.
// Resolved is set by auto-reconciliation; price mismatches are never
// resolved automatically.
type Discrepancy struct {
	Symbol         string
	Kind           DiscrepancyKind
	LocalQuantity  float64
	BrokerQuantity float64
	LocalPrice     float64
	BrokerPrice    float64
	Resolved       bool
}

// Report is the outcome of one reconciliation pass.
type Report struct {
	Timestamp      time.Time
	LocalPositions int
	BrokerPositions int
	Discrepancies  []Discrepancy
	Synced         bool
}

// Unresolved counts discrepancies auto-reconcile could not fix.
func (r Report) Unresolved() int {
	n := 0
	for _, d := range r.Discrepancies {
		if !d.Resolved {
			n++
		}
	}
	return n
}

// Statistics summarizes synchronizer activity.
type Statistics struct {
	SyncCount          int
	TotalDiscrepancies int
	LastSync           time.Time
	LastSyncOK         bool
}

// Synchronizer compares local positions against the broker and
// optionally adopts the broker's view as source of truth.
type Synchronizer struct {
	broker         ports.Broker
	autoReconcile  bool
	priceTolerance float64

	mu               sync.Mutex
	history          []Report
	syncCount        int
	discrepancyCount int

	log *slog.Logger
}

// NewSynchronizer builds a synchronizer. priceTolerance <= 0 selects the
// default.
func NewSynchronizer(b ports.Broker, autoReconcile bool, priceTolerance float64) *Synchronizer {
	if priceTolerance <= 0 {
		priceTolerance = DefaultPriceTolerance
	}
	return &Synchronizer{
		broker:         b,
		autoReconcile:  autoReconcile,
		priceTolerance: priceTolerance,
		log:            slog.Default().With("component", "possync"),
	}
}

// SyncPositions compares local against broker positions and returns a
// report. With auto-reconcile enabled the local map is fixed in place:
// missing-local copies the broker position in, missing-broker zeroes the
// local entry, quantity mismatches adopt the broker quantity. Price
// mismatches are reported but never fixed.
//
// localPrices may be nil; price checks are skipped without it.
func (s *Synchronizer) SyncPositions(ctx context.Context, local map[string]float64, localPrices map[string]float64) (Report, error) {
	s.mu.Lock()
	s.syncCount++
	n := s.syncCount
	s.mu.Unlock()
	s.log.Debug("starting position sync", "sync", n)

	brokerPositions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("possync.SyncPositions: fetching broker positions: %w", err)
	}
	brokerBySymbol := make(map[string]domain.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		brokerBySymbol[p.Symbol] = p
	}

	var discrepancies []Discrepancy

	for symbol, qty := range local {
		if qty == 0 {
			continue
		}
		brokerPos, held := brokerBySymbol[symbol]
		if !held {
			discrepancies = append(discrepancies, Discrepancy{
				Symbol:        symbol,
				Kind:          MissingBroker,
				LocalQuantity: qty,
			})
			continue
		}
		if math.Abs(brokerPos.Quantity-qty) > quantityTolerance {
			discrepancies = append(discrepancies, Discrepancy{
				Symbol:         symbol,
				Kind:           QuantityMismatch,
				LocalQuantity:  qty,
				BrokerQuantity: brokerPos.Quantity,
				LocalPrice:     localPrices[symbol],
				BrokerPrice:    brokerPos.AvgPrice,
			})
		}
		if localPrice, ok := localPrices[symbol]; ok && brokerPos.AvgPrice != 0 {
			if math.Abs(brokerPos.AvgPrice-localPrice)/brokerPos.AvgPrice > s.priceTolerance {
				discrepancies = append(discrepancies, Discrepancy{
					Symbol:         symbol,
					Kind:           PriceMismatch,
					LocalQuantity:  qty,
					BrokerQuantity: brokerPos.Quantity,
					LocalPrice:     localPrice,
					BrokerPrice:    brokerPos.AvgPrice,
				})
			}
		}
	}

	for symbol, brokerPos := range brokerBySymbol {
		if brokerPos.Quantity == 0 {
			continue
		}
		if qty, ok := local[symbol]; !ok || qty == 0 {
			discrepancies = append(discrepancies, Discrepancy{
				Symbol:         symbol,
				Kind:           MissingLocal,
				BrokerQuantity: brokerPos.Quantity,
				BrokerPrice:    brokerPos.AvgPrice,
			})
		}
	}

	localCount := 0
	for _, qty := range local {
		if qty != 0 {
			localCount++
		}
	}

	report := Report{
		Timestamp:       time.Now(),
		LocalPositions:  localCount,
		BrokerPositions: len(brokerBySymbol),
		Discrepancies:   discrepancies,
		Synced:          len(discrepancies) == 0,
	}

	if report.Synced {
		s.log.Info("positions synced", "positions", report.BrokerPositions)
	} else {
		s.log.Warn("position discrepancies found", "count", len(discrepancies))
		for _, d := range discrepancies {
			s.log.Warn("discrepancy",
				"symbol", d.Symbol, "kind", d.Kind,
				"local", d.LocalQuantity, "broker", d.BrokerQuantity)
		}
		if s.autoReconcile {
			s.reconcile(local, report.Discrepancies)
		}
	}

	s.mu.Lock()
	s.discrepancyCount += len(discrepancies)
	s.history = append(s.history, report)
	s.mu.Unlock()

	return report, nil
}

// reconcile fixes the local map in place, adopting the broker as source
// of truth. Price mismatches are left for human review.
func (s *Synchronizer) reconcile(local map[string]float64, discrepancies []Discrepancy) {
	for i := range discrepancies {
		d := &discrepancies[i]
		switch d.Kind {
		case MissingLocal:
			local[d.Symbol] = d.BrokerQuantity
			d.Resolved = true
			s.log.Info("adopted broker position", "symbol", d.Symbol, "qty", d.BrokerQuantity)
		case MissingBroker:
			local[d.Symbol] = 0
			d.Resolved = true
			s.log.Info("zeroed orphaned position", "symbol", d.Symbol)
		case QuantityMismatch:
			local[d.Symbol] = d.BrokerQuantity
			d.Resolved = true
			s.log.Info("adopted broker quantity",
				"symbol", d.Symbol, "local", d.LocalQuantity, "broker", d.BrokerQuantity)
		case PriceMismatch:
			s.log.Warn("price mismatch needs manual review",
				"symbol", d.Symbol, "local_price", d.LocalPrice, "broker_price", d.BrokerPrice)
		}
	}
}

// ForceSyncFromBroker replaces the local view wholesale with the
// broker's. Dangerous: any local-only state is lost.
func (s *Synchronizer) ForceSyncFromBroker(ctx context.Context, local map[string]float64) error {
	brokerPositions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("possync.ForceSyncFromBroker: %w", err)
	}
	for symbol := range local {
		delete(local, symbol)
	}
	for _, p := range brokerPositions {
		local[p.Symbol] = p.Quantity
	}
	s.log.Warn("forced local positions from broker", "positions", len(brokerPositions))
	return nil
}

// Statistics returns synchronizer counters.
func (s *Synchronizer) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Statistics{
		SyncCount:          s.syncCount,
		TotalDiscrepancies: s.discrepancyCount,
	}
	if len(s.history) > 0 {
		last := s.history[len(s.history)-1]
		st.LastSync = last.Timestamp
		st.LastSyncOK = last.Synced
	}
	return st
}

// RecentReports returns up to n of the latest reports, oldest first.
func (s *Synchronizer) RecentReports(n int) []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	return append([]Report{}, s.history[len(s.history)-n:]...)
}
