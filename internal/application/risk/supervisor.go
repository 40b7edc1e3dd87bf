// Package risk implements stateful pre-trade checks and the kill switch.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/quantx/internal/domain"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Violation is one failed risk rule. An order is safe iff it produced no
// Critical violation.
type Violation struct {
	Severity  Severity
	Rule      string
	Message   string
	Timestamp time.Time
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Rule, v.Message)
}

// Limits enumerates the numeric caps enforced by the supervisor.
type Limits struct {
	MaxPositionSize float64
	MaxPositionPct  float64
	MaxLeverage     float64

	MaxPortfolioRisk float64
	MaxDrawdown      float64
	MaxDailyLoss     float64
	MaxDailyLossPct  float64

	MaxTotalExposure float64
	MaxLongExposure  float64
	MaxShortExposure float64

	MaxOrdersPerSecond int
	MaxOrdersPerMinute int

	UseStopLoss        bool
	DefaultStopLossPct float64
}

// DefaultLimits returns the stock configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxPositionSize:    10000,
		MaxPositionPct:     0.10,
		MaxLeverage:        1.0,
		MaxPortfolioRisk:   0.20,
		MaxDrawdown:        0.10,
		MaxDailyLoss:       1000,
		MaxDailyLossPct:    0.02,
		MaxTotalExposure:   100000,
		MaxLongExposure:    100000,
		MaxShortExposure:   50000,
		MaxOrdersPerSecond: 10,
		MaxOrdersPerMinute: 100,
		UseStopLoss:        true,
		DefaultStopLossPct: 0.05,
	}
}

// Metrics is a snapshot of supervisor state.
type Metrics struct {
	KillSwitchActive      bool
	DailyPnL              float64
	CurrentDrawdown       float64
	PeakEquity            float64
	RecentOrdersPerSecond int
	RecentOrdersPerMinute int
	TotalViolations       int
}

// Supervisor runs pre-trade checks against account state, open positions,
// and a ring of recent order timestamps. Safe under concurrent callers.
type Supervisor struct {
	mu sync.Mutex

	limits Limits

	killSwitch      bool
	violations      []Violation
	dailyPnL        float64
	peakEquity      float64
	currentDrawdown float64
	orderTimes      []time.Time

	onViolation  []func(Violation)
	onKillSwitch []func()

	now func() time.Time

	log *slog.Logger
}

// NewSupervisor builds a supervisor with the given limits.
func NewSupervisor(limits Limits) *Supervisor {
	return &Supervisor{
		limits: limits,
		now:    time.Now,
		log:    slog.Default().With("component", "risk"),
	}
}

// CheckOrder runs every rule against the order and returns whether it is
// safe to submit plus all violations found. Each call records its
// timestamp into the rate ring regardless of the outcome.
func (s *Supervisor) CheckOrder(order *domain.Order, account domain.Account, positions []domain.Position) (bool, []Violation) {
	s.mu.Lock()

	var violations []Violation

	if s.killSwitch {
		violations = append(violations, s.violation(SeverityCritical, "kill_switch",
			"kill switch is active, all trading halted"))
		s.finishCheck(violations)
		s.mu.Unlock()
		s.fireViolations(violations)
		return false, violations
	}

	violations = append(violations, s.checkOrderRate()...)
	violations = append(violations, s.checkPositionSize(order, account)...)
	violations = append(violations, s.checkDailyLoss(account)...)
	violations = append(violations, s.checkExposure(order, positions)...)
	violations = append(violations, s.checkDrawdown(account)...)

	s.finishCheck(violations)

	safe := true
	for _, v := range violations {
		if v.Severity == SeverityCritical {
			safe = false
			break
		}
	}
	s.mu.Unlock()

	s.fireViolations(violations)

	if !safe {
		s.log.Warn("order failed risk check", "violations", len(violations))
	}
	return safe, violations
}

func (s *Supervisor) finishCheck(violations []Violation) {
	s.violations = append(s.violations, violations...)
}

// checkOrderRate prunes the ring to the last minute, evaluates both rate
// caps, then records the current attempt. Recording happens on every
// check, accepted or not.
func (s *Supervisor) checkOrderRate() []Violation {
	var violations []Violation
	now := s.now()

	cutoff := now.Add(-time.Minute)
	kept := s.orderTimes[:0]
	for _, ts := range s.orderTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.orderTimes = kept

	secCutoff := now.Add(-time.Second)
	lastSecond := 0
	for _, ts := range s.orderTimes {
		if ts.After(secCutoff) {
			lastSecond++
		}
	}

	if s.limits.MaxOrdersPerSecond > 0 && lastSecond >= s.limits.MaxOrdersPerSecond {
		violations = append(violations, s.violation(SeverityHigh, "order_rate_per_second",
			fmt.Sprintf("order rate %d/%d per second", lastSecond, s.limits.MaxOrdersPerSecond)))
	}
	if s.limits.MaxOrdersPerMinute > 0 && len(s.orderTimes) >= s.limits.MaxOrdersPerMinute {
		violations = append(violations, s.violation(SeverityMedium, "order_rate_per_minute",
			fmt.Sprintf("order rate %d/%d per minute", len(s.orderTimes), s.limits.MaxOrdersPerMinute)))
	}

	s.orderTimes = append(s.orderTimes, now)
	return violations
}

// checkPositionSize skips silently when the order carries no price: the
// notional cannot be estimated.
func (s *Supervisor) checkPositionSize(order *domain.Order, account domain.Account) []Violation {
	var violations []Violation

	notional := order.Quantity * order.Price
	if notional == 0 {
		return nil
	}

	if s.limits.MaxPositionSize > 0 && notional > s.limits.MaxPositionSize {
		violations = append(violations, s.violation(SeverityHigh, "max_position_size",
			fmt.Sprintf("order notional %.2f exceeds limit %.2f", notional, s.limits.MaxPositionSize)))
	}
	if s.limits.MaxPositionPct > 0 && account.Equity > 0 {
		pct := notional / account.Equity
		if pct > s.limits.MaxPositionPct {
			violations = append(violations, s.violation(SeverityHigh, "max_position_pct",
				fmt.Sprintf("order notional %.1f%% of equity exceeds limit %.1f%%", pct*100, s.limits.MaxPositionPct*100)))
		}
	}
	return violations
}

func (s *Supervisor) checkDailyLoss(account domain.Account) []Violation {
	var violations []Violation

	loss := math.Abs(s.dailyPnL)
	if s.limits.MaxDailyLoss > 0 && loss >= s.limits.MaxDailyLoss {
		violations = append(violations, s.violation(SeverityCritical, "max_daily_loss",
			fmt.Sprintf("daily loss %.2f exceeds limit %.2f", loss, s.limits.MaxDailyLoss)))
	}
	if s.limits.MaxDailyLossPct > 0 && account.InitialCapital > 0 {
		pct := loss / account.InitialCapital
		if pct >= s.limits.MaxDailyLossPct {
			violations = append(violations, s.violation(SeverityCritical, "max_daily_loss_pct",
				fmt.Sprintf("daily loss %.2f%% exceeds limit %.2f%%", pct*100, s.limits.MaxDailyLossPct*100)))
		}
	}
	return violations
}

func (s *Supervisor) checkExposure(order *domain.Order, positions []domain.Position) []Violation {
	var violations []Violation

	var totalLong, totalShort float64
	for _, p := range positions {
		if p.Quantity > 0 {
			totalLong += p.MarketValue
		} else if p.Quantity < 0 {
			totalShort += math.Abs(p.MarketValue)
		}
	}

	notional := order.Quantity * order.Price

	if order.Side == domain.SideBuy {
		if long := totalLong + notional; s.limits.MaxLongExposure > 0 && long > s.limits.MaxLongExposure {
			violations = append(violations, s.violation(SeverityHigh, "max_long_exposure",
				fmt.Sprintf("long exposure %.2f exceeds limit %.2f", long, s.limits.MaxLongExposure)))
		}
	} else {
		if short := totalShort + notional; s.limits.MaxShortExposure > 0 && short > s.limits.MaxShortExposure {
			violations = append(violations, s.violation(SeverityHigh, "max_short_exposure",
				fmt.Sprintf("short exposure %.2f exceeds limit %.2f", short, s.limits.MaxShortExposure)))
		}
	}

	if total := totalLong + totalShort + notional; s.limits.MaxTotalExposure > 0 && total > s.limits.MaxTotalExposure {
		violations = append(violations, s.violation(SeverityHigh, "max_total_exposure",
			fmt.Sprintf("total exposure %.2f exceeds limit %.2f", total, s.limits.MaxTotalExposure)))
	}
	return violations
}

func (s *Supervisor) checkDrawdown(account domain.Account) []Violation {
	var violations []Violation

	if account.Equity > s.peakEquity {
		s.peakEquity = account.Equity
	}
	if s.peakEquity > 0 {
		s.currentDrawdown = (s.peakEquity - account.Equity) / s.peakEquity
		if s.limits.MaxDrawdown > 0 && s.currentDrawdown >= s.limits.MaxDrawdown {
			violations = append(violations, s.violation(SeverityCritical, "max_drawdown",
				fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", s.currentDrawdown*100, s.limits.MaxDrawdown*100)))
		}
	}
	return violations
}

func (s *Supervisor) violation(sev Severity, rule, msg string) Violation {
	return Violation{Severity: sev, Rule: rule, Message: msg, Timestamp: s.now()}
}

// UpdateDailyPnL replaces the running daily P&L figure.
func (s *Supervisor) UpdateDailyPnL(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyPnL = pnl
}

// ResetDailyMetrics clears daily P&L and the rate ring. Call at the
// session boundary.
func (s *Supervisor) ResetDailyMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyPnL = 0
	s.orderTimes = nil
	s.log.Info("daily risk metrics reset")
}

// TriggerKillSwitch latches the supervisor. Every subsequent order is
// rejected until DeactivateKillSwitch.
func (s *Supervisor) TriggerKillSwitch(reason string) {
	s.mu.Lock()
	s.killSwitch = true
	v := s.violation(SeverityCritical, "kill_switch", "kill switch activated: "+reason)
	s.violations = append(s.violations, v)
	callbacks := append([]func(){}, s.onKillSwitch...)
	s.mu.Unlock()

	s.log.Error("kill switch activated", "reason", reason)
	for _, cb := range callbacks {
		s.safeCall(func() { cb() })
	}
}

// DeactivateKillSwitch unlatches the supervisor and resumes trading.
func (s *Supervisor) DeactivateKillSwitch() {
	s.mu.Lock()
	s.killSwitch = false
	s.mu.Unlock()
	s.log.Info("kill switch deactivated")
}

// KillSwitchActive reports the latch state.
func (s *Supervisor) KillSwitchActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killSwitch
}

// OnViolation registers a callback fired for every violation found
// during a check. Callback panics never reach the caller.
func (s *Supervisor) OnViolation(fn func(Violation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onViolation = append(s.onViolation, fn)
}

// OnKillSwitch registers a callback fired when the latch engages.
func (s *Supervisor) OnKillSwitch(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onKillSwitch = append(s.onKillSwitch, fn)
}

// Metrics returns a snapshot of supervisor state.
func (s *Supervisor) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	perSecond, perMinute := 0, 0
	for _, ts := range s.orderTimes {
		if ts.After(now.Add(-time.Minute)) {
			perMinute++
			if ts.After(now.Add(-time.Second)) {
				perSecond++
			}
		}
	}
	return Metrics{
		KillSwitchActive:      s.killSwitch,
		DailyPnL:              s.dailyPnL,
		CurrentDrawdown:       s.currentDrawdown,
		PeakEquity:            s.peakEquity,
		RecentOrdersPerSecond: perSecond,
		RecentOrdersPerMinute: perMinute,
		TotalViolations:       len(s.violations),
	}
}

func (s *Supervisor) fireViolations(violations []Violation) {
	s.mu.Lock()
	callbacks := append([]func(Violation){}, s.onViolation...)
	s.mu.Unlock()

	for _, v := range violations {
		for _, cb := range callbacks {
			v := v
			cb := cb
			s.safeCall(func() { cb(v) })
		}
	}
}

func (s *Supervisor) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("risk callback panicked", "panic", r)
		}
	}()
	fn()
}
