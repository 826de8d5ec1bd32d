package risk

import (
	"fmt"
	"sync"
	"time"

	"futurestrader/pkg/cache"
)

// ReservationStatus tracks the lifecycle of an exposure reservation: a
// strategy reserves notional before an order is placed, then the reservation
// is confirmed (order filled enough to count as real exposure), partially
// filled, or released (order rejected/cancelled/fully unwound).
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationPartial   ReservationStatus = "PARTIAL"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is one outstanding exposure hold against an account.
type Reservation struct {
	ID           string
	AccountID    string
	StrategyID   string
	Symbol       string
	Notional     float64
	Status       ReservationStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// exposureLedger tracks reservations per account. It is guarded by Gate's
// ledgerMu, so callers must hold that lock before touching it.
type exposureLedger struct {
	byAccount map[string]map[string]*Reservation // accountID -> reservationID -> reservation
}

func newExposureLedger() *exposureLedger {
	return &exposureLedger{byAccount: make(map[string]map[string]*Reservation)}
}

func (l *exposureLedger) reserve(r *Reservation) {
	m, ok := l.byAccount[r.AccountID]
	if !ok {
		m = make(map[string]*Reservation)
		l.byAccount[r.AccountID] = m
	}
	m[r.ID] = r
}

// reservedNotional sums all non-released reservations for an account,
// excluding the confirmed ones whose notional is already reflected in the
// account's real exchange-reported exposure (to avoid double counting).
func (l *exposureLedger) reservedNotional(accountID string) float64 {
	var sum float64
	for _, r := range l.byAccount[accountID] {
		switch r.Status {
		case ReservationReserved, ReservationPartial:
			sum += r.Notional
		}
	}
	return sum
}

func (l *exposureLedger) get(accountID, reservationID string) (*Reservation, bool) {
	m, ok := l.byAccount[accountID]
	if !ok {
		return nil, false
	}
	r, ok := m[reservationID]
	return r, ok
}

// Gate is the per-account-mutexed entry point for exposure reservation and
// risk evaluation. It wraps Manager (global + per-strategy config/metrics)
// with the account-scoped critical section the spec requires: check current
// exposure, and if approved, reserve the new notional, as one atomic step.
type Gate struct {
	manager *Manager
	prices  *cache.ShardedPriceCache

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	ledgerMu sync.Mutex // protects ledger map structure across accounts; per-account section below still serializes via locks
	ledger   *exposureLedger
}

// SetPriceCache wires in the hot mark-price cache estimateExposure falls
// back to when a request arrives with no live price attached (the manual
// order path has no evaluator tick to source one from). Optional: nil
// (the default) just means that fallback is unavailable.
func (g *Gate) SetPriceCache(c *cache.ShardedPriceCache) {
	g.prices = c
}

// NewGate builds a Gate around an existing Manager.
func NewGate(manager *Manager) *Gate {
	return &Gate{
		manager: manager,
		locks:   make(map[string]*sync.Mutex),
		ledger:  newExposureLedger(),
	}
}

func (g *Gate) accountLock(accountID string) *sync.Mutex {
	g.locksMu.Lock()
	defer g.locksMu.Unlock()
	l, ok := g.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[accountID] = l
	}
	return l
}

// ReserveRequest is the input to CheckAndReserve.
type ReserveRequest struct {
	AccountID     string
	StrategyID    string
	Signal        SignalInput
	Position      Position
	AccountState  Account // balance/exposure snapshot, excluding ledger reservations
	Leverage      float64
}

// ReserveResult is the outcome of a CheckAndReserve call.
type ReserveResult struct {
	Decision      RiskDecision
	ReservationID string
}

// CheckAndReserve runs the full layered risk evaluation for one account and,
// if approved, books an exposure reservation before returning. The whole
// operation runs under that account's own mutex only — other accounts are
// never blocked by it, per the no-cross-account-locks requirement.
func (g *Gate) CheckAndReserve(req ReserveRequest) ReserveResult {
	lock := g.accountLock(req.AccountID)
	lock.Lock()
	defer lock.Unlock()

	cfg := g.manager.GetConfig()

	g.ledgerMu.Lock()
	reserved := g.ledger.reservedNotional(req.AccountID)
	g.ledgerMu.Unlock()

	// Portfolio exposure = exchange-reported real exposure + everything still
	// outstanding in the reservation ledger (reserved or partially filled).
	acctWithReservations := req.AccountState
	acctWithReservations.TotalExposure += reserved

	dec := g.manager.EvaluateFull(req.Signal, req.Position, acctWithReservations, req.StrategyID)
	if !dec.Allowed {
		return ReserveResult{Decision: dec}
	}

	if err := g.weeklyAndDrawdownCheck(cfg, &dec); err != nil {
		dec.Allowed = false
		dec.Reason = err.Error()
		return ReserveResult{Decision: dec}
	}

	estimate := g.estimateExposure(req.Signal, req.Leverage, cfg)
	resID := fmt.Sprintf("%s-%s-%d", req.AccountID, req.StrategyID, time.Now().UnixNano())
	r := &Reservation{
		ID:         resID,
		AccountID:  req.AccountID,
		StrategyID: req.StrategyID,
		Symbol:     req.Signal.Symbol,
		Notional:   estimate,
		Status:     ReservationReserved,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	g.ledgerMu.Lock()
	g.ledger.reserve(r)
	g.ledgerMu.Unlock()

	return ReserveResult{Decision: dec, ReservationID: resID}
}

// estimateExposure approximates the notional a not-yet-filled order will
// consume: risk_per_trade-sized orders are sized in USDT already (AdjustedSize
// is a quantity; multiply back by signal price), scaled by leverage and a
// configurable safety factor so the ledger errs conservative until the real
// fill is known. A signal with no price attached (the manual order path has
// no evaluator tick to source one from) falls back to the gate's hot
// mark-price cache when one is wired in.
func (g *Gate) estimateExposure(signal SignalInput, leverage float64, cfg RiskConfig) float64 {
	if leverage <= 0 {
		leverage = 1
	}
	safety := cfg.ExposureSafetyFactor
	if safety <= 0 {
		safety = 1.5
	}
	price := signal.Price
	if price <= 0 && g.prices != nil {
		if p, ok := g.prices.Get(signal.Symbol); ok {
			price = p
		}
	}
	return signal.Size * price * leverage * safety
}

// UpdateReservation transitions a reservation as fills arrive. filledRatio is
// filled_qty / requested_qty. Once filledRatio crosses the configured
// partial-fill threshold the reservation is marked CONFIRMED; any lesser
// nonzero fill is PARTIAL; zero and terminal is RELEASED.
func (g *Gate) UpdateReservation(accountID, reservationID string, filledRatio float64, terminal bool) {
	lock := g.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	g.ledgerMu.Lock()
	defer g.ledgerMu.Unlock()
	r, ok := g.ledger.get(accountID, reservationID)
	if !ok {
		return
	}

	cfg := g.manager.GetConfig()
	threshold := cfg.PartialFillThreshold
	if threshold <= 0 {
		threshold = 0.95
	}

	switch {
	case terminal && filledRatio <= 0:
		r.Status = ReservationReleased
	case filledRatio >= threshold:
		r.Status = ReservationConfirmed
	case filledRatio > 0:
		r.Status = ReservationPartial
	}
	r.UpdatedAt = time.Now()
}

// Release drops a reservation entirely (e.g. order rejected before any fill).
func (g *Gate) Release(accountID, reservationID string) {
	g.UpdateReservation(accountID, reservationID, 0, true)
}

// weeklyAndDrawdownCheck evaluates the two account-wide checks that sit
// outside Manager's per-signal evaluation because they depend on calendar
// state (week boundary) and peak-equity bookkeeping rather than the static
// config/metrics pair Manager already owns.
func (g *Gate) weeklyAndDrawdownCheck(cfg RiskConfig, dec *RiskDecision) error {
	metrics := g.manager.GetMetrics()

	if cfg.UseWeeklyLossLimit && cfg.MaxWeeklyLoss > 0 && metrics.WeeklyLosses >= cfg.MaxWeeklyLoss {
		return fmt.Errorf("weekly loss limit exceeded: %.2f/%.2f", metrics.WeeklyLosses, cfg.MaxWeeklyLoss)
	}

	if cfg.UseDrawdownLimit && cfg.MaxDrawdownPct > 0 && metrics.PeakEquity > 0 {
		drawdownPct := metrics.MaxDrawdown / metrics.PeakEquity
		if drawdownPct >= cfg.MaxDrawdownPct {
			return fmt.Errorf("drawdown limit exceeded: %.1f%%/%.1f%%", drawdownPct*100, cfg.MaxDrawdownPct*100)
		}
	}

	return nil
}
