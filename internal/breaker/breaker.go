// Package breaker implements the circuit-breaker layer: it watches realized
// trade outcomes per strategy and per account and halts trading for a
// cooldown window when losses cluster, independent of the Risk Gate's
// static size/exposure limits.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Stopper is the narrow capability the breaker needs from the scheduler: the
// ability to stop a single strategy task. Holding only this interface (not a
// full scheduler reference) avoids the breaker<->scheduler import cycle.
type Stopper interface {
	StopStrategy(strategyID string, reason string) error
}

// Config controls trip thresholds and cooldowns.
type Config struct {
	MaxConsecutiveLosses int           // per-strategy: trip after this many losers in a row
	ConsecutiveCooldown  time.Duration // e.g. 1h
	RapidLossWindow      time.Duration // per-account: look back this far
	RapidLossCount       int           // trip if this many losers occur inside the window
	RapidLossCooldown    time.Duration // e.g. 2h
}

// DefaultConfig mirrors the reference thresholds used elsewhere in the
// corpus for a similar gate (polybot's risk-gate: 3 consecutive losses, a
// configurable cooldown).
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveLosses: 3,
		ConsecutiveCooldown:  time.Hour,
		RapidLossWindow:      15 * time.Minute,
		RapidLossCount:       5,
		RapidLossCooldown:    2 * time.Hour,
	}
}

type strategyState struct {
	consecutiveLosses int
	trippedUntil      time.Time
}

type accountState struct {
	lossTimes    []time.Time
	trippedUntil time.Time
}

// Breaker tracks per-strategy consecutive losses and per-account rapid-loss
// bursts, and asks the Stopper to halt affected strategies on trip.
type Breaker struct {
	cfg Config
	mu  sync.Mutex

	strategies map[string]*strategyState
	accounts   map[string]*accountState

	stopper Stopper
}

func New(cfg Config, stopper Stopper) *Breaker {
	return &Breaker{
		cfg:        cfg,
		strategies: make(map[string]*strategyState),
		accounts:   make(map[string]*accountState),
		stopper:    stopper,
	}
}

// RecordTrade reports one closed trade's outcome for a strategy/account
// pair. win is true for pnl >= 0. It returns true if this report tripped
// either detector.
func (b *Breaker) RecordTrade(accountID, strategyID string, win bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tripped := false
	now := time.Now()

	ss, ok := b.strategies[strategyID]
	if !ok {
		ss = &strategyState{}
		b.strategies[strategyID] = ss
	}
	if win {
		ss.consecutiveLosses = 0
	} else {
		ss.consecutiveLosses++
		if b.cfg.MaxConsecutiveLosses > 0 && ss.consecutiveLosses >= b.cfg.MaxConsecutiveLosses {
			ss.trippedUntil = now.Add(b.cfg.ConsecutiveCooldown)
			tripped = true
			log.Warn().Str("strategy_id", strategyID).Int("consecutive_losses", ss.consecutiveLosses).
				Time("cooldown_until", ss.trippedUntil).Msg("circuit breaker tripped: consecutive losses")
			if b.stopper != nil {
				_ = b.stopper.StopStrategy(strategyID, "circuit breaker: consecutive loss limit reached")
			}
		}
	}

	as, ok := b.accounts[accountID]
	if !ok {
		as = &accountState{}
		b.accounts[accountID] = as
	}
	if !win {
		as.lossTimes = append(as.lossTimes, now)
		as.lossTimes = pruneOlderThan(as.lossTimes, now.Add(-b.cfg.RapidLossWindow))
		if b.cfg.RapidLossCount > 0 && len(as.lossTimes) >= b.cfg.RapidLossCount {
			as.trippedUntil = now.Add(b.cfg.RapidLossCooldown)
			tripped = true
			log.Warn().Str("account_id", accountID).Int("rapid_losses", len(as.lossTimes)).
				Time("cooldown_until", as.trippedUntil).Msg("circuit breaker tripped: rapid loss burst")
		}
	}

	return tripped
}

func pruneOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// IsStrategyTripped reports whether a strategy is currently in cooldown.
func (b *Breaker) IsStrategyTripped(strategyID string) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ss, ok := b.strategies[strategyID]
	if !ok {
		return false, time.Time{}
	}
	return time.Now().Before(ss.trippedUntil), ss.trippedUntil
}

// IsAccountTripped reports whether an account-wide rapid-loss cooldown is
// active; scheduler tasks for every strategy under this account should pause
// while this is true.
func (b *Breaker) IsAccountTripped(accountID string) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	as, ok := b.accounts[accountID]
	if !ok {
		return false, time.Time{}
	}
	return time.Now().Before(as.trippedUntil), as.trippedUntil
}

// State exposes a read-only snapshot for persistence/monitoring.
type State struct {
	StrategyID          string
	AccountID           string
	ConsecutiveLosses   int
	StrategyTrippedUntil time.Time
	AccountTrippedUntil time.Time
}

func (b *Breaker) Snapshot(accountID, strategyID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := State{StrategyID: strategyID, AccountID: accountID}
	if ss, ok := b.strategies[strategyID]; ok {
		st.ConsecutiveLosses = ss.consecutiveLosses
		st.StrategyTrippedUntil = ss.trippedUntil
	}
	if as, ok := b.accounts[accountID]; ok {
		st.AccountTrippedUntil = as.trippedUntil
	}
	return st
}
