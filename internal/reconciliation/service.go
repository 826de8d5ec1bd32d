// Package reconciliation periodically checks that each running strategy's
// exchange-reported position agrees with the position implied by its own
// trade history.
package reconciliation

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futurestrader/internal/account"
	"futurestrader/internal/exchange"
	"futurestrader/internal/matcher"
	"futurestrader/internal/store"
)

// Service compares, for every strategy persisted as running, the net
// position its raw fill history implies against what the exchange reports
// for that strategy's account and symbol. Trade history is authoritative
// here: there is no local mutable position to overwrite, so a mismatch is
// always surfaced as an audit event rather than silently synced away.
type Service struct {
	store    *store.Service
	accounts *account.Registry
	interval time.Duration
	mu       sync.Mutex
}

// PositionDiff is one strategy/symbol whose local and exchange views of
// the position disagree beyond the rounding tolerance.
type PositionDiff struct {
	StrategyID  string
	Symbol      string
	LocalQty    float64
	ExchangeQty float64
	Difference  float64
}

// ReconciliationReport is the result of one pass over every running
// strategy.
type ReconciliationReport struct {
	Timestamp time.Time
	Diffs     []PositionDiff
	HasDiffs  bool
}

// NewService creates a reconciliation service over the authoritative store
// and the account registry used to resolve each strategy's exchange client.
func NewService(st *store.Service, accounts *account.Registry, interval time.Duration) *Service {
	return &Service{store: st, accounts: accounts, interval: interval}
}

// Start begins the periodic reconciliation ticker. It returns immediately;
// the loop runs until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				report, err := s.Reconcile(ctx)
				if err != nil {
					log.Printf("reconciliation: pass failed: %v", err)
					continue
				}
				s.handleReport(ctx, report)
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("reconciliation service started (interval: %v)", s.interval)
}

// Reconcile runs one pass over every strategy instance persisted as
// running, deriving each one's local position from its full fill history
// via the trade matcher rather than any cached running total.
func (s *Service) Reconcile(ctx context.Context) (*ReconciliationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &ReconciliationReport{Timestamp: time.Now()}

	strategies, err := s.store.ListRunningStrategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running strategies: %w", err)
	}

	for _, si := range strategies {
		diff, ok, err := s.reconcileOne(ctx, si.ID)
		if err != nil {
			log.Printf("reconciliation: strategy %s: %v", si.ID, err)
			continue
		}
		if ok {
			report.Diffs = append(report.Diffs, diff)
			report.HasDiffs = true
		}
	}

	return report, nil
}

func (s *Service) reconcileOne(ctx context.Context, strategyID string) (PositionDiff, bool, error) {
	cfg, err := s.store.GetRuntimeConfig(ctx, strategyID)
	if err != nil {
		return PositionDiff{}, false, fmt.Errorf("load runtime config: %w", err)
	}

	raw, err := s.store.LoadRawTrades(ctx, strategyID)
	if err != nil {
		return PositionDiff{}, false, fmt.Errorf("load raw trades: %w", err)
	}
	localQty, _ := matcher.OpenQty(toMatcherTrades(raw)).Float64()

	client, err := s.accounts.GetClient(ctx, cfg.AccountRef)
	if err != nil {
		return PositionDiff{}, false, fmt.Errorf("resolve account %s: %w", cfg.AccountRef, err)
	}
	pos, err := client.GetOpenPosition(ctx, cfg.Symbol)
	if err != nil {
		return PositionDiff{}, false, fmt.Errorf("exchange position for %s: %w", cfg.Symbol, err)
	}
	exchangeQty := signedQty(pos)

	if math.Abs(localQty-exchangeQty) <= 0.0001 {
		return PositionDiff{}, false, nil
	}

	return PositionDiff{
		StrategyID:  strategyID,
		Symbol:      cfg.Symbol,
		LocalQty:    localQty,
		ExchangeQty: exchangeQty,
		Difference:  localQty - exchangeQty,
	}, true, nil
}

func signedQty(pos *exchange.Position) float64 {
	if pos == nil {
		return 0
	}
	if pos.Side == "SHORT" {
		return -pos.Quantity
	}
	return pos.Quantity
}

func toMatcherTrades(raw []store.RawTrade) []matcher.Trade {
	out := make([]matcher.Trade, len(raw))
	for i, rt := range raw {
		out[i] = matcher.Trade{
			ID:         rt.ID,
			OrderID:    rt.OrderID,
			StrategyID: rt.StrategyID,
			Symbol:     rt.Symbol,
			Side:       matcher.Side(rt.Side),
			Qty:        decimal.NewFromFloat(rt.Qty),
			Price:      decimal.NewFromFloat(rt.Price),
			FilledAt:   rt.FilledAt.UnixMilli(),
		}
	}
	return out
}

// handleReport logs the pass and writes one audit row per mismatch so the
// discrepancy survives past the next successful reconcile.
func (s *Service) handleReport(ctx context.Context, report *ReconciliationReport) {
	if !report.HasDiffs {
		log.Printf("reconciliation OK - all positions match")
		return
	}

	log.Printf("reconciliation: %d position mismatch(es) detected", len(report.Diffs))
	for _, diff := range report.Diffs {
		log.Printf("  %s/%s: local=%.4f exchange=%.4f diff=%.4f",
			diff.StrategyID, diff.Symbol, diff.LocalQty, diff.ExchangeQty, diff.Difference)

		details := fmt.Sprintf(`{"strategy_id":%q,"symbol":%q,"local_qty":%g,"exchange_qty":%g,"diff":%g}`,
			diff.StrategyID, diff.Symbol, diff.LocalQty, diff.ExchangeQty, diff.Difference)
		if err := s.store.SaveSystemEvent(ctx, "reconciliation_diff", "position mismatch detected", details); err != nil {
			log.Printf("reconciliation: save audit event failed: %v", err)
		}
	}
}
