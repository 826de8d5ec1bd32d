// Package scheduler is the Strategy Scheduler (spec component H): one
// cooperative task per live strategy, driving a fixed per-tick sequence of
// exchange reconciliation, evaluation, execution, and sleep. It is the
// runtime's heart — every other component (risk gate, executor, circuit
// breaker) is invoked from inside the scheduler's tick loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"futurestrader/internal/account"
	"futurestrader/internal/breaker"
	"futurestrader/internal/data"
	"futurestrader/internal/executor"
	"futurestrader/internal/notify"
	"futurestrader/internal/risk"
	"futurestrader/internal/store"
	"futurestrader/internal/strategyeval"
	"futurestrader/pkg/exchanges/common"
)

var (
	ErrMaxConcurrent      = errors.New("scheduler: max_concurrent_strategies reached")
	ErrAlreadyRunning     = errors.New("scheduler: strategy already running")
	ErrUnknownStrategy    = errors.New("scheduler: strategy not found")
	ErrRequiresManualReset = errors.New("scheduler: strategy is stopped_by_risk and requires a manual reset before restarting")
)

// task is one running strategy's cooperative goroutine.
type task struct {
	strategyID string
	accountID  string
	cancel     context.CancelFunc
	done       chan struct{}
	runErr     error // set if the goroutine exited on an unrecovered error

	// thresholdNotified tracks whether the current open position has
	// already fired a pnl-threshold notification, so a strategy sitting
	// past a profit target for many ticks in a row notifies once, not on
	// every tick. Cleared whenever the position goes flat.
	thresholdNotified bool
}

// Scheduler owns the live set of running strategies.
type Scheduler struct {
	st       *store.Service
	accounts *account.Registry
	execu    *executor.Executor
	gate     *risk.Gate
	breaker  *breaker.Breaker
	notifier notify.Sink
	hist     *data.HistoricalDataService

	maxConcurrent int

	// pnlNotifyProfitUSDT/pnlNotifyLossUSDT gate the unrealized-pnl
	// notification in tick's step 5; zero disables that side.
	pnlNotifyProfitUSDT float64
	pnlNotifyLossUSDT   float64

	mu        sync.Mutex
	tasks     map[string]*task
	summaries map[string]*executor.Summary
}

func New(st *store.Service, accounts *account.Registry, execu *executor.Executor, gate *risk.Gate, brk *breaker.Breaker, notifier notify.Sink, maxConcurrent int) *Scheduler {
	return &Scheduler{
		st:            st,
		accounts:      accounts,
		execu:         execu,
		gate:          gate,
		breaker:       brk,
		notifier:      notifier,
		maxConcurrent: maxConcurrent,
		tasks:         make(map[string]*task),
		summaries:     make(map[string]*executor.Summary),
	}
}

// SetPnLThresholds configures the unrealized-pnl levels that arm a one-shot
// notification in the tick loop. Either may be zero to disable that side.
func (s *Scheduler) SetPnLThresholds(profitUSDT, lossUSDT float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pnlNotifyProfitUSDT = profitUSDT
	s.pnlNotifyLossUSDT = lossUSDT
}

// SetBreaker wires the circuit breaker in after construction, breaking the
// Scheduler<->breaker.Breaker construction cycle: the breaker needs a
// Stopper (the scheduler) and the scheduler needs the breaker, so one side
// is always built with a nil dependency and patched in here.
func (s *Scheduler) SetBreaker(b *breaker.Breaker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker = b
}

// SetHistoricalData wires in a klines source so a newly started strategy's
// evaluator can be seeded with recent closes instead of holding through a
// full warm-up period of live ticks. Optional: nil skips seeding entirely.
func (s *Scheduler) SetHistoricalData(svc *data.HistoricalDataService) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist = svc
}

// Summary returns the live in-memory position view for a running strategy,
// or nil if it isn't running.
func (s *Scheduler) Summary(strategyID string) *executor.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[strategyID]
}

func (s *Scheduler) runningCount() int {
	return len(s.tasks)
}

// Start admits a strategy into the running set, enforcing max_concurrent
// here (at start time, not at registration) so a large backlog of stopped
// strategies never blocks operators from starting the ones they need.
func (s *Scheduler) Start(ctx context.Context, strategyID string) error {
	s.mu.Lock()
	if _, ok := s.tasks[strategyID]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.maxConcurrent > 0 && s.runningCount() >= s.maxConcurrent {
		s.mu.Unlock()
		return ErrMaxConcurrent
	}
	s.mu.Unlock()

	cfg, err := s.st.GetRuntimeConfig(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Status == "stopped_by_risk" {
		return ErrRequiresManualReset
	}
	if cfg.Leverage <= 0 {
		return fmt.Errorf("scheduler: strategy %s has no configured leverage", strategyID)
	}

	ev, err := strategyeval.New(cfg.StrategyType, strategyID, cfg.Symbol, []byte(cfg.Parameters))
	if err != nil {
		return fmt.Errorf("build evaluator: %w", err)
	}
	s.restoreEvaluatorState(ctx, ev, strategyID)
	s.seedEvaluator(ctx, ev, cfg)

	summary := s.hydrateSummary(strategyID, cfg.Symbol)

	// The task's lifetime is independent of Start's caller context, which
	// only gates the synchronous admission/config-load path above.
	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{strategyID: strategyID, accountID: cfg.AccountRef, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[strategyID] = t
	s.summaries[strategyID] = summary
	s.mu.Unlock()

	if err := s.st.UpdateStrategyStatus(ctx, strategyID, "running"); err != nil {
		log.Warn().Err(err).Str("strategy_id", strategyID).Msg("scheduler: failed to persist running status")
	}
	s.notifier.StrategyStarted(strategyID, cfg.Symbol)

	go s.run(taskCtx, t, cfg, ev, summary)
	return nil
}

// restoreEvaluatorState loads a strategy's last persisted evaluator state
// (if any) before it starts running again, so a restart doesn't lose the
// price window or the prev-signal latch that prevents re-entering a
// position the evaluator already thinks it's holding. Seeding from
// historical klines runs after this and is a no-op once state has already
// populated the evaluator's price window.
func (s *Scheduler) restoreEvaluatorState(ctx context.Context, ev strategyeval.Evaluator, strategyID string) {
	raw, err := s.st.GetEvaluatorState(ctx, strategyID)
	if err != nil || raw == "" {
		return
	}
	if err := ev.SetState([]byte(raw)); err != nil {
		log.Warn().Err(err).Str("strategy_id", strategyID).Msg("scheduler: failed to restore evaluator state")
	}
}

// persistEvaluatorState saves the evaluator's current state after each
// evaluation, best effort: a failed write just means the next restart warms
// up from live ticks (or historical seed) the way it always used to.
func (s *Scheduler) persistEvaluatorState(ctx context.Context, ev strategyeval.Evaluator, strategyID string) {
	state, err := ev.GetState()
	if err != nil {
		return
	}
	if err := s.st.SaveEvaluatorState(ctx, strategyID, string(state)); err != nil {
		log.Warn().Err(err).Str("strategy_id", strategyID).Msg("scheduler: failed to persist evaluator state")
	}
}

// seedEvaluator pre-fills a freshly built evaluator from recent klines, best
// effort: a failed or skipped fetch just leaves the evaluator to warm up
// from live ticks the way it always has.
func (s *Scheduler) seedEvaluator(ctx context.Context, ev strategyeval.Evaluator, cfg store.RuntimeConfig) {
	s.mu.Lock()
	hist := s.hist
	s.mu.Unlock()
	if hist == nil {
		return
	}

	interval := klineInterval(cfg.IntervalSeconds)
	klines, err := hist.GetKlines(ctx, cfg.Symbol, interval, 200)
	if err != nil {
		log.Warn().Err(err).Str("strategy_id", cfg.ID).Msg("scheduler: historical seed fetch failed")
		return
	}
	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	ev.Seed(closes)
}

// klineInterval maps a strategy's tick interval to the nearest Binance
// kline interval string; strategies ticking faster than 1m still seed off
// 1m candles since that's the finest interval Binance exposes.
func klineInterval(intervalSeconds int) string {
	switch {
	case intervalSeconds >= 86400:
		return "1d"
	case intervalSeconds >= 14400:
		return "4h"
	case intervalSeconds >= 3600:
		return "1h"
	case intervalSeconds >= 900:
		return "15m"
	case intervalSeconds >= 300:
		return "5m"
	default:
		return "1m"
	}
}

// hydrateSummary loads the last-known position view from the cache mirror,
// falling back to a flat summary for a never-seen strategy.
func (s *Scheduler) hydrateSummary(strategyID, symbol string) *executor.Summary {
	summary := &executor.Summary{StrategyID: strategyID, Symbol: symbol}
	cache := s.st.Cache()
	if cache == nil {
		return summary
	}
	raw, err := cache.GetSummary(strategyID)
	if err != nil || raw == nil {
		return summary
	}
	var cached executor.Summary
	if err := unmarshalSummary(raw, &cached); err == nil {
		cached.StrategyID = strategyID
		cached.Symbol = symbol
		return &cached
	}
	return summary
}

// StopStrategy satisfies breaker.Stopper: the circuit breaker halts a
// strategy the same way an operator-initiated stop does.
func (s *Scheduler) StopStrategy(strategyID string, reason string) error {
	return s.Stop(context.Background(), strategyID, reason)
}

// Stop cancels a running strategy's task, tears down its position (native
// TP/SL cancel, reduce-only close), and persists the final status.
func (s *Scheduler) Stop(ctx context.Context, strategyID string, reason string) error {
	s.mu.Lock()
	t, ok := s.tasks[strategyID]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownStrategy
	}

	t.cancel()
	<-t.done

	s.closePosition(ctx, t, reason)

	status := "stopped"
	if reason != "" && reason != "manual" {
		status = "stopped_by_risk"
	}
	if err := s.st.UpdateStrategyStatus(ctx, strategyID, status); err != nil {
		log.Warn().Err(err).Str("strategy_id", strategyID).Msg("scheduler: failed to persist stopped status")
	}

	s.mu.Lock()
	summary := s.summaries[strategyID]
	delete(s.tasks, strategyID)
	delete(s.summaries, strategyID)
	s.mu.Unlock()

	finalPnL := 0.0
	if summary != nil {
		finalPnL = summary.UnrealizedPnL
	}
	s.notifier.StrategyStopped(strategyID, finalPnL)
	return nil
}

// closePosition cancels native TP/SL and force-closes any open position via
// a reduce-only market order, run once on the outer stop path (not on every
// tick's cooperative cancellation).
func (s *Scheduler) closePosition(ctx context.Context, t *task, reason string) {
	s.mu.Lock()
	summary := s.summaries[t.strategyID]
	s.mu.Unlock()
	if summary == nil || summary.IsFlat() {
		return
	}

	client, err := s.accounts.GetClient(ctx, t.accountID)
	if err != nil {
		log.Warn().Err(err).Str("strategy_id", t.strategyID).Msg("scheduler: cannot resolve client to close position on stop")
		return
	}

	side := common.SideSell
	if summary.PositionSide == "SHORT" {
		side = common.SideBuy
	}
	if _, err := client.ClosePosition(ctx, summary.Symbol, side, summary.PositionSize, summary.PositionSide); err != nil {
		log.Warn().Err(err).Str("strategy_id", t.strategyID).Msg("scheduler: reduce-only close on stop failed")
		return
	}
	summary.Clear()
}

// run is the per-strategy goroutine: warm-up then the tick loop until the
// task context is cancelled.
func (s *Scheduler) run(ctx context.Context, t *task, cfg store.RuntimeConfig, ev strategyeval.Evaluator, summary *executor.Summary) {
	defer close(t.done)
	defer ev.Teardown()

	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.tick(ctx, t, cfg, ev, summary); err != nil {
			log.Error().Err(err).Str("strategy_id", t.strategyID).Msg("scheduler: tick failed")
			t.runErr = err
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// tick is the scheduler's 7-step per-tick sequence.
func (s *Scheduler) tick(ctx context.Context, t *task, cfg store.RuntimeConfig, ev strategyeval.Evaluator, summary *executor.Summary) error {
	client, err := s.accounts.GetClient(ctx, t.accountID)
	if err != nil {
		return fmt.Errorf("resolve client: %w", err)
	}

	// 1. Reconcile against the exchange: detect a TP/SL-caused close before
	// the evaluator runs, so it never re-enters thinking it still holds a
	// position the exchange has already closed out.
	pos, err := client.GetOpenPosition(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("get open position: %w", err)
	}
	if pos == nil || pos.Quantity == 0 {
		if !summary.IsFlat() {
			reason, cleared := s.execu.ReconcileTPSL(ctx, t.accountID, summary)
			if cleared && s.breaker != nil {
				s.breaker.RecordTrade(t.accountID, t.strategyID, reason != executor.ExitStopLoss)
			}
			summary.Clear()
			t.thresholdNotified = false
		}
	} else {
		summary.PositionSide = pos.Side
		summary.PositionSize = pos.Quantity
		summary.EntryPrice = pos.EntryPrice
		summary.UnrealizedPnL = pos.UnrealizedPnL
	}

	// 2. Push the reconciled state into the evaluator.
	ev.SyncPositionState(summary)

	// 3. Evaluate.
	price, err := client.GetPrice(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("get price: %w", err)
	}
	sig, err := ev.Evaluate(price)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	s.persistEvaluatorState(ctx, ev, t.strategyID)

	// 4. Refresh display price / unrealized pnl.
	summary.CurrentPrice = price
	if !summary.IsFlat() {
		if summary.PositionSide == "LONG" {
			summary.UnrealizedPnL = (price - summary.EntryPrice) * summary.PositionSize
		} else {
			summary.UnrealizedPnL = (summary.EntryPrice - price) * summary.PositionSize
		}
	}

	// 5. PnL threshold notification: fires once per arming when the open
	// position's unrealized pnl crosses a configured level, then disarms
	// until the position goes flat again (closePosition/step 1 re-arms it).
	s.checkPnLThreshold(t, summary)

	if sig.Action == executor.ActionHold {
		return nil
	}

	// 6. Execute.
	if s.breaker != nil {
		if tripped, _ := s.breaker.IsStrategyTripped(t.strategyID); tripped {
			return nil
		}
		if tripped, _ := s.breaker.IsAccountTripped(t.accountID); tripped {
			return nil
		}
	}

	balances, err := client.FuturesAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	var available float64
	for _, b := range balances {
		available += b.AvailableBalance
	}

	notional := available * cfg.RiskPerTrade
	if cfg.FixedAmount != nil {
		notional = *cfg.FixedAmount
	}
	size := 0.0
	if price > 0 {
		size = notional / price
	}

	reserve := s.gate.CheckAndReserve(risk.ReserveRequest{
		AccountID: t.accountID,
		StrategyID: t.strategyID,
		Signal:    risk.SignalInput{Symbol: cfg.Symbol, Action: string(sig.Action), Size: size, Price: price},
		Position:  risk.Position{Symbol: cfg.Symbol, Side: summary.PositionSide, EntryPrice: summary.EntryPrice, CurrentPrice: price, Quantity: summary.PositionSize},
		AccountState: risk.Account{Balance: available, AvailableBalance: available},
		Leverage:  float64(cfg.Leverage),
	})
	if !reserve.Decision.Allowed {
		log.Info().Str("strategy_id", t.strategyID).Str("reason", reserve.Decision.Reason).Msg("scheduler: risk gate rejected signal")
		return nil
	}

	req := executor.Request{
		AccountID: t.accountID, StrategyID: t.strategyID, Symbol: cfg.Symbol,
		Signal: sig, Leverage: cfg.Leverage,
		Sizing:          executor.Sizing{FixedAmount: cfg.FixedAmount, RiskPerTrade: cfg.RiskPerTrade, Balance: available},
		TPPercent:       cfg.TPPercent,
		SLPercent:       cfg.SLPercent,
		UseTrailingStop: cfg.UseTrailingStop,
	}

	preFillPnL := summary.UnrealizedPnL
	fill, err := s.execu.Execute(ctx, req, summary)
	if err != nil {
		if errors.Is(err, executor.ErrDuplicateSignal) {
			return nil
		}
		s.gate.Release(t.accountID, reserve.ReservationID)
		log.Warn().Err(err).Str("strategy_id", t.strategyID).Msg("scheduler: order execution failed")
		return nil
	}
	s.gate.UpdateReservation(t.accountID, reserve.ReservationID, 1.0, true)

	if fill.Intent == executor.IntentClose && s.breaker != nil {
		s.breaker.RecordTrade(t.accountID, t.strategyID, preFillPnL >= 0)
	}

	// e. Immediately re-reconcile so the next tick's evaluator sync sees
	// the true post-fill exchange state, not just our local estimate.
	if pos, err := client.GetOpenPosition(ctx, cfg.Symbol); err == nil {
		if pos == nil || pos.Quantity == 0 {
			summary.Clear()
		} else {
			summary.PositionSide = pos.Side
			summary.PositionSize = pos.Quantity
			summary.EntryPrice = pos.EntryPrice
		}
	}
	s.persistSummary(summary)
	return nil
}

// checkPnLThreshold notifies once when an open position's unrealized pnl
// crosses a configured profit or loss level, then stays quiet until the
// position closes and a new one re-arms it.
func (s *Scheduler) checkPnLThreshold(t *task, summary *executor.Summary) {
	if summary.IsFlat() || t.thresholdNotified {
		return
	}
	s.mu.Lock()
	profit, loss := s.pnlNotifyProfitUSDT, s.pnlNotifyLossUSDT
	s.mu.Unlock()

	switch {
	case profit > 0 && summary.UnrealizedPnL >= profit:
		s.notifier.PnLThreshold(t.strategyID, summary.UnrealizedPnL, "profit")
		t.thresholdNotified = true
	case loss > 0 && summary.UnrealizedPnL <= -loss:
		s.notifier.PnLThreshold(t.strategyID, summary.UnrealizedPnL, "loss")
		t.thresholdNotified = true
	}
}

func (s *Scheduler) persistSummary(summary *executor.Summary) {
	cache := s.st.Cache()
	if cache == nil {
		return
	}
	raw, err := marshalSummary(summary)
	if err != nil {
		return
	}
	if err := cache.PutSummary(summary.StrategyID, raw); err != nil {
		log.Warn().Err(err).Str("strategy_id", summary.StrategyID).Msg("scheduler: failed to persist summary to cache")
	}
}

// ReapDeadTasks flips any strategy whose goroutine exited with an
// unrecovered error from running to error, so the API surface never shows
// a strategy as "running" when its task is actually gone. Intended to be
// called periodically by the supervisor.
func (s *Scheduler) ReapDeadTasks(ctx context.Context) {
	s.mu.Lock()
	var dead []string
	for id, t := range s.tasks {
		select {
		case <-t.done:
			dead = append(dead, id)
		default:
		}
	}
	s.mu.Unlock()

	for _, id := range dead {
		s.mu.Lock()
		t := s.tasks[id]
		delete(s.tasks, id)
		delete(s.summaries, id)
		s.mu.Unlock()

		status := "error"
		if err := s.st.UpdateStrategyStatus(ctx, id, status); err != nil {
			log.Warn().Err(err).Str("strategy_id", id).Msg("scheduler: failed to persist error status for dead task")
		}
		if t != nil && t.runErr != nil {
			s.notifier.StrategyError(id, t.runErr)
		}
	}
}

// Running reports whether a strategy currently has a live task.
func (s *Scheduler) Running(strategyID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[strategyID]
	return ok
}

// RunningIDs returns every currently-running strategy id.
func (s *Scheduler) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		out = append(out, id)
	}
	return out
}
