package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"futurestrader/internal/account"
	"futurestrader/internal/matcher"
	"futurestrader/internal/risk"
	"futurestrader/internal/store"
	"futurestrader/pkg/db"
	"futurestrader/pkg/exchanges/common"
)

var (
	ErrDuplicateSignal = errors.New("executor: signal already executed for this bar")
	ErrNoGateway       = errors.New("executor: no exchange client resolved for account")
)

// Executor is the Order Executor. It holds no per-strategy state of its
// own beyond the idempotency set; the live position view is owned by the
// caller's *Summary.
type Executor struct {
	accounts *account.Registry
	st       *store.Service
	feeRate  float64 // fraction of notional charged as commission on every fill
	riskMgr  *risk.Manager

	idemMu     sync.Mutex
	idempotent map[string]time.Time
}

func New(accounts *account.Registry, st *store.Service, feeRate float64) *Executor {
	return &Executor{
		accounts:   accounts,
		st:         st,
		feeRate:    feeRate,
		idempotent: make(map[string]time.Time),
	}
}

// SetRiskManager wires in the risk manager a completed trade's realized PnL
// should feed back into. Optional: nil (the default) just skips the
// feedback, same as the scheduler's other two-phase setters.
func (e *Executor) SetRiskManager(m *risk.Manager) {
	e.riskMgr = m
}

func idempotencyKey(strategyID string, barClose time.Time, action Action) string {
	return fmt.Sprintf("%s|%d|%s", strategyID, barClose.UnixNano(), action)
}

// seen records and checks an idempotency key in one step, pruning entries
// older than one hour so the set doesn't grow without bound across a long
// strategy lifetime.
func (e *Executor) seen(key string) bool {
	e.idemMu.Lock()
	defer e.idemMu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	for k, t := range e.idempotent {
		if t.Before(cutoff) {
			delete(e.idempotent, k)
		}
	}

	if _, ok := e.idempotent[key]; ok {
		return true
	}
	e.idempotent[key] = time.Now()
	return false
}

// sideForAction maps a BUY/SELL signal to the position side it would open.
func sideForAction(a Action) string {
	if a == ActionBuy {
		return "LONG"
	}
	return "SHORT"
}

// resolveIntent compares the live position against the signal direction.
// A signal opposite the held position is a close; anything else (flat, or
// same-direction) is treated as an open.
func resolveIntent(summary *Summary, action Action) Intent {
	if summary.IsFlat() {
		return IntentOpen
	}
	if sideForAction(action) != summary.PositionSide {
		return IntentClose
	}
	return IntentOpen
}

func sizeQty(s Sizing, price float64, leverage int) float64 {
	if price <= 0 {
		return 0
	}
	notional := s.RiskPerTrade * s.Balance
	if s.FixedAmount != nil {
		notional = *s.FixedAmount
	}
	return notional / price
}

// Execute runs one non-HOLD tick for a strategy: leverage enforcement,
// intent resolution, order submission, fill tracking, and native TP/SL
// lifecycle. summary is mutated in place to reflect the outcome.
func (e *Executor) Execute(ctx context.Context, req Request, summary *Summary) (Fill, error) {
	if req.Signal.Action == ActionHold {
		return Fill{}, nil
	}

	key := idempotencyKey(req.StrategyID, req.Signal.BarCloseTime, req.Signal.Action)
	if e.seen(key) {
		return Fill{}, ErrDuplicateSignal
	}

	client, err := e.accounts.GetClient(ctx, req.AccountID)
	if err != nil {
		return Fill{}, fmt.Errorf("%w: %v", ErrNoGateway, err)
	}

	// 1. Leverage invariant — fatal on failure, never risk a mis-leveraged fill.
	if err := e.enforceLeverage(ctx, client, req, summary); err != nil {
		return Fill{}, fmt.Errorf("leverage enforcement: %w", err)
	}

	intent := resolveIntent(summary, req.Signal.Action)

	var (
		side common.Side
		qty  float64
	)
	reduceOnly := false
	if req.ReduceOnlyOverride != nil {
		reduceOnly = *req.ReduceOnlyOverride
	}

	switch intent {
	case IntentClose:
		if summary.PositionSide == "LONG" {
			side = common.SideSell
		} else {
			side = common.SideBuy
		}
		qty = summary.PositionSize
		reduceOnly = true
	case IntentOpen:
		side = common.Side(req.Signal.Action)
		qty = sizeQty(req.Sizing, req.Signal.Price, req.Leverage)
	}

	if qty <= 0 {
		return Fill{}, fmt.Errorf("executor: computed non-positive order quantity for strategy %s", req.StrategyID)
	}

	// 3. Submit. Retry/backoff on transient failures is handled inside the
	// exchange client; auth/validation errors surface immediately here.
	res, err := client.PlaceOrder(ctx, common.OrderRequest{
		Symbol:     req.Symbol,
		Side:       side,
		Type:       common.OrderTypeMarket,
		Qty:        qty,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		return Fill{}, fmt.Errorf("submit order: %w", err)
	}

	fill := Fill{ExchangeOrderID: res.ExchangeOrderID, Status: string(res.Status), Price: req.Signal.Price, Qty: qty, Intent: intent}

	// 4. Fill tracking — a bare acknowledgement with no fill isn't a trade.
	if res.Status == common.StatusNew {
		return fill, nil
	}

	if err := e.recordFill(ctx, req, summary, fill); err != nil {
		log.Warn().Err(err).Str("strategy_id", req.StrategyID).Msg("executor: failed to persist fill")
	}

	switch intent {
	case IntentOpen:
		summary.PositionSide = sideForAction(req.Signal.Action)
		summary.PositionSize = qty
		summary.EntryPrice = fill.Price
		e.placeNativeTPSL(ctx, client, req, summary)
	case IntentClose:
		e.cancelNativeTPSL(ctx, client, req.Symbol, summary)
		summary.Clear()
	}
	summary.LastSignal = req.Signal.Action

	return fill, nil
}

func (e *Executor) enforceLeverage(ctx context.Context, client interface {
	GetCurrentLeverage(ctx context.Context, symbol string) (int, error)
	AdjustLeverage(ctx context.Context, symbol string, leverage int) error
}, req Request, summary *Summary) error {
	cur, err := client.GetCurrentLeverage(ctx, req.Symbol)
	if err != nil {
		return err
	}
	if cur != req.Leverage || summary.IsFlat() {
		if err := client.AdjustLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return err
		}
	}
	return nil
}

// recordFill appends the trade to the authoritative store (and cache
// mirror, transitively) and — when this fill closed a position — the
// derived completed-trade record.
func (e *Executor) recordFill(ctx context.Context, req Request, summary *Summary, fill Fill) error {
	tradeID := uuid.NewString()
	orderID := fill.ExchangeOrderID

	trade := db.Trade{
		ID:        tradeID,
		OrderID:   orderID,
		Symbol:    req.Symbol,
		Side:      string(req.Signal.Action),
		Price:     fill.Price,
		Qty:       fill.Qty,
		Fee:       fill.Price * fill.Qty * e.feeRate,
		CreatedAt: time.Now(),
	}
	if err := e.st.InsertTrade(ctx, trade); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	if fill.Intent != IntentClose {
		return nil
	}

	notional := summary.EntryPrice*summary.PositionSize + fill.Price*fill.Qty
	fee := notional * e.feeRate
	var gross float64
	if summary.PositionSide == "LONG" {
		gross = (fill.Price - summary.EntryPrice) * summary.PositionSize
	} else {
		gross = (summary.EntryPrice - fill.Price) * summary.PositionSize
	}

	entryTime := time.Now().Add(-time.Second) // best-effort; exact entry timestamp is tracked at open via the trade row
	exitTime := time.Now()

	ct := store.CompletedTrade{
		ID:                 uuid.NewString(),
		StrategyInstanceID: req.StrategyID,
		Symbol:             req.Symbol,
		Side:               summary.PositionSide,
		EntryPrice:         summary.EntryPrice,
		ExitPrice:          fill.Price,
		Quantity:           summary.PositionSize,
		EntryTime:          entryTime,
		ExitTime:           exitTime,
		ExitOrderID:        orderID,
		GrossPnL:           gross,
		FeePaid:            fee,
		NetPnL:             gross - fee,
		ExitReason:         string(resolveExitReason(req.Signal.ExitReason)),
	}
	if err := e.st.SaveCompletedTrade(ctx, ct); err != nil {
		return err
	}

	if e.riskMgr != nil {
		side := matcher.SideBuy
		if summary.PositionSide == "SHORT" {
			side = matcher.SideSell
		}
		mct := matcher.CompletedTrade{
			StrategyID:   req.StrategyID,
			Symbol:       req.Symbol,
			Side:         side,
			EntryPrice:   decimal.NewFromFloat(summary.EntryPrice),
			ExitPrice:    decimal.NewFromFloat(fill.Price),
			Qty:          decimal.NewFromFloat(summary.PositionSize),
			EntryFee:     decimal.NewFromFloat(summary.EntryPrice * summary.PositionSize * e.feeRate),
			ExitFee:      decimal.NewFromFloat(fill.Price * fill.Qty * e.feeRate),
			RealizedPnL:  decimal.NewFromFloat(gross - fee),
			OpenedAt:     entryTime.UnixMilli(),
			ClosedAt:     exitTime.UnixMilli(),
			OpenTradeID:  tradeID,
			CloseTradeID: tradeID,
		}
		if err := e.riskMgr.UpdateMetricsFromTrade(mct); err != nil {
			log.Warn().Err(err).Str("strategy_id", req.StrategyID).Msg("executor: risk metrics update failed")
		}
	}

	return nil
}

func resolveExitReason(r ExitReason) ExitReason {
	if r == "" {
		return ExitUnknown
	}
	return r
}

// --- native TP/SL -------------------------------------------------------

// placeNativeTPSL places separate reduce-only TP and SL orders after a
// successful open, unless trailing-stop is active (the evaluator is then
// the backstop). Failures here are logged, never fatal.
func (e *Executor) placeNativeTPSL(ctx context.Context, client interface {
	PlaceTakeProfitOrder(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64, positionSide string) (common.OrderResult, error)
	PlaceStopLossOrder(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64, positionSide string) (common.OrderResult, error)
}, req Request, summary *Summary) {
	if req.UseTrailingStop || (req.TPPercent <= 0 && req.SLPercent <= 0) {
		return
	}

	closeSide := common.SideSell
	if summary.PositionSide == "SHORT" {
		closeSide = common.SideBuy
	}

	if req.TPPercent > 0 {
		tpPrice := summary.EntryPrice * (1 + req.TPPercent)
		if summary.PositionSide == "SHORT" {
			tpPrice = summary.EntryPrice * (1 - req.TPPercent)
		}
		res, err := client.PlaceTakeProfitOrder(ctx, req.Symbol, closeSide, summary.PositionSize, tpPrice, summary.PositionSide)
		if err != nil {
			log.Warn().Err(err).Str("strategy_id", req.StrategyID).Msg("executor: native take-profit placement failed")
		} else {
			summary.TPOrderID = res.ExchangeOrderID
		}
	}

	if req.SLPercent > 0 {
		slPrice := summary.EntryPrice * (1 - req.SLPercent)
		if summary.PositionSide == "SHORT" {
			slPrice = summary.EntryPrice * (1 + req.SLPercent)
		}
		res, err := client.PlaceStopLossOrder(ctx, req.Symbol, closeSide, summary.PositionSize, slPrice, summary.PositionSide)
		if err != nil {
			log.Warn().Err(err).Str("strategy_id", req.StrategyID).Msg("executor: native stop-loss placement failed")
		} else {
			summary.SLOrderID = res.ExchangeOrderID
		}
	}
}

// cancelNativeTPSL cancels any recorded TP/SL orders on an explicit close.
// "Already filled" errors are ignored — the order may have triggered the
// very close we're now processing.
func (e *Executor) cancelNativeTPSL(ctx context.Context, client interface {
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
}, symbol string, summary *Summary) {
	for _, id := range []string{summary.TPOrderID, summary.SLOrderID} {
		if id == "" {
			continue
		}
		if err := client.CancelOrder(ctx, symbol, id); err != nil {
			log.Debug().Err(err).Str("order_id", id).Msg("executor: cancel native tp/sl order (likely already filled)")
		}
	}
	summary.TPOrderID = ""
	summary.SLOrderID = ""
}

// ReconcileTPSL checks whether either recorded TP/SL order has disappeared
// from the exchange's open-orders list (filled or externally cancelled)
// and clears the meta, inferring the exit reason from which one is gone.
// Called once per tick before the evaluator runs.
func (e *Executor) ReconcileTPSL(ctx context.Context, accountID string, summary *Summary) (ExitReason, bool) {
	if summary.TPOrderID == "" && summary.SLOrderID == "" {
		return "", false
	}
	client, err := e.accounts.GetClient(ctx, accountID)
	if err != nil {
		return "", false
	}
	open, err := client.GetOpenOrders(ctx, summary.Symbol)
	if err != nil {
		log.Warn().Err(err).Str("strategy_id", summary.StrategyID).Msg("executor: reconcile tp/sl failed to list open orders")
		return "", false
	}

	stillOpen := make(map[string]bool, len(open))
	for _, o := range open {
		stillOpen[o.ExchangeOrderID] = true
	}

	var reason ExitReason
	cleared := false
	if summary.TPOrderID != "" && !stillOpen[summary.TPOrderID] {
		reason = ExitTakeProfit
		summary.TPOrderID = ""
		cleared = true
	}
	if summary.SLOrderID != "" && !stillOpen[summary.SLOrderID] {
		reason = ExitStopLoss
		summary.SLOrderID = ""
		cleared = true
	}
	return reason, cleared
}
