// Package executor is the Order Executor (spec component G): leverage
// enforcement, open/close intent resolution, bounded-retry order
// submission, native TP/SL lifecycle, and idempotent fill tracking.
package executor

import "time"

// Action is what an evaluator decided to do this tick.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ExitReason classifies why a position closed, for completed-trade
// reporting and circuit-breaker bookkeeping.
type ExitReason string

const (
	ExitTakeProfit    ExitReason = "TP"
	ExitStopLoss      ExitReason = "SL"
	ExitTrailingStop  ExitReason = "TP_TRAILING"
	ExitEMADeathCross ExitReason = "EMA_DEATH_CROSS"
	ExitManual        ExitReason = "MANUAL"
	ExitUnknown       ExitReason = "UNKNOWN"
)

// Signal is an evaluator's per-tick decision. Evaluators (internal/
// strategyeval) produce these; the executor consumes them.
type Signal struct {
	Action       Action
	Symbol       string
	Price        float64
	Confidence   float64
	ExitReason   ExitReason
	PositionSide string // LONG/SHORT, set when the signal explicitly targets a side
	BarCloseTime time.Time
}

// Sizing carries the inputs the executor needs to size an opening order.
// Exactly the strategy's configured sizing method is used: fixed notional
// if set, otherwise risk_per_trade as a fraction of account balance.
type Sizing struct {
	FixedAmount  *float64
	RiskPerTrade float64
	Balance      float64
}

// Summary is the in-memory live view of one strategy's position, the
// authoritative-at-the-exchange-boundary mirror the scheduler reconciles
// every tick and the executor mutates on every fill.
//
// Invariant: PositionSize == 0 iff PositionSide == "" iff EntryPrice == 0.
type Summary struct {
	StrategyID    string
	Symbol        string
	PositionSide  string
	PositionSize  float64
	EntryPrice    float64
	CurrentPrice  float64
	UnrealizedPnL float64
	LastSignal    Action

	// TPOrderID/SLOrderID hold the exchange order ids of the native
	// take-profit/stop-loss orders placed after the last open, or "" if
	// none are active.
	TPOrderID string
	SLOrderID string
}

func (s *Summary) IsFlat() bool { return s.PositionSize == 0 }

// Clear resets the position view to flat, e.g. after a close.
func (s *Summary) Clear() {
	s.PositionSide = ""
	s.PositionSize = 0
	s.EntryPrice = 0
	s.UnrealizedPnL = 0
	s.TPOrderID = ""
	s.SLOrderID = ""
}

// Intent is what the executor decided to do with a non-HOLD signal, after
// comparing it against the live position.
type Intent string

const (
	IntentOpen  Intent = "open"
	IntentClose Intent = "close"
)

// Request bundles everything Execute needs for one non-HOLD tick.
type Request struct {
	AccountID  string
	StrategyID string
	Symbol     string
	Signal     Signal
	Leverage   int
	Sizing     Sizing
	TPPercent  float64 // 0 disables native take-profit
	SLPercent  float64 // 0 disables native stop-loss
	UseTrailingStop bool // when true, native TP/SL placement is skipped; the evaluator's own trailing logic is the backstop
	ReduceOnlyOverride *bool
}

// Fill is the normalized result of a successful order submission, used to
// build the trade and completed-trade records.
type Fill struct {
	ExchangeOrderID string
	Status          string
	Price           float64
	Qty             float64
	Intent          Intent
}
