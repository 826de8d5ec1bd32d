// Package strategyeval adapts the runtime's signal-generating algorithms
// (moving-average crossover, RSI, Bollinger bands) to a common Evaluator
// capability the scheduler drives once per tick, independent of order
// execution or exchange access.
package strategyeval

import (
	"encoding/json"
	"fmt"

	"futurestrader/internal/executor"
)

// Evaluator produces trading signals for one strategy instance and tracks
// just enough state (moving averages, last signal direction) to detect
// crossings between ticks. It never talks to the exchange or the store.
type Evaluator interface {
	// Evaluate feeds one new price and returns the resulting signal. A
	// HOLD action means no state transition occurred.
	Evaluate(price float64) (executor.Signal, error)

	// SyncPositionState is called once per tick, before Evaluate, so the
	// evaluator's internal "last signal" bookkeeping can't drift from the
	// exchange-reconciled position (e.g. after a native TP/SL closed the
	// position out from under it).
	SyncPositionState(summary *executor.Summary)

	// Teardown runs once when the strategy is stopped or its task is
	// cancelled. Most evaluators have nothing to release.
	Teardown()

	GetState() (json.RawMessage, error)
	SetState(data json.RawMessage) error

	// Seed pre-fills the price window from historical closes so the
	// evaluator can produce a real signal on its first live tick instead
	// of holding for a full period's worth of ticks after Start. Prices
	// are given oldest-first; an evaluator with its own state already
	// set (e.g. restored from SetState) should treat this as a no-op.
	Seed(closes []float64)
}

// Constructor builds an Evaluator from a strategy instance's persisted
// parameters blob.
type Constructor func(id, symbol string, params json.RawMessage) (Evaluator, error)

var registry = map[string]Constructor{}

// Register adds a strategy type to the registry. Called from each
// evaluator's init().
func Register(strategyType string, ctor Constructor) {
	registry[strategyType] = ctor
}

// New constructs the evaluator for a persisted strategy instance.
func New(strategyType, id, symbol string, params json.RawMessage) (Evaluator, error) {
	ctor, ok := registry[strategyType]
	if !ok {
		return nil, fmt.Errorf("strategyeval: unknown strategy type %q", strategyType)
	}
	return ctor(id, symbol, params)
}

// Registered reports whether a strategy type has a constructor, for
// validation at strategy-create time before anything is persisted.
func Registered(strategyType string) bool {
	_, ok := registry[strategyType]
	return ok
}
