package strategyeval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futurestrader/internal/executor"
)

func TestRegisteredStrategyTypes(t *testing.T) {
	for _, st := range []string{"ma_cross", "rsi", "bollinger"} {
		assert.True(t, Registered(st), "expected %s to be registered", st)
	}
	assert.False(t, Registered("not_a_real_strategy"))
}

func TestMACrossDetectsGoldenCross(t *testing.T) {
	ev, err := New("ma_cross", "s1", "BTCUSDT", json.RawMessage(`{"fast":2,"slow":4}`))
	require.NoError(t, err)

	var last executor.Signal
	for _, p := range []float64{100, 100, 100, 100, 90, 80, 120, 140} {
		sig, err := ev.Evaluate(p)
		require.NoError(t, err)
		if sig.Action != executor.ActionHold {
			last = sig
		}
	}
	assert.Equal(t, executor.ActionBuy, last.Action)
}

func TestMACrossSyncPositionStatePreventsReEntry(t *testing.T) {
	ev, err := New("ma_cross", "s1", "BTCUSDT", json.RawMessage(`{"fast":2,"slow":4}`))
	require.NoError(t, err)
	ev.SyncPositionState(&executor.Summary{PositionSide: "LONG", PositionSize: 1})

	for _, p := range []float64{100, 100, 100, 100, 110, 120} {
		sig, err := ev.Evaluate(p)
		require.NoError(t, err)
		assert.NotEqual(t, executor.ActionBuy, sig.Action, "should not re-signal BUY while already synced long")
	}
}

func TestRSIOversoldProducesBuy(t *testing.T) {
	ev, err := New("rsi", "s1", "BTCUSDT", json.RawMessage(`{"period":3,"oversold":30,"overbought":70}`))
	require.NoError(t, err)

	var last executor.Signal
	for _, p := range []float64{100, 90, 80, 70} {
		sig, err := ev.Evaluate(p)
		require.NoError(t, err)
		if sig.Action != executor.ActionHold {
			last = sig
		}
	}
	assert.Equal(t, executor.ActionBuy, last.Action)
}

func TestBollingerBreakoutProducesSignal(t *testing.T) {
	ev, err := New("bollinger", "s1", "BTCUSDT", json.RawMessage(`{"period":4,"std_dev":1.0}`))
	require.NoError(t, err)

	var last executor.Signal
	prices := []float64{100, 100, 100, 100, 60}
	for _, p := range prices {
		sig, err := ev.Evaluate(p)
		require.NoError(t, err)
		if sig.Action != executor.ActionHold {
			last = sig
		}
	}
	assert.Equal(t, executor.ActionBuy, last.Action)
}

func TestMACrossSeedProducesSignalOnFirstLiveTick(t *testing.T) {
	ev, err := New("ma_cross", "s1", "BTCUSDT", json.RawMessage(`{"fast":2,"slow":4}`))
	require.NoError(t, err)
	ev.Seed([]float64{100, 100, 100, 90, 80})

	sig, err := ev.Evaluate(140)
	require.NoError(t, err)
	assert.Equal(t, executor.ActionBuy, sig.Action, "a seeded evaluator should be able to cross on its very first live tick")
}

func TestSeedIsNoopOnceEvaluatorAlreadyHasState(t *testing.T) {
	ev, err := New("rsi", "s1", "BTCUSDT", json.RawMessage(`{"period":3,"oversold":30,"overbought":70}`))
	require.NoError(t, err)
	_, err = ev.Evaluate(100)
	require.NoError(t, err)

	stateBefore, err := ev.GetState()
	require.NoError(t, err)

	ev.Seed([]float64{50, 40, 30, 20})

	stateAfter, err := ev.GetState()
	require.NoError(t, err)
	assert.Equal(t, stateBefore, stateAfter, "seeding after live ticks have already started should be a no-op")
}

func TestStateRoundTrip(t *testing.T) {
	ev, err := New("rsi", "s1", "BTCUSDT", json.RawMessage(`{"period":3,"oversold":30,"overbought":70}`))
	require.NoError(t, err)
	for _, p := range []float64{100, 95, 90, 85} {
		_, err := ev.Evaluate(p)
		require.NoError(t, err)
	}
	state, err := ev.GetState()
	require.NoError(t, err)

	ev2, err := New("rsi", "s1", "BTCUSDT", json.RawMessage(`{"period":3,"oversold":30,"overbought":70}`))
	require.NoError(t, err)
	require.NoError(t, ev2.SetState(state))

	sig1, err := ev.Evaluate(80)
	require.NoError(t, err)
	sig2, err := ev2.Evaluate(80)
	require.NoError(t, err)
	assert.Equal(t, sig1.Action, sig2.Action)
}
