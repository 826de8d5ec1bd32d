package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futurestrader/internal/account"
	"futurestrader/internal/breaker"
	"futurestrader/internal/exchange"
	"futurestrader/internal/executor"
	"futurestrader/internal/notify"
	"futurestrader/internal/risk"
	"futurestrader/internal/store"
	"futurestrader/internal/strategyeval"
	"futurestrader/pkg/crypto"
)

type fakeLoader struct{}

func (fakeLoader) GetAccountCredentials(ctx context.Context, accountID string) (account.Credentials, error) {
	return account.Credentials{}, nil
}
func (fakeLoader) AccountExists(ctx context.Context, accountID string) (bool, error) { return true, nil }

func newTestScheduler(t *testing.T, maxConcurrent int) (*Scheduler, *store.Service, *exchange.Mock) {
	t.Helper()
	keyB64, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MASTER_ENCRYPTION_KEY", keyB64)
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)

	reg := account.NewRegistry(fakeLoader{}, km)
	mock := exchange.NewMock()
	reg.InjectTestClient("default", mock)

	st, err := store.Open(":memory:", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	execu := executor.New(reg, st, 0.0004)
	gate := risk.NewGate(risk.NewInMemory(risk.DefaultConfig()))

	sched := New(st, reg, execu, gate, nil, notify.NoopSink{}, maxConcurrent)
	brk := breaker.New(breaker.DefaultConfig(), sched)
	sched.SetBreaker(brk)

	return sched, st, mock
}

func seedStrategy(t *testing.T, st *store.Service, id, sType, params string) {
	t.Helper()
	_, err := st.DB().Exec(`
		INSERT INTO strategy_instances (id, name, strategy_type, symbol, interval, parameters, leverage, risk_per_trade, account_ref, interval_seconds, status)
		VALUES (?, ?, ?, 'BTCUSDT', '1m', ?, 5, 0.1, 'default', 1, 'stopped')
	`, id, id, sType, params)
	require.NoError(t, err)
}

func TestStartEnforcesMaxConcurrent(t *testing.T) {
	sched, st, _ := newTestScheduler(t, 1)
	seedStrategy(t, st, "s1", "rsi", `{"period":3,"oversold":30,"overbought":70}`)
	seedStrategy(t, st, "s2", "rsi", `{"period":3,"oversold":30,"overbought":70}`)

	require.NoError(t, sched.Start(context.Background(), "s1"))
	err := sched.Start(context.Background(), "s2")
	assert.ErrorIs(t, err, ErrMaxConcurrent)

	sched.Stop(context.Background(), "s1", "manual")
}

func TestStartRejectsStoppedByRisk(t *testing.T) {
	sched, st, _ := newTestScheduler(t, 5)
	seedStrategy(t, st, "s1", "rsi", `{"period":3,"oversold":30,"overbought":70}`)
	_, err := st.DB().Exec(`UPDATE strategy_instances SET status = 'stopped_by_risk' WHERE id = 's1'`)
	require.NoError(t, err)

	err = sched.Start(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrRequiresManualReset)
}

func TestTickExecutesSignalAndUpdatesSummary(t *testing.T) {
	sched, st, mock := newTestScheduler(t, 5)
	seedStrategy(t, st, "s1", "rsi", `{"period":2,"oversold":99,"overbought":100.1}`)
	mock.Prices["BTCUSDT"] = 100
	mock.Leverage["BTCUSDT"] = 5
	mock.Balances = []exchange.Balance{{Asset: "USDT", WalletBalance: 1000, AvailableBalance: 1000}}

	require.NoError(t, sched.Start(context.Background(), "s1"))
	defer sched.Stop(context.Background(), "s1", "manual")

	require.Eventually(t, func() bool {
		return len(mock.Submitted) > 0
	}, 2*time.Second, 10*time.Millisecond, "expected at least one order submitted once RSI crosses oversold")

	summary := sched.Summary("s1")
	require.NotNil(t, summary)
	assert.Equal(t, "LONG", summary.PositionSide)
}

func TestStopClosesOpenPosition(t *testing.T) {
	sched, st, mock := newTestScheduler(t, 5)
	seedStrategy(t, st, "s1", "rsi", `{"period":50,"oversold":1,"overbought":2}`) // never signals on its own
	mock.Prices["BTCUSDT"] = 100
	mock.Leverage["BTCUSDT"] = 5

	require.NoError(t, sched.Start(context.Background(), "s1"))

	sched.mu.Lock()
	sched.summaries["s1"].PositionSide = "LONG"
	sched.summaries["s1"].PositionSize = 1
	sched.summaries["s1"].EntryPrice = 100
	sched.mu.Unlock()

	require.NoError(t, sched.Stop(context.Background(), "s1", "manual"))

	found := false
	for _, req := range mock.Submitted {
		if req.ReduceOnly {
			found = true
		}
	}
	assert.True(t, found, "expected a reduce-only close order on stop")
}

func TestRestoreEvaluatorStateAppliesPersistedState(t *testing.T) {
	sched, st, _ := newTestScheduler(t, 5)
	seedStrategy(t, st, "s1", "rsi", `{"period":2,"oversold":30,"overbought":70}`)
	require.NoError(t, st.SaveEvaluatorState(context.Background(), "s1", `{"prev_signal":"SELL","rsi":77,"prices":[10,20,30]}`))

	ev, err := strategyeval.New("rsi", "s1", "BTCUSDT", json.RawMessage(`{"period":2,"oversold":30,"overbought":70}`))
	require.NoError(t, err)

	sched.restoreEvaluatorState(context.Background(), ev, "s1")

	state, err := ev.GetState()
	require.NoError(t, err)
	assert.JSONEq(t, `{"prev_signal":"SELL","rsi":77,"prices":[10,20,30]}`, string(state))
}

func TestRestoreEvaluatorStateNoopWhenNothingPersisted(t *testing.T) {
	sched, _, _ := newTestScheduler(t, 5)
	ev, err := strategyeval.New("rsi", "s1", "BTCUSDT", json.RawMessage(`{"period":2,"oversold":30,"overbought":70}`))
	require.NoError(t, err)

	sched.restoreEvaluatorState(context.Background(), ev, "s1")

	state, err := ev.GetState()
	require.NoError(t, err)
	assert.JSONEq(t, `{"prev_signal":"HOLD","rsi":0,"prices":[]}`, string(state))
}

func TestPersistEvaluatorStateWritesToStore(t *testing.T) {
	sched, st, _ := newTestScheduler(t, 5)
	seedStrategy(t, st, "s1", "rsi", `{"period":2,"oversold":30,"overbought":70}`)

	ev, err := strategyeval.New("rsi", "s1", "BTCUSDT", json.RawMessage(`{"period":2,"oversold":30,"overbought":70}`))
	require.NoError(t, err)
	_, err = ev.Evaluate(55)
	require.NoError(t, err)

	sched.persistEvaluatorState(context.Background(), ev, "s1")

	saved, err := st.GetEvaluatorState(context.Background(), "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, saved)
}

type thresholdSink struct {
	notify.NoopSink
	strategyID string
	pnl        float64
	kind       string
	calls      int
}

func (s *thresholdSink) PnLThreshold(strategyID string, pnl float64, kind string) {
	s.strategyID, s.pnl, s.kind = strategyID, pnl, kind
	s.calls++
}

func TestPnLThresholdNotifiesOncePerCrossing(t *testing.T) {
	sched, st, _ := newTestScheduler(t, 5)
	seedStrategy(t, st, "s1", "rsi", `{"period":50,"oversold":1,"overbought":2}`)
	sched.SetPnLThresholds(5, 0)

	require.NoError(t, sched.Start(context.Background(), "s1"))
	defer sched.Stop(context.Background(), "s1", "manual")

	sink := &thresholdSink{}
	sched.notifier = sink

	sched.mu.Lock()
	tk := sched.tasks["s1"]
	summary := sched.summaries["s1"]
	summary.PositionSide = "LONG"
	summary.PositionSize = 1
	summary.EntryPrice = 100
	summary.UnrealizedPnL = 10
	sched.mu.Unlock()

	sched.checkPnLThreshold(tk, summary)
	sched.checkPnLThreshold(tk, summary)

	assert.Equal(t, 1, sink.calls, "threshold notification should fire once per crossing")
	assert.Equal(t, "profit", sink.kind)
	assert.Equal(t, "s1", sink.strategyID)
}

func TestReapDeadTasksMarksError(t *testing.T) {
	sched, st, _ := newTestScheduler(t, 5)
	seedStrategy(t, st, "s1", "rsi", `{"period":3,"oversold":30,"overbought":70}`)
	require.NoError(t, sched.Start(context.Background(), "s1"))

	sched.mu.Lock()
	tk := sched.tasks["s1"]
	sched.mu.Unlock()
	tk.cancel() // simulate the task's goroutine dying on its own, without going through Stop
	<-tk.done

	sched.ReapDeadTasks(context.Background())
	assert.False(t, sched.Running("s1"))

	var status string
	require.NoError(t, st.DB().QueryRow(`SELECT status FROM strategy_instances WHERE id = 's1'`).Scan(&status))
	assert.Equal(t, "error", status)
}
