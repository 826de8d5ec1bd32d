package supervisor

import (
	"context"
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
	"futurestrader/internal/scheduler"
	"futurestrader/internal/store"
	"futurestrader/pkg/crypto"
)

type fakeLoader struct{}

func (fakeLoader) GetAccountCredentials(ctx context.Context, accountID string) (account.Credentials, error) {
	return account.Credentials{}, nil
}
func (fakeLoader) AccountExists(ctx context.Context, accountID string) (bool, error) { return true, nil }

type recordingSink struct {
	notify.NoopSink
	restoredCount int
	errs          []error
	called        bool
}

func (r *recordingSink) ServerRestarted(restoredCount int, startupErrors []error) {
	r.called = true
	r.restoredCount = restoredCount
	r.errs = startupErrors
}

func TestOpenStoreWithRetrySucceedsImmediately(t *testing.T) {
	st, err := OpenStoreWithRetry(":memory:", "", 3, time.Millisecond)
	require.NoError(t, err)
	defer st.Close()
}

func TestOpenStoreWithRetryFailsAfterAttempts(t *testing.T) {
	_, err := OpenStoreWithRetry("/nonexistent/dir/does/not/exist.db", "", 2, time.Millisecond)
	assert.Error(t, err)
}

func TestBootRestartsRunningStrategiesAndNotifies(t *testing.T) {
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
	defer st.Close()

	execu := executor.New(reg, st, 0.0004)
	gate := risk.NewGate(risk.NewInMemory(risk.DefaultConfig()))
	sched := scheduler.New(st, reg, execu, gate, nil, notify.NoopSink{}, 5)
	sched.SetBreaker(breaker.New(breaker.DefaultConfig(), sched))

	_, err = st.DB().Exec(`
		INSERT INTO strategy_instances (id, name, strategy_type, symbol, interval, parameters, leverage, risk_per_trade, account_ref, interval_seconds, status)
		VALUES ('s1', 's1', 'rsi', 'BTCUSDT', '1m', '{"period":3,"oversold":30,"overbought":70}', 5, 0.1, 'default', 60, 'running')
	`)
	require.NoError(t, err)

	sink := &recordingSink{}
	Boot(context.Background(), st, sched, sink)

	assert.True(t, sink.called)
	assert.Equal(t, 1, sink.restoredCount)
	assert.Empty(t, sink.errs)
	assert.True(t, sched.Running("s1"))

	sched.Stop(context.Background(), "s1", "manual")
}

func TestBootDemotesUnrestartableStrategy(t *testing.T) {
	keyB64, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MASTER_ENCRYPTION_KEY", keyB64)
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)

	reg := account.NewRegistry(fakeLoader{}, km)
	st, err := store.Open(":memory:", "")
	require.NoError(t, err)
	defer st.Close()

	execu := executor.New(reg, st, 0.0004)
	gate := risk.NewGate(risk.NewInMemory(risk.DefaultConfig()))
	sched := scheduler.New(st, reg, execu, gate, nil, notify.NoopSink{}, 5)

	// leverage left NULL -> Start() must refuse, since it's required and
	// never defaulted.
	_, err = st.DB().Exec(`
		INSERT INTO strategy_instances (id, name, strategy_type, symbol, interval, parameters, account_ref, status)
		VALUES ('bad', 'bad', 'rsi', 'BTCUSDT', '1m', '{"period":3,"oversold":30,"overbought":70}', 'default', 'running')
	`)
	require.NoError(t, err)

	sink := &recordingSink{}
	Boot(context.Background(), st, sched, sink)

	assert.Equal(t, 0, sink.restoredCount)
	require.Len(t, sink.errs, 1)

	var status string
	require.NoError(t, st.DB().QueryRow(`SELECT status FROM strategy_instances WHERE id = 'bad'`).Scan(&status))
	assert.Equal(t, "stopped", status)
}
