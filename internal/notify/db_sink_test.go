package notify

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futurestrader/internal/store"
)

func newTestSink(t *testing.T) (*PersistentSink, *store.Service) {
	t.Helper()
	cachePath := filepath.Join(t.TempDir(), "cache.db")
	st, err := store.Open(":memory:", cachePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewPersistentSink(st.DB()), st
}

func countSystemEvents(t *testing.T, st *store.Service, eventType string) int {
	t.Helper()
	var n int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM system_events WHERE event_type = ?`, eventType).Scan(&n))
	return n
}

func TestPersistentSinkRecordsStrategyLifecycle(t *testing.T) {
	sink, st := newTestSink(t)

	sink.StrategyStarted("s1", "BTCUSDT")
	sink.StrategyStopped("s1", 12.5)
	sink.StrategyError("s1", errors.New("boom"))
	sink.PnLThreshold("s1", 500, "profit")
	require.NoError(t, sink.Close())

	assert.Equal(t, 1, countSystemEvents(t, st, "strategy_started"))
	assert.Equal(t, 1, countSystemEvents(t, st, "strategy_stopped"))
	assert.Equal(t, 1, countSystemEvents(t, st, "strategy_error"))
	assert.Equal(t, 1, countSystemEvents(t, st, "pnl_threshold"))
}

func TestPersistentSinkDatabaseFailureOnlyLogs(t *testing.T) {
	sink, st := newTestSink(t)

	sink.DatabaseConnectionFailed(errors.New("unreachable"))
	require.NoError(t, sink.Close())

	assert.Equal(t, 0, countSystemEvents(t, st, "db_restored"), "a failed connection should not itself produce a db row")
}

func TestPersistentSinkBatchesAcrossFlush(t *testing.T) {
	sink, st := newTestSink(t)

	for i := 0; i < 5; i++ {
		sink.StrategyStarted("s1", "BTCUSDT")
	}
	// give the background flush ticker a chance before Close forces one anyway
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, sink.Close())

	assert.Equal(t, 5, countSystemEvents(t, st, "strategy_started"))
}

var _ Sink = (*PersistentSink)(nil)
