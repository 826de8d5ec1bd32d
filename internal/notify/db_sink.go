package notify

import (
	"database/sql"
	"fmt"

	"futurestrader/internal/persistence"
)

// PersistentSink logs every notification the same way LogSink does and
// also writes it to the system_events table through a batched writer, so
// the operator-facing log isn't the only record of a strategy's lifecycle
// once the process restarts or the log is rotated away.
type PersistentSink struct {
	LogSink
	writer *persistence.BatchWriter
}

// NewPersistentSink builds a sink backed by db's system_events table.
func NewPersistentSink(db *sql.DB) *PersistentSink {
	return &PersistentSink{writer: persistence.NewBatchWriter(db, 20, 0)}
}

func (s *PersistentSink) record(eventType, message string) {
	s.writer.WriteQuery(
		`INSERT INTO system_events (event_type, message, details) VALUES (?, ?, ?)`,
		eventType, message, "",
	)
}

func (s *PersistentSink) StrategyStarted(strategyID, symbol string) {
	s.LogSink.StrategyStarted(strategyID, symbol)
	s.record("strategy_started", fmt.Sprintf("strategy %s started on %s", strategyID, symbol))
}

func (s *PersistentSink) StrategyStopped(strategyID string, finalPnL float64) {
	s.LogSink.StrategyStopped(strategyID, finalPnL)
	s.record("strategy_stopped", fmt.Sprintf("strategy %s stopped, final pnl %.2f", strategyID, finalPnL))
}

func (s *PersistentSink) StrategyError(strategyID string, err error) {
	s.LogSink.StrategyError(strategyID, err)
	s.record("strategy_error", fmt.Sprintf("strategy %s entered error state: %v", strategyID, err))
}

func (s *PersistentSink) PnLThreshold(strategyID string, pnl float64, thresholdKind string) {
	s.LogSink.PnLThreshold(strategyID, pnl, thresholdKind)
	s.record("pnl_threshold", fmt.Sprintf("strategy %s crossed %s threshold at pnl %.2f", strategyID, thresholdKind, pnl))
}

// DatabaseConnectionFailed only logs: writing this one to the very store
// that's reportedly down would just queue up in the batch writer forever.
func (s *PersistentSink) DatabaseConnectionFailed(err error) {
	s.LogSink.DatabaseConnectionFailed(err)
}

func (s *PersistentSink) DatabaseConnectionRestored() {
	s.LogSink.DatabaseConnectionRestored()
	s.record("db_restored", "authoritative store connection restored")
}

func (s *PersistentSink) ServerRestarted(restoredCount int, startupErrors []error) {
	s.LogSink.ServerRestarted(restoredCount, startupErrors)
	s.record("server_restarted", fmt.Sprintf("restored %d strategies, %d startup errors", restoredCount, len(startupErrors)))
}

// Close flushes and stops the underlying batch writer.
func (s *PersistentSink) Close() error { return s.writer.Close() }

var _ Sink = (*PersistentSink)(nil)
