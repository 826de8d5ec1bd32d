// Package notify is the operator-facing notification surface: strategy
// lifecycle transitions, PnL thresholds, store health, and restart
// summaries. It narrows the teacher's generic any-payload event bus down
// to a fixed, typed interface matching the runtime's actual notification
// surface.
package notify

import "github.com/rs/zerolog/log"

// Sink receives runtime notifications. The default implementation logs
// them structurally; a production deployment can add a Slack/webhook Sink
// without touching callers, since every caller depends on this interface.
type Sink interface {
	StrategyStarted(strategyID, symbol string)
	StrategyStopped(strategyID string, finalPnL float64)
	StrategyError(strategyID string, err error)
	PnLThreshold(strategyID string, pnl float64, thresholdKind string)
	DatabaseConnectionFailed(err error)
	DatabaseConnectionRestored()
	ServerRestarted(restoredCount int, startupErrors []error)
}

// LogSink logs every notification via zerolog, matching the structured
// logging the teacher uses everywhere else in the runtime.
type LogSink struct{}

func NewLogSink() LogSink { return LogSink{} }

func (LogSink) StrategyStarted(strategyID, symbol string) {
	log.Info().Str("strategy_id", strategyID).Str("symbol", symbol).Msg("strategy started")
}

func (LogSink) StrategyStopped(strategyID string, finalPnL float64) {
	log.Info().Str("strategy_id", strategyID).Float64("final_pnl", finalPnL).Msg("strategy stopped")
}

func (LogSink) StrategyError(strategyID string, err error) {
	log.Error().Str("strategy_id", strategyID).Err(err).Msg("strategy entered error state")
}

func (LogSink) PnLThreshold(strategyID string, pnl float64, thresholdKind string) {
	log.Warn().Str("strategy_id", strategyID).Float64("pnl", pnl).Str("threshold", thresholdKind).Msg("strategy pnl threshold crossed")
}

func (LogSink) DatabaseConnectionFailed(err error) {
	log.Error().Err(err).Msg("authoritative store unreachable")
}

func (LogSink) DatabaseConnectionRestored() {
	log.Info().Msg("authoritative store connection restored")
}

func (LogSink) ServerRestarted(restoredCount int, startupErrors []error) {
	ev := log.Info().Int("restored_strategies", restoredCount)
	if len(startupErrors) > 0 {
		errs := make([]string, len(startupErrors))
		for i, e := range startupErrors {
			errs[i] = e.Error()
		}
		ev = ev.Strs("startup_errors", errs)
	}
	ev.Msg("server restarted")
}

// NoopSink discards every notification; used in tests that don't care
// about notification side effects.
type NoopSink struct{}

func (NoopSink) StrategyStarted(string, string)              {}
func (NoopSink) StrategyStopped(string, float64)              {}
func (NoopSink) StrategyError(string, error)                  {}
func (NoopSink) PnLThreshold(string, float64, string)         {}
func (NoopSink) DatabaseConnectionFailed(error)               {}
func (NoopSink) DatabaseConnectionRestored()                  {}
func (NoopSink) ServerRestarted(int, []error)                 {}

var (
	_ Sink = LogSink{}
	_ Sink = NoopSink{}
)
