// Package store is the State Store (spec component C): the authoritative
// relational layer plus an optional cache-mirror tier. Every mutation goes
// through this façade; it is the only place in the runtime that owns a
// database handle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"futurestrader/internal/account"
	"futurestrader/pkg/db"
)

var ErrWriteRefusedDegraded = errors.New("store: authoritative database is unreachable, write refused")

// Service is the authoritative store plus its cache mirror. It implements
// account.Loader so the account registry can resolve credentials directly
// against it.
type Service struct {
	database *db.Database
	queries  *db.UserQueries
	cache    *Mirror

	mu      sync.RWMutex
	healthy bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open bootstraps the authoritative sqlite database at dbPath and, if
// cachePath is non-empty, the bbolt cache mirror at cachePath.
func Open(dbPath, cachePath string) (*Service, error) {
	database, err := db.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open authoritative store: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	var cache *Mirror
	if cachePath != "" {
		cache, err = OpenMirror(cachePath)
		if err != nil {
			// Cache mirror is an optimization; the runtime can still serve
			// reads from the authoritative store without it.
			log.Warn().Err(err).Str("path", cachePath).Msg("cache mirror unavailable, continuing without it")
		}
	}

	return &Service{
		database: database,
		queries:  database.Queries(),
		cache:    cache,
		healthy:  true,
		stopCh:   make(chan struct{}),
	}, nil
}

func (s *Service) Close() error {
	s.Stop()
	if s.cache != nil {
		s.cache.Close()
	}
	return s.database.Close()
}

// DB exposes the raw handle for packages (internal/risk) that were built
// directly against *sql.DB before the store façade existed.
func (s *Service) DB() *sql.DB { return s.database.DB }

// Database exposes the underlying *db.Database for consumers (internal/api's
// auth, connections, and strategy-admin endpoints) that predate the store
// façade and use its query helpers directly rather than the narrower
// runtime-facing methods above.
func (s *Service) Database() *db.Database { return s.database }

func (s *Service) isHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// Ping is the store's health probe: a simple round-trip query.
func (s *Service) Ping(ctx context.Context) error {
	var one int
	return s.database.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// StartHealthProbe polls Ping on interval. onDown fires once per outage
// (on the transition healthy->unhealthy); onRestored fires once on
// recovery (unhealthy->healthy). While unhealthy, writes through this
// façade are refused so the cache mirror cannot drift from a store that
// isn't actually persisting anything.
func (s *Service) StartHealthProbe(ctx context.Context, interval time.Duration, onDown func(error), onRestored func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				err := s.Ping(ctx)
				s.mu.Lock()
				wasHealthy := s.healthy
				s.healthy = err == nil
				nowHealthy := s.healthy
				s.mu.Unlock()
				if wasHealthy && !nowHealthy && onDown != nil {
					onDown(err)
				}
				if !wasHealthy && nowHealthy && onRestored != nil {
					onRestored()
				}
			}
		}
	}()
}

func (s *Service) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// --- account.Loader -------------------------------------------------

var _ account.Loader = (*Service)(nil)

func (s *Service) GetAccountCredentials(ctx context.Context, accountID string) (account.Credentials, error) {
	a, err := db.GetAccountByAnyUserRef(ctx, s.database.DB, accountID)
	if err != nil {
		return account.Credentials{}, err
	}
	return account.Credentials{
		AccountID:          a.AccountRef,
		ExchangeType:       a.ExchangeType,
		APIKeyEncrypted:    a.APIKeyEncrypted,
		APISecretEncrypted: a.APISecretEncrypted,
		KeyVersion:         a.KeyVersion,
		Testnet:            a.Testnet,
		RequestsPerSecond:  a.RequestsPerSecond,
	}, nil
}

func (s *Service) AccountExists(ctx context.Context, accountID string) (bool, error) {
	return s.queries.AccountRefExists(ctx, accountID)
}

// --- strategies -------------------------------------------------------

// ListRunningStrategies returns every strategy instance whose persisted
// status is "running", for the supervisor's boot-time restart sweep.
func (s *Service) ListRunningStrategies(ctx context.Context) ([]db.StrategyInstance, error) {
	rows, err := s.database.DB.QueryContext(ctx, `
		SELECT id, name, strategy_type, symbol, interval, parameters,
		       COALESCE(user_id, ''), COALESCE(connection_id, ''),
		       is_active, created_at, updated_at
		FROM strategy_instances
		WHERE status = 'running'
	`)
	if err != nil {
		return nil, fmt.Errorf("list running strategies: %w", err)
	}
	defer rows.Close()

	var out []db.StrategyInstance
	for rows.Next() {
		var si db.StrategyInstance
		if err := rows.Scan(&si.ID, &si.Name, &si.StrategyType, &si.Symbol, &si.Interval, &si.Parameters,
			&si.UserID, &si.ConnectionID, &si.IsActive, &si.CreatedAt, &si.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, si)
	}
	return out, rows.Err()
}

// RuntimeConfig is everything the scheduler needs to run one strategy
// instance: its evaluator params plus the execution-level fields
// (leverage, sizing, native TP/SL percentages) the spec requires as
// explicit, never-defaulted configuration.
type RuntimeConfig struct {
	ID              string
	StrategyType    string
	Symbol          string
	AccountRef      string
	Parameters      string
	Leverage        int
	RiskPerTrade    float64
	FixedAmount     *float64
	TPPercent       float64
	SLPercent       float64
	UseTrailingStop bool
	IntervalSeconds int
	Status          string
}

// GetRuntimeConfig loads one strategy instance's execution configuration.
func (s *Service) GetRuntimeConfig(ctx context.Context, strategyID string) (RuntimeConfig, error) {
	var (
		rc          RuntimeConfig
		fixedAmount sql.NullFloat64
		useTrailing int
	)
	rc.ID = strategyID
	err := s.database.DB.QueryRowContext(ctx, `
		SELECT strategy_type, symbol, account_ref, parameters,
		       COALESCE(leverage, 0), COALESCE(risk_per_trade, 0.01), fixed_amount,
		       COALESCE(tp_percent, 0), COALESCE(sl_percent, 0),
		       COALESCE(use_trailing_stop, 0), COALESCE(interval_seconds, 60), status
		FROM strategy_instances WHERE id = ?
	`, strategyID).Scan(&rc.StrategyType, &rc.Symbol, &rc.AccountRef, &rc.Parameters,
		&rc.Leverage, &rc.RiskPerTrade, &fixedAmount, &rc.TPPercent, &rc.SLPercent,
		&useTrailing, &rc.IntervalSeconds, &rc.Status)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("load runtime config for %s: %w", strategyID, err)
	}
	if fixedAmount.Valid {
		rc.FixedAmount = &fixedAmount.Float64
	}
	rc.UseTrailingStop = useTrailing != 0
	return rc, nil
}

// UpdateStrategyStatus sets a strategy's lifecycle status. stopped_by_risk
// requires a manual transition back to stopped before the strategy may
// start again; this method does not enforce that invariant itself — the
// scheduler is responsible for rejecting a direct stopped_by_risk->running
// transition.
func (s *Service) UpdateStrategyStatus(ctx context.Context, strategyID, status string) error {
	if !s.isHealthy() {
		return ErrWriteRefusedDegraded
	}
	_, err := s.database.DB.ExecContext(ctx, `
		UPDATE strategy_instances SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, status, strategyID)
	return err
}

// SaveEvaluatorState persists an evaluator's serialized state (price window,
// last-computed indicator values, last emitted signal) so a strategy resumed
// after a restart doesn't have to re-derive it from scratch.
func (s *Service) SaveEvaluatorState(ctx context.Context, strategyID, stateJSON string) error {
	if !s.isHealthy() {
		return ErrWriteRefusedDegraded
	}
	_, err := s.database.DB.ExecContext(ctx, `
		UPDATE strategy_instances SET evaluator_state = ? WHERE id = ?
	`, stateJSON, strategyID)
	return err
}

// GetEvaluatorState returns a strategy's last persisted evaluator state, or
// "" if none was ever saved (a strategy started for the first time, or one
// whose evaluator state predates this column).
func (s *Service) GetEvaluatorState(ctx context.Context, strategyID string) (string, error) {
	var state sql.NullString
	err := s.database.DB.QueryRowContext(ctx, `
		SELECT evaluator_state FROM strategy_instances WHERE id = ?
	`, strategyID).Scan(&state)
	if err != nil {
		return "", err
	}
	return state.String, nil
}

// --- trades & completed trades -----------------------------------------

// InsertTrade appends a raw fill. Trades are append-only. Uses the
// account-agnostic insert path (rather than the user-isolated query
// helper) since the executor addresses accounts by short ref, not by
// user_id — user-scoped reads go through UserQueries separately.
func (s *Service) InsertTrade(ctx context.Context, t db.Trade) error {
	if !s.isHealthy() {
		return ErrWriteRefusedDegraded
	}
	return s.database.CreateTrade(ctx, t)
}

// CompletedTrade mirrors matcher.CompletedTrade plus storage identity. It
// is duplicated here (rather than importing internal/matcher) to keep the
// store package free of a dependency on the pure-function matcher — the
// executor is responsible for translating between the two.
type CompletedTrade struct {
	ID                 string
	UserID             string
	StrategyInstanceID string
	Symbol             string
	Side               string
	EntryPrice         float64
	ExitPrice          float64
	Quantity           float64
	EntryTime          time.Time
	ExitTime           time.Time
	EntryOrderID       string
	ExitOrderID        string
	GrossPnL           float64
	FeePaid            float64
	NetPnL             float64
	ExitReason         string
}

// SaveCompletedTrade persists one FIFO-matched closed position and mirrors
// its strategy's summary trade tail to the cache, in that order — a cache
// write never happens unless the authoritative insert succeeded.
func (s *Service) SaveCompletedTrade(ctx context.Context, ct CompletedTrade) error {
	if !s.isHealthy() {
		return ErrWriteRefusedDegraded
	}
	tx, err := s.database.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO completed_trades (
			id, user_id, strategy_instance_id, symbol, side,
			entry_price, exit_price, quantity, entry_time, exit_time,
			entry_order_id, exit_order_id, gross_pnl, fee_paid, net_pnl, exit_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ct.ID, ct.UserID, ct.StrategyInstanceID, ct.Symbol, ct.Side,
		ct.EntryPrice, ct.ExitPrice, ct.Quantity, ct.EntryTime, ct.ExitTime,
		ct.EntryOrderID, ct.ExitOrderID, ct.GrossPnL, ct.FeePaid, ct.NetPnL, ct.ExitReason)
	if err != nil {
		return fmt.Errorf("insert completed trade: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completed trade: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.AppendTrade(ct.StrategyInstanceID, ct); err != nil {
			log.Warn().Err(err).Str("strategy_id", ct.StrategyInstanceID).Msg("cache mirror trade append failed")
		}
	}
	return nil
}

// RawTrade is one fill joined against the order that produced it, for
// callers that need to rebuild position/PnL from history (the matcher and
// reconciliation). Kept distinct from db.Trade the same way CompletedTrade
// is kept distinct from matcher.CompletedTrade: the store stays free of a
// dependency on internal/matcher, and callers translate.
type RawTrade struct {
	ID         string
	OrderID    string
	StrategyID string
	Symbol     string
	Side       string
	Price      float64
	Qty        float64
	Fee        float64
	FilledAt   time.Time
}

// LoadRawTrades returns every fill recorded for a strategy, oldest first by
// exchange order id, by joining trades against the order that produced
// them for strategy attribution.
func (s *Service) LoadRawTrades(ctx context.Context, strategyID string) ([]RawTrade, error) {
	rows, err := s.database.DB.QueryContext(ctx, `
		SELECT t.id, t.order_id, o.strategy_instance_id, t.symbol, t.side, t.price, t.qty, t.fee, t.created_at
		FROM trades t
		JOIN orders o ON o.id = t.order_id
		WHERE o.strategy_instance_id = ?
		ORDER BY CAST(t.order_id AS INTEGER) ASC, t.created_at ASC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("load raw trades: %w", err)
	}
	defer rows.Close()

	var out []RawTrade
	for rows.Next() {
		var rt RawTrade
		if err := rows.Scan(&rt.ID, &rt.OrderID, &rt.StrategyID, &rt.Symbol, &rt.Side, &rt.Price, &rt.Qty, &rt.Fee, &rt.FilledAt); err != nil {
			return nil, fmt.Errorf("scan raw trade: %w", err)
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// RecentCompletedTrades returns the most recent closed trades for a
// strategy in descending exit-time order, for the circuit breaker and
// reporting.
func (s *Service) RecentCompletedTrades(ctx context.Context, strategyID string, limit int) ([]CompletedTrade, error) {
	rows, err := s.database.DB.QueryContext(ctx, `
		SELECT id, user_id, strategy_instance_id, symbol, side,
		       entry_price, exit_price, quantity, entry_time, exit_time,
		       COALESCE(entry_order_id, ''), COALESCE(exit_order_id, ''),
		       gross_pnl, fee_paid, net_pnl, exit_reason
		FROM completed_trades
		WHERE strategy_instance_id = ?
		ORDER BY exit_time DESC
		LIMIT ?
	`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query completed trades: %w", err)
	}
	defer rows.Close()

	var out []CompletedTrade
	for rows.Next() {
		var ct CompletedTrade
		if err := rows.Scan(&ct.ID, &ct.UserID, &ct.StrategyInstanceID, &ct.Symbol, &ct.Side,
			&ct.EntryPrice, &ct.ExitPrice, &ct.Quantity, &ct.EntryTime, &ct.ExitTime,
			&ct.EntryOrderID, &ct.ExitOrderID, &ct.GrossPnL, &ct.FeePaid, &ct.NetPnL, &ct.ExitReason); err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

// --- circuit breaker, parameter history, system events -----------------

func (s *Service) SaveCircuitBreakerEvent(ctx context.Context, breakerType, scope, strategyID, accountID string, triggeredAt time.Time, triggerValue, thresholdValue float64, cooldownUntil time.Time) error {
	if !s.isHealthy() {
		return ErrWriteRefusedDegraded
	}
	_, err := s.database.DB.ExecContext(ctx, `
		INSERT INTO circuit_breaker_events (
			breaker_type, scope, strategy_instance_id, account_id,
			triggered_at, trigger_value, threshold_value, status, cooldown_until
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'active', ?)
	`, breakerType, scope, nullableString(strategyID), nullableString(accountID),
		triggeredAt, triggerValue, thresholdValue, cooldownUntil)
	return err
}

func (s *Service) SaveParameterHistory(ctx context.Context, strategyID, oldParams, newParams, changedParams, reason string) error {
	if !s.isHealthy() {
		return ErrWriteRefusedDegraded
	}
	_, err := s.database.DB.ExecContext(ctx, `
		INSERT INTO strategy_parameter_history (
			strategy_instance_id, old_params, new_params, changed_params, reason, status
		) VALUES (?, ?, ?, ?, ?, 'applied')
	`, strategyID, oldParams, newParams, changedParams, reason)
	return err
}

func (s *Service) SaveSystemEvent(ctx context.Context, eventType, message, details string) error {
	if !s.isHealthy() {
		return ErrWriteRefusedDegraded
	}
	_, err := s.database.DB.ExecContext(ctx, `
		INSERT INTO system_events (event_type, message, details) VALUES (?, ?, ?)
	`, eventType, message, details)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Cache exposes the mirror tier for components (the scheduler's summary
// writer) that need direct access. Returns nil if no cache path was
// configured.
func (s *Service) Cache() *Mirror { return s.cache }
