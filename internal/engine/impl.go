package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"futurestrader/internal/account"
	"futurestrader/internal/risk"
	"futurestrader/internal/scheduler"
	"futurestrader/internal/store"
)

// Impl implements the Service interface on top of the Strategy Runtime:
// the scheduler owns the live strategies, the store is the system of
// record for strategy configuration and history, and risk/account give
// the API layer read access to the same risk config and client pool the
// scheduler's tick loop uses.
type Impl struct {
	sched    *scheduler.Scheduler
	st       *store.Service
	gate     *risk.Gate
	riskMgr  *risk.Manager
	accounts *account.Registry

	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Scheduler *scheduler.Scheduler
	Store     *store.Service
	Gate      *risk.Gate
	RiskMgr   *risk.Manager
	Accounts  *account.Registry
	Meta      SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	return &Impl{
		sched:    cfg.Scheduler,
		st:       cfg.Store,
		gate:     cfg.Gate,
		riskMgr:  cfg.RiskMgr,
		accounts: cfg.Accounts,
		meta:     cfg.Meta,
	}
}

// --- Strategy Commands ---

func (e *Impl) StartStrategy(ctx context.Context, id string) error {
	return e.sched.Start(ctx, id)
}

// PauseStrategy has no separate state in the scheduler: pausing and
// resuming a strategy both go through Stop/Start so the scheduler never
// has to track a third lifecycle state beyond running/stopped.
func (e *Impl) PauseStrategy(ctx context.Context, id string) error {
	return e.sched.Stop(ctx, id, "manual")
}

func (e *Impl) StopStrategy(ctx context.Context, id string) error {
	return e.sched.Stop(ctx, id, "manual")
}

// PanicSellStrategy stops the strategy, which already force-closes any
// open position with a reduce-only market order as part of Stop.
func (e *Impl) PanicSellStrategy(ctx context.Context, id string, userID string) error {
	if !e.sched.Running(id) {
		return fmt.Errorf("strategy %s is not running", id)
	}
	return e.sched.Stop(ctx, id, "panic")
}

func (e *Impl) UpdateStrategyParams(ctx context.Context, id string, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	_, err = e.st.DB().ExecContext(ctx, `
		UPDATE strategy_instances SET parameters = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(paramsJSON), id)
	return err
}

func (e *Impl) BindStrategyConnection(ctx context.Context, strategyID, userID, connectionID string) error {
	_, err := e.st.DB().ExecContext(ctx, `
		UPDATE strategy_instances
		SET user_id = COALESCE(user_id, ?),
		    connection_id = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, userID, connectionID, strategyID)
	return err
}

// --- Strategy Queries ---

func (e *Impl) ListStrategies(ctx context.Context, userID string) ([]StrategyInfo, error) {
	rows, err := e.st.DB().QueryContext(ctx, `
		SELECT
			si.id,
			si.name,
			si.strategy_type,
			si.symbol,
			si.interval,
			si.parameters,
			si.is_active,
			COALESCE(si.status, 'stopped') as status,
			si.user_id,
			si.connection_id,
			c.name as connection_name,
			c.exchange_type,
			si.created_at,
			si.updated_at
		FROM strategy_instances si
		LEFT JOIN connections c ON si.connection_id = c.id
		WHERE si.user_id = ? OR si.user_id IS NULL
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strategies []StrategyInfo
	for rows.Next() {
		var s StrategyInfo
		var paramsJSON string
		var userIDCol, connectionID, connectionName, connectionType sql.NullString

		if err := rows.Scan(
			&s.ID, &s.Name, &s.Type, &s.Symbol, &s.Interval,
			&paramsJSON, &s.IsActive, &s.Status,
			&userIDCol, &connectionID, &connectionName, &connectionType,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			continue
		}

		_ = json.Unmarshal([]byte(paramsJSON), &s.Parameters)
		s.UserID = nullableString(userIDCol)
		s.ConnectionID = nullableString(connectionID)
		s.ConnectionName = nullableString(connectionName)
		s.ConnectionExchangeType = nullableString(connectionType)

		strategies = append(strategies, s)
	}

	return strategies, nil
}

func (e *Impl) GetStrategyStatus(ctx context.Context, id string) (*StrategyStatus, error) {
	var status StrategyStatus
	status.ID = id

	err := e.st.DB().QueryRowContext(ctx, `
		SELECT COALESCE(status, 'stopped') FROM strategy_instances WHERE id = ?
	`, id).Scan(&status.Status)
	if err != nil {
		return nil, err
	}

	if summary := e.sched.Summary(id); summary != nil {
		status.Position = signedPosition(summary.PositionSide, summary.PositionSize)
		status.PnL = summary.UnrealizedPnL
	}

	return &status, nil
}

func (e *Impl) GetStrategyPosition(ctx context.Context, id string) (float64, error) {
	summary := e.sched.Summary(id)
	if summary == nil {
		return 0, nil
	}
	return signedPosition(summary.PositionSide, summary.PositionSize), nil
}

// --- Position & Order Queries ---

func (e *Impl) GetPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	for _, id := range e.sched.RunningIDs() {
		summary := e.sched.Summary(id)
		if summary == nil || summary.IsFlat() {
			continue
		}
		out = append(out, Position{
			StrategyInstanceID: id,
			Symbol:             summary.Symbol,
			Side:               summary.PositionSide,
			Quantity:           summary.PositionSize,
			EntryPrice:         summary.EntryPrice,
			CurrentPrice:       summary.CurrentPrice,
			UnrealizedPnL:      summary.UnrealizedPnL,
		})
	}
	return out, nil
}

// GetOpenOrders always returns empty: the runtime only ever submits
// market orders that fill synchronously (Executor.Execute returns only
// after the fill is recorded), so there is never a resting working order
// to report. Native TP/SL orders live at the exchange, not in this store.
func (e *Impl) GetOpenOrders(ctx context.Context) ([]Order, error) {
	return nil, nil
}

// --- Risk & Performance ---

func (e *Impl) GetRiskMetrics(ctx context.Context) (*RiskMetrics, error) {
	today := time.Now().UTC().Format("2006-01-02")
	metrics := RiskMetrics{Date: today}

	row := e.st.DB().QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(net_pnl), 0),
			COUNT(*),
			COALESCE(SUM(CASE WHEN net_pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN net_pnl < 0 THEN -net_pnl ELSE 0 END), 0)
		FROM completed_trades
		WHERE date(exit_time) = ?
	`, today)
	if err := row.Scan(&metrics.DailyPnL, &metrics.DailyTrades, &metrics.DailyWins, &metrics.DailyLosses); err != nil {
		return nil, err
	}
	return &metrics, nil
}

func (e *Impl) GetStrategyPerformance(ctx context.Context, id string, from, to time.Time) (*Performance, error) {
	rows, err := e.st.DB().QueryContext(ctx, `
		SELECT date(exit_time) as d, SUM(net_pnl) as pnl
		FROM completed_trades
		WHERE strategy_instance_id = ? AND exit_time >= ? AND exit_time <= ?
		GROUP BY date(exit_time)
		ORDER BY d ASC
	`, id, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perf := &Performance{
		StrategyID: id,
		From:       from.Format("2006-01-02"),
		To:         to.Format("2006-01-02"),
	}

	var equity float64
	for rows.Next() {
		var d string
		var pnl float64
		if err := rows.Scan(&d, &pnl); err != nil {
			continue
		}
		equity += pnl
		perf.Daily = append(perf.Daily, DailyPnL{Date: d, PnL: pnl, Equity: equity})
	}
	perf.TotalPnL = equity

	return perf, nil
}

// --- Balance ---

func (e *Impl) GetBalance(ctx context.Context) (*BalanceInfo, error) {
	return e.GetBalanceForAccount(ctx, "default")
}

// GetBalanceForAccount returns live exchange balance for a specific resolved
// account (a user's bound connection, or "default"), going through the
// Account Registry exactly like every other exchange call the core makes —
// this is the authoritative balance; nothing caches or estimates it.
func (e *Impl) GetBalanceForAccount(ctx context.Context, accountID string) (*BalanceInfo, error) {
	if accountID == "" {
		accountID = "default"
	}
	client, err := e.accounts.GetClient(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolve account client: %w", err)
	}
	balances, err := client.FuturesAccountBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}

	var info BalanceInfo
	for _, b := range balances {
		info.Available += b.AvailableBalance
		info.Total += b.WalletBalance
	}
	info.Locked = info.Total - info.Available
	return &info, nil
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := e.meta
	status.ServerTime = time.Now().UTC()
	return &status
}

// --- Helpers ---

func nullableString(ns sql.NullString) *string {
	if ns.Valid {
		val := ns.String
		return &val
	}
	return nil
}

func signedPosition(side string, size float64) float64 {
	if side == "SHORT" {
		return -size
	}
	return size
}
