package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futurestrader/internal/account"
	"futurestrader/internal/exchange"
	"futurestrader/internal/risk"
	"futurestrader/internal/store"
	"futurestrader/pkg/crypto"
)

type fakeLoader struct{}

func (fakeLoader) GetAccountCredentials(ctx context.Context, accountID string) (account.Credentials, error) {
	return account.Credentials{}, nil
}
func (fakeLoader) AccountExists(ctx context.Context, accountID string) (bool, error) { return true, nil }

func newTestExecutor(t *testing.T) (*Executor, *exchange.Mock) {
	t.Helper()
	keyB64, err := crypto.GenerateKey()
	require.NoError(t, err)
	t.Setenv("MASTER_ENCRYPTION_KEY", keyB64)
	km, err := crypto.NewKeyManager()
	require.NoError(t, err)

	reg := account.NewRegistry(fakeLoader{}, km)
	mock := exchange.NewMock()
	reg.InjectTestClient("default", mock)

	cachePath := filepath.Join(t.TempDir(), "cache.db")
	st, err := store.Open(":memory:", cachePath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.DB().Exec(`INSERT INTO strategy_instances (id, name, strategy_type, symbol, interval, parameters) VALUES ('s1','t','ma_cross','BTCUSDT','1h','{}')`)
	require.NoError(t, err)

	return New(reg, st, 0.0004), mock
}

func TestExecuteOpenPlacesOrderAndTPSL(t *testing.T) {
	ex, mock := newTestExecutor(t)
	mock.Leverage["BTCUSDT"] = 5

	summary := &Summary{StrategyID: "s1", Symbol: "BTCUSDT"}
	req := Request{
		AccountID: "default", StrategyID: "s1", Symbol: "BTCUSDT",
		Signal:    Signal{Action: ActionBuy, Price: 100, BarCloseTime: time.Now()},
		Leverage:  5,
		Sizing:    Sizing{RiskPerTrade: 0.01, Balance: 1000},
		TPPercent: 0.02, SLPercent: 0.01,
	}

	fill, err := ex.Execute(context.Background(), req, summary)
	require.NoError(t, err)
	assert.NotEmpty(t, fill.ExchangeOrderID)
	assert.Equal(t, "LONG", summary.PositionSide)
	assert.Greater(t, summary.PositionSize, 0.0)
	assert.NotEmpty(t, summary.TPOrderID)
	assert.NotEmpty(t, summary.SLOrderID)
	assert.Len(t, mock.Submitted, 3) // open + TP + SL
}

func TestExecuteCloseResolvesIntentAndClearsSummary(t *testing.T) {
	ex, mock := newTestExecutor(t)
	mock.Leverage["BTCUSDT"] = 5

	summary := &Summary{
		StrategyID: "s1", Symbol: "BTCUSDT",
		PositionSide: "LONG", PositionSize: 0.5, EntryPrice: 100,
		TPOrderID: "tp-1", SLOrderID: "sl-1",
	}
	req := Request{
		AccountID: "default", StrategyID: "s1", Symbol: "BTCUSDT",
		Signal:   Signal{Action: ActionSell, Price: 110, BarCloseTime: time.Now()},
		Leverage: 5,
	}

	fill, err := ex.Execute(context.Background(), req, summary)
	require.NoError(t, err)
	assert.Equal(t, IntentClose, fill.Intent)
	assert.True(t, summary.IsFlat())
	assert.Empty(t, summary.TPOrderID)
	assert.Empty(t, summary.SLOrderID)

	recent, err := ex.st.RecentCompletedTrades(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.InDelta(t, 5.0, recent[0].GrossPnL, 0.001) // (110-100)*0.5
}

func TestExecuteCloseFeedsRiskMetricsWhenWired(t *testing.T) {
	ex, mock := newTestExecutor(t)
	mock.Leverage["BTCUSDT"] = 5

	riskMgr := risk.NewInMemory(risk.DefaultConfig())
	ex.SetRiskManager(riskMgr)

	summary := &Summary{
		StrategyID: "s1", Symbol: "BTCUSDT",
		PositionSide: "LONG", PositionSize: 0.5, EntryPrice: 100,
	}
	req := Request{
		AccountID: "default", StrategyID: "s1", Symbol: "BTCUSDT",
		Signal:   Signal{Action: ActionSell, Price: 110, BarCloseTime: time.Now()},
		Leverage: 5,
	}

	_, err := ex.Execute(context.Background(), req, summary)
	require.NoError(t, err)

	metrics := riskMgr.GetMetrics()
	assert.Equal(t, 1, metrics.DailyTrades)
	assert.Greater(t, metrics.DailyPnL, 0.0)
}

func TestExecuteIsIdempotentPerBar(t *testing.T) {
	ex, mock := newTestExecutor(t)
	mock.Leverage["BTCUSDT"] = 5
	barClose := time.Now()

	summary := &Summary{StrategyID: "s1", Symbol: "BTCUSDT"}
	req := Request{
		AccountID: "default", StrategyID: "s1", Symbol: "BTCUSDT",
		Signal:   Signal{Action: ActionBuy, Price: 100, BarCloseTime: barClose},
		Leverage: 5,
		Sizing:   Sizing{RiskPerTrade: 0.01, Balance: 1000},
	}

	_, err := ex.Execute(context.Background(), req, summary)
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), req, summary)
	assert.ErrorIs(t, err, ErrDuplicateSignal)
}

func TestExecuteHoldIsNoop(t *testing.T) {
	ex, mock := newTestExecutor(t)
	summary := &Summary{StrategyID: "s1", Symbol: "BTCUSDT"}
	req := Request{AccountID: "default", StrategyID: "s1", Symbol: "BTCUSDT", Signal: Signal{Action: ActionHold}}

	fill, err := ex.Execute(context.Background(), req, summary)
	require.NoError(t, err)
	assert.Empty(t, fill.ExchangeOrderID)
	assert.Empty(t, mock.Submitted)
}
