package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cachePath := filepath.Join(t.TempDir(), "cache.db")
	svc, err := Open(":memory:", cachePath)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestOpenAppliesMigrationsAndPings(t *testing.T) {
	svc := newTestService(t)
	require.NoError(t, svc.Ping(context.Background()))
}

func TestAccountExistsAndCredentialLookup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.database.DB.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES ('u1', 'a@b.com', 'hash')
	`)
	require.NoError(t, err)
	_, err = svc.database.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, account_id, api_key_encrypted, api_secret_encrypted)
		VALUES ('acc1', 'u1', 'default', 'ENC[v1]:abc', 'ENC[v1]:def')
	`)
	require.NoError(t, err)

	exists, err := svc.AccountExists(ctx, "default")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = svc.AccountExists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists)

	creds, err := svc.GetAccountCredentials(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "ENC[v1]:abc", creds.APIKeyEncrypted)
}

func TestSaveCompletedTradeMirrorsToCache(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.database.DB.ExecContext(ctx, `
		INSERT INTO strategy_instances (id, name, strategy_type, symbol, interval, parameters)
		VALUES ('s1', 'test', 'ma_cross', 'BTCUSDT', '1h', '{}')
	`)
	require.NoError(t, err)

	ct := CompletedTrade{
		ID: "ct1", StrategyInstanceID: "s1", Symbol: "BTCUSDT", Side: "LONG",
		EntryPrice: 100, ExitPrice: 110, Quantity: 1,
		EntryTime: time.Now().Add(-time.Hour), ExitTime: time.Now(),
		GrossPnL: 10, FeePaid: 0.5, NetPnL: 9.5, ExitReason: "TP",
	}
	require.NoError(t, svc.SaveCompletedTrade(ctx, ct))

	recent, err := svc.RecentCompletedTrades(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, 9.5, recent[0].NetPnL)

	tail, err := svc.Cache().TradeTail("s1")
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "ct1", tail[0].ID)
}

func TestHealthProbeFiresOnDown(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	downCh := make(chan struct{}, 1)
	svc.StartHealthProbe(ctx, 10*time.Millisecond, func(error) {
		select {
		case downCh <- struct{}{}:
		default:
		}
	}, nil)

	svc.database.Close() // force Ping to start failing

	select {
	case <-downCh:
	case <-time.After(time.Second):
		t.Fatal("expected onDown to fire after the database became unreachable")
	}
	assert.False(t, svc.isHealthy())

	cancel()
	svc.Stop()
}
