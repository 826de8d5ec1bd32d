package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futurestrader/internal/account"
	"futurestrader/internal/balance"
	"futurestrader/internal/exchange"
	"futurestrader/internal/matcher"
	"futurestrader/internal/reconciliation"
	"futurestrader/internal/risk"
	"futurestrader/internal/store"
)

// TestFullWorkflow tests the complete trading workflow
func TestFullWorkflow(t *testing.T) {
	log.Println("Starting full workflow test")

	st, err := store.Open(":memory:", "")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	log.Println("store initialized")

	// Setup Risk Manager
	riskMgr, err := risk.NewManager(st.DB())
	if err != nil {
		t.Fatalf("Failed to create risk manager: %v", err)
	}
	log.Println("risk manager initialized")

	// Setup Balance Manager
	balanceMgr := balance.NewManager(nil, 30*time.Second)
	balanceMgr.SetInitialBalance(10000.0)
	log.Println("balance manager: 10000.0 USDT")

	// Test 1: Balance Management
	t.Run("BalanceManagement", func(t *testing.T) {
		if err := balanceMgr.Lock(500.0); err != nil {
			t.Errorf("Lock failed: %v", err)
		}

		bal := balanceMgr.GetBalance()
		if bal.Available != 9500.0 || bal.Locked != 500.0 {
			t.Errorf("Lock incorrect: Available=%.2f Locked=%.2f", bal.Available, bal.Locked)
		}

		balanceMgr.Unlock(500.0)
		bal = balanceMgr.GetBalance()
		if bal.Available != 10000.0 || bal.Locked != 0 {
			t.Errorf("Unlock incorrect: Available=%.2f Locked=%.2f", bal.Available, bal.Locked)
		}
	})

	// Test 2: Risk Evaluation
	t.Run("RiskEvaluation", func(t *testing.T) {
		signal := risk.SignalInput{
			Symbol: "BTCUSDT",
			Action: "BUY",
			Size:   0.01,
			Price:  50000.0,
		}

		position := risk.Position{
			Symbol:        "BTCUSDT",
			Quantity:      0,
			CurrentPrice:  50000.0,
			UnrealizedPnL: 0,
		}

		account := risk.Account{
			Balance:          10000.0,
			AvailableBalance: 10000.0,
			TotalExposure:    0,
		}

		decision := riskMgr.EvaluateSignal(signal, position, account)

		if !decision.Allowed {
			t.Errorf("Risk rejected: %s", decision.Reason)
		} else {
			log.Printf("risk approved: Size=%.4f SL=%.2f TP=%.2f",
				decision.AdjustedSize, decision.StopLoss, decision.TakeProfit)
		}
	})

	// Test 3: Position derivation from raw trade history
	t.Run("PositionFromTradeHistory", func(t *testing.T) {
		trades := []matcher.Trade{
			{ID: "t1", OrderID: "1", Symbol: "BTCUSDT", Side: matcher.SideBuy,
				Qty: decimal.NewFromFloat(0.01), Price: decimal.NewFromFloat(50000), FilledAt: 1},
		}
		qty := matcher.OpenQty(trades)
		if f, _ := qty.Float64(); f != 0.01 {
			t.Errorf("OpenQty incorrect: %.4f", f)
		}
	})

	// Test 4: Risk Metrics
	t.Run("RiskMetrics", func(t *testing.T) {
		err := riskMgr.UpdateMetrics(risk.TradeResult{
			Symbol: "BTCUSDT",
			Side:   "SELL",
			Size:   0.01,
			Price:  51000.0,
			PnL:    500.0,
			Fee:    10.0,
		})

		if err != nil {
			t.Errorf("UpdateMetrics failed: %v", err)
		}

		metrics := riskMgr.GetMetrics()
		if metrics.DailyTrades != 1 {
			t.Errorf("DailyTrades=%d (expected 1)", metrics.DailyTrades)
		}

		log.Printf("metrics: Trades=%d PnL=%.2f", metrics.DailyTrades, metrics.DailyPnL)
	})

	// Test 5: Feature Toggles
	t.Run("FeatureToggles", func(t *testing.T) {
		cfg := riskMgr.GetConfig()

		if !cfg.UseDailyTradeLimit || !cfg.UseDailyLossLimit ||
			!cfg.UseOrderSizeLimits || !cfg.UsePositionSizeLimit {
			t.Error("Feature toggles not enabled")
		}
	})

	log.Println("all tests passed")
}

// TestReconciliation exercises one reconciliation pass against a strategy
// whose fill history and exchange-reported position agree, and one where
// they drift.
func TestReconciliation(t *testing.T) {
	ctx := context.Background()

	st, err := store.Open(":memory:", "")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	database := st.Database()

	userID := "user-1"
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)`, userID, "recon@test.local", "x"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `
		INSERT INTO accounts (account_id, user_id, exchange_type, api_key_encrypted, api_secret_encrypted, is_active)
		VALUES (?, ?, ?, ?, ?, 1)
	`, "acct-1", userID, "binance-futures", "enc:key", "enc:secret"); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `
		INSERT INTO strategy_instances (id, name, strategy_type, symbol, interval, parameters, connection_id, account_ref, status, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'running', 1)
	`, "strat-1", "recon test", "ma_cross", "BTCUSDT", "1m", "{}", "acct-1", "acct-1"); err != nil {
		t.Fatalf("seed strategy: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `
		INSERT INTO orders (id, strategy_instance_id, symbol, side, price, qty, status) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, "ord-1", "strat-1", "BTCUSDT", "BUY", 50000.0, 0.01, "FILLED"); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `
		INSERT INTO trades (id, order_id, symbol, side, price, qty) VALUES (?, ?, ?, ?, ?, ?)
	`, "trd-1", "ord-1", "BTCUSDT", "BUY", 50000.0, 0.01); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	mock := exchange.NewMock()
	mock.Positions["BTCUSDT"] = &exchange.Position{Symbol: "BTCUSDT", Side: "LONG", Quantity: 0.01}

	registry := account.NewRegistry(st, nil)
	registry.InjectTestClient("acct-1", mock)

	recon := reconciliation.NewService(st, registry, time.Minute)
	report, err := recon.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.HasDiffs {
		t.Fatalf("expected no diffs, got %+v", report.Diffs)
	}

	// Drift the exchange-reported position; the local trade history stays put.
	mock.Positions["BTCUSDT"] = &exchange.Position{Symbol: "BTCUSDT", Side: "LONG", Quantity: 0.05}
	report, err = recon.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !report.HasDiffs || len(report.Diffs) != 1 {
		t.Fatalf("expected one diff, got %+v", report.Diffs)
	}
	if report.Diffs[0].Difference != 0.01-0.05 {
		t.Errorf("unexpected diff: %+v", report.Diffs[0])
	}
}
