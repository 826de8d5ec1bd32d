package risk

import (
	"sync"
	"testing"
)

func TestCheckAndReserveBooksExposure(t *testing.T) {
	mgr := NewInMemory(DefaultConfig())
	gate := NewGate(mgr)

	req := ReserveRequest{
		AccountID:    "acct-1",
		StrategyID:   "strat-1",
		Signal:       SignalInput{Symbol: "BTCUSDT", Action: "BUY", Size: 0.01, Price: 50000},
		AccountState: Account{Balance: 10000, TotalExposure: 0},
		Leverage:     1,
	}

	res := gate.CheckAndReserve(req)
	if !res.Decision.Allowed {
		t.Fatalf("expected approval, got reason=%s", res.Decision.Reason)
	}
	if res.ReservationID == "" {
		t.Fatalf("expected a reservation id")
	}

	gate.ledgerMu.Lock()
	reserved := gate.ledger.reservedNotional("acct-1")
	gate.ledgerMu.Unlock()
	if reserved <= 0 {
		t.Fatalf("expected positive reserved notional, got %v", reserved)
	}
}

func TestCheckAndReserveRejectsOverExposedAccount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTotalExposure = 100
	mgr := NewInMemory(cfg)
	gate := NewGate(mgr)

	req := ReserveRequest{
		AccountID:    "acct-1",
		StrategyID:   "strat-1",
		Signal:       SignalInput{Symbol: "BTCUSDT", Action: "BUY", Size: 1, Price: 50000},
		AccountState: Account{Balance: 10000, TotalExposure: 0},
		Leverage:     1,
	}
	res := gate.CheckAndReserve(req)
	if res.Decision.Allowed {
		t.Fatalf("expected rejection due to exposure limit")
	}
}

func TestUpdateReservationLifecycle(t *testing.T) {
	mgr := NewInMemory(DefaultConfig())
	gate := NewGate(mgr)
	req := ReserveRequest{
		AccountID:    "acct-1",
		StrategyID:   "strat-1",
		Signal:       SignalInput{Symbol: "BTCUSDT", Action: "BUY", Size: 0.01, Price: 50000},
		AccountState: Account{Balance: 10000},
		Leverage:     1,
	}
	res := gate.CheckAndReserve(req)

	gate.UpdateReservation("acct-1", res.ReservationID, 0.5, false)
	gate.ledgerMu.Lock()
	r, _ := gate.ledger.get("acct-1", res.ReservationID)
	gate.ledgerMu.Unlock()
	if r.Status != ReservationPartial {
		t.Fatalf("expected PARTIAL, got %s", r.Status)
	}

	gate.UpdateReservation("acct-1", res.ReservationID, 1.0, true)
	gate.ledgerMu.Lock()
	r, _ = gate.ledger.get("acct-1", res.ReservationID)
	gate.ledgerMu.Unlock()
	if r.Status != ReservationConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", r.Status)
	}
}

// Two different accounts must not serialize on each other's mutex.
func TestGateDoesNotCrossLockAccounts(t *testing.T) {
	mgr := NewInMemory(DefaultConfig())
	gate := NewGate(mgr)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			gate.CheckAndReserve(ReserveRequest{
				AccountID:    "acct-a",
				StrategyID:   "s",
				Signal:       SignalInput{Symbol: "BTCUSDT", Action: "BUY", Size: 0.001, Price: 100},
				AccountState: Account{Balance: 10000},
				Leverage:     1,
			})
		}(i)
		go func(n int) {
			defer wg.Done()
			gate.CheckAndReserve(ReserveRequest{
				AccountID:    "acct-b",
				StrategyID:   "s",
				Signal:       SignalInput{Symbol: "BTCUSDT", Action: "BUY", Size: 0.001, Price: 100},
				AccountState: Account{Balance: 10000},
				Leverage:     1,
			})
		}(i)
	}
	wg.Wait()
}
