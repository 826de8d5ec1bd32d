package breaker

import (
	"testing"
	"time"
)

type fakeStopper struct {
	stopped []string
}

func (f *fakeStopper) StopStrategy(strategyID, reason string) error {
	f.stopped = append(f.stopped, strategyID)
	return nil
}

func TestConsecutiveLossesTripsStrategy(t *testing.T) {
	stopper := &fakeStopper{}
	b := New(Config{MaxConsecutiveLosses: 3, ConsecutiveCooldown: time.Hour, RapidLossWindow: time.Minute, RapidLossCount: 100, RapidLossCooldown: time.Hour}, stopper)

	b.RecordTrade("acct-1", "strat-1", false)
	b.RecordTrade("acct-1", "strat-1", false)
	tripped := b.RecordTrade("acct-1", "strat-1", false)

	if !tripped {
		t.Fatalf("expected trip on third consecutive loss")
	}
	if len(stopper.stopped) != 1 || stopper.stopped[0] != "strat-1" {
		t.Fatalf("expected stopper to be called for strat-1, got %v", stopper.stopped)
	}
	isTripped, _ := b.IsStrategyTripped("strat-1")
	if !isTripped {
		t.Fatalf("expected strategy to be in cooldown")
	}
}

func TestWinResetsConsecutiveCounter(t *testing.T) {
	b := New(Config{MaxConsecutiveLosses: 2, ConsecutiveCooldown: time.Hour}, nil)
	b.RecordTrade("acct-1", "strat-1", false)
	b.RecordTrade("acct-1", "strat-1", true)
	tripped := b.RecordTrade("acct-1", "strat-1", false)
	if tripped {
		t.Fatalf("should not trip: win should have reset the counter")
	}
}

func TestRapidLossTripsAccount(t *testing.T) {
	b := New(Config{RapidLossWindow: time.Minute, RapidLossCount: 3, RapidLossCooldown: time.Hour, MaxConsecutiveLosses: 100}, nil)
	b.RecordTrade("acct-1", "strat-1", false)
	b.RecordTrade("acct-1", "strat-2", false)
	tripped := b.RecordTrade("acct-1", "strat-3", false)
	if !tripped {
		t.Fatalf("expected account-level trip on third rapid loss across strategies")
	}
	isTripped, _ := b.IsAccountTripped("acct-1")
	if !isTripped {
		t.Fatalf("expected account to be tripped")
	}
}
