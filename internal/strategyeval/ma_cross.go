package strategyeval

import (
	"encoding/json"
	"fmt"
	"time"

	"futurestrader/internal/executor"
	"futurestrader/internal/indicators"
)

func init() {
	Register("ma_cross", newMACross)
}

// maCrossParams mirrors the teacher's inline param structs, now addressable
// as a standalone named type since each evaluator owns its unmarshal.
type maCrossParams struct {
	FastPeriod int `json:"fast"`
	SlowPeriod int `json:"slow"`
}

// maCross generates BUY on a golden cross (fast MA crosses above slow MA)
// and SELL on a death cross, repeating the teacher's crossover detection
// verbatim but returning executor.Signal instead of the old strategy.Signal.
type maCross struct {
	symbol     string
	fastPeriod int
	slowPeriod int

	fastMA     float64
	slowMA     float64
	prices     []float64
	prevSignal executor.Action
}

func newMACross(id, symbol string, paramsJSON json.RawMessage) (Evaluator, error) {
	var p maCrossParams
	if err := json.Unmarshal(paramsJSON, &p); err != nil {
		return nil, fmt.Errorf("ma_cross: parse params: %w", err)
	}
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 || p.FastPeriod >= p.SlowPeriod {
		return nil, fmt.Errorf("ma_cross: fast period must be positive and less than slow period")
	}
	return &maCross{
		symbol:     symbol,
		fastPeriod: p.FastPeriod,
		slowPeriod: p.SlowPeriod,
		prices:     make([]float64, 0, p.SlowPeriod),
		prevSignal: executor.ActionHold,
	}, nil
}

type maCrossState struct {
	PrevSignal executor.Action `json:"prev_signal"`
	FastMA     float64         `json:"fast_ma"`
	SlowMA     float64         `json:"slow_ma"`
	Prices     []float64       `json:"prices"`
}

func (s *maCross) GetState() (json.RawMessage, error) {
	return json.Marshal(maCrossState{PrevSignal: s.prevSignal, FastMA: s.fastMA, SlowMA: s.slowMA, Prices: s.prices})
}

func (s *maCross) SetState(data json.RawMessage) error {
	var st maCrossState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.prevSignal = st.PrevSignal
	s.fastMA = st.FastMA
	s.slowMA = st.SlowMA
	s.prices = st.Prices
	return nil
}

func (s *maCross) SyncPositionState(summary *executor.Summary) {
	switch summary.PositionSide {
	case "LONG":
		s.prevSignal = executor.ActionBuy
	case "SHORT":
		s.prevSignal = executor.ActionSell
	default:
		s.prevSignal = executor.ActionHold
	}
}

func (s *maCross) Teardown() {}

func (s *maCross) Seed(closes []float64) {
	if len(s.prices) > 0 {
		return
	}
	if len(closes) > s.slowPeriod {
		closes = closes[len(closes)-s.slowPeriod:]
	}
	s.prices = append(s.prices, closes...)
}

func (s *maCross) Evaluate(price float64) (executor.Signal, error) {
	s.prices = append(s.prices, price)
	if len(s.prices) > s.slowPeriod {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.slowPeriod {
		return executor.Signal{Action: executor.ActionHold, Symbol: s.symbol, Price: price}, nil
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = indicators.SMA(s.prices, s.fastPeriod)
	s.slowMA = indicators.SMA(s.prices, s.slowPeriod)

	action := executor.ActionHold
	switch {
	case oldFast <= oldSlow && s.fastMA > s.slowMA:
		action = executor.ActionBuy
	case oldFast >= oldSlow && s.fastMA < s.slowMA:
		action = executor.ActionSell
	}

	if action == executor.ActionHold || action == s.prevSignal {
		return executor.Signal{Action: executor.ActionHold, Symbol: s.symbol, Price: price}, nil
	}
	s.prevSignal = action
	return executor.Signal{
		Action:       action,
		Symbol:       s.symbol,
		Price:        price,
		BarCloseTime: time.Now(),
	}, nil
}
