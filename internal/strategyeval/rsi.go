package strategyeval

import (
	"encoding/json"
	"fmt"
	"time"

	"futurestrader/internal/executor"
	"futurestrader/internal/indicators"
)

func init() {
	Register("rsi", newRSI)
}

type rsiParams struct {
	Period     int     `json:"period"`
	Oversold   float64 `json:"oversold"`
	Overbought float64 `json:"overbought"`
}

// rsi generates BUY on oversold and SELL on overbought, the teacher's RSI
// overbought/oversold crossover logic unchanged.
type rsi struct {
	symbol     string
	period     int
	oversold   float64
	overbought float64

	prices     []float64
	value      float64
	prevSignal executor.Action
}

func newRSI(id, symbol string, paramsJSON json.RawMessage) (Evaluator, error) {
	var p rsiParams
	if err := json.Unmarshal(paramsJSON, &p); err != nil {
		return nil, fmt.Errorf("rsi: parse params: %w", err)
	}
	if p.Period <= 0 {
		return nil, fmt.Errorf("rsi: period must be positive")
	}
	if p.Oversold <= 0 || p.Overbought <= p.Oversold || p.Overbought >= 100 {
		return nil, fmt.Errorf("rsi: require 0 < oversold < overbought < 100")
	}
	return &rsi{
		symbol:     symbol,
		period:     p.Period,
		oversold:   p.Oversold,
		overbought: p.Overbought,
		prices:     make([]float64, 0, p.Period+1),
		prevSignal: executor.ActionHold,
	}, nil
}

type rsiState struct {
	PrevSignal executor.Action `json:"prev_signal"`
	Value      float64         `json:"rsi"`
	Prices     []float64       `json:"prices"`
}

func (s *rsi) GetState() (json.RawMessage, error) {
	return json.Marshal(rsiState{PrevSignal: s.prevSignal, Value: s.value, Prices: s.prices})
}

func (s *rsi) SetState(data json.RawMessage) error {
	var st rsiState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.prevSignal = st.PrevSignal
	s.value = st.Value
	s.prices = st.Prices
	return nil
}

func (s *rsi) SyncPositionState(summary *executor.Summary) {
	switch summary.PositionSide {
	case "LONG":
		s.prevSignal = executor.ActionBuy
	case "SHORT":
		s.prevSignal = executor.ActionSell
	default:
		s.prevSignal = executor.ActionHold
	}
}

func (s *rsi) Teardown() {}

func (s *rsi) Seed(closes []float64) {
	if len(s.prices) > 0 {
		return
	}
	if len(closes) > s.period+1 {
		closes = closes[len(closes)-(s.period+1):]
	}
	s.prices = append(s.prices, closes...)
}

func (s *rsi) Evaluate(price float64) (executor.Signal, error) {
	s.prices = append(s.prices, price)
	if len(s.prices) > s.period+1 {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.period+1 {
		return executor.Signal{Action: executor.ActionHold, Symbol: s.symbol, Price: price}, nil
	}

	s.value = indicators.RSI(s.prices, s.period)

	action := executor.ActionHold
	switch {
	case s.value < s.oversold:
		action = executor.ActionBuy
	case s.value > s.overbought:
		action = executor.ActionSell
	}

	if action == executor.ActionHold || action == s.prevSignal {
		return executor.Signal{Action: executor.ActionHold, Symbol: s.symbol, Price: price}, nil
	}
	s.prevSignal = action
	return executor.Signal{Action: action, Symbol: s.symbol, Price: price, BarCloseTime: time.Now()}, nil
}
