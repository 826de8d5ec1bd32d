package strategyeval

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"futurestrader/internal/executor"
	"futurestrader/internal/indicators"
)

func init() {
	Register("bollinger", newBollinger)
}

type bollingerParams struct {
	Period    int     `json:"period"`
	NumStdDev float64 `json:"std_dev"`
}

// bollinger generates BUY when price breaks below the lower band and SELL
// when it breaks above the upper band, the teacher's breakout logic
// unchanged.
type bollinger struct {
	symbol    string
	period    int
	numStdDev float64

	prices             []float64
	middle, upper, lower float64
	prevSignal         executor.Action
}

func newBollinger(id, symbol string, paramsJSON json.RawMessage) (Evaluator, error) {
	var p bollingerParams
	if err := json.Unmarshal(paramsJSON, &p); err != nil {
		return nil, fmt.Errorf("bollinger: parse params: %w", err)
	}
	if p.Period <= 0 || p.NumStdDev <= 0 {
		return nil, fmt.Errorf("bollinger: period and std_dev must be positive")
	}
	return &bollinger{
		symbol:     symbol,
		period:     p.Period,
		numStdDev:  p.NumStdDev,
		prices:     make([]float64, 0, p.Period),
		prevSignal: executor.ActionHold,
	}, nil
}

type bollingerState struct {
	PrevSignal executor.Action `json:"prev_signal"`
	Middle     float64         `json:"middle"`
	Upper      float64         `json:"upper"`
	Lower      float64         `json:"lower"`
	Prices     []float64       `json:"prices"`
}

func (s *bollinger) GetState() (json.RawMessage, error) {
	return json.Marshal(bollingerState{PrevSignal: s.prevSignal, Middle: s.middle, Upper: s.upper, Lower: s.lower, Prices: s.prices})
}

func (s *bollinger) SetState(data json.RawMessage) error {
	var st bollingerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.prevSignal = st.PrevSignal
	s.middle, s.upper, s.lower = st.Middle, st.Upper, st.Lower
	s.prices = st.Prices
	return nil
}

func (s *bollinger) SyncPositionState(summary *executor.Summary) {
	switch summary.PositionSide {
	case "LONG":
		s.prevSignal = executor.ActionBuy
	case "SHORT":
		s.prevSignal = executor.ActionSell
	default:
		s.prevSignal = executor.ActionHold
	}
}

func (s *bollinger) Teardown() {}

func (s *bollinger) Seed(closes []float64) {
	if len(s.prices) > 0 {
		return
	}
	if len(closes) > s.period {
		closes = closes[len(closes)-s.period:]
	}
	s.prices = append(s.prices, closes...)
}

func (s *bollinger) Evaluate(price float64) (executor.Signal, error) {
	s.prices = append(s.prices, price)
	if len(s.prices) > s.period {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.period {
		return executor.Signal{Action: executor.ActionHold, Symbol: s.symbol, Price: price}, nil
	}

	s.middle = indicators.SMA(s.prices, s.period)
	var variance float64
	for _, p := range s.prices {
		variance += (p - s.middle) * (p - s.middle)
	}
	stdDev := math.Sqrt(variance / float64(s.period))
	s.upper = s.middle + s.numStdDev*stdDev
	s.lower = s.middle - s.numStdDev*stdDev

	action := executor.ActionHold
	switch {
	case price <= s.lower:
		action = executor.ActionBuy
	case price >= s.upper:
		action = executor.ActionSell
	}

	if action == executor.ActionHold || action == s.prevSignal {
		return executor.Signal{Action: executor.ActionHold, Symbol: s.symbol, Price: price}, nil
	}
	s.prevSignal = action
	return executor.Signal{Action: action, Symbol: s.symbol, Price: price, BarCloseTime: time.Now()}, nil
}
