package exchange

import (
	"context"
	"fmt"
	"sync"

	"futurestrader/pkg/exchanges/binance/futures_usdt"
	"futurestrader/pkg/exchanges/common"
)

// Mock is an in-memory Client used by the account registry's test-harness
// override and by executor/scheduler unit tests. It never touches the
// network.
type Mock struct {
	mu sync.Mutex

	Prices    map[string]float64
	Positions map[string]*Position
	Orders    map[string]OpenOrder
	Leverage  map[string]int
	Balances  []Balance

	nextOrderID int
	Submitted   []common.OrderRequest
}

func NewMock() *Mock {
	return &Mock{
		Prices:    make(map[string]float64),
		Positions: make(map[string]*Position),
		Orders:    make(map[string]OpenOrder),
		Leverage:  make(map[string]int),
	}
}

func (m *Mock) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]futures_usdt.Kline, error) {
	return nil, nil
}

func (m *Mock) GetPrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Prices[symbol], nil
}

func (m *Mock) GetOpenPosition(ctx context.Context, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Positions[symbol], nil
}

func (m *Mock) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OpenOrder
	for _, o := range m.Orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Mock) GetCurrentLeverage(ctx context.Context, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.Leverage[symbol]; ok {
		return l, nil
	}
	return 1, nil
}

func (m *Mock) AdjustLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverage[symbol] = leverage
	return nil
}

func (m *Mock) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOrderID++
	id := fmt.Sprintf("mock-%d", m.nextOrderID)
	m.Submitted = append(m.Submitted, req)
	m.Orders[id] = OpenOrder{
		ExchangeOrderID: id, Symbol: req.Symbol, Side: req.Side, Type: req.Type,
		Qty: req.Qty, Price: req.Price, StopPrice: req.StopPrice, ReduceOnly: req.ReduceOnly,
	}
	return common.OrderResult{ExchangeOrderID: id, Status: common.StatusFilled, ClientID: req.ClientID}, nil
}

func (m *Mock) PlaceTakeProfitOrder(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64, positionSide string) (common.OrderResult, error) {
	return m.PlaceOrder(ctx, common.OrderRequest{Symbol: symbol, Side: side, Type: common.OrderTypeTakeProfit, Qty: qty, StopPrice: stopPrice, PositionSide: positionSide, ReduceOnly: true})
}

func (m *Mock) PlaceStopLossOrder(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64, positionSide string) (common.OrderResult, error) {
	return m.PlaceOrder(ctx, common.OrderRequest{Symbol: symbol, Side: side, Type: common.OrderTypeStopLoss, Qty: qty, StopPrice: stopPrice, PositionSide: positionSide, ReduceOnly: true})
}

func (m *Mock) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Orders, exchangeOrderID)
	return nil
}

func (m *Mock) ClosePosition(ctx context.Context, symbol string, side common.Side, qty float64, positionSide string) (common.OrderResult, error) {
	m.mu.Lock()
	delete(m.Positions, symbol)
	m.mu.Unlock()
	return m.PlaceOrder(ctx, common.OrderRequest{Symbol: symbol, Side: side, Type: common.OrderTypeMarket, Qty: qty, ReduceOnly: true, PositionSide: positionSide})
}

func (m *Mock) FuturesAccountBalance(ctx context.Context) ([]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balances, nil
}

var _ Client = (*Mock)(nil)
var _ Client = (*BinanceClient)(nil)
