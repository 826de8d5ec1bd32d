// Package exchange is the Exchange Client boundary (spec component A): a
// typed wrapper around the Binance USDT-M futures REST client that adds a
// classified error taxonomy, bounded retry/backoff, and the exact operation
// set the rest of the runtime depends on.
package exchange

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"futurestrader/pkg/exchanges/binance/futures_usdt"
	"futurestrader/pkg/exchanges/common"
)

// Position is the normalized open-position view the runtime works with.
type Position struct {
	Symbol        string
	Side          string // LONG, SHORT, or "" when flat
	Quantity      float64
	EntryPrice    float64
	UnrealizedPnL float64
	Leverage      int
}

// OpenOrder is a normalized resting order.
type OpenOrder struct {
	ExchangeOrderID string
	Symbol          string
	Side            common.Side
	Type            common.OrderType
	Qty             float64
	Price           float64
	StopPrice       float64
	ReduceOnly      bool
}

// Balance is one asset balance line from the futures account.
type Balance struct {
	Asset              string
	WalletBalance      float64
	AvailableBalance   float64
}

// Client is the interface the rest of the runtime (account registry,
// executor, scheduler) programs against. It is satisfied by *BinanceClient
// and by the in-memory Mock used in tests.
type Client interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]futures_usdt.Kline, error)
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetOpenPosition(ctx context.Context, symbol string) (*Position, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
	GetCurrentLeverage(ctx context.Context, symbol string) (int, error)
	AdjustLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)
	PlaceTakeProfitOrder(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64, positionSide string) (common.OrderResult, error)
	PlaceStopLossOrder(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64, positionSide string) (common.OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	ClosePosition(ctx context.Context, symbol string, side common.Side, qty float64, positionSide string) (common.OrderResult, error)
	FuturesAccountBalance(ctx context.Context) ([]Balance, error)
}

// RetryConfig bounds the backoff applied to retryable (rate-limit/network)
// failures.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// BinanceClient adapts futures_usdt.Client to the Client interface, adding
// a token-bucket limiter (on top of the underlying client's own
// weight-header tracking) and retry/backoff for transient failures.
type BinanceClient struct {
	inner   *futures_usdt.Client
	limiter *rate.Limiter
	retry   RetryConfig
}

// NewBinanceClient builds a client against one account's credentials.
// requestsPerSecond throttles outbound calls client-side in addition to the
// exchange's own response-header-driven limiter.
func NewBinanceClient(cfg futures_usdt.Config, requestsPerSecond float64) *BinanceClient {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}
	return &BinanceClient{
		inner:   futures_usdt.NewClient(cfg),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)),
		retry:   DefaultRetryConfig(),
	}
}

func (c *BinanceClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		xerr := ClassifyHTTPStatus(0, err)
		if ex, ok := AsExchangeError(err); ok {
			xerr = ex
		}
		if !xerr.Retryable() {
			return err
		}
		delay := backoffDelay(c.retry, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BaseDelay * time.Duration(1<<attempt)
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2)) // #nosec G404 -- jitter only, not security sensitive
	return d + jitter
}

func (c *BinanceClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]futures_usdt.Kline, error) {
	var out []futures_usdt.Kline
	err := c.withRetry(ctx, func() error {
		k, err := c.inner.GetKlines(ctx, symbol, interval, limit)
		out = k
		return err
	})
	return out, err
}

func (c *BinanceClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var out float64
	err := c.withRetry(ctx, func() error {
		p, err := c.inner.GetPrice(ctx, symbol)
		out = p
		return err
	})
	return out, err
}

func (c *BinanceClient) GetOpenPosition(ctx context.Context, symbol string) (*Position, error) {
	var positions []futures_usdt.PositionRisk
	err := c.withRetry(ctx, func() error {
		p, err := c.inner.GetPositions(ctx, symbol)
		positions = p
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, p := range positions {
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(p.Leverage)
		side := "LONG"
		if qty < 0 {
			side = "SHORT"
			qty = -qty
		}
		return &Position{Symbol: p.Symbol, Side: side, Quantity: qty, EntryPrice: entry, UnrealizedPnL: upnl, Leverage: lev}, nil
	}
	return nil, nil
}

func (c *BinanceClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var raw []futures_usdt.OpenOrder
	err := c.withRetry(ctx, func() error {
		o, err := c.inner.GetOpenOrders(ctx, symbol)
		raw = o
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, OpenOrder{
			ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
			Symbol:          o.Symbol,
			Side:            common.Side(o.Side),
			Type:            common.OrderType(o.Type),
			Qty:             parseFloatOrZero(o.OrigQty),
			Price:           parseFloatOrZero(o.Price),
			StopPrice:       parseFloatOrZero(o.StopPrice),
			ReduceOnly:      o.ReduceOnly,
		})
	}
	return out, nil
}

func parseFloatOrZero(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func (c *BinanceClient) GetCurrentLeverage(ctx context.Context, symbol string) (int, error) {
	var out int
	err := c.withRetry(ctx, func() error {
		l, err := c.inner.GetLeverage(ctx, symbol)
		out = l
		return err
	})
	return out, err
}

func (c *BinanceClient) AdjustLeverage(ctx context.Context, symbol string, leverage int) error {
	return c.withRetry(ctx, func() error {
		return c.inner.SetLeverage(ctx, symbol, leverage)
	})
}

func (c *BinanceClient) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	var out common.OrderResult
	err := c.withRetry(ctx, func() error {
		r, err := c.inner.SubmitOrder(ctx, req)
		out = r
		return err
	})
	return out, err
}

func (c *BinanceClient) PlaceTakeProfitOrder(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64, positionSide string) (common.OrderResult, error) {
	req := common.OrderRequest{
		Symbol: symbol, Side: side, Type: common.OrderTypeTakeProfit,
		Qty: qty, StopPrice: stopPrice, PositionSide: positionSide,
		ReduceOnly: true, WorkingType: "MARK_PRICE",
	}
	return c.PlaceOrder(ctx, req)
}

func (c *BinanceClient) PlaceStopLossOrder(ctx context.Context, symbol string, side common.Side, qty, stopPrice float64, positionSide string) (common.OrderResult, error) {
	req := common.OrderRequest{
		Symbol: symbol, Side: side, Type: common.OrderTypeStopLoss,
		Qty: qty, StopPrice: stopPrice, PositionSide: positionSide,
		ReduceOnly: true, WorkingType: "MARK_PRICE",
	}
	return c.PlaceOrder(ctx, req)
}

func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return c.withRetry(ctx, func() error {
		return c.inner.CancelOrder(ctx, symbol, exchangeOrderID)
	})
}

// ClosePosition submits a reduce-only market order sized to fully unwind the
// given quantity on the opposite side of the open position.
func (c *BinanceClient) ClosePosition(ctx context.Context, symbol string, side common.Side, qty float64, positionSide string) (common.OrderResult, error) {
	req := common.OrderRequest{
		Symbol: symbol, Side: side, Type: common.OrderTypeMarket,
		Qty: qty, ReduceOnly: true, PositionSide: positionSide,
	}
	return c.PlaceOrder(ctx, req)
}

func (c *BinanceClient) FuturesAccountBalance(ctx context.Context) ([]Balance, error) {
	var raw []futures_usdt.FuturesBalance
	err := c.withRetry(ctx, func() error {
		b, err := c.inner.GetBalance(ctx)
		raw = b
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Balance, 0, len(raw))
	for _, b := range raw {
		out = append(out, Balance{
			Asset:            b.Asset,
			WalletBalance:    parseFloatOrZero(b.Balance),
			AvailableBalance: parseFloatOrZero(b.AvailableBalance),
		})
	}
	return out, nil
}
