package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
)

// Kline is one OHLCV candle from the futures klines endpoint.
type Kline struct {
	OpenTime  int64
	Open      string
	High      string
	Low       string
	Close     string
	Volume    string
	CloseTime int64
}

// GetKlines fetches recent candles for symbol/interval (e.g. "1m", "5m",
// "1h"). This endpoint is unsigned (public market data).
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit <= 0 {
		limit = 100
	}
	params.Set("limit", strconv.Itoa(limit))

	endpoint := c.baseURL + "/fapi/v1/klines?" + params.Encode()
	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("get klines status %d: %s", resp.StatusCode, string(body))
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	out := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		k := Kline{}
		if v, ok := row[0].(float64); ok {
			k.OpenTime = int64(v)
		}
		k.Open, _ = row[1].(string)
		k.High, _ = row[2].(string)
		k.Low, _ = row[3].(string)
		k.Close, _ = row[4].(string)
		k.Volume, _ = row[5].(string)
		if v, ok := row[6].(float64); ok {
			k.CloseTime = int64(v)
		}
		out = append(out, k)
	}
	return out, nil
}

// GetPrice returns the latest mark price for a symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := c.baseURL + "/fapi/v1/ticker/price?symbol=" + url.QueryEscape(symbol)
	resp, err := c.httpClient.Get(endpoint)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("get price status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}
	f, err := strconv.ParseFloat(out.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price: %w", err)
	}
	return f, nil
}

// GetLeverage returns the currently configured leverage for a symbol by
// scanning the position-risk view (Binance has no standalone "get leverage"
// endpoint; leverage is reported per open/flat position entry).
func (c *Client) GetLeverage(ctx context.Context, symbol string) (int, error) {
	positions, err := c.GetPositions(ctx, symbol)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			lev, _ := strconv.Atoi(p.Leverage)
			return lev, nil
		}
	}
	return 0, nil
}
