package exchange

import (
	"context"
	"errors"
	"testing"

	"futurestrader/pkg/exchanges/common"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorClass
	}{
		{429, ClassRateLimit},
		{418, ClassRateLimit},
		{401, ClassAuth},
		{403, ClassAuth},
		{500, ClassNetwork},
		{400, ClassAPI},
	}
	for _, c := range cases {
		got := ClassifyHTTPStatus(c.status, errors.New("x"))
		if got.Class != c.want {
			t.Fatalf("status %d: got %s want %s", c.status, got.Class, c.want)
		}
	}
}

func TestErrorRetryable(t *testing.T) {
	if !ClassifyHTTPStatus(429, nil).Retryable() {
		t.Fatalf("rate limit should be retryable")
	}
	if ClassifyHTTPStatus(400, nil).Retryable() {
		t.Fatalf("API rejection should not be retryable")
	}
	if ClassifyHTTPStatus(401, nil).Retryable() {
		t.Fatalf("auth failure should not be retryable")
	}
}

func TestMockPlaceOrderTracksSubmissions(t *testing.T) {
	m := NewMock()
	res, err := m.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExchangeOrderID == "" {
		t.Fatalf("expected an exchange order id")
	}
	if len(m.Submitted) != 1 {
		t.Fatalf("expected 1 submitted order, got %d", len(m.Submitted))
	}
}
