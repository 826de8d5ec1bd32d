package spot

import (
	"context"
	"strconv"

	"futurestrader/internal/balance"
)

// GetBalance implements balance.ExchangeClient interface
func (c *Client) GetBalance(ctx context.Context) (balance.Balance, error) {
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return balance.Balance{}, err
	}

	// Sum all USDT balances (or you can specify which asset)
	var total, available, locked float64
	for _, bal := range info.Balances {
		if bal.Asset == "USDT" || bal.Asset == "BUSD" {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			lock, _ := strconv.ParseFloat(bal.Locked, 64)
			total += free + lock
			available += free
			locked += lock
		}
	}

	return balance.Balance{
		Total:     total,
		Available: available,
		Locked:    locked,
	}, nil
}
