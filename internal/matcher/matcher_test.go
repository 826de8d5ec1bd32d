package matcher

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMatchSimpleLongRoundTrip(t *testing.T) {
	trades := []Trade{
		{ID: "o1", Symbol: "BTCUSDT", Side: SideBuy, Qty: dec("1"), Price: dec("100"), FilledAt: 1},
		{ID: "c1", Symbol: "BTCUSDT", Side: SideSell, Qty: dec("1"), Price: dec("110"), FilledAt: 2},
	}
	out := Match(trades, decimal.Zero)
	require.Len(t, out, 1)
	assert.True(t, out[0].RealizedPnL.Equal(dec("10")))
	assert.Equal(t, "o1", out[0].OpenTradeID)
	assert.Equal(t, "c1", out[0].CloseTradeID)
}

func TestMatchFIFOPartialFills(t *testing.T) {
	trades := []Trade{
		{ID: "o1", Symbol: "ETHUSDT", Side: SideBuy, Qty: dec("2"), Price: dec("10"), FilledAt: 1},
		{ID: "o2", Symbol: "ETHUSDT", Side: SideBuy, Qty: dec("3"), Price: dec("20"), FilledAt: 2},
		{ID: "c1", Symbol: "ETHUSDT", Side: SideSell, Qty: dec("4"), Price: dec("30"), FilledAt: 3},
	}
	out := Match(trades, decimal.Zero)
	require.Len(t, out, 2)
	// First closing leg consumes all of o1 (qty 2) at entry 10.
	assert.True(t, out[0].Qty.Equal(dec("2")))
	assert.True(t, out[0].EntryPrice.Equal(dec("10")))
	// Second leg consumes 2 of the 3 units from o2.
	assert.True(t, out[1].Qty.Equal(dec("2")))
	assert.True(t, out[1].EntryPrice.Equal(dec("20")))
}

func TestMatchAppliesFeesToBothLegs(t *testing.T) {
	trades := []Trade{
		{ID: "o1", Symbol: "BTCUSDT", Side: SideBuy, Qty: dec("1"), Price: dec("100"), FilledAt: 1},
		{ID: "c1", Symbol: "BTCUSDT", Side: SideSell, Qty: dec("1"), Price: dec("100"), FilledAt: 2},
	}
	out := Match(trades, dec("0.001"))
	require.Len(t, out, 1)
	// Flat price move: PnL should be strictly negative once both fee legs are charged.
	assert.True(t, out[0].RealizedPnL.IsNegative())
}

func TestMatchShortRoundTrip(t *testing.T) {
	trades := []Trade{
		{ID: "o1", Symbol: "BTCUSDT", Side: SideSell, Qty: dec("1"), Price: dec("100"), FilledAt: 1},
		{ID: "c1", Symbol: "BTCUSDT", Side: SideBuy, Qty: dec("1"), Price: dec("90"), FilledAt: 2},
	}
	out := Match(trades, decimal.Zero)
	require.Len(t, out, 1)
	assert.True(t, out[0].RealizedPnL.Equal(dec("10")))
}

func TestMatchOrdersByExchangeOrderIDNotFilledAt(t *testing.T) {
	// o1 reports a later FilledAt than o2 but carries the lower order id;
	// FIFO pairing must follow order id, so c1 still closes o1 first.
	trades := []Trade{
		{ID: "o1", OrderID: "100", Symbol: "BTCUSDT", Side: SideBuy, Qty: dec("1"), Price: dec("100"), FilledAt: 5},
		{ID: "o2", OrderID: "200", Symbol: "BTCUSDT", Side: SideBuy, Qty: dec("1"), Price: dec("200"), FilledAt: 1},
		{ID: "c1", OrderID: "300", Symbol: "BTCUSDT", Side: SideSell, Qty: dec("1"), Price: dec("150"), FilledAt: 10},
	}
	out := Match(trades, decimal.Zero)
	require.Len(t, out, 1)
	assert.Equal(t, "o1", out[0].OpenTradeID)
	assert.True(t, out[0].EntryPrice.Equal(dec("100")))
}

func TestOpenQtyNetsAcrossSides(t *testing.T) {
	trades := []Trade{
		{Side: SideBuy, Qty: dec("5")},
		{Side: SideSell, Qty: dec("2")},
	}
	assert.True(t, OpenQty(trades).Equal(dec("3")))
}
