// Package matcher turns a stream of raw exchange fills into closed,
// fee-adjusted completed trades using FIFO lot accounting.
package matcher

import (
	"sort"
	"strconv"

	"github.com/shopspring/decimal"
)

// Side mirrors the exchange side of a fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is one raw fill reported by the exchange.
type Trade struct {
	ID         string
	OrderID    string // exchange order id; FIFO pairing key
	StrategyID string
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	Price      decimal.Decimal
	FilledAt   int64 // unix millis
}

// CompletedTrade is the result of pairing an opening lot against one or
// more closing fills. It is the single canonical "closed trade" type for
// the whole runtime; nothing downstream re-derives PnL from raw fills.
type CompletedTrade struct {
	StrategyID   string
	Symbol       string
	Side         Side // side of the opening lot
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	Qty          decimal.Decimal
	EntryFee     decimal.Decimal
	ExitFee      decimal.Decimal
	RealizedPnL  decimal.Decimal // net of both fees
	OpenedAt     int64
	ClosedAt     int64
	OpenTradeID  string
	CloseTradeID string
}

type lot struct {
	tradeID  string
	qty      decimal.Decimal
	price    decimal.Decimal
	fee      decimal.Decimal
	openedAt int64
}

// Match replays trades in exchange order-id order per symbol (fill time breaks
// ties) and pairs closing fills
// against the oldest still-open lot on the opposite side (FIFO). feeRate is
// applied to both legs of every completed trade as a fraction of notional
// (e.g. 0.0004 = 4bps), matching the exchange's taker fee schedule.
//
// Match is a pure function: no I/O, no locking, safe to call from tests and
// from the authoritative store's write path alike.
func Match(trades []Trade, feeRate decimal.Decimal) []CompletedTrade {
	bySymbol := make(map[string][]Trade)
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}

	var out []CompletedTrade
	for _, symTrades := range bySymbol {
		sort.Slice(symTrades, func(i, j int) bool { return orderIDLess(symTrades[i], symTrades[j]) })
		out = append(out, matchSymbol(symTrades, feeRate)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt < out[j].ClosedAt })
	return out
}

// orderIDLess orders fills by exchange order id ascending, the FIFO pairing
// key the venue itself assigns at match time. Order ids are numeric strings
// on every exchange this runtime talks to; fall back to fill-arrival time
// for the rare trade with no parseable order id (e.g. a synthetic fill in a
// test) rather than mis-ordering the whole batch.
func orderIDLess(a, b Trade) bool {
	ai, aErr := strconv.ParseInt(a.OrderID, 10, 64)
	bi, bErr := strconv.ParseInt(b.OrderID, 10, 64)
	if aErr == nil && bErr == nil {
		if ai != bi {
			return ai < bi
		}
		return a.FilledAt < b.FilledAt
	}
	return a.FilledAt < b.FilledAt
}

func matchSymbol(trades []Trade, feeRate decimal.Decimal) []CompletedTrade {
	var longLots, shortLots []lot
	var completed []CompletedTrade

	for _, t := range trades {
		fee := t.Qty.Mul(t.Price).Mul(feeRate)
		switch t.Side {
		case SideBuy:
			remaining := t.Qty
			// BUY fills close short lots first (FIFO), any leftover opens a long lot.
			for len(shortLots) > 0 && remaining.IsPositive() {
				l := &shortLots[0]
				closeQty := decimal.Min(remaining, l.qty)
				entryFeePortion := l.fee.Mul(closeQty).Div(l.qty)
				exitFeePortion := fee.Mul(closeQty).Div(t.Qty)
				pnl := l.price.Sub(t.Price).Mul(closeQty).Sub(entryFeePortion).Sub(exitFeePortion)
				completed = append(completed, CompletedTrade{
					StrategyID:   t.StrategyID,
					Symbol:       t.Symbol,
					Side:         SideSell,
					EntryPrice:   l.price,
					ExitPrice:    t.Price,
					Qty:          closeQty,
					EntryFee:     entryFeePortion,
					ExitFee:      exitFeePortion,
					RealizedPnL:  pnl,
					OpenedAt:     l.openedAt,
					ClosedAt:     t.FilledAt,
					OpenTradeID:  l.tradeID,
					CloseTradeID: t.ID,
				})
				l.qty = l.qty.Sub(closeQty)
				l.fee = l.fee.Sub(entryFeePortion)
				remaining = remaining.Sub(closeQty)
				if l.qty.IsZero() {
					shortLots = shortLots[1:]
				}
			}
			if remaining.IsPositive() {
				longLots = append(longLots, lot{tradeID: t.ID, qty: remaining, price: t.Price, fee: fee.Mul(remaining).Div(t.Qty), openedAt: t.FilledAt})
			}
		case SideSell:
			remaining := t.Qty
			for len(longLots) > 0 && remaining.IsPositive() {
				l := &longLots[0]
				closeQty := decimal.Min(remaining, l.qty)
				entryFeePortion := l.fee.Mul(closeQty).Div(l.qty)
				exitFeePortion := fee.Mul(closeQty).Div(t.Qty)
				pnl := t.Price.Sub(l.price).Mul(closeQty).Sub(entryFeePortion).Sub(exitFeePortion)
				completed = append(completed, CompletedTrade{
					StrategyID:   t.StrategyID,
					Symbol:       t.Symbol,
					Side:         SideBuy,
					EntryPrice:   l.price,
					ExitPrice:    t.Price,
					Qty:          closeQty,
					EntryFee:     entryFeePortion,
					ExitFee:      exitFeePortion,
					RealizedPnL:  pnl,
					OpenedAt:     l.openedAt,
					ClosedAt:     t.FilledAt,
					OpenTradeID:  l.tradeID,
					CloseTradeID: t.ID,
				})
				l.qty = l.qty.Sub(closeQty)
				l.fee = l.fee.Sub(entryFeePortion)
				remaining = remaining.Sub(closeQty)
				if l.qty.IsZero() {
					longLots = longLots[1:]
				}
			}
			if remaining.IsPositive() {
				shortLots = append(shortLots, lot{tradeID: t.ID, qty: remaining, price: t.Price, fee: fee.Mul(remaining).Div(t.Qty), openedAt: t.FilledAt})
			}
		}
	}

	return completed
}

// OpenQty returns the net open position implied by a trade history: positive
// for long, negative for short, zero when flat. It's used by callers that
// need the current position without running the full matcher.
func OpenQty(trades []Trade) decimal.Decimal {
	net := decimal.Zero
	for _, t := range trades {
		if t.Side == SideBuy {
			net = net.Add(t.Qty)
		} else {
			net = net.Sub(t.Qty)
		}
	}
	return net
}
