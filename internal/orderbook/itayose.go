package orderbook

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/num"
)

// PlacePreOrder queues an order for the opening auction without matching.
// Pre-orders are only accepted inside the pre-order window before the
// opening date, and a user may not hold pre-orders on both sides of the
// same book.
func (b *OrderBook) PlacePreOrder(side model.Side, maker string, amount, unitPrice decimal.Decimal, now int64) (*model.Order, error) {
	if b.Status(now) != model.StatusPending {
		return nil, ErrMarketNotOpened
	}
	windowStart := b.openingDate - int64(b.cfg.PreOrderPeriod/time.Second)
	if now < windowStart || now >= b.openingDate {
		return nil, ErrNotPreOrderPeriod
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !num.ValidUnitPrice(unitPrice) {
		return nil, ErrInvalidUnitPrice
	}
	for _, o := range b.orders {
		if o.Maker == maker && o.Side != side {
			return nil, ErrOppositeSideOrderExists
		}
	}
	return b.rest(side, maker, amount, unitPrice, now, true), nil
}

// RunItayose executes the single-price opening auction and opens the book
// for continuous trading.
//
// The clearing price maximizes the matched volume: with cumulative lend
// demand at or above a price and cumulative borrow supply at or below it,
// the auction fills min(demand, supply) at its maximum, and the clearing
// price is the floored midpoint of the marginal lend and borrow prices.
// Crossing orders execute FIFO within price priority at the single clearing
// price; everything else stays queued for continuous trading.
func (b *OrderBook) RunItayose(now int64) ([]model.Fill, decimal.Decimal, error) {
	if b.Status(now) != model.StatusPending {
		return nil, decimal.Zero, ErrNotItayosePeriod
	}
	if now < b.openingDate {
		return nil, decimal.Zero, ErrNotItayosePeriod
	}

	volume, clearing := b.clearingVolume()
	b.opened = true

	if !volume.IsPositive() {
		return nil, decimal.Zero, nil
	}

	fills := b.executeAuction(model.SideLend, b.lend, volume, clearing, now)
	fills = append(fills, b.executeAuction(model.SideBorrow, b.borrow, volume, clearing, now)...)

	b.openingPrice = clearing
	b.lastPrice = clearing
	b.trades = append(b.trades, trade{unitPrice: clearing, amount: volume, executedAt: now})
	return fills, clearing, nil
}

// clearingVolume walks both cumulative curves over the union of quoted
// prices and returns the maximum matchable volume with its clearing price.
func (b *OrderBook) clearingVolume() (volume, clearing decimal.Decimal) {
	if b.lend.empty() || b.borrow.empty() {
		return decimal.Zero, decimal.Zero
	}

	best := decimal.Zero
	for _, p := range append(append([]int64{}, b.lend.prices...), b.borrow.prices...) {
		demand := b.cumulativeLend(p)
		supply := b.cumulativeBorrow(p)
		matched := demand
		if supply.LessThan(matched) {
			matched = supply
		}
		if matched.GreaterThan(best) {
			best = matched
		}
	}
	if !best.IsPositive() {
		return decimal.Zero, decimal.Zero
	}

	lastLend := b.marginalPrice(b.lend, best, true)
	lastBorrow := b.marginalPrice(b.borrow, best, false)
	clearing = num.DivFloor(decimal.NewFromInt(lastLend+lastBorrow), decimal.NewFromInt(2))
	return best, clearing
}

// cumulativeLend sums lend amounts quoted at or above price.
func (b *OrderBook) cumulativeLend(price int64) decimal.Decimal {
	total := decimal.Zero
	for _, p := range b.lend.prices {
		if p >= price {
			total = total.Add(b.levelAmount(b.lend, p))
		}
	}
	return total
}

// cumulativeBorrow sums borrow amounts quoted at or below price.
func (b *OrderBook) cumulativeBorrow(price int64) decimal.Decimal {
	total := decimal.Zero
	for _, p := range b.borrow.prices {
		if p <= price {
			total = total.Add(b.levelAmount(b.borrow, p))
		}
	}
	return total
}

func (b *OrderBook) levelAmount(s *bookSide, price int64) decimal.Decimal {
	total := decimal.Zero
	for _, id := range s.queues[price] {
		total = total.Add(b.orders[id].Amount)
	}
	return total
}

// marginalPrice returns the worst price touched when filling volume from
// the best end of a side (highest-first for lend, lowest-first for borrow).
func (b *OrderBook) marginalPrice(s *bookSide, volume decimal.Decimal, lendSide bool) int64 {
	remaining := volume
	last := int64(0)
	indices := make([]int, 0, len(s.prices))
	if lendSide {
		for i := len(s.prices) - 1; i >= 0; i-- {
			indices = append(indices, i)
		}
	} else {
		for i := 0; i < len(s.prices); i++ {
			indices = append(indices, i)
		}
	}
	for _, i := range indices {
		if !remaining.IsPositive() {
			break
		}
		p := s.prices[i]
		last = p
		remaining = remaining.Sub(b.levelAmount(s, p))
	}
	return last
}

// executeAuction fills one side's queue best-first until volume is
// exhausted, producing one single-leg fill per touched order at the
// clearing price. Fills carry only the maker's future-value delta; the
// counterparty volume is matched by the other side's pass.
func (b *OrderBook) executeAuction(side model.Side, s *bookSide, volume, clearing decimal.Decimal, now int64) []model.Fill {
	var fills []model.Fill
	remaining := volume

	prices := append([]int64{}, s.prices...)
	if side == model.SideLend {
		for i, j := 0, len(prices)-1; i < j; i, j = i+1, j-1 {
			prices[i], prices[j] = prices[j], prices[i]
		}
	}

	for _, price := range prices {
		if !remaining.IsPositive() {
			break
		}
		queue := append([]uint64{}, s.queues[price]...)
		for _, id := range queue {
			if !remaining.IsPositive() {
				break
			}
			order := b.orders[id]
			matched := order.Amount
			if remaining.LessThan(matched) {
				matched = remaining
			}

			var makerFV decimal.Decimal
			if side == model.SideLend {
				makerFV = num.FutureValueFloor(matched, clearing)
			} else {
				makerFV = num.FutureValueCeil(matched, clearing).Neg()
			}
			fills = append(fills, model.Fill{
				Currency:  b.currency,
				Maturity:  b.maturity,
				OrderID:   order.ID,
				Maker:     order.Maker,
				TakerSide: side.Opposite(),
				Amount:    matched,
				UnitPrice: clearing,
				MakerFV:   makerFV,
				Timestamp: time.Unix(now, 0).UTC(),
			})

			order.Amount = order.Amount.Sub(matched)
			if order.Amount.IsZero() {
				s.removeOrder(price, id)
				delete(b.orders, id)
			}
			remaining = remaining.Sub(matched)
		}
	}
	return fills
}
