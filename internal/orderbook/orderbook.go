// Package orderbook implements a price-time-priority limit order book for
// one (currency, maturity) zero-coupon market.
//
// Lend orders buy future value and queue as bids (best = highest unit
// price); borrow orders sell future value and queue as asks (best = lowest
// unit price). Orders live in an arena keyed by integer id; each side keeps
// a sorted price list with a FIFO id queue per level, so matching consumes
// from the front of the best level first.
//
// All monetary values use shopspring/decimal — never float64 for money.
package orderbook

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/num"
)

var (
	// ErrMarketNotOpened is returned when an order is placed before the
	// Itayose opening or after maturity.
	ErrMarketNotOpened = errors.New("orderbook: market is not open for orders")

	// ErrNotOrderMaker is returned when a caller cancels an order it does
	// not own.
	ErrNotOrderMaker = errors.New("orderbook: caller is not the order maker")

	// ErrOrderNotFound is returned for an unknown order id.
	ErrOrderNotFound = errors.New("orderbook: order not found")

	// ErrInvalidAmount is returned for zero or negative order amounts.
	ErrInvalidAmount = errors.New("orderbook: amount must be positive")

	// ErrInvalidUnitPrice is returned when the unit price is not an
	// integer in [0, 10000] (0 is the market-order sentinel).
	ErrInvalidUnitPrice = errors.New("orderbook: invalid unit price")

	// ErrNotEnoughLiquidity is returned by Unwind matching when the
	// opposite side holds no volume at all.
	ErrNotEnoughLiquidity = errors.New("orderbook: not enough liquidity on opposite side")

	// ErrOppositeSideOrderExists is returned when a pre-order would face
	// the same user's resting pre-order on the other side.
	ErrOppositeSideOrderExists = errors.New("orderbook: user has a pre-order on the opposite side")

	// ErrNotPreOrderPeriod is returned when a pre-order arrives outside
	// the pre-open window.
	ErrNotPreOrderPeriod = errors.New("orderbook: outside the pre-order period")

	// ErrNotItayosePeriod is returned when RunItayose is called before
	// the opening date or on a non-pending market.
	ErrNotItayosePeriod = errors.New("orderbook: itayose is not available")
)

// trade is one executed price/amount observation, kept for the auto-roll
// observation window.
type trade struct {
	unitPrice  decimal.Decimal
	amount     decimal.Decimal
	executedAt int64
}

// bookSide holds one side's price levels: a sorted ascending price list and
// a FIFO order-id queue per price.
type bookSide struct {
	prices []int64
	queues map[int64][]uint64
}

func newBookSide() *bookSide {
	return &bookSide{queues: make(map[int64][]uint64)}
}

func (s *bookSide) insert(price int64, id uint64) {
	q, ok := s.queues[price]
	if !ok {
		i := sort.Search(len(s.prices), func(i int) bool { return s.prices[i] >= price })
		s.prices = append(s.prices, 0)
		copy(s.prices[i+1:], s.prices[i:])
		s.prices[i] = price
	}
	s.queues[price] = append(q, id)
}

func (s *bookSide) removeLevel(price int64) {
	delete(s.queues, price)
	i := sort.Search(len(s.prices), func(i int) bool { return s.prices[i] >= price })
	if i < len(s.prices) && s.prices[i] == price {
		s.prices = append(s.prices[:i], s.prices[i+1:]...)
	}
}

// removeOrder drops one id from its level queue, deleting the level when it
// empties.
func (s *bookSide) removeOrder(price int64, id uint64) {
	q := s.queues[price]
	for i, qid := range q {
		if qid == id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		s.removeLevel(price)
	} else {
		s.queues[price] = q
	}
}

func (s *bookSide) empty() bool { return len(s.prices) == 0 }

// Config carries the per-book tuning knobs.
type Config struct {
	// PreOrderPeriod is how long before OpeningDate pre-orders are
	// accepted.
	PreOrderPeriod time.Duration

	// CircuitBreakerRange is the basis-point band around the last traded
	// price within which continuous matching may execute. Zero disables
	// the breaker.
	CircuitBreakerRange decimal.Decimal
}

// DefaultConfig mirrors the production parameters: a 7-day pre-order window
// and a 500bp circuit breaker band.
func DefaultConfig() Config {
	return Config{
		PreOrderPeriod:      168 * time.Hour,
		CircuitBreakerRange: decimal.NewFromInt(500),
	}
}

// OrderBook is the book for one (currency, maturity). It is not
// goroutine-safe; the owning controller serializes access.
type OrderBook struct {
	currency    string
	maturity    int64
	openingDate int64
	cfg         Config

	opened     bool
	closed     bool
	terminated bool

	nextID uint64
	orders map[uint64]*model.Order
	lend   *bookSide
	borrow *bookSide

	lastPrice    decimal.Decimal
	openingPrice decimal.Decimal
	trades       []trade
}

// New creates a book for the given maturity. The market stays in the
// pending (pre-order) state until RunItayose is executed at or after
// openingDate.
func New(currency string, maturity, openingDate int64, cfg Config) *OrderBook {
	return &OrderBook{
		currency:    currency,
		maturity:    maturity,
		openingDate: openingDate,
		cfg:         cfg,
		orders:      make(map[uint64]*model.Order),
		lend:        newBookSide(),
		borrow:      newBookSide(),
	}
}

// Currency returns the book's currency.
func (b *OrderBook) Currency() string { return b.currency }

// Maturity returns the book's maturity (unix seconds).
func (b *OrderBook) Maturity() int64 { return b.maturity }

// OpeningDate returns when the market opens for continuous trading.
func (b *OrderBook) OpeningDate() int64 { return b.openingDate }

// Status derives the market state from the lifecycle flags and the clock.
func (b *OrderBook) Status(now int64) model.MarketStatus {
	switch {
	case b.terminated:
		return model.StatusTerminated
	case b.closed:
		return model.StatusClosed
	case !b.opened:
		return model.StatusPending
	case now >= b.maturity:
		return model.StatusMatured
	default:
		return model.StatusOpen
	}
}

// PlaceOrder matches an incoming order against the opposite side and rests
// any remainder at its limit price. A unit price of zero is a market order:
// it accepts any price and its unmatched remainder is discarded.
//
// Returned fills carry the future-value deltas for both parties; the
// remainder order (if any) is returned with its assigned id.
func (b *OrderBook) PlaceOrder(side model.Side, maker string, amount, unitPrice decimal.Decimal, now int64) ([]model.Fill, *model.Order, error) {
	if b.Status(now) != model.StatusOpen {
		return nil, nil, ErrMarketNotOpened
	}
	if !amount.IsPositive() {
		return nil, nil, ErrInvalidAmount
	}
	if !unitPrice.IsZero() && !num.ValidUnitPrice(unitPrice) {
		return nil, nil, ErrInvalidUnitPrice
	}

	fills, remaining := b.match(side, maker, amount, unitPrice, now, true)

	var rested *model.Order
	if remaining.IsPositive() && !unitPrice.IsZero() {
		rested = b.rest(side, maker, remaining, unitPrice, now, false)
	}
	return fills, rested, nil
}

// match executes the incoming amount against the opposite side, honoring
// the limit price and, when enabled, the circuit breaker band. Returns the
// fills and the unmatched remainder.
func (b *OrderBook) match(side model.Side, taker string, amount, limit decimal.Decimal, now int64, breaker bool) ([]model.Fill, decimal.Decimal) {
	opp := b.borrow
	if side == model.SideBorrow {
		opp = b.lend
	}

	floor, cap, banded := b.breakerBand(side)
	if !breaker {
		banded = false
	}

	var fills []model.Fill
	remaining := amount

	for remaining.IsPositive() && !opp.empty() {
		price := b.bestPriceFor(side, opp)
		levelPrice := decimal.NewFromInt(price)

		if !b.crosses(side, levelPrice, limit) {
			break
		}
		if banded {
			if side == model.SideBorrow && levelPrice.LessThan(floor) {
				break
			}
			if side == model.SideLend && levelPrice.GreaterThan(cap) {
				break
			}
		}

		queue := opp.queues[price]
		id := queue[0]
		order := b.orders[id]

		matched := order.Amount
		if remaining.LessThan(matched) {
			matched = remaining
		}

		fills = append(fills, b.makeFill(side, taker, order, matched, levelPrice, now))

		order.Amount = order.Amount.Sub(matched)
		if order.Amount.IsZero() {
			opp.removeOrder(price, id)
			delete(b.orders, id)
		}
		remaining = remaining.Sub(matched)

		b.lastPrice = levelPrice
		b.trades = append(b.trades, trade{unitPrice: levelPrice, amount: matched, executedAt: now})
	}

	return fills, remaining
}

// makeFill builds the execution record for one match. The lender leg is
// credited the floor of the face value and the borrower leg debited the
// ceil, so rounding can only leave a residual for the reserve fund, never
// mint value.
func (b *OrderBook) makeFill(takerSide model.Side, taker string, maker *model.Order, amount, price decimal.Decimal, now int64) model.Fill {
	lendFV := num.FutureValueFloor(amount, price)
	borrowFV := num.FutureValueCeil(amount, price).Neg()

	f := model.Fill{
		Currency:  b.currency,
		Maturity:  b.maturity,
		OrderID:   maker.ID,
		Taker:     taker,
		Maker:     maker.Maker,
		TakerSide: takerSide,
		Amount:    amount,
		UnitPrice: price,
		Timestamp: time.Unix(now, 0).UTC(),
	}
	if takerSide == model.SideLend {
		f.TakerFV = lendFV
		f.MakerFV = borrowFV
	} else {
		f.TakerFV = borrowFV
		f.MakerFV = lendFV
	}
	return f
}

// crosses reports whether a level at levelPrice is executable for the given
// taker side and limit (0 = market, accept any price).
func (b *OrderBook) crosses(side model.Side, levelPrice, limit decimal.Decimal) bool {
	if limit.IsZero() {
		return true
	}
	if side == model.SideBorrow {
		// Selling future value: accept lend bids priced at or above the limit.
		return levelPrice.GreaterThanOrEqual(limit)
	}
	// Buying future value: accept borrow asks priced at or below the limit.
	return levelPrice.LessThanOrEqual(limit)
}

// breakerBand returns the executable price band around the last traded
// price. Without a last price (or with the breaker disabled) matching is
// unbanded.
func (b *OrderBook) breakerBand(side model.Side) (floor, cap decimal.Decimal, ok bool) {
	if b.cfg.CircuitBreakerRange.IsZero() || !b.lastPrice.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	delta := num.DivFloor(b.lastPrice.Mul(b.cfg.CircuitBreakerRange), num.PriceDigit)
	return b.lastPrice.Sub(delta), b.lastPrice.Add(delta), true
}

// bestPriceFor returns the best opposite level for a taker on side:
// the highest lend bid for a borrow taker, the lowest borrow ask for a
// lend taker.
func (b *OrderBook) bestPriceFor(side model.Side, opp *bookSide) int64 {
	if side == model.SideBorrow {
		return opp.prices[len(opp.prices)-1]
	}
	return opp.prices[0]
}

// rest inserts a new resting order at its price level.
func (b *OrderBook) rest(side model.Side, maker string, amount, unitPrice decimal.Decimal, now int64, pre bool) *model.Order {
	b.nextID++
	order := &model.Order{
		ID:        b.nextID,
		Side:      side,
		Maker:     maker,
		Amount:    amount,
		UnitPrice: unitPrice,
		CreatedAt: now,
		PreOrder:  pre,
	}
	b.orders[order.ID] = order
	if side == model.SideLend {
		b.lend.insert(unitPrice.IntPart(), order.ID)
	} else {
		b.borrow.insert(unitPrice.IntPart(), order.ID)
	}
	return order
}

// CancelOrder removes a resting order. Only the maker may cancel; unmatched
// orders carry no future value, so cancellation has no settlement effect.
func (b *OrderBook) CancelOrder(id uint64, caller string) (*model.Order, error) {
	order, ok := b.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if order.Maker != caller {
		return nil, ErrNotOrderMaker
	}
	b.remove(order)
	return order, nil
}

func (b *OrderBook) remove(order *model.Order) {
	price := order.UnitPrice.IntPart()
	if order.Side == model.SideLend {
		b.lend.removeOrder(price, order.ID)
	} else {
		b.borrow.removeOrder(price, order.ID)
	}
	delete(b.orders, order.ID)
}

// MatchFutureValue consumes opposite-side liquidity until the taker's
// future-value target is met, without ever overshooting it. It backs the
// unwind and liquidation paths: the taker has no limit price and the
// circuit breaker does not apply.
//
// consumed is the absolute future value charged to the taker, which may
// stop short of the target when the book runs dry. ErrNotEnoughLiquidity
// is returned only when the opposite side holds no volume at all.
func (b *OrderBook) MatchFutureValue(side model.Side, taker string, targetFV decimal.Decimal, now int64) (fills []model.Fill, consumed decimal.Decimal, err error) {
	opp := b.borrow
	if side == model.SideBorrow {
		opp = b.lend
	}
	if opp.empty() {
		return nil, decimal.Zero, ErrNotEnoughLiquidity
	}

	remaining := targetFV
	for remaining.IsPositive() && !opp.empty() {
		price := b.bestPriceFor(side, opp)
		levelPrice := decimal.NewFromInt(price)

		queue := opp.queues[price]
		id := queue[0]
		order := b.orders[id]

		// Full consumption of the resting order if its face value fits
		// inside the remaining target, otherwise a partial sized from the
		// target rounded down to principal.
		orderFV := takerFVCost(side, order.Amount, levelPrice)
		matched := order.Amount
		if orderFV.GreaterThan(remaining) {
			matched = num.PrincipalFloor(remaining, levelPrice)
			if !matched.IsPositive() {
				break
			}
		}

		fill := b.makeFill(side, taker, order, matched, levelPrice, now)
		fills = append(fills, fill)
		consumed = consumed.Add(fill.TakerFV.Abs())
		remaining = remaining.Sub(fill.TakerFV.Abs())

		order.Amount = order.Amount.Sub(matched)
		if order.Amount.IsZero() {
			opp.removeOrder(price, id)
			delete(b.orders, id)
		}

		b.lastPrice = levelPrice
		b.trades = append(b.trades, trade{unitPrice: levelPrice, amount: matched, executedAt: now})
	}

	return fills, consumed, nil
}

// takerFVCost is the absolute future value a taker pays or receives for
// consuming principal at a price: ceil when the taker is selling (debited),
// floor when buying (credited).
func takerFVCost(side model.Side, amount, price decimal.Decimal) decimal.Decimal {
	if side == model.SideBorrow {
		return num.FutureValueCeil(amount, price)
	}
	return num.FutureValueFloor(amount, price)
}

// ForceCancelAll clears every resting order and closes the book. Used when
// a matured market rotates out; the cancelled orders are returned so the
// controller can notify makers.
func (b *OrderBook) ForceCancelAll() []model.Order {
	cancelled := make([]model.Order, 0, len(b.orders))
	for _, o := range b.orders {
		cancelled = append(cancelled, *o)
	}
	sort.Slice(cancelled, func(i, j int) bool { return cancelled[i].ID < cancelled[j].ID })

	b.orders = make(map[uint64]*model.Order)
	b.lend = newBookSide()
	b.borrow = newBookSide()
	b.closed = true
	return cancelled
}

// Terminate freezes the book during an emergency wind-down.
func (b *OrderBook) Terminate() { b.terminated = true }

// Order returns a copy of a resting order.
func (b *OrderBook) Order(id uint64) (model.Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// UserOrders returns the user's resting orders, oldest first.
func (b *OrderBook) UserOrders(user string) []model.Order {
	var out []model.Order
	for _, o := range b.orders {
		if o.Maker == user {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelUserOrders removes every resting order owned by user and returns
// them. Used by the eager funds clean-up during rotation.
func (b *OrderBook) CancelUserOrders(user string) []model.Order {
	orders := b.UserOrders(user)
	for i := range orders {
		o := b.orders[orders[i].ID]
		b.remove(o)
	}
	return orders
}

// BestLendPrice returns the highest lend bid, or zero on an empty side.
func (b *OrderBook) BestLendPrice() decimal.Decimal {
	if b.lend.empty() {
		return decimal.Zero
	}
	return decimal.NewFromInt(b.lend.prices[len(b.lend.prices)-1])
}

// BestBorrowPrice returns the lowest borrow ask, or zero on an empty side.
func (b *OrderBook) BestBorrowPrice() decimal.Decimal {
	if b.borrow.empty() {
		return decimal.Zero
	}
	return decimal.NewFromInt(b.borrow.prices[0])
}

// MarketUnitPrice is the observable price used for present-value reads:
// the last traded price, else the mid of the best bid/ask, else whichever
// side is quoted, else the Itayose opening price.
func (b *OrderBook) MarketUnitPrice() decimal.Decimal {
	if b.lastPrice.IsPositive() {
		return b.lastPrice
	}
	lend, borrow := b.BestLendPrice(), b.BestBorrowPrice()
	switch {
	case lend.IsPositive() && borrow.IsPositive():
		return num.DivFloor(lend.Add(borrow), decimal.NewFromInt(2))
	case lend.IsPositive():
		return lend
	case borrow.IsPositive():
		return borrow
	}
	return b.openingPrice
}

// Snapshot returns the top-N aggregated levels per side, best first.
func (b *OrderBook) Snapshot(depth int) (lend, borrow []model.BookLevel) {
	for i := len(b.lend.prices) - 1; i >= 0 && len(lend) < depth; i-- {
		lend = append(lend, b.level(b.lend, b.lend.prices[i]))
	}
	for i := 0; i < len(b.borrow.prices) && len(borrow) < depth; i++ {
		borrow = append(borrow, b.level(b.borrow, b.borrow.prices[i]))
	}
	return lend, borrow
}

func (b *OrderBook) level(s *bookSide, price int64) model.BookLevel {
	total := decimal.Zero
	queue := s.queues[price]
	for _, id := range queue {
		total = total.Add(b.orders[id].Amount)
	}
	return model.BookLevel{
		UnitPrice:  decimal.NewFromInt(price),
		Amount:     total,
		OrderCount: len(queue),
	}
}

// ObservedVWAP aggregates trades executed at or after windowStart: the
// amount-weighted average price (floored), the total traded amount, and the
// trade count. A single observed trade reports its own price and size.
func (b *OrderBook) ObservedVWAP(windowStart int64) (vwap, totalAmount decimal.Decimal, count int) {
	weighted := decimal.Zero
	for _, t := range b.trades {
		if t.executedAt < windowStart {
			continue
		}
		weighted = weighted.Add(t.unitPrice.Mul(t.amount))
		totalAmount = totalAmount.Add(t.amount)
		count++
	}
	if count == 0 || !totalAmount.IsPositive() {
		return decimal.Zero, decimal.Zero, 0
	}
	return num.DivFloor(weighted, totalAmount), totalAmount, count
}
