package controller

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/num"
	"github.com/secured-finance/lending-engine/internal/orderbook"
	"github.com/secured-finance/lending-engine/internal/term"
)

// RotationResult reports one auto-roll: the roll record written into the
// new nearest maturity, the orders force-cancelled from the expiring book,
// and the freshly opened furthest maturity.
type RotationResult struct {
	Log          model.AutoRollLog `json:"log"`
	Cancelled    []model.Order     `json:"cancelled"`
	NewMaturity  int64             `json:"new_maturity"`
	RollPrice    decimal.Decimal   `json:"roll_price"`
}

// RotateMarkets rolls a currency's term structure forward by one slot:
// the expired nearest book is force-cancelled and closed, every holder's
// future value there is converted into genesis value, the compound factor
// chain extends into the new nearest maturity at the resolved roll price,
// and a new furthest book opens in its pre-order window.
//
// Global state advances once per call; individual balances materialize
// back into future value lazily via syncUser.
func (c *Controller) RotateMarkets(currency string) (*RotationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLive(currency); err != nil {
		return nil, err
	}
	maturities, ok := c.maturities[currency]
	if !ok {
		return nil, ErrUnknownCurrency
	}

	now := c.now()
	from, to := maturities[0], maturities[1]
	if now < from {
		return nil, ErrMarketNotMatured
	}

	expiring := c.books[currency][from]
	cancelled := expiring.ForceCancelAll()

	rollPrice := c.resolveRollPrice(currency, from, to, now)

	// Convert every holder at the expiring maturity before the chain
	// extends, so the roll fee accrues on current supplies.
	for _, user := range c.fv.Holders(currency, from) {
		bal := c.fv.Balance(currency, from, user)
		if bal.IsZero() {
			continue
		}
		gvAmt, err := c.gv.ToGenesisValue(currency, from, bal)
		if err != nil {
			return nil, err
		}
		if err := c.gv.AddBalance(currency, user, gvAmt); err != nil {
			return nil, err
		}
	}
	c.fv.DropMaturity(currency, from)

	log, err := c.gv.Rotate(currency, from, to, rollPrice, c.cfg.AutoRollFeeRate, now)
	if err != nil {
		return nil, err
	}

	// Shift the window forward: drop the expired slot, open a new
	// furthest book in its pre-order state.
	newMaturity := term.NextMaturity(maturities[len(maturities)-1], c.cfg.Period)
	opening := now + int64(c.cfg.Book.PreOrderPeriod/time.Second)
	c.books[currency][newMaturity] = orderbook.New(currency, newMaturity, opening, c.cfg.Book)
	delete(c.books[currency], from)
	c.maturities[currency] = append(maturities[1:], newMaturity)

	return &RotationResult{
		Log:         log,
		Cancelled:   cancelled,
		NewMaturity: newMaturity,
		RollPrice:   rollPrice,
	}, nil
}

// resolveRollPrice picks the unit price used to roll into the new nearest
// maturity, in priority order:
//
//	(a) the VWAP of that market's trades inside the observation window,
//	(b) its single observed trade, when large enough to be reliable,
//	(c) the following maturity's mid price extrapolated linearly by the
//	    remaining-duration ratio,
//	(d) the previous roll's unit price.
func (c *Controller) resolveRollPrice(currency string, from, to int64, now int64) decimal.Decimal {
	windowStart := from - int64(c.cfg.ObservationPeriod/time.Second)
	target := c.books[currency][to]

	vwap, amount, count := target.ObservedVWAP(windowStart)
	if count >= 2 {
		return vwap
	}
	if count == 1 && amount.GreaterThanOrEqual(c.cfg.MinimumReliableAmount) {
		return vwap
	}

	if estimated := c.extrapolatedPrice(currency, to, now); estimated.IsPositive() {
		return estimated
	}

	if log, err := c.gv.AutoRollLog(currency, from); err == nil && log.UnitPrice.IsPositive() {
		return log.UnitPrice
	}
	return num.PriceDigit
}

// extrapolatedPrice estimates the roll price from the maturity after the
// target: the observed discount grows linearly with duration, so
//
//	p(to) = PD − (PD − p(next)) * dur(to) / dur(next)
func (c *Controller) extrapolatedPrice(currency string, to int64, now int64) decimal.Decimal {
	maturities := c.maturities[currency]
	var next int64
	for i, m := range maturities {
		if m == to && i+1 < len(maturities) {
			next = maturities[i+1]
		}
	}
	if next == 0 {
		return decimal.Zero
	}
	nextPrice := c.books[currency][next].MarketUnitPrice()
	if !nextPrice.IsPositive() {
		return decimal.Zero
	}
	durTo := decimal.NewFromInt(to - now)
	durNext := decimal.NewFromInt(next - now)
	if !durTo.IsPositive() || !durNext.IsPositive() {
		return decimal.Zero
	}
	discount := num.DivFloor(num.PriceDigit.Sub(nextPrice).Mul(durTo), durNext)
	return num.PriceDigit.Sub(discount)
}

// ExecuteItayose runs the opening auction of a pending market and settles
// its fills. Auction fills are single-leg (maker only); the gap between the
// two sides' rounded legs goes to the reserve fund.
func (c *Controller) ExecuteItayose(currency string, maturity int64) ([]model.Fill, decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLive(currency); err != nil {
		return nil, decimal.Zero, err
	}
	b, err := c.book(currency, maturity)
	if err != nil {
		return nil, decimal.Zero, err
	}

	fills, clearing, err := b.RunItayose(c.now())
	if err != nil {
		return nil, decimal.Zero, err
	}
	c.applyFills(fills)

	// The lend legs' floor and the borrow legs' ceil leave a batch
	// residual; sweep it into the reserve fund.
	residual := decimal.Zero
	for _, f := range fills {
		residual = residual.Sub(f.MakerFV)
	}
	if !residual.IsZero() {
		c.fv.Add(currency, maturity, model.ReserveFundUser, residual)
	}
	return fills, clearing, nil
}
