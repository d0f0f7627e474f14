package controller

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/num"
	"github.com/secured-finance/lending-engine/internal/orderbook"
)

// UnwindPosition closes a user's entire settled position at one maturity by
// taking the opposite side against the book at market. A lending position
// is sold into resting borrow interest and vice versa.
//
// The order fee is netted into the matched volume rather than debited
// afterwards: a lender gives up the fee out of the unwound claim, a borrower
// buys back the fee on top of the debt. Together with the dust sweep this
// lands the position at exactly zero whenever the book still holds
// liquidity, fee rate or not.
func (c *Controller) UnwindPosition(currency string, maturity int64, user string) ([]model.Fill, decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLive(currency); err != nil {
		return nil, decimal.Zero, err
	}
	b, err := c.book(currency, maturity)
	if err != nil {
		return nil, decimal.Zero, err
	}

	c.syncUser(currency, user)
	bal := c.fv.Balance(currency, maturity, user)
	if bal.IsZero() {
		return nil, decimal.Zero, ErrNoFutureValue
	}

	// Positive balance is a claim, closed by borrowing it away; negative
	// is debt, closed by lending it back.
	side := model.SideBorrow
	if bal.IsNegative() {
		side = model.SideLend
	}

	now := c.now()
	fee := c.orderFee(currency, maturity, bal.Abs(), now)
	target := bal.Abs()
	if side == model.SideBorrow {
		target = target.Sub(fee)
	} else {
		target = target.Add(fee)
	}
	if !target.IsPositive() {
		return nil, decimal.Zero, ErrNoFutureValue
	}

	fills, consumed, err := b.MatchFutureValue(side, user, target, now)
	if err != nil {
		return nil, decimal.Zero, err
	}
	c.applyFills(fills)

	// Prorate the fee when the book ran dry before the full target.
	charged := fee
	if consumed.LessThan(target) {
		charged = num.DivFloor(fee.Mul(consumed), target)
	}
	if charged.IsPositive() {
		c.fv.Add(currency, maturity, user, charged.Neg())
		c.fv.Add(currency, maturity, model.ReserveFundUser, charged)
	}

	// Whole-unit matching can strand a sub-unit residual. When the book
	// still quotes the opposite side the residual is pure dust; zero the
	// position and hand the dust to the reserve.
	residual := c.fv.Balance(currency, maturity, user)
	if !residual.IsZero() && c.oppositeQuoted(b, side) {
		c.fv.Add(currency, maturity, user, residual.Neg())
		c.fv.Add(currency, maturity, model.ReserveFundUser, residual)
	}

	return fills, consumed, nil
}

// oppositeQuoted reports whether the side consumed by an unwind still has
// resting volume.
func (c *Controller) oppositeQuoted(b *orderbook.OrderBook, side model.Side) bool {
	if side == model.SideBorrow {
		return b.BestLendPrice().IsPositive()
	}
	return b.BestBorrowPrice().IsPositive()
}

// ExecuteLiquidationCall forcibly unwinds part of an undercollateralized
// user's debt at one maturity. The eligible volume comes from the token
// vault in base-currency present value, converted and capped at the user's
// actual debt. The caller earns the liquidator fee as future value; the
// protocol fee accrues to the reserve fund. Both fees are debited from the
// liquidated user on top of the unwound volume.
func (c *Controller) ExecuteLiquidationCall(caller, currency string, maturity int64, user string) ([]model.Fill, decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLive(currency); err != nil {
		return nil, decimal.Zero, err
	}
	if !c.liquidators[caller] {
		return nil, decimal.Zero, ErrNotLiquidator
	}
	b, err := c.book(currency, maturity)
	if err != nil {
		return nil, decimal.Zero, err
	}

	c.syncUser(currency, user)
	bal := c.fv.Balance(currency, maturity, user)
	if !bal.IsNegative() {
		return nil, decimal.Zero, ErrNoFutureValue
	}

	liqBase := c.vault.LiquidationAmount(user, c.allFunds(user))
	if !liqBase.IsPositive() {
		return nil, decimal.Zero, ErrNoLiquidationAmount
	}
	liqPV, err := c.converter.ConvertFromBase(currency, liqBase)
	if err != nil {
		return nil, decimal.Zero, err
	}

	price := b.MarketUnitPrice()
	if !price.IsPositive() {
		price = num.PriceDigit
	}
	target := num.FutureValueFloor(liqPV, price)
	if target.GreaterThan(bal.Abs()) {
		target = bal.Abs()
	}
	if !target.IsPositive() {
		return nil, decimal.Zero, ErrNoLiquidationAmount
	}

	now := c.now()
	fills, consumed, err := b.MatchFutureValue(model.SideLend, user, target, now)
	if err != nil {
		return nil, decimal.Zero, err
	}
	c.applyFills(fills)

	liquidatorFee := num.DivFloor(consumed.Mul(c.cfg.LiquidatorFeeRate), num.PriceDigit)
	protocolFee := num.DivFloor(consumed.Mul(c.cfg.LiquidationProtocolFeeRate), num.PriceDigit)
	if liquidatorFee.IsPositive() {
		c.fv.Add(currency, maturity, user, liquidatorFee.Neg())
		c.fv.Add(currency, maturity, caller, liquidatorFee)
	}
	if protocolFee.IsPositive() {
		c.fv.Add(currency, maturity, user, protocolFee.Neg())
		c.fv.Add(currency, maturity, model.ReserveFundUser, protocolFee)
	}

	return fills, consumed, nil
}

// ExecuteEmergencyTermination freezes every market permanently. Each book
// records its last observable unit price as the settlement price used by
// redemption; markets with no observable price settle at par.
func (c *Controller) ExecuteEmergencyTermination() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminated {
		return ErrMarketTerminated
	}
	c.terminated = true

	for currency, books := range c.books {
		prices := make(map[int64]decimal.Decimal, len(books))
		for maturity, b := range books {
			price := b.MarketUnitPrice()
			if !price.IsPositive() {
				price = num.PriceDigit
			}
			prices[maturity] = price
			b.Terminate()
		}
		c.terminationPrices[currency] = prices
	}
	return nil
}

// ExecuteRedemption settles a user out after an emergency termination. All
// of the user's future and genesis value is netted into present value at
// the recorded settlement prices; a positive net credits the user's vault
// deposit and a negative net debits it. The removed face value moves to the
// reserve fund so the ledger stays conserved.
func (c *Controller) ExecuteRedemption(user string) (map[string]decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.terminated {
		return nil, ErrNotTerminated
	}

	currencies := make([]string, 0, len(c.books))
	for ccy := range c.books {
		currencies = append(currencies, ccy)
	}
	sort.Strings(currencies)

	settled := make(map[string]decimal.Decimal)
	for _, currency := range currencies {
		c.syncUser(currency, user)

		total := decimal.Zero
		for _, maturity := range c.maturities[currency] {
			bal := c.fv.Balance(currency, maturity, user)
			if bal.IsZero() {
				continue
			}
			price := c.terminationPrices[currency][maturity]
			if !price.IsPositive() {
				price = num.PriceDigit
			}
			total = total.Add(num.PresentValue(bal, price))

			c.fv.Set(currency, maturity, user, decimal.Zero)
			c.fv.Add(currency, maturity, model.ReserveFundUser, bal)
		}
		if total.IsZero() {
			continue
		}

		if total.IsPositive() {
			if err := c.vault.AddDeposit(user, currency, total); err != nil {
				return nil, err
			}
		} else {
			if err := c.vault.RemoveDeposit(user, currency, total.Neg()); err != nil {
				return nil, err
			}
		}
		settled[currency] = total
	}
	return settled, nil
}
