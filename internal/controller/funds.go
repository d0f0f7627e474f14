package controller

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/num"
	"github.com/secured-finance/lending-engine/internal/term"
)

// syncUser materializes a user's genesis value into future value at the
// current nearest maturity. Invoked by every state-changing entry point so
// balances are never silently stale; reads stay pure and fold the genesis
// value in virtually.
func (c *Controller) syncUser(currency, user string) {
	bal := c.gv.Balance(currency, user)
	if bal.IsZero() {
		return
	}
	maturities := c.maturities[currency]
	if len(maturities) == 0 {
		return
	}
	nearest := maturities[0]
	fvAmt, err := c.gv.ToFutureValue(currency, nearest, bal)
	if err != nil {
		return
	}
	if err := c.gv.AddBalance(currency, user, bal.Neg()); err != nil {
		return
	}
	c.fv.Add(currency, nearest, user, fvAmt)
}

// CleanUpFunds forces the lazy genesis-value conversion for a user.
func (c *Controller) CleanUpFunds(currency, user string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[currency]; !ok {
		return ErrUnknownCurrency
	}
	c.syncUser(currency, user)
	return nil
}

// futureValueAt returns the user's settled face value at one maturity,
// folding unconverted genesis value into the nearest maturity.
func (c *Controller) futureValueAt(currency string, maturity int64, user string) decimal.Decimal {
	bal := c.fv.Balance(currency, maturity, user)
	maturities := c.maturities[currency]
	if len(maturities) > 0 && maturity == maturities[0] {
		if gvBal := c.gv.Balance(currency, user); !gvBal.IsZero() {
			if fvAmt, err := c.gv.ToFutureValue(currency, maturity, gvBal); err == nil {
				bal = bal.Add(fvAmt)
			}
		}
	}
	return bal
}

// calculateFunds aggregates one currency's exposure for a user: resting
// order amounts per side plus settled positions marked at each maturity's
// observable unit price.
func (c *Controller) calculateFunds(currency, user string) model.FundCalculation {
	f := model.FundCalculation{Currency: currency, User: user}
	for _, m := range c.maturities[currency] {
		b := c.books[currency][m]
		for _, o := range b.UserOrders(user) {
			if o.Side == model.SideLend {
				f.WorkingLendOrders = f.WorkingLendOrders.Add(o.Amount)
			} else {
				f.WorkingBorrowOrders = f.WorkingBorrowOrders.Add(o.Amount)
			}
		}

		bal := c.futureValueAt(currency, m, user)
		if bal.IsZero() {
			continue
		}
		price := b.MarketUnitPrice()
		if !price.IsPositive() {
			price = num.PriceDigit
		}
		pv := num.PresentValue(bal, price)
		if pv.IsPositive() {
			f.ClaimableValue = f.ClaimableValue.Add(pv)
		} else {
			f.DebtValue = f.DebtValue.Add(pv.Neg())
		}
	}
	f.GenesisValue = c.gv.Balance(currency, user)
	return f
}

// allFunds computes funds for every configured currency, sorted for
// deterministic iteration.
func (c *Controller) allFunds(user string) []model.FundCalculation {
	currencies := make([]string, 0, len(c.books))
	for ccy := range c.books {
		currencies = append(currencies, ccy)
	}
	sort.Strings(currencies)

	out := make([]model.FundCalculation, 0, len(currencies))
	for _, ccy := range currencies {
		out = append(out, c.calculateFunds(ccy, user))
	}
	return out
}

// CalculateFunds is the public read of a user's per-currency exposure.
func (c *Controller) CalculateFunds(currency, user string) (model.FundCalculation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[currency]; !ok {
		return model.FundCalculation{}, ErrUnknownCurrency
	}
	return c.calculateFunds(currency, user), nil
}

// TotalPresentValue sums the user's settled positions across all open
// maturities, each marked at its market's observable unit price.
func (c *Controller) TotalPresentValue(currency, user string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[currency]; !ok {
		return decimal.Zero, ErrUnknownCurrency
	}

	total := decimal.Zero
	for _, m := range c.maturities[currency] {
		bal := c.futureValueAt(currency, m, user)
		if bal.IsZero() {
			continue
		}
		price := c.books[currency][m].MarketUnitPrice()
		if !price.IsPositive() {
			price = num.PriceDigit
		}
		total = total.Add(num.PresentValue(bal, price))
	}
	return total, nil
}

// FutureValue returns the user's face value at one maturity.
func (c *Controller) FutureValue(currency string, maturity int64, user string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.book(currency, maturity); err != nil {
		return decimal.Zero, err
	}
	return c.futureValueAt(currency, maturity, user), nil
}

// GenesisValue returns the user's unconverted genesis-value balance.
func (c *Controller) GenesisValue(currency, user string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[currency]; !ok {
		return decimal.Zero, ErrUnknownCurrency
	}
	return c.gv.Balance(currency, user), nil
}

// Positions lists the user's settled positions per open maturity.
func (c *Controller) Positions(currency, user string) ([]model.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[currency]; !ok {
		return nil, ErrUnknownCurrency
	}

	var out []model.Position
	for _, m := range c.maturities[currency] {
		bal := c.futureValueAt(currency, m, user)
		if bal.IsZero() {
			continue
		}
		price := c.books[currency][m].MarketUnitPrice()
		if !price.IsPositive() {
			price = num.PriceDigit
		}
		out = append(out, model.Position{
			Currency:     currency,
			Maturity:     m,
			User:         user,
			FutureValue:  bal,
			PresentValue: num.PresentValue(bal, price),
		})
	}
	return out, nil
}

// Maturities returns the active term structure, nearest first.
func (c *Controller) Maturities(currency string) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.maturities[currency]
	if !ok {
		return nil, ErrUnknownCurrency
	}
	return append([]int64{}, m...), nil
}

// MarketSummaries describes every open maturity of a currency.
func (c *Controller) MarketSummaries(currency string) ([]model.MarketSummary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	maturities, ok := c.maturities[currency]
	if !ok {
		return nil, ErrUnknownCurrency
	}

	now := c.now()
	out := make([]model.MarketSummary, 0, len(maturities))
	for _, m := range maturities {
		b := c.books[currency][m]
		out = append(out, model.MarketSummary{
			Symbol:          term.Symbol(currency, m),
			Currency:        currency,
			Maturity:        m,
			Status:          b.Status(now).String(),
			BestLendPrice:   b.BestLendPrice(),
			BestBorrowPrice: b.BestBorrowPrice(),
			MarketPrice:     b.MarketUnitPrice(),
			OpeningDate:     b.OpeningDate(),
		})
	}
	return out, nil
}

// BookSnapshot returns the top-N aggregated levels of one book.
func (c *Controller) BookSnapshot(currency string, maturity int64, depth int) (lend, borrow []model.BookLevel, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.book(currency, maturity)
	if err != nil {
		return nil, nil, err
	}
	lend, borrow = b.Snapshot(depth)
	return lend, borrow, nil
}

// AutoRollLog returns the write-once roll record for a maturity.
func (c *Controller) AutoRollLog(currency string, maturity int64) (model.AutoRollLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gv.AutoRollLog(currency, maturity)
}
