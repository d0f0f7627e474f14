// Package controller orchestrates the per-currency term structure: a set of
// order books across concurrently open maturities, the future-value ledger
// they settle into, and the genesis-value vault that carries positions
// across auto-rolls.
//
// Every state-changing call runs to completion under one lock, so callers
// observe all-or-nothing semantics: a failed collateral check leaves no
// partial book mutation. Uses a mutex for serialized execution
// (single-instance); for horizontal scaling, replace with distributed
// locking.
package controller

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/futurevalue"
	"github.com/secured-finance/lending-engine/internal/genesisvalue"
	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/num"
	"github.com/secured-finance/lending-engine/internal/orderbook"
	"github.com/secured-finance/lending-engine/internal/term"
)

var (
	// ErrUnknownCurrency is returned for a currency without markets.
	ErrUnknownCurrency = errors.New("controller: unknown currency")

	// ErrUnknownMaturity is returned for a maturity outside the active
	// term structure.
	ErrUnknownMaturity = errors.New("controller: unknown maturity")

	// ErrNotEnoughCollateral is returned when the token vault rejects the
	// coverage check for a new position.
	ErrNotEnoughCollateral = errors.New("controller: not enough collateral")

	// ErrMarketNotMatured is returned when rotation is attempted before
	// the nearest maturity has passed.
	ErrMarketNotMatured = errors.New("controller: nearest market has not matured")

	// ErrMarketPaused is returned while a currency's markets are paused.
	ErrMarketPaused = errors.New("controller: currency is paused")

	// ErrMarketTerminated rejects normal operations after an emergency
	// termination.
	ErrMarketTerminated = errors.New("controller: markets are terminated")

	// ErrNotTerminated is returned when redemption is attempted while
	// markets are still live.
	ErrNotTerminated = errors.New("controller: markets are not terminated")

	// ErrNoFutureValue is returned when unwinding a zero position.
	ErrNoFutureValue = errors.New("controller: no future value to unwind")

	// ErrNotLiquidator is returned when a liquidation call comes from an
	// unregistered address.
	ErrNotLiquidator = errors.New("controller: caller is not a registered liquidator")

	// ErrNoLiquidationAmount is returned when the user is still covered.
	ErrNoLiquidationAmount = errors.New("controller: user has no liquidation amount")
)

// TokenVault is the external collateral/margin custody collaborator.
type TokenVault interface {
	IsCovered(user string, funds []model.FundCalculation) bool
	LiquidationAmount(user string, funds []model.FundCalculation) decimal.Decimal
	DepositAmount(user, currency string) decimal.Decimal
	AddDeposit(user, currency string, amount decimal.Decimal) error
	RemoveDeposit(user, currency string, amount decimal.Decimal) error
}

// CurrencyConverter is the external currency/price metadata collaborator.
type CurrencyConverter interface {
	ConvertToBase(currency string, amount decimal.Decimal) (decimal.Decimal, error)
	ConvertFromBase(currency string, amount decimal.Decimal) (decimal.Decimal, error)
	Haircut(currency string) decimal.Decimal
	Exists(currency string) bool
}

// Config carries the engine parameters.
type Config struct {
	Genesis     time.Time
	Period      time.Duration // maturity spacing
	MarketCount int           // concurrently open maturities

	OrderFeeRate          decimal.Decimal // bp of principal, prorated by time to maturity
	AutoRollFeeRate       decimal.Decimal // bp applied by the compound factor recurrence
	ObservationPeriod     time.Duration   // roll-price VWAP window before expiry
	MinimumReliableAmount decimal.Decimal // single-trade roll price threshold

	Decimals              int32           // genesis-value scale
	InitialCompoundFactor decimal.Decimal

	LiquidatorFeeRate          decimal.Decimal // bp of liquidated volume, to the caller
	LiquidationProtocolFeeRate decimal.Decimal // bp of liquidated volume, to the reserve

	Book orderbook.Config

	// Now supplies the clock; injectable so tests are deterministic.
	Now func() time.Time
}

// DefaultConfig mirrors the production parameters.
func DefaultConfig(genesis time.Time) Config {
	return Config{
		Genesis:                    genesis,
		Period:                     2160 * time.Hour, // quarterly
		MarketCount:                4,
		OrderFeeRate:               decimal.NewFromInt(100),
		AutoRollFeeRate:            decimal.NewFromInt(100),
		ObservationPeriod:          6 * time.Hour,
		MinimumReliableAmount:      decimal.NewFromInt(100),
		Decimals:                   24,
		InitialCompoundFactor:      decimal.NewFromInt(1),
		LiquidatorFeeRate:          decimal.NewFromInt(500),
		LiquidationProtocolFeeRate: decimal.NewFromInt(200),
		Book:                       orderbook.DefaultConfig(),
		Now:                        time.Now,
	}
}

// Controller is the market controller for every configured currency.
type Controller struct {
	mu  sync.Mutex
	cfg Config

	vault     TokenVault
	converter CurrencyConverter

	gv *genesisvalue.Vault
	fv *futurevalue.Ledger

	books      map[string]map[int64]*orderbook.OrderBook
	maturities map[string][]int64 // sorted ascending; [0] is the nearest

	orderFeeRates     map[string]decimal.Decimal
	paused            map[string]bool
	liquidators       map[string]bool
	terminated        bool
	terminationPrices map[string]map[int64]decimal.Decimal
}

// New creates a controller with the given collaborators.
func New(cfg Config, vault TokenVault, converter CurrencyConverter) *Controller {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	// Rotation always rolls into the second-nearest market, so the term
	// structure needs at least two slots.
	if cfg.MarketCount < 2 {
		cfg.MarketCount = 2
	}
	return &Controller{
		cfg:               cfg,
		vault:             vault,
		converter:         converter,
		gv:                genesisvalue.NewVault(),
		fv:                futurevalue.NewLedger(),
		books:             make(map[string]map[int64]*orderbook.OrderBook),
		maturities:        make(map[string][]int64),
		orderFeeRates:     make(map[string]decimal.Decimal),
		paused:            make(map[string]bool),
		liquidators:       make(map[string]bool),
		terminationPrices: make(map[string]map[int64]decimal.Decimal),
	}
}

func (c *Controller) now() int64 { return c.cfg.Now().UTC().Unix() }

// AddCurrency opens the initial term structure for a currency: MarketCount
// books spaced one period apart, all taken through an (empty) opening
// auction so they trade continuously, and the genesis-value chain seeded at
// the first maturity.
func (c *Controller) AddCurrency(currency string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.converter.Exists(currency) {
		return ErrUnknownCurrency
	}
	if c.gv.IsInitialized(currency) {
		return genesisvalue.ErrInitialCompoundFactorAlreadySet
	}

	maturities := term.Maturities(c.cfg.Genesis, c.cfg.Period, c.cfg.MarketCount)
	if err := c.gv.Initialize(currency, c.cfg.Decimals, c.cfg.InitialCompoundFactor, maturities[0]); err != nil {
		return err
	}

	now := c.now()
	books := make(map[int64]*orderbook.OrderBook, len(maturities))
	for _, m := range maturities {
		b := orderbook.New(currency, m, c.cfg.Genesis.Unix(), c.cfg.Book)
		if _, _, err := b.RunItayose(now); err != nil {
			return err
		}
		books[m] = b
	}
	c.books[currency] = books
	c.maturities[currency] = maturities
	c.orderFeeRates[currency] = c.cfg.OrderFeeRate
	return nil
}

// book returns the active order book for (currency, maturity).
func (c *Controller) book(currency string, maturity int64) (*orderbook.OrderBook, error) {
	books, ok := c.books[currency]
	if !ok {
		return nil, ErrUnknownCurrency
	}
	b, ok := books[maturity]
	if !ok {
		return nil, ErrUnknownMaturity
	}
	return b, nil
}

// checkLive rejects operations on paused or terminated currencies.
func (c *Controller) checkLive(currency string) error {
	if c.terminated {
		return ErrMarketTerminated
	}
	if c.paused[currency] {
		return ErrMarketPaused
	}
	return nil
}

// CreateOrder places a limit (or market, unitPrice 0) order after the
// collateral check and the user's pending genesis-value conversion.
func (c *Controller) CreateOrder(currency string, maturity int64, user string, side model.Side, amount, unitPrice decimal.Decimal) ([]model.Fill, *model.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLive(currency); err != nil {
		return nil, nil, err
	}
	b, err := c.book(currency, maturity)
	if err != nil {
		return nil, nil, err
	}

	c.syncUser(currency, user)
	if err := c.checkCollateral(currency, user, side, amount); err != nil {
		return nil, nil, err
	}

	now := c.now()
	fills, rested, err := b.PlaceOrder(side, user, amount, unitPrice, now)
	if err != nil {
		return nil, nil, err
	}

	c.applyFills(fills)
	c.chargeOrderFee(currency, maturity, user, side, fills, now)
	return fills, rested, nil
}

// CreatePreOrder queues an order for a pending market's opening auction.
// The collateral check applies exactly as for continuous orders.
func (c *Controller) CreatePreOrder(currency string, maturity int64, user string, side model.Side, amount, unitPrice decimal.Decimal) (*model.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLive(currency); err != nil {
		return nil, err
	}
	b, err := c.book(currency, maturity)
	if err != nil {
		return nil, err
	}

	c.syncUser(currency, user)
	if err := c.checkCollateral(currency, user, side, amount); err != nil {
		return nil, err
	}
	return b.PlacePreOrder(side, user, amount, unitPrice, c.now())
}

// CancelOrder removes a resting order; only its maker may cancel.
func (c *Controller) CancelOrder(currency string, maturity int64, orderID uint64, caller string) (*model.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLive(currency); err != nil {
		return nil, err
	}
	b, err := c.book(currency, maturity)
	if err != nil {
		return nil, err
	}
	return b.CancelOrder(orderID, caller)
}

// checkCollateral delegates coverage to the token vault before any book
// mutation. Borrow orders must keep the user covered with the new working
// amount included; lend orders must be funded by the user's deposit.
func (c *Controller) checkCollateral(currency, user string, side model.Side, amount decimal.Decimal) error {
	funds := c.allFunds(user)

	if side == model.SideLend {
		required := amount
		for i := range funds {
			if funds[i].Currency == currency {
				required = required.Add(funds[i].WorkingLendOrders)
			}
		}
		if c.vault.DepositAmount(user, currency).LessThan(required) {
			return ErrNotEnoughCollateral
		}
		return nil
	}

	for i := range funds {
		if funds[i].Currency == currency {
			funds[i].WorkingBorrowOrders = funds[i].WorkingBorrowOrders.Add(amount)
		}
	}
	if !c.vault.IsCovered(user, funds) {
		return ErrNotEnoughCollateral
	}
	return nil
}

// applyFills settles executions into the future-value ledger. The floor/
// ceil gap between the two legs is credited to the reserve fund so rounding
// never mints value.
func (c *Controller) applyFills(fills []model.Fill) {
	for i := range fills {
		f := &fills[i]
		f.ID = uuid.New().String()
		c.fv.Add(f.Currency, f.Maturity, f.Maker, f.MakerFV)
		if f.Taker == "" {
			// Single-leg auction fill: the two sides offset across the
			// batch, handled by the caller.
			continue
		}
		c.fv.Add(f.Currency, f.Maturity, f.Taker, f.TakerFV)

		residual := f.TakerFV.Add(f.MakerFV).Neg()
		if !residual.IsZero() {
			c.fv.Add(f.Currency, f.Maturity, model.ReserveFundUser, residual)
		}
	}
}

// chargeOrderFee debits the taker's future value by the order fee —
// basis points of the filled face value, prorated by time to maturity —
// and credits it to the reserve fund.
func (c *Controller) chargeOrderFee(currency string, maturity int64, taker string, side model.Side, fills []model.Fill, now int64) decimal.Decimal {
	if len(fills) == 0 {
		return decimal.Zero
	}
	gross := decimal.Zero
	for _, f := range fills {
		gross = gross.Add(f.TakerFV.Abs())
	}
	fee := c.orderFee(currency, maturity, gross, now)
	if !fee.IsPositive() {
		return decimal.Zero
	}
	c.fv.Add(currency, maturity, taker, fee.Neg())
	c.fv.Add(currency, maturity, model.ReserveFundUser, fee)
	return fee
}

func (c *Controller) orderFee(currency string, maturity int64, faceValue decimal.Decimal, now int64) decimal.Decimal {
	remaining := maturity - now
	if remaining <= 0 {
		return decimal.Zero
	}
	numr := faceValue.Mul(c.orderFeeRates[currency]).Mul(decimal.NewFromInt(remaining))
	return num.DivFloor(numr, num.PriceDigit.Mul(num.SecondsInYear))
}

// Pause stops state-changing operations for a currency.
func (c *Controller) Pause(currency string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[currency]; !ok {
		return ErrUnknownCurrency
	}
	c.paused[currency] = true
	return nil
}

// Unpause resumes a paused currency.
func (c *Controller) Unpause(currency string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[currency]; !ok {
		return ErrUnknownCurrency
	}
	c.paused[currency] = false
	return nil
}

// UpdateOrderFeeRate changes a currency's order fee (basis points).
func (c *Controller) UpdateOrderFeeRate(currency string, rate decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[currency]; !ok {
		return ErrUnknownCurrency
	}
	c.orderFeeRates[currency] = rate
	return nil
}

// RegisterLiquidator allows an address to call ExecuteLiquidationCall.
func (c *Controller) RegisterLiquidator(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liquidators[addr] = true
}
