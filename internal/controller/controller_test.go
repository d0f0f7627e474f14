package controller

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/collateral"
	"github.com/secured-finance/lending-engine/internal/genesisvalue"
	"github.com/secured-finance/lending-engine/internal/model"
	"github.com/secured-finance/lending-engine/internal/orderbook"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func newTestVault() *collateral.Vault {
	return collateral.NewVault(d(12500), map[string]collateral.CurrencyInfo{
		"USDC": {BaseRate: d(1), Haircut: d(10000)},
	})
}

// testConfig builds a deterministic engine: 1000-second quarters, four open
// maturities, two genesis-value decimals, zero trading fees and an
// adjustable clock. Scenario tests mutate *clock directly.
func testConfig(clock *int64) Config {
	return Config{
		Genesis:                    time.Unix(0, 0),
		Period:                     1000 * time.Second,
		MarketCount:                4,
		OrderFeeRate:               decimal.Zero,
		AutoRollFeeRate:            decimal.Zero,
		ObservationPeriod:          100 * time.Second,
		MinimumReliableAmount:      d(100),
		Decimals:                   2,
		InitialCompoundFactor:      d(1),
		LiquidatorFeeRate:          d(500),
		LiquidationProtocolFeeRate: d(200),
		Book:                       orderbook.Config{PreOrderPeriod: 500 * time.Second},
		Now:                        func() time.Time { return time.Unix(*clock, 0) },
	}
}

func newTestEngine(t *testing.T) (*Controller, *collateral.Vault, *int64) {
	t.Helper()
	clock := int64(10)
	v := newTestVault()
	c := New(testConfig(&clock), v, v)
	if err := c.AddCurrency("USDC"); err != nil {
		t.Fatalf("add currency: %v", err)
	}
	return c, v, &clock
}

func mustFV(t *testing.T, c *Controller, maturity int64, user string) decimal.Decimal {
	t.Helper()
	fv, err := c.FutureValue("USDC", maturity, user)
	if err != nil {
		t.Fatalf("future value of %s: %v", user, err)
	}
	return fv
}

func TestAddCurrency(t *testing.T) {
	c, _, _ := newTestEngine(t)

	maturities, err := c.Maturities("USDC")
	if err != nil {
		t.Fatalf("maturities: %v", err)
	}
	want := []int64{1000, 2000, 3000, 4000}
	for i, m := range want {
		if maturities[i] != m {
			t.Errorf("maturities[%d] = %d, want %d", i, maturities[i], m)
		}
	}

	if err := c.AddCurrency("USDC"); !errors.Is(err, genesisvalue.ErrInitialCompoundFactorAlreadySet) {
		t.Errorf("expected ErrInitialCompoundFactorAlreadySet, got %v", err)
	}
	if err := c.AddCurrency("BTC"); !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestCreateOrder_MatchAndConservation(t *testing.T) {
	c, v, _ := newTestEngine(t)
	v.AddDeposit("alice", "USDC", d(1000))
	v.AddDeposit("bob", "USDC", d(1000))

	fills, rested, err := c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000))
	if err != nil {
		t.Fatalf("lend order: %v", err)
	}
	if len(fills) != 0 || rested == nil {
		t.Fatalf("expected resting lend order, got %d fills", len(fills))
	}

	fills, _, err = c.CreateOrder("USDC", 1000, "bob", model.SideBorrow, d(100), decimal.Zero)
	if err != nil {
		t.Fatalf("borrow order: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if fills[0].ID == "" {
		t.Error("fill should be assigned an id")
	}

	// 100 @ 8000 is an exact 125 face value on both legs.
	if got := mustFV(t, c, 1000, "alice"); !got.Equal(d(125)) {
		t.Errorf("alice fv = %s, want 125", got)
	}
	if got := mustFV(t, c, 1000, "bob"); !got.Equal(d(-125)) {
		t.Errorf("bob fv = %s, want -125", got)
	}
	if got := mustFV(t, c, 1000, model.ReserveFundUser); !got.IsZero() {
		t.Errorf("reserve fv = %s, want 0", got)
	}

	pv, err := c.TotalPresentValue("USDC", "alice")
	if err != nil {
		t.Fatalf("total present value: %v", err)
	}
	if !pv.Equal(d(100)) {
		t.Errorf("alice pv = %s, want 100 at last price 8000", pv)
	}
}

func TestCreateOrder_Validation(t *testing.T) {
	c, v, _ := newTestEngine(t)
	v.AddDeposit("alice", "USDC", d(1000))

	if _, _, err := c.CreateOrder("BTC", 1000, "alice", model.SideLend, d(100), d(8000)); !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}
	if _, _, err := c.CreateOrder("USDC", 999, "alice", model.SideLend, d(100), d(8000)); !errors.Is(err, ErrUnknownMaturity) {
		t.Errorf("expected ErrUnknownMaturity, got %v", err)
	}
}

func TestCreateOrder_CollateralChecks(t *testing.T) {
	c, v, _ := newTestEngine(t)
	v.AddDeposit("carol", "USDC", d(50))

	// Lending must be funded by the deposit.
	if _, _, err := c.CreateOrder("USDC", 1000, "carol", model.SideLend, d(100), d(8000)); !errors.Is(err, ErrNotEnoughCollateral) {
		t.Errorf("expected ErrNotEnoughCollateral for unfunded lend, got %v", err)
	}
	// Borrowing must keep the user covered at the threshold.
	if _, _, err := c.CreateOrder("USDC", 1000, "dave", model.SideBorrow, d(100), d(8000)); !errors.Is(err, ErrNotEnoughCollateral) {
		t.Errorf("expected ErrNotEnoughCollateral for uncovered borrow, got %v", err)
	}

	// A second lend order counts the first as working funds.
	v.AddDeposit("carol", "USDC", d(50))
	if _, _, err := c.CreateOrder("USDC", 1000, "carol", model.SideLend, d(60), d(8000)); err != nil {
		t.Fatalf("lend order: %v", err)
	}
	if _, _, err := c.CreateOrder("USDC", 1000, "carol", model.SideLend, d(60), d(7000)); !errors.Is(err, ErrNotEnoughCollateral) {
		t.Errorf("expected ErrNotEnoughCollateral including working orders, got %v", err)
	}
}

func TestOrderFee_ProratedByTimeToMaturity(t *testing.T) {
	clock := int64(10)
	cfg := testConfig(&clock)
	cfg.Period = 7776000 * time.Second // 90-day quarters
	cfg.OrderFeeRate = d(100)

	v := newTestVault()
	c := New(cfg, v, v)
	if err := c.AddCurrency("USDC"); err != nil {
		t.Fatalf("add currency: %v", err)
	}
	v.AddDeposit("alice", "USDC", d(2_000_000))
	v.AddDeposit("bob", "USDC", d(2_000_000))

	c.CreateOrder("USDC", 7776000, "alice", model.SideLend, d(1_000_000), d(8000))
	_, _, err := c.CreateOrder("USDC", 7776000, "bob", model.SideBorrow, d(1_000_000), decimal.Zero)
	if err != nil {
		t.Fatalf("borrow order: %v", err)
	}

	// fee = floor(1250000 * 100bp * 7775990s / (10000 * 31536000s)) = 3082,
	// debited from the taker on top of the matched face value.
	if got := mustFV(t, c, 7776000, "bob"); !got.Equal(d(-1_253_082)) {
		t.Errorf("taker fv = %s, want -1253082", got)
	}
	if got := mustFV(t, c, 7776000, model.ReserveFundUser); !got.Equal(d(3082)) {
		t.Errorf("reserve fv = %s, want 3082", got)
	}
	if got := mustFV(t, c, 7776000, "alice"); !got.Equal(d(1_250_000)) {
		t.Errorf("maker fv = %s, want 1250000", got)
	}
}

func TestCancelOrder(t *testing.T) {
	c, v, _ := newTestEngine(t)
	v.AddDeposit("alice", "USDC", d(1000))

	_, rested, err := c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000))
	if err != nil {
		t.Fatalf("lend order: %v", err)
	}
	if _, err := c.CancelOrder("USDC", 1000, rested.ID, "mallory"); !errors.Is(err, orderbook.ErrNotOrderMaker) {
		t.Errorf("expected ErrNotOrderMaker, got %v", err)
	}
	if _, err := c.CancelOrder("USDC", 1000, rested.ID, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestRotateMarkets(t *testing.T) {
	c, v, clock := newTestEngine(t)
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		v.AddDeposit(u, "USDC", d(1000))
	}

	// Position at the nearest maturity: alice lends 125 face value to bob.
	c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000))
	c.CreateOrder("USDC", 1000, "bob", model.SideBorrow, d(100), decimal.Zero)

	if _, err := c.RotateMarkets("USDC"); !errors.Is(err, ErrMarketNotMatured) {
		t.Fatalf("expected ErrMarketNotMatured, got %v", err)
	}

	// One reliable trade in the next market inside the observation window
	// pins the roll price at 8500.
	*clock = 950
	c.CreateOrder("USDC", 2000, "carol", model.SideLend, d(100), d(8500))
	c.CreateOrder("USDC", 2000, "dave", model.SideBorrow, d(100), decimal.Zero)

	*clock = 1000
	res, err := c.RotateMarkets("USDC")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !res.RollPrice.Equal(d(8500)) {
		t.Errorf("roll price = %s, want 8500", res.RollPrice)
	}
	if res.NewMaturity != 5000 {
		t.Errorf("new maturity = %d, want 5000", res.NewMaturity)
	}

	maturities, _ := c.Maturities("USDC")
	want := []int64{2000, 3000, 4000, 5000}
	for i, m := range want {
		if maturities[i] != m {
			t.Errorf("maturities[%d] = %d, want %d", i, maturities[i], m)
		}
	}

	// The expired position became genesis value eagerly.
	gv, err := c.GenesisValue("USDC", "alice")
	if err != nil {
		t.Fatalf("genesis value: %v", err)
	}
	if !gv.Equal(d(12500)) {
		t.Errorf("alice gv = %s, want 12500", gv)
	}

	// Reads fold the unconverted balance into the new nearest maturity:
	// 125 rolled at 8500 is 147 face value.
	if got := mustFV(t, c, 2000, "alice"); !got.Equal(d(147)) {
		t.Errorf("alice rolled fv = %s, want 147", got)
	}
	if got := mustFV(t, c, 2000, "bob"); !got.Equal(d(-147)) {
		t.Errorf("bob rolled fv = %s, want -147", got)
	}

	// CleanUpFunds materializes the conversion.
	if err := c.CleanUpFunds("USDC", "alice"); err != nil {
		t.Fatalf("clean up funds: %v", err)
	}
	gv, _ = c.GenesisValue("USDC", "alice")
	if !gv.IsZero() {
		t.Errorf("alice gv after clean-up = %s, want 0", gv)
	}
	if got := mustFV(t, c, 2000, "alice"); !got.Equal(d(147)) {
		t.Errorf("alice fv after clean-up = %s, want 147", got)
	}
}

func TestRotateMarkets_UntouchedUserPresentValue(t *testing.T) {
	c, v, clock := newTestEngine(t)
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		v.AddDeposit(u, "USDC", d(1000))
	}

	// Alice and bob expire with the nearest market; carol's position lives
	// at 2000 and has no stake in the expiring book.
	c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000))
	c.CreateOrder("USDC", 1000, "bob", model.SideBorrow, d(100), decimal.Zero)

	*clock = 950
	c.CreateOrder("USDC", 2000, "carol", model.SideLend, d(100), d(8500))
	c.CreateOrder("USDC", 2000, "dave", model.SideBorrow, d(100), decimal.Zero)

	before, err := c.TotalPresentValue("USDC", "carol")
	if err != nil {
		t.Fatalf("present value before: %v", err)
	}

	*clock = 1000
	if _, err := c.RotateMarkets("USDC"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	after, err := c.TotalPresentValue("USDC", "carol")
	if err != nil {
		t.Fatalf("present value after: %v", err)
	}
	if after.Sub(before).Abs().GreaterThan(d(1)) {
		t.Errorf("rotation moved an untouched position: pv %s -> %s", before, after)
	}
}

func TestRotateMarkets_MinimumMarketCount(t *testing.T) {
	clock := int64(10)
	cfg := testConfig(&clock)
	cfg.MarketCount = 1

	v := newTestVault()
	c := New(cfg, v, v)
	if err := c.AddCurrency("USDC"); err != nil {
		t.Fatalf("add currency: %v", err)
	}

	// The configured single slot is widened so rotation always has a
	// market to roll into.
	maturities, _ := c.Maturities("USDC")
	if len(maturities) != 2 {
		t.Fatalf("expected 2 maturities, got %d", len(maturities))
	}

	clock = 1000
	res, err := c.RotateMarkets("USDC")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if res.NewMaturity != 3000 {
		t.Errorf("new maturity = %d, want 3000", res.NewMaturity)
	}
}

func TestRotateMarkets_ExtrapolatedPrice(t *testing.T) {
	c, v, clock := newTestEngine(t)
	v.AddDeposit("carol", "USDC", d(1000))
	v.AddDeposit("dave", "USDC", d(1000))

	// No trades at 2000; the 3000 market trades at 9000. The discount is
	// scaled by the duration ratio: 10000 - (10000-9000)*1000/2000 = 9500.
	c.CreateOrder("USDC", 3000, "carol", model.SideLend, d(100), d(9000))
	c.CreateOrder("USDC", 3000, "dave", model.SideBorrow, d(100), decimal.Zero)

	*clock = 1000
	res, err := c.RotateMarkets("USDC")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !res.RollPrice.Equal(d(9500)) {
		t.Errorf("roll price = %s, want 9500", res.RollPrice)
	}
}

func TestRotateMarkets_FallbackToPreviousLog(t *testing.T) {
	c, _, clock := newTestEngine(t)

	// No trades anywhere: the previous roll record (genesis, at par) wins.
	*clock = 1000
	res, err := c.RotateMarkets("USDC")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if !res.RollPrice.Equal(d(10000)) {
		t.Errorf("roll price = %s, want par", res.RollPrice)
	}

	log, err := c.AutoRollLog("USDC", 2000)
	if err != nil {
		t.Fatalf("auto roll log: %v", err)
	}
	if log.PrevMaturity != 1000 {
		t.Errorf("log prev maturity = %d, want 1000", log.PrevMaturity)
	}
}

func TestExecuteItayose_ThroughRotation(t *testing.T) {
	c, v, clock := newTestEngine(t)
	for _, u := range []string{"eve", "fred", "gina", "hank"} {
		v.AddDeposit(u, "USDC", d(1000))
	}

	// Rotating opens a new furthest market in its pre-order window.
	*clock = 1000
	res, err := c.RotateMarkets("USDC")
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	newMaturity := res.NewMaturity

	*clock = 1100
	if _, err := c.CreatePreOrder("USDC", newMaturity, "eve", model.SideLend, d(100), d(9000)); err != nil {
		t.Fatalf("pre-order: %v", err)
	}
	c.CreatePreOrder("USDC", newMaturity, "fred", model.SideLend, d(50), d(8500))
	c.CreatePreOrder("USDC", newMaturity, "gina", model.SideBorrow, d(80), d(8000))
	c.CreatePreOrder("USDC", newMaturity, "hank", model.SideBorrow, d(40), d(8300))

	*clock = 1500
	fills, clearing, err := c.ExecuteItayose("USDC", newMaturity)
	if err != nil {
		t.Fatalf("itayose: %v", err)
	}
	if !clearing.Equal(d(8400)) {
		t.Fatalf("clearing price = %s, want 8400", clearing)
	}
	if len(fills) != 4 {
		t.Fatalf("expected 4 fills, got %d", len(fills))
	}

	// The floor/ceil gap across the auction batch lands in the reserve
	// fund and the ledger nets to zero.
	balances := map[string]int64{
		"eve":                 119,
		"fred":                23,
		"gina":                -96,
		"hank":                -48,
		model.ReserveFundUser: 2,
	}
	total := decimal.Zero
	for user, want := range balances {
		got := mustFV(t, c, newMaturity, user)
		if !got.Equal(d(want)) {
			t.Errorf("%s fv = %s, want %d", user, got, want)
		}
		total = total.Add(got)
	}
	if !total.IsZero() {
		t.Errorf("ledger total = %s, want 0", total)
	}

	if _, _, err := c.ExecuteItayose("USDC", newMaturity); !errors.Is(err, orderbook.ErrNotItayosePeriod) {
		t.Errorf("expected ErrNotItayosePeriod on reopened market, got %v", err)
	}
}

func TestUnwindPosition_ExactZero(t *testing.T) {
	c, v, _ := newTestEngine(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		v.AddDeposit(u, "USDC", d(1000))
	}

	c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000))
	c.CreateOrder("USDC", 1000, "bob", model.SideBorrow, d(100), decimal.Zero)
	c.CreateOrder("USDC", 1000, "carol", model.SideLend, d(125), d(8000))

	fills, consumed, err := c.UnwindPosition("USDC", 1000, "alice")
	if err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if !consumed.Equal(d(125)) {
		t.Errorf("consumed = %s, want 125", consumed)
	}
	if len(fills) != 1 || !fills[0].Amount.Equal(d(100)) {
		t.Fatalf("expected one 100 fill, got %+v", fills)
	}

	if got := mustFV(t, c, 1000, "alice"); !got.IsZero() {
		t.Errorf("alice fv after unwind = %s, want 0", got)
	}
	if got := mustFV(t, c, 1000, "carol"); !got.Equal(d(125)) {
		t.Errorf("carol fv = %s, want 125", got)
	}
}

func TestUnwindPosition_DustSweptToReserve(t *testing.T) {
	c, v, _ := newTestEngine(t)
	v.AddDeposit("carol", "USDC", d(1000))
	v.AddDeposit("dave", "USDC", d(1000))

	c.CreateOrder("USDC", 1000, "carol", model.SideLend, d(100), d(8000))
	c.CreateOrder("USDC", 1000, "dave", model.SideLend, d(50), d(7000))

	// 126 cannot be unwound to zero by whole-unit matching: the 8000 bid
	// absorbs exactly 125 and one unit of face value is left stranded.
	c.fv.Add("USDC", 1000, "alice", d(126))

	_, consumed, err := c.UnwindPosition("USDC", 1000, "alice")
	if err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if !consumed.Equal(d(125)) {
		t.Errorf("consumed = %s, want 125", consumed)
	}
	if got := mustFV(t, c, 1000, "alice"); !got.IsZero() {
		t.Errorf("alice fv after unwind = %s, want 0", got)
	}
	if got := mustFV(t, c, 1000, model.ReserveFundUser); !got.Equal(d(1)) {
		t.Errorf("reserve fv = %s, want swept dust 1", got)
	}
}

func TestUnwindPosition_ExactZeroWithOrderFee(t *testing.T) {
	clock := int64(10)
	cfg := testConfig(&clock)
	cfg.Period = 7776000 * time.Second
	cfg.OrderFeeRate = d(100)

	v := newTestVault()
	c := New(cfg, v, v)
	if err := c.AddCurrency("USDC"); err != nil {
		t.Fatalf("add currency: %v", err)
	}
	for _, u := range []string{"alice", "bob", "carol", "dave"} {
		v.AddDeposit(u, "USDC", d(2_000_000))
	}

	// Alice lends 1250000 face value to bob; bob pays the taker fee 3082.
	c.CreateOrder("USDC", 7776000, "alice", model.SideLend, d(1_000_000), d(8000))
	c.CreateOrder("USDC", 7776000, "bob", model.SideBorrow, d(1_000_000), decimal.Zero)
	// Resting lend liquidity for alice's unwind.
	c.CreateOrder("USDC", 7776000, "carol", model.SideLend, d(2_000_000), d(8000))

	// Her fee comes out of the unwound claim: the match targets
	// 1250000 - 3082 = 1246918 and the position nets to exactly zero.
	_, consumed, err := c.UnwindPosition("USDC", 7776000, "alice")
	if err != nil {
		t.Fatalf("unwind: %v", err)
	}
	if !consumed.Equal(d(1_246_918)) {
		t.Errorf("consumed = %s, want 1246918", consumed)
	}
	if got := mustFV(t, c, 7776000, "alice"); !got.IsZero() {
		t.Errorf("alice fv after unwind = %s, want exactly 0", got)
	}
	// Taker fee 3082, alice's unwind fee 3082, one unit of fill rounding.
	if got := mustFV(t, c, 7776000, model.ReserveFundUser); !got.Equal(d(6165)) {
		t.Errorf("reserve fv = %s, want 6165", got)
	}

	// The borrower side buys back the fee on top of the debt and lands at
	// zero as well.
	c.CreateOrder("USDC", 7776000, "dave", model.SideBorrow, d(1_100_000), d(8000))
	if _, _, err := c.UnwindPosition("USDC", 7776000, "bob"); err != nil {
		t.Fatalf("unwind bob: %v", err)
	}
	if got := mustFV(t, c, 7776000, "bob"); !got.IsZero() {
		t.Errorf("bob fv after unwind = %s, want exactly 0", got)
	}

	total := decimal.Zero
	for _, u := range []string{"alice", "bob", "carol", "dave", model.ReserveFundUser} {
		total = total.Add(mustFV(t, c, 7776000, u))
	}
	if !total.IsZero() {
		t.Errorf("ledger total = %s, want 0", total)
	}
}

func TestUnwindPosition_Errors(t *testing.T) {
	c, _, _ := newTestEngine(t)

	if _, _, err := c.UnwindPosition("USDC", 1000, "nobody"); !errors.Is(err, ErrNoFutureValue) {
		t.Errorf("expected ErrNoFutureValue, got %v", err)
	}

	// A position with no opposite liquidity cannot be unwound at all.
	c.fv.Add("USDC", 1000, "alice", d(125))
	if _, _, err := c.UnwindPosition("USDC", 1000, "alice"); !errors.Is(err, orderbook.ErrNotEnoughLiquidity) {
		t.Errorf("expected ErrNotEnoughLiquidity, got %v", err)
	}
}

func TestExecuteLiquidationCall(t *testing.T) {
	c, v, _ := newTestEngine(t)
	v.AddDeposit("alice", "USDC", d(1000))
	v.AddDeposit("bob", "USDC", d(125))
	v.AddDeposit("dave", "USDC", d(1000))

	// Bob borrows 125 face value, exactly covered by his 125 deposit.
	c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000))
	c.CreateOrder("USDC", 1000, "bob", model.SideBorrow, d(100), decimal.Zero)
	// Resting borrow interest the liquidation can lend back into.
	c.CreateOrder("USDC", 1000, "dave", model.SideBorrow, d(100), d(8000))

	c.RegisterLiquidator("carol")

	if _, _, err := c.ExecuteLiquidationCall("mallory", "USDC", 1000, "bob"); !errors.Is(err, ErrNotLiquidator) {
		t.Errorf("expected ErrNotLiquidator, got %v", err)
	}
	if _, _, err := c.ExecuteLiquidationCall("carol", "USDC", 1000, "bob"); !errors.Is(err, ErrNoLiquidationAmount) {
		t.Errorf("expected ErrNoLiquidationAmount while covered, got %v", err)
	}

	// Withdrawing part of the deposit tips bob under the threshold. Half
	// the 100 debt present value is liquidatable: 62 face value at 8000,
	// of which whole-unit matching unwinds 61.
	if err := v.RemoveDeposit("bob", "USDC", d(25)); err != nil {
		t.Fatalf("remove deposit: %v", err)
	}
	fills, consumed, err := c.ExecuteLiquidationCall("carol", "USDC", 1000, "bob")
	if err != nil {
		t.Fatalf("liquidation: %v", err)
	}
	if !consumed.Equal(d(61)) {
		t.Errorf("consumed = %s, want 61", consumed)
	}
	if len(fills) != 1 || !fills[0].Amount.Equal(d(49)) {
		t.Fatalf("expected one 49 fill, got %+v", fills)
	}

	// Liquidator and protocol fees come out of the liquidated user on top
	// of the unwound volume; the ledger still nets to zero.
	balances := map[string]int64{
		"alice":               125,
		"bob":                 -68,
		"dave":                -62,
		"carol":               3,
		model.ReserveFundUser: 2,
	}
	total := decimal.Zero
	for user, want := range balances {
		got := mustFV(t, c, 1000, user)
		if !got.Equal(d(want)) {
			t.Errorf("%s fv = %s, want %d", user, got, want)
		}
		total = total.Add(got)
	}
	if !total.IsZero() {
		t.Errorf("ledger total = %s, want 0", total)
	}
}

func TestTerminationAndRedemption(t *testing.T) {
	c, v, _ := newTestEngine(t)
	v.AddDeposit("alice", "USDC", d(1000))
	v.AddDeposit("bob", "USDC", d(1000))

	c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000))
	c.CreateOrder("USDC", 1000, "bob", model.SideBorrow, d(100), decimal.Zero)

	if _, err := c.ExecuteRedemption("alice"); !errors.Is(err, ErrNotTerminated) {
		t.Errorf("expected ErrNotTerminated, got %v", err)
	}

	if err := c.ExecuteEmergencyTermination(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := c.ExecuteEmergencyTermination(); !errors.Is(err, ErrMarketTerminated) {
		t.Errorf("expected ErrMarketTerminated on repeat, got %v", err)
	}
	if _, _, err := c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(1), d(8000)); !errors.Is(err, ErrMarketTerminated) {
		t.Errorf("expected ErrMarketTerminated, got %v", err)
	}

	// Settlement at the recorded price 8000: 125 face value nets to 100
	// present value, paid through the vault deposit.
	settled, err := c.ExecuteRedemption("alice")
	if err != nil {
		t.Fatalf("redeem alice: %v", err)
	}
	if !settled["USDC"].Equal(d(100)) {
		t.Errorf("alice settlement = %s, want 100", settled["USDC"])
	}
	if got := v.DepositAmount("alice", "USDC"); !got.Equal(d(1100)) {
		t.Errorf("alice deposit = %s, want 1100", got)
	}

	settled, err = c.ExecuteRedemption("bob")
	if err != nil {
		t.Fatalf("redeem bob: %v", err)
	}
	if !settled["USDC"].Equal(d(-100)) {
		t.Errorf("bob settlement = %s, want -100", settled["USDC"])
	}
	if got := v.DepositAmount("bob", "USDC"); !got.Equal(d(900)) {
		t.Errorf("bob deposit = %s, want 900", got)
	}

	// The redeemed face value offsets inside the reserve fund.
	if got := mustFV(t, c, 1000, model.ReserveFundUser); !got.IsZero() {
		t.Errorf("reserve fv = %s, want 0", got)
	}
}

func TestPauseUnpause(t *testing.T) {
	c, v, _ := newTestEngine(t)
	v.AddDeposit("alice", "USDC", d(1000))

	if err := c.Pause("USDC"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, _, err := c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000)); !errors.Is(err, ErrMarketPaused) {
		t.Errorf("expected ErrMarketPaused, got %v", err)
	}
	if err := c.Unpause("USDC"); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, _, err := c.CreateOrder("USDC", 1000, "alice", model.SideLend, d(100), d(8000)); err != nil {
		t.Errorf("order after unpause: %v", err)
	}

	if err := c.Pause("BTC"); !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}
}
