package collateral

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// newTestVault registers USDC at par with no haircut and FIL at a 5x base
// rate with a 20% haircut, threshold 125%.
func newTestVault() *Vault {
	return NewVault(d(12500), map[string]CurrencyInfo{
		"USDC": {BaseRate: d(1), Haircut: d(10000)},
		"FIL":  {BaseRate: d(5), Haircut: d(8000)},
	})
}

func TestDeposits(t *testing.T) {
	v := newTestVault()

	if err := v.AddDeposit("alice", "USDC", d(1000)); err != nil {
		t.Fatalf("add deposit: %v", err)
	}
	if err := v.AddDeposit("alice", "BTC", d(1)); !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}
	if err := v.RemoveDeposit("alice", "USDC", d(1001)); !errors.Is(err, ErrInsufficientDeposit) {
		t.Errorf("expected ErrInsufficientDeposit, got %v", err)
	}
	if err := v.RemoveDeposit("alice", "USDC", d(400)); err != nil {
		t.Fatalf("remove deposit: %v", err)
	}
	if got := v.DepositAmount("alice", "USDC"); !got.Equal(d(600)) {
		t.Errorf("deposit = %s, want 600", got)
	}
}

func TestConvertRates(t *testing.T) {
	v := newTestVault()

	base, err := v.ConvertToBase("FIL", d(10))
	if err != nil {
		t.Fatalf("convert to base: %v", err)
	}
	if !base.Equal(d(50)) {
		t.Errorf("10 FIL = %s base, want 50", base)
	}

	back, err := v.ConvertFromBase("FIL", d(50))
	if err != nil {
		t.Fatalf("convert from base: %v", err)
	}
	if !back.Equal(d(10)) {
		t.Errorf("50 base = %s FIL, want 10", back)
	}

	if _, err := v.ConvertToBase("BTC", d(1)); !errors.Is(err, ErrUnknownCurrency) {
		t.Errorf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestIsCovered_ThresholdBoundary(t *testing.T) {
	v := newTestVault()
	v.AddDeposit("bob", "USDC", d(1000))

	// Exposure 800 needs 800 * 125% = 1000 collateral: exactly covered.
	funds := []model.FundCalculation{{
		Currency:            "USDC",
		User:                "bob",
		DebtValue:           d(700),
		WorkingBorrowOrders: d(100),
	}}
	if !v.IsCovered("bob", funds) {
		t.Error("expected covered at exactly the threshold")
	}

	// One more unit of debt tips it over.
	funds[0].DebtValue = d(701)
	if v.IsCovered("bob", funds) {
		t.Error("expected uncovered above the threshold")
	}
}

func TestIsCovered_HaircutWeighting(t *testing.T) {
	v := newTestVault()
	// 250 FIL = 1250 base, haircut to 1000.
	v.AddDeposit("carol", "FIL", d(250))

	funds := []model.FundCalculation{{
		Currency:  "USDC",
		User:      "carol",
		DebtValue: d(800),
	}}
	if !v.IsCovered("carol", funds) {
		t.Error("expected covered: 1000 haircut collateral vs 800 exposure")
	}

	funds[0].DebtValue = d(801)
	if v.IsCovered("carol", funds) {
		t.Error("expected uncovered: haircut collateral below threshold")
	}
}

func TestIsCovered_ClaimsCountAsCollateral(t *testing.T) {
	v := newTestVault()
	// No deposit at all; a lending-side claim backs the debt.
	funds := []model.FundCalculation{{
		Currency:       "USDC",
		User:           "dave",
		ClaimableValue: d(1000),
		DebtValue:      d(800),
	}}
	if !v.IsCovered("dave", funds) {
		t.Error("expected claimable value to count toward collateral")
	}
}

func TestLiquidationAmount(t *testing.T) {
	v := newTestVault()
	v.AddDeposit("bob", "USDC", d(1000))

	funds := []model.FundCalculation{{
		Currency:  "USDC",
		User:      "bob",
		DebtValue: d(900),
	}}
	// Uncovered: 1000 < 900 * 1.25. Half the debt is liquidatable.
	if got := v.LiquidationAmount("bob", funds); !got.Equal(d(450)) {
		t.Errorf("liquidation amount = %s, want 450", got)
	}

	// Covered users have nothing to liquidate.
	funds[0].DebtValue = d(800)
	if got := v.LiquidationAmount("bob", funds); !got.IsZero() {
		t.Errorf("liquidation amount = %s, want 0 while covered", got)
	}
}
