package term

import (
	"errors"
	"testing"
	"time"
)

func TestParseSymbol_Valid(t *testing.T) {
	m, err := ParseSymbol("FIL-1767225600")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Currency != "FIL" {
		t.Errorf("expected currency=FIL, got %s", m.Currency)
	}
	if m.Maturity != 1767225600 {
		t.Errorf("expected maturity=1767225600, got %d", m.Maturity)
	}
}

func TestParseSymbol_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"FIL",
		"FIL-",
		"fil-1767225600",
		"FIL-notanumber",
		"FIL-123",          // maturity too short
		"F-1767225600",     // currency too short
		"FIL_1767225600",   // wrong separator
	}
	for _, symbol := range tests {
		if _, err := ParseSymbol(symbol); err == nil {
			t.Errorf("expected error for symbol %q", symbol)
		}
		if _, err := ParseSymbol(symbol); err != nil && !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", symbol, err)
		}
	}
}

func TestSymbolRoundTrip(t *testing.T) {
	s := Symbol("USDC", 1767225600)
	m, err := ParseSymbol(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Currency != "USDC" || m.Maturity != 1767225600 {
		t.Errorf("round trip mismatch: %+v", m)
	}
}

func TestValidCurrency(t *testing.T) {
	valid := []string{"FIL", "USDC", "ETH", "WBTC"}
	for _, c := range valid {
		if !ValidCurrency(c) {
			t.Errorf("ValidCurrency(%q) = false, want true", c)
		}
	}
	invalid := []string{"", "F", "fil", "US DC", "TOOLONGCURRENCY"}
	for _, c := range invalid {
		if ValidCurrency(c) {
			t.Errorf("ValidCurrency(%q) = true, want false", c)
		}
	}
}

func TestMaturities(t *testing.T) {
	genesis := time.Unix(0, 0).UTC()
	got := Maturities(genesis, 1000*time.Second, 4)
	want := []int64{1000, 2000, 3000, 4000}
	if len(got) != len(want) {
		t.Fatalf("expected %d maturities, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("maturity[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNextMaturity(t *testing.T) {
	if got := NextMaturity(4000, 1000*time.Second); got != 5000 {
		t.Errorf("NextMaturity(4000) = %d, want 5000", got)
	}
}
