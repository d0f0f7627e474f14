// Package model defines the core domain types shared across the lending engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReserveFundUser is the distinguished user whose balances absorb order
// fees, auto-roll fees, and rounding residuals.
const ReserveFundUser = "reserve-fund"

// Side is the direction of an order: lenders buy future value, borrowers
// sell it.
type Side int

const (
	SideLend Side = iota
	SideBorrow
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideLend {
		return SideBorrow
	}
	return SideLend
}

func (s Side) String() string {
	if s == SideLend {
		return "LEND"
	}
	return "BORROW"
}

// ParseSide converts the wire representation ("LEND"/"BORROW") of a side.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "LEND":
		return SideLend, true
	case "BORROW":
		return SideBorrow, true
	}
	return 0, false
}

// MarketStatus is the lifecycle state of one order book.
//
// Pending → Open (via Itayose) → Matured → Closed. Terminated is reachable
// from any state through an emergency termination.
type MarketStatus int

const (
	StatusPending MarketStatus = iota
	StatusOpen
	StatusMatured
	StatusClosed
	StatusTerminated
)

func (s MarketStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOpen:
		return "open"
	case StatusMatured:
		return "matured"
	case StatusClosed:
		return "closed"
	case StatusTerminated:
		return "terminated"
	}
	return "unknown"
}

// Order is a resting limit order. Amount is the remaining principal and is
// the only field mutated after creation (decremented on partial fill).
type Order struct {
	ID        uint64          `json:"id"`
	Side      Side            `json:"side"`
	Maker     string          `json:"maker"`
	Amount    decimal.Decimal `json:"amount"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	CreatedAt int64           `json:"created_at"` // unix seconds
	PreOrder  bool            `json:"pre_order"`
}

// Fill is an immutable record of one execution between a taker and a
// resting order. TakerFV/MakerFV are the future-value deltas applied to
// each party (signed), before the taker's order fee.
type Fill struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	Maturity  int64           `json:"maturity"`
	OrderID   uint64          `json:"order_id"` // maker's resting order
	Taker     string          `json:"taker"`
	Maker     string          `json:"maker"`
	TakerSide Side            `json:"taker_side"`
	Amount    decimal.Decimal `json:"amount"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	TakerFV   decimal.Decimal `json:"taker_fv"`
	MakerFV   decimal.Decimal `json:"maker_fv"`
	Timestamp time.Time       `json:"timestamp"`
}

// BookLevel is an aggregated price level in an order book snapshot.
type BookLevel struct {
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Amount     decimal.Decimal `json:"amount"`
	OrderCount int             `json:"order_count"`
}

// AutoRollLog is the per-maturity roll record. It is written once, when the
// chain first rotates into Maturity, and never modified afterwards.
type AutoRollLog struct {
	Currency     string          `json:"currency"`
	Maturity     int64           `json:"maturity"`
	PrevMaturity int64           `json:"prev_maturity"`
	NextMaturity int64           `json:"next_maturity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	LendingCF    decimal.Decimal `json:"lending_compound_factor"`
	BorrowingCF  decimal.Decimal `json:"borrowing_compound_factor"`
}

// MarketSummary describes one maturity of a currency's term structure.
type MarketSummary struct {
	Symbol          string          `json:"symbol"`
	Currency        string          `json:"currency"`
	Maturity        int64           `json:"maturity"`
	Status          string          `json:"status"`
	BestLendPrice   decimal.Decimal `json:"best_lend_price"`
	BestBorrowPrice decimal.Decimal `json:"best_borrow_price"`
	MarketPrice     decimal.Decimal `json:"market_price"`
	OpeningDate     int64           `json:"opening_date"`
}

// Position is a user's settled exposure at one maturity.
type Position struct {
	Currency     string          `json:"currency"`
	Maturity     int64           `json:"maturity"`
	User         string          `json:"user"`
	FutureValue  decimal.Decimal `json:"future_value"`
	PresentValue decimal.Decimal `json:"present_value"`
}

// FundCalculation aggregates a user's exposure across all open maturities
// of one currency.
type FundCalculation struct {
	Currency            string          `json:"currency"`
	User                string          `json:"user"`
	WorkingLendOrders   decimal.Decimal `json:"working_lend_orders"`
	WorkingBorrowOrders decimal.Decimal `json:"working_borrow_orders"`
	ClaimableValue      decimal.Decimal `json:"claimable_value"`
	DebtValue           decimal.Decimal `json:"debt_value"`
	GenesisValue        decimal.Decimal `json:"genesis_value"`
}
