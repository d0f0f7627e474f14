// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The matching engine itself is memory-resident; the store is the durable
// record of executions and roll history that survives restarts and feeds
// user-facing queries.
package store

import (
	"context"

	"github.com/secured-finance/lending-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Immutable fill ledger ---

	// InsertFill appends an immutable execution record.
	InsertFill(ctx context.Context, fill *model.Fill) error

	// GetFillsByMarket returns all fills for one (currency, maturity) book,
	// oldest first.
	GetFillsByMarket(ctx context.Context, currency string, maturity int64) ([]model.Fill, error)

	// GetFillsByUser returns all fills where the user was taker or maker,
	// oldest first.
	GetFillsByUser(ctx context.Context, user string) ([]model.Fill, error)

	// --- Auto-roll history ---

	// InsertAutoRollLog persists the write-once roll record for a maturity.
	InsertAutoRollLog(ctx context.Context, log *model.AutoRollLog) error

	// GetAutoRollLog retrieves the roll record written into one maturity.
	GetAutoRollLog(ctx context.Context, currency string, maturity int64) (*model.AutoRollLog, error)

	// ListAutoRollLogs returns a currency's full roll history, oldest first.
	ListAutoRollLogs(ctx context.Context, currency string) ([]model.AutoRollLog, error)
}
