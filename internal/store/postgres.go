package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/secured-finance/lending-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertFill(ctx context.Context, f *model.Fill) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fills (id, currency, maturity, order_id, taker, maker, taker_side, amount, unit_price, taker_fv, maker_fv, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
		f.ID, f.Currency, f.Maturity, f.OrderID, f.Taker, f.Maker, f.TakerSide.String(),
		f.Amount.String(), f.UnitPrice.String(),
		f.TakerFV.String(), f.MakerFV.String(),
		f.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetFillsByMarket(ctx context.Context, currency string, maturity int64) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, currency, maturity, order_id, taker, maker, taker_side,
		        amount::TEXT, unit_price::TEXT, taker_fv::TEXT, maker_fv::TEXT, executed_at
		 FROM fills WHERE currency = $1 AND maturity = $2 ORDER BY executed_at`,
		currency, maturity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

func (s *PostgresStore) GetFillsByUser(ctx context.Context, user string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, currency, maturity, order_id, taker, maker, taker_side,
		        amount::TEXT, unit_price::TEXT, taker_fv::TEXT, maker_fv::TEXT, executed_at
		 FROM fills WHERE taker = $1 OR maker = $1 ORDER BY executed_at`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFills(rows)
}

func (s *PostgresStore) InsertAutoRollLog(ctx context.Context, l *model.AutoRollLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO auto_roll_logs (currency, maturity, prev_maturity, next_maturity, unit_price, lending_cf, borrowing_cf)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)`,
		l.Currency, l.Maturity, l.PrevMaturity, l.NextMaturity,
		l.UnitPrice.String(), l.LendingCF.String(), l.BorrowingCF.String(),
	)
	return err
}

func (s *PostgresStore) GetAutoRollLog(ctx context.Context, currency string, maturity int64) (*model.AutoRollLog, error) {
	var l model.AutoRollLog
	var unitPrice, lendingCF, borrowingCF string

	err := s.pool.QueryRow(ctx,
		`SELECT currency, maturity, prev_maturity, next_maturity,
		        unit_price::TEXT, lending_cf::TEXT, borrowing_cf::TEXT
		 FROM auto_roll_logs WHERE currency = $1 AND maturity = $2`,
		currency, maturity).
		Scan(&l.Currency, &l.Maturity, &l.PrevMaturity, &l.NextMaturity,
			&unitPrice, &lendingCF, &borrowingCF)
	if err != nil {
		return nil, fmt.Errorf("get auto-roll log %s/%d: %w", currency, maturity, err)
	}

	l.UnitPrice, _ = decimal.NewFromString(unitPrice)
	l.LendingCF, _ = decimal.NewFromString(lendingCF)
	l.BorrowingCF, _ = decimal.NewFromString(borrowingCF)

	return &l, nil
}

func (s *PostgresStore) ListAutoRollLogs(ctx context.Context, currency string) ([]model.AutoRollLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT currency, maturity, prev_maturity, next_maturity,
		        unit_price::TEXT, lending_cf::TEXT, borrowing_cf::TEXT
		 FROM auto_roll_logs WHERE currency = $1 ORDER BY maturity`, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.AutoRollLog
	for rows.Next() {
		var l model.AutoRollLog
		var unitPrice, lendingCF, borrowingCF string
		if err := rows.Scan(&l.Currency, &l.Maturity, &l.PrevMaturity, &l.NextMaturity,
			&unitPrice, &lendingCF, &borrowingCF); err != nil {
			return nil, err
		}
		l.UnitPrice, _ = decimal.NewFromString(unitPrice)
		l.LendingCF, _ = decimal.NewFromString(lendingCF)
		l.BorrowingCF, _ = decimal.NewFromString(borrowingCF)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// scanFills reads pgx rows into Fill slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanFills(rows pgxRows) ([]model.Fill, error) {
	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var sideS, amountS, priceS, takerFVS, makerFVS string

		if err := rows.Scan(&f.ID, &f.Currency, &f.Maturity, &f.OrderID, &f.Taker, &f.Maker, &sideS,
			&amountS, &priceS, &takerFVS, &makerFVS, &f.Timestamp); err != nil {
			return nil, err
		}

		if side, ok := model.ParseSide(sideS); ok {
			f.TakerSide = side
		}
		f.Amount, _ = decimal.NewFromString(amountS)
		f.UnitPrice, _ = decimal.NewFromString(priceS)
		f.TakerFV, _ = decimal.NewFromString(takerFVS)
		f.MakerFV, _ = decimal.NewFromString(makerFVS)

		fills = append(fills, f)
	}
	return fills, rows.Err()
}
