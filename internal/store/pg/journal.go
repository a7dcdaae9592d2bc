package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vestra.org/internal/ids"
)

// Store is an append-only journal of settled sale-core operations. It is an
// observability artifact, not the system of record: the in-memory core stays
// authoritative and journal failures never abort an operation.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (used with sqlmock in tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureSchema creates the journal tables when missing. Amounts are stored as
// numeric(78,0): 2^256-scale integers do not fit any native column type.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		create table if not exists purchases (
			id         text primary key,
			buyer      text not null,
			tokens     numeric(78,0) not null,
			cost       numeric(78,0) not null,
			method     text not null,
			plan_id    bigint not null,
			created_at timestamptz not null default now()
		);
		create table if not exists claims (
			id         text primary key,
			claimer    text not null,
			plan_id    bigint not null,
			amount     numeric(78,0) not null,
			pool       text not null,
			created_at timestamptz not null default now()
		);
		create table if not exists distributions (
			id         text primary key,
			pool       text not null,
			recipient  text not null,
			amount     numeric(78,0) not null,
			created_at timestamptz not null default now()
		);
		create index if not exists purchases_buyer_idx on purchases(buyer);
	`)
	return err
}

func (s *Store) RecordPurchase(ctx context.Context, buyer string, tokens, cost *big.Int, method string, planID uint64) error {
	_, err := s.db.ExecContext(ctx, `
		insert into purchases(id, buyer, tokens, cost, method, plan_id)
		values ($1,$2,$3,$4,$5,$6)
	`, ids.New(), buyer, tokens.String(), cost.String(), method, planID)
	return err
}

func (s *Store) RecordClaim(ctx context.Context, claimer string, planID uint64, amount *big.Int, pool string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into claims(id, claimer, plan_id, amount, pool)
		values ($1,$2,$3,$4,$5)
	`, ids.New(), claimer, planID, amount.String(), pool)
	return err
}

func (s *Store) RecordDistribution(ctx context.Context, pool, recipient string, amount *big.Int) error {
	_, err := s.db.ExecContext(ctx, `
		insert into distributions(id, pool, recipient, amount)
		values ($1,$2,$3,$4)
	`, ids.New(), pool, recipient, amount.String())
	return err
}

// PurchaserTotal sums one buyer's journaled token purchases.
func (s *Store) PurchaserTotal(ctx context.Context, buyer string) (*big.Int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(tokens), 0)::text from purchases where buyer=$1
	`, buyer).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	total, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("malformed total %q", raw)
	}
	return total, nil
}
