package gigs

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists gigs and seller stats in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed gig store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, g *Gig) error {
	tiersJSON, err := json.Marshal(g.Tiers)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO gigs (
			id, seller_addr, title, description, tiers,
			active, orders_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.SellerAddr, g.Title, g.Description, tiersJSON,
		g.Active, g.OrdersCount, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrGigExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Gig, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_addr, title, description, tiers,
		       active, orders_count, created_at, updated_at
		FROM gigs WHERE id = $1`, id)

	var g Gig
	var tiersJSON []byte
	err := row.Scan(&g.ID, &g.SellerAddr, &g.Title, &g.Description, &tiersJSON,
		&g.Active, &g.OrdersCount, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrGigNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tiersJSON, &g.Tiers); err != nil {
		return nil, err
	}
	return &g, nil
}

func (p *PostgresStore) IncrementOrders(ctx context.Context, gigID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE gigs SET orders_count = orders_count + 1, updated_at = NOW()
		WHERE id = $1`, gigID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGigNotFound
	}
	return nil
}

func (p *PostgresStore) RecordCompletion(ctx context.Context, sellerAddr string, amount string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO seller_stats (address, completed_orders, lifetime_earnings)
		VALUES ($1, 1, $2::NUMERIC(20,6))
		ON CONFLICT (address) DO UPDATE SET
			completed_orders = seller_stats.completed_orders + 1,
			lifetime_earnings = seller_stats.lifetime_earnings + EXCLUDED.lifetime_earnings`,
		strings.ToLower(sellerAddr), amount)
	return err
}

func (p *PostgresStore) Stats(ctx context.Context, sellerAddr string) (*SellerStats, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, completed_orders, lifetime_earnings::TEXT
		FROM seller_stats WHERE address = $1`, strings.ToLower(sellerAddr))

	var s SellerStats
	err := row.Scan(&s.Address, &s.CompletedOrders, &s.LifetimeEarnings)
	if err == sql.ErrNoRows {
		return &SellerStats{Address: strings.ToLower(sellerAddr), LifetimeEarnings: "0.000000"}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
