package order

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gigmesh/gigmesh/internal/gigs"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, gig_id, buyer_addr, seller_addr, tier, price, status,
		       brief, input, delivery_payload, content_hash,
		       revisions_used, revisions_max,
		       lock_ref, release_ref, refund_ref,
		       created_at, accepted_at, delivered_at, completed_at, cancelled_at,
		       deadline, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, gig_id, buyer_addr, seller_addr, tier, price, status,
			brief, input, delivery_payload, content_hash,
			revisions_used, revisions_max,
			lock_ref, release_ref, refund_ref,
			created_at, accepted_at, delivered_at, completed_at, cancelled_at,
			deadline, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7,
			$8, $9, $10, $11,
			$12, $13,
			$14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23
		)`,
		o.ID, o.GigID, o.BuyerAddr, o.SellerAddr, string(o.Tier), o.Price, string(o.Status),
		nullString(o.Brief), nullString(o.Input), nullString(o.DeliveryPayload), nullString(o.ContentHash),
		o.RevisionsUsed, o.RevisionsMax,
		nullString(o.LockRef), nullString(o.ReleaseRef), nullString(o.RefundRef),
		o.CreatedAt, nullTime(o.AcceptedAt), nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		nullTime(o.Deadline), o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)

	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, delivery_payload = $2, content_hash = $3,
			revisions_used = $4,
			lock_ref = $5, release_ref = $6, refund_ref = $7,
			accepted_at = $8, delivered_at = $9, completed_at = $10, cancelled_at = $11,
			updated_at = $12
		WHERE id = $13`,
		string(o.Status), nullString(o.DeliveryPayload), nullString(o.ContentHash),
		o.RevisionsUsed,
		nullString(o.LockRef), nullString(o.ReleaseRef), nullString(o.RefundRef),
		nullTime(o.AcceptedAt), nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAgent(ctx context.Context, agentAddr string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE buyer_addr = $1 OR seller_addr = $1
		ORDER BY created_at DESC
		LIMIT $2`, strings.ToLower(agentAddr), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*Order, error) {
	var o Order
	var tier, status string
	var brief, input, deliveryPayload, contentHash sql.NullString
	var lockRef, releaseRef, refundRef sql.NullString
	var acceptedAt, deliveredAt, completedAt, cancelledAt, deadline sql.NullTime

	err := row.Scan(
		&o.ID, &o.GigID, &o.BuyerAddr, &o.SellerAddr, &tier, &o.Price, &status,
		&brief, &input, &deliveryPayload, &contentHash,
		&o.RevisionsUsed, &o.RevisionsMax,
		&lockRef, &releaseRef, &refundRef,
		&o.CreatedAt, &acceptedAt, &deliveredAt, &completedAt, &cancelledAt,
		&deadline, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Tier = gigs.Tier(tier)
	o.Status = Status(status)
	o.Brief = brief.String
	o.Input = input.String
	o.DeliveryPayload = deliveryPayload.String
	o.ContentHash = contentHash.String
	o.LockRef = lockRef.String
	o.ReleaseRef = releaseRef.String
	o.RefundRef = refundRef.String
	o.AcceptedAt = timePtr(acceptedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.Deadline = timePtr(deadline)
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
