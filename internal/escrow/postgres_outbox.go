package escrow

import (
	"context"
	"database/sql"
	"time"
)

// PostgresOutbox persists settlement tasks in PostgreSQL.
type PostgresOutbox struct {
	db *sql.DB
}

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func (p *PostgresOutbox) Enqueue(ctx context.Context, task *Task) error {
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	nextRunAt := task.NextRunAt
	if nextRunAt.IsZero() {
		nextRunAt = time.Now()
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO settlement_outbox (
			id, order_id, outcome, buyer_addr, seller_addr, amount,
			lock_ref, attempts, last_error, next_run_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			next_run_at = EXCLUDED.next_run_at`,
		task.ID, task.OrderID, string(task.Outcome), task.Buyer, task.Seller, task.Amount,
		task.LockRef, task.Attempts, task.LastError, nextRunAt, createdAt,
	)
	return err
}

func (p *PostgresOutbox) Due(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, outcome, buyer_addr, seller_addr, amount::TEXT,
		       lock_ref, attempts, last_error, next_run_at, created_at
		FROM settlement_outbox
		WHERE next_run_at <= $1
		ORDER BY next_run_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []*Task
	for rows.Next() {
		var t Task
		var outcome string
		err := rows.Scan(
			&t.ID, &t.OrderID, &outcome, &t.Buyer, &t.Seller, &t.Amount,
			&t.LockRef, &t.Attempts, &t.LastError, &t.NextRunAt, &t.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		t.Outcome = Outcome(outcome)
		due = append(due, &t)
	}
	return due, rows.Err()
}

func (p *PostgresOutbox) Reschedule(ctx context.Context, task *Task) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE settlement_outbox
		SET attempts = $1, last_error = $2, next_run_at = $3
		WHERE id = $4`,
		task.Attempts, task.LastError, task.NextRunAt, task.ID,
	)
	return err
}

func (p *PostgresOutbox) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM settlement_outbox WHERE id = $1`, id)
	return err
}
