package wallet

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (
			address, kind, owner, encrypted_key, deployed,
			co_signers, threshold, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.Address, string(a.Kind), a.Owner, a.EncryptedKey, a.Deployed,
		pq.Array(a.CoSigners), a.Threshold, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAccountExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT address, kind, owner, encrypted_key, deployed,
		       co_signers, threshold, created_at, updated_at
		FROM accounts WHERE address = $1`, address)

	var a Account
	var kind string
	var coSigners pq.StringArray
	err := row.Scan(&a.Address, &kind, &a.Owner, &a.EncryptedKey, &a.Deployed,
		&coSigners, &a.Threshold, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Kind = Kind(kind)
	a.CoSigners = []string(coSigners)
	return &a, nil
}

func (p *PostgresStore) Update(ctx context.Context, a *Account) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET
			deployed = $1, co_signers = $2, threshold = $3, updated_at = $4
		WHERE address = $5`,
		a.Deployed, pq.Array(a.CoSigners), a.Threshold, a.UpdatedAt, a.Address,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}
