package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the transaction ledger in the cost_transactions
// table (see migrations/). Appends rely on single-statement INSERT atomicity.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, tx Transaction) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cost_transactions (id, ts, provider, model, cost, input_tokens, output_tokens, operation)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, tx.ID, tx.Timestamp, tx.Provider, tx.Model, tx.Cost, tx.InputTokens, tx.OutputTokens, string(tx.Operation))
	if err != nil {
		return fmt.Errorf("insert cost_transactions: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]Transaction, error) {
	return s.ListSince(ctx, time.Time{})
}

func (s *PostgresStore) ListSince(ctx context.Context, since time.Time) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ts, provider, model, cost, input_tokens, output_tokens, operation
		FROM cost_transactions
		WHERE ts >= $1
		ORDER BY ts ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query cost_transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var op string
		if err := rows.Scan(&tx.ID, &tx.Timestamp, &tx.Provider, &tx.Model, &tx.Cost, &tx.InputTokens, &tx.OutputTokens, &op); err != nil {
			return nil, fmt.Errorf("scan cost_transactions: %w", err)
		}
		tx.Operation = Operation(op)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM cost_transactions WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete cost_transactions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
