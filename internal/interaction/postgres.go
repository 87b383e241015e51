package interaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads the drug_interactions table. Rows are stored with the
// lower-cased names in ascending order.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a table-backed source
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Lookup implements Source
func (s *PostgresSource) Lookup(ctx context.Context, drugA, drugB string) (*Interaction, error) {
	key := pairKey(drugA, drugB)

	hit := &Interaction{DrugA: drugA, DrugB: drugB}
	err := s.pool.QueryRow(ctx, `
		SELECT severity, description
		FROM drug_interactions
		WHERE drug_a = $1 AND drug_b = $2
	`, key[0], key[1]).Scan(&hit.Severity, &hit.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query drug_interactions: %w", err)
	}
	return hit, nil
}

// Seed upserts entries into the table
func (s *PostgresSource) Seed(ctx context.Context, entries []Interaction) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		key := pairKey(e.DrugA, e.DrugB)
		batch.Queue(`
			INSERT INTO drug_interactions (drug_a, drug_b, severity, description)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (drug_a, drug_b) DO UPDATE
			SET severity = EXCLUDED.severity, description = EXCLUDED.description
		`, key[0], key[1], e.Severity, e.Description)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed drug_interactions: %w", err)
	}
	return nil
}
