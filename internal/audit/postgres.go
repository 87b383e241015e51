package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
)

// PostgresLog appends events to the audit_events table. The table rejects
// updates and deletes, and each event is also queued on the outbox for the
// audit trail topic in the same transaction.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a durable audit log
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLog{pool: pool, logger: logger}
}

// Record implements Log
func (p *PostgresLog) Record(ctx context.Context, event Event) error {
	stamp(ctx, &event)
	if err := event.Validate(); err != nil {
		return err
	}

	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (id, action, actor_id, resource_type, resource_id, detail, request_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, event.ID, event.Action, event.ActorID, event.ResourceType, event.ResourceID, detail, event.RequestID, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	entry, err := postgres.NewEntry("AuditEvent", event.ID, event.Action, redpanda.TopicAuditTrail, event)
	if err != nil {
		return err
	}
	entry.Key = event.ResourceID
	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
