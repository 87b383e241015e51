// Package postgres provides PostgreSQL infrastructure: the transactional outbox
// relaying domain and audit events, connection setup and schema migrations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// OutboxEntry is an event waiting to be relayed to the broker
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
}

// NewEntry marshals payload into an outbox entry keyed by the aggregate id
func NewEntry(aggregateType, aggregateID, eventType, topic string, payload any) (*OutboxEntry, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &OutboxEntry{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       data,
		Topic:         topic,
		Key:           aggregateID,
	}, nil
}

// WriteEntry inserts an entry inside the caller's transaction. The event
// commits or rolls back together with the state change it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, message_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, entry.AggregateID, entry.AggregateType, entry.EventType, entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry %s: %w", entry.EventType, err)
	}
	return nil
}

func scanEntry(row pgx.CollectableRow) (OutboxEntry, error) {
	var e OutboxEntry
	err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
		&e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount)
	return e, err
}
