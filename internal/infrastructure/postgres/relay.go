package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockKey serialises relays across processes for the duration of one batch
const relayLockKey = int64(0x72786775617264)

// Publisher delivers one record to the broker
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// RelayConfig tunes the outbox relay
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// Retention is how long relayed entries are kept before purging
	Retention  time.Duration
	PurgeEvery time.Duration
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
}

// DefaultRelayConfig returns the relay defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
		MaxRetries:   5,
		Retention:    7 * 24 * time.Hour,
		PurgeEvery:   time.Hour,

		DeadLetterTopic: "dead.letter",
	}
}

// Relay publishes committed outbox entries in id order. Entries sharing a
// topic and key stay ordered: after a failure, later entries for the same key
// wait for the next batch.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	cfg       RelayConfig
	logger    *zap.Logger
	tracer    trace.Tracer

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewRelay creates a relay; call Start to begin polling
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PurgeEvery <= 0 {
		cfg.PurgeEvery = def.PurgeEvery
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	return &Relay{
		pool:      pool,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		stop:      make(chan struct{}),
	}
}

// Start runs the poll loop in the background
func (r *Relay) Start() {
	r.wg.Add(1)
	go r.loop()
}

// Stop ends the poll loop after the batch in flight
func (r *Relay) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Relay) loop() {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stop
		cancel()
	}()

	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	purge := time.NewTicker(r.cfg.PurgeEvery)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-purge.C:
			if n, err := r.Purge(ctx); err != nil {
				r.logger.Warn("outbox purge failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Info("purged relayed outbox entries", zap.Int64("count", n))
			}
		case <-poll.C:
			// drain while batches come back full
			for {
				n, err := r.RelayOnce(ctx)
				if err != nil {
					if ctx.Err() == nil {
						r.logger.Error("outbox relay batch failed", zap.Error(err))
					}
					break
				}
				if n < r.cfg.BatchSize {
					break
				}
			}
		}
	}
}

// RelayOnce publishes one batch and returns how many entries it attempted.
// It returns zero without error when another relay holds the batch lock.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockKey).Scan(&locked); err != nil {
		return 0, fmt.Errorf("relay lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, topic, message_key, created_at, retry_count
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id
		LIMIT $1
	`, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("select pending: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return 0, fmt.Errorf("scan pending: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	ctx, span := r.tracer.Start(ctx, "outbox.relay_batch",
		trace.WithAttributes(attribute.Int("batch_size", len(entries))))
	defer span.End()

	out := deliver(ctx, r.publisher, entries)

	if len(out.sent) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE outbox SET processed_at = NOW(), last_error = NULL WHERE id = ANY($1)`, out.sent); err != nil {
			return 0, fmt.Errorf("mark relayed: %w", err)
		}
	}
	for _, f := range out.failed {
		if err := r.recordFailure(ctx, tx, f); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit relay batch: %w", err)
	}

	span.SetAttributes(
		attribute.Int("sent", len(out.sent)),
		attribute.Int("failed", len(out.failed)),
		attribute.Int("held", out.held))
	if len(out.failed) > 0 {
		r.logger.Warn("outbox batch had failures",
			zap.Int("sent", len(out.sent)),
			zap.Int("failed", len(out.failed)),
			zap.Int("held", out.held))
	}
	return len(entries), nil
}

func (r *Relay) recordFailure(ctx context.Context, tx pgx.Tx, f failedEntry) error {
	attempts := f.entry.RetryCount + 1
	if attempts < r.cfg.MaxRetries {
		_, err := tx.Exec(ctx,
			`UPDATE outbox SET retry_count = $2, last_error = $3 WHERE id = $1`,
			f.entry.ID, attempts, f.err.Error())
		if err != nil {
			return fmt.Errorf("record retry for %d: %w", f.entry.ID, err)
		}
		return nil
	}

	letter, err := json.Marshal(deadLetter{
		EntryID:     f.entry.ID,
		Topic:       f.entry.Topic,
		EventType:   f.entry.EventType,
		AggregateID: f.entry.AggregateID,
		Attempts:    attempts,
		Error:       f.err.Error(),
		Payload:     f.entry.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	if pubErr := r.publisher.Publish(ctx, r.cfg.DeadLetterTopic, f.entry.Key, letter); pubErr != nil {
		// stays pending; the next batch tries the dead letter again
		r.logger.Error("dead letter publish failed",
			zap.Int64("entry_id", f.entry.ID), zap.Error(pubErr))
		_, err := tx.Exec(ctx,
			`UPDATE outbox SET retry_count = $2, last_error = $3 WHERE id = $1`,
			f.entry.ID, attempts, f.err.Error())
		if err != nil {
			return fmt.Errorf("record retry for %d: %w", f.entry.ID, err)
		}
		return nil
	}

	r.logger.Error("outbox entry dead-lettered",
		zap.Int64("entry_id", f.entry.ID),
		zap.String("event_type", f.entry.EventType),
		zap.String("aggregate_id", f.entry.AggregateID),
		zap.Int("attempts", attempts),
		zap.Error(f.err))

	_, err = tx.Exec(ctx, `
		UPDATE outbox
		SET retry_count = $2, last_error = $3, processed_at = NOW(), dead_lettered_at = NOW()
		WHERE id = $1
	`, f.entry.ID, attempts, f.err.Error())
	if err != nil {
		return fmt.Errorf("mark dead-lettered %d: %w", f.entry.ID, err)
	}
	return nil
}

// Purge deletes relayed entries older than the retention period
func (r *Relay) Purge(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`,
		time.Now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RelayStats describes the outbox backlog
type RelayStats struct {
	Pending      int64
	Retrying     int64
	DeadLettered int64
	// OldestPending is the age of the oldest unrelayed entry, zero when none
	OldestPending time.Duration
}

// Stats reads the backlog counters
func (r *Relay) Stats(ctx context.Context) (RelayStats, error) {
	var (
		stats  RelayStats
		oldest *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count > 0),
			COUNT(*) FILTER (WHERE dead_lettered_at IS NOT NULL),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`).Scan(&stats.Pending, &stats.Retrying, &stats.DeadLettered, &oldest)
	if err != nil {
		return RelayStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest != nil {
		stats.OldestPending = time.Since(*oldest)
	}
	return stats, nil
}

type deadLetter struct {
	EntryID     int64           `json:"entry_id"`
	Topic       string          `json:"topic"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error"`
	Payload     json.RawMessage `json:"payload"`
}

type failedEntry struct {
	entry OutboxEntry
	err   error
}

type batchOutcome struct {
	sent   []int64
	failed []failedEntry
	// held counts entries skipped behind an earlier failure for the same key
	held int
}

type streamKey struct{ topic, key string }

// deliver publishes entries in order. Once an entry fails, later entries on
// the same topic and key are held back so consumers never see them reordered.
func deliver(ctx context.Context, pub Publisher, entries []OutboxEntry) batchOutcome {
	var out batchOutcome
	blocked := make(map[streamKey]bool)

	for _, e := range entries {
		k := streamKey{e.Topic, e.Key}
		if blocked[k] {
			out.held++
			continue
		}
		if err := ctx.Err(); err != nil {
			out.held++
			continue
		}
		if err := pub.Publish(ctx, e.Topic, e.Key, e.Payload); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				out.held++
				continue
			}
			blocked[k] = true
			out.failed = append(out.failed, failedEntry{entry: e, err: err})
			continue
		}
		out.sent = append(out.sent, e.ID)
	}
	return out
}
