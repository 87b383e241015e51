// Package idempotency provides an inbox that lets broker consumers run a
// handler at most once to completion per message, even under redelivery and
// consumer group rebalances.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrMessageInProgress means another consumer holds a live claim on the key
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed means an earlier attempt failed permanently
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long entries are kept after they are first claimed
	TTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// ClaimTimeout is how long a STARTED claim is honoured before another
	// consumer may take it over
	ClaimTimeout time.Duration
}

// DefaultInboxConfig returns defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		ClaimTimeout:    5 * time.Minute,
	}
}

// Inbox records message keys in the inbox table
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultInboxConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// PermanentError marks a handler failure that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the inbox records the key as failed for good
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ProcessResult is the outcome of idempotent processing
type ProcessResult struct {
	// Duplicate is set when the key had already finished; fn was not called
	Duplicate bool
	// Recovered is set when an abandoned or failed-recoverable claim was taken over
	Recovered bool
	Result    json.RawMessage
}

// ProcessFunc is the handler run under a claim
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process claims key and runs fn. A finished key returns its stored result
// without calling fn.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	recovered, claimed, err := i.claim(ctx, key, handlerName, payload)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("claim %s: %w", key, err)
	}
	if !claimed {
		status, result, err := i.lookup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", key, err)
		}
		switch status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: result}, nil
		case StatusFailed:
			return nil, ErrPreviouslyFailed
		default:
			return nil, ErrMessageInProgress
		}
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	result, handlerErr := fn(ctx, payload)
	if handlerErr != nil {
		status := StatusRecoverable
		if isTerminalError(handlerErr) {
			status = StatusFailed
		}
		detail, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.mark(ctx, key, status, detail); err != nil {
			i.logger.Error("failed to record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// fn succeeded; losing this update only risks one redundant rerun
	if err := i.mark(ctx, key, StatusFinished, result); err != nil {
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return &ProcessResult{Recovered: recovered, Result: result}, nil
}

// GenerateKey derives a deterministic key from a handler name and the parts
// identifying a message, such as an event id
func GenerateKey(handlerName string, parts ...string) string {
	sum := sha256.Sum256([]byte(handlerName + "|" + strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// claim inserts a STARTED entry, or takes over a recoverable or expired one.
// claimed is false when another state holds the key.
func (i *Inbox) claim(ctx context.Context, key, handlerName string, payload json.RawMessage) (recovered, claimed bool, err error) {
	err = i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, 'STARTED', $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		   OR (inbox.status = 'STARTED' AND inbox.updated_at < NOW() - make_interval(secs => $5))
		RETURNING xmax <> 0
	`, key, handlerName, payload, time.Now().Add(i.config.TTL), i.config.ClaimTimeout.Seconds()).Scan(&recovered)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return recovered, true, nil
}

func (i *Inbox) lookup(ctx context.Context, key string) (Status, json.RawMessage, error) {
	var (
		status Status
		result json.RawMessage
	)
	err := i.pool.QueryRow(ctx, `SELECT status, result FROM inbox WHERE idempotency_key = $1`, key).Scan(&status, &result)
	return status, result, err
}

func (i *Inbox) mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = COALESCE($2, result), updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// StartCleanup starts the background expiry loop
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the expiry loop. It must only be called after StartCleanup.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			tag, err := i.pool.Exec(i.ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n := tag.RowsAffected(); n > 0 {
				i.logger.Info("expired inbox entries removed", zap.Int64("deleted", n))
			}
		}
	}
}

// RecoverStaleEntries releases claims older than the claim timeout, typically
// left behind by a crashed process. Process also takes such claims over on
// demand.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - make_interval(secs => $1)
	`, i.config.ClaimTimeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale inbox entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func isTerminalError(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// Stats counts entries per status
type Stats struct {
	Started     int64
	Finished    int64
	Recoverable int64
	Failed      int64
}

// Stats returns per-status counts for one handler
func (i *Inbox) Stats(ctx context.Context, handlerName string) (*Stats, error) {
	s := &Stats{}
	err := i.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox
		WHERE handler_name = $1
	`, handlerName).Scan(&s.Started, &s.Finished, &s.Recoverable, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return s, nil
}
