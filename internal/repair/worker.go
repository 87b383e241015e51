// Package repair regenerates prescription documents that were not attached
// when the prescription was issued. It reacts to PrescriptionIssued events
// and periodically sweeps for undocumented prescriptions.
package repair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxguard/internal/domain/prescription"
	"github.com/drfirst/go-rxguard/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxguard/pkg/idempotency"
	"github.com/drfirst/go-rxguard/pkg/workerpool"
)

// HandlerName keys inbox entries written by the worker
const HandlerName = "document-repair"

// Repairer regenerates a missing document. It reports false when the
// prescription already had one.
type Repairer interface {
	RepairDocument(ctx context.Context, id string) (bool, error)
}

// Lister finds prescriptions without a document
type Lister interface {
	ListUndocumented(ctx context.Context, cutoff time.Time, limit int) ([]*prescription.Prescription, error)
}

// Inbox deduplicates event processing
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Config holds worker configuration
type Config struct {
	Pool workerpool.Config
	// SweepInterval is how often the store is scanned; zero disables sweeping
	SweepInterval time.Duration
	// Grace skips prescriptions younger than this, leaving them to the request path
	Grace time.Duration
	// SweepLimit bounds one sweep
	SweepLimit int
}

// DefaultConfig returns defaults
func DefaultConfig() Config {
	pool := workerpool.DefaultConfig()
	pool.CoalesceByID = true
	return Config{
		Pool:          pool,
		SweepInterval: time.Minute,
		Grace:         2 * time.Minute,
		SweepLimit:    100,
	}
}

// task is the payload of a queued repair
type task struct {
	// EventID is empty for sweep-originated repairs
	EventID string
	Raw     json.RawMessage
}

// Worker queues and runs document repairs
type Worker struct {
	cfg      Config
	repairer Repairer
	lister   Lister
	inbox    Inbox
	pool     *workerpool.Pool
	now      func() time.Time
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker. inbox may be nil, in which case duplicate events are
// absorbed by the repairer itself.
func New(cfg Config, repairer Repairer, lister Lister, inbox Inbox, logger *zap.Logger) (*Worker, error) {
	if repairer == nil || lister == nil {
		return nil, errors.New("repairer and lister are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = DefaultConfig().SweepLimit
	}

	w := &Worker{
		cfg:      cfg,
		repairer: repairer,
		lister:   lister,
		inbox:    inbox,
		now:      time.Now,
		logger:   logger,
	}
	pool, err := workerpool.New(cfg.Pool, w.run, logger)
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// Start launches the pool and the sweep loop
func (w *Worker) Start() {
	w.pool.Start()
	if w.cfg.SweepInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.Sweep(ctx); err != nil {
					w.logger.Error("repair sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends sweeping and drains queued repairs
func (w *Worker) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	return w.pool.Stop()
}

// HandleMessage queues a repair for every PrescriptionIssued event whose
// document is missing. Events younger than the grace period are left to the
// request path, and to the sweep if it never attaches a document. Other events
// are acknowledged and ignored.
func (w *Worker) HandleMessage(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var event prescription.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// a malformed record would otherwise block the partition
		w.logger.Error("dropping malformed prescription event",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	if event.Type != prescription.EventPrescriptionIssued || event.DocumentRef != "" {
		return nil
	}
	if age := w.now().Sub(event.OccurredAt); age < w.cfg.Grace {
		w.logger.Debug("leaving fresh prescription to the request path",
			zap.String("prescription_id", event.PrescriptionID),
			zap.Duration("age", age))
		return nil
	}

	return w.pool.Submit(ctx, &workerpool.Task{
		ID:      event.PrescriptionID,
		Payload: task{EventID: event.ID, Raw: msg.Value},
	})
}

// Sweep queues repairs for undocumented prescriptions older than the grace
// period and returns how many were queued
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	cutoff := w.now().Add(-w.cfg.Grace)
	pending, err := w.lister.ListUndocumented(ctx, cutoff, w.cfg.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("list undocumented: %w", err)
	}

	queued := 0
	for _, p := range pending {
		if err := w.pool.TrySubmit(&workerpool.Task{ID: p.ID, Payload: task{}}); err != nil {
			if errors.Is(err, workerpool.ErrQueueFull) {
				w.logger.Warn("repair queue full, deferring to next sweep", zap.Int("remaining", len(pending)-queued))
				break
			}
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		w.logger.Info("queued document repairs", zap.Int("count", queued))
	}
	return queued, nil
}

// Stats returns pool counters
func (w *Worker) Stats() workerpool.Stats {
	return w.pool.Stats()
}

func (w *Worker) run(ctx context.Context, t *workerpool.Task) error {
	payload, _ := t.Payload.(task)
	if payload.EventID == "" || w.inbox == nil {
		return w.repair(ctx, t.ID)
	}

	key := idempotency.GenerateKey(HandlerName, payload.EventID)
	_, err := w.inbox.Process(ctx, key, HandlerName, payload.Raw, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := w.repair(ctx, t.ID); err != nil {
			if errors.Is(err, prescription.ErrNotFound) {
				return nil, idempotency.Permanent(err)
			}
			return nil, err
		}
		return json.RawMessage(`{}`), nil
	})
	switch {
	case errors.Is(err, idempotency.ErrMessageInProgress):
		return nil
	case errors.Is(err, prescription.ErrNotFound), errors.Is(err, idempotency.ErrPreviouslyFailed):
		// permanent; retrying will not help
		return nil
	}
	return err
}

func (w *Worker) repair(ctx context.Context, id string) error {
	repaired, err := w.repairer.RepairDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("repair %s: %w", id, err)
	}
	if repaired {
		w.logger.Info("prescription document regenerated", zap.String("prescription_id", id))
	}
	return nil
}
