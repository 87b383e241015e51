package audit

import (
	"context"

	"go.uber.org/zap"
)

// StreamLog writes audit events as structured entries on a zap logger. The
// logger is expected to tee into an audit stream and an error-only stream
// (see logging.NewAuditLogger).
type StreamLog struct {
	logger *zap.Logger
}

// NewStreamLog creates a stream-backed audit log
func NewStreamLog(logger *zap.Logger) *StreamLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamLog{logger: logger.Named("audit")}
}

// Record implements Log
func (s *StreamLog) Record(ctx context.Context, event Event) error {
	stamp(ctx, &event)
	if err := event.Validate(); err != nil {
		return err
	}
	s.logger.Info(event.Action,
		zap.String("event_id", event.ID),
		zap.String("action", event.Action),
		zap.String("acting_identity", event.ActorID),
		zap.String("resource_type", event.ResourceType),
		zap.String("resource_id", event.ResourceID),
		zap.Any("detail", event.Detail),
		zap.String("request_id", event.RequestID),
		zap.Time("timestamp", event.Timestamp),
	)
	return nil
}

// Failure implements FailureRecorder
func (s *StreamLog) Failure(_ context.Context, err error, fields map[string]any) {
	s.logger.Error("operation failed",
		zap.Error(err),
		zap.Any("context", fields),
	)
}

// Sync flushes buffered entries
func (s *StreamLog) Sync() error {
	return s.logger.Sync()
}
