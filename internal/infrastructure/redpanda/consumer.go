package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures a group consumer
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	SessionTimeout time.Duration
	// StartOffset is "earliest" or "latest" for a group with no committed offset
	StartOffset string
	// MaxAttempts is how often a record is handed to the handler before it is skipped
	MaxAttempts  int
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for background workers
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "rxguard-worker",
		Topics:         []string{TopicPrescriptionEvents},
		SessionTimeout: 30 * time.Second,
		StartOffset:    "earliest",
		MaxAttempts:    3,
		RetryBackoff:   time.Second,
	}
}

// MessageHandler handles one record
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by handlers
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func newConsumedMessage(r *kgo.Record) *ConsumedMessage {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}

// Consumer reads a consumer group. Records are handled in partition order and
// their offsets committed once handled; a record that keeps failing is skipped
// after MaxAttempts so it cannot stall its partition.
type Consumer struct {
	client  *kgo.Client
	handler MessageHandler
	cfg     ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	handled atomic.Int64
	retried atomic.Int64
	skipped atomic.Int64
}

// NewConsumer creates a consumer; call Start to begin polling
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}

	log := logger.With(zap.String("group", cfg.GroupID))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.ConsumeResetOffset(reset),
		kgo.AutoCommitMarks(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			log.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			log.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				log.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}

	return &Consumer{
		client:  client,
		handler: handler,
		cfg:     cfg,
		logger:  log,
		tracer:  otel.Tracer("redpanda-consumer"),
		stop:    make(chan struct{}),
	}, nil
}

// Start polls in the background until Stop
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		<-c.stop
		cancel()
	}()
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

// Stop waits for the batch in flight, commits what was handled and leaves the group
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("final commit failed", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.client.AllowRebalance()
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch failed",
				zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if ctx.Err() != nil {
					return
				}
				c.handle(ctx, record)
			}
		})

		if ctx.Err() == nil {
			if err := c.client.CommitMarkedOffsets(ctx); err != nil {
				c.logger.Error("offset commit failed", zap.Error(err))
			}
		}
		c.client.AllowRebalance()
	}
}

// handle runs the handler with retries. The record is consumed once handled or
// skipped; on shutdown it is left for the next owner of the partition.
func (c *Consumer) handle(ctx context.Context, record *kgo.Record) {
	ctx, span := c.tracer.Start(extractTrace(ctx, record), "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", record.Topic),
			attribute.Int64("messaging.partition", int64(record.Partition)),
			attribute.Int64("messaging.offset", record.Offset),
		))
	defer span.End()

	msg := newConsumedMessage(record)
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			c.handled.Add(1)
			c.client.MarkCommitRecords(record)
			return
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.retried.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}

	if ctx.Err() != nil {
		return
	}
	c.skipped.Add(1)
	span.RecordError(err)
	c.logger.Error("skipping record after repeated handler failures",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Int("attempts", c.cfg.MaxAttempts),
		zap.Error(err))
	c.client.MarkCommitRecords(record)
}

// ConsumerStats counts consumed records
type ConsumerStats struct {
	Handled int64
	Retried int64
	Skipped int64
}

// Stats returns consumer counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{Handled: c.handled.Load(), Retried: c.retried.Load(), Skipped: c.skipped.Load()}
}
