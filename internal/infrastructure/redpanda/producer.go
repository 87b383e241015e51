package redpanda

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig configures the outbox relay producer
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Linger batches records for up to this long
	Linger time.Duration
	// Compression is lz4, snappy, gzip, zstd or none
	Compression  string
	MaxRetries   int
	RetryBackoff time.Duration
	// RequestTimeout bounds a single produce including retries
	RequestTimeout time.Duration
}

// DefaultProducerConfig favours durability: all-ISR acks with the idempotent producer
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		ClientID:       "rxguard-relay",
		Linger:         5 * time.Millisecond,
		Compression:    "lz4",
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return kgo.NoCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	}
	return kgo.CompressionCodec{}, fmt.Errorf("unknown compression %q", name)
}

// Producer publishes prescription and audit events. Publish returns once the
// record is acknowledged by every in-sync replica.
type Producer struct {
	client  *kgo.Client
	logger  *zap.Logger
	tracer  trace.Tracer
	timeout time.Duration

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer creates a producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	backoff := cfg.RetryBackoff
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchCompression(codec),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return backoff * time.Duration(attempt+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create producer client: %w", err)
	}

	return &Producer{
		client:  client,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-producer"),
		timeout: cfg.RequestTimeout,
	}, nil
}

// Publish sends one record keyed for per-resource ordering
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.message_key", key),
		))
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	injectTrace(ctx, record)

	res := p.client.ProduceSync(ctx, record)
	if err := res.FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		return fmt.Errorf("produce %s/%s: %w", topic, key, err)
	}

	p.sent.Add(1)
	span.SetAttributes(
		attribute.Int64("messaging.partition", int64(record.Partition)),
		attribute.Int64("messaging.offset", record.Offset))
	return nil
}

// Close flushes buffered records and closes the client
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		p.logger.Warn("producer flush incomplete", zap.Error(err))
		return fmt.Errorf("flush producer: %w", err)
	}
	return nil
}

// ProducerStats counts produced records
type ProducerStats struct {
	Sent   int64
	Failed int64
}

// Stats returns producer counters
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}
