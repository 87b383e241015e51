// Package circuitbreaker guards calls to external collaborators such as the
// interaction data source and the mail relay. It wraps sony/gobreaker with
// tracing and OpenTelemetry counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State is a breaker state
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Value maps the state onto a gauge: 0 closed, 1 half-open, 2 open
func (s State) Value() int {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// ErrOpen is returned, without calling the guarded function, while the circuit
// is open or its half-open probe quota is used up
var ErrOpen = errors.New("circuit open")

// Config tunes one breaker
type Config struct {
	Name string
	// MaxRequests is the probe quota while half-open
	MaxRequests uint32
	// Interval clears closed-state counts; zero never clears
	Interval time.Duration
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
	// FailureThreshold consecutive failures trip the circuit
	FailureThreshold uint32
	// FailureRatio trips the circuit once MinRequests calls were counted
	FailureRatio float64
	MinRequests  uint32
	// IsSuccessful reports errors that should not count as failures. Nil
	// counts every error.
	IsSuccessful func(err error) bool
	// OnStateChange is called after each transition
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for request-path collaborators
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// tripPolicy opens on a run of consecutive failures, or on the failure ratio
// once enough calls have been counted
func tripPolicy(cfg Config) func(gobreaker.Counts) bool {
	return func(c gobreaker.Counts) bool {
		if cfg.FailureThreshold > 0 && c.ConsecutiveFailures >= cfg.FailureThreshold {
			return true
		}
		if cfg.MinRequests == 0 || c.Requests < cfg.MinRequests || cfg.FailureRatio <= 0 {
			return false
		}
		return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
	}
}

type instruments struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter
}

func newInstruments() (instruments, error) {
	meter := otel.Meter("circuit-breaker")
	var (
		in  instruments
		err error
	)
	if in.calls, err = meter.Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls admitted by a breaker")); err != nil {
		return in, fmt.Errorf("calls counter: %w", err)
	}
	if in.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Admitted calls that failed")); err != nil {
		return in, fmt.Errorf("failures counter: %w", err)
	}
	if in.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls refused while open")); err != nil {
		return in, fmt.Errorf("rejected counter: %w", err)
	}
	return in, nil
}

// CircuitBreaker guards one collaborator
type CircuitBreaker struct {
	name   string
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	tracer trace.Tracer
	inst   instruments
	attrs  metric.MeasurementOption
}

// New creates a breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	inst, err := newInstruments()
	if err != nil {
		return nil, err
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		tracer: otel.Tracer("circuit-breaker"),
		inst:   inst,
		attrs:  metric.WithAttributes(attribute.String("breaker", cfg.Name)),
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: tripPolicy(cfg),
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.logger.Warn("circuit state changed",
				zap.String("from", string(fromGobreaker(from))),
				zap.String("to", string(fromGobreaker(to))))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(cfg.Name, fromGobreaker(to))
			}
		},
	}
	if cfg.IsSuccessful != nil {
		settings.IsSuccessful = cfg.IsSuccessful
	}
	c.cb = gobreaker.NewCircuitBreaker(settings)
	return c, nil
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string { return c.name }

// State returns the current state
func (c *CircuitBreaker) State() State { return fromGobreaker(c.cb.State()) }

// Counts returns the counts of the current generation
func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }

// Do runs fn through the breaker. While open, fn is not called and the
// returned error wraps ErrOpen.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn through the breaker and returns its result
func Call[T any](ctx context.Context, c *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker.call",
		trace.WithAttributes(attribute.String("breaker", c.name)))
	defer span.End()

	var out T
	_, err := c.cb.Execute(func() (interface{}, error) {
		c.inst.calls.Add(ctx, 1, c.attrs)
		var err error
		out, err = fn(ctx)
		return nil, err
	})
	if err == nil {
		return out, nil
	}

	var zero T
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.inst.rejected.Add(ctx, 1, c.attrs)
		span.SetAttributes(attribute.Bool("breaker.rejected", true))
		err = fmt.Errorf("%s: %w", c.name, ErrOpen)
	} else {
		c.inst.failures.Add(ctx, 1, c.attrs)
	}
	span.RecordError(err)
	return zero, err
}
