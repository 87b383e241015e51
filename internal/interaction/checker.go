// Package interaction implements the pairwise drug-interaction safety gate.
//
// Only pairs are checked. Three-way and dosage-dependent interactions are not
// detected.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxguard/pkg/circuitbreaker"
)

// ErrSourceUnavailable means the interaction source failed or timed out. The
// gate fails closed: callers must not treat this as "no interactions".
var ErrSourceUnavailable = errors.New("interaction source unavailable")

// Severity grades an interaction
type Severity string

const (
	SeverityMinor           Severity = "minor"
	SeverityModerate        Severity = "moderate"
	SeverityMajor           Severity = "major"
	SeverityContraindicated Severity = "contraindicated"
)

// Interaction is a known conflict between two drugs
type Interaction struct {
	DrugA       string   `json:"drug_a"`
	DrugB       string   `json:"drug_b"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Source looks up the interaction between two drugs. It returns nil when the
// pair is not known to interact. Lookups must be symmetric.
type Source interface {
	Lookup(ctx context.Context, drugA, drugB string) (*Interaction, error)
}

// Config holds checker configuration
type Config struct {
	// LookupTimeout bounds each pairwise lookup
	LookupTimeout time.Duration
	// Concurrency bounds lookups in flight per check
	Concurrency int
}

// DefaultConfig returns defaults
func DefaultConfig() Config {
	return Config{
		LookupTimeout: 2 * time.Second,
		Concurrency:   8,
	}
}

// Checker runs pairwise lookups against a Source
type Checker struct {
	source  Source
	breaker *circuitbreaker.CircuitBreaker
	cfg     Config
	logger  *zap.Logger
}

// NewChecker creates a checker. breaker may be nil.
func NewChecker(source Source, breaker *circuitbreaker.CircuitBreaker, cfg Config, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}
	return &Checker{source: source, breaker: breaker, cfg: cfg, logger: logger}
}

// Check queries every unordered pair of entries (by position) and returns the
// interactions found, ordered by pair position. Any lookup failure aborts the
// check with an error wrapping ErrSourceUnavailable.
func (c *Checker) Check(ctx context.Context, drugs []string) ([]Interaction, error) {
	type pair struct{ i, j int }
	var pairs []pair
	for i := 0; i < len(drugs); i++ {
		for j := i + 1; j < len(drugs); j++ {
			pairs = append(pairs, pair{i, j})
		}
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	found := make([]*Interaction, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for idx, p := range pairs {
		g.Go(func() error {
			hit, err := c.lookup(gctx, drugs[p.i], drugs[p.j])
			if err != nil {
				return err
			}
			found[idx] = hit
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn("interaction check failed", zap.Int("pairs", len(pairs)), zap.Error(err))
		return nil, err
	}

	var out []Interaction
	for _, hit := range found {
		if hit != nil {
			out = append(out, *hit)
		}
	}
	return out, nil
}

func (c *Checker) lookup(ctx context.Context, a, b string) (*Interaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.LookupTimeout)
	defer cancel()

	call := func(ctx context.Context) (*Interaction, error) { return c.source.Lookup(ctx, a, b) }

	var hit *Interaction
	var err error
	if c.breaker != nil {
		hit, err = circuitbreaker.Call(ctx, c.breaker, call)
	} else {
		hit, err = call(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %w", ErrSourceUnavailable, a, b, err)
	}
	return hit, nil
}
