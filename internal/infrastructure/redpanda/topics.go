// Package redpanda provides the broker plumbing: topic administration, the
// outbox producer and the consumer used by background workers.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names
const (
	TopicPrescriptionEvents = "prescription.events"
	TopicAuditTrail         = "audit.trail"
	TopicDeadLetter         = "dead.letter"
)

// TopicConfig is the desired shape of a topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

type topicSpec struct {
	name       string
	partitions int32
	retention  time.Duration
}

// prescription events are keyed by prescription id; the audit table is the
// record of truth and its topic feeds archival
var pipelineTopics = []topicSpec{
	{TopicPrescriptionEvents, 6, 7 * 24 * time.Hour},
	{TopicAuditTrail, 3, 30 * 24 * time.Hour},
	{TopicDeadLetter, 1, 14 * 24 * time.Hour},
}

// DefaultTopicConfigs returns the topics the pipeline needs at the given
// replication factor
func DefaultTopicConfigs(replication int16) []TopicConfig {
	if replication < 1 {
		replication = 1
	}
	minISR := "1"
	if replication >= 3 {
		minISR = "2"
	}

	out := make([]TopicConfig, 0, len(pipelineTopics))
	for _, spec := range pipelineTopics {
		retention := strconv.FormatInt(spec.retention.Milliseconds(), 10)
		policy, codec, isr := "delete", "lz4", minISR
		out = append(out, TopicConfig{
			Name:              spec.name,
			Partitions:        spec.partitions,
			ReplicationFactor: replication,
			Configs: map[string]*string{
				"retention.ms":        &retention,
				"cleanup.policy":      &policy,
				"compression.type":    &codec,
				"min.insync.replicas": &isr,
			},
		})
	}
	return out
}

// Admin wraps the kadm client
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates an admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}
	return &Admin{client: kadm.NewClient(cl), logger: logger}, nil
}

// EnsureTopics creates the pipeline topics that are missing. Existing topics
// are left alone; one with fewer partitions than wanted is only reported.
func (a *Admin) EnsureTopics(ctx context.Context, replication int16) error {
	wanted := DefaultTopicConfigs(replication)
	names := make([]string, len(wanted))
	for i, t := range wanted {
		names[i] = t.Name
	}

	existing, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return fmt.Errorf("describe topics: %w", err)
	}

	for _, t := range wanted {
		if d, ok := existing[t.Name]; ok && d.Err == nil {
			if have := int32(len(d.Partitions)); have < t.Partitions {
				a.logger.Warn("topic has fewer partitions than configured",
					zap.String("topic", t.Name),
					zap.Int32("have", have),
					zap.Int32("want", t.Partitions))
			}
			continue
		}
		if err := a.create(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (a *Admin) create(ctx context.Context, t TopicConfig) error {
	resp, err := a.client.CreateTopic(ctx, t.Partitions, t.ReplicationFactor, t.Configs, t.Name)
	if err == nil {
		err = resp.Err
	}
	switch {
	case errors.Is(err, kerr.TopicAlreadyExists):
		// another process won the race
		return nil
	case err != nil:
		return fmt.Errorf("create topic %s: %w", t.Name, err)
	}
	a.logger.Info("topic created",
		zap.String("topic", t.Name),
		zap.Int32("partitions", t.Partitions),
		zap.Int16("replication", t.ReplicationFactor))
	return nil
}

// ListTopics returns the non-internal topic names, sorted
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	details, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	names := details.Names()
	sort.Strings(names)
	return names, nil
}

// GroupLag returns the total lag of a consumer group per topic
func (a *Admin) GroupLag(ctx context.Context, group string) (map[string]int64, error) {
	lags, err := a.client.Lag(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("lag for %s: %w", group, err)
	}
	out := make(map[string]int64)
	for _, l := range lags {
		if l.Error() != nil {
			return nil, fmt.Errorf("lag for %s: %w", group, l.Error())
		}
		for topic, partitions := range l.Lag {
			for _, p := range partitions {
				if p.Lag > 0 {
					out[topic] += p.Lag
				}
			}
		}
	}
	return out, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
