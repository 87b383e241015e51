package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	fail      map[int64]error
	published []string
	byPayload map[string]int64
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	id := p.byPayload[string(value)]
	if err, ok := p.fail[id]; ok {
		return err
	}
	p.published = append(p.published, topic+"/"+key+"/"+string(value))
	return nil
}

func entries(specs ...[3]string) ([]OutboxEntry, map[string]int64) {
	out := make([]OutboxEntry, 0, len(specs))
	index := make(map[string]int64, len(specs))
	for i, s := range specs {
		id := int64(i + 1)
		out = append(out, OutboxEntry{ID: id, Topic: s[0], Key: s[1], Payload: []byte(s[2])})
		index[s[2]] = id
	}
	return out, index
}

func TestDeliver_AllSent(t *testing.T) {
	batch, index := entries(
		[3]string{"prescription.events", "rx-1", `"a"`},
		[3]string{"audit.trail", "rx-1", `"b"`},
	)
	pub := &recordingPublisher{byPayload: index}

	out := deliver(context.Background(), pub, batch)

	assert.Equal(t, []int64{1, 2}, out.sent)
	assert.Empty(t, out.failed)
	assert.Zero(t, out.held)
	assert.Equal(t, []string{`prescription.events/rx-1/"a"`, `audit.trail/rx-1/"b"`}, pub.published)
}

func TestDeliver_HoldsLaterEntriesForFailedKey(t *testing.T) {
	batch, index := entries(
		[3]string{"prescription.events", "rx-1", `"issued"`},
		[3]string{"prescription.events", "rx-2", `"other"`},
		[3]string{"prescription.events", "rx-1", `"sent"`},
		[3]string{"audit.trail", "rx-1", `"audit"`},
	)
	pub := &recordingPublisher{byPayload: index, fail: map[int64]error{1: errors.New("leader not available")}}

	out := deliver(context.Background(), pub, batch)

	assert.Equal(t, []int64{2, 4}, out.sent)
	require.Len(t, out.failed, 1)
	assert.Equal(t, int64(1), out.failed[0].entry.ID)
	assert.EqualError(t, out.failed[0].err, "leader not available")
	assert.Equal(t, 1, out.held)
}

func TestDeliver_CancelledContextHoldsRemainder(t *testing.T) {
	batch, index := entries(
		[3]string{"prescription.events", "rx-1", `"a"`},
		[3]string{"prescription.events", "rx-2", `"b"`},
	)
	pub := &recordingPublisher{byPayload: index}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := deliver(ctx, pub, batch)

	assert.Empty(t, out.sent)
	assert.Empty(t, out.failed)
	assert.Equal(t, 2, out.held)
}

func TestNewRelay_FillsDefaults(t *testing.T) {
	r := NewRelay(nil, &recordingPublisher{}, RelayConfig{Retention: time.Hour}, nil)

	def := DefaultRelayConfig()
	assert.Equal(t, def.PollInterval, r.cfg.PollInterval)
	assert.Equal(t, def.BatchSize, r.cfg.BatchSize)
	assert.Equal(t, def.MaxRetries, r.cfg.MaxRetries)
	assert.Equal(t, def.PurgeEvery, r.cfg.PurgeEvery)
	assert.Equal(t, "dead.letter", r.cfg.DeadLetterTopic)
	assert.Equal(t, time.Hour, r.cfg.Retention)
}

func TestRelay_StopIsIdempotent(t *testing.T) {
	r := NewRelay(nil, &recordingPublisher{}, RelayConfig{PollInterval: time.Hour, PurgeEvery: time.Hour}, nil)
	r.Start()
	r.Stop()
	r.Stop()
}
