package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventValidate(t *testing.T) {
	ok := NewEvent(ActionPrescriptionCreated, "doc-1", ResourcePrescription, "rx-1", nil)
	assert.NoError(t, ok.Validate())
	assert.NotEmpty(t, ok.ID)
	assert.False(t, ok.Timestamp.IsZero())

	missingActor := ok
	missingActor.ActorID = ""
	assert.Error(t, missingActor.Validate())

	missingAction := ok
	missingAction.Action = ""
	assert.Error(t, missingAction.Validate())
}

func TestStreamLog_WritesStructuredEntry(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := NewStreamLog(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-42")
	event := NewEvent(ActionPrescriptionSent, "ph-1", ResourcePrescription, "rx-9",
		map[string]any{"method": "email", "recipient": "pat@example.org"})
	require.NoError(t, log.Record(ctx, event))

	entries := logs.FilterMessage(ActionPrescriptionSent).All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "ph-1", fields["acting_identity"])
	assert.Equal(t, "rx-9", fields["resource_id"])
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "Prescription", fields["resource_type"])
}

func TestStreamLog_FailureIsErrorLevel(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	log := NewStreamLog(zap.New(core))

	log.Failure(context.Background(), errors.New("render failed"), map[string]any{"prescription_id": "rx-1"})

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestStreamLog_RejectsInvalidEvent(t *testing.T) {
	log := NewStreamLog(nil)
	assert.Error(t, log.Record(context.Background(), Event{Action: "x"}))
}

func TestMulti_RecordsEverywhere(t *testing.T) {
	first, second := NewMemoryLog(), NewMemoryLog()

	m := Multi{first, second}
	event := Event{Action: ActionPrescriptionAccessed, ActorID: "doc-1", ResourceType: ResourcePrescription, ResourceID: "rx-1"}
	require.NoError(t, m.Record(WithRequestID(context.Background(), "req-1"), event))

	require.Len(t, first.Events(), 1)
	require.Len(t, second.Events(), 1)
	assert.Equal(t, first.Events()[0].ID, second.Events()[0].ID)
	assert.Equal(t, "req-1", first.Events()[0].RequestID)
	assert.False(t, first.Events()[0].Timestamp.IsZero())
}

func TestMulti_StopsAfterDurableFailure(t *testing.T) {
	durable := NewMemoryLog()
	durable.FailWith(errors.New("disk full"))
	stream := NewMemoryLog()

	err := Multi{durable, stream}.Record(context.Background(),
		NewEvent(ActionPrescriptionCreated, "doc-1", ResourcePrescription, "rx-1", nil))
	assert.EqualError(t, err, "disk full")
	assert.Empty(t, stream.Events())
}

func TestMulti_FailureFanOut(t *testing.T) {
	a, b := NewMemoryLog(), NewMemoryLog()
	Multi{a, b}.Failure(context.Background(), errors.New("boom"), nil)
	assert.Len(t, a.Failures(), 1)
	assert.Len(t, b.Failures(), 1)
}

func TestMemoryLog_ByAction(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	for _, action := range []string{ActionPrescriptionAccessed, ActionPrescriptionCreated, ActionPrescriptionAccessed} {
		require.NoError(t, log.Record(ctx, NewEvent(action, "doc-1", ResourcePrescription, "rx-1", nil)))
	}
	accessed := log.ByAction(ActionPrescriptionAccessed)
	require.Len(t, accessed, 2)
	assert.NotEqual(t, accessed[0].ID, accessed[1].ID)
}
