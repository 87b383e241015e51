package idempotency

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("document-repair", "evt-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, GenerateKey("document-repair", "evt-1"))
	assert.NotEqual(t, a, GenerateKey("document-repair", "evt-2"))
	assert.NotEqual(t, a, GenerateKey("other-handler", "evt-1"))
}

func TestIsTerminalError(t *testing.T) {
	assert.False(t, isTerminalError(errors.New("connection reset")))
	assert.True(t, isTerminalError(Permanent(errors.New("bad payload"))))
	assert.True(t, isTerminalError(fmt.Errorf("handle: %w", Permanent(errors.New("bad payload")))))
	assert.Nil(t, Permanent(nil))
}

func TestNewInbox_FillsDefaults(t *testing.T) {
	in := NewInbox(nil, InboxConfig{ClaimTimeout: time.Minute}, nil)
	assert.Equal(t, time.Minute, in.config.ClaimTimeout)
	assert.Equal(t, DefaultInboxConfig().TTL, in.config.TTL)
	assert.Equal(t, DefaultInboxConfig().CleanupInterval, in.config.CleanupInterval)
}

func TestPermanentError_Message(t *testing.T) {
	err := Permanent(errors.New("prescription not found"))
	assert.EqualError(t, err, "permanent: prescription not found")
}
