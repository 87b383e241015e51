package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Created()
	m.Blocked()
	m.Rendered(nil)
	m.Rendered(errors.New("disk"))
	m.Delivered(nil)
	m.Accessed("granted")
	m.Accessed("granted")
	m.AuditFailed()
	m.Observe("create", time.Now())
	m.BreakerState("smtp", 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PrescriptionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InteractionsBlocked))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DocumentsRendered.WithLabelValues("failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Accesses.WithLabelValues("granted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("smtp")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Created()
		m.Rendered(nil)
		m.Observe("fetch", time.Now())
		m.BreakerState("x", 1)
	})
}
