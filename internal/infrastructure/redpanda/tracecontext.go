package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
)

// recordHeaders lets the W3C propagator read and write kafka record headers
type recordHeaders struct{ r *kgo.Record }

var _ propagation.TextMapCarrier = recordHeaders{}

func (h recordHeaders) Get(key string) string {
	for _, hdr := range h.r.Headers {
		if hdr.Key == key {
			return string(hdr.Value)
		}
	}
	return ""
}

func (h recordHeaders) Set(key, value string) {
	for i := range h.r.Headers {
		if h.r.Headers[i].Key == key {
			h.r.Headers[i].Value = []byte(value)
			return
		}
	}
	h.r.Headers = append(h.r.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (h recordHeaders) Keys() []string {
	out := make([]string, len(h.r.Headers))
	for i, hdr := range h.r.Headers {
		out[i] = hdr.Key
	}
	return out
}

var propagator = propagation.TraceContext{}

func injectTrace(ctx context.Context, r *kgo.Record) {
	propagator.Inject(ctx, recordHeaders{r})
}

func extractTrace(ctx context.Context, r *kgo.Record) context.Context {
	return propagator.Extract(ctx, recordHeaders{r})
}
