package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tsarna/chipws/pkg/chipws/o11y"
)

func TestLabelKeyIsOrderIndependent(t *testing.T) {
	a := labelKey([]o11y.Label{{Key: "kind", Value: "x"}, {Key: "code", Value: "UNKNOWN"}})
	b := labelKey([]o11y.Label{{Key: "code", Value: "UNKNOWN"}, {Key: "kind", Value: "x"}})
	assert.Equal(t, a, b)
	assert.Equal(t, "", labelKey(nil))
}

func TestProviderWithNoopGlobals(t *testing.T) {
	// The global providers default to no-ops, so this only checks the
	// instruments can be created and driven without panicking.
	p := NewProvider("chipws-test", "0.0.0")
	ctx := context.Background()

	p.Counter("requests_total").Add(ctx, 1, o11y.Label{Key: "namespace", Value: "device_controller"})
	p.Histogram("request_seconds").Record(ctx, 0.25)

	gauge := p.Gauge("active_connections")
	gauge.Set(ctx, 3)
	gauge.Set(ctx, 1)

	g := gauge.(*otelGauge)
	assert.Equal(t, 1.0, g.last[""])

	ctx, span := p.StartSpan(ctx, "dispatch")
	span.SetAttributes(o11y.Label{Key: "command", Value: "start_listening"})
	span.SetStatus(o11y.SpanStatusOK, "")
	span.End()
	assert.NotNil(t, ctx)
}
