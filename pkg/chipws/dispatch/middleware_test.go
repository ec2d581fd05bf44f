package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tsarna/chipws/pkg/chipws/o11y"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next Invoker) Invoker {
			return func(ctx context.Context, call *Call) (any, error) {
				order = append(order, name)
				return next(ctx, call)
			}
		}
	}

	invoker := Chain(mark("a"), mark("b"), mark("c"))(func(context.Context, *Call) (any, error) {
		order = append(order, "handler")
		return nil, nil
	})

	_, err := invoker(context.Background(), &Call{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestRateLimit(t *testing.T) {
	state := 1
	r, err := NewRouter().
		WithNamespace(testNamespace(&state)).
		WithMiddleware(RateLimit(0.001, 2)).
		Build()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		out := r.Dispatch(context.Background(), "device_controller.Echo", nil)
		assert.True(t, out.OK())
	}

	out := r.Dispatch(context.Background(), "device_controller.Echo", nil)
	require.False(t, out.OK())
	assert.Equal(t, FailureDomain, out.Failure.Kind)
	assert.Equal(t, ErrorCodeRateLimited, out.ErrorCode())
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	state := 1
	r, err := NewRouter().
		WithNamespace(testNamespace(&state)).
		WithMiddleware(Logging(zap.New(core))).
		Build()
	require.NoError(t, err)

	r.Dispatch(context.Background(), "device_controller.Echo", nil)
	r.Dispatch(context.Background(), "device_controller.Busy", nil)
	r.Dispatch(context.Background(), "device_controller.Broken", nil)

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "Dispatched command", entries[0].Message)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)
	assert.Equal(t, "BUSY", entries[1].ContextMap()["code"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
}

type recordedSpan struct {
	name   string
	labels []o11y.Label
	status o11y.SpanStatusCode
	ended  bool
}

type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordedSpan
}

func (t *recordingTracer) StartSpan(ctx context.Context, name string) (context.Context, o11y.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &recordedSpan{name: name}
	t.spans = append(t.spans, s)
	return ctx, s
}

func (s *recordedSpan) SetAttributes(labels ...o11y.Label) { s.labels = append(s.labels, labels...) }

func (s *recordedSpan) SetStatus(code o11y.SpanStatusCode, _ string) { s.status = code }

func (s *recordedSpan) End() { s.ended = true }

func TestTracingMiddleware(t *testing.T) {
	tracer := &recordingTracer{}
	state := 1
	r, err := NewRouter().
		WithNamespace(testNamespace(&state)).
		WithMiddleware(Tracing(tracer)).
		Build()
	require.NoError(t, err)

	r.Dispatch(context.Background(), "device_controller.Echo", nil)
	r.Dispatch(context.Background(), "device_controller.Busy", nil)

	require.Len(t, tracer.spans, 2)
	assert.Equal(t, "chipws.dispatch device_controller.Echo", tracer.spans[0].name)
	assert.Equal(t, o11y.SpanStatusOK, tracer.spans[0].status)
	assert.Contains(t, tracer.spans[0].labels, o11y.Label{Key: "chipws.method", Value: "Echo"})
	assert.True(t, tracer.spans[0].ended)

	assert.Equal(t, o11y.SpanStatusError, tracer.spans[1].status)
	assert.Contains(t, tracer.spans[1].labels, o11y.Label{Key: "chipws.error_code", Value: "BUSY"})
}

func TestTracingNilProvider(t *testing.T) {
	called := false
	next := func(context.Context, *Call) (any, error) {
		called = true
		return 1, nil
	}

	v, err := Tracing(nil)(next)(context.Background(), &Call{})
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, called)
}
