package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsarna/chipws/pkg/chipws/o11y"
)

// ErrorCodeRateLimited is the domain error returned when RateLimit rejects a
// call.
const ErrorCodeRateLimited = "RATE_LIMITED"

// Logging logs every routed call at debug level, and failures at warn.
// Domain failures are expected outcomes and stay at debug.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (any, error) {
			start := time.Now()
			value, err := next(ctx, call)

			fields := []zap.Field{
				zap.String("command", call.Command),
				zap.Duration("duration", time.Since(start)),
			}

			var de *DomainError
			switch {
			case err == nil:
				logger.Debug("Dispatched command", fields...)
			case errors.As(err, &de):
				logger.Debug("Command failed", append(fields, zap.String("code", de.Code))...)
			default:
				logger.Warn("Command failed", append(fields, zap.Error(err))...)
			}

			return value, err
		}
	}
}

// Tracing wraps each routed call in a span named after the command. A nil
// provider disables it.
func Tracing(provider o11y.TracingProvider) Middleware {
	return func(next Invoker) Invoker {
		if provider == nil {
			return next
		}
		return func(ctx context.Context, call *Call) (any, error) {
			ctx, span := provider.StartSpan(ctx, "chipws.dispatch "+call.Command)
			defer span.End()

			span.SetAttributes(
				o11y.Label{Key: "chipws.namespace", Value: call.Namespace},
				o11y.Label{Key: "chipws.method", Value: call.Method},
			)

			value, err := next(ctx, call)
			if err != nil {
				failure := classify(err)
				span.SetAttributes(o11y.Label{Key: "chipws.error_code", Value: failure.Code})
				span.SetStatus(o11y.SpanStatusError, err.Error())
			} else {
				span.SetStatus(o11y.SpanStatusOK, "")
			}
			return value, err
		}
	}
}

// RateLimit admits at most r calls per second with the given burst, shared by
// every caller of the router. Rejected calls fail with RATE_LIMITED.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next Invoker) Invoker {
		return func(ctx context.Context, call *Call) (any, error) {
			if !limiter.Allow() {
				return nil, NewDomainError(ErrorCodeRateLimited)
			}
			return next(ctx, call)
		}
	}
}
