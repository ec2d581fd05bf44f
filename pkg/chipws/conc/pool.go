// Package conc provides the bounded worker pool that runs asynchronous
// controller operations.
package conc

import (
	"time"

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// DefaultPoolSize bounds how many asynchronous operations run at once.
const DefaultPoolSize = 64

type poolOption struct {
	size           int
	nonBlocking    bool
	expiryDuration time.Duration
	logger         *zap.Logger
}

func (opt *poolOption) antsOptions() []ants.Option {
	logger := opt.logger
	result := []ants.Option{
		ants.WithNonblocking(opt.nonBlocking),
		// Tasks normally recover their own panics; this only catches ones
		// that escape.
		ants.WithPanicHandler(func(v any) {
			logger.Error("Conc pool task panicked", zap.Any("panic", v))
		}),
	}
	if opt.expiryDuration > 0 {
		result = append(result, ants.WithExpiryDuration(opt.expiryDuration))
	}
	return result
}

// PoolOption configures a Pool.
type PoolOption func(opt *poolOption)

// WithSize sets the worker count. Non-positive sizes keep DefaultPoolSize.
func WithSize(size int) PoolOption {
	return func(opt *poolOption) {
		if size > 0 {
			opt.size = size
		}
	}
}

// WithNonBlocking makes Submit fail with ants.ErrPoolOverload instead of
// waiting when every worker is busy.
func WithNonBlocking(v bool) PoolOption {
	return func(opt *poolOption) {
		opt.nonBlocking = v
	}
}

// WithExpiryDuration sets how long an idle worker lives before it is reaped.
func WithExpiryDuration(d time.Duration) PoolOption {
	return func(opt *poolOption) {
		opt.expiryDuration = d
	}
}

// WithLogger routes the pool's own log output, including recovered task
// panics, to logger.
func WithLogger(logger *zap.Logger) PoolOption {
	return func(opt *poolOption) {
		if logger != nil {
			opt.logger = logger
		}
	}
}

// Pool is a fixed-capacity goroutine pool. It satisfies dispatch.Executor.
type Pool struct {
	inner *ants.Pool
}

// NewPool creates a Pool with DefaultPoolSize workers unless overridden.
func NewPool(opts ...PoolOption) (*Pool, error) {
	opt := &poolOption{
		size:   DefaultPoolSize,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(opt)
	}

	inner, err := ants.NewPool(opt.size, opt.antsOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	return &Pool{inner: inner}, nil
}

// Submit queues task. It fails once the pool is released, or when the pool is
// non-blocking and full.
func (p *Pool) Submit(task func()) error {
	return p.inner.Submit(task)
}

// Running returns the number of workers currently executing a task.
func (p *Pool) Running() int {
	return p.inner.Running()
}

// Cap returns the pool's capacity.
func (p *Pool) Cap() int {
	return p.inner.Cap()
}

// Release stops the pool, waiting up to timeout for running tasks.
func (p *Pool) Release(timeout time.Duration) error {
	if timeout <= 0 {
		p.inner.Release()
		return nil
	}
	return p.inner.ReleaseTimeout(timeout)
}
