package conc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/chipws/pkg/chipws/dispatch"
)

var _ dispatch.Executor = (*Pool)(nil)

func TestPoolRunsTasks(t *testing.T) {
	p, err := NewPool(WithSize(4), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	defer p.Release(time.Second)

	assert.Equal(t, 4, p.Cap())

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(20), count.Load())
}

func TestPoolNonBlockingOverload(t *testing.T) {
	p, err := NewPool(WithSize(1), WithNonBlocking(true))
	require.NoError(t, err)
	defer p.Release(time.Second)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-block
	}))
	<-started

	assert.Error(t, p.Submit(func() {}))
	close(block)
}

func TestPoolSubmitAfterRelease(t *testing.T) {
	p, err := NewPool()
	require.NoError(t, err)
	require.NoError(t, p.Release(0))

	assert.Error(t, p.Submit(func() {}))
}

func TestPoolAsAsyncExecutor(t *testing.T) {
	p, err := NewPool(WithSize(2))
	require.NoError(t, err)
	defer p.Release(time.Second)

	r := dispatch.Async(p, func() (dispatch.Result, error) {
		return dispatch.Immediate("done"), nil
	})

	out, err := dispatch.Normalize(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}
