package dispatch

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind says which variant a Result holds.
type Kind int

const (
	KindImmediate Kind = iota
	KindRecord
	KindPending
)

func (k Kind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindRecord:
		return "record"
	case KindPending:
		return "pending"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Result is what a handler returns: a plain value, a structured record or a
// future that will produce one of those.
type Result struct {
	kind   Kind
	value  any
	record Record
	future Future
}

// Record is a named, field-bearing value. Returned from a handler it is
// encoded as its fields plus a "_type" naming TypeName. Nested inside another
// value it is flattened to its fields alone.
type Record struct {
	TypeName string
	Fields   map[string]any
}

// Future is a result that is still being computed.
type Future interface {
	// Await blocks until the result is ready or ctx is done. Returning on ctx
	// does not stop the underlying work.
	Await(ctx context.Context) (Result, error)
}

// Immediate wraps a plain value.
func Immediate(v any) Result {
	return Result{kind: KindImmediate, value: v}
}

// Structured wraps a record with the given fully-qualified type name.
func Structured(typeName string, fields map[string]any) Result {
	return Result{kind: KindRecord, record: Record{TypeName: typeName, Fields: fields}}
}

// Pending wraps a future.
func Pending(f Future) Result {
	return Result{kind: KindPending, future: f}
}

func (r Result) Kind() Kind {
	return r.kind
}

// Value returns the wrapped plain value of an Immediate result.
func (r Result) Value() any {
	return r.value
}

// Record returns the wrapped record of a Structured result.
func (r Result) Record() Record {
	return r.record
}

// Executor runs tasks in the background. conc.Pool is one.
type Executor interface {
	Submit(task func()) error
}

type goExecutor struct{}

func (goExecutor) Submit(task func()) error {
	go task()
	return nil
}

type future struct {
	done   chan struct{}
	result Result
	err    error
}

// Async runs fn on exec and returns a Pending result for its outcome. A nil
// exec starts a goroutine. A panic in fn becomes the future's error.
func Async(exec Executor, fn func() (Result, error)) Result {
	if exec == nil {
		exec = goExecutor{}
	}

	f := &future{done: make(chan struct{})}
	err := exec.Submit(func() {
		defer close(f.done)
		defer func() {
			if p := recover(); p != nil {
				f.err = errors.Newf("panic in async handler: %v", p)
			}
		}()
		f.result, f.err = fn()
	})
	if err != nil {
		f.err = errors.Wrap(err, "submit async handler")
		close(f.done)
	}

	return Pending(f)
}

func (f *future) Await(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Resolved is a future that is already complete.
type Resolved struct {
	Result Result
	Err    error
}

func (r Resolved) Await(context.Context) (Result, error) {
	return r.Result, r.Err
}
