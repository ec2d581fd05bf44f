// Package dispatch resolves dotted command names to registered handlers,
// invokes them and normalizes what they return.
//
// Commands have the form "<namespace>.<method>". Each Namespace is a static
// table of Handlers built at startup. The reserved command start_listening
// is answered without routing: it reports the discrete state of every
// namespace that exposes one.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// StartListening is the one command that has no namespace.
const StartListening = "start_listening"

// Call is a resolved command on its way to a handler.
type Call struct {
	Command   string
	Namespace string
	Method    string
	Args      map[string]any

	handler Handler
}

// Invoker runs a call to completion, including awaiting and normalizing its
// result.
type Invoker func(ctx context.Context, call *Call) (any, error)

// Middleware wraps an Invoker.
type Middleware func(next Invoker) Invoker

// Chain composes middlewares so the first one given is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// RouterBuilder provides a fluent interface for creating a Router.
type RouterBuilder struct {
	logger     *zap.Logger
	namespaces []*Namespace
	middleware []Middleware
}

// NewRouter creates a new RouterBuilder.
//
// Example:
//
//	router, err := dispatch.NewRouter().
//	    WithLogger(logger).
//	    WithNamespace(controller.Namespace()).
//	    WithMiddleware(dispatch.Logging(logger)).
//	    Build()
func NewRouter() *RouterBuilder {
	return &RouterBuilder{}
}

// WithLogger sets the logger for dispatch-level events. Defaults to a no-op
// logger.
func (b *RouterBuilder) WithLogger(logger *zap.Logger) *RouterBuilder {
	b.logger = logger
	return b
}

// WithNamespace adds namespaces to route to.
func (b *RouterBuilder) WithNamespace(namespaces ...*Namespace) *RouterBuilder {
	b.namespaces = append(b.namespaces, namespaces...)
	return b
}

// WithMiddleware appends middlewares. They wrap every routed call, outermost
// first; start_listening does not pass through them.
func (b *RouterBuilder) WithMiddleware(middleware ...Middleware) *RouterBuilder {
	b.middleware = append(b.middleware, lo.Filter(middleware, func(m Middleware, _ int) bool {
		return m != nil
	})...)
	return b
}

// IsValid checks that every namespace has a usable, unique name.
func (b *RouterBuilder) IsValid() error {
	seen := make(map[string]bool, len(b.namespaces))
	for _, ns := range b.namespaces {
		if ns == nil {
			return errors.New("nil namespace")
		}
		if err := validateName(ns.name); err != nil {
			return errors.Wrap(err, "namespace")
		}
		if seen[ns.name] {
			return errors.Newf("namespace %q registered twice", ns.name)
		}
		seen[ns.name] = true
	}
	return nil
}

// Build validates the builder and returns a Router with the middleware chain
// wrapped around every namespace's handlers.
func (b *RouterBuilder) Build() (*Router, error) {
	if err := b.IsValid(); err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Router{
		logger: logger,
		namespaces: lo.SliceToMap(b.namespaces, func(ns *Namespace) (string, *Namespace) {
			return ns.name, ns
		}),
	}
	r.invoke = Chain(b.middleware...)(invokeHandler)

	return r, nil
}

// Router is safe for concurrent use.
type Router struct {
	logger     *zap.Logger
	namespaces map[string]*Namespace
	invoke     Invoker
}

// Namespaces returns the registered namespace names, sorted.
func (r *Router) Namespaces() []string {
	names := lo.Keys(r.namespaces)
	sort.Strings(names)
	return names
}

func (r *Router) HasNamespace(name string) bool {
	_, ok := r.namespaces[name]
	return ok
}

// Resolve maps a command to its call. The error wraps ErrInvalidCommand when
// the command is malformed, names an unknown namespace, or names a private or
// unregistered method.
func (r *Router) Resolve(command string, args map[string]any) (*Call, error) {
	namespace, method, found := strings.Cut(command, ".")
	if !found || namespace == "" || method == "" {
		return nil, errors.Wrapf(ErrInvalidCommand, "malformed command %q", command)
	}

	ns, ok := r.namespaces[namespace]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidCommand, "unknown namespace %q", namespace)
	}

	if strings.HasPrefix(method, "_") {
		return nil, errors.Wrapf(ErrInvalidCommand, "private method %q", method)
	}

	h, ok := ns.lookup(method)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidCommand, "unknown method %q in namespace %q", method, namespace)
	}

	if args == nil {
		args = make(map[string]any)
	}

	return &Call{
		Command:   command,
		Namespace: namespace,
		Method:    method,
		Args:      args,
		handler:   h,
	}, nil
}

// Dispatch runs one command and reports how it went. It never panics; a
// panicking handler yields an UNKNOWN failure.
func (r *Router) Dispatch(ctx context.Context, command string, args map[string]any) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic during dispatch",
				zap.String("command", command),
				zap.Any("panic", p),
			)
			outcome = failed(errors.Newf("panic: %s", fmt.Sprint(p)))
		}
	}()

	if command == StartListening {
		return succeeded(r.States())
	}

	call, err := r.Resolve(command, args)
	if err != nil {
		return failed(err)
	}

	value, err := r.invoke(ctx, call)
	if err != nil {
		return failed(err)
	}
	return succeeded(value)
}

// States builds the start_listening result:
// {"state": {"<namespace>": {"state": "<label>"}}} for each namespace that
// exposes a state.
func (r *Router) States() map[string]any {
	states := make(map[string]any)
	for name, ns := range r.namespaces {
		if !ns.HasState() {
			continue
		}
		states[name] = map[string]any{"state": ns.StateLabel()}
	}
	return map[string]any{"state": states}
}

func invokeHandler(ctx context.Context, call *Call) (any, error) {
	result, err := call.handler(ctx, call.Args)
	if err != nil {
		return nil, err
	}
	return Normalize(ctx, result)
}
