package dispatch

import (
	"context"
	"strings"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// A CommandAuthFunc is called to authorize a resolved call before its handler
// runs. Returning nil allows the call; returning an error denies it and the
// error is classified like any handler failure.
//
// The predefined policies deny with ErrInvalidCommand, so a client cannot tell
// a forbidden command from one that does not exist.
type CommandAuthFunc func(ctx context.Context, call *Call) error

// AllowAllCommands allows every call.
func AllowAllCommands(context.Context, *Call) error {
	return nil
}

// DenyAllCommands denies every call.
func DenyAllCommands(_ context.Context, call *Call) error {
	return errors.Wrapf(ErrInvalidCommand, "command %q is not allowed", call.Command)
}

// AllowNamespaces returns a CommandAuthFunc that only allows calls into the
// named namespaces.
func AllowNamespaces(namespaces ...string) CommandAuthFunc {
	allowed := lo.SliceToMap(namespaces, func(ns string) (string, bool) { return ns, true })
	return func(_ context.Context, call *Call) error {
		if allowed[call.Namespace] {
			return nil
		}
		return errors.Wrapf(ErrInvalidCommand, "namespace %q is not allowed", call.Namespace)
	}
}

// AllowCommandPatterns returns a CommandAuthFunc that allows calls whose
// command matches any of the given patterns. Patterns are dot separated and
// use MQTT-style wildcards: "+" matches one segment and a trailing "#"
// matches the rest.
//
// Pattern examples:
//   - "device_controller.+" allows every device_controller method
//   - "#" allows everything
func AllowCommandPatterns(patterns ...string) CommandAuthFunc {
	topics := lo.Map(patterns, func(p string, _ int) string { return commandTopic(p) })
	return func(_ context.Context, call *Call) error {
		topic := commandTopic(call.Command)
		for _, pattern := range topics {
			if mqttpattern.Matches(pattern, topic) {
				return nil
			}
		}
		return errors.Wrapf(ErrInvalidCommand, "command %q is not allowed", call.Command)
	}
}

// ValidateCommandPattern reports whether p is usable with AllowCommandPatterns.
func ValidateCommandPattern(p string) error {
	if p == "" {
		return errors.New("empty command pattern")
	}
	segments := strings.Split(p, ".")
	for i, seg := range segments {
		switch {
		case seg == "":
			return errors.Newf("command pattern %q has an empty segment", p)
		case seg == "#" && i != len(segments)-1:
			return errors.Newf("command pattern %q: # must be the last segment", p)
		case seg != "+" && seg != "#" && strings.ContainsAny(seg, "+#"):
			return errors.Newf("command pattern %q: wildcards must be whole segments", p)
		}
	}
	return nil
}

// ChainCommandAuth applies funcs in order and stops at the first denial.
func ChainCommandAuth(funcs ...CommandAuthFunc) CommandAuthFunc {
	return func(ctx context.Context, call *Call) error {
		for _, authFunc := range funcs {
			if err := authFunc(ctx, call); err != nil {
				return err
			}
		}
		return nil
	}
}

// Authorize returns a middleware that consults authFunc before every routed
// call. start_listening is not routed and is always allowed.
func Authorize(authFunc CommandAuthFunc) Middleware {
	return func(next Invoker) Invoker {
		if authFunc == nil {
			return next
		}
		return func(ctx context.Context, call *Call) (any, error) {
			if err := authFunc(ctx, call); err != nil {
				return nil, err
			}
			return next(ctx, call)
		}
	}
}

func commandTopic(s string) string {
	return strings.ReplaceAll(s, ".", "/")
}
