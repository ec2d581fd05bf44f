package dispatch

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
)

// Handler is a registered method. args holds the request's keyword
// arguments; it is never nil.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Method adapts fn to a Handler, binding the keyword arguments onto a fresh A
// by their json tag names. Unknown or mistyped arguments fail the call.
func Method[A any](fn func(ctx context.Context, args A) (Result, error)) Handler {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		var bound A
		if err := BindArgs(args, &bound); err != nil {
			return Result{}, err
		}
		return fn(ctx, bound)
	}
}

// NoArgs adapts a method that takes no keyword arguments.
func NoArgs(fn func(ctx context.Context) (Result, error)) Handler {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		if len(args) > 0 {
			return Result{}, errors.Newf("method takes no arguments, got %d", len(args))
		}
		return fn(ctx)
	}
}

// BindArgs decodes keyword arguments into target, which must be a pointer to
// a struct or map.
func BindArgs(args map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      target,
	})
	if err != nil {
		return errors.Wrap(err, "build argument decoder")
	}
	if err := decoder.Decode(args); err != nil {
		return errors.Wrap(err, "bind arguments")
	}
	return nil
}
