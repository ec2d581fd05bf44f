package dispatch

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/tsarna/chipws/pkg/chipws/codec"
)

// TypeID identifies a domain type, such as a cluster or attribute, that may
// appear as a map key in a record.
type TypeID interface {
	TypeName() string
}

// TypeMap is a mapping keyed by type identifiers. Normalize rewrites its keys
// to the identifiers' names so it can be encoded as a JSON object.
type TypeMap map[TypeID]any

// Normalize awaits r if it is pending and returns a value the codec can encode.
// Records become their fields plus a "_type" entry, with nested type-keyed
// maps flattened to string keys. Plain values pass through unchanged.
//
// The input is never modified; containers that need rewriting are copied.
func Normalize(ctx context.Context, r Result) (any, error) {
	for r.kind == KindPending {
		if r.future == nil {
			return nil, errors.New("pending result without a future")
		}
		next, err := r.future.Await(ctx)
		if err != nil {
			return nil, err
		}
		r = next
	}

	if r.kind != KindRecord {
		return r.value, nil
	}

	out := make(map[string]any, len(r.record.Fields)+1)
	for k, v := range r.record.Fields {
		out[k] = normalizeValue(v)
	}
	out[codec.TypeKey] = r.record.TypeName
	return out, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case Record:
		return normalizeFields(val.Fields)
	case *Record:
		if val == nil {
			return nil
		}
		return normalizeFields(val.Fields)
	case map[string]any:
		return normalizeFields(val)
	case TypeMap:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[keyName(k)] = normalizeValue(item)
		}
		return out
	case map[TypeID]any:
		return normalizeValue(TypeMap(val))
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[keyName(k)] = normalizeValue(item)
		}
		return out
	case []any:
		return normalizeSlice(val)
	case []Record:
		return normalizeSlice(val)
	case []*Record:
		return normalizeSlice(val)
	case []map[string]any:
		return normalizeSlice(val)
	case []TypeMap:
		return normalizeSlice(val)
	case map[string]Record:
		return normalizeMap(val)
	case map[string]*Record:
		return normalizeMap(val)
	case map[string]TypeMap:
		return normalizeMap(val)
	}
	return v
}

// normalizeSlice normalizes every element of a typed slice into a []any.
func normalizeSlice[T any](items []T) []any {
	if items == nil {
		return nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = normalizeValue(item)
	}
	return out
}

func normalizeMap[T any](items map[string]T) map[string]any {
	if items == nil {
		return nil
	}
	out := make(map[string]any, len(items))
	for k, item := range items {
		out[k] = normalizeValue(item)
	}
	return out
}

func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = normalizeValue(v)
	}
	return out
}

func keyName(k any) string {
	switch key := k.(type) {
	case TypeID:
		return key.TypeName()
	case string:
		return key
	case fmt.Stringer:
		return key.String()
	}
	return fmt.Sprint(k)
}
