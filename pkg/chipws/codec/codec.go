// Package codec turns structured values into JSON text and back.
//
// A Codec is a jsoniter API plus a set of Extensions. Extensions let domain
// types cross the wire: on encode, a value an extension recognizes is replaced
// by its encoded form before marshaling; on decode, any JSON object carrying
// a "_type" tag that names an extension is reconstructed into the domain value.
package codec

import (
	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
)

// TypeKey is the discriminator key used for tagged objects on the wire.
const TypeKey = "_type"

// Extension adapts one domain type to the JSON wire format.
type Extension interface {
	// Tag is the "_type" value identifying objects this extension decodes.
	Tag() string

	// Encode returns the wire representation of v. ok is false when v is
	// not a value this extension handles.
	Encode(v any) (encoded any, ok bool)

	// Decode reconstructs the domain value from a tagged object.
	Decode(obj map[string]any) (any, error)
}

// Codec is safe for concurrent use once built.
type Codec struct {
	api        jsoniter.API
	extensions []Extension
	byTag      map[string]Extension
}

// New creates a codec with the given extensions. Later extensions with a
// duplicate tag replace earlier ones for decoding; all are consulted, in
// order, for encoding.
func New(extensions ...Extension) *Codec {
	c := &Codec{
		api:   jsoniter.ConfigCompatibleWithStandardLibrary,
		byTag: make(map[string]Extension, len(extensions)),
	}
	for _, ext := range extensions {
		c.extensions = append(c.extensions, ext)
		c.byTag[ext.Tag()] = ext
	}
	return c
}

// Default returns a codec with the built-in Bytes and Nullable extensions.
func Default() *Codec {
	return New(BytesExtension{}, NullableExtension{})
}

// Marshal encodes v, applying extensions to v and everything nested in it.
// v itself is never modified.
func (c *Codec) Marshal(v any) ([]byte, error) {
	data, err := c.api.Marshal(c.Encode(v))
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal")
	}
	return data, nil
}

// Unmarshal decodes data into v. When v is *any or *map[string]any the
// decoded tree is revived through the extensions; struct targets are left to
// the caller, who can pass their dynamic fields to Revive.
func (c *Codec) Unmarshal(data []byte, v any) error {
	if err := c.api.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "codec: unmarshal")
	}

	switch target := v.(type) {
	case *any:
		revived, err := c.Revive(*target)
		if err != nil {
			return err
		}
		*target = revived
	case *map[string]any:
		revived, err := c.ReviveMap(*target)
		if err != nil {
			return err
		}
		*target = revived
	}
	return nil
}

// Encode returns a copy of v in which every value recognized by an extension
// has been replaced by its wire form. Maps and slices are copied only when
// something inside them changes.
func (c *Codec) Encode(v any) any {
	encoded, _ := c.encode(v)
	return encoded
}

func (c *Codec) encode(v any) (any, bool) {
	if v == nil {
		return nil, false
	}

	for _, ext := range c.extensions {
		if encoded, ok := ext.Encode(v); ok {
			return encoded, true
		}
	}

	switch val := v.(type) {
	case map[string]any:
		var out map[string]any
		for k, item := range val {
			encoded, changed := c.encode(item)
			if !changed {
				continue
			}
			if out == nil {
				out = make(map[string]any, len(val))
				for k2, v2 := range val {
					out[k2] = v2
				}
			}
			out[k] = encoded
		}
		if out == nil {
			return val, false
		}
		return out, true
	case []any:
		var out []any
		for i, item := range val {
			encoded, changed := c.encode(item)
			if !changed {
				continue
			}
			if out == nil {
				out = make([]any, len(val))
				copy(out, val)
			}
			out[i] = encoded
		}
		if out == nil {
			return val, false
		}
		return out, true
	}
	return v, false
}

// Revive walks a decoded JSON tree and replaces tagged objects with the values
// produced by the matching extension. Objects with an unknown tag are kept
// as plain maps.
func (c *Codec) Revive(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if tag, ok := val[TypeKey].(string); ok {
			if ext, found := c.byTag[tag]; found {
				decoded, err := ext.Decode(val)
				if err != nil {
					return nil, errors.Wrapf(err, "codec: decode %q", tag)
				}
				return decoded, nil
			}
		}
		return c.ReviveMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			revived, err := c.Revive(item)
			if err != nil {
				return nil, err
			}
			out[i] = revived
		}
		return out, nil
	}
	return v, nil
}

// ReviveMap is Revive for the values of a string-keyed map. A nil map stays nil.
func (c *Codec) ReviveMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		revived, err := c.Revive(item)
		if err != nil {
			return nil, errors.Wrapf(err, "codec: field %q", k)
		}
		out[k] = revived
	}
	return out, nil
}
