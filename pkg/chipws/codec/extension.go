package codec

import (
	"encoding/base64"

	"github.com/cockroachdb/errors"
)

// BytesExtension carries []byte as {"_type": "bytes", "value": "<base64>"}.
type BytesExtension struct{}

func (BytesExtension) Tag() string { return "bytes" }

func (e BytesExtension) Encode(v any) (any, bool) {
	b, ok := v.([]byte)
	if !ok {
		return nil, false
	}
	return map[string]any{
		TypeKey: e.Tag(),
		"value": base64.StdEncoding.EncodeToString(b),
	}, true
}

func (BytesExtension) Decode(obj map[string]any) (any, error) {
	s, ok := obj["value"].(string)
	if !ok {
		return nil, errors.New("bytes value must be a base64 string")
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "bytes value")
	}
	return b, nil
}

// Nullable marks an attribute that is present but holds no value. It is
// distinct from an absent attribute inside the controller and encodes as
// JSON null.
type Nullable struct{}

// NullableExtension encodes Nullable as null and decodes {"_type": "Nullable"}.
type NullableExtension struct{}

func (NullableExtension) Tag() string { return "Nullable" }

func (NullableExtension) Encode(v any) (any, bool) {
	switch v.(type) {
	case Nullable, *Nullable:
		return nil, true
	}
	return nil, false
}

func (NullableExtension) Decode(map[string]any) (any, error) {
	return Nullable{}, nil
}
