package protocol

import (
	"strconv"
)

// MessageID holds the caller's messageId exactly as it appeared on the wire,
// so it can be echoed back with its JSON type and spelling intact.
type MessageID []byte

// NewMessageID returns the numeric message id n.
func NewMessageID(n int64) MessageID {
	return MessageID(strconv.FormatInt(n, 10))
}

// IsValid reports whether the id is a JSON string or number.
func (id MessageID) IsValid() bool {
	if len(id) == 0 {
		return false
	}
	c := id[0]
	return c == '"' || c == '-' || (c >= '0' && c <= '9')
}

func (id MessageID) String() string {
	return string(id)
}

func (id MessageID) MarshalJSON() ([]byte, error) {
	return marshalRaw(id), nil
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	*id = unmarshalRaw(data)
	return nil
}

// RawValue is an undecoded JSON value, used for results on the client side.
type RawValue []byte

func (v RawValue) MarshalJSON() ([]byte, error) {
	return marshalRaw(v), nil
}

func (v *RawValue) UnmarshalJSON(data []byte) error {
	*v = unmarshalRaw(data)
	return nil
}

func marshalRaw(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// unmarshalRaw copies data, since decoders may reuse their buffers. JSON null
// is kept as an empty value.
func unmarshalRaw(data []byte) []byte {
	if string(data) == "null" {
		return nil
	}
	return append([]byte(nil), data...)
}
