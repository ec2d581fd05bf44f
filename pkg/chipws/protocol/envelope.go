// Package protocol defines the JSON envelopes exchanged over a chipws
// WebSocket connection.
//
// Every connection starts with a server-sent Handshake. After that the client
// sends Request envelopes and the server answers each one with exactly one
// SuccessEnvelope or ErrorEnvelope carrying the request's messageId.
package protocol

import (
	"github.com/cockroachdb/errors"

	"github.com/tsarna/chipws/pkg/chipws/codec"
)

// ResponseType is the "type" field of every response envelope.
const ResponseType = "result"

// Fixed error codes. Domain failures use their own string as the code.
const (
	ErrorCodeInvalidCommand = "INVALID_COMMAND"
	ErrorCodeUnknown        = "UNKNOWN"
)

var (
	ErrMissingMessageID = errors.New("request has no messageId")
	ErrInvalidMessageID = errors.New("messageId must be a string or a number")
	ErrMissingCommand   = errors.New("request has no command")
)

// Handshake is sent once, immediately after the connection is accepted.
type Handshake struct {
	DriverVersion    int `json:"driverVersion"`
	ServerVersion    int `json:"serverVersion"`
	MinSchemaVersion int `json:"minSchemaVersion"`
	MaxSchemaVersion int `json:"maxSchemaVersion"`
}

// DefaultHandshake returns the versions this server speaks.
func DefaultHandshake() Handshake {
	return Handshake{
		DriverVersion:    0,
		ServerVersion:    0,
		MinSchemaVersion: 1,
		MaxSchemaVersion: 1,
	}
}

// Request is a client command.
type Request struct {
	MessageID MessageID      `json:"messageId"`
	Command   string         `json:"command"`
	Args      map[string]any `json:"args"`
}

// SuccessEnvelope answers a request whose command completed.
type SuccessEnvelope struct {
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	MessageID MessageID `json:"messageId"`
	Result    any       `json:"result"`
}

// ErrorEnvelope answers a request that failed.
type ErrorEnvelope struct {
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	MessageID MessageID `json:"messageId"`
	ErrorCode string    `json:"errorCode"`
}

// Response is the client-side view of either response envelope.
type Response struct {
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	MessageID MessageID `json:"messageId"`
	Result    RawValue  `json:"result,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
}

// BuildSuccess wraps result, unchanged, in a success envelope for req.
func BuildSuccess(req *Request, result any) SuccessEnvelope {
	return SuccessEnvelope{
		Type:      ResponseType,
		Success:   true,
		MessageID: req.MessageID,
		Result:    result,
	}
}

// BuildError builds the error envelope for req.
func BuildError(req *Request, code string) ErrorEnvelope {
	return ErrorEnvelope{
		Type:      ResponseType,
		Success:   false,
		MessageID: req.MessageID,
		ErrorCode: code,
	}
}

// MarshalSuccess encodes the success envelope for req, passing result through
// c's extensions first.
func MarshalSuccess(c *codec.Codec, req *Request, result any) ([]byte, error) {
	return c.Marshal(BuildSuccess(req, c.Encode(result)))
}

// MarshalError encodes the error envelope for req.
func MarshalError(c *codec.Codec, req *Request, code string) ([]byte, error) {
	return c.Marshal(BuildError(req, code))
}

// requestFrame distinguishes an absent command from an empty one.
type requestFrame struct {
	MessageID MessageID      `json:"messageId"`
	Command   *string        `json:"command"`
	Args      map[string]any `json:"args"`
}

// DecodeRequest parses one text frame. Tagged values inside args are revived
// through c's extensions; a missing or null args becomes an empty map.
//
// A present but empty command decodes successfully so that dispatch can
// answer it with INVALID_COMMAND. Only an absent or null command is rejected.
func DecodeRequest(c *codec.Codec, data []byte) (*Request, error) {
	var frame requestFrame
	if err := c.Unmarshal(data, &frame); err != nil {
		return nil, err
	}

	if len(frame.MessageID) == 0 {
		return nil, ErrMissingMessageID
	}
	if !frame.MessageID.IsValid() {
		return nil, errors.Wrapf(ErrInvalidMessageID, "got %s", string(frame.MessageID))
	}
	if frame.Command == nil {
		return nil, ErrMissingCommand
	}

	args, err := c.ReviveMap(frame.Args)
	if err != nil {
		return nil, errors.Wrap(err, "args")
	}
	if args == nil {
		args = make(map[string]any)
	}

	return &Request{
		MessageID: frame.MessageID,
		Command:   *frame.Command,
		Args:      args,
	}, nil
}
