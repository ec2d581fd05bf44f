package dispatch

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/tsarna/chipws/pkg/chipws/protocol"
)

// ErrInvalidCommand marks routing failures.
var ErrInvalidCommand = errors.New("invalid command")

// DomainError is a failure the target reports on purpose. Its Code is sent to
// the client verbatim as the errorCode.
type DomainError struct {
	Code string
}

func NewDomainError(code string) *DomainError {
	return &DomainError{Code: code}
}

func (e *DomainError) Error() string {
	return e.Code
}

// FailureKind classifies a failed dispatch.
type FailureKind int

const (
	FailureInvalidCommand FailureKind = iota + 1
	FailureDomain
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureInvalidCommand:
		return "invalid_command"
	case FailureDomain:
		return "domain"
	case FailureUnknown:
		return "unknown"
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

// Failure is a classified dispatch error. Code is the errorCode sent to the
// client and Cause is kept for logging only.
type Failure struct {
	Kind  FailureKind
	Code  string
	Cause error
}

func (f *Failure) Error() string {
	if f.Cause == nil {
		return f.Code
	}
	return f.Code + ": " + f.Cause.Error()
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Outcome is the result of one dispatch: either a normalized Value or a
// Failure, never both.
type Outcome struct {
	Value   any
	Failure *Failure
}

// OK reports whether the dispatch succeeded.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// ErrorCode is the errorCode to send for a failed outcome, or "" on success.
func (o Outcome) ErrorCode() string {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Code
}

func succeeded(v any) Outcome {
	return Outcome{Value: v}
}

func failed(err error) Outcome {
	return Outcome{Failure: classify(err)}
}

func classify(err error) *Failure {
	if errors.Is(err, ErrInvalidCommand) {
		return &Failure{Kind: FailureInvalidCommand, Code: protocol.ErrorCodeInvalidCommand, Cause: err}
	}

	var de *DomainError
	if errors.As(err, &de) && de.Code != "" {
		return &Failure{Kind: FailureDomain, Code: de.Code, Cause: err}
	}

	return &Failure{Kind: FailureUnknown, Code: protocol.ErrorCodeUnknown, Cause: err}
}
