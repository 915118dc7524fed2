package mailer

import (
	"errors"
	"fmt"
)

// FailureKind classifies a failed delivery attempt.
type FailureKind int

const (
	KindOther FailureKind = iota
	KindDisconnected
	KindRejected
	KindAuthFailed
)

func (k FailureKind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindRejected:
		return "rejected"
	case KindAuthFailed:
		return "auth_failed"
	default:
		return "other"
	}
}

// Retryable reports whether a failure of this kind is worth
// a reconnect followed by a single retry.
func (k FailureKind) Retryable() bool {
	return k == KindDisconnected
}

// ErrAuthFailed is matched by every error caused by rejected credentials,
// both on the source mailbox and on the outbound transport.
var ErrAuthFailed = errors.New("authentication failed")

// SendError is returned by transports to describe a failed send.
type SendError struct {
	Kind FailureKind
	Err  error
}

func NewSendError(kind FailureKind, err error) *SendError {
	return &SendError{Kind: kind, Err: err}
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

func (e *SendError) Is(target error) bool {
	return target == ErrAuthFailed && e.Kind == KindAuthFailed
}

// KindOf extracts failure kind from an error chain.
// Errors not produced by a transport are reported as KindOther.
func KindOf(err error) FailureKind {
	if err == nil {
		return KindOther
	}

	var sendErr *SendError
	if errors.As(err, &sendErr) {
		return sendErr.Kind
	}
	if errors.Is(err, ErrAuthFailed) {
		return KindAuthFailed
	}

	return KindOther
}
