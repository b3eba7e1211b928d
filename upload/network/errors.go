package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a transfer failure. The kind decides whether the
// scheduler retries and what the session reports on escalation.
type ErrorKind string

const (
	// KindValidation is bad caller input. Fatal, surfaced immediately.
	KindValidation ErrorKind = "validation"
	// KindInitialize is a failed adapter initialize after its retries.
	KindInitialize ErrorKind = "initialize"
	// KindTransportTransient covers network faults, 5xx, 408, 429 and
	// 308-incomplete results. Retryable.
	KindTransportTransient ErrorKind = "transport_transient"
	// KindTransportFatal is any other 4xx. Not retryable for that chunk.
	KindTransportFatal ErrorKind = "transport_fatal"
	// KindHash is a digest computation failure, treated as transient by
	// the scheduler.
	KindHash ErrorKind = "hash"
	// KindThreshold means more than 10% of chunks permanently failed.
	KindThreshold ErrorKind = "threshold"
	// KindFinalize is a failed adapter finalize after its retry.
	KindFinalize ErrorKind = "finalize"
	// KindCancelled is cooperative cancellation. Terminal but expected.
	KindCancelled ErrorKind = "cancelled"
)

// Error is a classified transfer failure. ChunkIndex is -1 when the failure
// is not tied to a chunk. Incomplete marks a 308-style partial acceptance;
// NextOffset is then the absolute file offset the provider expects next.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	ChunkIndex int
	Message    string
	Incomplete bool
	NextOffset int64
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an Error not tied to a chunk.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, ChunkIndex: -1, Message: msg, Cause: cause}
}

// statusError classifies an unexpected HTTP status per the retry rules:
// 408, 429 and every 5xx are transient, any other 4xx is fatal.
func statusError(status int, body string) *Error {
	kind := KindTransportFatal
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		kind = KindTransportTransient
	}
	return &Error{
		Kind:       kind,
		StatusCode: status,
		ChunkIndex: -1,
		Message:    fmt.Sprintf("unexpected status: %s", body),
	}
}

// transportError wraps a failed round trip. Context cancellation surfaces
// as KindCancelled so the scheduler unwinds instead of retrying.
func transportError(ctx context.Context, err error) *Error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: KindCancelled, ChunkIndex: -1, Cause: err}
	}
	// Timeouts (context or transport level) are retryable transport faults.
	return &Error{Kind: KindTransportTransient, ChunkIndex: -1, Cause: err}
}

// IsRetryable reports whether the scheduler may retry the failed attempt.
func IsRetryable(err error) bool {
	var terr *Error
	if errors.As(err, &terr) {
		switch terr.Kind {
		case KindTransportTransient, KindHash:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Errors without a classification are transport faults from the HTTP
	// stack (connection reset, DNS, timeout): retryable.
	return true
}

// IsIncomplete extracts the 308-style continuation marker, if any.
func IsIncomplete(err error) (nextOffset int64, ok bool) {
	var terr *Error
	if errors.As(err, &terr) && terr.Incomplete {
		return terr.NextOffset, true
	}
	return 0, false
}
