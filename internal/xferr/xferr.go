// Package xferr defines the error taxonomy shared by every component of the
// transfer accelerator, following the sentinel-error convention used
// elsewhere in this codebase (internal/validation) rather than bespoke
// per-package error types.
package xferr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP-status mapping and retry decisions.
type Kind int

const (
	// KindInternal marks an invariant violation; always fatal, always logged.
	KindInternal Kind = iota
	// KindProtocol marks a malformed body, wrong shape, or size disagreement.
	KindProtocol
	// KindUnknown marks a reference to an instance/transaction/peer that does not exist.
	KindUnknown
	// KindOutOfRange marks an offset/size outside bucket or instance bounds.
	KindOutOfRange
	// KindCorrupted marks an MD5 mismatch at commit time.
	KindCorrupted
	// KindTransport marks a network/5xx/timeout failure; the only kind retried.
	KindTransport
	// KindCapacity marks the Active Push Transactions table full with nothing evictable.
	KindCapacity
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindUnknown:
		return "unknown"
	case KindOutOfRange:
		return "out_of_range"
	case KindCorrupted:
		return "corrupted"
	case KindTransport:
		return "transport"
	case KindCapacity:
		return "capacity"
	default:
		return "internal"
	}
}

// HTTPStatus maps a Kind to the status code returned to a remote peer.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindProtocol:
		return 400
	case KindUnknown:
		return 404
	case KindOutOfRange:
		return 400
	case KindCorrupted:
		return 409
	case KindCapacity:
		return 503
	case KindTransport:
		return 502
	default:
		return 500
	}
}

// Retryable reports whether the runner should retry a query that failed with this kind.
// Per the error handling design, only Transport failures are retried.
func (k Kind) Retryable() bool {
	return k == KindTransport
}

var (
	ErrProtocol   = errors.New("protocol error")
	ErrUnknown    = errors.New("unknown reference")
	ErrOutOfRange = errors.New("out of range")
	ErrCorrupted  = errors.New("corrupted content")
	ErrTransport  = errors.New("transport failure")
	ErrCapacity   = errors.New("at capacity")
	ErrInternal   = errors.New("internal error")
)

// kindError pairs a Kind with a wrapped cause so errors.Is/As and %w chains work normally.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }

// sentinelFor returns the package sentinel matching a Kind, for errors.Is chains.
func sentinelFor(k Kind) error {
	switch k {
	case KindProtocol:
		return ErrProtocol
	case KindUnknown:
		return ErrUnknown
	case KindOutOfRange:
		return ErrOutOfRange
	case KindCorrupted:
		return ErrCorrupted
	case KindTransport:
		return ErrTransport
	case KindCapacity:
		return ErrCapacity
	default:
		return ErrInternal
	}
}

// New builds an error of the given kind carrying msg, classifiable via KindOf.
func New(k Kind, msg string) error {
	return &kindError{kind: k, cause: fmt.Errorf("%w: %s", sentinelFor(k), msg)}
}

// Wrap builds an error of the given kind wrapping an existing cause.
func Wrap(k Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: k, cause: fmt.Errorf("%w: %w", sentinelFor(k), cause)}
}

// KindOf classifies err, defaulting to KindInternal when it carries no
// recognizable sentinel (e.g. an error from a third-party library).
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	for _, k := range []Kind{KindProtocol, KindUnknown, KindOutOfRange, KindCorrupted, KindTransport, KindCapacity} {
		if errors.Is(err, sentinelFor(k)) {
			return k
		}
	}
	return KindInternal
}
