// Package errs defines the error taxonomy shared by the swap engine.
//
// Every rejection surfaced by the order book, the escrow state machine, the
// coordinator or a chain adapter carries exactly one Kind. Callers branch on
// the Kind, never on message text:
//
//	Validation     malformed input, sub-minimum fill, unauthorized resolver
//	StateConflict  stale amount, escrow already settled, duplicate creation
//	Timing         resolve after timelock, refund before timelock
//	SecretMismatch preimage does not hash to the hashlock
//	External       RPC timeout, reverted or underpriced transaction
//
// Only External is retryable.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and reporting decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindStateConflict
	KindTiming
	KindSecretMismatch
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindStateConflict:
		return "state_conflict"
	case KindTiming:
		return "timing"
	case KindSecretMismatch:
		return "secret_mismatch"
	case KindExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrStateConflict  = &Error{Kind: KindStateConflict}
	ErrTiming         = &Error{Kind: KindTiming}
	ErrSecretMismatch = &Error{Kind: KindSecretMismatch}
	ErrExternal       = &Error{Kind: KindExternal}
)

// Error is a classified error. Op names the operation that failed
// (e.g. "orderbook.SubmitFill").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

func newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

func StateConflict(op, format string, args ...any) error {
	return newf(KindStateConflict, op, format, args...)
}

func Timing(op, format string, args ...any) error {
	return newf(KindTiming, op, format, args...)
}

func SecretMismatch(op, format string, args ...any) error {
	return newf(KindSecretMismatch, op, format, args...)
}

func External(op, format string, args ...any) error {
	return newf(KindExternal, op, format, args...)
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err may be retried with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindExternal
}
