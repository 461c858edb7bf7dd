package fault

import "errors"

// Kind classifies a failure so callers can tell "try again later" apart from
// "this operation can never succeed as constructed".
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindRetryable
	KindInvariant
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRetryable:
		return "retryable"
	case KindInvariant:
		return "invariant"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is a sentinel error tagged with its kind. Sentinels are compared by
// identity, so errors.Is works through any amount of %w wrapping.
type Error struct {
	kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

// Kind returns the classification of the sentinel.
func (e *Error) Kind() Kind { return e.kind }

func Validation(msg string) *Error { return &Error{kind: KindValidation, msg: msg} }
func Retryable(msg string) *Error { return &Error{kind: KindRetryable, msg: msg} }
func Invariant(msg string) *Error { return &Error{kind: KindInvariant, msg: msg} }
func Unauthorized(msg string) *Error { return &Error{kind: KindUnauthorized, msg: msg} }

// KindOf walks the wrap chain and returns the first classified kind found.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

func IsRetryable(err error) bool { return KindOf(err) == KindRetryable }
func IsInvariant(err error) bool { return KindOf(err) == KindInvariant }
