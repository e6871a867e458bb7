// Package errs implements the core error taxonomy shared by every backend
// and the fetch-policy handler (spec.md §7).
package errs

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error kinds a backend or core component may
// raise. It is a sealed sum in spirit: callers switch on Kind rather than
// type-asserting concrete error types.
type Kind int

const (
	KindSync Kind = iota
	KindNetwork
	KindTimeout
	KindAuthentication
	KindAuthorization
	KindValidation
	KindTransaction
	KindState
	KindEncryption
	KindPool
)

func (k Kind) String() string {
	switch k {
	case KindSync:
		return "SyncError"
	case KindNetwork:
		return "NetworkError"
	case KindTimeout:
		return "TimeoutError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindValidation:
		return "ValidationError"
	case KindTransaction:
		return "TransactionError"
	case KindState:
		return "StateError"
	case KindEncryption:
		return "EncryptionError"
	case KindPool:
		return "PoolError"
	default:
		return "UnknownError"
	}
}

// retryableByDefault mirrors the table in spec.md §7. Individual errors may
// override it via WithRetryable.
var retryableByDefault = map[Kind]bool{
	KindSync:           true,
	KindNetwork:        true,
	KindTimeout:        true,
	KindAuthentication:  false,
	KindAuthorization:   false,
	KindValidation:      false,
	KindTransaction:     true,
	KindState:           false,
	KindEncryption:      false,
	KindPool:            false,
}

// Sub is a second-level discriminant for the kinds that carry one
// (StateError{current,expected}, EncryptionError{...}, PoolError{...}).
type Sub string

const (
	// StateError subkinds.
	SubUninitialized Sub = "uninitialized"
	SubClosed        Sub = "closed"

	// EncryptionError subkinds.
	SubVersionMismatch Sub = "versionMismatch"
	SubAuthFailure     Sub = "authFailure"
	SubFormat          Sub = "format"

	// PoolError subkinds.
	SubNotInitialized Sub = "notInitialized"
	SubDisposed       Sub = "disposed"
	SubAcquireTimeout Sub = "acquireTimeout"
	SubPoolClosed     Sub = "closed"
	SubExhausted      Sub = "exhausted"
	SubConnection     Sub = "connection"
)

// Error is the concrete value every core operation returns on failure. It
// carries enough structure for callers to branch on Kind/Sub without string
// matching, while still behaving like a normal Go error.
type Error struct {
	Kind       Kind
	Sub        Sub    // empty unless Kind is State, Encryption, or Pool
	Message    string
	Cause      error
	Retryable  bool
	Current    string // StateError.current
	Expected   string // StateError.expected
	StackTrace string
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Sub != "" {
		msg += "{" + string(e.Sub) + "}"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable reports whether a caller should attempt the operation again.
func (e *Error) IsRetryable() bool { return e.Retryable }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{
		Kind:      k,
		Message:   msg,
		Cause:     cause,
		Retryable: retryableByDefault[k],
	}
}

// Sync builds a generic SyncError.
func Sync(msg string, cause error) *Error { return newErr(KindSync, msg, cause) }

// Network builds a NetworkError (unreachable host).
func Network(msg string, cause error) *Error { return newErr(KindNetwork, msg, cause) }

// Timeout builds a TimeoutError (I/O deadline exceeded).
func Timeout(msg string, cause error) *Error { return newErr(KindTimeout, msg, cause) }

// Authentication builds a non-retryable AuthenticationError.
func Authentication(msg string, cause error) *Error { return newErr(KindAuthentication, msg, cause) }

// Authorization builds a non-retryable AuthorizationError.
func Authorization(msg string, cause error) *Error { return newErr(KindAuthorization, msg, cause) }

// Validation builds a non-retryable ValidationError (constraint violation,
// invalid shape).
func Validation(msg string, cause error) *Error { return newErr(KindValidation, msg, cause) }

// Transaction builds a retryable TransactionError (conflict/lock/busy).
func Transaction(msg string, cause error) *Error { return newErr(KindTransaction, msg, cause) }

// State builds a StateError describing an operation attempted in the wrong
// lifecycle state.
func State(sub Sub, current, expected string) *Error {
	e := newErr(KindState, fmt.Sprintf("expected state %q, got %q", expected, current), nil)
	e.Sub = sub
	e.Current = current
	e.Expected = expected
	return e
}

// Uninitialized is the StateError every backend method returns when called
// before initialize() or after close().
func Uninitialized() *Error {
	return State(SubUninitialized, "uninitialized", "initialized")
}

// Encryption builds an EncryptionError with the given subkind.
func Encryption(sub Sub, msg string, cause error) *Error {
	e := newErr(KindEncryption, msg, cause)
	e.Sub = sub
	return e
}

// Pool builds a PoolError with the given subkind. Retryability varies by
// subkind per spec.md §7 ("varies").
func Pool(sub Sub, msg string, cause error) *Error {
	e := newErr(KindPool, msg, cause)
	e.Sub = sub
	switch sub {
	case SubAcquireTimeout, SubExhausted, SubConnection:
		e.Retryable = true
	default:
		e.Retryable = false
	}
	return e
}

// WithRetryable overrides the default retryability for an error produced by
// one of the constructors above.
func WithRetryable(e *Error, retryable bool) *Error {
	clone := *e
	clone.Retryable = retryable
	return &clone
}

// As reports whether err is (or wraps) an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	var target *Error
	ok := errors.As(err, &target)
	return target, ok
}
