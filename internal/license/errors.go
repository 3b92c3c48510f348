package license

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies every error the gate can observe. The guard switches on it
// exhaustively; new kinds must be handled there.
type Kind int

const (
	KindUnknown Kind = iota
	KindStorage
	KindActivationRequestFailed
	KindLicenseExpired
	KindLicenseInvalid
	KindLicenseRevoked
	KindDeviceToken
	KindInvalidLicenseToken
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage_error"
	case KindActivationRequestFailed:
		return "activation_request_failed"
	case KindLicenseExpired:
		return "license_expired"
	case KindLicenseInvalid:
		return "license_invalid"
	case KindLicenseRevoked:
		return "license_revoked"
	case KindDeviceToken:
		return "device_token_error"
	case KindInvalidLicenseToken:
		return "invalid_license_token"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Definitive reports whether the kind describes the license itself rather than
// the infrastructure around it.
func (k Kind) Definitive() bool {
	return k == KindLicenseExpired || k == KindLicenseInvalid || k == KindLicenseRevoked
}

// State maps a definitive kind to the license state it implies.
func (k Kind) State() State {
	switch k {
	case KindLicenseExpired:
		return StateExpired
	case KindLicenseRevoked:
		return StateRevoked
	case KindLicenseInvalid, KindInvalidLicenseToken, KindUnknown:
		return StateInvalid
	default:
		return StateUnvalidated
	}
}

// Error is the error type returned by the gate, its stores and its clients.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Corrupt marks a storage error caused by an unreadable record, as opposed
	// to an I/O failure.
	Corrupt bool
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// CorruptError reports a persisted record that exists but cannot be read back.
func CorruptError(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err, Corrupt: true}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Corrupt {
		msg += " (corrupt record)"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below, so callers can write
// errors.Is(err, license.ErrLicenseExpired).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Err != nil {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is matching by kind.
var (
	ErrStorage                 = &Error{Kind: KindStorage}
	ErrActivationRequestFailed = &Error{Kind: KindActivationRequestFailed}
	ErrLicenseExpired          = &Error{Kind: KindLicenseExpired}
	ErrLicenseInvalid          = &Error{Kind: KindLicenseInvalid}
	ErrLicenseRevoked          = &Error{Kind: KindLicenseRevoked}
	ErrDeviceToken             = &Error{Kind: KindDeviceToken}
	ErrInvalidLicenseToken     = &Error{Kind: KindInvalidLicenseToken}
	ErrTransient               = &Error{Kind: KindTransient}
)

// ErrFlowInProgress is returned when an activation operation is attempted
// while another one, or a guard evaluation, holds the gate.
var ErrFlowInProgress = errors.New("another license operation is in progress")

// KindOf returns the kind of the first *Error in err's chain. Deadline and
// network timeouts without a kind are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// IsCorrupt reports whether err is a storage error for an unreadable record.
func IsCorrupt(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindStorage && e.Corrupt
}

func storageError(op string, err error) error {
	if KindOf(err) == KindStorage {
		return err
	}
	return NewError(KindStorage, op, err)
}

func errorf(kind Kind, op, format string, args ...any) *Error {
	return NewError(kind, op, fmt.Errorf(format, args...))
}
