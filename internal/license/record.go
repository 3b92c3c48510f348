package license

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ActivationMethod records how a license reached this installation.
type ActivationMethod string

const (
	// ActivationOnline licenses were obtained through the browser flow and are
	// re-validated against the licensing service on every start.
	ActivationOnline ActivationMethod = "online"
	// ActivationOffline licenses were imported from a signed token file and are
	// only ever validated locally.
	ActivationOffline ActivationMethod = "offline"
)

// State is the derived validation state of a license. It is computed every
// time the guard runs and is never persisted.
type State int

const (
	StateUnvalidated State = iota
	StateValid
	StateExpired
	StateInvalid
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateUnvalidated:
		return "unvalidated"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateInvalid:
		return "invalid"
	case StateRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Licensee identifies who a license was issued to.
type Licensee struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// Product identifies the licensed product.
type Product struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

// License is the single locally persisted entitlement record.
type License struct {
	ID               string           `json:"id" validate:"required"`
	ActivationMethod ActivationMethod `json:"activation_method" validate:"required,oneof=online offline"`
	IssuedTo         Licensee         `json:"issued_to"`
	Product          Product          `json:"product"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	Token            string           `json:"token" validate:"required"`

	State State `json:"-"`
}

var recordValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the structural integrity of the record. It does not verify
// the signature of Token.
func (l *License) Validate() error {
	if l == nil {
		return fmt.Errorf("license is nil")
	}
	if err := recordValidator.Struct(l); err != nil {
		return fmt.Errorf("malformed license record: %w", err)
	}
	return nil
}

// Perpetual reports whether the license never expires.
func (l *License) Perpetual() bool {
	return l.ExpiresAt == nil
}

// Expired reports whether the license is past its expiry at now.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// Clone returns a deep copy of the record.
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// ActivationRequest is the ephemeral handle of an online activation. It is
// created by the licensing service, polled until it yields a license, and then
// discarded.
type ActivationRequest struct {
	BrowserURL    string `json:"browser_url"`
	CorrelationID string `json:"correlation_id"`
}

// DeviceToken identifies this installation for offline activation. It is
// handed to the user as a file and never read back.
type DeviceToken []byte
