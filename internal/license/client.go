package license

import (
	"context"
)

// ServiceClient is the contract the gate needs from the licensing backend.
// Implementations classify their failures with *Error kinds: transport and
// timeout problems as KindTransient, license verdicts as KindLicenseExpired,
// KindLicenseInvalid or KindLicenseRevoked.
type ServiceClient interface {
	// RequestActivation starts an online activation.
	RequestActivation(ctx context.Context) (*ActivationRequest, error)
	// GetRequestedActivation polls an activation. It returns nil, nil while the
	// user has not completed the browser step.
	GetRequestedActivation(ctx context.Context, req *ActivationRequest) (*License, error)
	// ValidateLicense re-validates an online license and returns the
	// possibly refreshed record.
	ValidateLicense(ctx context.Context, l *License) (*License, error)
	// GenerateDeviceToken produces the token identifying this installation.
	GenerateDeviceToken(ctx context.Context) (DeviceToken, error)
	// ParseLicenseToken verifies a signed license token and decodes it. It
	// must not perform network I/O and must not reject expired tokens; expiry
	// is judged by the caller.
	ParseLicenseToken(token []byte) (*License, error)
}

// Store is the durable single-slot home of the local license.
type Store interface {
	// Load returns nil, nil when no license is stored. A record that exists
	// but cannot be decoded is reported as a corrupt KindStorage error.
	Load(ctx context.Context) (*License, error)
	// Store atomically replaces the stored record.
	Store(ctx context.Context, l *License) error
	// Delete removes the stored record. Deleting an absent record succeeds.
	Delete(ctx context.Context) error
}

// BrowserOpener shows the online activation page to the user.
type BrowserOpener interface {
	OpenBrowser(ctx context.Context, url string) error
}

// BrowserOpenerFunc adapts a function to BrowserOpener.
type BrowserOpenerFunc func(ctx context.Context, url string) error

func (f BrowserOpenerFunc) OpenBrowser(ctx context.Context, url string) error {
	return f(ctx, url)
}
