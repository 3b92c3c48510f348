// Package licensing is the HTTP client for the licensing service. License
// tokens are JWTs signed by the vendor and verified locally with the
// configured public key.
package licensing

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"licensegate/internal/license"
)

const defaultTimeout = 15 * time.Second

// Config configures the client.
type Config struct {
	Endpoint       string
	ProductID      string
	PublicKey      crypto.PublicKey
	InstallationID string
	Timeout        time.Duration
	UserAgent      string
	Now            func() time.Time
}

// Client implements license.ServiceClient against the licensing service.
type Client struct {
	http           *resty.Client
	productID      string
	publicKey      crypto.PublicKey
	installationID string
	device         DeviceIdentity
	now            func() time.Time
	logger         *slog.Logger
}

var _ license.ServiceClient = (*Client)(nil)

type activationRequestBody struct {
	InstallationID string `json:"installation_id"`
	Fingerprint    string `json:"fingerprint"`
	Hostname       string `json:"hostname,omitempty"`
}

type activationRequestResponse struct {
	BrowserURL    string `json:"browser_url"`
	CorrelationID string `json:"correlation_id"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type validateBody struct {
	Token          string `json:"token"`
	InstallationID string `json:"installation_id"`
}

// New creates a client. device may be nil when only ParseLicenseToken is
// needed.
func New(cfg Config, device DeviceIdentity, logger *slog.Logger) (*Client, error) {
	if cfg.PublicKey == nil {
		return nil, errors.New("licensing: public key is required")
	}
	if _, err := SigningMethodFor(cfg.PublicKey); err != nil {
		return nil, fmt.Errorf("licensing: %w", err)
	}
	if cfg.ProductID == "" {
		return nil, errors.New("licensing: product id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "licensegate"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent)

	return &Client{
		http:           httpClient,
		productID:      cfg.ProductID,
		publicKey:      cfg.PublicKey,
		installationID: cfg.InstallationID,
		device:         device,
		now:            cfg.Now,
		logger:         logger.With(slog.String("component", "licensing_client")),
	}, nil
}

func (c *Client) productPath(format string, args ...any) string {
	return fmt.Sprintf(format, append([]any{url.PathEscape(c.productID)}, args...)...)
}

// RequestActivation starts an online activation for this installation.
func (c *Client) RequestActivation(ctx context.Context) (*license.ActivationRequest, error) {
	const op = "request activation"

	body := activationRequestBody{InstallationID: c.installationID}
	if c.device != nil {
		fp, err := c.device.GenerateFingerprint()
		if err != nil {
			return nil, license.NewError(license.KindActivationRequestFailed, op, err)
		}
		body.Fingerprint = fp.Fingerprint
		body.Hostname = fp.Hostname
	}

	var out activationRequestResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&apiError{}).
		Post(c.productPath("/api/client/activations/%s/request"))
	if err != nil || resp.IsError() {
		return nil, classifyActivation(op, resp, err)
	}
	if out.BrowserURL == "" || out.CorrelationID == "" {
		return nil, license.NewError(license.KindActivationRequestFailed, op, errors.New("incomplete activation response"))
	}

	c.logger.DebugContext(ctx, "Activation requested", slog.String("correlation_id", out.CorrelationID))
	return &license.ActivationRequest{BrowserURL: out.BrowserURL, CorrelationID: out.CorrelationID}, nil
}

// GetRequestedActivation returns nil, nil while the user has not finished
// the browser step.
func (c *Client) GetRequestedActivation(ctx context.Context, req *license.ActivationRequest) (*license.License, error) {
	const op = "poll activation"

	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiError{}).
		Get(c.productPath("/api/client/activations/%s/request/%s", url.PathEscape(req.CorrelationID)))
	if err != nil || resp.IsError() {
		return nil, classifyPoll(op, resp, err)
	}
	if resp.StatusCode() == http.StatusNoContent || resp.StatusCode() == http.StatusAccepted || out.Token == "" {
		return nil, nil
	}

	lic, err := c.parse(out.Token, license.ActivationOnline)
	if err != nil {
		return nil, license.NewError(license.KindActivationRequestFailed, op, err)
	}
	return lic, nil
}

// ValidateLicense re-validates an online license and returns the refreshed
// record issued by the service.
func (c *Client) ValidateLicense(ctx context.Context, l *license.License) (*license.License, error) {
	const op = "validate license"

	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(validateBody{Token: l.Token, InstallationID: c.installationID}).
		SetResult(&out).
		SetError(&apiError{}).
		Post(c.productPath("/api/client/licenses/%s/validate"))
	if err != nil || resp.IsError() {
		return nil, classifyValidation(op, resp, err)
	}
	if out.Token == "" {
		return l.Clone(), nil
	}

	lic, err := c.parse(out.Token, license.ActivationOnline)
	if err != nil {
		return nil, license.NewError(license.KindLicenseInvalid, op, err)
	}
	if lic.ID != l.ID {
		return nil, license.NewError(license.KindLicenseInvalid, op,
			fmt.Errorf("service returned license %s", license.MaskID(lic.ID)))
	}
	return lic, nil
}

// GenerateDeviceToken encodes this installation's identity for upload to
// the licensing portal.
func (c *Client) GenerateDeviceToken(_ context.Context) (license.DeviceToken, error) {
	if c.device == nil {
		return nil, errors.New("no device identity configured")
	}
	if c.installationID == "" {
		return nil, errors.New("no installation id configured")
	}
	fp, err := c.device.GenerateFingerprint()
	if err != nil {
		return nil, fmt.Errorf("generate fingerprint: %w", err)
	}
	token, err := EncodeDeviceToken(DeviceTokenPayload{
		InstallationID: c.installationID,
		ProductID:      c.productID,
		Fingerprint:    fp.Fingerprint,
		Hostname:       fp.Hostname,
		OS:             fp.OS + "/" + fp.Platform,
		GeneratedAt:    c.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return license.DeviceToken(token), nil
}

// ParseLicenseToken verifies an offline license token. It performs no
// network I/O and leaves expiry to the caller.
func (c *Client) ParseLicenseToken(token []byte) (*license.License, error) {
	return c.parse(strings.TrimSpace(string(token)), license.ActivationOffline)
}

func (c *Client) parse(token string, method license.ActivationMethod) (*license.License, error) {
	claims, err := VerifyToken(c.publicKey, token)
	if err != nil {
		return nil, err
	}
	if claims.ProductID != c.productID {
		return nil, fmt.Errorf("token is for product %q, not %q", claims.ProductID, c.productID)
	}
	return claims.License(token, method), nil
}
