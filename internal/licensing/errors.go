package licensing

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"licensegate/internal/license"
)

// apiError is the error body returned by the licensing service.
type apiError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e *apiError) String() string {
	switch {
	case e == nil:
		return ""
	case e.Message != "":
		return e.Reason + ": " + e.Message
	default:
		return e.Reason
	}
}

// httpError describes an unexpected response status.
type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("licensing service returned %d %s", e.status, e.body)
}

// reasonKind maps a verdict reason from the service onto a license kind.
func reasonKind(reason string) license.Kind {
	switch strings.ToLower(reason) {
	case "expired", "license_expired":
		return license.KindLicenseExpired
	case "revoked", "suspended", "license_revoked":
		return license.KindLicenseRevoked
	case "invalid", "not_found", "license_invalid", "fingerprint_mismatch":
		return license.KindLicenseInvalid
	default:
		return license.KindUnknown
	}
}

// classifyValidation turns a validate response into a kinded error. Transport
// errors, timeouts and 5xx are transient; 4xx carry the license verdict.
func classifyValidation(op string, resp *resty.Response, err error) error {
	if err != nil {
		return license.NewError(license.KindTransient, op, err)
	}
	status := resp.StatusCode()
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return license.NewError(license.KindTransient, op, &httpError{status: status, body: bodyText(resp)})
	case status == http.StatusNotFound:
		return license.NewError(license.KindLicenseInvalid, op, &httpError{status: status, body: bodyText(resp)})
	}

	apiErr, _ := resp.Error().(*apiError)
	kind := license.KindUnknown
	if apiErr != nil {
		kind = reasonKind(apiErr.Reason)
	}
	if kind == license.KindUnknown && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		kind = license.KindLicenseInvalid
	}
	return license.NewError(kind, op, &httpError{status: status, body: bodyText(resp)})
}

// classifyActivation handles request-time failures, which always end the
// flow as KindActivationRequestFailed.
func classifyActivation(op string, resp *resty.Response, err error) error {
	if err != nil {
		return license.NewError(license.KindActivationRequestFailed, op, err)
	}
	return license.NewError(license.KindActivationRequestFailed, op,
		&httpError{status: resp.StatusCode(), body: bodyText(resp)})
}

// classifyPoll keeps polling on transport problems and 5xx; a 4xx ends the
// flow.
func classifyPoll(op string, resp *resty.Response, err error) error {
	if err != nil {
		return license.NewError(license.KindTransient, op, err)
	}
	status := resp.StatusCode()
	if status >= 500 || status == http.StatusTooManyRequests {
		return license.NewError(license.KindTransient, op, &httpError{status: status, body: bodyText(resp)})
	}
	return license.NewError(license.KindActivationRequestFailed, op, &httpError{status: status, body: bodyText(resp)})
}

func bodyText(resp *resty.Response) string {
	if apiErr, ok := resp.Error().(*apiError); ok && apiErr != nil && apiErr.Reason != "" {
		return apiErr.String()
	}
	body := strings.TrimSpace(resp.String())
	if len(body) > 200 {
		body = body[:200]
	}
	return body
}
