package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/license"
	"licensegate/internal/shared/testutil"
)

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantKind   string
		wantDetail string
	}{
		{
			name:       "invalid license token",
			err:        license.NewError(license.KindInvalidLicenseToken, "parse license token", errors.New("bad signature")),
			wantStatus: http.StatusUnprocessableEntity,
			wantType:   TypeInvalidLicenseToken,
			wantKind:   "invalid_license_token",
			wantDetail: "bad signature",
		},
		{
			name:       "activation request failed",
			err:        license.NewError(license.KindActivationRequestFailed, "request activation", errors.New("503")),
			wantStatus: http.StatusBadGateway,
			wantType:   TypeActivationRequest,
			wantKind:   "activation_request_failed",
		},
		{
			name:       "storage failure hides detail",
			err:        license.NewError(license.KindStorage, "store license", errors.New("/home/u/.local/share: permission denied")),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeLicenseStorage,
			wantKind:   "storage_error",
			wantDetail: "see the application log",
		},
		{
			name:       "transient",
			err:        fmt.Errorf("validate: %w", license.NewError(license.KindTransient, "validate license", errors.New("timeout"))),
			wantStatus: http.StatusServiceUnavailable,
			wantType:   TypeServiceDown,
			wantKind:   "transient",
		},
		{
			name:       "flow in progress",
			err:        license.ErrFlowInProgress,
			wantStatus: http.StatusConflict,
			wantType:   TypeFlowInProgress,
		},
		{
			name:       "api error",
			err:        ErrLicenseNotFound.WithDetail("no license is stored"),
			wantStatus: http.StatusNotFound,
			wantType:   TypeLicenseNotFound,
			wantDetail: "no license is stored",
		},
		{
			name:       "cancelled",
			err:        context.Canceled,
			wantStatus: http.StatusConflict,
			wantType:   TypeActivationCancelled,
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			h := NewErrorHandler(logger, false)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/activation/license-token", nil)
			h.HandleError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeProblem(t, rec)
			assert.Equal(t, tt.wantType, body["type"])
			assert.Equal(t, float64(tt.wantStatus), body["status"])
			assert.Equal(t, "/api/activation/license-token", body["instance"])
			assert.Contains(t, body, "trace_id")
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, body["error_kind"])
			}
			if tt.wantDetail != "" {
				assert.Contains(t, body["detail"], tt.wantDetail)
			}
			assert.True(t, logs.ContainsMessage("request failed"))
		})
	}
}

func TestErrorHandler_NilError(t *testing.T) {
	h := NewErrorHandler(nil, false)
	rec := httptest.NewRecorder()
	h.HandleError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestErrorHandler_Recoverer(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := NewErrorHandler(logger, true)

	handler := h.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("nil license")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/license", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeProblem(t, rec)
	assert.Equal(t, TypeInternal, body["type"])
	assert.Equal(t, "nil license", body["panic"])
	testutil.AssertLogContains(t, logs, slog.LevelError, "panic recovered")
}

func TestErrorHandler_NotFoundAndMethod(t *testing.T) {
	h := NewErrorHandler(nil, false)

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, TypeNotFound, decodeProblem(t, rec)["type"])

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodPut, "/api/license", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, decodeProblem(t, rec)["detail"], "PUT")
}

func TestProblemDetailsMarshal(t *testing.T) {
	pd := NewProblemDetails(http.StatusConflict, TypeFlowInProgress, "Busy", "", "/x").
		WithExtension("retry_after", 5).
		WithExtension("status", 999)

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, float64(http.StatusConflict), body["status"], "extensions cannot override standard fields")
	assert.Equal(t, float64(5), body["retry_after"])
	assert.NotContains(t, body, "detail")
}
