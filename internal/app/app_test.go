package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/config"
	"licensegate/internal/license"
	"licensegate/internal/shared/testutil"
)

type fixedHost struct{}

func (fixedHost) MACAddress() (string, error) { return "02:00:00:00:00:01", nil }
func (fixedHost) Hostname() (string, error)   { return "build-agent", nil }
func (fixedHost) CPUID() (string, error)      { return "cpu-0001", nil }

type proceedRecorder struct {
	mu  sync.Mutex
	lic *license.License
}

func (p *proceedRecorder) proceed(_ context.Context, lic *license.License) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lic = lic
	return nil
}

func (p *proceedRecorder) license() *license.License {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lic
}

func testConfig(t *testing.T, fixtures *testutil.LicenseTestFixtures, backend string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Licensing.ProductID = testutil.TestProductID
	cfg.Licensing.PublicKey = string(fixtures.PublicKeyPEM(t))
	cfg.Licensing.Endpoint = "http://127.0.0.1:1"
	cfg.Store.Backend = backend
	cfg.Paths.DataDir = t.TempDir()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Telemetry.Metrics = true
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, rec *proceedRecorder) *Application {
	t.Helper()
	logger, _ := testutil.NewTestLogger(t)
	opts := Options{
		Logger:      logger,
		Fingerprint: fixedHost{},
		Opener: license.BrowserOpenerFunc(func(context.Context, string) error {
			return nil
		}),
	}
	if rec != nil {
		opts.Proceed = rec.proceed
	}
	a, err := New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestNew_StoreBackends(t *testing.T) {
	for _, backend := range []string{config.StoreFile, config.StoreSQLite} {
		t.Run(backend, func(t *testing.T) {
			fixtures := testutil.NewLicenseTestFixtures(t, t.TempDir())
			cfg := testConfig(t, fixtures, backend)
			ctx := context.Background()

			a := newTestApp(t, cfg, nil)
			lic, err := a.Gate.SelectLicenseToken(ctx, []byte(fixtures.ValidToken(t, "lic-"+backend)))
			require.NoError(t, err)
			assert.Equal(t, license.ActivationOffline, lic.ActivationMethod)
			require.NoError(t, a.Close(ctx))

			// The sealed record survives a restart on the same device.
			reopened := newTestApp(t, cfg, nil)
			stored, err := reopened.Gate.CurrentLicense(ctx)
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Equal(t, "lic-"+backend, stored.ID)
		})
	}
}

func TestNew_LicenseSealedAtRest(t *testing.T) {
	fixtures := testutil.NewLicenseTestFixtures(t, t.TempDir())
	cfg := testConfig(t, fixtures, config.StoreFile)
	a := newTestApp(t, cfg, nil)

	token := fixtures.ValidToken(t, "lic-sealed")
	_, err := a.Gate.SelectLicenseToken(context.Background(), []byte(token))
	require.NoError(t, err)

	data, err := os.ReadFile(a.Paths.LicenseFile)
	require.NoError(t, err)
	assert.NotContains(t, string(data), token)
	assert.NotContains(t, string(data), "lic-sealed")
}

func TestNew_ConfigErrors(t *testing.T) {
	fixtures := testutil.NewLicenseTestFixtures(t, t.TempDir())

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "unparsable public key",
			mutate:  func(c *config.Config) { c.Licensing.PublicKey = "not a pem" },
			wantErr: "public key",
		},
		{
			name: "missing public key file",
			mutate: func(c *config.Config) {
				c.Licensing.PublicKey = ""
				c.Licensing.PublicKeyFile = filepath.Join(t.TempDir(), "missing.pem")
			},
			wantErr: "public key",
		},
		{
			name:    "unknown transient policy",
			mutate:  func(c *config.Config) { c.Licensing.TransientPolicy = "retry" },
			wantErr: "transient policy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, fixtures, config.StoreFile)
			tt.mutate(cfg)
			logger, _ := testutil.NewTestLogger(t)

			_, err := New(context.Background(), cfg, Options{Logger: logger, Fingerprint: fixedHost{}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunGate_ProceedsWithStoredLicense(t *testing.T) {
	fixtures := testutil.NewLicenseTestFixtures(t, t.TempDir())
	cfg := testConfig(t, fixtures, config.StoreFile)
	rec := &proceedRecorder{}
	a := newTestApp(t, cfg, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := a.Gate.SelectLicenseToken(ctx, []byte(fixtures.ValidToken(t, "lic-stored")))
	require.NoError(t, err)

	require.NoError(t, a.RunGate(ctx))
	require.NotNil(t, rec.license())
	assert.Equal(t, "lic-stored", rec.license().ID)
}

func TestRunGate_ActivatesFromInbox(t *testing.T) {
	fixtures := testutil.NewLicenseTestFixtures(t, t.TempDir())
	cfg := testConfig(t, fixtures, config.StoreFile)
	rec := &proceedRecorder{}
	a := newTestApp(t, cfg, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.RunGate(ctx) }()

	// Give the watcher time to start before dropping the file.
	time.Sleep(200 * time.Millisecond)
	path := filepath.Join(a.Paths.InboxDir, "portal.lic")
	require.NoError(t, os.WriteFile(path, []byte(fixtures.ValidToken(t, "lic-inbox")), 0o600))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("gate did not proceed after the inbox import")
	}
	require.NotNil(t, rec.license())
	assert.Equal(t, "lic-inbox", rec.license().ID)
	assert.NoFileExists(t, path)
}

func TestHandler_ServesSurface(t *testing.T) {
	fixtures := testutil.NewLicenseTestFixtures(t, t.TempDir())
	cfg := testConfig(t, fixtures, config.StoreFile)
	a := newTestApp(t, cfg, nil)

	h, err := a.Handler(context.Background())
	require.NoError(t, err)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/api/license", http.StatusNotFound, "/errors/license/not-found"},
		{"/metrics", http.StatusOK, "go_goroutines"},
	}
	for _, tt := range tests {
		t.Run(strings.TrimPrefix(tt.path, "/"), func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
		})
	}
}

func TestSystemBrowser_FallsBackToConsole(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	var console strings.Builder
	b := NewSystemBrowser(&console, logger)
	b.open = func(string) error { return os.ErrNotExist }

	require.NoError(t, b.OpenBrowser(context.Background(), "https://portal.example/activate/1"))
	assert.Contains(t, console.String(), "https://portal.example/activate/1")
	assert.True(t, logs.ContainsMessage("Failed to open browser"))
}
