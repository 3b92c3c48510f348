package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/app"
	"licensegate/internal/license"
	"licensegate/internal/shared/testutil"
)

type fixedHost struct{}

func (fixedHost) MACAddress() (string, error) { return "02:00:00:00:00:02", nil }
func (fixedHost) Hostname() (string, error)   { return "cli-test", nil }
func (fixedHost) CPUID() (string, error)      { return "cpu-cli", nil }

type cliEnv struct {
	fixtures *testutil.LicenseTestFixtures
	dataDir  string
	opts     *rootOptions
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	fixtures := testutil.NewLicenseTestFixtures(t, t.TempDir())
	dataDir := t.TempDir()
	t.Setenv("LICENSEGATE_LICENSING_PRODUCT_ID", testutil.TestProductID)
	t.Setenv("LICENSEGATE_LICENSING_PUBLIC_KEY", string(fixtures.PublicKeyPEM(t)))
	t.Setenv("LICENSEGATE_PATHS_DATA_DIR", dataDir)
	t.Setenv("LICENSEGATE_SERVER_ADDR", "127.0.0.1:0")

	logger, _ := testutil.NewTestLogger(t)
	return &cliEnv{
		fixtures: fixtures,
		dataDir:  dataDir,
		opts: &rootOptions{appOptions: app.Options{
			Logger:      logger,
			Fingerprint: fixedHost{},
			Opener: license.BrowserOpenerFunc(func(context.Context, string) error {
				return nil
			}),
		}},
	}
}

func (e *cliEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmdWith(e.opts)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--env-file", filepath.Join(e.dataDir, "missing.env")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatus_NoLicense(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No license")
}

func TestImportStatusDeactivate(t *testing.T) {
	env := newCLIEnv(t)
	path := env.fixtures.CreateTestLicenseFile(t, "customer.lic", env.fixtures.ValidToken(t, "lic-cli-0001"))

	out, err := env.execute(t, "activate", "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported license")
	assert.NotContains(t, out, "lic-cli-0001")

	out, err = env.execute(t, "status", "--json")
	require.NoError(t, err)
	var status licenseStatus
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Activated)
	assert.Equal(t, "offline", status.ActivationMethod)
	assert.Equal(t, testutil.TestProductID, status.Product)
	assert.False(t, status.Expired)

	out, err = env.execute(t, "deactivate")
	require.NoError(t, err)
	assert.Contains(t, out, "License removed")

	out, err = env.execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No license")
}

func TestImport_Rejected(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name  string
		token string
	}{
		{"expired token", env.fixtures.ExpiredToken(t, "lic-old")},
		{"foreign signature", env.fixtures.ForeignToken(t, "lic-forged")},
		{"garbage", "definitely not a token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := env.fixtures.CreateTestLicenseFile(t, strings.ReplaceAll(tt.name, " ", "-")+".lic", tt.token)
			_, err := env.execute(t, "activate", "import", path)
			require.Error(t, err)
			assert.Equal(t, license.KindInvalidLicenseToken, license.KindOf(err))
		})
	}

	out, err := env.execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No license")
}

func TestImport_MissingFile(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.execute(t, "activate", "import", filepath.Join(env.dataDir, "nope.lic"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read license file")
}

func TestActivateDeviceToken(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.execute(t, "activate", "device-token")
	require.NoError(t, err)

	path := filepath.Join(env.dataDir, "device.dt")
	assert.Contains(t, out, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestVersion(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "licensegate "), out)
}

func TestRun_RequiresCommand(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.execute(t, "run")
	require.Error(t, err)
}
