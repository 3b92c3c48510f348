package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// TestProductID is the product every fixture token is issued for.
const TestProductID = "licensegate-test"

// TokenSpec describes a license token to sign. Zero fields get defaults.
type TokenSpec struct {
	ID        string
	ProductID string
	Name      string
	Email     string
	// ExpiresIn is relative to Now. Zero means perpetual.
	ExpiresIn time.Duration
	Now       time.Time
}

// LicenseTestFixtures signs license tokens with a throwaway Ed25519 vendor
// key and writes license files for tests.
type LicenseTestFixtures struct {
	TestDataDir string
	PublicKey   ed25519.PublicKey
	PrivateKey  ed25519.PrivateKey
}

// NewLicenseTestFixtures creates a fixtures manager with a fresh key pair.
func NewLicenseTestFixtures(t testing.TB, testDataDir string) *LicenseTestFixtures {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return &LicenseTestFixtures{TestDataDir: testDataDir, PublicKey: pub, PrivateKey: priv}
}

// PublicKeyPEM returns the verification key in PKIX PEM form.
func (f *LicenseTestFixtures) PublicKeyPEM(t testing.TB) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(f.PublicKey)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// SignedToken signs a license token for spec.
func (f *LicenseTestFixtures) SignedToken(t testing.TB, spec TokenSpec) string {
	t.Helper()
	token, err := signToken(f.PrivateKey, spec)
	require.NoError(t, err)
	return token
}

// ValidToken returns a token that expires in 30 days.
func (f *LicenseTestFixtures) ValidToken(t testing.TB, id string) string {
	return f.SignedToken(t, TokenSpec{ID: id, ExpiresIn: 30 * 24 * time.Hour})
}

// ExpiredToken returns a token that expired 10 days ago.
func (f *LicenseTestFixtures) ExpiredToken(t testing.TB, id string) string {
	return f.SignedToken(t, TokenSpec{ID: id, ExpiresIn: -10 * 24 * time.Hour})
}

// ForeignToken returns a token signed by a key the fixtures do not trust.
func (f *LicenseTestFixtures) ForeignToken(t testing.TB, id string) string {
	t.Helper()
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	token, err := signToken(other, TokenSpec{ID: id, ExpiresIn: time.Hour})
	require.NoError(t, err)
	return token
}

// CreateTestLicenseFile writes token to name under TestDataDir and returns
// the full path.
func (f *LicenseTestFixtures) CreateTestLicenseFile(t testing.TB, name, token string) string {
	t.Helper()
	path := filepath.Join(f.TestDataDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
	return path
}

// CreateCorruptedLicenseFile writes a license file damaged in the named way:
// "empty", "garbage", "truncated" or "tampered".
func (f *LicenseTestFixtures) CreateCorruptedLicenseFile(t testing.TB, name, corruptionType string) string {
	t.Helper()
	valid := f.ValidToken(t, "lic-corrupt-0001")

	var content string
	switch corruptionType {
	case "empty":
		content = ""
	case "garbage":
		content = "this is not a license token"
	case "truncated":
		content = valid[:len(valid)/2]
	case "tampered":
		// Flip a character in the signature segment.
		b := []byte(valid)
		last := len(b) - 2
		if b[last] == 'A' {
			b[last] = 'B'
		} else {
			b[last] = 'A'
		}
		content = string(b)
	default:
		t.Fatalf("unknown corruption type %q", corruptionType)
	}
	return f.CreateTestLicenseFile(t, name, content)
}

func signToken(key ed25519.PrivateKey, spec TokenSpec) (string, error) {
	if spec.ID == "" {
		return "", fmt.Errorf("token spec needs an id")
	}
	if spec.ProductID == "" {
		spec.ProductID = TestProductID
	}
	if spec.Name == "" {
		spec.Name = "Test User"
	}
	if spec.Email == "" {
		spec.Email = "test.user@example.com"
	}
	if spec.Now.IsZero() {
		spec.Now = time.Now()
	}

	claims := jwt.MapClaims{
		"jti":          spec.ID,
		"iat":          spec.Now.Unix(),
		"cv":           1,
		"name":         spec.Name,
		"email":        spec.Email,
		"product_id":   spec.ProductID,
		"product_name": "LicenseGate Test",
	}
	if spec.ExpiresIn != 0 {
		claims["exp"] = spec.Now.Add(spec.ExpiresIn).Unix()
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(key)
}
