package licensing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"licensegate/internal/fileutil"
	"licensegate/internal/security"
)

// DeviceIdentity supplies the hardware fingerprint.
// *security.FingerprintManager implements it.
type DeviceIdentity interface {
	GenerateFingerprint() (*security.DeviceFingerprint, error)
}

// DeviceTokenPayload is what the portal decodes from an uploaded device
// token.
type DeviceTokenPayload struct {
	InstallationID string    `json:"installation_id"`
	ProductID      string    `json:"product_id"`
	Fingerprint    string    `json:"fingerprint"`
	Hostname       string    `json:"hostname"`
	OS             string    `json:"os"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// EncodeDeviceToken returns the base64 JSON form written to device.dt.
func EncodeDeviceToken(p DeviceTokenPayload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecodeDeviceToken reverses EncodeDeviceToken.
func DecodeDeviceToken(token []byte) (*DeviceTokenPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(token)))
	if err != nil {
		return nil, fmt.Errorf("decode device token: %w", err)
	}
	var p DeviceTokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode device token: %w", err)
	}
	return &p, nil
}

// LoadOrCreateInstallationID reads the installation ID at path, creating a
// new one on first use.
func LoadOrCreateInstallationID(path string) (string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from configuration
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read installation id: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate installation id: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, []byte(id.String()+"\n"), fileutil.FilePerm); err != nil {
		return "", fmt.Errorf("write installation id: %w", err)
	}
	return id.String(), nil
}
