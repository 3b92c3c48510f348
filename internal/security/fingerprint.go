package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DeviceFingerprint identifies the machine an installation runs on.
type DeviceFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintSource reads the raw hardware factors. It is replaced in tests.
type FingerprintSource interface {
	MACAddress() (string, error)
	Hostname() (string, error)
	CPUID() (string, error)
}

// FingerprintManager generates and caches the device fingerprint.
type FingerprintManager struct {
	source        FingerprintSource
	logger        *slog.Logger
	cache         *DeviceFingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
	now           func() time.Time
}

// NewFingerprintManager creates a fingerprint manager reading the host.
func NewFingerprintManager(logger *slog.Logger) *FingerprintManager {
	return NewFingerprintManagerWithSource(hostSource{}, logger)
}

// NewFingerprintManagerWithSource creates a fingerprint manager over source.
func NewFingerprintManagerWithSource(source FingerprintSource, logger *slog.Logger) *FingerprintManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &FingerprintManager{
		source:        source,
		logger:        logger.With(slog.String("component", "fingerprint")),
		cacheDuration: time.Hour,
		now:           time.Now,
	}
}

// GenerateFingerprint hashes the hardware factors into a stable identifier.
// Factors that cannot be read fall back to fixed placeholders so the result
// stays stable on the same machine.
func (fm *FingerprintManager) GenerateFingerprint() (*DeviceFingerprint, error) {
	fm.cacheMutex.RLock()
	if fm.cache != nil && fm.now().Before(fm.cacheExpiry) {
		cached := *fm.cache
		fm.cacheMutex.RUnlock()
		return &cached, nil
	}
	fm.cacheMutex.RUnlock()

	macAddr, err := fm.source.MACAddress()
	if err != nil {
		macAddr = "unknown-mac"
		fm.logger.Warn("Failed to get MAC address, using fallback", slog.String("error", err.Error()))
	}
	hostname, err := fm.source.Hostname()
	if err != nil {
		hostname = "unknown-host"
		fm.logger.Warn("Failed to get hostname, using fallback", slog.String("error", err.Error()))
	}
	cpuID, err := fm.source.CPUID()
	if err != nil {
		cpuID = "unknown-cpu"
		fm.logger.Warn("Failed to get CPU ID, using fallback", slog.String("error", err.Error()))
	}

	combined := strings.Join([]string{macAddr, hostname, cpuID, runtime.GOOS, runtime.GOARCH}, "|")
	hash := sha256.Sum256([]byte(combined))

	fp := &DeviceFingerprint{
		Fingerprint: hex.EncodeToString(hash[:]),
		Hostname:    hostname,
		MACAddress:  macAddr,
		CPUID:       cpuID,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
		GeneratedAt: fm.now().UTC(),
	}

	fm.cacheMutex.Lock()
	fm.cache = fp
	fm.cacheExpiry = fm.now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	fm.logger.Debug("Device fingerprint generated",
		slog.String("fingerprint", fp.Fingerprint[:12]),
		slog.String("os", fp.OS),
		slog.String("platform", fp.Platform),
	)

	result := *fp
	return &result, nil
}

// ClearCache forces the next GenerateFingerprint to read the host again.
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()
	fm.cache = nil
	fm.cacheExpiry = time.Time{}
}

type hostSource struct{}

// MACAddress returns the first up, non-loopback interface address, falling
// back to any interface with a hardware address.
func (hostSource) MACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	usable := func(iface net.Interface) bool {
		mac := iface.HardwareAddr.String()
		return mac != "" && mac != "00:00:00:00:00:00"
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if usable(iface) {
			return iface.HardwareAddr.String(), nil
		}
	}
	for _, iface := range interfaces {
		if usable(iface) {
			return iface.HardwareAddr.String(), nil
		}
	}
	return "", fmt.Errorf("no valid MAC address found")
}

func (hostSource) Hostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}
	return hostname, nil
}

func (hostSource) CPUID() (string, error) {
	raw := runtime.GOOS + "-" + runtime.GOARCH
	switch runtime.GOOS {
	case "windows":
		if id := os.Getenv("PROCESSOR_IDENTIFIER"); id != "" {
			raw = id
		}
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") || strings.HasPrefix(line, "cpu family") {
					raw = line
					break
				}
			}
		}
	case "darwin":
		if t := os.Getenv("HOSTTYPE"); t != "" {
			raw = raw + "-" + t
		}
	}
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:8]), nil
}
