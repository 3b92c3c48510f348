package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Paths contains every file system location the application uses.
type Paths struct {
	DataDir            string
	LogsDir            string
	LogFile            string
	LicenseFile        string
	DatabaseFile       string
	InstallationIDFile string
	DeviceTokenFile    string
	InboxDir           string
}

// UserDataDir returns the per-user data directory.
func UserDataDir() string {
	return filepath.Join(xdg.DataHome, AppSlug)
}

// UserConfigDir returns the per-user configuration directory.
func UserConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppSlug)
}

// ResolvePaths turns the configured paths into absolute locations. Empty
// settings fall back to the per-user data directory.
func (c *Config) ResolvePaths() (*Paths, error) {
	dataDir := c.Paths.DataDir
	if dataDir == "" {
		dataDir = UserDataDir()
	}
	dataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	within := func(p, fallback string) (string, error) {
		if p == "" {
			return fallback, nil
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p), nil
		}
		return filepath.Abs(p)
	}

	deviceTokenDir, err := within(c.Paths.DeviceTokenDir, dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device token dir: %w", err)
	}
	inboxDir, err := within(c.Paths.InboxDir, filepath.Join(dataDir, InboxDirName))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox dir: %w", err)
	}

	logsDir := filepath.Join(dataDir, LogsDirName)
	logFile := c.Logging.FilePath
	if logFile == "" {
		logFile = filepath.Join(logsDir, AppSlug+".log")
	} else if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(dataDir, logFile)
	}

	return &Paths{
		DataDir:            dataDir,
		LogsDir:            logsDir,
		LogFile:            logFile,
		LicenseFile:        filepath.Join(dataDir, LicenseFileName),
		DatabaseFile:       filepath.Join(dataDir, DatabaseFileName),
		InstallationIDFile: filepath.Join(dataDir, InstallationIDFileName),
		DeviceTokenFile:    filepath.Join(deviceTokenDir, DeviceTokenFileName),
		InboxDir:           inboxDir,
	}, nil
}

// EnsureDirectories creates the directories the application writes to. The
// data directory holds the license and is private to the user.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{
		p.DataDir,
		filepath.Dir(p.LogFile),
		filepath.Dir(p.DeviceTokenFile),
		p.InboxDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LogPathResolution logs the resolved paths at debug level.
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	logger.Debug("Resolved paths",
		slog.String("data_dir", p.DataDir),
		slog.String("license_file", p.LicenseFile),
		slog.String("database_file", p.DatabaseFile),
		slog.String("device_token_file", p.DeviceTokenFile),
		slog.String("inbox_dir", p.InboxDir),
		slog.String("log_file", p.LogFile),
	)
}

// FileExists reports whether path exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
