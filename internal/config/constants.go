package config

import "time"

// Application constants.
const (
	AppName = "LicenseGate"
	AppSlug = "licensegate"

	EnvPrefix = "LICENSEGATE"

	LicenseFileName        = "license.json"
	DatabaseFileName       = "license.db"
	InstallationIDFileName = "installation.id"
	DeviceTokenFileName    = "device.dt"
	InboxDirName           = "inbox"
	LogsDirName            = "logs"

	DefaultPollInterval   = time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultServerAddr     = "127.0.0.1:8765"

	// MaxLicenseTokenSize bounds an imported license token.
	MaxLicenseTokenSize = 1 << 20
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)
