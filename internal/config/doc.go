// Package config loads the application configuration.
//
// # Configuration Sources
//
// Configuration is assembled in order of increasing precedence:
//
//	1. Default values
//	2. A YAML file, licensegate.yaml or $XDG_CONFIG_HOME/licensegate/config.yaml
//	3. Environment variables, optionally seeded from a .env file
//
// # Environment Variables
//
// Variables use the LICENSEGATE prefix followed by the section name:
//
//	LICENSEGATE_LICENSING_ENDPOINT=https://licensing.example.com
//	LICENSEGATE_LICENSING_PRODUCT_ID=acme-desktop
//	LICENSEGATE_LICENSING_PUBLIC_KEY_FILE=/etc/acme/vendor.pem
//	LICENSEGATE_LICENSING_TRANSIENT_POLICY=proceed_cached
//	LICENSEGATE_STORE_BACKEND=sqlite
//	LICENSEGATE_LOGGING_LEVEL=debug
//
// # Path Management
//
// ResolvePaths derives every file location from the data directory, which
// defaults to $XDG_DATA_HOME/licensegate.
//
//	paths, err := cfg.ResolvePaths()
//	store := filestore.New(paths.DataDir, sealer)
//
// # Usage
//
//	cfg, err := config.Load(config.LoadOptions{EnvFile: ".env"})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
