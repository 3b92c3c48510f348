// Package shared holds helpers used by more than one package.
//
// The testutil subpackage provides:
//
//	- Signed license token fixtures and a matching vendor public key
//	- A buffered slog handler for asserting on log output
//
// Example usage:
//
//	func TestImport(t *testing.T) {
//	    fx := testutil.NewLicenseTestFixtures(t, t.TempDir())
//	    token := fx.ValidToken(t, "lic-1")
//	    logger, logs := testutil.NewTestLogger(t)
//	    // ...
//	}
//
// Nothing here may import a domain package.
package shared
