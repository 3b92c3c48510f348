// Package license gates application startup behind a valid license.
// It decides on every start and resume whether to proceed, to walk the user
// through activation, or to abort.
//
// # Architecture Overview
//
// The package consists of several components:
//
//	- License: the single persisted entitlement record
//	- Store: durable single-slot persistence (see internal/persis)
//	- ServiceClient: the licensing backend (see internal/licensing)
//	- Guard: validates the stored license and decides what happens next
//	- Activator: the online (polling) and offline (token file) flows
//	- Gate: coordinates Guard and Activator and calls the proceed callback
//
// # Validation Flow
//
// The guard follows these steps:
//
//	1. Load the stored license; none means activation is required
//	2. Offline licenses: verify the signed token locally and check expiry
//	3. Online licenses: re-validate with the service and store the refreshed record
//	4. Expired, invalid or revoked: delete the record and enter activation
//	5. Service unreachable: abort, or proceed unverified when configured
//
// Offline licenses are never sent to the network.
//
// # Activation Flows
//
// Online activation requests an activation, opens the returned browser URL
// once and polls the service at a fixed interval until it yields a license.
// The loop ends when its context is cancelled.
//
// Offline activation is a file exchange. GenerateDeviceToken writes device.dt
// for the user to upload to the portal, and SelectLicenseToken imports the
// signed license file the portal returns.
//
// Both flows either store a license and signal completion or leave the store
// untouched. After a completion the gate validates again from the top.
//
// # Errors
//
// Every failure carries a Kind. Use KindOf or errors.Is with the Err*
// sentinels:
//
//	if errors.Is(err, license.ErrInvalidLicenseToken) {
//	    // show the import error and let the user pick another file
//	}
//
// # Concurrency
//
// A Gate runs one guard evaluation or one activation flow at a time.
// Concurrent Run calls join the evaluation in progress; a second activation
// operation fails with ErrFlowInProgress.
//
// # Usage Example
//
//	gate := license.NewGate(license.GateConfig{
//	    Store:   filestore.New(dir, nil),
//	    Client:  client,
//	    Opener:  opener,
//	    Proceed: func(ctx context.Context, lic *license.License) error {
//	        return app.Start(ctx)
//	    },
//	    Logger: logger,
//	})
//	if err := gate.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package license
