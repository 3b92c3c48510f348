// Package http exposes the license gate's activation surface over HTTP for a
// local UI.
//
// # Routes
//
//	GET    /api/license                   current license, token redacted
//	POST   /api/activation/online         start online activation (202)
//	DELETE /api/activation/online         cancel online activation
//	POST   /api/activation/device-token   write the offline device token
//	POST   /api/activation/license-token  import a signed license token
//	GET    /api/events                    websocket event stream
//	GET    /healthz                       liveness
//	GET    /metrics                       Prometheus scrape endpoint
//
// Handlers stay thin: they parse the request, call the gate and render the
// result. Every failure goes through internal/errors and is answered with an
// RFC 7807 problem document.
package http
