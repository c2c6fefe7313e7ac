// Package api exposes the settlement engine over HTTP/JSON under /api/v1.
// Every route except /healthz requires a signed request (see internal/auth);
// failures are returned as {"code", "reason"} with the HTTP status derived
// from the error kind.
package api
