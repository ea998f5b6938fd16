// Package server exposes the field lab API over a single HTTP server.
//
// Every route shares one middleware chain of request IDs, access logging,
// Prometheus metrics, security headers and CORS, so handlers in internal/api
// only deal with their resource.
package server
