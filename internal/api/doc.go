// Package api hosts the HTTP handlers of the field lab registry.
//
// Handler fronts a storage.Repository for users and posts and a
// provision.Service for samples. Dependencies are injected at construction;
// the package keeps no globals. Request IDs, CORS, security headers, metrics
// and access logging are applied by internal/server before a handler runs.
package api
