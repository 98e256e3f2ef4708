// Package api documents the abflow HTTP API.
//
// The handlers live in api/handlers; this package carries the API overview
// used by swag when regenerating OpenAPI documentation.
//
// # API Overview
//
// abflow provides a RESTful API for:
//   - Deterministic variant assignment (POST /api/v1/assign)
//   - Conversion recording (POST /api/v1/conversions)
//   - Experiment listing and lookup (GET /api/v1/experiments[/{name}])
//   - Significance reports (GET /api/v1/experiments/{name}/report, GET /api/v1/reports)
//   - Sample size planning (GET /api/v1/experiments/{name}/sample-size)
//   - Health monitoring and metrics
//
// Assignment never fails from the caller's point of view: an unknown,
// paused, or unreachable experiment yields the control variant with
// "bound": false.
//
// # Authentication
//
// Experiment administration endpoints (create, weights, pause, resume,
// conclude) require either the X-API-Key header or an HS256 bearer token:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <jwt>
//
// Read-only and assignment endpoints are open.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// Prometheus metrics are served separately on :9091/metrics.
//
// # Generating Documentation
//
//	swag init -g cmd/abflow/main.go -o api --parseDependency --parseInternal
package api
