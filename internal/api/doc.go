// Package api exposes the Agent Hub REST surface: job submission and status,
// the agent catalogue, admin operations guarded by a bearer token, health and
// Prometheus metrics. Routing is built on chi.
package api
