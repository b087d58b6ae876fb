// Package api exposes the REST surface for building workflows, driving the
// agent synchronously, and managing queued runs. It also serves health and
// Prometheus metrics endpoints.
package api
