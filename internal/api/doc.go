// Package api exposes the job pipeline over HTTP: submitting lending
// operations, inspecting their status and history, plus health and
// Prometheus endpoints.
package api
