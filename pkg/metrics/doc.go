// Package metrics exports the Prometheus metrics for both the reader
// backend server and the client pool manager.
package metrics
