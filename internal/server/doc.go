// Package server implements the HTTP API of the voice session service:
// session control (start, stop, toggle, clear-error), the simulated
// permission switch, statistics and Prometheus metrics.
package server
