// Package metrics registers the orchestrator's Prometheus metrics and
// provides a collector loop that derives gauges from store state.
package metrics
