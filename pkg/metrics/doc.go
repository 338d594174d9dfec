// Package metrics defines and registers the engine's Prometheus metrics
// (registry, workspace pool, dispatcher queue/runner counters) and exposes
// them via an HTTP handler for scraping.
package metrics
