// Package telemetry provides structured logging, Prometheus metrics,
// distributed tracing, and control event publishing for the strata
// engine. The Sink type adapts the whole surface to the engine's event
// interface so the core never depends on this package.
package telemetry
