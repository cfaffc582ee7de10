// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// setup for ledgerd.
package telemetry
