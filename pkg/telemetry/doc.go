// Package telemetry wires OpenTelemetry for a shield node.
//
// SetupProvider installs the process-wide tracer provider exporting over
// OTLP/gRPC. SetupMetrics installs an SDK meter provider whose instruments
// are exposed in Prometheus format on the admin listener.
package telemetry
