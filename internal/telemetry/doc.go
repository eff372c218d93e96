// Package telemetry wraps OpenTelemetry SDK initialization, providing the
// central TracerProvider and MeterProvider configuration for Takt. When
// telemetry is disabled the noop implementations are used and no external
// service is contacted.
package telemetry
