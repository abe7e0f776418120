// Package telemetry wires the engine's observability surface.
//
// It owns a Prometheus registry for operational metrics and the scrape
// endpoint, centralises OpenTelemetry trace provider setup with OTLP export,
// records per-rule evaluation instruments, and offers enrichment helpers that
// attach decision metadata to spans so operators can correlate denials with
// client behaviour. Attribute redaction keeps identity material out of
// exported spans.
package telemetry
