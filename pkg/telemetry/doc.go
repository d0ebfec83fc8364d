// Package telemetry wires OpenTelemetry tracing and meters for the chat
// gateway.
//
// It sets up the OTLP trace provider, records exchange outcomes and masking
// volumes as metrics, and offers helpers that attach security events and
// redacted attributes to spans. Nothing recorded here carries message text.
package telemetry
