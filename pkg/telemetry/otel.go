package telemetry

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName  string
	Endpoint     string
	Environment  string
	Insecure     bool
	Headers      map[string]string
	ResourceTags map[string]string
}

// SetupProvider initialises the process-wide OpenTelemetry tracer provider using
// the supplied configuration and returns a shutdown function that callers must
// invoke during graceful termination to flush buffered spans.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		// No endpoint configured, return no-op shutdown
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	clientOpts = append(clientOpts, otlptracegrpc.WithDialOption(
		grpc.WithReturnConnectionError(), //nolint:staticcheck // Requested alternative to grpc.WithBlock for connection errors.
	))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", cfg.Environment))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithMaxExportBatchSize(100), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Redaction directs how a named span attribute is exported.
type Redaction struct {
	Attribute string
	Strategy  string // drop, mask, hash, replace
}

// defaultDropKeys never leave the process regardless of caller directives.
var defaultDropKeys = map[string]struct{}{
	"http.request.header.authorization": {},
	"http.request.header.cookie":        {},
	"http.response.header.set_cookie":   {},
	"guardrail.request.body":            {},
}

// RedactAttributes applies a conservative redaction policy to telemetry
// attributes before export.
//
// Credentials and request bodies are dropped unconditionally. Caller
// directives can additionally mask, hash, replace or drop named attributes;
// masking preserves partial data for debugging, hashing keeps a stable value
// for correlation without exposing the original.
func RedactAttributes(redactions []Redaction, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	strategies := make(map[string]string, len(redactions))
	for _, redaction := range redactions {
		strategy := strings.ToLower(redaction.Strategy)
		if strategy == "" {
			strategy = "drop"
		}
		strategies[redaction.Attribute] = strategy
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		if _, drop := defaultDropKeys[key]; drop {
			continue
		}

		switch strategies[key] {
		case "drop":
			continue
		case "mask":
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.AsString())))
		case "hash":
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.AsString())))
		case "replace", "redact":
			redacted = append(redacted, attribute.String(key, "[REDACTED]"))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// maskValue shows partial data for debugging while protecting sensitive portions.
// Shows first 4 and last 4 characters with *** in between (e.g., "1234***6789").
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***" // Too short to mask meaningfully
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic hex hash for correlation tracking.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("[REDACTED:hash:%08x]", h.Sum32())
}
