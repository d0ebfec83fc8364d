package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName string
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint    string
	Environment string
	Insecure    bool
	Headers     map[string]string
	// SampleRatio is the fraction of new traces recorded; zero means all.
	// Child spans follow their parent's decision.
	SampleRatio  float64
	ResourceTags map[string]string
}

const exporterDialTimeout = 10 * time.Second

// SetupProvider installs the process-wide tracer provider and W3C trace-context
// propagation, so exchanges stay correlated with the upstream LLM call. The
// returned function flushes buffered spans and must run during shutdown.
func SetupProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, exporterDialTimeout)
	defer cancel()
	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(exporterOptions(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

func exporterOptions(cfg Config) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(
			grpc.WithReturnConnectionError(), //nolint:staticcheck // surfaces dial errors instead of a silent retry loop
		),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return opts
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "polis-chatguard"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
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
	return res, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Redaction strategies understood by RedactAttributes.
const (
	RedactDrop = "drop"
	RedactMask = "mask"
	RedactHash = "hash"
)

// RedactAttributes applies a conservative redaction policy to span attributes before export.
//
// Keys on the default deny-list are always dropped. Keys listed in strategies
// are dropped, masked or hashed; any other key passes through unchanged.
func RedactAttributes(strategies map[string]string, attrs []attribute.KeyValue) []attribute.KeyValue {
	if len(attrs) == 0 {
		return attrs
	}

	dropKeys := map[string]struct{}{
		"http.request.header.authorization": {},
		"http.response.header.set_cookie":   {},
		"request.body":                      {},
		"response.body":                     {},
		"chat.message":                      {},
		"chat.reply":                        {},
	}

	redacted := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		key := string(kv.Key)
		if _, drop := dropKeys[key]; drop {
			continue
		}

		switch strings.ToLower(strategies[key]) {
		case RedactDrop:
			continue
		case RedactMask:
			redacted = append(redacted, attribute.String(key, maskValue(kv.Value.Emit())))
		case RedactHash:
			redacted = append(redacted, attribute.String(key, hashValue(kv.Value.Emit())))
		default:
			redacted = append(redacted, kv)
		}
	}

	return redacted
}

// maskValue keeps the first and last four bytes, e.g. "1234***6789".
func maskValue(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "***" + s[len(s)-4:]
}

// hashValue produces a deterministic digest so values can be correlated without being exposed.
func hashValue(s string) string {
	if s == "" {
		return "[REDACTED:empty]"
	}
	sum := sha256.Sum256([]byte(s))
	return "[REDACTED:hash:" + hex.EncodeToString(sum[:8]) + "]"
}
