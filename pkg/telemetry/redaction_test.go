package telemetry

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRedactAttributesHonorsStrategies(t *testing.T) {
	strategies := map[string]string{
		"caller.key":    RedactHash,
		"tenant.key":    RedactMask,
		"custom.secret": RedactDrop,
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.request.header.authorization", "Bearer secret"),
		attribute.String("chat.message", "my passport is M12345678"),
		attribute.String("caller.key", "user-0042"),
		attribute.String("tenant.key", "seoul-branch-01"),
		attribute.String("custom.secret", "top-secret"),
		attribute.String("safe.field", "value"),
	}

	filtered := RedactAttributes(strategies, attrs)

	if len(filtered) != 3 {
		t.Fatalf("expected 3 attributes after redaction, got %d", len(filtered))
	}

	for _, kv := range filtered {
		switch kv.Key {
		case "caller.key":
			got := kv.Value.AsString()
			if !strings.HasPrefix(got, "[REDACTED:hash:") || strings.Contains(got, "0042") {
				t.Fatalf("unexpected hashed caller %q", got)
			}
			again := RedactAttributes(strategies, []attribute.KeyValue{attribute.String("caller.key", "user-0042")})
			if again[0].Value.AsString() != got {
				t.Fatalf("hash is not deterministic")
			}
		case "tenant.key":
			if got := kv.Value.AsString(); got != "seou***h-01" {
				t.Fatalf("unexpected masked tenant %q", got)
			}
		case "safe.field":
			if kv.Value.AsString() != "value" {
				t.Fatalf("unexpected safe field value %q", kv.Value.AsString())
			}
		default:
			t.Fatalf("unexpected attribute %q present after redaction", kv.Key)
		}
	}
}

func TestSamplerRatio(t *testing.T) {
	tests := []struct {
		ratio float64
		want  string
	}{
		{ratio: 0, want: "AlwaysOnSampler"},
		{ratio: 1, want: "AlwaysOnSampler"},
		{ratio: 0.25, want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		desc := sampler(tt.ratio).Description()
		if !strings.Contains(desc, tt.want) {
			t.Errorf("sampler(%g) = %q, want it to contain %q", tt.ratio, desc, tt.want)
		}
	}
}

func TestExporterOptions(t *testing.T) {
	insecure := exporterOptions(Config{Endpoint: "collector:4317", Insecure: true})
	withHeaders := exporterOptions(Config{Endpoint: "collector:4317", Headers: map[string]string{"x-api-key": "k"}})
	if len(withHeaders) != len(insecure)+1 {
		t.Errorf("headers should add one option: got %d and %d", len(insecure), len(withHeaders))
	}
}

func TestSetupProviderWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{})
	if err != nil {
		t.Fatalf("SetupProvider error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestNewResourceCarriesTags(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		Environment:  "staging",
		ResourceTags: map[string]string{"deployment.region": "ap-northeast-2"},
	})
	if err != nil {
		t.Fatalf("newResource error: %v", err)
	}

	want := map[attribute.Key]string{
		"service.name":           "polis-chatguard",
		"deployment.environment": "staging",
		"deployment.region":      "ap-northeast-2",
	}
	set := res.Set()
	for key, value := range want {
		got, ok := set.Value(key)
		if !ok || got.AsString() != value {
			t.Errorf("resource %s = %q, want %q", key, got.AsString(), value)
		}
	}
}
