package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

func recordedSpan(t *testing.T, record func(span trace.Span)) tracetest.SpanStub {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "protect")
	record(span)
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
	return tracetest.SpanStubFromReadOnlySpan(spans[0])
}

func TestRecordDecisionDenied(t *testing.T) {
	decision := &domain.Decision{
		ID:         "req_01",
		Conclusion: domain.ConclusionDeny,
		Reason: &domain.Reason{
			Kind: domain.ReasonShield,
			Shield: &domain.ShieldReason{
				Category: "SQL_INJECTION",
				Location: "query",
				Excerpt:  "' OR 1=1 --",
			},
		},
		Results: []domain.RuleResult{{Rule: "signup-shield", Conclusion: domain.ConclusionDeny}},
		Characteristics: domain.Characteristics{
			domain.CharacteristicEmail:  "person@example.com",
			domain.CharacteristicUserID: "user-42",
		},
	}

	stub := recordedSpan(t, func(span trace.Span) {
		RecordDecision(span, decision)
	})

	attrs := attribute.NewSet(stub.Attributes...)
	if value, ok := attrs.Value(attribute.Key("guardrail.decision.conclusion")); !ok || value.AsString() != "DENY" {
		t.Fatalf("expected conclusion DENY, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("guardrail.decision.reason")); !ok || value.AsString() != "SHIELD" {
		t.Fatalf("expected reason SHIELD, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("guardrail.shield.category")); !ok || value.AsString() != "SQL_INJECTION" {
		t.Fatalf("expected shield category, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("guardrail.client.email")); !ok || value.AsString() != "pers***.com" {
		t.Fatalf("expected masked email, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("guardrail.client.user_id")); ok && value.AsString() == "user-42" {
		t.Fatalf("raw user id leaked into span")
	}
	for _, kv := range stub.Attributes {
		if kv.Value.AsString() == "' OR 1=1 --" {
			t.Fatalf("shield excerpt leaked into span attribute %q", kv.Key)
		}
	}

	if len(stub.Events) != 1 || stub.Events[0].Name != "guardrail.denied" {
		t.Fatalf("expected guardrail.denied event, got %+v", stub.Events)
	}
}

func TestRecordDecisionAllowedHasNoDenyEvent(t *testing.T) {
	decision := &domain.Decision{
		ID:         "req_02",
		Conclusion: domain.ConclusionAllow,
		Results:    []domain.RuleResult{{Rule: "signup-shield", Conclusion: domain.ConclusionAllow}},
	}

	stub := recordedSpan(t, func(span trace.Span) {
		RecordDecision(span, decision)
	})

	if len(stub.Events) != 0 {
		t.Fatalf("expected no events on allow, got %+v", stub.Events)
	}
	attrs := attribute.NewSet(stub.Attributes...)
	if _, ok := attrs.Value(attribute.Key("guardrail.decision.reason")); ok {
		t.Fatalf("allowed decision must not carry a reason attribute")
	}
}

func TestRecordClientNetwork(t *testing.T) {
	stub := recordedSpan(t, func(span trace.Span) {
		RecordClientNetwork(span, domain.IPInfo{
			IP:      "203.0.113.7",
			Country: "NL",
			ASN:     "AS13335",
			VPN:     true,
		})
	})

	attrs := attribute.NewSet(stub.Attributes...)
	if value, ok := attrs.Value(attribute.Key("guardrail.ip.anonymized")); !ok || !value.AsBool() {
		t.Fatalf("expected anonymized true, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("guardrail.ip.country")); !ok || value.AsString() != "NL" {
		t.Fatalf("expected country NL, got %v", value)
	}
	for _, kv := range stub.Attributes {
		if kv.Value.AsString() == "203.0.113.7" {
			t.Fatalf("raw address leaked into span attribute %q", kv.Key)
		}
	}
}
