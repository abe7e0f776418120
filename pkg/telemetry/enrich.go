package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// decisionRedactions keep identity material out of exported spans: addresses
// are masked, user identifiers become stable hashes so denials for the same
// user still correlate.
var decisionRedactions = []Redaction{
	{Attribute: "guardrail.client.email", Strategy: "mask"},
	{Attribute: "guardrail.client.user_id", Strategy: "hash"},
}

// RecordDecision annotates the provided span with the decision outcome.
func RecordDecision(span trace.Span, decision *domain.Decision) {
	if span == nil || decision == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("guardrail.decision.id", decision.ID),
		attribute.String("guardrail.decision.conclusion", string(decision.Conclusion)),
		attribute.Int("guardrail.decision.rules", len(decision.Results)),
	}

	if email := decision.Characteristics[domain.CharacteristicEmail]; email != "" {
		attrs = append(attrs, attribute.String("guardrail.client.email", email))
	}
	if userID := decision.Characteristics[domain.CharacteristicUserID]; userID != "" {
		attrs = append(attrs, attribute.String("guardrail.client.user_id", userID))
	}

	if reason := decision.Reason; reason != nil {
		attrs = append(attrs, attribute.String("guardrail.decision.reason", string(reason.Kind)))

		switch {
		case reason.RateLimit != nil:
			attrs = append(attrs,
				attribute.Int("guardrail.ratelimit.remaining", reason.RateLimit.Remaining),
				attribute.Int("guardrail.ratelimit.max", reason.RateLimit.Max),
			)
		case reason.Bot != nil:
			attrs = append(attrs,
				attribute.String("guardrail.bot.name", reason.Bot.Name),
				attribute.Int("guardrail.bot.confidence", reason.Bot.Confidence),
			)
		case reason.Shield != nil:
			// Category and location only; the excerpt is payload and stays
			// out of exported spans.
			attrs = append(attrs,
				attribute.String("guardrail.shield.category", reason.Shield.Category),
				attribute.String("guardrail.shield.location", reason.Shield.Location),
			)
		case reason.Filter != nil:
			attrs = append(attrs, attribute.String("guardrail.filter.field", reason.Filter.Field))
		}
	}

	span.SetAttributes(RedactAttributes(decisionRedactions, attrs)...)

	if decision.IsDenied() {
		span.AddEvent("guardrail.denied")
	}
}

// RecordClientNetwork attaches coarse-grained IP intelligence to the span
// without recording the address itself.
func RecordClientNetwork(span trace.Span, info domain.IPInfo) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("guardrail.ip.anonymized", info.Anonymized()),
		attribute.Bool("guardrail.ip.hosting", info.Hosting),
	}
	if info.Country != "" {
		attrs = append(attrs, attribute.String("guardrail.ip.country", info.Country))
	}
	if info.ASN != "" {
		attrs = append(attrs, attribute.String("guardrail.ip.asn", info.ASN))
	}
	if info.Service != "" {
		attrs = append(attrs, attribute.String("guardrail.ip.service", info.Service))
	}

	span.SetAttributes(attrs...)
}
