package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

var (
	ruleMetricsOnce       sync.Once
	ruleMetricsInitErr    error
	ruleEvaluationCounter metric.Int64Counter
	ruleErrorCounter      metric.Int64Counter
	ruleOverrideCounter   metric.Int64Counter
	ruleDurationHistogram metric.Float64Histogram
)

// RuleMetrics captures the fields needed to record one rule evaluation on the
// OpenTelemetry side, where per-rule attributes travel with the trace export.
type RuleMetrics struct {
	Rule        string
	Type        string
	Conclusion  domain.Conclusion
	DryRun      bool
	Overridden  bool // a dry-run rule voted DENY and was converted to ALLOW
	Duration    time.Duration
	ErrStrategy string // fail_open or fail_closed, set when the rule errored
}

// RecordRuleMetrics emits counters and histograms that describe rule
// evaluation behaviour.
func RecordRuleMetrics(ctx context.Context, metrics RuleMetrics) {
	if err := ensureRuleMetrics(); err != nil {
		return
	}

	mode := "live"
	if metrics.DryRun {
		mode = "dry_run"
	}
	attrs := []attribute.KeyValue{
		attribute.String("rule.name", metrics.Rule),
		attribute.String("rule.type", metrics.Type),
		attribute.String("rule.conclusion", string(metrics.Conclusion)),
		attribute.String("rule.mode", mode),
	}

	ruleEvaluationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		ruleDurationHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Overridden {
		ruleOverrideCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if metrics.ErrStrategy != "" {
		errAttrs := append(attrs, attribute.String("error.strategy", metrics.ErrStrategy))
		ruleErrorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
	}
}

func ensureRuleMetrics() error {
	ruleMetricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("guardrail.engine")

		ruleEvaluationCounter, ruleMetricsInitErr = meter.Int64Counter(
			"guardrail.rule.evaluations_total",
			metric.WithDescription("Rule evaluations partitioned by conclusion and mode"),
			metric.WithUnit("{count}"),
		)
		if ruleMetricsInitErr != nil {
			return
		}

		ruleErrorCounter, ruleMetricsInitErr = meter.Int64Counter(
			"guardrail.rule.errors_total",
			metric.WithDescription("Rule evaluation failures by error strategy"),
			metric.WithUnit("{count}"),
		)
		if ruleMetricsInitErr != nil {
			return
		}

		ruleOverrideCounter, ruleMetricsInitErr = meter.Int64Counter(
			"guardrail.rule.dry_run_overrides_total",
			metric.WithDescription("Denials converted to allows by dry-run mode"),
			metric.WithUnit("{count}"),
		)
		if ruleMetricsInitErr != nil {
			return
		}

		ruleDurationHistogram, ruleMetricsInitErr = meter.Float64Histogram(
			"guardrail.rule.duration_ms",
			metric.WithDescription("Observed rule evaluation latency"),
			metric.WithUnit("ms"),
		)
	})

	return ruleMetricsInitErr
}
