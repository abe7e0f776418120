package telemetry

import "sync"

// ResetRuleMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetRuleMetricsForTest() {
	ruleMetricsOnce = sync.Once{}
	ruleMetricsInitErr = nil
	ruleEvaluationCounter = nil
	ruleErrorCounter = nil
	ruleOverrideCounter = nil
	ruleDurationHistogram = nil
}
