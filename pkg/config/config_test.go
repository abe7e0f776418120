package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guardrail-sh/guardrail/pkg/domain"
	"github.com/guardrail-sh/guardrail/pkg/guardrail"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("Expected default address :8080, got %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Expected default read timeout 15s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level info, got %q", cfg.Logging.Level)
	}
	if cfg.Protection.Strategy != string(guardrail.StrategySequential) {
		t.Errorf("Expected default strategy SEQUENTIAL, got %q", cfg.Protection.Strategy)
	}
	if cfg.Protection.ErrorHandling != string(guardrail.ErrorModeFailOpen) {
		t.Errorf("Expected default error handling FAIL_OPEN, got %q", cfg.Protection.ErrorHandling)
	}
	if cfg.Storage.RedisURL != "" {
		t.Errorf("Expected empty redis URL by default, got %q", cfg.Storage.RedisURL)
	}
}

func TestLoadFullFile(t *testing.T) {
	configContent := `
server:
  address: ":9090"
  read_timeout: 5s
  write_timeout: 20s
  shutdown_timeout: 2s
  max_body_bytes: 4096

logging:
  level: "WARN"
  pretty: true

telemetry:
  otlp_endpoint: "otel-collector:4317"
  insecure: true
  environment: "staging"

storage:
  redis_url: "redis://localhost:6379/0"

protection:
  strategy: "short_circuit"
  error_handling: "fail_closed"
  cache_ttl: 250ms
  cache_size: 2048
  blacklist:
    ips: ["203.0.113.0/24"]
    countries: ["KP"]
  whitelist:
    user_ids: ["health-checker"]
  rules:
    - type: sliding_window
      name: "api-limit"
      characteristics: ["userId"]
      interval: 1m
      max: 100
    - type: detect_bot
      allow: ["googlebot"]
    - type: shield
      mode: dry_run
      categories: ["sql_injection", "xss"]
    - type: validate_email
      deny: ["disposable", "no_mx_records"]
`

	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Address != ":9090" {
		t.Errorf("Expected address :9090, got %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("Expected read timeout 5s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.MaxBodyBytes != 4096 {
		t.Errorf("Expected max body 4096, got %d", cfg.Server.MaxBodyBytes)
	}

	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected log level normalized to warn, got %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Pretty {
		t.Error("Expected pretty logging to be enabled")
	}

	if cfg.Telemetry.OTLPEndpoint != "otel-collector:4317" {
		t.Errorf("Unexpected OTLP endpoint %q", cfg.Telemetry.OTLPEndpoint)
	}
	if cfg.Telemetry.Environment != "staging" {
		t.Errorf("Unexpected environment %q", cfg.Telemetry.Environment)
	}

	if cfg.Storage.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("Unexpected redis URL %q", cfg.Storage.RedisURL)
	}

	p := cfg.Protection
	if p.Strategy != string(guardrail.StrategyShortCircuit) {
		t.Errorf("Expected strategy normalized to SHORT_CIRCUIT, got %q", p.Strategy)
	}
	if p.ErrorHandling != string(guardrail.ErrorModeFailClosed) {
		t.Errorf("Expected error handling normalized to FAIL_CLOSED, got %q", p.ErrorHandling)
	}
	if p.CacheTTL != 250*time.Millisecond {
		t.Errorf("Expected cache TTL 250ms, got %v", p.CacheTTL)
	}
	if p.CacheSize != 2048 {
		t.Errorf("Expected cache size 2048, got %d", p.CacheSize)
	}
	if len(p.Blacklist.IPs) != 1 || p.Blacklist.IPs[0] != "203.0.113.0/24" {
		t.Errorf("Unexpected blacklist IPs %v", p.Blacklist.IPs)
	}
	if len(p.Whitelist.UserIDs) != 1 || p.Whitelist.UserIDs[0] != "health-checker" {
		t.Errorf("Unexpected whitelist user IDs %v", p.Whitelist.UserIDs)
	}

	if len(p.Rules) != 4 {
		t.Fatalf("Expected 4 rules, got %d", len(p.Rules))
	}
	if p.Rules[0].Name != "api-limit" || p.Rules[0].Interval != time.Minute || p.Rules[0].Max != 100 {
		t.Errorf("Unexpected sliding window declaration: %+v", p.Rules[0])
	}
	if p.Rules[2].Mode != "dry_run" {
		t.Errorf("Expected raw mode preserved in declaration, got %q", p.Rules[2].Mode)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	configContent := `
server:
  address: ":9090"
logging:
  level: "error"
protection:
  strategy: "sequential"
`
	t.Setenv("GUARDRAIL_ADDR", ":7070")
	t.Setenv("GUARDRAIL_LOG_LEVEL", "debug")
	t.Setenv("GUARDRAIL_REDIS_URL", "redis://cache.internal:6379")
	t.Setenv("GUARDRAIL_STRATEGY", "parallel")
	t.Setenv("GUARDRAIL_OTLP_INSECURE", "true")
	t.Setenv("GUARDRAIL_BLACKLIST_FILE", "/etc/guardrail/blacklist.yaml")

	cfg, err := Load(writeConfig(t, configContent))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Address != ":7070" {
		t.Errorf("Expected env override address :7070, got %q", cfg.Server.Address)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected env override level debug, got %q", cfg.Logging.Level)
	}
	if cfg.Storage.RedisURL != "redis://cache.internal:6379" {
		t.Errorf("Expected env override redis URL, got %q", cfg.Storage.RedisURL)
	}
	if cfg.Protection.Strategy != string(guardrail.StrategyParallel) {
		t.Errorf("Expected env override strategy PARALLEL, got %q", cfg.Protection.Strategy)
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Expected env override to enable insecure OTLP")
	}
	if cfg.Protection.BlacklistFile != "/etc/guardrail/blacklist.yaml" {
		t.Errorf("Expected env override blacklist file, got %q", cfg.Protection.BlacklistFile)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad log level",
			content: "logging:\n  level: verbose\n",
			wantErr: "invalid log level",
		},
		{
			name:    "bad strategy",
			content: "protection:\n  strategy: RANDOM\n",
			wantErr: "invalid strategy",
		},
		{
			name:    "bad error handling",
			content: "protection:\n  error_handling: EXPLODE\n",
			wantErr: "invalid error_handling",
		},
		{
			name:    "negative cache size",
			content: "protection:\n  cache_size: -5\n",
			wantErr: "cache_size",
		},
		{
			name:    "bad redis scheme",
			content: "storage:\n  redis_url: memcached://host:11211\n",
			wantErr: "redis_url",
		},
		{
			name:    "negative timeout",
			content: "server:\n  read_timeout: -1s\n",
			wantErr: "timeouts",
		},
		{
			name:    "unknown rule type",
			content: "protection:\n  rules:\n    - type: captcha\n",
			wantErr: `unknown rule type "captcha"`,
		},
		{
			name:    "missing rule type",
			content: "protection:\n  rules:\n    - name: anonymous\n",
			wantErr: "rule type is required",
		},
		{
			name:    "unknown email issue",
			content: "protection:\n  rules:\n    - type: validate_email\n      deny: [\"SUSPICIOUS\"]\n",
			wantErr: "unknown email issue",
		},
		{
			name:    "unknown shield category",
			content: "protection:\n  rules:\n    - type: shield\n      categories: [\"alien\"]\n",
			wantErr: "unknown shield category",
		},
		{
			name:    "custom rule without kind",
			content: "protection:\n  rules:\n    - type: custom\n",
			wantErr: "custom rule requires a kind",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			if err == nil {
				t.Fatal("Expected load to fail")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestBuildRulesCompilesChain(t *testing.T) {
	declared := []RuleConfig{
		{Type: "sliding_window", Name: "limit", Interval: time.Minute, Max: 10},
		{Type: "token_bucket", Name: "quota", Interval: time.Hour, RefillRate: 100, Capacity: 1000},
		{Type: "detect_bot", Name: "bots", Allow: []string{"googlebot"}},
		{Type: "validate_email", Name: "signup", Deny: []string{"Disposable", "invalid"}},
		{Type: "shield", Name: "waf", Categories: []string{"SQL_INJECTION"}, CategoryWeights: map[string]int{"XSS": 9}},
		{Type: "filter", Name: "office-only", AllowList: ListConfig{IPs: []string{"192.0.2.0/24"}}},
		{Type: "custom", Name: "plugin", Kind: "scorer", Params: map[string]any{"threshold": 5}},
	}

	rules, err := BuildRules(declared)
	if err != nil {
		t.Fatalf("Failed to build rules: %v", err)
	}
	if len(rules) != len(declared) {
		t.Fatalf("Expected %d rules, got %d", len(declared), len(rules))
	}

	// Binding the chain to an engine proves the declarations are complete.
	evaluators := guardrail.NewEvaluatorRegistry()
	err = evaluators.Register("scorer", func(params map[string]any) (guardrail.Evaluator, error) {
		return guardrail.EvaluatorFunc(func(ctx context.Context, req *domain.Request, chars domain.Characteristics) (domain.RuleResult, error) {
			return domain.RuleResult{Conclusion: domain.ConclusionAllow}, nil
		}), nil
	})
	if err != nil {
		t.Fatalf("Failed to register evaluator: %v", err)
	}

	g, err := guardrail.New(guardrail.Config{Rules: rules, Evaluators: evaluators})
	if err != nil {
		t.Fatalf("Failed to construct engine from declared rules: %v", err)
	}
	defer g.Close()
}

func TestBuildRulesReportsRuleIndex(t *testing.T) {
	_, err := BuildRules([]RuleConfig{
		{Type: "detect_bot"},
		{Type: "teleport"},
	})
	if err == nil {
		t.Fatal("Expected build to fail")
	}
	if !strings.Contains(err.Error(), "rule 1") {
		t.Errorf("Expected error to name rule 1, got %v", err)
	}
}
