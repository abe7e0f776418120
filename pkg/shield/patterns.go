package shield

// builtinPatterns is the default signature catalogue, ordered by category and
// confidence. Names are stable identifiers reported in detections, so
// renaming one is a breaking change for anyone alerting on them. Only
// injected patterns pass through the static ReDoS budget; the builtins are
// trusted at review time, which lets a few of them use counted repetitions
// the budget would refuse.
var builtinPatterns = []Pattern{
	// SQL injection
	{
		Name:     "sql.union-select",
		Expr:     `(?i)union(?:\s|\+|%20)+(?:all(?:\s|\+|%20)+)?select`,
		Category: CategorySQLInjection,
	},
	{
		Name:     "sql.tautology",
		Expr:     `(?i)\b(?:or|and)\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+`,
		Category: CategorySQLInjection,
	},
	{
		Name:     "sql.quote-comment",
		Expr:     `(?i)(?:'|%27)\s*(?:--|#|/\*)`,
		Category: CategorySQLInjection,
	},
	{
		Name:     "sql.stacked-query",
		Expr:     `(?i);\s*(?:select|insert|update|delete|drop|alter|create|truncate)\b`,
		Category: CategorySQLInjection,
	},
	{
		Name:     "sql.time-probe",
		Expr:     `(?i)\b(?:sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`,
		Category: CategorySQLInjection,
	},
	{
		Name:     "sql.schema-probe",
		Expr:     `(?i)\b(?:information_schema|sysobjects|pg_catalog)\b`,
		Category: CategorySQLInjection,
	},
	{
		Name:     "sql.file-write",
		Expr:     `(?i)\binto\s+(?:out|dump)file\b`,
		Category: CategorySQLInjection,
	},
	{
		Name:     "sql.inline-comment",
		Expr:     `\s--(?:\s|$)|/\*|\*/`,
		Category: CategorySQLInjection,
		Weight:   2,
		Weak:     true, // comment markers appear in prose and glob paths
	},
	{
		Name:     "sql.keyword",
		Expr:     `(?i)\b(?:select|insert|update|delete|drop|union)\b`,
		Category: CategorySQLInjection,
		Weight:   1,
		Weak:     true, // bare keywords appear in REST paths like /api/select
	},

	// Cross-site scripting
	{
		Name:     "xss.script-tag",
		Expr:     `(?i)<\s*script\b`,
		Category: CategoryXSS,
	},
	{
		Name:     "xss.encoded-script-tag",
		Expr:     `(?i)(?:%3c|&#x3c;|&lt;)\s*script`,
		Category: CategoryXSS,
	},
	{
		Name:     "xss.event-handler",
		Expr:     `(?i)\bon(?:error|load|click|focus|mouseover|submit|input)\s*=`,
		Category: CategoryXSS,
	},
	{
		Name:     "xss.javascript-uri",
		Expr:     `(?i)\bjavascript\s*:`,
		Category: CategoryXSS,
	},
	{
		Name:     "xss.embed-tag",
		Expr:     `(?i)<\s*(?:iframe|object|embed|applet)\b`,
		Category: CategoryXSS,
	},
	{
		Name:     "xss.dom-sink",
		Expr:     `(?i)\bdocument\s*\.\s*(?:cookie|location|write)\b`,
		Category: CategoryXSS,
		Weight:   2,
		Weak:     true,
	},
	{
		Name:     "xss.dialog-call",
		Expr:     `(?i)\b(?:alert|prompt|confirm)\s*\(`,
		Category: CategoryXSS,
		Weight:   1,
		Weak:     true,
	},

	// Command injection
	{
		Name:     "cmd.chained-binary",
		Expr:     "(?i)[;&|`]\\s*(?:cat|ls|id|whoami|pwd|uname|wget|curl|nc|bash|sh|python|perl)\\b",
		Category: CategoryCommandInjection,
	},
	{
		Name:     "cmd.substitution",
		Expr:     `\$\([^)]*\)`,
		Category: CategoryCommandInjection,
	},
	{
		Name:     "cmd.backtick",
		Expr:     "`[^`]+`",
		Category: CategoryCommandInjection,
		Weight:   3,
	},
	{
		Name:     "cmd.dev-tcp",
		Expr:     `(?i)/dev/(?:tcp|udp)/`,
		Category: CategoryCommandInjection,
	},
	{
		Name:     "cmd.pipe-to-shell",
		Expr:     `(?i)\|\s*(?:ba|z|da)?sh\b`,
		Category: CategoryCommandInjection,
	},
	{
		Name:     "cmd.windows-shell",
		Expr:     `(?i)\b(?:cmd(?:\.exe)?\s*/c|powershell(?:\.exe)?\s+-)`,
		Category: CategoryCommandInjection,
	},
	{
		Name:     "cmd.ifs-expansion",
		Expr:     `\$\{?IFS\}?`,
		Category: CategoryCommandInjection,
		Weight:   3,
	},

	// Path traversal
	{
		Name:     "path.dot-dot",
		Expr:     `(?:\.\./|\.\.\\)`,
		Category: CategoryPathTraversal,
	},
	{
		Name:     "path.encoded-dot-dot",
		Expr:     `(?i)(?:%2e%2e(?:%2f|%5c|/|\\)|\.\.%2f|\.\.%5c)`,
		Category: CategoryPathTraversal,
	},
	{
		Name:     "path.unix-secrets",
		Expr:     `(?i)/etc/(?:passwd|shadow|hosts)\b|/proc/self/`,
		Category: CategoryPathTraversal,
	},
	{
		Name:     "path.windows-system",
		Expr:     `(?i)(?:c:\\|%systemroot%|\\windows\\system32)`,
		Category: CategoryPathTraversal,
	},

	// LDAP injection
	{
		Name:     "ldap.filter-breakout",
		Expr:     `\*\s*\)\s*\(|\(\s*[|&!]\s*\(`,
		Category: CategoryLDAPInjection,
	},
	{
		Name:     "ldap.wildcard-match",
		Expr:     `(?i)\(\s*[a-z][\w-]*\s*=\s*\*`,
		Category: CategoryLDAPInjection,
	},
	{
		Name:     "ldap.attribute-probe",
		Expr:     `(?i)\b(?:objectclass|samaccountname)\s*=`,
		Category: CategoryLDAPInjection,
		Weight:   2,
		Weak:     true,
	},

	// XML external entities
	{
		Name:     "xxe.entity-declaration",
		Expr:     `(?i)<!entity\b`,
		Category: CategoryXXE,
	},
	{
		Name:     "xxe.doctype-external",
		Expr:     `(?i)<!doctype\b[^>]*(?:system|public)\b`,
		Category: CategoryXXE,
	},
	{
		Name:     "xxe.external-scheme",
		Expr:     `(?i)(?:system|public)\s+["'](?:file|https?|ftp|php|expect)://`,
		Category: CategoryXXE,
	},
	{
		Name:     "xxe.xinclude",
		Expr:     `(?i)<\s*xi:include\b`,
		Category: CategoryXXE,
	},

	// Header injection
	{
		Name:     "header.response-split",
		Expr:     `(?i)(?:\r|\n|%0d|%0a)\s*(?:set-cookie|location|content-length|content-type)\s*:`,
		Category: CategoryHeaderInjection,
	},
	{
		Name:     "header.encoded-crlf",
		Expr:     `(?i)%0d%0a`,
		Category: CategoryHeaderInjection,
		Weight:   2,
		Weak:     true,
	},

	// Log injection
	{
		Name:     "log.forged-line",
		Expr:     `(?i)(?:\r|\n|%0d|%0a)\s*(?:info|warn|error|debug|fatal)[:\s\]]`,
		Category: CategoryLogInjection,
	},
	{
		Name:     "log.ansi-escape",
		Expr:     `\x1b\[[0-9;]*[A-Za-z]`,
		Category: CategoryLogInjection,
	},

	// Payload anomalies
	{
		Name:     "anomaly.null-byte",
		Expr:     `%00|\x00`,
		Category: CategoryPayloadAnomaly,
	},
	{
		Name:     "anomaly.control-run",
		Expr:     `[\x01-\x08\x0b\x0c\x0e-\x1f]{2,}`,
		Category: CategoryPayloadAnomaly,
	},
	{
		Name:     "anomaly.encoding-run",
		Expr:     `(?i)(?:%[0-9a-f]{2}){20,}`,
		Category: CategoryPayloadAnomaly,
	},
	{
		Name:     "anomaly.opaque-blob",
		Expr:     `[A-Za-z0-9+/=]{256,}`,
		Category: CategoryPayloadAnomaly,
		Weight:   1,
		Weak:     true,
	},
}

// BuiltinCategories lists every category the builtin catalogue covers, in
// catalogue order.
func BuiltinCategories() []Category {
	seen := make(map[Category]struct{}, len(defaultCategoryWeights))
	var out []Category
	for _, p := range builtinPatterns {
		if _, ok := seen[p.Category]; ok {
			continue
		}
		seen[p.Category] = struct{}{}
		out = append(out, p.Category)
	}
	return out
}
