package botdetect

// builtinSignatures is the curated catalogue of known automated clients,
// matched as substrings of the lowercased user-agent. First match wins, so
// specific tokens sit above generic ones. Names are stable identifiers used
// in allow/block lists.
var builtinSignatures = []Signature{
	// Search engine crawlers
	{Name: "googlebot", Match: "googlebot", Type: TypeSearchEngine, Confidence: 95},
	{Name: "bingbot", Match: "bingbot", Type: TypeSearchEngine, Confidence: 95},
	{Name: "duckduckbot", Match: "duckduckbot", Type: TypeSearchEngine, Confidence: 95},
	{Name: "baiduspider", Match: "baiduspider", Type: TypeSearchEngine, Confidence: 95},
	{Name: "yandexbot", Match: "yandexbot", Type: TypeSearchEngine, Confidence: 95},
	{Name: "yahoo-slurp", Match: "slurp", Type: TypeSearchEngine, Confidence: 95},
	{Name: "applebot", Match: "applebot", Type: TypeSearchEngine, Confidence: 95},

	// SEO and backlink crawlers
	{Name: "ahrefsbot", Match: "ahrefsbot", Type: TypeSEOCrawler, Confidence: 90},
	{Name: "semrushbot", Match: "semrushbot", Type: TypeSEOCrawler, Confidence: 90},
	{Name: "mj12bot", Match: "mj12bot", Type: TypeSEOCrawler, Confidence: 90},
	{Name: "dotbot", Match: "dotbot", Type: TypeSEOCrawler, Confidence: 90},
	{Name: "screaming-frog", Match: "screaming frog", Type: TypeSEOCrawler, Confidence: 90},

	// AI and LLM-training crawlers
	{Name: "gptbot", Match: "gptbot", Type: TypeAICrawler, Confidence: 92},
	{Name: "claudebot", Match: "claudebot", Type: TypeAICrawler, Confidence: 92},
	{Name: "anthropic-ai", Match: "anthropic-ai", Type: TypeAICrawler, Confidence: 92},
	{Name: "ccbot", Match: "ccbot", Type: TypeAICrawler, Confidence: 92},
	{Name: "perplexitybot", Match: "perplexitybot", Type: TypeAICrawler, Confidence: 92},
	{Name: "google-extended", Match: "google-extended", Type: TypeAICrawler, Confidence: 92},
	{Name: "bytespider", Match: "bytespider", Type: TypeAICrawler, Confidence: 92},

	// Social media preview fetchers
	{Name: "facebook-preview", Match: "facebookexternalhit", Type: TypeSocialMedia, Confidence: 85},
	{Name: "twitterbot", Match: "twitterbot", Type: TypeSocialMedia, Confidence: 85},
	{Name: "linkedinbot", Match: "linkedinbot", Type: TypeSocialMedia, Confidence: 85},
	{Name: "slackbot", Match: "slackbot", Type: TypeSocialMedia, Confidence: 85},
	{Name: "telegrambot", Match: "telegrambot", Type: TypeSocialMedia, Confidence: 85},
	{Name: "discordbot", Match: "discordbot", Type: TypeSocialMedia, Confidence: 85},
	{Name: "whatsapp-preview", Match: "whatsapp", Type: TypeSocialMedia, Confidence: 85},

	// CLI and HTTP client libraries
	{Name: "curl", Match: "curl/", Type: TypeHTTPClient, Confidence: 90},
	{Name: "wget", Match: "wget/", Type: TypeHTTPClient, Confidence: 90},
	{Name: "python-requests", Match: "python-requests", Type: TypeHTTPClient, Confidence: 90},
	{Name: "python-urllib", Match: "python-urllib", Type: TypeHTTPClient, Confidence: 90},
	{Name: "python-httpx", Match: "httpx/", Type: TypeHTTPClient, Confidence: 90},
	{Name: "go-http-client", Match: "go-http-client", Type: TypeHTTPClient, Confidence: 90},
	{Name: "java-http", Match: "java/", Type: TypeHTTPClient, Confidence: 88},
	{Name: "okhttp", Match: "okhttp", Type: TypeHTTPClient, Confidence: 88},
	{Name: "axios", Match: "axios/", Type: TypeHTTPClient, Confidence: 88},
	{Name: "node-fetch", Match: "node-fetch", Type: TypeHTTPClient, Confidence: 88},
	{Name: "libwww-perl", Match: "libwww-perl", Type: TypeHTTPClient, Confidence: 90},
	{Name: "httpie", Match: "httpie", Type: TypeHTTPClient, Confidence: 90},
	{Name: "postman", Match: "postmanruntime", Type: TypeHTTPClient, Confidence: 88},
	{Name: "insomnia", Match: "insomnia", Type: TypeHTTPClient, Confidence: 88},

	// Scraping frameworks and site copiers
	{Name: "scrapy", Match: "scrapy", Type: TypeScraper, Confidence: 90},
	{Name: "colly", Match: "colly", Type: TypeScraper, Confidence: 90},
	{Name: "httrack", Match: "httrack", Type: TypeScraper, Confidence: 90},
	{Name: "webcopier", Match: "webcopier", Type: TypeScraper, Confidence: 90},

	// Monitoring and health probes
	{Name: "uptimerobot", Match: "uptimerobot", Type: TypeMonitoring, Confidence: 85},
	{Name: "pingdom", Match: "pingdom", Type: TypeMonitoring, Confidence: 85},
	{Name: "statuscake", Match: "statuscake", Type: TypeMonitoring, Confidence: 85},
	{Name: "site24x7", Match: "site24x7", Type: TypeMonitoring, Confidence: 85},
	{Name: "kube-probe", Match: "kube-probe", Type: TypeMonitoring, Confidence: 85},
	{Name: "elb-healthchecker", Match: "elb-healthchecker", Type: TypeMonitoring, Confidence: 85},
	{Name: "route53-health", Match: "amazon-route53-health-check-service", Type: TypeMonitoring, Confidence: 85},

	// Security scanners
	{Name: "sqlmap", Match: "sqlmap", Type: TypeSecurityScanner, Confidence: 98},
	{Name: "nikto", Match: "nikto", Type: TypeSecurityScanner, Confidence: 98},
	{Name: "nessus", Match: "nessus", Type: TypeSecurityScanner, Confidence: 98},
	{Name: "nmap", Match: "nmap scripting engine", Type: TypeSecurityScanner, Confidence: 98},
	{Name: "masscan", Match: "masscan", Type: TypeSecurityScanner, Confidence: 98},
	{Name: "zgrab", Match: "zgrab", Type: TypeSecurityScanner, Confidence: 98},
	{Name: "nuclei", Match: "nuclei", Type: TypeSecurityScanner, Confidence: 98},
}

// BuiltinSignatures returns a copy of the builtin catalogue, mainly so
// callers can list recognizable names for allow/block configuration.
func BuiltinSignatures() []Signature {
	out := make([]Signature, len(builtinSignatures))
	copy(out, builtinSignatures)
	return out
}
