// Package safety scans text that agents share with each other for things
// that should not be broadcast, such as credentials.
package safety

import (
	"regexp"
)

// LeakWarning describes a secret-looking match in shared text.
type LeakWarning struct {
	Pattern string
	Sample  string // redacted prefix of the match, safe to log
}

// LeakDetector scans strings for leaked secrets.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		desc: "AWS access key",
	},
	{
		re:   regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
		desc: "provider API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan reports secret-looking substrings of text without modifying it.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(text, 3) // cap per pattern
		for _, match := range matches {
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  redact(match),
			})
		}
	}
	return warnings
}

// Patterns lists the distinct pattern names in warnings, in order.
func Patterns(warnings []LeakWarning) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range warnings {
		if !seen[w.Pattern] {
			seen[w.Pattern] = true
			out = append(out, w.Pattern)
		}
	}
	return out
}

func redact(match string) string {
	if len(match) <= 8 {
		return "***"
	}
	return match[:6] + "***"
}
