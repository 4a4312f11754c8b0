package mlthreat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// stringRule matches one threat pattern against a string leaf.
type stringRule struct {
	threatType string
	phrase     string
	confidence float64
}

// injectionRules are phrases that suggest an attempt to override the
// instructions of a downstream language model.
var injectionRules = []stringRule{
	{ThreatPromptInjection, "ignore previous instructions", 0.95},
	{ThreatPromptInjection, "ignore all previous instructions", 0.95},
	{ThreatPromptInjection, "disregard your instructions", 0.9},
	{ThreatPromptInjection, "you are now", 0.6},
	{ThreatPromptInjection, "system prompt", 0.7},
	{ThreatPromptInjection, "reveal your instructions", 0.85},
	{ThreatPromptInjection, "jailbreak", 0.8},
	{ThreatPromptInjection, "do anything now", 0.8},
}

// urlRules flag link shapes commonly used for exfiltration or phishing.
var urlRules = []stringRule{
	{ThreatMaliciousURL, "javascript:", 0.9},
	{ThreatMaliciousURL, "data:text/html", 0.85},
	{ThreatMaliciousURL, "file://", 0.7},
	{ThreatMaliciousURL, "@", 0.0}, // handled specially: userinfo in URL
}

// RuleAnalyzer is the default Analyzer: a fixed pattern set matched
// against every string leaf of the parameters, nested values included.
type RuleAnalyzer struct {
	// MinConfidence filters findings; leaves below it are not reported.
	MinConfidence float64
	nowFn         func() time.Time
}

// NewRuleAnalyzer returns a RuleAnalyzer with a 0.5 confidence floor.
func NewRuleAnalyzer() *RuleAnalyzer {
	return &RuleAnalyzer{MinConfidence: 0.5, nowFn: time.Now}
}

// Analyze implements Analyzer.
func (a *RuleAnalyzer) Analyze(_ context.Context, params map[string]any, _ string) (*Result, error) {
	start := a.nowFn()
	var threats []Threat
	walkStrings("", params, func(field, value string) {
		threats = append(threats, a.scan(field, value)...)
	})
	if threats == nil {
		threats = []Threat{}
	}
	return &Result{
		Safe:           len(threats) == 0,
		Threats:        threats,
		AnalysisTimeMs: a.nowFn().Sub(start).Milliseconds(),
	}, nil
}

func (a *RuleAnalyzer) scan(field, value string) []Threat {
	var found []Threat
	lower := strings.ToLower(value)

	for _, r := range injectionRules {
		if r.confidence >= a.MinConfidence && strings.Contains(lower, r.phrase) {
			found = append(found, Threat{
				Type:       r.threatType,
				Field:      field,
				Confidence: r.confidence,
				Value:      truncate(value),
			})
		}
	}
	for _, r := range urlRules {
		if r.phrase == "@" {
			continue
		}
		if r.confidence >= a.MinConfidence && strings.Contains(lower, r.phrase) {
			found = append(found, Threat{
				Type:       r.threatType,
				Field:      field,
				Confidence: r.confidence,
				Value:      truncate(value),
			})
		}
	}
	// URLs carrying userinfo ("https://trusted.com@evil.com/") spoof
	// their apparent host.
	if strings.Contains(lower, "://") {
		rest := lower[strings.Index(lower, "://")+3:]
		if at := strings.IndexByte(rest, '@'); at >= 0 {
			slash := strings.IndexByte(rest, '/')
			if slash < 0 || at < slash {
				if 0.8 >= a.MinConfidence {
					found = append(found, Threat{
						Type:       ThreatMaliciousURL,
						Field:      field,
						Confidence: 0.8,
						Value:      truncate(value),
					})
				}
			}
		}
	}
	return found
}

// walkStrings visits every string leaf, tracking a dotted path with
// bracketed array indices.
func walkStrings(path string, v any, visit func(field, value string)) {
	switch t := v.(type) {
	case string:
		visit(path, t)
	case map[string]any:
		for k, child := range t {
			p := k
			if path != "" {
				p = path + "." + k
			}
			walkStrings(p, child, visit)
		}
	case []any:
		for i, child := range t {
			walkStrings(fmt.Sprintf("%s[%d]", path, i), child, visit)
		}
	}
}

// truncate keeps reported values short enough to log safely.
func truncate(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
