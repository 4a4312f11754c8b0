// Package mlthreat provides pre-execution threat analysis of action
// parameters. The gateway treats the analyzer as opaque and fail-open:
// an unavailable or failing analyzer never blocks the request path.
package mlthreat

import "context"

// Threat type vocabulary.
const (
	ThreatPromptInjection = "prompt_injection"
	ThreatMaliciousURL    = "malicious_url"
)

// Threat is one flagged string leaf in the action parameters.
type Threat struct {
	Type       string  `json:"type"`
	Field      string  `json:"field"`
	Confidence float64 `json:"confidence"`
	Value      string  `json:"value"`
}

// Result is the output of one analysis run.
type Result struct {
	Safe           bool     `json:"safe"`
	Threats        []Threat `json:"threats"`
	AnalysisTimeMs int64    `json:"analysisTimeMs"`
}

// Analyzer inspects action parameters for threat indicators before the
// handler runs.
type Analyzer interface {
	Analyze(ctx context.Context, params map[string]any, agentID string) (*Result, error)
}
