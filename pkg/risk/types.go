package risk

import "time"

// Assessment source values.
const (
	// SourcePattern marks an assessment produced by deterministic indicator
	// matching alone, including every degraded Tier 2 path.
	SourcePattern = "pattern"
	// SourcePatternAI marks an assessment combining indicator matching with a
	// successful classifier response.
	SourcePatternAI = "pattern+ai"
)

// Assessment is the result of one risk evaluation over a call transcript.
// Only the latest assessment per session is retained.
type Assessment struct {
	Score       int       `json:"score"`
	Evidence    []string  `json:"evidence"`
	Alert       bool      `json:"alert"`
	Source      string    `json:"source"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Classification is a successful response from the Tier 2 classifier peer.
type Classification struct {
	ScamScore int      `json:"scam_score"`
	Keywords  []string `json:"keywords"`
}
