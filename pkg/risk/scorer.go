package risk

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/config"
	"callguard-server/pkg/metrics"
)

// Scorer converts an accumulating call transcript into a scam risk
// assessment using a two-tier escalation policy: deterministic indicator
// matching first, then an AI-assisted reassessment only when the
// deterministic tier is not confident enough to short-circuit.
//
// Evaluate never returns an error. Every failure in the Tier 2 path degrades
// to the Tier 1 result with source = pattern; the relay is never failed by
// scoring.
type Scorer struct {
	logger     *logrus.Entry
	config     *config.RiskConfig
	classifier Classifier

	// indicators are held lowercased in configured order
	indicators []string
}

// NewScorer creates a scorer with the configured policy. A nil classifier
// disables Tier 2 entirely; every evaluation then stays deterministic.
func NewScorer(logger *logrus.Logger, cfg *config.RiskConfig, classifier Classifier) *Scorer {
	list := cfg.Indicators
	if len(list) == 0 {
		list = DefaultIndicators
	}

	indicators := make([]string, len(list))
	for i, phrase := range list {
		indicators[i] = strings.ToLower(phrase)
	}

	return &Scorer{
		logger:     logger.WithField("component", "risk_scorer"),
		config:     cfg,
		classifier: classifier,
		indicators: indicators,
	}
}

// Indicators returns the active indicator list.
func (s *Scorer) Indicators() []string {
	return s.indicators
}

// Evaluate scores the full transcript accumulated so far. The whole
// transcript is rescored on each call because a scam pattern may only be
// inferable from multi-turn context.
func (s *Scorer) Evaluate(ctx context.Context, transcript string) Assessment {
	if strings.TrimSpace(transcript) == "" {
		return Assessment{
			Score:       0,
			Evidence:    []string{},
			Alert:       false,
			Source:      SourcePattern,
			EvaluatedAt: time.Now(),
		}
	}

	matches := s.matchIndicators(transcript)
	baseScore := capScore(len(matches)*s.config.ScorePerMatch, s.config.ScoreCapTier1)

	// Tier 1 short-circuit: high-confidence deterministic verdict, no
	// network call, bounded worst-case latency.
	if len(matches) >= s.config.EscalationThreshold {
		done := metrics.ObserveScoring(SourcePattern)
		defer done()
		metrics.RecordScamAlert()

		assessment := Assessment{
			Score:       capScore(baseScore+s.config.ShortCircuitBonus, s.config.ScoreCapShortCircuit),
			Evidence:    capEvidence(matches, s.config.MaxEvidence),
			Alert:       true,
			Source:      SourcePattern,
			EvaluatedAt: time.Now(),
		}

		s.logger.WithFields(logrus.Fields{
			"score":   assessment.Score,
			"matches": len(matches),
		}).Warn("Scam indicators short-circuited scoring, raising alert")

		return assessment
	}

	// Tier 2 reassessment
	if s.classifier != nil {
		if classification, err := s.classifier.Classify(ctx, transcript, s.indicators); err == nil {
			done := metrics.ObserveScoring(SourcePatternAI)
			defer done()

			finalScore := baseScore
			if classification.ScamScore > finalScore {
				finalScore = classification.ScamScore
			}

			return Assessment{
				Score:       capScore(finalScore, s.config.ScoreCapFinal),
				Evidence:    capEvidence(dedupeUnion(matches, classification.Keywords), s.config.MaxEvidence),
				Alert:       false, // only the Tier 1 short-circuit raises alerts
				Source:      SourcePatternAI,
				EvaluatedAt: time.Now(),
			}
		} else {
			s.logger.WithError(err).Debug("Classifier unavailable, falling back to pattern scoring")
		}
	}

	// Degraded or classifier-less path: Tier 1 result stands
	done := metrics.ObserveScoring(SourcePattern)
	defer done()

	return Assessment{
		Score:       baseScore,
		Evidence:    capEvidence(matches, s.config.MaxEvidence),
		Alert:       false,
		Source:      SourcePattern,
		EvaluatedAt: time.Now(),
	}
}

// matchIndicators returns the indicators present in the transcript, in
// configured list order.
func (s *Scorer) matchIndicators(transcript string) []string {
	lowered := strings.ToLower(transcript)

	var matches []string
	for _, indicator := range s.indicators {
		if strings.Contains(lowered, indicator) {
			matches = append(matches, indicator)
		}
	}
	return matches
}

func capScore(score, limit int) int {
	if score > limit {
		return limit
	}
	return score
}

func capEvidence(evidence []string, limit int) []string {
	if evidence == nil {
		return []string{}
	}
	if len(evidence) > limit {
		evidence = evidence[:limit]
	}
	return evidence
}

// dedupeUnion merges Tier 1 matches and classifier keywords, Tier 1 entries
// first, dropping duplicates case-insensitively.
func dedupeUnion(matches, keywords []string) []string {
	seen := make(map[string]bool, len(matches)+len(keywords))
	union := make([]string, 0, len(matches)+len(keywords))

	for _, phrase := range matches {
		key := strings.ToLower(phrase)
		if !seen[key] {
			seen[key] = true
			union = append(union, phrase)
		}
	}
	for _, phrase := range keywords {
		key := strings.ToLower(strings.TrimSpace(phrase))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		union = append(union, strings.TrimSpace(phrase))
	}

	return union
}
