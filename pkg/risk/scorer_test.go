package risk

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard-server/pkg/config"
	"callguard-server/pkg/errors"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testRiskConfig() *config.RiskConfig {
	return &config.RiskConfig{
		EscalationThreshold:  3,
		ScorePerMatch:        15,
		ScoreCapTier1:        85,
		ShortCircuitBonus:    10,
		ScoreCapShortCircuit: 95,
		ScoreCapFinal:        100,
		MaxEvidence:          5,
		ScoringEveryNTurns:   1,
	}
}

// stubClassifier returns a fixed classification or error.
type stubClassifier struct {
	classification *Classification
	err            error
	calls          int
}

func (s *stubClassifier) Classify(ctx context.Context, transcript string, indicators []string) (*Classification, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.classification, nil
}

func TestScorer_EmptyTranscript(t *testing.T) {
	scorer := NewScorer(newTestLogger(), testRiskConfig(), nil)

	for _, transcript := range []string{"", "   ", "\n\t "} {
		assessment := scorer.Evaluate(context.Background(), transcript)
		assert.Zero(t, assessment.Score)
		assert.Empty(t, assessment.Evidence)
		assert.False(t, assessment.Alert)
		assert.Equal(t, SourcePattern, assessment.Source)
	}
}

func TestScorer_ShortCircuitAtThreshold(t *testing.T) {
	// A classifier that must never be consulted on the short-circuit path
	classifier := &stubClassifier{classification: &Classification{ScamScore: 99}}
	scorer := NewScorer(newTestLogger(), testRiskConfig(), classifier)

	transcript := "Please verify your identity, then send a wire transfer or buy a gift card."
	assessment := scorer.Evaluate(context.Background(), transcript)

	// 3 matches: baseScore = 45, short-circuit adds 10
	assert.Equal(t, 55, assessment.Score)
	assert.True(t, assessment.Alert)
	assert.Equal(t, SourcePattern, assessment.Source)
	assert.Equal(t, []string{"verify your identity", "wire transfer", "gift card"}, assessment.Evidence)
	assert.Zero(t, classifier.calls, "Tier 2 must not be invoked when Tier 1 short-circuits")
}

func TestScorer_ShortCircuitScoreCapped(t *testing.T) {
	scorer := NewScorer(newTestLogger(), testRiskConfig(), nil)

	// 7 matches: baseScore = min(105, 85) = 85, +10 = 95 (cap)
	transcript := "verify your identity wire transfer gift card bitcoin act now urgent action do not hang up"
	assessment := scorer.Evaluate(context.Background(), transcript)

	assert.Equal(t, 95, assessment.Score)
	assert.True(t, assessment.Alert)
	assert.Len(t, assessment.Evidence, 5, "evidence is capped at 5 entries")
}

func TestScorer_Tier2Success(t *testing.T) {
	classifier := &stubClassifier{classification: &Classification{
		ScamScore: 60,
		Keywords:  []string{"pressure"},
	}}
	scorer := NewScorer(newTestLogger(), testRiskConfig(), classifier)

	assessment := scorer.Evaluate(context.Background(), "they asked me for a wire transfer")

	// 1 match: baseScore = 15, AI = 60, final = max
	assert.Equal(t, 60, assessment.Score)
	assert.False(t, assessment.Alert, "Tier 2 never raises alerts")
	assert.Equal(t, SourcePatternAI, assessment.Source)
	assert.Equal(t, []string{"wire transfer", "pressure"}, assessment.Evidence)
	assert.Equal(t, 1, classifier.calls)
}

func TestScorer_Tier2BaseScoreWins(t *testing.T) {
	classifier := &stubClassifier{classification: &Classification{ScamScore: 10}}
	scorer := NewScorer(newTestLogger(), testRiskConfig(), classifier)

	assessment := scorer.Evaluate(context.Background(), "wire transfer and a gift card")

	// 2 matches: baseScore = 30 > aiScore 10
	assert.Equal(t, 30, assessment.Score)
	assert.Equal(t, SourcePatternAI, assessment.Source)
}

func TestScorer_Tier2EvidenceDedupedTier1First(t *testing.T) {
	classifier := &stubClassifier{classification: &Classification{
		ScamScore: 50,
		Keywords:  []string{"Wire Transfer", "threats", "  ", "threats"},
	}}
	scorer := NewScorer(newTestLogger(), testRiskConfig(), classifier)

	assessment := scorer.Evaluate(context.Background(), "wire transfer now")

	assert.Equal(t, []string{"wire transfer", "threats"}, assessment.Evidence)
}

func TestScorer_Tier2UnavailableFallsBack(t *testing.T) {
	classifier := &stubClassifier{err: errors.NewClassifierUnavailable("connection refused")}
	scorer := NewScorer(newTestLogger(), testRiskConfig(), classifier)

	assessment := scorer.Evaluate(context.Background(), "wire transfer please")

	assert.Equal(t, 15, assessment.Score)
	assert.Equal(t, []string{"wire transfer"}, assessment.Evidence)
	assert.False(t, assessment.Alert)
	assert.Equal(t, SourcePattern, assessment.Source, "degraded assessments are marked pattern")
}

func TestScorer_Tier2MalformedFallsBack(t *testing.T) {
	classifier := &stubClassifier{err: errors.NewMalformedResponse("missing scamScore field")}
	scorer := NewScorer(newTestLogger(), testRiskConfig(), classifier)

	assessment := scorer.Evaluate(context.Background(), "wire transfer please")

	assert.Equal(t, 15, assessment.Score)
	assert.Equal(t, SourcePattern, assessment.Source)
}

func TestScorer_NoClassifierConfigured(t *testing.T) {
	scorer := NewScorer(newTestLogger(), testRiskConfig(), nil)

	assessment := scorer.Evaluate(context.Background(), "wire transfer please")

	assert.Equal(t, 15, assessment.Score)
	assert.Equal(t, SourcePattern, assessment.Source)
}

func TestScorer_ShortCircuitRegardlessOfTier2(t *testing.T) {
	// Spec property: >= 3 matches always yields pattern/alert/min(n*15+10, 95),
	// whether or not Tier 2 is reachable.
	broken := &stubClassifier{err: errors.NewClassifierUnavailable("down")}
	for _, classifier := range []Classifier{nil, broken} {
		scorer := NewScorer(newTestLogger(), testRiskConfig(), classifier)
		assessment := scorer.Evaluate(context.Background(),
			"verify your identity wire transfer gift card")

		assert.Equal(t, 55, assessment.Score)
		assert.True(t, assessment.Alert)
		assert.Equal(t, SourcePattern, assessment.Source)
	}
}

func TestScorer_CaseInsensitiveMatching(t *testing.T) {
	scorer := NewScorer(newTestLogger(), testRiskConfig(), nil)

	assessment := scorer.Evaluate(context.Background(), "WIRE TRANSFER required")
	assert.Equal(t, 15, assessment.Score)
	assert.Equal(t, []string{"wire transfer"}, assessment.Evidence)
}

func TestScorer_CustomIndicatorList(t *testing.T) {
	cfg := testRiskConfig()
	cfg.Indicators = []string{"Magic Phrase", "other phrase"}
	scorer := NewScorer(newTestLogger(), cfg, nil)

	assessment := scorer.Evaluate(context.Background(), "say the magic phrase")
	assert.Equal(t, []string{"magic phrase"}, assessment.Evidence)

	// Built-in indicators are replaced, not merged
	assessment = scorer.Evaluate(context.Background(), "wire transfer")
	assert.Zero(t, assessment.Score)
}

func TestDefaultIndicatorCount(t *testing.T) {
	require.Equal(t, 33, len(DefaultIndicators))
}
