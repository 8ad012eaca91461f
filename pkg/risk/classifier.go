package risk

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/circuitbreaker"
	"callguard-server/pkg/config"
	"callguard-server/pkg/errors"
	"callguard-server/pkg/metrics"
)

// Classifier is the Tier 2 text classification peer. Implementations must
// return ErrClassifierUnavailable for reachability problems and
// ErrMalformedResponse for unparseable payloads, so the scorer can degrade
// rather than fail.
type Classifier interface {
	Classify(ctx context.Context, transcript string, indicators []string) (*Classification, error)
}

// HTTPClassifier calls an external text classification service over HTTP.
type HTTPClassifier struct {
	logger     *logrus.Entry
	config     *config.ClassifierConfig
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

// classifierRequest is the wire request to the classification peer.
type classifierRequest struct {
	Model      string `json:"model,omitempty"`
	Prompt     string `json:"prompt"`
	Transcript string `json:"transcript"`
}

// classifierResponse is the expected structured response. Pointer fields
// distinguish a missing field from a zero value.
type classifierResponse struct {
	ScamScore *float64 `json:"scamScore"`
	Keywords  []string `json:"keywords"`
}

// NewHTTPClassifier creates a classifier client for the configured peer.
func NewHTTPClassifier(logger *logrus.Logger, cfg *config.ClassifierConfig) *HTTPClassifier {
	timeout := 8 * time.Second
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg != nil {
		if cfg.BreakerFailureThreshold > 0 {
			breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
		}
		if cfg.BreakerCooldown > 0 {
			breakerCfg.Cooldown = cfg.BreakerCooldown
		}
		breakerCfg.RequestTimeout = timeout
	}

	return &HTTPClassifier{
		logger: logger.WithField("component", "classifier"),
		config: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: circuitbreaker.New("classifier", breakerCfg, logger),
	}
}

// Classify sends the transcript and indicator list to the classification
// peer and parses the structured verdict.
func (c *HTTPClassifier) Classify(ctx context.Context, transcript string, indicators []string) (*Classification, error) {
	if c.config == nil || c.config.URL == "" {
		return nil, errors.NewClassifierUnavailable("classifier endpoint not configured")
	}

	var result *Classification
	start := time.Now()

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var execErr error
		result, execErr = c.classify(ctx, transcript, indicators)
		return execErr
	})
	if err != nil {
		if errors.IsErrorType(err, errors.ErrMalformedResponse) {
			metrics.RecordClassifierRequest("malformed", time.Since(start))
			return nil, err
		}

		var openErr *circuitbreaker.ErrOpen
		if stderrors.As(err, &openErr) {
			metrics.RecordClassifierRequest("rejected", time.Since(start))
			return nil, errors.NewClassifierUnavailable(openErr.Error())
		}

		metrics.RecordClassifierRequest("error", time.Since(start))
		if errors.IsErrorType(err, errors.ErrClassifierUnavailable) {
			return nil, err
		}
		return nil, errors.NewClassifierUnavailable(err.Error())
	}

	metrics.RecordClassifierRequest("success", time.Since(start))
	return result, nil
}

func (c *HTTPClassifier) classify(ctx context.Context, transcript string, indicators []string) (*Classification, error) {
	payload := classifierRequest{
		Model:      c.config.Model,
		Prompt:     buildPrompt(indicators),
		Transcript: transcript,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode classifier request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewClassifierUnavailable(err.Error())
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NewClassifierUnavailable(err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewClassifierUnavailable(err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.NewClassifierUnavailable(
			fmt.Sprintf("classifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			map[string]interface{}{"status_code": resp.StatusCode},
		)
	}

	var parsed classifierResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.NewMalformedResponse(err.Error())
	}

	if parsed.ScamScore == nil {
		return nil, errors.NewMalformedResponse("response missing scamScore field")
	}

	score := int(*parsed.ScamScore)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	c.logger.WithFields(logrus.Fields{
		"scam_score": score,
		"keywords":   len(parsed.Keywords),
	}).Debug("Classifier verdict received")

	return &Classification{
		ScamScore: score,
		Keywords:  parsed.Keywords,
	}, nil
}

// buildPrompt renders the instruction sent alongside the transcript.
func buildPrompt(indicators []string) string {
	var b strings.Builder
	b.WriteString("You are a fraud analyst reviewing a live phone call transcript. ")
	b.WriteString("Assess the likelihood that the caller is attempting a scam. ")
	b.WriteString("Pay particular attention to these indicator phrases: ")
	b.WriteString(strings.Join(indicators, "; "))
	b.WriteString(". Respond with a JSON object of the form ")
	b.WriteString(`{"scamScore": <0-100>, "keywords": ["..."]}`)
	b.WriteString(" and nothing else.")
	return b.String()
}
