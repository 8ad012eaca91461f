package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/config"
	"callguard-server/pkg/errors"
)

// SignedURLClient performs the signed URL exchange that precedes every relay
// connection. The voice agent peer hands out short-lived websocket URLs with
// an embedded token; credentials never appear in the websocket dial itself.
type SignedURLClient struct {
	logger *logrus.Logger
	config *config.VoiceAgentConfig
	client *http.Client
}

// NewSignedURLClient creates a signed URL client for the configured peer.
func NewSignedURLClient(logger *logrus.Logger, cfg *config.VoiceAgentConfig) *SignedURLClient {
	return &SignedURLClient{
		logger: logger,
		config: cfg,
		client: &http.Client{Timeout: cfg.HandshakeTimeout},
	}
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// GetSignedURL requests a fresh single-use websocket URL for the configured
// agent. Any failure here is a transport failure; the session cannot start.
func (c *SignedURLClient) GetSignedURL(ctx context.Context) (string, error) {
	endpoint, err := url.Parse(c.config.BaseURL + "/v1/convai/conversation/get-signed-url")
	if err != nil {
		return "", errors.NewTransport("invalid voice agent base URL", map[string]interface{}{
			"base_url": c.config.BaseURL,
		})
	}

	query := url.Values{}
	query.Set("agent_id", c.config.AgentID)
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create signed URL request")
	}
	req.Header.Set("xi-api-key", c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.NewTransport(fmt.Sprintf("signed URL request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.NewTransport(fmt.Sprintf("signed URL request returned status %d", resp.StatusCode), map[string]interface{}{
			"status_code": resp.StatusCode,
		})
	}

	var parsed signedURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errors.NewTransport(fmt.Sprintf("failed to decode signed URL response: %v", err))
	}
	if parsed.SignedURL == "" {
		return "", errors.NewTransport("signed URL response missing signed_url field")
	}

	c.logger.WithField("agent_id", c.config.AgentID).Debug("Signed URL obtained")
	return parsed.SignedURL, nil
}
