package http

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/config"
	"callguard-server/pkg/messaging"
	"callguard-server/pkg/relay"
	"callguard-server/pkg/risk"
	"callguard-server/pkg/session"
)

// callUpgrader configures the caller-leg websocket upgrade
var callUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Callers connect from mobile clients, not browsers
		return true
	},
}

// callerMessage is a frame received from the caller leg.
type callerMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

// serverMessage is a frame pushed to the caller leg.
type serverMessage struct {
	Type        string     `json:"type"`
	SessionID   string     `json:"session_id,omitempty"`
	Audio       string     `json:"audio,omitempty"`
	Score       int        `json:"score,omitempty"`
	Evidence    []string   `json:"evidence,omitempty"`
	Alert       bool       `json:"alert,omitempty"`
	Source      string     `json:"source,omitempty"`
	EvaluatedAt *time.Time `json:"evaluated_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// callerConn serializes writes to the caller websocket; agent audio and
// assessment pushes arrive from different goroutines.
type callerConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *callerConn) writeJSON(message serverMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(message)
}

// DeliverAgentAudio implements relay.CallerSink. A write failure here means
// the caller is gone; the read loop observes the dead connection and tears
// the call down.
func (c *callerConn) DeliverAgentAudio(payload []byte) {
	c.writeJSON(serverMessage{
		Type:  "audio",
		Audio: base64.StdEncoding.EncodeToString(payload),
	})
}

// CallHandler owns the /ws/call endpoint. Each connection is one protected
// phone call: a session is created, a relay channel to the voice agent is
// established, and audio flows both ways until either side hangs up.
type CallHandler struct {
	logger     *logrus.Logger
	voiceAgent *config.VoiceAgentConfig
	manager    *session.Manager
	urls       relay.URLProvider
	publisher  *messaging.Publisher
}

// NewCallHandler creates the call websocket handler.
func NewCallHandler(logger *logrus.Logger, voiceAgent *config.VoiceAgentConfig, manager *session.Manager, urls relay.URLProvider, publisher *messaging.Publisher) *CallHandler {
	return &CallHandler{
		logger:     logger,
		voiceAgent: voiceAgent,
		manager:    manager,
		urls:       urls,
		publisher:  publisher,
	}
}

// ServeHTTP upgrades the caller connection and runs the call to completion.
func (h *CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := callUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to upgrade caller connection")
		return
	}
	defer conn.Close()

	caller := &callerConn{conn: conn, writeTimeout: h.voiceAgent.WriteTimeout}

	sess := h.manager.CreateSession()
	logger := h.logger.WithField("session_id", sess.ID)

	var alerted atomic.Bool
	sess.Subscribe(func(sessionID string, assessment risk.Assessment) {
		evaluatedAt := assessment.EvaluatedAt
		if err := caller.writeJSON(serverMessage{
			Type:        "assessment",
			SessionID:   sessionID,
			Score:       assessment.Score,
			Evidence:    assessment.Evidence,
			Alert:       assessment.Alert,
			Source:      assessment.Source,
			EvaluatedAt: &evaluatedAt,
		}); err != nil {
			logger.WithError(err).Debug("Failed to push assessment to caller")
		}

		if assessment.Alert && !alerted.Swap(true) && h.publisher != nil {
			if err := h.publisher.PublishAlert(sessionID, assessment); err != nil {
				logger.WithError(err).Warn("Failed to publish scam alert")
			}
		}
	})

	channel := relay.NewChannel(h.logger, h.voiceAgent, h.urls, sess, caller)

	ctx, cancel := context.WithTimeout(r.Context(), h.voiceAgent.HandshakeTimeout)
	err = channel.Connect(ctx)
	cancel()
	if err != nil {
		logger.WithError(err).Error("Failed to establish relay channel")
		caller.writeJSON(serverMessage{Type: "error", Error: "voice agent unavailable"})
		h.teardown(sess, channel, alerted.Load())
		return
	}

	if err := caller.writeJSON(serverMessage{Type: "session_started", SessionID: sess.ID}); err != nil {
		h.teardown(sess, channel, alerted.Load())
		return
	}

	// If the relay dies mid-call, unblock the caller read loop
	go func() {
		<-channel.Done()
		if channel.Err() != nil {
			caller.writeJSON(serverMessage{Type: "error", Error: "call relay lost"})
		}
		conn.Close()
	}()

	h.readLoop(conn, channel, logger)
	h.teardown(sess, channel, alerted.Load())
}

// readLoop pumps caller frames into the relay until the connection ends.
func (h *CallHandler) readLoop(conn *websocket.Conn, channel *relay.Channel, logger *logrus.Entry) {
	for {
		var message callerMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Debug("Caller connection closed unexpectedly")
			}
			return
		}

		switch message.Type {
		case "audio":
			payload, err := base64.StdEncoding.DecodeString(message.Audio)
			if err != nil {
				logger.WithError(err).Warn("Dropping caller frame with invalid base64 payload")
				continue
			}
			if err := channel.SendCallerAudio(payload); err != nil {
				logger.WithError(err).Warn("Relay rejected caller audio")
				return
			}
		default:
			logger.WithField("message_type", message.Type).Debug("Ignoring unknown caller message")
		}
	}
}

// teardown closes the relay and session and publishes the call summary.
func (h *CallHandler) teardown(sess *session.Session, channel *relay.Channel, alerted bool) {
	channel.Close()

	turnCount := len(sess.Turns())
	finalScore := 0
	if assessment, ok := sess.LatestAssessment(); ok {
		finalScore = assessment.Score
	}
	durationMs := time.Since(sess.CreatedAt).Milliseconds()

	if err := h.manager.CloseSession(sess.ID); err != nil {
		h.logger.WithError(err).WithField("session_id", sess.ID).Warn("Failed to close session")
	}

	if h.publisher != nil {
		summary := messaging.CallSummary{
			SessionID:  sess.ID,
			StartedAt:  sess.CreatedAt,
			DurationMs: durationMs,
			TurnCount:  turnCount,
			FinalScore: finalScore,
			Alerted:    alerted,
		}
		if err := h.publisher.PublishSummary(summary); err != nil && h.publisher.Enabled() {
			h.logger.WithError(err).WithField("session_id", sess.ID).Warn("Failed to publish call summary")
		}
	}
}
