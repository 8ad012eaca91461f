package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"callguard-server/pkg/session"
)

// AssessmentResponse is the JSON shape of the latest risk assessment.
type AssessmentResponse struct {
	SessionID   string    `json:"session_id"`
	State       string    `json:"state"`
	Score       int       `json:"score"`
	Evidence    []string  `json:"evidence"`
	Alert       bool      `json:"alert"`
	Source      string    `json:"source"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// RecordingResponse describes the merged recording of a session.
type RecordingResponse struct {
	SessionID     string `json:"session_id"`
	ChunkCount    int    `json:"chunk_count"`
	InboundCount  int    `json:"inbound_count"`
	OutboundCount int    `json:"outbound_count"`
	DurationMs    int64  `json:"duration_ms"`
}

// sessionRouter dispatches /api/sessions/{id}/{resource} requests.
func (s *Server) sessionRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// Expected: api / sessions / {id} / {resource}
	if len(parts) != 4 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	sess, err := s.manager.GetSession(parts[2])
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	switch parts[3] {
	case "assessment":
		s.assessmentHandler(w, sess)
	case "recording":
		s.recordingHandler(w, sess)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) assessmentHandler(w http.ResponseWriter, sess *session.Session) {
	assessment, ok := sess.LatestAssessment()
	if !ok {
		writeError(w, http.StatusNotFound, "no assessment available yet")
		return
	}

	writeJSON(w, http.StatusOK, AssessmentResponse{
		SessionID:   sess.ID,
		State:       string(sess.State()),
		Score:       assessment.Score,
		Evidence:    assessment.Evidence,
		Alert:       assessment.Alert,
		Source:      assessment.Source,
		EvaluatedAt: assessment.EvaluatedAt,
	})
}

func (s *Server) recordingHandler(w http.ResponseWriter, sess *session.Session) {
	stats := sess.Buffer().Stats()
	merged := sess.Recorder().Merge()

	writeJSON(w, http.StatusOK, RecordingResponse{
		SessionID:     sess.ID,
		ChunkCount:    len(merged),
		InboundCount:  stats.InboundCount,
		OutboundCount: stats.OutboundCount,
		DurationMs:    sess.Recorder().DurationMs(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
