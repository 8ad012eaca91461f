package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/audio"
	"callguard-server/pkg/metrics"
	"callguard-server/pkg/risk"
)

// State is the lifecycle state of a call session.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

// Speaker identifies who produced a transcript turn.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// TranscriptTurn is one immutable utterance in the call transcript.
type TranscriptTurn struct {
	Speaker  Speaker `json:"speaker"`
	Text     string  `json:"text"`
	Sequence int     `json:"sequence"`
}

// AssessmentListener receives each new risk assessment applied to a session.
type AssessmentListener func(sessionID string, assessment risk.Assessment)

// Session holds all state for one phone call: the audio stream buffer, the
// accumulated transcript, and the latest risk assessment. A session is owned
// by exactly one relay task; everything here dies with the session.
type Session struct {
	ID        string
	CreatedAt time.Time

	logger *logrus.Entry
	scorer *risk.Scorer

	buffer   *audio.StreamBuffer
	recorder *audio.Recorder

	scoringCadence int
	endTimer       func()

	mutex           sync.Mutex
	state           State
	transcript      []TranscriptTurn
	lastAssessment  *risk.Assessment
	listeners       []AssessmentListener
	turnsSinceScore int

	// Scoring gate: at most one evaluation in flight; a turn arriving
	// mid-evaluation sets pending and one fresh evaluation follows.
	scoringActive  bool
	scoringPending bool
}

// newSession is invoked by the Manager only.
func newSession(id string, logger *logrus.Logger, scorer *risk.Scorer, buffer *audio.StreamBuffer, cadence int) *Session {
	if cadence < 1 {
		cadence = 1
	}

	return &Session{
		ID:             id,
		CreatedAt:      buffer.Start(),
		logger:         logger.WithField("session_id", id),
		scorer:         scorer,
		buffer:         buffer,
		recorder:       audio.NewRecorder(buffer),
		scoringCadence: cadence,
		state:          StateActive,
		endTimer:       metrics.StartSessionTimer(),
	}
}

// Buffer returns the session's stream buffer.
func (s *Session) Buffer() *audio.StreamBuffer {
	return s.buffer
}

// Recorder returns the session's recorder.
func (s *Session) Recorder() *audio.Recorder {
	return s.recorder
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// Subscribe registers a listener for assessment updates.
func (s *Session) Subscribe(listener AssessmentListener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.listeners = append(s.listeners, listener)
}

// AppendTurn appends a transcript turn and triggers a scoring evaluation
// according to the configured cadence. The append is atomic; turns are never
// mutated afterwards. Appends on a closed session are ignored.
func (s *Session) AppendTurn(speaker Speaker, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	s.mutex.Lock()
	if s.state != StateActive {
		s.mutex.Unlock()
		return
	}

	s.transcript = append(s.transcript, TranscriptTurn{
		Speaker:  speaker,
		Text:     text,
		Sequence: len(s.transcript),
	})
	metrics.RecordTranscriptTurn()

	s.turnsSinceScore++
	if s.turnsSinceScore < s.scoringCadence {
		s.mutex.Unlock()
		return
	}
	s.turnsSinceScore = 0

	if s.scoringActive {
		// Coalesce: one fresh evaluation will follow the in-flight one
		s.scoringPending = true
		s.mutex.Unlock()
		return
	}
	s.scoringActive = true
	s.mutex.Unlock()

	go s.scoreLoop()
}

// Turns returns a copy of the transcript turns.
func (s *Session) Turns() []TranscriptTurn {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	turns := make([]TranscriptTurn, len(s.transcript))
	copy(turns, s.transcript)
	return turns
}

// TranscriptText renders the transcript as speaker-prefixed lines.
func (s *Session) TranscriptText() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.transcriptTextLocked()
}

func (s *Session) transcriptTextLocked() string {
	var b strings.Builder
	for i, turn := range s.transcript {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(turn.Speaker))
		b.WriteString(": ")
		b.WriteString(turn.Text)
	}
	return b.String()
}

// LatestAssessment returns the most recent risk assessment, if any.
func (s *Session) LatestAssessment() (risk.Assessment, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.lastAssessment == nil {
		return risk.Assessment{}, false
	}
	return *s.lastAssessment, true
}

// Close transitions the session to closed and releases its audio buffers.
// Scoring results still in flight are discarded, never applied. Close is
// idempotent.
func (s *Session) Close() {
	s.mutex.Lock()
	if s.state == StateClosed {
		s.mutex.Unlock()
		return
	}
	s.state = StateClosed
	s.listeners = nil
	endTimer := s.endTimer
	s.mutex.Unlock()

	if endTimer != nil {
		endTimer()
	}

	s.logger.WithFields(logrus.Fields{
		"turns":    len(s.Turns()),
		"duration": time.Since(s.CreatedAt).Round(time.Millisecond),
	}).Info("Call session closed")
}

// ReleaseBuffers drops the buffered audio. Called by the Manager after any
// post-call artifact has been produced.
func (s *Session) ReleaseBuffers() {
	s.buffer.Clear()
}

// scoreLoop runs evaluations until no pending trigger remains. It never
// holds the session mutex across an evaluation, so audio forwarding and
// transcript appends are never blocked by scoring.
func (s *Session) scoreLoop() {
	for {
		s.mutex.Lock()
		if s.state != StateActive {
			s.scoringActive = false
			s.scoringPending = false
			s.mutex.Unlock()
			return
		}
		transcript := s.transcriptTextLocked()
		s.mutex.Unlock()

		assessment := s.scorer.Evaluate(context.Background(), transcript)

		s.mutex.Lock()
		if s.state != StateActive {
			// The call ended while scoring; the result must not surface
			s.scoringActive = false
			s.scoringPending = false
			s.mutex.Unlock()
			metrics.RecordScoringDiscarded()
			return
		}

		s.lastAssessment = &assessment
		listeners := make([]AssessmentListener, len(s.listeners))
		copy(listeners, s.listeners)

		again := s.scoringPending
		s.scoringPending = false
		if !again {
			s.scoringActive = false
		}
		s.mutex.Unlock()

		for _, listener := range listeners {
			listener(s.ID, assessment)
		}

		if !again {
			return
		}
	}
}
