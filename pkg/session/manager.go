package session

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/audio"
	"callguard-server/pkg/config"
	"callguard-server/pkg/errors"
	"callguard-server/pkg/risk"
)

// ManagerConfig holds session manager configuration.
type ManagerConfig struct {
	// Audio buffering limits applied to every new session
	Audio config.AudioConfig
	// ScoringEveryNTurns is the scoring cadence for new sessions
	ScoringEveryNTurns int
	// ClosedRetention keeps closed sessions queryable briefly so the
	// caller-facing layer can fetch the final assessment after hangup
	ClosedRetention time.Duration
	// CleanupInterval drives the background sweep of retained sessions
	CleanupInterval time.Duration
}

// Manager owns the set of live call sessions. Sessions are created on
// connection upgrade, closed on teardown, and swept from the index shortly
// after closing. No state survives the sweep.
type Manager struct {
	logger *logrus.Logger
	config *ManagerConfig
	scorer *risk.Scorer

	mutex    sync.RWMutex
	sessions map[string]*Session
	closedAt map[string]time.Time

	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewManager creates a session manager and starts its cleanup loop.
func NewManager(logger *logrus.Logger, cfg *ManagerConfig, scorer *risk.Scorer) *Manager {
	if cfg == nil {
		cfg = &ManagerConfig{}
	}
	if cfg.ClosedRetention <= 0 {
		cfg.ClosedRetention = time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 15 * time.Second
	}

	m := &Manager{
		logger:   logger,
		config:   cfg,
		scorer:   scorer,
		sessions: make(map[string]*Session),
		closedAt: make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}

	m.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go m.cleanupLoop()

	logger.WithFields(logrus.Fields{
		"closed_retention": cfg.ClosedRetention,
		"cleanup_interval": cfg.CleanupInterval,
	}).Info("Session manager initialized")

	return m
}

// CreateSession creates a new call session with a fresh id.
func (m *Manager) CreateSession() *Session {
	id := uuid.NewString()
	buffer := audio.NewStreamBuffer(m.logger, time.Now(),
		m.config.Audio.MaxChunksPerDirection, m.config.Audio.MaxSessionDuration)

	s := newSession(id, m.logger, m.scorer, buffer, m.config.ScoringEveryNTurns)

	m.mutex.Lock()
	m.sessions[id] = s
	m.mutex.Unlock()

	m.logger.WithField("session_id", id).Info("Call session created")
	return s
}

// GetSession retrieves a session by id.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.NewSessionNotFound(id)
	}
	return s, nil
}

// CloseSession closes a session, exports the merged recording when a
// recording directory is configured, and schedules the session for removal.
func (m *Manager) CloseSession(id string) error {
	m.mutex.RLock()
	s, ok := m.sessions[id]
	m.mutex.RUnlock()
	if !ok {
		return errors.NewSessionNotFound(id)
	}

	s.Close()

	if m.config.Audio.RecordingDir != "" {
		path := filepath.Join(m.config.Audio.RecordingDir, id+".wav")
		if err := s.Recorder().ExportWAV(path, m.config.Audio.SampleRate); err != nil {
			m.logger.WithError(err).WithField("session_id", id).Warn("Failed to export session recording")
		} else {
			m.logger.WithFields(logrus.Fields{
				"session_id": id,
				"path":       path,
			}).Info("Session recording exported")
		}
	}

	s.ReleaseBuffers()

	m.mutex.Lock()
	m.closedAt[id] = time.Now()
	m.mutex.Unlock()

	return nil
}

// ActiveCount returns the number of sessions not yet closed.
func (m *Manager) ActiveCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	count := 0
	for id := range m.sessions {
		if _, closed := m.closedAt[id]; !closed {
			count++
		}
	}
	return count
}

// Shutdown stops the cleanup loop and closes every remaining session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.cleanupTicker.Stop()
	})

	m.mutex.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mutex.RUnlock()

	for _, id := range ids {
		if err := m.CloseSession(id); err != nil && !errors.IsErrorType(err, errors.ErrSessionNotFound) {
			m.logger.WithError(err).WithField("session_id", id).Warn("Failed to close session during shutdown")
		}
	}

	m.logger.Info("Session manager shutdown complete")
}

func (m *Manager) cleanupLoop() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.sweepClosed()
		case <-m.stopChan:
			return
		}
	}
}

// sweepClosed removes sessions whose retention window has elapsed.
func (m *Manager) sweepClosed() {
	threshold := time.Now().Add(-m.config.ClosedRetention)

	m.mutex.Lock()
	var removed []string
	for id, closedAt := range m.closedAt {
		if closedAt.Before(threshold) {
			delete(m.sessions, id)
			delete(m.closedAt, id)
			removed = append(removed, id)
		}
	}
	m.mutex.Unlock()

	if len(removed) > 0 {
		m.logger.WithField("count", len(removed)).Debug("Swept closed sessions")
	}
}
