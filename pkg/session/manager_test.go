package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard-server/pkg/audio"
	"callguard-server/pkg/config"
	"callguard-server/pkg/errors"
	"callguard-server/pkg/risk"
)

func newTestManager(t *testing.T, cfg *ManagerConfig) *Manager {
	t.Helper()
	logger := newTestLogger()
	if cfg == nil {
		cfg = &ManagerConfig{
			Audio: config.AudioConfig{
				MaxChunksPerDirection: 1000,
				MaxSessionDuration:    time.Hour,
				SampleRate:            16000,
			},
			ScoringEveryNTurns: 1,
		}
	}
	scorer := risk.NewScorer(logger, testRiskConfig(), nil)
	m := NewManager(logger, cfg, scorer)
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t, nil)

	s := m.CreateSession()
	require.NotEmpty(t, s.ID)
	assert.Equal(t, StateActive, s.State())

	got, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestManager_SessionIDsAreUnique(t *testing.T) {
	m := newTestManager(t, nil)

	a := m.CreateSession()
	b := m.CreateSession()
	assert.NotEqual(t, a.ID, b.ID)
}

func TestManager_GetUnknownSession(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.GetSession("no-such-session")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestManager_CloseSession(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.CreateSession()

	require.NoError(t, m.CloseSession(s.ID))
	assert.Equal(t, StateClosed, s.State())

	// Still queryable within the retention window
	got, err := m.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State())

	assert.ErrorIs(t, m.CloseSession("missing"), errors.ErrSessionNotFound)
}

func TestManager_ActiveCount(t *testing.T) {
	m := newTestManager(t, nil)

	a := m.CreateSession()
	m.CreateSession()
	assert.Equal(t, 2, m.ActiveCount())

	require.NoError(t, m.CloseSession(a.ID))
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManager_SweepsClosedSessions(t *testing.T) {
	cfg := &ManagerConfig{
		Audio: config.AudioConfig{
			MaxChunksPerDirection: 1000,
			MaxSessionDuration:    time.Hour,
			SampleRate:            16000,
		},
		ScoringEveryNTurns: 1,
		ClosedRetention:    20 * time.Millisecond,
		CleanupInterval:    10 * time.Millisecond,
	}
	m := newTestManager(t, cfg)

	s := m.CreateSession()
	require.NoError(t, m.CloseSession(s.ID))

	waitFor(t, func() bool {
		_, err := m.GetSession(s.ID)
		return err != nil
	}, "closed session never swept")
}

func TestManager_ExportsRecordingOnClose(t *testing.T) {
	dir := t.TempDir()
	cfg := &ManagerConfig{
		Audio: config.AudioConfig{
			MaxChunksPerDirection: 1000,
			MaxSessionDuration:    time.Hour,
			RecordingDir:          dir,
			SampleRate:            16000,
		},
		ScoringEveryNTurns: 1,
	}
	m := newTestManager(t, cfg)

	s := m.CreateSession()
	s.Buffer().Append(audio.DirectionInbound, []byte{0x01, 0x02})
	s.Buffer().Append(audio.DirectionOutbound, []byte{0x03, 0x04})

	require.NoError(t, m.CloseSession(s.ID))

	data, err := os.ReadFile(filepath.Join(dir, s.ID+".wav"))
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[0:4]))
}

func TestManager_ShutdownClosesSessions(t *testing.T) {
	m := newTestManager(t, nil)
	s := m.CreateSession()

	m.Shutdown()
	assert.Equal(t, StateClosed, s.State())
}
