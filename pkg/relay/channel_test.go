package relay

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callguard-server/pkg/config"
	"callguard-server/pkg/errors"
	"callguard-server/pkg/risk"
	"callguard-server/pkg/session"
)

// fakePeer is an in-process stand-in for the voice agent websocket endpoint.
type fakePeer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	received chan Event
	ready    chan struct{}
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	p := &fakePeer{
		received: make(chan Event, 64),
		ready:    make(chan struct{}),
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		close(p.ready)

		for {
			var event Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			p.received <- event
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *fakePeer) wsURL() string {
	return strings.Replace(p.server.URL, "http", "ws", 1)
}

func (p *fakePeer) send(t *testing.T, event Event) {
	t.Helper()
	select {
	case <-p.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("peer connection never established")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(t, p.conn.WriteJSON(event))
}

func (p *fakePeer) disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *fakePeer) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case event := <-p.received:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer to receive an event")
		return Event{}
	}
}

// staticURLProvider skips the signed URL exchange in tests.
type staticURLProvider struct{ url string }

func (p staticURLProvider) GetSignedURL(ctx context.Context) (string, error) {
	return p.url, nil
}

type failingURLProvider struct{}

func (failingURLProvider) GetSignedURL(ctx context.Context) (string, error) {
	return "", errors.NewTransport("signed URL request failed: connection refused")
}

// recordingSink collects agent audio delivered toward the caller.
type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *recordingSink) DeliverAgentAudio(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	logger := newTestLogger()
	scorer := risk.NewScorer(logger, &config.RiskConfig{
		EscalationThreshold:  3,
		ScorePerMatch:        15,
		ScoreCapTier1:        85,
		ShortCircuitBonus:    10,
		ScoreCapShortCircuit: 95,
		ScoreCapFinal:        100,
		MaxEvidence:          5,
	}, nil)
	manager := session.NewManager(logger, &session.ManagerConfig{
		Audio: config.AudioConfig{
			MaxChunksPerDirection: 1000,
			MaxSessionDuration:    time.Hour,
			SampleRate:            16000,
		},
		ScoringEveryNTurns: 1,
	}, scorer)
	t.Cleanup(manager.Shutdown)
	return manager.CreateSession()
}

func activeChannel(t *testing.T, peer *fakePeer, sess *session.Session, sink CallerSink) *Channel {
	t.Helper()
	cfg := voiceAgentConfig(peer.server.URL)
	ch := NewChannel(newTestLogger(), cfg, staticURLProvider{url: peer.wsURL()}, sess, sink)
	require.NoError(t, ch.Connect(context.Background()))
	require.Equal(t, StateActive, ch.State())
	t.Cleanup(ch.Close)
	return ch
}

func waitFor(t *testing.T, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestChannel_ConnectFailsWhenExchangeFails(t *testing.T) {
	sess := newTestSession(t)
	ch := NewChannel(newTestLogger(), voiceAgentConfig("http://unused"), failingURLProvider{}, sess, nil)

	err := ch.Connect(context.Background())
	assert.ErrorIs(t, err, errors.ErrTransport)
	assert.Equal(t, StateClosed, ch.State())
}

func TestChannel_SendCallerAudio(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	ch := activeChannel(t, peer, sess, nil)

	payload := []byte{0x01, 0x02, 0x03}
	require.NoError(t, ch.SendCallerAudio(payload))

	event := peer.nextEvent(t)
	assert.Equal(t, EventAudioInput, event.Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), event.Audio)

	stats := sess.Buffer().Stats()
	assert.Equal(t, 1, stats.InboundCount)
	assert.Equal(t, 0, stats.OutboundCount)
}

func TestChannel_AgentAudioReachesSinkAndBuffer(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	sink := &recordingSink{}
	ch := activeChannel(t, peer, sess, sink)

	payload := []byte{0xAA, 0xBB}
	peer.send(t, Event{Type: EventAudioOutput, Audio: base64.StdEncoding.EncodeToString(payload)})

	waitFor(t, func() bool { return sink.count() == 1 }, "agent audio never delivered")
	assert.Equal(t, payload, sink.payloads[0])

	stats := sess.Buffer().Stats()
	assert.Equal(t, 1, stats.OutboundCount)
	assert.Equal(t, StateActive, ch.State())
}

func TestChannel_InvalidAgentAudioIgnored(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	sink := &recordingSink{}
	ch := activeChannel(t, peer, sess, sink)

	peer.send(t, Event{Type: EventAudioOutput, Audio: "not-base64!!!"})
	peer.send(t, Event{Type: EventAudioOutput, Audio: base64.StdEncoding.EncodeToString([]byte{0x01})})

	waitFor(t, func() bool { return sink.count() == 1 }, "valid frame after invalid one never delivered")
	assert.Equal(t, 1, sess.Buffer().Stats().OutboundCount)
	assert.Equal(t, StateActive, ch.State())
}

func TestChannel_TranscriptEventsAppendTurns(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	activeChannel(t, peer, sess, nil)

	peer.send(t, Event{Type: EventUserTranscript, Text: "hello there"})
	peer.send(t, Event{Type: EventAgentResponse, Text: "hi, how can I help"})

	waitFor(t, func() bool { return len(sess.Turns()) == 2 }, "transcript turns never appended")

	turns := sess.Turns()
	assert.Equal(t, session.SpeakerCaller, turns[0].Speaker)
	assert.Equal(t, "hello there", turns[0].Text)
	assert.Equal(t, session.SpeakerAgent, turns[1].Speaker)
}

func TestChannel_PingAnsweredWithPong(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	activeChannel(t, peer, sess, nil)

	peer.send(t, Event{Type: EventPing, EventID: 42})

	event := peer.nextEvent(t)
	assert.Equal(t, EventPong, event.Type)
	assert.Equal(t, int64(42), event.EventID)
}

func TestChannel_UnknownEventIgnored(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	ch := activeChannel(t, peer, sess, nil)

	peer.send(t, Event{Type: "conversation_initiation_metadata"})
	peer.send(t, Event{Type: EventUserTranscript, Text: "still alive"})

	waitFor(t, func() bool { return len(sess.Turns()) == 1 }, "channel stopped processing after unknown event")
	assert.Equal(t, StateActive, ch.State())
}

func TestChannel_PeerDisconnectClosesChannel(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	ch := activeChannel(t, peer, sess, nil)

	peer.disconnect()

	select {
	case <-ch.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed after peer disconnect")
	}

	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorIs(t, ch.Err(), errors.ErrTransport)
}

func TestChannel_SendAfterCloseRejected(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	ch := activeChannel(t, peer, sess, nil)

	ch.Close()

	err := ch.SendCallerAudio([]byte{0x01})
	assert.ErrorIs(t, err, errors.ErrTransport)
}

func TestChannel_CloseIdempotent(t *testing.T) {
	peer := newFakePeer(t)
	sess := newTestSession(t)
	ch := activeChannel(t, peer, sess, nil)

	ch.Close()
	ch.Close()
	assert.Equal(t, StateClosed, ch.State())
	assert.NoError(t, ch.Err())
}
