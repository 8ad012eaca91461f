package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"callguard-server/pkg/audio"
	"callguard-server/pkg/config"
	"callguard-server/pkg/errors"
	"callguard-server/pkg/metrics"
	"callguard-server/pkg/session"
)

// State is the lifecycle state of a relay channel.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
)

// URLProvider supplies the websocket URL for a new relay connection.
// Production uses SignedURLClient.
type URLProvider interface {
	GetSignedURL(ctx context.Context) (string, error)
}

// CallerSink receives agent audio destined for the caller leg.
type CallerSink interface {
	DeliverAgentAudio(payload []byte)
}

// Channel is the bidirectional bridge between one call session and the voice
// agent peer. Caller audio goes up, agent audio and transcript events come
// down. State only moves on connection-level events; a transport error in
// Active drains and closes the channel, it is never retried mid-call.
// Reconnection means a brand new session.
type Channel struct {
	logger  *logrus.Entry
	config  *config.VoiceAgentConfig
	urls    URLProvider
	session *session.Session
	sink    CallerSink

	conn       *websocket.Conn
	writeMutex sync.Mutex

	stateMutex sync.Mutex
	state      State
	failure    error

	done     chan struct{}
	doneOnce sync.Once
}

// NewChannel creates a relay channel for the given session. The channel does
// not own the session; closing the channel leaves session teardown to the
// caller-facing layer.
func NewChannel(logger *logrus.Logger, cfg *config.VoiceAgentConfig, urls URLProvider, sess *session.Session, sink CallerSink) *Channel {
	return &Channel{
		logger:  logger.WithField("session_id", sess.ID),
		config:  cfg,
		urls:    urls,
		session: sess,
		sink:    sink,
		state:   StateConnecting,
		done:    make(chan struct{}),
	}
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.state
}

// Err returns the transport failure that closed the channel, if any.
func (c *Channel) Err() error {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.failure
}

// Done is closed when the channel reaches Closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Connect performs the signed URL exchange, dials the peer websocket, and
// starts the read pump. On success the channel is Active.
func (c *Channel) Connect(ctx context.Context) error {
	start := time.Now()

	signedURL, err := c.urls.GetSignedURL(ctx)
	if err != nil {
		c.fail("handshake", err)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		werr := errors.NewTransport(fmt.Sprintf("websocket dial failed: %v", err))
		c.fail("handshake", werr)
		return werr
	}

	c.stateMutex.Lock()
	if c.state != StateConnecting {
		// Closed while dialing
		c.stateMutex.Unlock()
		conn.Close()
		return errors.ErrSessionClosed
	}
	c.conn = conn
	c.state = StateActive
	c.stateMutex.Unlock()

	metrics.ObserveHandshake(time.Since(start))
	c.logger.WithField("handshake_time", time.Since(start).Round(time.Millisecond)).Info("Relay channel active")

	go c.readPump()
	return nil
}

// SendCallerAudio buffers a caller audio chunk and forwards it to the peer as
// an audio_input event.
func (c *Channel) SendCallerAudio(payload []byte) error {
	c.stateMutex.Lock()
	if c.state != StateActive {
		state := c.state
		c.stateMutex.Unlock()
		return errors.NewTransport("channel not active", map[string]interface{}{
			"state": string(state),
		})
	}
	c.stateMutex.Unlock()

	c.session.Buffer().Append(audio.DirectionInbound, payload)

	event := Event{
		Type:  EventAudioInput,
		Audio: base64.StdEncoding.EncodeToString(payload),
	}
	if err := c.writeEvent(event); err != nil {
		werr := errors.NewTransport(fmt.Sprintf("failed to forward caller audio: %v", err))
		c.fail("write", werr)
		return werr
	}

	metrics.RecordRelayFrame(string(audio.DirectionInbound), len(payload))
	return nil
}

// Close drains and closes the channel. Safe to call at any time and
// idempotent; a close during Connecting aborts the pending dial result.
func (c *Channel) Close() {
	c.stateMutex.Lock()
	if c.state == StateClosed {
		c.stateMutex.Unlock()
		return
	}
	c.state = StateDraining
	conn := c.conn
	c.stateMutex.Unlock()

	if conn != nil {
		// Best effort close frame, the peer may already be gone
		c.writeMutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMutex.Unlock()
		conn.Close()
	}

	c.stateMutex.Lock()
	c.state = StateClosed
	c.stateMutex.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
	c.logger.Info("Relay channel closed")
}

func (c *Channel) writeEvent(event Event) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if c.conn == nil {
		return errors.ErrTransport
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteJSON(event)
}

// fail records a fatal transport error and closes the channel.
func (c *Channel) fail(stage string, err error) {
	c.stateMutex.Lock()
	if c.state == StateClosed {
		c.stateMutex.Unlock()
		return
	}
	if c.failure == nil {
		c.failure = err
	}
	c.state = StateDraining
	conn := c.conn
	c.stateMutex.Unlock()

	metrics.RecordRelayError(stage)
	c.logger.WithError(err).WithField("stage", stage).Warn("Relay transport failure")

	if conn != nil {
		conn.Close()
	}

	c.stateMutex.Lock()
	c.state = StateClosed
	c.stateMutex.Unlock()

	c.doneOnce.Do(func() { close(c.done) })
}

// readPump consumes peer events until the connection dies or the channel is
// closed. It is the only reader on the websocket.
func (c *Channel) readPump() {
	for {
		var event Event
		if err := c.conn.ReadJSON(&event); err != nil {
			c.stateMutex.Lock()
			state := c.state
			c.stateMutex.Unlock()
			if state == StateDraining || state == StateClosed {
				// Expected during teardown
				return
			}
			c.fail("read", errors.NewTransport(fmt.Sprintf("peer connection lost: %v", err)))
			return
		}

		c.handleEvent(event)
	}
}

func (c *Channel) handleEvent(event Event) {
	switch event.Type {
	case EventAudioOutput:
		payload, err := base64.StdEncoding.DecodeString(event.Audio)
		if err != nil {
			c.logger.WithError(err).Warn("Dropping agent audio event with invalid base64 payload")
			return
		}
		c.session.Buffer().Append(audio.DirectionOutbound, payload)
		if c.sink != nil {
			c.sink.DeliverAgentAudio(payload)
		}
		metrics.RecordRelayFrame(string(audio.DirectionOutbound), len(payload))

	case EventUserTranscript:
		c.session.AppendTurn(session.SpeakerCaller, event.Text)

	case EventAgentResponse:
		c.session.AppendTurn(session.SpeakerAgent, event.Text)

	case EventPing:
		if err := c.writeEvent(Event{Type: EventPong, EventID: event.EventID}); err != nil {
			c.logger.WithError(err).Debug("Failed to answer keepalive ping")
		}

	case EventPong:
		// Keepalive answer, nothing to do

	default:
		// Forward compatible: the peer schema grows without breaking us
		c.logger.WithField("event_type", event.Type).Debug("Ignoring unknown relay event")
	}
}
