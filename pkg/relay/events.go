package relay

// Event is one framed JSON message exchanged with the voice agent peer.
// The schema is versioned on the peer side; fields not understood here are
// dropped by the decoder, and event types not listed below are ignored.
type Event struct {
	Type    string `json:"type"`
	Audio   string `json:"audio,omitempty"`
	Text    string `json:"text,omitempty"`
	EventID int64  `json:"event_id,omitempty"`
}

// Event types understood by the relay.
const (
	EventAudioInput     = "audio_input"
	EventAudioOutput    = "audio_output"
	EventUserTranscript = "user_transcript"
	EventAgentResponse  = "agent_response"
	EventPing           = "ping"
	EventPong           = "pong"
)
