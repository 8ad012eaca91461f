package audio

// Direction identifies which leg of the call a chunk originated from.
type Direction string

const (
	// DirectionInbound is audio originating from the caller leg.
	DirectionInbound Direction = "inbound"
	// DirectionOutbound is synthesized audio originating from the voice agent.
	DirectionOutbound Direction = "outbound"
)

// Chunk is an immutable timestamped audio fragment. Payload is the decoded
// PCM data; OffsetMs is milliseconds since session start, computed at append
// time.
type Chunk struct {
	Direction Direction `json:"direction"`
	Payload   []byte    `json:"payload"`
	OffsetMs  int64     `json:"offset_ms"`
}

// Stats summarizes a stream buffer's contents.
type Stats struct {
	InboundCount    int   `json:"inbound_count"`
	OutboundCount   int   `json:"outbound_count"`
	TotalCount      int   `json:"total_count"`
	ElapsedMs       int64 `json:"elapsed_ms"`
	DroppedInbound  int   `json:"dropped_inbound"`
	DroppedOutbound int   `json:"dropped_outbound"`
}
