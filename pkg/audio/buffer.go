package audio

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"callguard-server/pkg/metrics"
)

// StreamBuffer accumulates timestamped audio chunks for one call session,
// one append-only sequence per direction. Each session owns exactly one
// buffer; it is never shared across sessions and is cleared only on session
// teardown.
//
// The buffer is bounded two ways: a per-direction chunk cap (oldest chunks
// drop first) and a maximum session duration (appends past the window are
// rejected). Both are counted and exported as metrics.
type StreamBuffer struct {
	logger *logrus.Entry

	start       time.Time
	maxChunks   int
	maxDuration time.Duration

	mutex           sync.RWMutex
	inbound         []Chunk
	outbound        []Chunk
	droppedInbound  int
	droppedOutbound int
}

// NewStreamBuffer creates a stream buffer anchored at the session start time.
func NewStreamBuffer(logger *logrus.Logger, start time.Time, maxChunks int, maxDuration time.Duration) *StreamBuffer {
	if maxChunks <= 0 {
		maxChunks = 10000
	}
	if maxDuration <= 0 {
		maxDuration = 4 * time.Hour
	}

	return &StreamBuffer{
		logger:      logger.WithField("component", "stream_buffer"),
		start:       start,
		maxChunks:   maxChunks,
		maxDuration: maxDuration,
	}
}

// Append records an audio chunk for the given direction. The chunk offset is
// computed from wall clock at append time. The append is atomic: the chunk is
// either fully recorded or fully rejected.
func (b *StreamBuffer) Append(direction Direction, payload []byte) {
	if len(payload) == 0 {
		return
	}

	elapsed := time.Since(b.start)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if elapsed > b.maxDuration {
		b.countDropLocked(direction, 1)
		metrics.RecordChunkDropped(string(direction), "max_duration", 1)
		return
	}

	chunk := Chunk{
		Direction: direction,
		Payload:   payload,
		OffsetMs:  elapsed.Milliseconds(),
	}

	seq := b.sequenceLocked(direction)
	if len(*seq) >= b.maxChunks {
		// Drop the oldest chunk of this direction to stay within the cap
		*seq = (*seq)[1:]
		b.countDropLocked(direction, 1)
		metrics.RecordChunkDropped(string(direction), "chunk_cap", 1)
	}
	*seq = append(*seq, chunk)
	metrics.RecordChunkBuffered(string(direction))
}

// Snapshot returns ordered copies of both direction sequences.
func (b *StreamBuffer) Snapshot() (inbound, outbound []Chunk) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	inbound = make([]Chunk, len(b.inbound))
	copy(inbound, b.inbound)
	outbound = make([]Chunk, len(b.outbound))
	copy(outbound, b.outbound)
	return inbound, outbound
}

// Stats returns counts and elapsed time for the buffer.
func (b *StreamBuffer) Stats() Stats {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return Stats{
		InboundCount:    len(b.inbound),
		OutboundCount:   len(b.outbound),
		TotalCount:      len(b.inbound) + len(b.outbound),
		ElapsedMs:       time.Since(b.start).Milliseconds(),
		DroppedInbound:  b.droppedInbound,
		DroppedOutbound: b.droppedOutbound,
	}
}

// Start returns the session start time the buffer is anchored to.
func (b *StreamBuffer) Start() time.Time {
	return b.start
}

// Clear releases the buffered chunks. Invoked only on session teardown.
func (b *StreamBuffer) Clear() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.inbound = nil
	b.outbound = nil
}

func (b *StreamBuffer) sequenceLocked(direction Direction) *[]Chunk {
	if direction == DirectionInbound {
		return &b.inbound
	}
	return &b.outbound
}

func (b *StreamBuffer) countDropLocked(direction Direction, count int) {
	if direction == DirectionInbound {
		b.droppedInbound += count
	} else {
		b.droppedOutbound += count
	}
}
