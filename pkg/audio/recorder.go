package audio

import (
	"os"
	"sort"

	"callguard-server/pkg/errors"
)

// Recorder merges a session's two direction buffers into one chronological
// recording. Merging is a pure read over buffer snapshots: it never mutates
// the buffer and is safe to call repeatedly and concurrently.
type Recorder struct {
	buffer *StreamBuffer
}

// NewRecorder creates a recorder over the given stream buffer.
func NewRecorder(buffer *StreamBuffer) *Recorder {
	return &Recorder{buffer: buffer}
}

// Merge returns a single sequence ordered by offset. The sort is stable, so
// chunks within one direction keep their insertion order; at equal offsets
// inbound sorts before outbound, since inbound audio triggers the exchange.
func (r *Recorder) Merge() []Chunk {
	inbound, outbound := r.buffer.Snapshot()

	merged := make([]Chunk, 0, len(inbound)+len(outbound))
	merged = append(merged, inbound...)
	merged = append(merged, outbound...)

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].OffsetMs != merged[j].OffsetMs {
			return merged[i].OffsetMs < merged[j].OffsetMs
		}
		return merged[i].Direction == DirectionInbound && merged[j].Direction == DirectionOutbound
	})

	return merged
}

// DurationMs returns the offset of the last chunk in the merged recording,
// or zero when nothing has been buffered.
func (r *Recorder) DurationMs() int64 {
	merged := r.Merge()
	if len(merged) == 0 {
		return 0
	}
	return merged[len(merged)-1].OffsetMs
}

// Stats exposes the underlying buffer statistics.
func (r *Recorder) Stats() Stats {
	return r.buffer.Stats()
}

// ExportWAV encodes the merged recording into a mono WAV file at the given
// path. Chunk payloads are assumed to be 16-bit PCM at the configured sample
// rate.
func (r *Recorder) ExportWAV(path string, sampleRate int) error {
	merged := r.Merge()
	if len(merged) == 0 {
		return errors.Wrap(errors.ErrInvalidInput, "no audio buffered for recording export")
	}

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create recording file", map[string]interface{}{
			"path": path,
		})
	}
	defer file.Close()

	writer, err := NewWAVWriter(file, sampleRate, 1)
	if err != nil {
		return errors.Wrap(err, "failed to initialize WAV writer")
	}

	for _, chunk := range merged {
		if _, err := writer.Write(chunk.Payload); err != nil {
			return errors.Wrap(err, "failed to write recording samples", map[string]interface{}{
				"path": path,
			})
		}
	}

	if err := writer.Finalize(); err != nil {
		return errors.Wrap(err, "failed to finalize recording file")
	}

	return nil
}
