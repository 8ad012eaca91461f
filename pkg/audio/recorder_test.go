package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkAt builds a buffer with preset chunk sequences so merge ordering can
// be tested deterministically.
func bufferWithChunks(t *testing.T, inbound, outbound []Chunk) *StreamBuffer {
	t.Helper()
	buffer := NewStreamBuffer(newTestLogger(), time.Now(), 10000, time.Hour)
	buffer.inbound = inbound
	buffer.outbound = outbound
	return buffer
}

func TestRecorder_MergeSortedByOffset(t *testing.T) {
	buffer := bufferWithChunks(t,
		[]Chunk{
			{Direction: DirectionInbound, Payload: []byte{1}, OffsetMs: 0},
			{Direction: DirectionInbound, Payload: []byte{2}, OffsetMs: 40},
			{Direction: DirectionInbound, Payload: []byte{3}, OffsetMs: 80},
		},
		[]Chunk{
			{Direction: DirectionOutbound, Payload: []byte{4}, OffsetMs: 20},
			{Direction: DirectionOutbound, Payload: []byte{5}, OffsetMs: 60},
		},
	)

	merged := NewRecorder(buffer).Merge()
	require.Len(t, merged, 5)
	for i := 1; i < len(merged); i++ {
		assert.GreaterOrEqual(t, merged[i].OffsetMs, merged[i-1].OffsetMs)
	}
}

func TestRecorder_MergeIsPermutationOfBothBuffers(t *testing.T) {
	inbound := []Chunk{
		{Direction: DirectionInbound, Payload: []byte{1}, OffsetMs: 10},
		{Direction: DirectionInbound, Payload: []byte{2}, OffsetMs: 30},
	}
	outbound := []Chunk{
		{Direction: DirectionOutbound, Payload: []byte{3}, OffsetMs: 20},
	}
	buffer := bufferWithChunks(t, inbound, outbound)

	merged := NewRecorder(buffer).Merge()
	require.Len(t, merged, 3)

	seen := make(map[byte]int)
	for _, chunk := range merged {
		seen[chunk.Payload[0]]++
	}
	assert.Equal(t, map[byte]int{1: 1, 2: 1, 3: 1}, seen, "no loss, no duplication")
}

func TestRecorder_TiesBrokenInboundFirst(t *testing.T) {
	buffer := bufferWithChunks(t,
		[]Chunk{{Direction: DirectionInbound, Payload: []byte{1}, OffsetMs: 50}},
		[]Chunk{{Direction: DirectionOutbound, Payload: []byte{2}, OffsetMs: 50}},
	)

	merged := NewRecorder(buffer).Merge()
	require.Len(t, merged, 2)
	assert.Equal(t, DirectionInbound, merged[0].Direction)
	assert.Equal(t, DirectionOutbound, merged[1].Direction)
}

func TestRecorder_StableWithinDirection(t *testing.T) {
	buffer := bufferWithChunks(t,
		[]Chunk{
			{Direction: DirectionInbound, Payload: []byte{1}, OffsetMs: 10},
			{Direction: DirectionInbound, Payload: []byte{2}, OffsetMs: 10},
			{Direction: DirectionInbound, Payload: []byte{3}, OffsetMs: 10},
		},
		nil,
	)

	merged := NewRecorder(buffer).Merge()
	require.Len(t, merged, 3)
	assert.Equal(t, byte(1), merged[0].Payload[0])
	assert.Equal(t, byte(2), merged[1].Payload[0])
	assert.Equal(t, byte(3), merged[2].Payload[0])
}

func TestRecorder_MergeRepeatable(t *testing.T) {
	buffer := bufferWithChunks(t,
		[]Chunk{{Direction: DirectionInbound, Payload: []byte{1}, OffsetMs: 5}},
		[]Chunk{{Direction: DirectionOutbound, Payload: []byte{2}, OffsetMs: 3}},
	)
	recorder := NewRecorder(buffer)

	first := recorder.Merge()
	second := recorder.Merge()
	assert.Equal(t, first, second)
}

func TestRecorder_DurationMs(t *testing.T) {
	buffer := bufferWithChunks(t,
		[]Chunk{{Direction: DirectionInbound, Payload: []byte{1}, OffsetMs: 120}},
		[]Chunk{{Direction: DirectionOutbound, Payload: []byte{2}, OffsetMs: 340}},
	)

	assert.Equal(t, int64(340), NewRecorder(buffer).DurationMs())

	empty := bufferWithChunks(t, nil, nil)
	assert.Zero(t, NewRecorder(empty).DurationMs())
}

func TestRecorder_ExportWAV(t *testing.T) {
	buffer := bufferWithChunks(t,
		[]Chunk{{Direction: DirectionInbound, Payload: []byte{0x01, 0x02, 0x03, 0x04}, OffsetMs: 0}},
		[]Chunk{{Direction: DirectionOutbound, Payload: []byte{0x05, 0x06}, OffsetMs: 10}},
	)

	path := filepath.Join(t.TempDir(), "session.wav")
	require.NoError(t, NewRecorder(buffer).ExportWAV(path, 16000))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 44+6)

	assert.Equal(t, "RIFF", string(data[0:4]))
	assert.Equal(t, "WAVE", string(data[8:12]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(data[24:28]))
	assert.Equal(t, uint32(6), binary.LittleEndian.Uint32(data[40:44]), "data chunk size")
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, data[44:50])
}

func TestRecorder_ExportWAVEmptyBuffer(t *testing.T) {
	buffer := bufferWithChunks(t, nil, nil)
	path := filepath.Join(t.TempDir(), "empty.wav")

	assert.Error(t, NewRecorder(buffer).ExportWAV(path, 16000))
}
