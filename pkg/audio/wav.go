package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// WAVWriter writes 16-bit PCM samples into a WAV container.
type WAVWriter struct {
	file          *os.File
	sampleRate    int
	channels      int
	bytesWritten  uint32
	headerWritten bool
	finalized     bool
	mu            sync.Mutex
}

// NewWAVWriter creates a WAV writer and writes an initial header.
func NewWAVWriter(file *os.File, sampleRate, channels int) (*WAVWriter, error) {
	if file == nil {
		return nil, fmt.Errorf("nil file provided for WAV writer")
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}

	writer := &WAVWriter{
		file:       file,
		sampleRate: sampleRate,
		channels:   channels,
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if err := writer.writeHeaderLocked(); err != nil {
		return nil, err
	}
	return writer, nil
}

// Write appends PCM samples to the WAV file.
func (w *WAVWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return 0, fmt.Errorf("cannot write after finalization")
	}

	n, err := w.file.Write(p)
	w.bytesWritten += uint32(n)
	return n, err
}

// Finalize updates the WAV header with the final data sizes.
func (w *WAVWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.finalized {
		return nil
	}

	if err := w.updateSizesLocked(); err != nil {
		return err
	}

	w.finalized = true
	return nil
}

func (w *WAVWriter) writeHeaderLocked() error {
	header := make([]byte, 44)

	copy(header[0:], []byte("RIFF"))
	// ChunkSize placeholder, updated in Finalize
	binary.LittleEndian.PutUint32(header[4:], 36)
	copy(header[8:], []byte("WAVE"))
	copy(header[12:], []byte("fmt "))
	// Subchunk1Size (16 for PCM)
	binary.LittleEndian.PutUint32(header[16:], 16)
	// AudioFormat (1 = PCM)
	binary.LittleEndian.PutUint16(header[20:], 1)
	binary.LittleEndian.PutUint16(header[22:], uint16(w.channels))
	binary.LittleEndian.PutUint32(header[24:], uint32(w.sampleRate))
	// ByteRate = SampleRate * NumChannels * BitsPerSample/8 (16-bit samples)
	byteRate := uint32(w.sampleRate * w.channels * 2)
	binary.LittleEndian.PutUint32(header[28:], byteRate)
	blockAlign := uint16(w.channels * 2)
	binary.LittleEndian.PutUint16(header[32:], blockAlign)
	// BitsPerSample = 16
	binary.LittleEndian.PutUint16(header[34:], 16)
	copy(header[36:], []byte("data"))
	binary.LittleEndian.PutUint32(header[40:], 0)

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.file.Write(header); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}

	w.headerWritten = true
	return nil
}

func (w *WAVWriter) updateSizesLocked() error {
	if _, err := w.file.Seek(4, io.SeekStart); err != nil {
		return err
	}
	fileSize := w.bytesWritten + 36
	if err := binary.Write(w.file, binary.LittleEndian, fileSize); err != nil {
		return err
	}
	if _, err := w.file.Seek(40, io.SeekStart); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, w.bytesWritten); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}
