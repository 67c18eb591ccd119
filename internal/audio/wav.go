package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// WAV format tags.
const (
	wavFormatPCM   = 1
	wavFormatAlaw  = 6
	wavFormatMulaw = 7
)

// EncodeWAV wraps a mono payload in a WAV container.
func EncodeWAV(payload []byte, format Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, payload, format); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVTo writes a mono payload to out as a WAV stream. G.711 payloads keep
// their companded encoding.
func WriteWAVTo(out io.Writer, payload []byte, format Format) error {
	if err := format.Validate(); err != nil {
		return err
	}
	const numChannels = 1
	var audioFormat uint16
	switch format.Encoding {
	case EncodingLinear16:
		audioFormat = wavFormatPCM
	case EncodingAlaw:
		audioFormat = wavFormatAlaw
	case EncodingMulaw:
		audioFormat = wavFormatMulaw
	}
	bitsPerSample := format.BytesPerSample() * 8

	dataSize := uint32(len(payload))
	byteRate := uint32(format.SampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)
	fields := []any{
		[]byte("RIFF"), uint32(36) + dataSize, []byte("WAVE"),
		[]byte("fmt "), uint32(16), audioFormat, uint16(numChannels),
		uint32(format.SampleRate), byteRate, blockAlign, uint16(bitsPerSample),
		[]byte("data"), dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// Recorder accumulates frames of one format up to a byte limit and writes them as
// a WAV file. Frames in other formats are converted first.
type Recorder struct {
	mu       sync.Mutex
	format   Format
	buf      bytes.Buffer
	maxBytes int
	dropped  int
}

func NewRecorder(format Format, maxBytes int) *Recorder {
	return &Recorder{format: format, maxBytes: maxBytes}
}

func (r *Recorder) Add(f Frame) error {
	converted, err := Encode(f, r.format)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxBytes > 0 && r.buf.Len()+converted.Len() > r.maxBytes {
		r.dropped += converted.Len()
		return nil
	}
	r.buf.Write(converted.payload)
	return nil
}

// Dropped reports how many bytes were discarded after the limit was reached.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// WriteFile writes the recording to path.
func (r *Recorder) WriteFile(path string) error {
	r.mu.Lock()
	payload := bytes.Clone(r.buf.Bytes())
	r.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	if err := WriteWAVTo(f, payload, r.format); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
