package audio

import (
	"errors"
	"fmt"
	"time"
)

// Encoding names a sample encoding on the wire.
type Encoding string

const (
	EncodingLinear16 Encoding = "linear16"
	EncodingMulaw    Encoding = "mulaw"
	EncodingAlaw     Encoding = "alaw"
)

var ErrUnsupportedFormat = errors.New("unsupported audio format")

var supportedRates = map[int]bool{
	8000:  true,
	16000: true,
	24000: true,
	48000: true,
}

// Format is an encoding plus sample rate. Audio is always mono.
type Format struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
}

var (
	Telephony8kMulaw = Format{Encoding: EncodingMulaw, SampleRate: 8000}
	Telephony8kAlaw  = Format{Encoding: EncodingAlaw, SampleRate: 8000}
	Linear8k         = Format{Encoding: EncodingLinear16, SampleRate: 8000}
	Linear16k        = Format{Encoding: EncodingLinear16, SampleRate: 16000}
	Linear24k        = Format{Encoding: EncodingLinear16, SampleRate: 24000}
)

func (f Format) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

// Validate reports ErrUnsupportedFormat for encodings or rates the codec layer cannot handle.
func (f Format) Validate() error {
	switch f.Encoding {
	case EncodingLinear16, EncodingMulaw, EncodingAlaw:
	default:
		return fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, f.Encoding)
	}
	if !supportedRates[f.SampleRate] {
		return fmt.Errorf("%w: sample rate %d", ErrUnsupportedFormat, f.SampleRate)
	}
	return nil
}

// BytesPerSample is 2 for linear16 and 1 for the G.711 encodings.
func (f Format) BytesPerSample() int {
	if f.Encoding == EncodingLinear16 {
		return 2
	}
	return 1
}

// BytesFor returns the payload size of d worth of audio.
func (f Format) BytesFor(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.BytesPerSample()
}

// DurationOf returns the playback duration of n payload bytes.
func (f Format) DurationOf(n int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := n / f.BytesPerSample()
	return time.Duration(int64(samples) * int64(time.Second) / int64(f.SampleRate))
}

// SilenceByte is the value that encodes digital silence for G.711 encodings.
func (f Format) SilenceByte() byte {
	switch f.Encoding {
	case EncodingMulaw:
		return 0xFF
	case EncodingAlaw:
		return 0xD5
	default:
		return 0
	}
}

// CanConvert reports whether Encode can translate frames from one format to the other.
func CanConvert(from, to Format) error {
	if err := from.Validate(); err != nil {
		return err
	}
	return to.Validate()
}
