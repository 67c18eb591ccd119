package audio

import (
	"encoding/binary"
	"fmt"
)

// Decode expands a frame to linear16 at its own sample rate.
func Decode(f Frame) (Frame, error) {
	if err := f.format.Validate(); err != nil {
		return Frame{}, err
	}
	switch f.format.Encoding {
	case EncodingLinear16:
		if len(f.payload)%2 != 0 {
			return Frame{}, fmt.Errorf("%w: odd linear16 payload length %d", ErrUnsupportedFormat, len(f.payload))
		}
		return f, nil
	case EncodingMulaw:
		return wrap(expand(f.payload, &mulawDecodeTable), Format{Encoding: EncodingLinear16, SampleRate: f.format.SampleRate}, f), nil
	case EncodingAlaw:
		return wrap(expand(f.payload, &alawDecodeTable), Format{Encoding: EncodingLinear16, SampleRate: f.format.SampleRate}, f), nil
	}
	return Frame{}, fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, f.format.Encoding)
}

// Encode converts a frame into target, resampling as needed. Identity conversions
// return the frame unchanged.
func Encode(f Frame, target Format) (Frame, error) {
	if err := CanConvert(f.format, target); err != nil {
		return Frame{}, err
	}
	if f.format == target {
		return f, nil
	}

	linear, err := Decode(f)
	if err != nil {
		return Frame{}, err
	}
	linear, err = Resample(linear, target.SampleRate)
	if err != nil {
		return Frame{}, err
	}

	switch target.Encoding {
	case EncodingLinear16:
		return linear, nil
	case EncodingMulaw:
		return wrap(compress(linear.payload, MulawEncode), target, f), nil
	case EncodingAlaw:
		return wrap(compress(linear.payload, AlawEncode), target, f), nil
	}
	return Frame{}, fmt.Errorf("%w: encoding %q", ErrUnsupportedFormat, target.Encoding)
}

// Samples returns the linear16 samples of f. Non-linear frames are decoded first.
func Samples(f Frame) ([]int16, error) {
	linear, err := Decode(f)
	if err != nil {
		return nil, err
	}
	return bytesToSamples(linear.payload), nil
}

// FromSamples builds a linear16 frame from samples.
func FromSamples(samples []int16, sampleRate int, source Source, seq uint64) Frame {
	return Frame{
		payload: samplesToBytes(samples),
		format:  Format{Encoding: EncodingLinear16, SampleRate: sampleRate},
		source:  source,
		seq:     seq,
	}
}

func expand(in []byte, table *[256]int16) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(table[b]))
	}
	return out
}

func compress(in []byte, enc func(int16) byte) []byte {
	out := make([]byte, len(in)/2)
	for i := range out {
		out[i] = enc(int16(binary.LittleEndian.Uint16(in[i*2:])))
	}
	return out
}

func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func samplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
