package audio

import (
	"fmt"
	"math"
)

// Resample converts a linear16 frame to targetRate. Upsampling interpolates linearly
// between neighbouring samples; downsampling averages each output sample's source
// window. No state is carried between frames, so the last output samples are
// computed against the frame's final sample.
func Resample(f Frame, targetRate int) (Frame, error) {
	if f.format.Encoding != EncodingLinear16 {
		return Frame{}, fmt.Errorf("%w: resample needs linear16, got %s", ErrUnsupportedFormat, f.format.Encoding)
	}
	target := Format{Encoding: EncodingLinear16, SampleRate: targetRate}
	if err := CanConvert(f.format, target); err != nil {
		return Frame{}, err
	}
	if f.format.SampleRate == targetRate {
		return f, nil
	}

	in := bytesToSamples(f.payload)
	var out []int16
	if targetRate > f.format.SampleRate {
		out = interpolate(in, f.format.SampleRate, targetRate)
	} else {
		out = decimate(in, f.format.SampleRate, targetRate)
	}
	return wrap(samplesToBytes(out), target, f), nil
}

func outputLength(n, from, to int) int {
	return int((int64(n)*int64(to) + int64(from)/2) / int64(from))
}

func interpolate(in []int16, from, to int) []int16 {
	n := outputLength(len(in), from, to)
	out := make([]int16, n)
	if len(in) == 0 {
		return out
	}
	last := len(in) - 1
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := pos - float64(idx)
		v := float64(in[idx]) + (float64(in[idx+1])-float64(in[idx]))*frac
		out[i] = clamp16(v)
	}
	return out
}

func decimate(in []int16, from, to int) []int16 {
	n := outputLength(len(in), from, to)
	out := make([]int16, n)
	if len(in) == 0 {
		return out
	}
	ratio := float64(from) / float64(to)
	for i := range out {
		start := int(float64(i) * ratio)
		end := int(float64(i+1) * ratio)
		if end <= start {
			end = start + 1
		}
		if start >= len(in) {
			start = len(in) - 1
		}
		if end > len(in) {
			end = len(in)
		}
		var sum float64
		for _, s := range in[start:end] {
			sum += float64(s)
		}
		out[i] = clamp16(sum / float64(end-start))
	}
	return out
}

func clamp16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
