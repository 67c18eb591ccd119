package audio

import (
	"bytes"
	"time"
)

// Source identifies which side of the call produced a frame.
type Source string

const (
	SourceCaller Source = "caller"
	SourceAgent  Source = "agent"
)

// Frame is an immutable chunk of mono audio. Payload is copied on construction and
// must not be modified through the slice returned by Payload.
type Frame struct {
	payload []byte
	format  Format
	source  Source
	seq     uint64
	offset  time.Duration
}

// NewFrame copies payload into a new frame.
func NewFrame(payload []byte, format Format, source Source, seq uint64, offset time.Duration) Frame {
	return Frame{
		payload: bytes.Clone(payload),
		format:  format,
		source:  source,
		seq:     seq,
		offset:  offset,
	}
}

// wrap builds a frame around a buffer the caller no longer touches.
func wrap(payload []byte, format Format, like Frame) Frame {
	return Frame{payload: payload, format: format, source: like.source, seq: like.seq, offset: like.offset}
}

func (f Frame) Payload() []byte       { return f.payload }
func (f Frame) Format() Format        { return f.format }
func (f Frame) Source() Source        { return f.source }
func (f Frame) Seq() uint64           { return f.seq }
func (f Frame) Offset() time.Duration { return f.offset }
func (f Frame) Len() int              { return len(f.payload) }

// Duration is the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return f.format.DurationOf(len(f.payload))
}

// WithSeq returns a copy of the frame header with a new sequence number and offset.
// The payload is shared since neither frame can modify it.
func (f Frame) WithSeq(seq uint64, offset time.Duration) Frame {
	f.seq = seq
	f.offset = offset
	return f
}

// Silence returns a frame of digital silence.
func Silence(format Format, d time.Duration, source Source, seq uint64, offset time.Duration) Frame {
	buf := bytes.Repeat([]byte{format.SilenceByte()}, format.BytesFor(d))
	return Frame{payload: buf, format: format, source: source, seq: seq, offset: offset}
}

// Split cuts a frame into consecutive chunks of d. The final chunk is padded with
// silence so every chunk has the same length.
func Split(f Frame, d time.Duration) []Frame {
	size := f.format.BytesFor(d)
	if size <= 0 || len(f.payload) == 0 {
		return nil
	}
	out := make([]Frame, 0, (len(f.payload)+size-1)/size)
	for start := 0; start < len(f.payload); start += size {
		end := start + size
		var chunk []byte
		if end <= len(f.payload) {
			chunk = f.payload[start:end:end]
		} else {
			chunk = make([]byte, size)
			n := copy(chunk, f.payload[start:])
			fill := f.format.SilenceByte()
			for i := n; i < size; i++ {
				chunk[i] = fill
			}
		}
		part := wrap(chunk, f.format, f)
		part.offset = f.offset + f.format.DurationOf(start)
		out = append(out, part)
	}
	return out
}
