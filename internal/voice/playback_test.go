package voice

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/callbridge/internal/audio"
)

type recordWriter struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (w *recordWriter) WriteFrame(_ context.Context, f audio.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, f)
	return nil
}

func (w *recordWriter) audio() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []byte
	for _, f := range w.frames {
		out = append(out, f.Payload()...)
	}
	return out
}

func ramp(n int, start byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

// drain pops everything the pacer has queued.
func drain(p *pacer) []audio.Frame {
	var out []audio.Frame
	for {
		f, ok := p.next()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

func TestPacerPlaysContiguousChunksWithoutGaps(t *testing.T) {
	w := &recordWriter{}
	p := newPacer(w, time.Millisecond, slog.New(slog.DiscardHandler))

	size := audio.Linear8k.BytesFor(30 * time.Millisecond)
	first := ramp(size, 1)
	second := ramp(size, 101)
	p.Enqueue(audio.NewFrame(first, audio.Linear8k, audio.SourceAgent, 0, 0))
	p.Enqueue(audio.NewFrame(second, audio.Linear8k, audio.SourceAgent, 1, 30*time.Millisecond))
	p.EndResponse()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	waitFor(t, time.Second, "playback to finish", p.Idle)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := append(append([]byte(nil), first...), second...)
	if got := w.audio(); !bytes.Equal(got, want) {
		t.Fatalf("played %d bytes, want the %d input bytes unchanged", len(got), len(want))
	}
	if n := p.Written(); n != 3 {
		t.Fatalf("Written() = %d, want 3 frames for 60ms", n)
	}
}

func TestPacerHoldsPartialFrameUntilResponseEnds(t *testing.T) {
	p := newPacer(&recordWriter{}, 0, slog.New(slog.DiscardHandler))

	size := audio.Linear8k.BytesFor(30 * time.Millisecond)
	p.Enqueue(audio.NewFrame(ramp(size, 1), audio.Linear8k, audio.SourceAgent, 0, 0))
	frames := drain(p)
	if len(frames) != 1 || frames[0].Duration() != playbackFrame {
		t.Fatalf("queued %d frames before the response ended, want one full frame", len(frames))
	}
	if p.Idle() {
		t.Fatalf("Idle() = true while audio is held back")
	}

	p.EndResponse()
	frames = drain(p)
	if len(frames) != 1 {
		t.Fatalf("queued %d frames after EndResponse, want 1", len(frames))
	}
	tail := frames[0]
	if tail.Duration() != playbackFrame || tail.Offset() != playbackFrame {
		t.Fatalf("tail duration=%s offset=%s, want %s and %s", tail.Duration(), tail.Offset(), playbackFrame, playbackFrame)
	}
	half := audio.Linear8k.BytesFor(10 * time.Millisecond)
	if !bytes.Equal(tail.Payload()[half:], make([]byte, half)) {
		t.Fatalf("tail padding is not silence")
	}
	if tail.Payload()[0] != 1+byte(2*half) {
		t.Fatalf("tail starts at %d, want the byte after the first frame", tail.Payload()[0])
	}
}

func TestPacerFlushDropsHeldBackAudio(t *testing.T) {
	p := newPacer(&recordWriter{}, 0, slog.New(slog.DiscardHandler))
	p.Enqueue(audio.NewFrame(ramp(audio.Linear8k.BytesFor(50*time.Millisecond), 1), audio.Linear8k, audio.SourceAgent, 0, 0))

	if n := p.Flush(); n != 2 {
		t.Fatalf("Flush() = %d, want 2", n)
	}
	p.EndResponse()
	if !p.Idle() {
		t.Fatalf("Idle() = false after flush")
	}
	if frames := drain(p); len(frames) != 0 {
		t.Fatalf("played %d frames after flush", len(frames))
	}
}
