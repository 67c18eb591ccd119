package voice

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/transport"
)

const playbackFrame = 20 * time.Millisecond

// frameWriter is the outbound half of a transport.
type frameWriter interface {
	WriteFrame(ctx context.Context, f audio.Frame) error
}

// pacer plays queued agent audio to the caller in real time, one frame per
// tick. Flush drops everything queued; nothing already flushed is written.
// Audio shorter than a frame is held back and joined with the next chunk of the
// same response; only the last frame of a response is padded.
type pacer struct {
	out      frameWriter
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []audio.Frame
	tail    audio.Frame
	playing bool
	written int

	// drained receives a signal each time the queue runs dry after playing.
	drained chan struct{}
	// started receives a signal when the first frame of a burst is written.
	started chan struct{}
}

func newPacer(out frameWriter, interval time.Duration, logger *slog.Logger) *pacer {
	if interval <= 0 {
		interval = playbackFrame
	}
	return &pacer{
		out:      out,
		interval: interval,
		logger:   logger,
		drained:  make(chan struct{}, 1),
		started:  make(chan struct{}, 1),
	}
}

// Enqueue queues the whole telephony-sized frames of f. Leftover audio waits
// for the next chunk or EndResponse.
func (p *pacer) Enqueue(f audio.Frame) {
	if f.Len() == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	joined := f
	if p.tail.Len() > 0 {
		if p.tail.Format() == f.Format() {
			payload := append(bytes.Clone(p.tail.Payload()), f.Payload()...)
			joined = audio.NewFrame(payload, f.Format(), p.tail.Source(), p.tail.Seq(), p.tail.Offset())
		} else {
			p.queue = append(p.queue, audio.Split(p.tail, playbackFrame)...)
		}
		p.tail = audio.Frame{}
	}

	size := joined.Format().BytesFor(playbackFrame)
	if size <= 0 {
		p.queue = append(p.queue, audio.Split(joined, playbackFrame)...)
		return
	}
	payload := joined.Payload()
	whole := len(payload) / size * size
	if whole > 0 {
		head := audio.NewFrame(payload[:whole], joined.Format(), joined.Source(), joined.Seq(), joined.Offset())
		p.queue = append(p.queue, audio.Split(head, playbackFrame)...)
	}
	if whole < len(payload) {
		offset := joined.Offset() + joined.Format().DurationOf(whole)
		p.tail = audio.NewFrame(payload[whole:], joined.Format(), joined.Source(), joined.Seq(), offset)
	}
}

// EndResponse queues any held-back audio, padded to a full frame.
func (p *pacer) EndResponse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tail.Len() == 0 {
		return
	}
	p.queue = append(p.queue, audio.Split(p.tail, playbackFrame)...)
	p.tail = audio.Frame{}
}

// Flush drops queued audio and reports how many frames were discarded.
func (p *pacer) Flush() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	clear(p.queue)
	p.queue = p.queue[:0]
	p.tail = audio.Frame{}
	if p.playing {
		p.playing = false
		notify(p.drained)
	}
	return n
}

// Idle reports that nothing is queued, held back or playing.
func (p *pacer) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue) == 0 && p.tail.Len() == 0 && !p.playing
}

// Written is the number of frames played to the caller so far.
func (p *pacer) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Run writes one frame per interval until ctx is done or the transport closes.
func (p *pacer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		f, ok := p.next()
		if !ok {
			continue
		}
		if err := p.out.WriteFrame(ctx, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			p.logger.Warn("playback write failed", "error", err)
		}
	}
}

func (p *pacer) next() (audio.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		if p.playing {
			p.playing = false
			notify(p.drained)
		}
		return audio.Frame{}, false
	}
	f := p.queue[0]
	p.queue[0] = audio.Frame{}
	p.queue = p.queue[1:]
	if !p.playing {
		p.playing = true
		notify(p.started)
	}
	p.written++
	return f, true
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
