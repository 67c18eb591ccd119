package voice

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/provider"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/transport"
)

var (
	nativeCaps = provider.Capabilities{StreamsSpeechIn: true, StreamsSpeechOut: true, SupportsFunctionCalling: true, HasNativeTurnDetection: true}
	localCaps  = provider.Capabilities{StreamsSpeechIn: true, StreamsSpeechOut: true}
)

type fakeAdapter struct {
	caps       provider.Capabilities
	connectErr error
	events     chan provider.Event
	results    chan provider.ToolResult
	closed     chan struct{}
	closeOnce  sync.Once

	mu      sync.Mutex
	state   provider.State
	err     error
	audioIn int
	cancels int
}

func newFakeAdapter(caps provider.Capabilities) *fakeAdapter {
	return &fakeAdapter{
		caps:    caps,
		events:  make(chan provider.Event, 256),
		results: make(chan provider.ToolResult, 16),
		closed:  make(chan struct{}),
		state:   provider.StateConnecting,
	}
}

func (a *fakeAdapter) Name() string                        { return "fake" }
func (a *fakeAdapter) Capabilities() provider.Capabilities { return a.caps }
func (a *fakeAdapter) InputFormat() audio.Format           { return audio.Linear8k }
func (a *fakeAdapter) OutputFormat() audio.Format          { return audio.Linear8k }
func (a *fakeAdapter) Events() <-chan provider.Event       { return a.events }

func (a *fakeAdapter) Connect(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		a.state = provider.StateFailed
		a.err = a.connectErr
		return a.connectErr
	}
	a.state = provider.StateReady
	return nil
}

func (a *fakeAdapter) State() provider.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *fakeAdapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *fakeAdapter) SendAudio(context.Context, audio.Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audioIn++
	a.state = provider.StateStreaming
	return nil
}

func (a *fakeAdapter) CancelResponse(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	return nil
}

func (a *fakeAdapter) SendToolResult(_ context.Context, r provider.ToolResult) error {
	select {
	case a.results <- r:
	default:
	}
	return nil
}

func (a *fakeAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.state = provider.StateClosed
		a.mu.Unlock()
		close(a.closed)
	})
	return nil
}

func (a *fakeAdapter) emit(ev provider.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case a.events <- ev:
	case <-a.closed:
	}
}

func (a *fakeAdapter) counts() (audioIn, cancels int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.audioIn, a.cancels
}

// fakeFactory hands out one adapter per call id.
type fakeFactory struct {
	caps       provider.Capabilities
	connectErr error

	mu       sync.Mutex
	adapters map[string]*fakeAdapter
	configs  map[string]provider.SessionConfig
}

func newFakeFactory(caps provider.Capabilities) *fakeFactory {
	return &fakeFactory{caps: caps, adapters: map[string]*fakeAdapter{}, configs: map[string]provider.SessionConfig{}}
}

func (f *fakeFactory) Capabilities(name string) (provider.Capabilities, error) {
	if name != "fake" {
		return provider.Capabilities{}, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, name)
	}
	return f.caps, nil
}

func (f *fakeFactory) New(_ string, cfg provider.SessionConfig) (provider.Adapter, error) {
	a := newFakeAdapter(f.caps)
	a.connectErr = f.connectErr
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters[cfg.CallID] = a
	f.configs[cfg.CallID] = cfg
	return a, nil
}

func (f *fakeFactory) adapter(t *testing.T, callID string) *fakeAdapter {
	t.Helper()
	var a *fakeAdapter
	waitFor(t, time.Second, "adapter for "+callID, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		a = f.adapters[callID]
		return a != nil
	})
	return a
}

func (f *fakeFactory) config(callID string) provider.SessionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[callID]
}

type fakeTransport struct {
	in        chan audio.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	writes  int
	hangups int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan audio.Frame, 256), closed: make(chan struct{})}
}

func (t *fakeTransport) Kind() transport.Kind { return transport.KindFramed }
func (t *fakeTransport) Format() audio.Format { return audio.Linear8k }

func (t *fakeTransport) ReadFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return audio.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

func (t *fakeTransport) WriteFrame(context.Context, audio.Frame) error {
	select {
	case <-t.closed:
		return transport.ErrClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes++
	return nil
}

func (t *fakeTransport) Hangup() error {
	t.mu.Lock()
	t.hangups++
	t.mu.Unlock()
	return t.Close()
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) written() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

func (t *fakeTransport) hangupCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hangups
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func testMetrics(t *testing.T) *observability.Metrics {
	t.Helper()
	ns := strings.NewReplacer("/", "_", "-", "_").Replace(strings.ToLower(t.Name()))
	return observability.NewMetrics("voice_" + ns)
}

func newTestOrchestrator(t *testing.T, factory *fakeFactory, limit int, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Providers:        factory,
		DefaultProvider:  "fake",
		PlaybackInterval: 5 * time.Millisecond,
		ShutdownGrace:    time.Second,
		Metrics:          testMetrics(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := NewOrchestrator(session.NewStore(limit, nil), opts)
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		o.Shutdown(ctx)
	})
	return o
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitSnapshot(t *testing.T, o *Orchestrator, id, what string, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	waitFor(t, 2*time.Second, what, func() bool {
		s, err := o.Snapshot(id)
		if err != nil {
			return false
		}
		snap = s
		return cond(s)
	})
	return snap
}

// tone is a 20ms 8kHz caller frame of a sine wave, loud and voice-like.
func tone(seq uint64) audio.Frame {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = int16(16000 * math.Sin(2*math.Pi*300*float64(i)/8000))
	}
	return audio.FromSamples(samples, 8000, audio.SourceCaller, seq)
}

func agentChunk(seq uint64) provider.Event {
	return provider.Event{
		Type:       provider.EventResponseAudioChunk,
		ResponseID: "resp-1",
		Audio:      audio.Silence(audio.Linear8k, 20*time.Millisecond, audio.SourceAgent, seq, 0),
	}
}
