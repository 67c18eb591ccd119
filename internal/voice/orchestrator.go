package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/precall"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/provider"
	"github.com/ent0n29/callbridge/internal/reporting"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/tools"
	"github.com/ent0n29/callbridge/internal/transport"
	"github.com/ent0n29/callbridge/internal/turn"
)

// ProviderFactory opens provider adapters. *provider.Factory satisfies it.
type ProviderFactory interface {
	Capabilities(name string) (provider.Capabilities, error)
	New(name string, cfg provider.SessionConfig) (provider.Adapter, error)
}

// FramedMedia is a framed media connection that has announced its call id.
type FramedMedia interface {
	transport.Transport
	CallID() string
	Hangup() error
}

type Options struct {
	Providers       ProviderFactory
	DefaultProvider string
	Tools           *tools.Registry
	EnabledTools    []string
	ToolTimeout     time.Duration
	Turn            turn.Config
	// VAD overrides the local barge-in voice classifier.
	VAD           turn.VoiceActivityDetector
	Precall       *precall.Runner
	Reports       reporting.Store
	RedactReports bool
	Instructions  string
	Greeting      string
	// ExpectTimeout bounds how long an announced framed call waits for its media.
	ExpectTimeout time.Duration
	// ShutdownGrace is how long forced sessions get to wind down.
	ShutdownGrace    time.Duration
	PlaybackInterval time.Duration
	Metrics          *observability.Metrics
	Logger           *slog.Logger
}

const (
	defaultExpectTimeout = 30 * time.Second
	defaultShutdownGrace = 2 * time.Second
	toolCloseWait        = 2 * time.Second
	reportSaveTimeout    = 3 * time.Second
)

type expectation struct {
	start protocol.CallStart
	at    time.Time
}

// Orchestrator admits calls, runs one goroutine tree per call, and shuts them
// down in order.
type Orchestrator struct {
	store   *session.Store
	opts    Options
	enabled map[string]tools.Tool
	metrics *observability.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	expected map[string]expectation
}

func NewOrchestrator(store *session.Store, opts Options) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Providers == nil {
		return nil, errors.New("provider factory is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("metrics are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if strings.TrimSpace(opts.DefaultProvider) == "" {
		opts.DefaultProvider = "openai"
	}
	if opts.ExpectTimeout <= 0 {
		opts.ExpectTimeout = defaultExpectTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Reports == nil {
		opts.Reports = reporting.NewInMemoryStore(0)
	}
	enabled := map[string]tools.Tool{}
	if opts.Tools != nil {
		var err error
		if enabled, err = opts.Tools.Enable(opts.EnabledTools); err != nil {
			return nil, err
		}
	}
	return &Orchestrator{
		store:    store,
		opts:     opts,
		enabled:  enabled,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "orchestrator"),
		expected: make(map[string]expectation),
	}, nil
}

// StartCall admits a call and starts its goroutine tree. The call outlives
// ctx; only its values are kept. On error the caller keeps ownership of tr.
func (o *Orchestrator) StartCall(ctx context.Context, start protocol.CallStart, tr transport.Transport) error {
	if err := start.Normalize(); err != nil {
		return err
	}
	name := start.Provider
	if name == "" {
		name = o.opts.DefaultProvider
	}
	caps, err := o.opts.Providers.Capabilities(name)
	if err != nil {
		return err
	}
	c := newCall(ctx, o, start, name, caps, tr)
	if err := o.store.Admit(c); err != nil {
		o.metrics.SessionEvents.WithLabelValues("rejected").Inc()
		o.logger.Warn("call rejected", "call_id", start.CallID, "reason", ReasonCode(err), "error", err)
		return err
	}
	o.metrics.ActiveSessions.Inc()
	o.metrics.SessionEvents.WithLabelValues("admitted").Inc()
	go c.run()
	return nil
}

// Expect records a framed call whose media connection has not arrived yet.
func (o *Orchestrator) Expect(start protocol.CallStart) error {
	if err := start.Normalize(); err != nil {
		return err
	}
	if start.Transport != protocol.TransportFramed {
		return fmt.Errorf("%w: only framed calls are announced ahead of media", protocol.ErrUnsupportedType)
	}
	if start.Provider != "" {
		if _, err := o.opts.Providers.Capabilities(start.Provider); err != nil {
			return err
		}
	}
	if err := o.store.Reserve(start.CallID); err != nil {
		return err
	}

	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneExpectedLocked(now)
	if _, ok := o.expected[start.CallID]; ok {
		return fmt.Errorf("%w: %s", session.ErrDuplicate, start.CallID)
	}
	o.expected[start.CallID] = expectation{start: start, at: now}
	o.metrics.SessionEvents.WithLabelValues("expected").Inc()
	return nil
}

// AttachFramed starts the call a framed media connection belongs to. Media
// for a call nobody announced is hung up.
func (o *Orchestrator) AttachFramed(ctx context.Context, media FramedMedia) error {
	id := media.CallID()
	o.mu.Lock()
	o.pruneExpectedLocked(time.Now())
	exp, ok := o.expected[id]
	delete(o.expected, id)
	o.mu.Unlock()

	if !ok {
		o.logger.Warn("hanging up unannounced media connection", "call_id", id)
		_ = media.Hangup()
		return fmt.Errorf("%w: %s", ErrNotExpected, id)
	}
	if err := o.StartCall(ctx, exp.start, media); err != nil {
		_ = media.Hangup()
		return err
	}
	return nil
}

// Expected reports whether id is announced and waiting for media.
func (o *Orchestrator) Expected(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	exp, ok := o.expected[id]
	return ok && time.Since(exp.at) <= o.opts.ExpectTimeout
}

func (o *Orchestrator) pruneExpectedLocked(now time.Time) {
	for id, exp := range o.expected {
		if now.Sub(exp.at) > o.opts.ExpectTimeout {
			delete(o.expected, id)
			o.metrics.SessionEvents.WithLabelValues("expect_expired").Inc()
			o.logger.Warn("announced call never connected media", "call_id", id)
		}
	}
}

// EndCall runs an orderly shutdown of id on the PBX's request.
func (o *Orchestrator) EndCall(id, reason string) error {
	o.mu.Lock()
	_, waiting := o.expected[id]
	delete(o.expected, id)
	o.mu.Unlock()
	if waiting {
		return nil
	}
	cause := ErrRemoteHangup
	if reason = strings.TrimSpace(reason); reason != "" {
		cause = fmt.Errorf("%w: %s", ErrRemoteHangup, reason)
	}
	return o.store.MarkForTermination(id, cause)
}

func (o *Orchestrator) Snapshot(id string) (session.Snapshot, error) {
	h, err := o.store.Get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return h.Snapshot(), nil
}

func (o *Orchestrator) Snapshots() []session.Snapshot {
	return o.store.Snapshots()
}

func (o *Orchestrator) Draining() bool {
	return o.store.Draining()
}

// Reports returns the most recent post-call records.
func (o *Orchestrator) Reports(ctx context.Context, limit int) ([]reporting.CallRecord, error) {
	return o.opts.Reports.Recent(ctx, limit)
}

// Shutdown stops admitting calls and waits for live ones until ctx is done,
// then force-terminates the rest.
func (o *Orchestrator) Shutdown(ctx context.Context) session.DrainResult {
	o.mu.Lock()
	pending := len(o.expected)
	clear(o.expected)
	o.mu.Unlock()
	if pending > 0 {
		o.logger.Info("dropping announced calls without media", "count", pending)
	}

	res := o.store.Drain(ctx, o.opts.ShutdownGrace)
	o.logger.Info("sessions drained", "completed", res.Completed, "forced", len(res.Forced))
	return res
}

// baseVariables are the PBX-supplied variables of a call.
func baseVariables(start protocol.CallStart) map[string]string {
	vars := maps.Clone(start.Variables)
	if vars == nil {
		vars = make(map[string]string)
	}
	vars[precall.VarCallID] = start.CallID
	vars[precall.VarDirection] = start.Direction
	for k, v := range map[string]string{
		precall.VarCaller:  start.Caller,
		precall.VarCalled:  start.Called,
		precall.VarContext: start.Context,
	} {
		if v != "" {
			vars[k] = v
		}
	}
	return vars
}
