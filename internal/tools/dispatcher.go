package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/provider"
)

var (
	ErrNotEnabled       = errors.New("tool not enabled")
	ErrTimedOut         = errors.New("tool timed out")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrSessionEnded     = errors.New("session ended")
	ErrQueueFull        = errors.New("tool queue full")
	ErrNotPermitted     = errors.New("tool action not permitted")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusTimedOut   Status = "timed_out"
	StatusFailed     Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimedOut || s == StatusFailed
}

// Call is one provider-requested tool invocation.
type Call struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Status       Status         `json:"status"`
	Deadline     time.Time      `json:"deadline"`
	Result       map[string]any `json:"result,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DispatchedAt time.Time      `json:"dispatched_at,omitempty"`
	FinishedAt   time.Time      `json:"finished_at,omitempty"`
}

// ResultSink receives exactly one result per call. provider.Adapter satisfies it.
type ResultSink interface {
	SendToolResult(ctx context.Context, r provider.ToolResult) error
}

type Options struct {
	SessionID string
	ChannelID string
	Timeout   time.Duration
	Sink      ResultSink
	Log       *calllog.Log
	Logger    *slog.Logger
	// OnFinish observes every call once it reaches a terminal status.
	OnFinish func(Call)
}

type pendingCall struct {
	call    Call
	raw     json.RawMessage
	timer   *time.Timer
	cancel  context.CancelFunc
	decoded error
}

// Dispatcher runs one session's tool calls. Calls are executed one at a time in
// arrival order on a single worker; results are delivered exactly once.
type Dispatcher struct {
	enabled   map[string]Tool
	sessionID string
	channelID string
	timeout   time.Duration
	sink      ResultSink
	log       *calllog.Log
	logger    *slog.Logger
	onFinish  func(Call)

	mu     sync.Mutex
	calls  map[string]*pendingCall
	order  []string
	closed bool

	queue  chan *pendingCall
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(enabled map[string]Tool, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		enabled:   enabled,
		sessionID: opts.SessionID,
		channelID: opts.ChannelID,
		timeout:   opts.Timeout,
		sink:      opts.Sink,
		log:       opts.Log,
		logger:    opts.Logger.With("component", "tools"),
		onFinish:  opts.OnFinish,
		calls:     make(map[string]*pendingCall),
		queue:     make(chan *pendingCall, 32),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go d.worker()
	return d
}

// Submit accepts a FunctionCallRequested event. It never blocks on tool execution.
func (d *Dispatcher) Submit(fc provider.FunctionCall) error {
	now := time.Now()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrSessionEnded
	}
	if _, dup := d.calls[fc.ID]; dup {
		d.mu.Unlock()
		d.logger.Warn("ignoring duplicate tool call", "tool_call_id", fc.ID, "tool", fc.Name)
		return nil
	}
	p := &pendingCall{
		raw: fc.Arguments,
		call: Call{
			ID:        fc.ID,
			Name:      fc.Name,
			Status:    StatusPending,
			Deadline:  now.Add(d.timeout),
			CreatedAt: now,
		},
	}
	var args map[string]any
	if len(fc.Arguments) > 0 {
		if err := json.Unmarshal(fc.Arguments, &args); err != nil {
			p.decoded = fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	p.call.Arguments = args
	d.calls[fc.ID] = p
	d.order = append(d.order, fc.ID)
	d.mu.Unlock()

	d.record(calllog.KindToolCall, p.call, nil)

	if _, ok := d.enabled[fc.Name]; !ok {
		d.finish(fc.ID, StatusFailed, errorOutput("tool_not_enabled", fmt.Sprintf("tool %q is not enabled for this call", fc.Name)))
		return fmt.Errorf("%w: %s", ErrNotEnabled, fc.Name)
	}
	if p.decoded != nil {
		d.finish(fc.ID, StatusFailed, errorOutput("invalid_arguments", p.decoded.Error()))
		return p.decoded
	}

	d.mu.Lock()
	p.timer = time.AfterFunc(time.Until(p.call.Deadline), func() { d.expire(fc.ID) })
	d.mu.Unlock()

	select {
	case d.queue <- p:
		return nil
	default:
		d.finish(fc.ID, StatusFailed, errorOutput("tool_queue_full", "too many tool calls in flight"))
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case p := <-d.queue:
			d.run(p)
		}
	}
}

func (d *Dispatcher) run(p *pendingCall) {
	d.mu.Lock()
	if p.call.Status != StatusPending {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithDeadline(d.ctx, p.call.Deadline)
	p.call.Status = StatusDispatched
	p.call.DispatchedAt = time.Now()
	p.cancel = cancel
	call := p.call
	d.mu.Unlock()
	defer cancel()

	tool := d.enabled[call.Name]
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool", call.Name),
		attribute.String("tool_call_id", call.ID),
		attribute.String("session_id", d.sessionID),
	))
	out, err := tool.Execute(ctx, Invocation{
		CallID:    call.ID,
		SessionID: d.sessionID,
		ChannelID: d.channelID,
		Arguments: p.raw,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	switch {
	case err == nil:
		d.finish(call.ID, StatusCompleted, out)
	case errors.Is(err, context.DeadlineExceeded):
		d.expire(call.ID)
	case errors.Is(err, context.Canceled):
		// Already finalised by expiry or Close.
	case errors.Is(err, ErrInvalidArguments):
		d.finish(call.ID, StatusFailed, errorOutput("invalid_arguments", err.Error()))
	case errors.Is(err, ErrNotPermitted):
		d.finish(call.ID, StatusFailed, errorOutput("not_permitted", err.Error()))
	default:
		d.finish(call.ID, StatusFailed, errorOutput("tool_failed", err.Error()))
	}
}

func (d *Dispatcher) expire(id string) {
	d.finish(id, StatusTimedOut, errorOutput("tool_timed_out", fmt.Sprintf("no result within %s", d.timeout)))
}

// finish moves a call to a terminal status and delivers its result. Only the
// first caller for a given id wins; everyone else is a no-op.
func (d *Dispatcher) finish(id string, status Status, output map[string]any) bool {
	d.mu.Lock()
	p, ok := d.calls[id]
	if !ok || p.call.Status.Terminal() {
		d.mu.Unlock()
		return false
	}
	p.call.Status = status
	p.call.Result = output
	p.call.FinishedAt = time.Now()
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
	call := cloneCall(p.call)
	d.mu.Unlock()

	d.deliver(call)
	return true
}

func (d *Dispatcher) deliver(call Call) {
	logger := d.logger.With("tool", call.Name, "tool_call_id", call.ID, "status", string(call.Status))
	if d.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := d.sink.SendToolResult(ctx, provider.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Output:  call.Result,
			IsError: call.Status != StatusCompleted,
		})
		cancel()
		if err != nil {
			logger.Warn("tool result not delivered", "error", err)
		}
	}
	if call.Status == StatusCompleted {
		logger.Info("tool call completed", "elapsed", call.FinishedAt.Sub(call.CreatedAt).String())
	} else {
		logger.Warn("tool call did not complete", "result", call.Result)
	}
	d.record(calllog.KindToolResult, call, call.Result)
	if d.onFinish != nil {
		d.onFinish(call)
	}
}

func (d *Dispatcher) record(kind calllog.Kind, call Call, result map[string]any) {
	if d.log == nil {
		return
	}
	fields := map[string]any{
		"tool_call_id": call.ID,
		"tool":         call.Name,
		"status":       string(call.Status),
		"deadline":     call.Deadline,
	}
	if call.Arguments != nil {
		fields["arguments"] = call.Arguments
	}
	if result != nil {
		fields["result"] = result
	}
	if err := d.log.Append(kind, call.Name, fields); err != nil {
		d.logger.Debug("call log closed", "tool_call_id", call.ID)
	}
}

// Close fails every unfinished call with session_ended, stops timers and the
// worker, and rejects further submissions. It waits up to wait for a tool that
// ignores cancellation.
func (d *Dispatcher) Close(wait time.Duration) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var open []string
	for _, id := range d.order {
		if !d.calls[id].call.Status.Terminal() {
			open = append(open, id)
		}
	}
	d.mu.Unlock()

	for _, id := range open {
		d.finish(id, StatusFailed, errorOutput("session_ended", "the call ended before the tool finished"))
	}
	d.cancel()
	select {
	case <-d.done:
	case <-time.After(wait):
		d.logger.Warn("tool worker did not stop", "wait", wait.String())
	}
}

// Calls returns every call in arrival order.
func (d *Dispatcher) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, cloneCall(d.calls[id].call))
	}
	return out
}

// Pending counts calls that have not reached a terminal status.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.calls {
		if !p.call.Status.Terminal() {
			n++
		}
	}
	return n
}

func errorOutput(code, detail string) map[string]any {
	return map[string]any{"error": code, "detail": detail}
}

func cloneCall(c Call) Call {
	c.Arguments = maps.Clone(c.Arguments)
	c.Result = maps.Clone(c.Result)
	return c
}
