package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/calllog"
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

// callerFrame is a caller frame on its way to the arbiter, stamped on arrival.
type callerFrame struct {
	frame audio.Frame
	at    time.Time
}

// call is one bridged telephony call. Everything below the mutex-guarded
// fields is owned by the goroutine running run.
type call struct {
	o         *Orchestrator
	id        string
	start     protocol.CallStart
	provName  string
	caps      provider.Capabilities
	tr        transport.Transport
	log       *calllog.Log
	vars      *precall.Set
	logger    *slog.Logger
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	snap   atomic.Pointer[session.Snapshot]

	mu     sync.Mutex
	endErr error

	toolUpdates chan struct{}

	adapter    provider.Adapter
	arbiter    *turn.Arbiter
	dispatcher *tools.Dispatcher
	player     *pacer
	lifecycle  session.Lifecycle
	answeredAt time.Time
	endedAt    time.Time
	endReason  string
	bargeIns   int
	bargeAt    time.Time
	heardAgent bool
	cancelWait *time.Timer
	cancelC    <-chan time.Time
}

var _ session.Handle = (*call)(nil)

func newCall(parent context.Context, o *Orchestrator, start protocol.CallStart, name string, caps provider.Capabilities, tr transport.Transport) *call {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	c := &call{
		o:           o,
		id:          start.CallID,
		start:       start,
		provName:    name,
		caps:        caps,
		tr:          tr,
		log:         calllog.New(start.CallID),
		vars:        precall.NewSet(baseVariables(start)),
		logger:      o.logger.With("call_id", start.CallID, "provider", name, "transport", string(tr.Kind())),
		createdAt:   time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		toolUpdates: make(chan struct{}, 1),
		lifecycle:   session.LifecycleAdmitted,
	}
	c.publish()
	return c
}

func (c *call) ID() string            { return c.id }
func (c *call) Done() <-chan struct{} { return c.done }

// Snapshot returns a copy that shares nothing with the running call.
func (c *call) Snapshot() session.Snapshot {
	var out session.Snapshot
	if p := c.snap.Load(); p != nil {
		out = *p
		out.Variables = nil
		if err := copier.CopyWithOption(&out.Variables, &p.Variables, copier.Option{DeepCopy: true}); err != nil {
			out.Variables = nil
		}
		out.PendingTools = slices.Clone(p.PendingTools)
	}
	out.MarkedForEnd = c.o.store.Marked(c.id)
	return out
}

// Terminate records the first reason given and cancels the call's context.
func (c *call) Terminate(reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	c.mu.Lock()
	if c.endErr == nil {
		c.endErr = reason
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *call) terminationReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endErr
}

func (c *call) run() {
	defer close(c.done)
	ctx, span := tracer.Start(c.ctx, "call.session", trace.WithAttributes(
		attribute.String("call_id", c.id),
		attribute.String("provider", c.provName),
		attribute.String("transport", string(c.tr.Kind())),
	))
	defer span.End()

	c.logger.Info("call admitted", "direction", c.start.Direction, "caller_format", c.tr.Format().String())
	c.record(calllog.KindLifecycle, "call admitted", map[string]any{
		"direction": c.start.Direction,
		"transport": string(c.tr.Kind()),
		"provider":  c.provName,
	})

	err := c.serve(ctx)
	if reason := c.terminationReason(); reason != nil {
		err = reason
	}
	if err != nil && !errors.Is(err, ErrRemoteHangup) && !errors.Is(err, transport.ErrClosed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, ReasonCode(err))
	}
	c.finish(err)
}

func (c *call) serve(ctx context.Context) error {
	if r := c.o.opts.Precall; r != nil {
		res := r.Run(ctx, c.vars.Snapshot())
		for k, v := range res.Variables {
			c.vars.Put(k, v)
		}
		for _, f := range res.Failures {
			c.record(calllog.KindError, "pre-call lookup failed", map[string]any{"lookup": f.Lookup, "error": f.Error})
		}
		c.record(calllog.KindLifecycle, "pre-call variables resolved", map[string]any{
			"mode":       string(r.Mode()),
			"elapsed_ms": res.Elapsed.Milliseconds(),
			"failures":   len(res.Failures),
		})
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.lifecycle = session.LifecycleConnecting
	c.publish()
	vars := c.vars.Snapshot()
	cfg := provider.SessionConfig{
		CallID:       c.id,
		Instructions: precall.Expand(c.o.opts.Instructions, vars),
		Greeting:     precall.Expand(c.o.opts.Greeting, vars),
		CallerFormat: c.tr.Format(),
	}
	if c.caps.SupportsFunctionCalling {
		cfg.Tools = tools.Specs(c.o.enabled)
	}
	adapter, err := c.o.opts.Providers.New(c.provName, cfg)
	if err != nil {
		return err
	}
	c.adapter = adapter
	c.caps = adapter.Capabilities()

	began := time.Now()
	if err := adapter.Connect(ctx); err != nil {
		c.logger.Warn("provider handshake failed", "state", adapter.State().String(), "error", err)
		return fmt.Errorf("connect %s: %w", c.provName, err)
	}
	c.o.metrics.ObserveHandshake(c.provName, time.Since(began))

	if err := audio.CanConvert(c.tr.Format(), adapter.InputFormat()); err != nil {
		return err
	}
	if err := audio.CanConvert(adapter.OutputFormat(), c.tr.Format()); err != nil {
		return err
	}

	mode := turn.ModeFor(c.caps)
	c.arbiter = turn.NewArbiter(mode, c.o.opts.Turn, c.o.opts.VAD, c.logger)
	c.dispatcher = tools.NewDispatcher(c.o.enabled, tools.Options{
		SessionID: c.id,
		ChannelID: c.start.ChannelID,
		Timeout:   c.o.opts.ToolTimeout,
		Sink:      adapter,
		Log:       c.log,
		Logger:    c.logger,
		OnFinish:  c.onToolFinished,
	})
	c.player = newPacer(c.tr, c.o.opts.PlaybackInterval, c.logger)
	c.answeredAt = time.Now()
	c.lifecycle = session.LifecycleActive
	c.publish()

	c.o.metrics.SessionEvents.WithLabelValues("active").Inc()
	c.logger.Info("call active",
		"turn_mode", mode.String(),
		"provider_input", adapter.InputFormat().String(),
		"provider_output", adapter.OutputFormat().String(),
		"handshake_ms", c.answeredAt.Sub(began).Milliseconds(),
	)
	c.record(calllog.KindLifecycle, "provider ready", map[string]any{
		"turn_mode":       mode.String(),
		"provider_input":  adapter.InputFormat().String(),
		"provider_output": adapter.OutputFormat().String(),
	})

	var frames chan callerFrame
	if mode == turn.ModeLocal {
		frames = make(chan callerFrame, 64)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.pumpCaller(gctx, frames) })
	g.Go(func() error { return c.player.Run(gctx) })
	g.Go(func() error { return c.control(gctx, frames) })
	return g.Wait()
}

// pumpCaller forwards caller audio to the provider and, in local mode, to the
// control loop for barge-in detection.
func (c *call) pumpCaller(ctx context.Context, frames chan<- callerFrame) error {
	in := c.adapter.InputFormat()
	for {
		f, err := c.tr.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if frames != nil {
			select {
			case frames <- callerFrame{frame: f, at: time.Now()}:
			case <-ctx.Done():
				return nil
			}
		}
		enc, err := audio.Encode(f, in)
		if err != nil {
			return err
		}
		if err := c.adapter.SendAudio(ctx, enc); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if perr := c.adapter.Err(); perr != nil {
				return perr
			}
			return fmt.Errorf("send caller audio: %w", err)
		}
	}
}

// control owns the arbiter. Every turn decision is taken here.
func (c *call) control(ctx context.Context, frames <-chan callerFrame) error {
	events := c.adapter.Events()
	var dtmf <-chan rune
	if src, ok := c.tr.(transport.DTMFSource); ok {
		dtmf = src.DTMF()
	}
	defer c.stopCancelWait()

	for {
		select {
		case <-ctx.Done():
			return nil

		case cf := <-frames:
			c.apply(ctx, c.arbiter.OnCallerAudio(cf.frame), cf.at)

		case ev, ok := <-events:
			if !ok {
				if err := c.adapter.Err(); err != nil {
					return err
				}
				return provider.ErrDisconnected
			}
			if err := c.onProviderEvent(ctx, ev); err != nil {
				return err
			}

		case <-c.player.started:
			if !c.heardAgent {
				c.heardAgent = true
				c.o.metrics.ObserveFirstAudioLatency(time.Since(c.createdAt))
			}

		case <-c.player.drained:
			c.apply(ctx, c.arbiter.OnPlaybackDrained(), time.Now())

		case <-c.cancelC:
			c.cancelC = nil
			c.o.metrics.ObserveIndicator("cancel_ack_timeout")
			c.record(calllog.KindTurn, "cancel ack timed out", map[string]any{"timeout_ms": c.arbiter.CancelAckTimeout().Milliseconds()})
			c.apply(ctx, c.arbiter.OnCancelTimeout(), time.Now())

		case digit := <-dtmf:
			c.vars.Put("last_dtmf", string(digit))
			c.record(calllog.KindDTMF, "dtmf", map[string]any{"digit": string(digit)})
			c.publish()

		case <-c.toolUpdates:
			c.publish()
		}
	}
}

func (c *call) onProviderEvent(ctx context.Context, ev provider.Event) error {
	switch ev.Type {
	case provider.EventFunctionCallRequested:
		if err := c.dispatcher.Submit(ev.Call); err != nil {
			c.logger.Warn("tool call rejected", "tool", ev.Call.Name, "tool_call_id", ev.Call.ID, "error", err)
		}
		c.publish()
		return nil

	case provider.EventTranscript:
		c.record(calllog.KindTranscript, ev.Text, map[string]any{"role": ev.Role})
		return nil

	case provider.EventError:
		c.o.metrics.ProviderErrors.WithLabelValues(c.provName, ev.Code).Inc()
		c.logger.Warn("provider reported error", "code", ev.Code, "detail", ev.Detail, "retryable", ev.Retryable)
		c.record(calllog.KindError, ev.Detail, map[string]any{"code": ev.Code, "retryable": ev.Retryable})
		return nil
	}

	d := c.arbiter.OnProviderEvent(ev)
	if d.Play {
		out, err := audio.Encode(ev.Audio, c.tr.Format())
		if err != nil {
			return err
		}
		c.player.Enqueue(out)
	}
	if ev.Type == provider.EventResponseDone {
		c.player.EndResponse()
	}
	origin := ev.At
	if origin.IsZero() {
		origin = time.Now()
	}
	c.apply(ctx, d, origin)
	// The queue may have run dry before the provider said it was done.
	if ev.Type == provider.EventResponseDone && c.player.Idle() {
		c.apply(ctx, c.arbiter.OnPlaybackDrained(), time.Now())
	}
	return nil
}

// apply carries out an arbiter decision. origin is when the input that caused
// it arrived.
func (c *call) apply(ctx context.Context, d turn.Decision, origin time.Time) {
	flushed := 0
	if d.Has(turn.ActionStopPlayback) || d.Has(turn.ActionFlushQueue) {
		flushed = c.player.Flush()
	}
	if d.Has(turn.ActionCancelResponse) {
		if err := c.adapter.CancelResponse(ctx); err != nil && !errors.Is(err, errors.ErrUnsupported) {
			c.logger.Warn("cancel response failed", "error", err)
		}
	}
	if d.BargeIn {
		c.bargeIns++
		c.bargeAt = origin
		c.o.metrics.BargeIns.WithLabelValues(c.arbiter.Mode().String()).Inc()
		c.o.metrics.ObserveStage(observability.StageBargeInToSilence, time.Since(origin))
		c.record(calllog.KindTurn, "barge-in", map[string]any{
			"mode":           c.arbiter.Mode().String(),
			"flushed_frames": flushed,
			"cancel_sent":    d.Has(turn.ActionCancelResponse),
		})
	}
	if d.AwaitCancelAck {
		c.armCancelWait(c.arbiter.CancelAckTimeout())
	}
	if d.From == d.To {
		return
	}
	if d.From == turn.Cancelling {
		c.stopCancelWait()
		if !c.bargeAt.IsZero() {
			c.o.metrics.ObserveStage(observability.StageCancelAck, time.Since(c.bargeAt))
		}
	}
	c.record(calllog.KindTurn, "turn transition", map[string]any{"from": d.From.String(), "to": d.To.String()})
	c.publish()
}

func (c *call) armCancelWait(d time.Duration) {
	c.stopCancelWait()
	c.cancelWait = time.NewTimer(d)
	c.cancelC = c.cancelWait.C
}

func (c *call) stopCancelWait() {
	if c.cancelWait != nil {
		c.cancelWait.Stop()
		c.cancelWait = nil
	}
	c.cancelC = nil
}

// onToolFinished runs on the dispatcher's goroutines.
func (c *call) onToolFinished(tc tools.Call) {
	c.o.metrics.ToolCalls.WithLabelValues(tc.Name, string(tc.Status)).Inc()
	if !tc.FinishedAt.IsZero() {
		c.o.metrics.ObserveStage(observability.StageToolCall, tc.FinishedAt.Sub(tc.CreatedAt))
	}
	notify(c.toolUpdates)
	if tc.Status != tools.StatusCompleted {
		return
	}
	switch tc.Name {
	case tools.NameHangup:
		c.Terminate(ErrAgentHangup)
	case tools.NameTransfer:
		c.Terminate(ErrTransferred)
	case tools.NameLeaveVoicemail:
		c.Terminate(ErrVoicemail)
	}
}

// finish runs the orderly shutdown: tool calls, adapter, transport, log,
// reporting, store.
func (c *call) finish(cause error) {
	reason := ReasonCode(cause)
	c.lifecycle = session.LifecycleEnding
	c.publish()

	if c.dispatcher != nil {
		c.dispatcher.Close(toolCloseWait)
	}
	if c.adapter != nil {
		_ = c.adapter.Close()
	}
	if h, ok := c.tr.(interface{ Hangup() error }); ok && hangupOurs(cause) {
		_ = h.Hangup()
	}
	_ = c.tr.Close()
	c.cancel()

	c.endedAt = time.Now()
	c.endReason = reason
	played := 0
	if c.player != nil {
		played = c.player.Written()
	}
	c.record(calllog.KindLifecycle, "call ended", map[string]any{"reason": reason, "frames_played": played})
	entries := c.log.Seal()
	c.lifecycle = session.LifecycleEnded
	c.publish()

	switch {
	case cause == nil || Outcome(reason) != "failed":
		c.logger.Info("call ended", "reason", reason, "duration_ms", c.endedAt.Sub(c.createdAt).Milliseconds(), "barge_ins", c.bargeIns)
	default:
		state := ""
		if c.adapter != nil {
			state = c.adapter.State().String()
		}
		c.logger.Error("call failed", "reason", reason, "error", cause, "provider_state", state)
	}

	rec := c.buildRecord(entries, reason)
	ctx, cancel := context.WithTimeout(context.Background(), reportSaveTimeout)
	if err := c.o.opts.Reports.Save(ctx, rec); err != nil {
		c.logger.Error("save call record failed", "error", err)
	}
	cancel()

	c.o.metrics.SessionEnds.WithLabelValues(reason).Inc()
	c.o.metrics.ActiveSessions.Dec()
	if errors.Is(cause, ErrForcedTermination) {
		c.o.metrics.ForcedTerminations.Inc()
		c.o.metrics.ObserveIndicator("forced_termination")
	}
	if pkt, ok := c.tr.(interface{ Stats() (lost, late, duplicates uint64) }); ok {
		lost, late, dup := pkt.Stats()
		c.o.metrics.JitterEvents.WithLabelValues("lost").Add(float64(lost))
		c.o.metrics.JitterEvents.WithLabelValues("late").Add(float64(late))
		c.o.metrics.JitterEvents.WithLabelValues("duplicate").Add(float64(dup))
	}
	c.o.store.Remove(c)
}

// hangupOurs reports whether we ended the call, so the PBX must be told.
func hangupOurs(cause error) bool {
	return !errors.Is(cause, ErrRemoteHangup) && !errors.Is(cause, transport.ErrClosed) && !errors.Is(cause, transport.ErrFraming)
}

func (c *call) record(kind calllog.Kind, msg string, fields map[string]any) {
	if err := c.log.Append(kind, msg, fields); err != nil && !errors.Is(err, calllog.ErrSealed) {
		c.logger.Warn("call log append failed", "error", err)
	}
}

// publish stores a fresh snapshot for monitoring. Only the goroutine currently
// owning the call calls it.
func (c *call) publish() {
	s := &session.Snapshot{
		CallID:       c.id,
		ChannelID:    c.start.ChannelID,
		Direction:    session.Direction(c.start.Direction),
		Transport:    string(c.tr.Kind()),
		Provider:     c.provName,
		Lifecycle:    c.lifecycle,
		CallerFormat: formatInfo(c.tr.Format()),
		Variables:    c.vars.Snapshot(),
		BargeIns:     c.bargeIns,
		CreatedAt:    c.createdAt,
		AnsweredAt:   c.answeredAt,
		EndedAt:      c.endedAt,
		EndReason:    c.endReason,
		TurnState:    turn.Idle.String(),
	}
	if c.adapter != nil {
		s.ProviderState = c.adapter.State().String()
		s.ProviderInput = formatInfo(c.adapter.InputFormat())
		s.ProviderOutput = formatInfo(c.adapter.OutputFormat())
	} else {
		s.ProviderState = provider.StateConnecting.String()
	}
	if c.arbiter != nil {
		s.TurnMode = c.arbiter.Mode().String()
		s.TurnState = c.arbiter.State().String()
	}
	if c.dispatcher != nil {
		for _, tc := range c.dispatcher.Calls() {
			if tc.Status.Terminal() {
				continue
			}
			s.PendingTools = append(s.PendingTools, session.ToolCallInfo{
				ID:       tc.ID,
				Name:     tc.Name,
				Status:   string(tc.Status),
				Deadline: tc.Deadline,
			})
		}
	}
	c.snap.Store(s)
}

func (c *call) buildRecord(entries []calllog.Entry, reason string) reporting.CallRecord {
	vars := c.vars.Snapshot()
	if vars == nil {
		vars = make(map[string]string)
	}
	duration := c.endedAt.Sub(c.createdAt)
	if !c.answeredAt.IsZero() {
		duration = c.endedAt.Sub(c.answeredAt)
	}
	outcome := Outcome(reason)
	vars[precall.VarDuration] = strconv.FormatInt(int64(duration.Seconds()), 10)
	vars[precall.VarOutcome] = outcome

	rec := reporting.CallRecord{
		CallID:     c.id,
		Direction:  c.start.Direction,
		Caller:     c.start.Caller,
		Called:     c.start.Called,
		Provider:   c.provName,
		Transport:  string(c.tr.Kind()),
		Outcome:    outcome,
		EndReason:  reason,
		BargeIns:   c.bargeIns,
		Variables:  vars,
		StartedAt:  c.createdAt,
		AnsweredAt: c.answeredAt,
		EndedAt:    c.endedAt,
		DurationMS: duration.Milliseconds(),
	}
	for _, e := range calllog.Filter(entries, calllog.KindTranscript) {
		role, _ := e.Fields["role"].(string)
		rec.Transcript = append(rec.Transcript, reporting.TranscriptLine{Role: role, Text: e.Message, At: e.At})
	}
	if c.dispatcher != nil {
		for _, tc := range c.dispatcher.Calls() {
			rec.ToolCalls = append(rec.ToolCalls, reporting.ToolCallRecord{
				ID:         tc.ID,
				Name:       tc.Name,
				Status:     string(tc.Status),
				Arguments:  tc.Arguments,
				Result:     tc.Result,
				CreatedAt:  tc.CreatedAt,
				FinishedAt: tc.FinishedAt,
			})
		}
	}
	if c.o.opts.RedactReports {
		rec = reporting.Redact(rec)
	}
	return rec
}

func formatInfo(f audio.Format) session.FormatInfo {
	return session.FormatInfo{Encoding: string(f.Encoding), SampleRate: f.SampleRate}
}
