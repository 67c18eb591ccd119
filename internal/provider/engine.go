package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/reliability"
)

// wireConn is the part of *websocket.Conn the client uses.
type wireConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context) (wireConn, error)

func websocketDialer(url string, headers http.Header) dialFunc {
	return func(ctx context.Context) (wireConn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(4 << 20)
		return conn, nil
	}
}

type outbound struct {
	messageType int
	data        []byte
}

func jsonMessage(v any) (outbound, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return outbound{}, err
	}
	return outbound{messageType: websocket.TextMessage, data: data}, nil
}

type inboundKind int

const (
	inboundIgnore inboundKind = iota
	inboundReadyAck
	inboundConfigAck
	inboundEvents
	inboundFatal
)

type inbound struct {
	kind   inboundKind
	events []Event
	err    error
	label  string
}

// dialect translates one provider family's wire vocabulary. Decode is only ever
// called from the client's read goroutine, so dialects may keep per-connection state.
type dialect interface {
	name() string
	capabilities() Capabilities
	formats(cfg SessionConfig) (in, out audio.Format)
	configure(cfg SessionConfig, in, out audio.Format) ([]outbound, error)
	afterReady(cfg SessionConfig) ([]outbound, error)
	decode(messageType int, data []byte, out audio.Format) inbound
	encodeAudio(f audio.Frame) (outbound, error)
	encodeCancel() (outbound, bool)
	encodeToolResult(r ToolResult) ([]outbound, error)
	keepAlive() (outbound, time.Duration, bool)
}

// Timeouts bounds each handshake phase.
type Timeouts struct {
	Ready  time.Duration
	Config time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Ready <= 0 {
		t.Ready = 5 * time.Second
	}
	if t.Config <= 0 {
		t.Config = 5 * time.Second
	}
	return t
}

// Client drives one provider connection: the handshake, a single read goroutine
// that turns wire messages into Events, and serialized writes.
type Client struct {
	dialect  dialect
	cfg      SessionConfig
	dial     dialFunc
	timeouts Timeouts
	logger   *slog.Logger

	hs  *Handshake
	in  audio.Format
	out audio.Format

	conn    wireConn
	writeMu sync.Mutex

	events     chan Event
	readyAck   chan struct{}
	configAck  chan struct{}
	closed     chan struct{}
	readDone   chan struct{}
	closeOnce  sync.Once
	eventsOnce sync.Once

	outSeq    uint64
	outOffset time.Duration
}

var _ Adapter = (*Client)(nil)

func newClient(d dialect, cfg SessionConfig, dial dialFunc, timeouts Timeouts, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	in, out := d.formats(cfg)
	return &Client{
		dialect:   d,
		cfg:       cfg,
		dial:      dial,
		timeouts:  timeouts.withDefaults(),
		logger:    logger.With("provider", d.name(), "call_id", cfg.CallID),
		hs:        NewHandshake(),
		in:        in,
		out:       out,
		events:    make(chan Event, 256),
		readyAck:  make(chan struct{}, 1),
		configAck: make(chan struct{}, 1),
		closed:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

func (c *Client) Name() string               { return c.dialect.name() }
func (c *Client) Capabilities() Capabilities { return c.dialect.capabilities() }
func (c *Client) State() State               { return c.hs.State() }
func (c *Client) InputFormat() audio.Format  { return c.in }
func (c *Client) OutputFormat() audio.Format { return c.out }
func (c *Client) Events() <-chan Event       { return c.events }
func (c *Client) Err() error                 { return c.hs.Err() }

// Connect dials the provider and runs the handshake to Ready.
func (c *Client) Connect(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "provider.handshake", trace.WithAttributes(
		attribute.String("provider", c.dialect.name()),
		attribute.String("call_id", c.cfg.CallID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	started := time.Now()
	conn, err := c.dial(ctx)
	if err != nil {
		err = fmt.Errorf("%w: dial %s: %v", ErrDisconnected, c.dialect.name(), err)
		c.hs.Fail(err)
		c.closeEvents()
		return err
	}
	c.conn = conn
	if err := c.hs.Advance(StateAwaitingReadyAck); err != nil {
		c.abort(err)
		return err
	}
	go c.readLoop()

	if err := c.await(ctx, c.readyAck, c.timeouts.Ready, StateAwaitingReadyAck, ErrHandshakeTimeout); err != nil {
		c.abort(err)
		return err
	}
	if err := c.sendConfig(); err != nil {
		c.abort(err)
		return err
	}
	if err := c.await(ctx, c.configAck, c.timeouts.Config, StateAwaitingConfigAck, ErrConfigTimeout); err != nil {
		c.abort(err)
		return err
	}

	msgs, err := c.dialect.afterReady(c.cfg)
	if err != nil {
		c.abort(err)
		return err
	}
	for _, m := range msgs {
		if err := c.write(m); err != nil {
			c.abort(err)
			return err
		}
	}
	if msg, every, ok := c.dialect.keepAlive(); ok {
		go c.keepAliveLoop(msg, every)
	}
	span.SetAttributes(attribute.Int64("handshake_ms", time.Since(started).Milliseconds()))
	c.logger.Info("provider ready", "input_format", c.in.String(), "output_format", c.out.String(), "elapsed", time.Since(started).String())
	return nil
}

// await waits for ack while the handshake sits in state. A timeout fails the
// handshake with reason unless the ack won the race.
func (c *Client) await(ctx context.Context, ack <-chan struct{}, timeout time.Duration, state State, reason error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ack:
		return nil
	case <-timer.C:
		if c.hs.FailIn(state, reason) {
			c.logger.Warn("provider handshake timed out", "state", state.String(), "timeout", timeout.String())
			return reason
		}
		select {
		case <-ack:
			return nil
		default:
		}
		if err := c.hs.Err(); err != nil {
			return err
		}
		return reason
	case <-ctx.Done():
		err := fmt.Errorf("%w: %v", reason, ctx.Err())
		c.hs.FailIn(state, err)
		return err
	case <-c.readDone:
		if err := c.hs.Err(); err != nil {
			return err
		}
		return ErrDisconnected
	}
}

// sendConfig sends the session configuration. It is only legal in Configuring;
// the move to AwaitingConfigAck happens before the write so a fast ack is never
// seen in the wrong state.
func (c *Client) sendConfig() error {
	msgs, err := c.dialect.configure(c.cfg, c.in, c.out)
	if err != nil {
		return fmt.Errorf("build %s config: %w", c.dialect.name(), err)
	}
	if err := c.hs.AdvanceFrom(StateConfiguring, StateAwaitingConfigAck); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := c.write(m); err != nil {
			return err
		}
	}
	return nil
}

// SendAudio streams one caller frame, converting it to the provider input format.
func (c *Client) SendAudio(_ context.Context, f audio.Frame) error {
	state, err := c.hs.Require(StateReady, StateStreaming)
	if err != nil {
		return err
	}
	if state == StateReady {
		_ = c.hs.AdvanceFrom(StateReady, StateStreaming)
	}
	converted, err := audio.Encode(f, c.in)
	if err != nil {
		return err
	}
	msg, err := c.dialect.encodeAudio(converted)
	if err != nil {
		return err
	}
	return c.write(msg)
}

func (c *Client) CancelResponse(_ context.Context) error {
	if _, err := c.hs.Require(StateReady, StateStreaming); err != nil {
		return err
	}
	msg, ok := c.dialect.encodeCancel()
	if !ok {
		return fmt.Errorf("%w: %s has no response cancel", errors.ErrUnsupported, c.dialect.name())
	}
	return c.write(msg)
}

func (c *Client) SendToolResult(_ context.Context, r ToolResult) error {
	if _, err := c.hs.Require(StateReady, StateStreaming); err != nil {
		return err
	}
	if !c.dialect.capabilities().SupportsFunctionCalling {
		return fmt.Errorf("%w: %s does not support function calling", errors.ErrUnsupported, c.dialect.name())
	}
	msgs, err := c.dialect.encodeToolResult(r)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := c.write(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) write(m outbound) error {
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(m.messageType, m.data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer c.closeEvents()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				if c.hs.Fail(fmt.Errorf("%w: %v", ErrDisconnected, err)) {
					c.logger.Warn("provider connection lost", "error", err)
				}
			}
			return
		}

		msg := c.dialect.decode(messageType, data, c.out)
		switch msg.kind {
		case inboundReadyAck:
			if err := c.hs.AdvanceFrom(StateAwaitingReadyAck, StateConfiguring); err != nil {
				c.logger.Warn("ignoring out-of-order ready ack", "message", msg.label, "state", c.hs.State().String())
				continue
			}
			c.readyAck <- struct{}{}
		case inboundConfigAck:
			if err := c.hs.AdvanceFrom(StateAwaitingConfigAck, StateReady); err != nil {
				c.logger.Warn("ignoring out-of-order config ack", "message", msg.label, "state", c.hs.State().String())
				continue
			}
			c.configAck <- struct{}{}
		case inboundFatal:
			state := c.hs.State()
			if state == StateReady || state == StateStreaming {
				if !c.emit(Event{
					Type:      EventError,
					Code:      msg.label,
					Detail:    errString(msg.err),
					Retryable: reliability.IsRetryableProviderCode(msg.label),
					At:        time.Now(),
				}) {
					return
				}
				continue
			}
			reason := fmt.Errorf("%w: %v", ErrRejected, msg.err)
			if c.hs.Fail(reason) {
				c.logger.Error("provider rejected handshake", "state", state.String(), "error", msg.err)
			}
			_ = c.conn.Close()
			return
		case inboundEvents:
			state := c.hs.State()
			if state != StateReady && state != StateStreaming {
				c.logger.Debug("dropping provider event before ready", "message", msg.label, "state", state.String())
				continue
			}
			for _, ev := range msg.events {
				if ev.Type == EventResponseAudioChunk {
					ev.Audio = ev.Audio.WithSeq(c.outSeq, c.outOffset)
					c.outSeq++
					c.outOffset += ev.Audio.Duration()
				}
				if ev.At.IsZero() {
					ev.At = time.Now()
				}
				if !c.emit(ev) {
					return
				}
			}
		}
	}
}

func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Client) keepAliveLoop(msg outbound, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-c.readDone:
			return
		case <-ticker.C:
			if err := c.write(msg); err != nil {
				return
			}
		}
	}
}

// abort fails the handshake with err and tears the connection down.
func (c *Client) abort(err error) {
	c.hs.Fail(err)
	_ = c.Close()
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.hs.Advance(StateClosing)
		close(c.closed)
		if c.conn == nil {
			c.closeEvents()
			_ = c.hs.Advance(StateClosed)
			return
		}
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
		select {
		case <-c.readDone:
		case <-time.After(2 * time.Second):
			c.logger.Warn("provider read loop did not exit after close")
		}
		_ = c.hs.Advance(StateClosed)
	})
	return err
}

func (c *Client) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
