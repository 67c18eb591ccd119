package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callbridge/internal/audio"
)

// Message kinds of the framed (AudioSocket) wire format: a 1-byte kind, a
// big-endian uint16 payload length, then the payload.
const (
	FrameHangup byte = 0x00
	FrameUUID   byte = 0x01
	FrameDTMF   byte = 0x03
	FrameAudio  byte = 0x10
	FrameError  byte = 0xFF
)

const (
	framedHeaderLen = 3
	// Asterisk sends 20ms of 8kHz slin per message; anything far beyond that is a
	// desynchronised stream.
	maxFramedAudio = 8000
)

// FramedFormat is the fixed media format of the framed transport.
var FramedFormat = audio.Linear8k

// Framed is a Transport over a byte-stream connection using the AudioSocket framing.
type Framed struct {
	conn    net.Conn
	reader  *bufio.Reader
	callID  string
	logger  *slog.Logger
	dtmf    chan rune
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	seq    uint64
	offset time.Duration
}

var _ Transport = (*Framed)(nil)
var _ DTMFSource = (*Framed)(nil)

// AcceptFramed reads the leading UUID message from conn and returns a transport for
// that call. Any other leading message fails the connection.
func AcceptFramed(conn net.Conn, handshakeTimeout time.Duration, logger *slog.Logger) (*Framed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reader := bufio.NewReaderSize(conn, 4096)
	if handshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	kind, payload, err := readFramedMessage(reader)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if kind != FrameUUID {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: first message kind %#x, want uuid", ErrFraming, kind)
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrFraming, err)
	}
	return &Framed{
		conn:   conn,
		reader: reader,
		callID: id.String(),
		logger: logger.With("call_id", id.String(), "transport", KindFramed),
		dtmf:   make(chan rune, 16),
		closed: make(chan struct{}),
	}, nil
}

func (f *Framed) Kind() Kind           { return KindFramed }
func (f *Framed) Format() audio.Format { return FramedFormat }
func (f *Framed) DTMF() <-chan rune    { return f.dtmf }

// CallID is the UUID announced by the PBX.
func (f *Framed) CallID() string { return f.callID }

func (f *Framed) ReadFrame(ctx context.Context) (audio.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = f.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		kind, payload, err := readFramedMessage(f.reader)
		if err != nil {
			if ctx.Err() != nil {
				return audio.Frame{}, ctx.Err()
			}
			if errors.Is(err, ErrFraming) {
				f.logger.Warn("framed transport desynchronised", "error", err)
				_ = f.Close()
				return audio.Frame{}, err
			}
			_ = f.Close()
			return audio.Frame{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}

		switch kind {
		case FrameAudio:
			frame := audio.NewFrame(payload, FramedFormat, audio.SourceCaller, f.seq, f.offset)
			f.seq++
			f.offset += frame.Duration()
			return frame, nil
		case FrameHangup:
			_ = f.Close()
			return audio.Frame{}, ErrClosed
		case FrameDTMF:
			if len(payload) > 0 {
				select {
				case f.dtmf <- rune(payload[0]):
				default:
					f.logger.Warn("dropping dtmf digit, queue full", "digit", string(rune(payload[0])))
				}
			}
		case FrameError:
			f.logger.Warn("pbx reported media error", "code", payload)
		case FrameUUID:
			_ = f.Close()
			return audio.Frame{}, fmt.Errorf("%w: repeated uuid message", ErrFraming)
		default:
			f.logger.Debug("ignoring unknown framed message", "kind", kind, "len", len(payload))
		}
	}
}

func (f *Framed) WriteFrame(ctx context.Context, frame audio.Frame) error {
	select {
	case <-f.closed:
		return ErrClosed
	default:
	}
	out, err := audio.Encode(frame, FramedFormat)
	if err != nil {
		return err
	}
	payload := out.Payload()
	if len(payload) > 0xFFFF {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrFraming, len(payload))
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = f.conn.SetWriteDeadline(deadline)
	} else {
		_ = f.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	}
	if err := writeFramedMessage(f.conn, FrameAudio, payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Hangup asks the PBX to end the call before closing the connection.
func (f *Framed) Hangup() error {
	f.writeMu.Lock()
	_ = f.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := writeFramedMessage(f.conn, FrameHangup, nil)
	f.writeMu.Unlock()
	_ = f.Close()
	return err
}

func (f *Framed) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		err = f.conn.Close()
	})
	return err
}

func readFramedMessage(r io.Reader) (byte, []byte, error) {
	var header [framedHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	kind := header[0]
	n := int(binary.BigEndian.Uint16(header[1:]))
	if err := checkFramedLength(kind, n); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, nil, fmt.Errorf("%w: truncated payload, header declared %d bytes", ErrFraming, n)
		}
		return 0, nil, err
	}
	return kind, payload, nil
}

func checkFramedLength(kind byte, n int) error {
	switch kind {
	case FrameHangup:
		if n != 0 {
			return fmt.Errorf("%w: hangup with %d byte payload", ErrFraming, n)
		}
	case FrameUUID:
		if n != 16 {
			return fmt.Errorf("%w: uuid length %d, want 16", ErrFraming, n)
		}
	case FrameDTMF:
		if n != 1 {
			return fmt.Errorf("%w: dtmf length %d, want 1", ErrFraming, n)
		}
	case FrameAudio:
		if n%2 != 0 || n > maxFramedAudio {
			return fmt.Errorf("%w: audio length %d", ErrFraming, n)
		}
	}
	return nil
}

func writeFramedMessage(w io.Writer, kind byte, payload []byte) error {
	buf := make([]byte, framedHeaderLen+len(payload))
	buf[0] = kind
	binary.BigEndian.PutUint16(buf[1:], uint16(len(payload)))
	copy(buf[framedHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// FramedListener accepts PBX media connections and hands each identified call to handle.
type FramedListener struct {
	ln               net.Listener
	handshakeTimeout time.Duration
	logger           *slog.Logger
	wg               sync.WaitGroup
}

func ListenFramed(addr string, handshakeTimeout time.Duration, logger *slog.Logger) (*FramedListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen framed media on %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FramedListener{ln: ln, handshakeTimeout: handshakeTimeout, logger: logger}, nil
}

func (l *FramedListener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until ctx is cancelled or the listener fails.
func (l *FramedListener) Serve(ctx context.Context, handle func(*Framed)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept framed media: %w", err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			t, err := AcceptFramed(conn, l.handshakeTimeout, l.logger)
			if err != nil {
				l.logger.Warn("rejecting framed media connection", "remote", conn.RemoteAddr().String(), "error", err)
				return
			}
			handle(t)
		}()
	}
}

func (l *FramedListener) Close() error {
	return l.ln.Close()
}
