package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/ent0n29/callbridge/internal/audio"
)

// RTP static payload types for G.711.
const (
	PayloadTypePCMU uint8 = 0
	PayloadTypePCMA uint8 = 8
)

const packetDuration = 20 * time.Millisecond

// PacketConfig configures an RTP media leg.
type PacketConfig struct {
	CallID string
	// Format must be 8kHz mulaw or alaw.
	Format audio.Format
	// LocalAddr is the UDP address to bind, e.g. "0.0.0.0:0".
	LocalAddr string
	// RemoteAddr is where outbound packets go. When empty it is learned from the
	// first inbound packet.
	RemoteAddr string
	// JitterPackets bounds how many packets are held while waiting for a gap.
	JitterPackets int
	// InactivityTimeout ends the transport when no packet arrives for this long.
	InactivityTimeout time.Duration
	Logger            *slog.Logger
}

// Packet is a Transport carrying G.711 audio in RTP over UDP.
type Packet struct {
	cfg         PacketConfig
	conn        *net.UDPConn
	payloadType uint8
	logger      *slog.Logger

	mu         sync.Mutex
	jitter     *jitterBuffer
	remote     *net.UDPAddr
	remoteSSRC uint32
	haveSSRC   bool
	lastRecv   time.Time
	readErr    error
	notify     chan struct{}
	lastOutput time.Time

	writeMu   sync.Mutex
	ssrc      uint32
	outSeq    uint16
	outTS     uint32
	inSeq     uint64
	inOffset  time.Duration
	closeOnce sync.Once
	closed    chan struct{}
	readDone  chan struct{}
}

var _ Transport = (*Packet)(nil)

// ListenPacket binds a UDP socket and starts receiving RTP.
func ListenPacket(cfg PacketConfig) (*Packet, error) {
	var pt uint8
	switch cfg.Format {
	case audio.Telephony8kMulaw:
		pt = PayloadTypePCMU
	case audio.Telephony8kAlaw:
		pt = PayloadTypePCMA
	default:
		return nil, fmt.Errorf("%w: rtp transport carries 8kHz G.711 only, got %s", audio.ErrUnsupportedFormat, cfg.Format)
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve rtp bind address: %w", err)
	}
	var remote *net.UDPAddr
	if cfg.RemoteAddr != "" {
		remote, err = net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve rtp remote address: %w", err)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen rtp: %w", err)
	}

	id := uuid.New()
	p := &Packet{
		cfg:         cfg,
		conn:        conn,
		payloadType: pt,
		logger:      cfg.Logger.With("call_id", cfg.CallID, "transport", KindPacket),
		jitter:      newJitterBuffer(cfg.JitterPackets),
		remote:      remote,
		lastRecv:    time.Now(),
		notify:      make(chan struct{}, 1),
		ssrc:        binary.BigEndian.Uint32(id[:4]),
		outSeq:      binary.BigEndian.Uint16(id[4:6]),
		outTS:       binary.BigEndian.Uint32(id[6:10]),
		closed:      make(chan struct{}),
		readDone:    make(chan struct{}),
	}
	go p.receiveLoop()
	return p, nil
}

func (p *Packet) Kind() Kind           { return KindPacket }
func (p *Packet) Format() audio.Format { return p.cfg.Format }

// LocalAddr is the bound UDP address, reported to the PBX as the media target.
func (p *Packet) LocalAddr() *net.UDPAddr {
	return p.conn.LocalAddr().(*net.UDPAddr)
}

// Stats reports jitter buffer counters.
func (p *Packet) Stats() (lost, late, duplicates uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jitter.lost, p.jitter.late, p.jitter.duplicates
}

func (p *Packet) receiveLoop() {
	defer close(p.readDone)
	buf := make([]byte, 1500)
	for {
		n, from, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			p.mu.Lock()
			p.readErr = fmt.Errorf("%w: %v", ErrClosed, err)
			p.mu.Unlock()
			p.wake()
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.logger.Debug("dropping malformed rtp packet", "error", err, "len", n)
			continue
		}
		if pkt.PayloadType != p.payloadType {
			p.logger.Debug("dropping rtp packet with unexpected payload type", "payload_type", pkt.PayloadType)
			continue
		}

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)

		p.mu.Lock()
		if p.remote == nil {
			p.remote = from
			p.logger.Info("learned rtp remote address", "remote", from.String())
		}
		if p.haveSSRC && pkt.SSRC != p.remoteSSRC {
			p.logger.Info("rtp stream restarted", "old_ssrc", p.remoteSSRC, "ssrc", pkt.SSRC)
			p.jitter.resync()
		}
		p.remoteSSRC, p.haveSSRC = pkt.SSRC, true
		p.lastRecv = time.Now()
		p.jitter.push(pkt.SequenceNumber, payload)
		p.mu.Unlock()
		p.wake()
	}
}

func (p *Packet) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Packet) ReadFrame(ctx context.Context) (audio.Frame, error) {
	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		out, ok := p.jitter.pop()
		if !ok && !p.lastOutput.IsZero() && time.Since(p.lastOutput) > time.Duration(p.jitter.window+1)*packetDuration {
			out, ok = p.jitter.flushGap()
		}
		readErr := p.readErr
		idle := time.Since(p.lastRecv)
		if ok {
			p.lastOutput = time.Now()
		}
		p.mu.Unlock()

		if ok {
			return p.frameFor(out), nil
		}
		if readErr != nil {
			return audio.Frame{}, readErr
		}
		if idle > p.cfg.InactivityTimeout {
			p.logger.Warn("rtp inactivity timeout", "idle", idle.String())
			_ = p.Close()
			return audio.Frame{}, fmt.Errorf("%w: no media for %s", ErrClosed, idle.Round(time.Millisecond))
		}

		select {
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		case <-p.closed:
			return audio.Frame{}, ErrClosed
		case <-p.notify:
		case <-ticker.C:
		}
	}
}

func (p *Packet) frameFor(out jitterOutput) audio.Frame {
	var f audio.Frame
	if out.lost {
		f = audio.Silence(p.cfg.Format, packetDuration, audio.SourceCaller, p.inSeq, p.inOffset)
	} else {
		f = audio.NewFrame(out.payload, p.cfg.Format, audio.SourceCaller, p.inSeq, p.inOffset)
	}
	p.inSeq++
	p.inOffset += f.Duration()
	return f
}

func (p *Packet) WriteFrame(ctx context.Context, frame audio.Frame) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	out, err := audio.Encode(frame, p.cfg.Format)
	if err != nil {
		return err
	}

	p.mu.Lock()
	remote := p.remote
	p.mu.Unlock()
	if remote == nil {
		// Nothing to send to until the PBX starts sending media.
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    p.payloadType,
			SequenceNumber: p.outSeq,
			Timestamp:      p.outTS,
			SSRC:           p.ssrc,
		},
		Payload: out.Payload(),
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("marshal rtp packet: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
	}
	if _, err := p.conn.WriteToUDP(raw, remote); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("write rtp packet: %w", err)
	}
	p.outSeq++
	p.outTS += uint32(out.Len())
	return nil
}

func (p *Packet) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
		<-p.readDone
	})
	return err
}
