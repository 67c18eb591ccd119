package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/transport"
)

// callsim plays the PBX side of one or more framed calls against a running
// bridge and reports how quickly the agent answered.

type options struct {
	baseURL     string
	mediaAddr   string
	provider    string
	caller      string
	called      string
	calls       int
	duration    time.Duration
	bargeAfter  time.Duration
	wavPath     string
	recordDir   string
	callTimeout time.Duration
	verbose     bool
}

type callResult struct {
	CallID     string
	FirstAudio time.Duration
	AgentBytes int
	EndReason  string
	Outcome    string
	Err        error
}

const frameBytes = 320 // 20ms of 8kHz linear16

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "bridge signalling base URL")
	flag.StringVar(&cfg.mediaAddr, "media-addr", "127.0.0.1:9092", "bridge framed media listener")
	flag.StringVar(&cfg.provider, "provider", "", "provider override for the simulated calls")
	flag.StringVar(&cfg.caller, "caller", "+15550100", "caller number")
	flag.StringVar(&cfg.called, "called", "+15550199", "called number")
	flag.IntVar(&cfg.calls, "calls", 1, "number of concurrent calls")
	flag.DurationVar(&cfg.duration, "duration", 20*time.Second, "how long each call stays up")
	flag.DurationVar(&cfg.bargeAfter, "barge-after", 0, "start playing the caller clip this long after the first agent audio (0 plays it from the start)")
	flag.StringVar(&cfg.wavPath, "wav", "", "16-bit PCM WAV file spoken by the caller (silence when empty)")
	flag.StringVar(&cfg.recordDir, "record-dir", "", "directory for per-call WAV recordings of agent audio")
	flag.DurationVar(&cfg.callTimeout, "call-timeout", time.Minute, "upper bound for one simulated call")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.calls <= 0 || cfg.calls > 500 {
		return options{}, fmt.Errorf("calls must be in [1,500]")
	}
	if cfg.duration <= 0 {
		return options{}, fmt.Errorf("duration must be > 0")
	}
	if cfg.callTimeout < cfg.duration {
		cfg.callTimeout = cfg.duration + 10*time.Second
	}
	return cfg, nil
}

func run(cfg options) error {
	var clip []byte
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return fmt.Errorf("read caller clip: %w", err)
		}
		pcm, rate, err := decodeWAVPCM16(data)
		if err != nil {
			return fmt.Errorf("decode caller clip: %w", err)
		}
		if clip, err = to8k(pcm, rate); err != nil {
			return fmt.Errorf("resample caller clip: %w", err)
		}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	results := make([]callResult, cfg.calls)
	var wg sync.WaitGroup
	for i := range cfg.calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), cfg.callTimeout)
			defer cancel()
			results[i] = simulateCall(ctx, client, cfg, clip)
		}()
	}
	wg.Wait()

	// Reports are saved as calls wind down.
	time.Sleep(500 * time.Millisecond)
	attachReports(context.Background(), client, cfg.baseURL, results)
	printSummary(os.Stdout, results)
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("%d of %d calls failed", countFailed(results), len(results))
		}
	}
	return nil
}

func simulateCall(ctx context.Context, client *http.Client, cfg options, clip []byte) callResult {
	id := uuid.New()
	res := callResult{CallID: id.String()}

	start := protocol.CallStart{
		CallID:    res.CallID,
		Caller:    cfg.caller,
		Called:    cfg.called,
		Provider:  cfg.provider,
		Transport: protocol.TransportFramed,
	}
	if err := announce(ctx, client, cfg.baseURL, start); err != nil {
		res.Err = fmt.Errorf("announce: %w", err)
		return res
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.mediaAddr)
	if err != nil {
		res.Err = fmt.Errorf("dial media: %w", err)
		return res
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := writeFramed(conn, transport.FrameUUID, id[:]); err != nil {
		res.Err = fmt.Errorf("send uuid: %w", err)
		return res
	}
	began := time.Now()
	if cfg.verbose {
		fmt.Printf("callsim: call=%s connected\n", res.CallID)
	}

	var rec *audio.Recorder
	if cfg.recordDir != "" {
		rec = audio.NewRecorder(audio.Linear8k, 8000*2*int(cfg.callTimeout.Seconds()))
	}
	firstAudio := make(chan time.Time, 1)
	readDone := make(chan error, 1)
	var agentBytes int
	go func() {
		readDone <- readAgent(conn, rec, firstAudio, &agentBytes)
	}()

	playFrom := time.Time{}
	if cfg.bargeAfter <= 0 {
		playFrom = began
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(cfg.duration)
	defer deadline.Stop()
	silence := make([]byte, frameBytes)
	offset := 0
	remoteEnded := false

loop:
	for {
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			break loop
		case <-deadline.C:
			break loop
		case at := <-firstAudio:
			res.FirstAudio = at.Sub(began)
			if cfg.verbose {
				fmt.Printf("callsim: call=%s first_agent_audio_ms=%d\n", res.CallID, res.FirstAudio.Milliseconds())
			}
			if playFrom.IsZero() {
				playFrom = at.Add(cfg.bargeAfter)
			}
		case err := <-readDone:
			if err != nil && !errors.Is(err, io.EOF) {
				res.Err = fmt.Errorf("read agent audio: %w", err)
			}
			remoteEnded = true
			break loop
		case now := <-ticker.C:
			frame := silence
			if len(clip) > 0 && !playFrom.IsZero() && !now.Before(playFrom) && offset < len(clip) {
				frame = nextFrame(clip, offset)
				offset += frameBytes
			}
			if err := writeFramed(conn, transport.FrameAudio, frame); err != nil {
				res.Err = fmt.Errorf("send caller audio: %w", err)
				break loop
			}
		}
	}

	if !remoteEnded {
		_ = writeFramed(conn, transport.FrameHangup, nil)
		_ = hangup(context.WithoutCancel(ctx), client, cfg.baseURL, res.CallID)
		_ = conn.Close()
		<-readDone
	}
	res.AgentBytes = agentBytes
	if rec != nil {
		path := filepath.Join(cfg.recordDir, res.CallID+".wav")
		if err := rec.WriteFile(path); err != nil && res.Err == nil {
			res.Err = err
		}
	}
	return res
}

// readAgent consumes framed messages from the bridge until it hangs up.
func readAgent(conn io.Reader, rec *audio.Recorder, firstAudio chan<- time.Time, agentBytes *int) error {
	var header [3]byte
	seen := false
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return err
		}
		payload := make([]byte, binary.BigEndian.Uint16(header[1:]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return err
		}
		switch header[0] {
		case transport.FrameHangup:
			return io.EOF
		case transport.FrameAudio:
			if !seen && !allZero(payload) {
				seen = true
				firstAudio <- time.Now()
			}
			*agentBytes += len(payload)
			if rec != nil {
				_ = rec.Add(audio.NewFrame(payload, audio.Linear8k, audio.SourceAgent, 0, 0))
			}
		}
	}
}

func writeFramed(w io.Writer, kind byte, payload []byte) error {
	msg := make([]byte, 3+len(payload))
	msg[0] = kind
	binary.BigEndian.PutUint16(msg[1:3], uint16(len(payload)))
	copy(msg[3:], payload)
	_, err := w.Write(msg)
	return err
}

func announce(ctx context.Context, client *http.Client, baseURL string, start protocol.CallStart) error {
	body, err := json.Marshal(start)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		var e protocol.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("status=%d code=%s: %s", resp.StatusCode, e.Code, e.Error)
	}
	return nil
}

func hangup(ctx context.Context, client *http.Client, baseURL, callID string) error {
	body, _ := json.Marshal(protocol.CallEnd{Reason: "simulated caller hung up"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/calls/"+callID+"/hangup", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	// The media hangup usually wins the race.
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("hangup status=%d", resp.StatusCode)
	}
	return nil
}

type reportRow struct {
	CallID    string `json:"call_id"`
	Outcome   string `json:"outcome"`
	EndReason string `json:"end_reason"`
}

func attachReports(ctx context.Context, client *http.Client, baseURL string, results []callResult) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/reports?limit=%d", baseURL, min(len(results)*2, 500)), nil)
	if err != nil {
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	var payload struct {
		Reports []reportRow `json:"reports"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return
	}
	byID := make(map[string]reportRow, len(payload.Reports))
	for _, r := range payload.Reports {
		byID[r.CallID] = r
	}
	for i := range results {
		if r, ok := byID[results[i].CallID]; ok {
			results[i].Outcome = r.Outcome
			results[i].EndReason = r.EndReason
		}
	}
}

func printSummary(w io.Writer, results []callResult) {
	var latencies []float64
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		fmt.Fprintf(w, "call=%s first_audio_ms=%d agent_bytes=%d outcome=%s reason=%s status=%s\n",
			r.CallID, r.FirstAudio.Milliseconds(), r.AgentBytes, r.Outcome, r.EndReason, status)
		if r.FirstAudio > 0 {
			latencies = append(latencies, float64(r.FirstAudio.Milliseconds()))
		}
	}
	if len(latencies) == 0 {
		fmt.Fprintln(w, "no agent audio received")
		return
	}
	fmt.Fprintf(w, "first_audio p50=%.0fms p95=%.0fms max=%.0fms answered=%d/%d\n",
		percentile(latencies, 0.50), percentile(latencies, 0.95), slices.Max(latencies), len(latencies), len(results))
}

func countFailed(results []callResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// percentile uses nearest rank.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}

func nextFrame(clip []byte, offset int) []byte {
	frame := make([]byte, frameBytes)
	copy(frame, clip[offset:min(offset+frameBytes, len(clip))])
	return frame
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// to8k converts mono PCM16LE at rate to the framed transport's 8kHz.
func to8k(pcm []byte, rate int) ([]byte, error) {
	f := audio.NewFrame(pcm, audio.Format{Encoding: audio.EncodingLinear16, SampleRate: rate}, audio.SourceCaller, 0, 0)
	out, err := audio.Encode(f, audio.Linear8k)
	if err != nil {
		return nil, err
	}
	return out.Payload(), nil
}

func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, fmt.Errorf("wav too short")
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("unsupported wav header")
	}

	var (
		haveFmt     bool
		audioFormat uint16
		channels    uint16
		sampleRate  int
		bitsPerSamp uint16
		pcmData     []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, 0, fmt.Errorf("invalid wav chunk size")
		}
		chunk := data[off : off+size]
		switch id {
		case "fmt ":
			if len(chunk) < 16 {
				return nil, 0, fmt.Errorf("invalid wav fmt chunk")
			}
			audioFormat = binary.LittleEndian.Uint16(chunk[0:2])
			channels = binary.LittleEndian.Uint16(chunk[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(chunk[4:8]))
			bitsPerSamp = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true
		case "data":
			pcmData = append(pcmData[:0], chunk...)
		}
		off += size + size%2
	}
	switch {
	case !haveFmt:
		return nil, 0, fmt.Errorf("wav fmt chunk missing")
	case len(pcmData) == 0:
		return nil, 0, fmt.Errorf("wav data chunk missing")
	case audioFormat != 1:
		return nil, 0, fmt.Errorf("unsupported wav audio format %d", audioFormat)
	case bitsPerSamp != 16:
		return nil, 0, fmt.Errorf("unsupported wav bits_per_sample %d", bitsPerSamp)
	case channels == 0:
		return nil, 0, fmt.Errorf("invalid wav channels=0")
	case sampleRate <= 0:
		return nil, 0, fmt.Errorf("invalid wav sample rate %d", sampleRate)
	}

	if channels == 1 {
		return pcmData[:len(pcmData)&^1], sampleRate, nil
	}
	stride := int(channels) * 2
	frameCount := len(pcmData) / stride
	mono := make([]byte, frameCount*2)
	for i := range frameCount {
		base := i * stride
		sum := 0
		for ch := range int(channels) {
			sum += int(int16(binary.LittleEndian.Uint16(pcmData[base+ch*2:])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return mono, sampleRate, nil
}
