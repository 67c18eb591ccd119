package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/callbridge/internal/audio"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/protocol"
	"github.com/ent0n29/callbridge/internal/provider"
	"github.com/ent0n29/callbridge/internal/reporting"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/transport"
)

// Calls is the orchestrator surface the PBX signalling API drives.
type Calls interface {
	StartCall(ctx context.Context, start protocol.CallStart, tr transport.Transport) error
	Expect(start protocol.CallStart) error
	EndCall(id, reason string) error
	Snapshot(id string) (session.Snapshot, error)
	Snapshots() []session.Snapshot
	Draining() bool
	Reports(ctx context.Context, limit int) ([]reporting.CallRecord, error)
}

type Server struct {
	cfg     config.Config
	calls   Calls
	metrics *observability.Metrics
	logger  *slog.Logger
}

func New(cfg config.Config, calls Calls, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		calls:   calls,
		metrics: metrics,
		logger:  logger.With("component", "httpapi"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Route("/v1/calls", func(r chi.Router) {
		r.Post("/", s.handleStartCall)
		r.Get("/", s.handleListCalls)
		r.Get("/{id}", s.handleGetCall)
		r.Post("/{id}/hangup", s.handleHangup)
	})
	r.Get("/v1/reports", s.handleReports)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_calls":    len(s.calls.Snapshots()),
		"provider":        s.cfg.Provider,
		"framed_listener": s.cfg.FramedListenAddr != "",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.calls.Draining() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), "")
		return
	}
	start, err := protocol.ParseCallStart(raw)
	if err != nil {
		s.respondCallError(w, err, "")
		return
	}
	provName := start.Provider
	if provName == "" {
		provName = s.cfg.Provider
	}

	switch start.Transport {
	case protocol.TransportPacket:
		media, err := s.openPacket(start)
		if err != nil {
			s.respondCallError(w, err, start.CallID)
			return
		}
		if err := s.calls.StartCall(context.WithoutCancel(r.Context()), start, media); err != nil {
			_ = media.Close()
			s.respondCallError(w, err, start.CallID)
			return
		}
		respondJSON(w, http.StatusCreated, protocol.CallStarted{
			CallID:    start.CallID,
			Transport: start.Transport,
			Provider:  provName,
			MediaPort: media.LocalAddr().Port,
			Status:    "started",
		})
	default:
		if err := s.calls.Expect(start); err != nil {
			s.respondCallError(w, err, start.CallID)
			return
		}
		respondJSON(w, http.StatusAccepted, protocol.CallStarted{
			CallID:    start.CallID,
			Transport: start.Transport,
			Provider:  provName,
			Status:    "awaiting_media",
		})
	}
}

// openPacket binds the RTP leg for a packet call on an ephemeral port.
func (s *Server) openPacket(start protocol.CallStart) (*transport.Packet, error) {
	encoding := start.Encoding
	if encoding == "" {
		encoding = s.cfg.TelephonyEncoding
	}
	format := audio.Telephony8kMulaw
	if encoding == "alaw" {
		format = audio.Telephony8kAlaw
	}
	host := s.cfg.RTPBindHost
	if host == "" {
		host = "0.0.0.0"
	}
	return transport.ListenPacket(transport.PacketConfig{
		CallID:            start.CallID,
		Format:            format,
		LocalAddr:         net.JoinHostPort(host, "0"),
		RemoteAddr:        start.MediaRemote,
		JitterPackets:     s.cfg.RTPJitterPackets,
		InactivityTimeout: s.cfg.RTPInactivityTimeout,
		Logger:            s.logger,
	})
}

func (s *Server) handleListCalls(w http.ResponseWriter, _ *http.Request) {
	snaps := s.calls.Snapshots()
	respondJSON(w, http.StatusOK, map[string]any{"calls": snaps, "count": len(snaps)})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.calls.Snapshot(id)
	if err != nil {
		s.respondCallError(w, err, id)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call id", "")
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<10))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error(), id)
		return
	}
	end, err := protocol.ParseCallEnd(raw)
	if err != nil {
		s.respondCallError(w, err, id)
		return
	}
	if err := s.calls.EndCall(id, end.Reason); err != nil {
		s.respondCallError(w, err, id)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"call_id": id, "status": "ending"})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", "")
			return
		}
		limit = min(n, 500)
	}
	recs, err := s.calls.Reports(r.Context(), limit)
	if err != nil {
		s.logger.Error("list reports failed", "error", err)
		respondError(w, http.StatusInternalServerError, "report_store_error", err.Error(), "")
		return
	}
	if recs == nil {
		recs = []reporting.CallRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"reports": recs, "count": len(recs)})
}

// callErrorStatus maps orchestrator and signalling errors to HTTP answers.
func callErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, protocol.ErrInvalidSignal):
		return http.StatusBadRequest, "invalid_signal"
	case errors.Is(err, protocol.ErrUnsupportedType):
		return http.StatusBadRequest, "unsupported_transport"
	case errors.Is(err, protocol.ErrUnsupportedCodec), errors.Is(err, audio.ErrUnsupportedFormat):
		return http.StatusBadRequest, "unsupported_format"
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "call_not_found"
	case errors.Is(err, session.ErrDuplicate):
		return http.StatusConflict, "duplicate_call"
	case errors.Is(err, session.ErrSessionLimitExceeded):
		return http.StatusServiceUnavailable, "session_limit_exceeded"
	case errors.Is(err, session.ErrDraining):
		return http.StatusServiceUnavailable, "draining"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) respondCallError(w http.ResponseWriter, err error, callID string) {
	status, code := callErrorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("call request failed", "call_id", callID, "error", err)
	}
	respondError(w, status, code, err.Error(), callID)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message, callID string) {
	respondJSON(w, status, protocol.ErrorResponse{Error: message, Code: code, CallID: callID})
}
