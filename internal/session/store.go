package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound             = errors.New("session not found")
	ErrDuplicate            = errors.New("session already exists")
	ErrSessionLimitExceeded = errors.New("session limit exceeded")
	ErrDraining             = errors.New("not admitting sessions during shutdown")
	// ErrForcedTermination ends sessions still running when the drain deadline passes.
	ErrForcedTermination = errors.New("forced termination")
)

// Handle is the store's view of a running call. The store never touches a
// session's internals; it only asks for snapshots and termination.
type Handle interface {
	ID() string
	Snapshot() Snapshot
	// Terminate asks the owning goroutine to shut down. It must not block.
	Terminate(reason error)
	// Done is closed once the session has fully ended.
	Done() <-chan struct{}
}

// Store is the registry of live calls. Its lock is only held for map access.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Handle
	marked   map[string]struct{}
	limit    int
	draining bool
	logger   *slog.Logger
}

func NewStore(limit int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]Handle),
		marked:   make(map[string]struct{}),
		limit:    limit,
		logger:   logger,
	}
}

// Admit registers h. It fails at the concurrency ceiling, for a live duplicate
// id, and once draining has begun.
func (s *Store) Admit(h Handle) error {
	id := h.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return ErrDraining
	}
	if _, ok := s.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if s.limit > 0 && len(s.sessions) >= s.limit {
		return fmt.Errorf("%w: %d active", ErrSessionLimitExceeded, len(s.sessions))
	}
	s.sessions[id] = h
	return nil
}

// Reserve reports whether a new session with id would currently be admitted.
func (s *Store) Reserve(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.draining {
		return ErrDraining
	}
	if _, ok := s.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	if s.limit > 0 && len(s.sessions) >= s.limit {
		return fmt.Errorf("%w: %d active", ErrSessionLimitExceeded, len(s.sessions))
	}
	return nil
}

func (s *Store) Get(id string) (Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// Remove drops id if it is still registered to h.
func (s *Store) Remove(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[h.ID()]; ok && cur == h {
		delete(s.sessions, h.ID())
		delete(s.marked, h.ID())
	}
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Snapshots returns read-only copies of every live call, oldest first.
func (s *Store) Snapshots() []Snapshot {
	handles := s.handles()
	out := make([]Snapshot, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MarkForTermination flags id and asks its owner to run an orderly shutdown.
func (s *Store) MarkForTermination(id string, reason error) error {
	s.mu.Lock()
	h, ok := s.sessions[id]
	if ok {
		s.marked[id] = struct{}{}
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	h.Terminate(reason)
	return nil
}

func (s *Store) Marked(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.marked[id]
	return ok
}

func (s *Store) Draining() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.draining
}

// BeginDrain stops admissions.
func (s *Store) BeginDrain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}

type DrainResult struct {
	Completed int
	Forced    []string
}

// Drain stops admissions and waits for live sessions to end until ctx is done.
// Sessions still running then are terminated with ErrForcedTermination, and
// Drain waits up to grace for them to wind down.
func (s *Store) Drain(ctx context.Context, grace time.Duration) DrainResult {
	s.BeginDrain()
	handles := s.handles()
	var res DrainResult
	if len(handles) == 0 {
		return res
	}
	s.logger.Info("draining sessions", "active", len(handles))

	var remaining []Handle
	for _, h := range handles {
		select {
		case <-h.Done():
			res.Completed++
			continue
		default:
		}
		select {
		case <-h.Done():
			res.Completed++
		case <-ctx.Done():
			remaining = append(remaining, h)
		}
	}

	for _, h := range remaining {
		select {
		case <-h.Done():
			res.Completed++
			continue
		default:
		}
		res.Forced = append(res.Forced, h.ID())
		s.logger.Warn("forced termination", "call_id", h.ID(), "reason", "forced_termination")
		s.mu.Lock()
		s.marked[h.ID()] = struct{}{}
		s.mu.Unlock()
		h.Terminate(ErrForcedTermination)
	}

	if len(res.Forced) > 0 && grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		for _, h := range remaining {
			select {
			case <-h.Done():
			case <-timer.C:
				s.logger.Error("sessions did not stop after forced termination", "grace", grace.String())
				return res
			}
		}
	}
	return res
}

func (s *Store) handles() []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handle, 0, len(s.sessions))
	for _, h := range s.sessions {
		out = append(out, h)
	}
	return out
}
