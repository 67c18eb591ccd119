package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeHandle struct {
	id      string
	created time.Time

	mu       sync.Mutex
	reasons  []error
	done     chan struct{}
	doneOnce sync.Once
	// endOnTerminate closes done when Terminate is called.
	endOnTerminate bool
}

func newFakeHandle(id string) *fakeHandle {
	return &fakeHandle{id: id, created: time.Now(), done: make(chan struct{}), endOnTerminate: true}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Snapshot() Snapshot {
	return Snapshot{CallID: h.id, Lifecycle: LifecycleActive, CreatedAt: h.created}
}

func (h *fakeHandle) Terminate(reason error) {
	h.mu.Lock()
	h.reasons = append(h.reasons, reason)
	h.mu.Unlock()
	if h.endOnTerminate {
		h.end()
	}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) end() { h.doneOnce.Do(func() { close(h.done) }) }

func (h *fakeHandle) terminatedWith() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.reasons...)
}

func TestAdmitEnforcesCeilingAndUniqueness(t *testing.T) {
	s := NewStore(2, nil)
	a, b := newFakeHandle("a"), newFakeHandle("b")
	if err := s.Admit(a); err != nil {
		t.Fatalf("Admit(a) error = %v", err)
	}
	if err := s.Admit(newFakeHandle("a")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Admit(duplicate) error = %v, want ErrDuplicate", err)
	}
	if err := s.Admit(b); err != nil {
		t.Fatalf("Admit(b) error = %v", err)
	}
	if err := s.Admit(newFakeHandle("c")); !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("Admit(c) error = %v, want ErrSessionLimitExceeded", err)
	}
	if err := s.Reserve("c"); !errors.Is(err, ErrSessionLimitExceeded) {
		t.Fatalf("Reserve(c) error = %v, want ErrSessionLimitExceeded", err)
	}

	s.Remove(a)
	if err := s.Admit(newFakeHandle("c")); err != nil {
		t.Fatalf("Admit(c) after remove error = %v", err)
	}
	if s.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", s.Count())
	}
}

func TestRemoveIgnoresStaleHandle(t *testing.T) {
	s := NewStore(0, nil)
	old := newFakeHandle("a")
	_ = s.Admit(old)
	s.Remove(old)
	fresh := newFakeHandle("a")
	_ = s.Admit(fresh)
	s.Remove(old)
	if got, err := s.Get("a"); err != nil || got != fresh {
		t.Fatalf("Get(a) = %v, %v; want the fresh handle", got, err)
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore(0, nil)
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := s.MarkForTermination("nope", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkForTermination() error = %v, want ErrNotFound", err)
	}
}

func TestSnapshotsAreOrdered(t *testing.T) {
	s := NewStore(0, nil)
	first := newFakeHandle("z")
	second := newFakeHandle("a")
	second.created = first.created.Add(time.Millisecond)
	_ = s.Admit(second)
	_ = s.Admit(first)
	snaps := s.Snapshots()
	if len(snaps) != 2 || snaps[0].CallID != "z" || snaps[1].CallID != "a" {
		t.Fatalf("Snapshots() = %+v", snaps)
	}
}

func TestMarkForTermination(t *testing.T) {
	s := NewStore(0, nil)
	h := newFakeHandle("a")
	_ = s.Admit(h)
	hangup := errors.New("pbx hangup")
	if err := s.MarkForTermination("a", hangup); err != nil {
		t.Fatalf("MarkForTermination() error = %v", err)
	}
	if !s.Marked("a") {
		t.Fatalf("Marked(a) = false")
	}
	if got := h.terminatedWith(); len(got) != 1 || got[0] != hangup {
		t.Fatalf("Terminate reasons = %v", got)
	}
}

func TestDrainStopsAdmissions(t *testing.T) {
	s := NewStore(0, nil)
	res := s.Drain(context.Background(), 0)
	if res.Completed != 0 || len(res.Forced) != 0 {
		t.Fatalf("Drain() on empty store = %+v", res)
	}
	if !s.Draining() {
		t.Fatalf("Draining() = false")
	}
	if err := s.Admit(newFakeHandle("late")); !errors.Is(err, ErrDraining) {
		t.Fatalf("Admit() error = %v, want ErrDraining", err)
	}
}

// Two sessions end well inside the deadline; a stalled third is forced.
func TestDrainForcesOnlyStalledSessions(t *testing.T) {
	s := NewStore(0, nil)
	quick, slower, stalled := newFakeHandle("quick"), newFakeHandle("slower"), newFakeHandle("stalled")
	for _, h := range []*fakeHandle{quick, slower, stalled} {
		if err := s.Admit(h); err != nil {
			t.Fatalf("Admit(%s) error = %v", h.id, err)
		}
	}
	time.AfterFunc(20*time.Millisecond, quick.end)
	time.AfterFunc(60*time.Millisecond, slower.end)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := s.Drain(ctx, time.Second)
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Fatalf("Drain() returned after %v, before the deadline", elapsed)
	}
	if res.Completed != 2 {
		t.Fatalf("Completed = %d, want 2", res.Completed)
	}
	if len(res.Forced) != 1 || res.Forced[0] != "stalled" {
		t.Fatalf("Forced = %v, want [stalled]", res.Forced)
	}
	if got := stalled.terminatedWith(); len(got) != 1 || !errors.Is(got[0], ErrForcedTermination) {
		t.Fatalf("stalled terminated with %v", got)
	}
	if len(quick.terminatedWith()) != 0 || len(slower.terminatedWith()) != 0 {
		t.Fatalf("sessions that ended in time were force-terminated")
	}
}

func TestDrainWithoutStallsForcesNothing(t *testing.T) {
	s := NewStore(0, nil)
	a, b := newFakeHandle("a"), newFakeHandle("b")
	_ = s.Admit(a)
	_ = s.Admit(b)
	time.AfterFunc(10*time.Millisecond, a.end)
	time.AfterFunc(30*time.Millisecond, b.end)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	res := s.Drain(ctx, time.Second)
	if res.Completed != 2 || len(res.Forced) != 0 {
		t.Fatalf("Drain() = %+v, want 2 completed and none forced", res)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Drain() waited for the deadline although every session ended")
	}
}
