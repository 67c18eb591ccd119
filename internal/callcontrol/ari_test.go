package callcontrol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestARITransferContinuesIntoDialplan(t *testing.T) {
	var gotPath, gotQuery, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUser, _, _ = r.BasicAuth()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewARIClient(ARIConfig{BaseURL: srv.URL + "/ari/", Username: "bridge", Password: "secret", TransferContext: "xfer"}, nil)
	if err := c.Transfer(context.Background(), "chan-1", "sales"); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if gotPath != "POST /ari/channels/chan-1/continue" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "context=xfer&extension=sales&priority=1" {
		t.Fatalf("query = %q", gotQuery)
	}
	if gotUser != "bridge" {
		t.Fatalf("basic auth user = %q", gotUser)
	}
}

func TestARIHangupDeletesChannel(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Method + " " + r.URL.Path + "?" + r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewARIClient(ARIConfig{BaseURL: srv.URL}, nil)
	if err := c.Hangup(context.Background(), "chan-1", "caller asked"); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if got != "DELETE /channels/chan-1?reason=normal" {
		t.Fatalf("request = %q", got)
	}
}

func TestARIRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewARIClient(ARIConfig{BaseURL: srv.URL, Attempts: 3}, nil)
	if err := c.LeaveVoicemail(context.Background(), "chan-1", "100"); err != nil {
		t.Fatalf("LeaveVoicemail() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestARIRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"Channel not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewARIClient(ARIConfig{BaseURL: srv.URL}, nil)
	err := c.Transfer(context.Background(), "missing", "sales")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Transfer() error = %v, want ErrRejected", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestARIHonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewARIClient(ARIConfig{BaseURL: srv.URL, RequestTimeout: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := c.Transfer(ctx, "chan-1", "sales"); err == nil {
		t.Fatalf("Transfer() should fail once the context expires")
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatalf("Transfer() ignored the context deadline")
	}
}

func TestDryRunSucceeds(t *testing.T) {
	var c Controller = DryRun{}
	if err := c.Transfer(context.Background(), "c", "d"); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if err := c.Hangup(context.Background(), "c", ""); err != nil {
		t.Fatalf("Hangup() error = %v", err)
	}
	if err := c.LeaveVoicemail(context.Background(), "c", "1"); err != nil {
		t.Fatalf("LeaveVoicemail() error = %v", err)
	}
}
