package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableProviderCode(t *testing.T) {
	if !IsRetryableProviderCode("rate_limit_exceeded") || !IsRetryableProviderCode(" Server_Error ") {
		t.Fatalf("expected rate limit and server errors to be retryable")
	}
	if IsRetryableProviderCode("invalid_api_key") || IsRetryableProviderCode("") {
		t.Fatalf("auth and empty codes must not be retryable")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestDoRetriesOnlyRetryableErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}, func(context.Context) error {
		calls++
		return Retryable(boom)
	})
	if !errors.Is(err, boom) || IsRetryable(err) {
		t.Fatalf("Do() error = %v, want unwrapped boom", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	calls = 0
	err = Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}, func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("Do() = %v after %d calls, want boom after 1", err, calls)
	}

	calls = 0
	err = Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 2 {
			return Retryable(boom)
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("Do() = %v after %d calls, want success on second", err, calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{Attempts: 5, Base: time.Second, Cap: time.Second}, func(context.Context) error {
		return Retryable(errors.New("unavailable"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}
