package callcontrol

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ent0n29/callbridge/internal/reliability"
)

// ARIConfig points at an Asterisk REST Interface.
type ARIConfig struct {
	BaseURL          string
	Username         string
	Password         string
	TransferContext  string
	VoicemailContext string
	RequestTimeout   time.Duration
	Attempts         int
}

func (c ARIConfig) withDefaults() ARIConfig {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if strings.TrimSpace(c.TransferContext) == "" {
		c.TransferContext = "callbridge-transfer"
	}
	if strings.TrimSpace(c.VoicemailContext) == "" {
		c.VoicemailContext = "callbridge-voicemail"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 3 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	return c
}

// ARIClient implements Controller over ARI. Transfers and voicemail send the
// channel back into the dialplan with continue; hangup deletes the channel.
type ARIClient struct {
	cfg    ARIConfig
	http   *http.Client
	logger *slog.Logger
	retry  reliability.Policy
}

var _ Controller = (*ARIClient)(nil)

func NewARIClient(cfg ARIConfig, logger *slog.Logger) *ARIClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &ARIClient{
		cfg: cfg,
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "ari " + r.Method
			}),
		)},
		logger: logger.With("component", "ari"),
		retry:  reliability.Policy{Attempts: cfg.Attempts, Base: 100 * time.Millisecond, Cap: time.Second},
	}
}

func (c *ARIClient) Transfer(ctx context.Context, channelID, destination string) error {
	return c.continueInDialplan(ctx, channelID, c.cfg.TransferContext, destination)
}

func (c *ARIClient) LeaveVoicemail(ctx context.Context, channelID, mailbox string) error {
	return c.continueInDialplan(ctx, channelID, c.cfg.VoicemailContext, mailbox)
}

func (c *ARIClient) Hangup(ctx context.Context, channelID, reason string) error {
	q := url.Values{}
	if reason = strings.TrimSpace(reason); reason != "" {
		q.Set("reason", ariHangupReason(reason))
	}
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), q)
}

func (c *ARIClient) continueInDialplan(ctx context.Context, channelID, dialplanContext, extension string) error {
	q := url.Values{}
	q.Set("context", dialplanContext)
	q.Set("extension", extension)
	q.Set("priority", "1")
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/continue", q)
}

func (c *ARIClient) do(ctx context.Context, method, path string, query url.Values) error {
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	attempt := 0
	err := reliability.Do(ctx, c.retry, func(ctx context.Context) error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, method, target, nil)
		if err != nil {
			return err
		}
		if c.cfg.Username != "" {
			req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return reliability.Retryable(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		statusErr := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(body)))
		if reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			c.logger.Warn("ari request failed, retrying", "method", method, "path", path, "status", resp.StatusCode, "attempt", attempt)
			return reliability.Retryable(fmt.Errorf("%w: %v", ErrUnavailable, statusErr))
		}
		return fmt.Errorf("%w: %v", ErrRejected, statusErr)
	})
	if err != nil {
		c.logger.Error("ari request failed", "method", method, "path", path, "attempts", attempt, "error", err)
	}
	return err
}

// ariHangupReason maps free-form reasons onto the values ARI accepts.
func ariHangupReason(reason string) string {
	switch strings.ToLower(reason) {
	case "normal", "busy", "congestion", "no_answer", "timeout", "rejected", "unallocated", "normal_unspecified":
		return strings.ToLower(reason)
	}
	return "normal"
}
