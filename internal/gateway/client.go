// Package gateway is the HTTP client for the push gateway that fans alarm
// payloads out to registered devices.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/guardpost/internal/domain"
)

// ErrGateway wraps every non rate-limit failure reported by the gateway or
// the transport to it.
var ErrGateway = errors.New("gateway: request failed")

// RateLimitError reports a 429 from the gateway. RetryAfter is zero when the
// gateway gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return "gateway: rate limited"
	}
	return fmt.Sprintf("gateway: rate limited, retry after %s", e.RetryAfter)
}

// TargetType selects how the gateway resolves recipients.
type TargetType string

const (
	TargetAll   TargetType = "all"
	TargetUsers TargetType = "users"
	TargetRole  TargetType = "role"
)

// Target names the recipients of one send.
type Target struct {
	Type    TargetType  `json:"type"`
	UserIDs []string    `json:"userIds,omitempty"`
	Role    domain.Role `json:"role,omitempty"`
}

// Receipt is the gateway's account of one send.
type Receipt struct {
	Sent   int      `json:"sent"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// Stats summarizes the subscriptions the gateway holds.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the push gateway over HTTP.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("gateway: base url %q must be http or https", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{base: base, apiKey: cfg.APIKey, http: &http.Client{Timeout: timeout}}, nil
}

type sendRequest struct {
	Target  Target          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// SendAlarm asks the gateway to deliver payload to target. The gateway
// performs the per-device fan-out.
func (c *Client) SendAlarm(ctx context.Context, target Target, payload []byte) (Receipt, error) {
	body, err := json.Marshal(sendRequest{Target: target, Payload: payload})
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: encode: %w", ErrGateway, err)
	}
	var receipt Receipt
	if err := c.do(ctx, http.MethodPost, "send", bytes.NewReader(body), &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

type statusResponse struct {
	OK bool `json:"ok"`
}

// Status reports whether the gateway considers itself healthy.
func (c *Client) Status(ctx context.Context) (bool, error) {
	var status statusResponse
	if err := c.do(ctx, http.MethodGet, "status", nil, &status); err != nil {
		return false, err
	}
	return status.OK, nil
}

// SubscriptionStats returns the gateway's subscription counters.
func (c *Client) SubscriptionStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.do(ctx, http.MethodGet, "subscriptions/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGateway, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrGateway, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrGateway, method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrGateway, path, err)
	}
	return nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait.Round(time.Second)
		}
	}
	return 0
}
