package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/expr"
)

// HTTPConfig locates the hosted document store.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// ReconnectMaxElapsed bounds how long a dropped feed keeps redialing.
	ReconnectMaxElapsed time.Duration
}

// HTTPStore talks to the document store REST API for reads and writes and
// to its websocket watch endpoint for live feeds.
type HTTPStore struct {
	base                *url.URL
	token               string
	client              *http.Client
	dialer              *websocket.Dialer
	reconnectMaxElapsed time.Duration
}

type documentsEnvelope struct {
	Documents []domain.Record `json:"documents"`
}

// NewHTTP validates the configuration and prepares the clients.
func NewHTTP(cfg HTTPConfig) (*HTTPStore, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("remote: base url required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", base.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reconnect := cfg.ReconnectMaxElapsed
	if reconnect <= 0 {
		reconnect = time.Minute
	}
	return &HTTPStore{
		base:                base,
		token:               cfg.Token,
		client:              &http.Client{Timeout: timeout},
		dialer:              &websocket.Dialer{HandshakeTimeout: timeout},
		reconnectMaxElapsed: reconnect,
	}, nil
}

func (s *HTTPStore) FetchAll(ctx context.Context, collection string) ([]domain.Record, error) {
	endpoint := s.base.JoinPath("collections", collection, "documents")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("remote: build fetch %s: %w", collection, err)
	}
	var envelope documentsEnvelope
	if err := s.do(req, &envelope); err != nil {
		return nil, fmt.Errorf("remote: fetch %s: %w", collection, err)
	}
	return envelope.Documents, nil
}

func (s *HTTPStore) Mutate(ctx context.Context, collection, id string, patch map[string]any) error {
	if id == "" {
		return fmt.Errorf("remote: mutate %s: id required", collection)
	}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("remote: encode patch: %w", err)
	}
	endpoint := s.base.JoinPath("collections", collection, "documents", id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: build mutate %s/%s: %w", collection, id, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.do(req, nil); err != nil {
		return fmt.Errorf("remote: mutate %s/%s: %w", collection, id, err)
	}
	return nil
}

// Subscribe dials the watch endpoint. The initial dial error is returned to
// the caller; later disconnects are redialed with exponential backoff until
// ReconnectMaxElapsed passes, after which the feed ends with the dial error.
func (s *HTTPStore) Subscribe(ctx context.Context, collection string, filter *expr.Predicate) (Feed, error) {
	conn, err := s.dial(ctx, collection)
	if err != nil {
		return nil, err
	}
	feedCtx, cancel := context.WithCancel(ctx)
	feed := &wsFeed{
		updates: make(chan []domain.Record, 16),
		cancel:  cancel,
	}
	go feed.run(feedCtx, s, collection, filter, conn)
	return feed, nil
}

func (s *HTTPStore) dial(ctx context.Context, collection string) (*websocket.Conn, error) {
	endpoint := s.base.JoinPath("collections", collection, "watch")
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	conn, resp, err := s.dialer.DialContext(ctx, endpoint.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("remote: watch %s: %w", collection, err)
	}
	return conn, nil
}

func (s *HTTPStore) do(req *http.Request, out any) error {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type wsFeed struct {
	updates chan []domain.Record
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

func (f *wsFeed) run(ctx context.Context, s *HTTPStore, collection string, filter *expr.Predicate, conn *websocket.Conn) {
	defer close(f.updates)
	for {
		readErr := f.read(ctx, conn, filter)
		if ctx.Err() != nil {
			f.setErr(ErrFeedClosed)
			return
		}
		var filterErr *filterError
		if errors.As(readErr, &filterErr) {
			f.setErr(filterErr.err)
			return
		}
		next, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return s.dial(ctx, collection)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(s.reconnectMaxElapsed))
		if err != nil {
			if ctx.Err() != nil {
				err = ErrFeedClosed
			}
			f.setErr(err)
			return
		}
		conn = next
	}
}

type filterError struct{ err error }

func (e *filterError) Error() string { return e.err.Error() }

func (f *wsFeed) read(ctx context.Context, conn *websocket.Conn, filter *expr.Predicate) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	for {
		var envelope documentsEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return err
		}
		records, err := filter.Filter(envelope.Documents)
		if err != nil {
			return &filterError{err: err}
		}
		select {
		case f.updates <- records:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *wsFeed) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *wsFeed) Updates() <-chan []domain.Record { return f.updates }

func (f *wsFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *wsFeed) Close() { f.cancel() }
