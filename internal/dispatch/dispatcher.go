// Package dispatch fans alarm and role-targeted messages out through the push
// gateway and reports what happened as a Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/l0p7/guardpost/internal/alarm"
	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/gateway"
	"github.com/l0p7/guardpost/internal/metrics"
	"github.com/l0p7/guardpost/internal/templates"
)

// Gateway is the subset of the push gateway the dispatcher needs.
type Gateway interface {
	SendAlarm(ctx context.Context, target gateway.Target, payload []byte) (gateway.Receipt, error)
	Status(ctx context.Context) (bool, error)
	SubscriptionStats(ctx context.Context) (gateway.Stats, error)
}

// Result reports one dispatch call. It is a response value and is never
// persisted.
type Result struct {
	Attempted      int      `json:"attempted"`
	Succeeded      int      `json:"succeeded"`
	Failed         int      `json:"failed"`
	FailureReasons []string `json:"failureReasons"`
	RateLimited    bool     `json:"rateLimited,omitempty"`
	// RetryAfter is the wait hint of a rate-limited call; zero when none was given.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

func failed(reason string) Result {
	return Result{Failed: 1, FailureReasons: []string{reason}}
}

// Options configures a Dispatcher.
type Options struct {
	Gateway   Gateway
	Directory Directory
	Catalog   *templates.Catalog
	// Limiter throttles sends before they reach the gateway. Nil disables
	// local throttling.
	Limiter *rate.Limiter
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time
}

// Dispatcher sends messages through the gateway. Rate-limited calls are never
// retried here; the caller decides using Result.RetryAfter.
type Dispatcher struct {
	gateway   Gateway
	directory Directory
	catalog   *templates.Catalog
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Gateway == nil {
		return nil, errors.New("dispatch: gateway required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		gateway:   opts.Gateway,
		directory: opts.Directory,
		catalog:   opts.Catalog,
		limiter:   opts.Limiter,
		logger:    logger.With(slog.String("agent", "dispatch")),
		metrics:   opts.Metrics,
		now:       now,
	}, nil
}

// DispatchToAll sends msg to every registered device.
func (d *Dispatcher) DispatchToAll(ctx context.Context, msg alarm.Message) (Result, error) {
	return d.send(ctx, gateway.Target{Type: gateway.TargetAll}, msg)
}

// DispatchToUsers sends msg to the devices of the given users. Blank and
// duplicate ids are dropped; an empty list fails without calling the gateway.
func (d *Dispatcher) DispatchToUsers(ctx context.Context, userIDs []string, msg alarm.Message) (Result, error) {
	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		if err := msg.Validate(); err != nil {
			return Result{}, fmt.Errorf("dispatch: %w", err)
		}
		d.metrics.ObserveDispatch(string(gateway.TargetUsers), "no_recipients", 0)
		return failed("no recipients"), nil
	}
	return d.send(ctx, gateway.Target{Type: gateway.TargetUsers, UserIDs: ids}, msg)
}

// DispatchByRole resolves the members of role through the directory and sends
// msg to them. A role without members fails without calling the gateway.
func (d *Dispatcher) DispatchByRole(ctx context.Context, role domain.Role, msg alarm.Message) (Result, error) {
	parsed, err := domain.ParseRole(string(role))
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}
	if d.directory == nil {
		return Result{}, errors.New("dispatch: role dispatch requires a user directory")
	}
	ids, err := d.directory.UsersByRole(ctx, parsed)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: resolve role %s: %w", parsed, err)
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		d.logger.Info("no users hold role", slog.String("role", string(parsed)))
		d.metrics.ObserveDispatch(string(gateway.TargetRole), "no_recipients", 0)
		return failed(fmt.Sprintf("no users with role %s", parsed)), nil
	}
	return d.send(ctx, gateway.Target{Type: gateway.TargetRole, Role: parsed, UserIDs: ids}, msg)
}

func (d *Dispatcher) send(ctx context.Context, target gateway.Target, msg alarm.Message) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}
	start := d.now()
	if msg.IssuedAt.IsZero() {
		msg.IssuedAt = start.UTC()
	}
	title, body, err := d.catalog.Render(string(msg.Kind), templateData(msg), msg.Title, msg.Body)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}
	msg.Title, msg.Body = title, body
	payload, err := msg.Encode()
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: %w", err)
	}

	logger := d.logger.With(slog.String("target", string(target.Type)), slog.String("kind", string(msg.Kind)))

	if wait := d.throttle(start); wait > 0 {
		logger.Warn("dispatch throttled locally", slog.Duration("retry_after", wait))
		d.metrics.ObserveDispatch(string(target.Type), "rate_limited", d.now().Sub(start))
		return rateLimited(wait), nil
	}

	receipt, err := d.gateway.SendAlarm(ctx, target, payload)
	elapsed := d.now().Sub(start)
	if err != nil {
		var limited *gateway.RateLimitError
		if errors.As(err, &limited) {
			logger.Warn("gateway rate limited dispatch", slog.Duration("retry_after", limited.RetryAfter))
			d.metrics.ObserveDispatch(string(target.Type), "rate_limited", elapsed)
			return rateLimited(limited.RetryAfter), nil
		}
		logger.Error("gateway dispatch failed", slog.Any("error", err))
		d.metrics.ObserveDispatch(string(target.Type), "error", elapsed)
		return failed(err.Error()), nil
	}

	result := Result{
		Attempted:      receipt.Sent + receipt.Failed,
		Succeeded:      receipt.Sent,
		Failed:         receipt.Failed,
		FailureReasons: append([]string(nil), receipt.Errors...),
	}
	outcome := "ok"
	if result.Failed > 0 {
		outcome = "partial"
	}
	logger.Info("dispatched",
		slog.Int("attempted", result.Attempted),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	d.metrics.ObserveDispatch(string(target.Type), outcome, elapsed)
	return result, nil
}

// throttle returns how long the caller would have to wait for a local send
// slot. A positive wait leaves the limiter untouched.
func (d *Dispatcher) throttle(now time.Time) time.Duration {
	if d.limiter == nil {
		return 0
	}
	reservation := d.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return time.Second
	}
	wait := reservation.DelayFrom(now)
	if wait > 0 {
		reservation.CancelAt(now)
	}
	return wait
}

func rateLimited(wait time.Duration) Result {
	reason := "rate limited"
	if wait > 0 {
		reason = fmt.Sprintf("rate limited: retry after %s", wait.Round(time.Millisecond))
	}
	res := failed(reason)
	res.RateLimited = true
	res.RetryAfter = wait
	return res
}

func templateData(msg alarm.Message) map[string]any {
	roles := make([]string, 0, len(msg.TargetRoles))
	for _, role := range msg.TargetRoles {
		roles = append(roles, string(role))
	}
	return map[string]any{
		"kind":     string(msg.Kind),
		"title":    msg.Title,
		"body":     msg.Body,
		"object":   msg.TargetObjectID,
		"roles":    roles,
		"url":      msg.URL,
		"issuedAt": msg.IssuedAt,
	}
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GatewayHealth combines the gateway's status and subscription counters.
type GatewayHealth struct {
	OK    bool          `json:"ok"`
	Stats gateway.Stats `json:"stats"`
}

// GatewayStatus queries the gateway's health endpoints.
func (d *Dispatcher) GatewayStatus(ctx context.Context) (GatewayHealth, error) {
	ok, err := d.gateway.Status(ctx)
	if err != nil {
		return GatewayHealth{}, fmt.Errorf("dispatch: gateway status: %w", err)
	}
	stats, err := d.gateway.SubscriptionStats(ctx)
	if err != nil {
		return GatewayHealth{OK: ok}, fmt.Errorf("dispatch: gateway stats: %w", err)
	}
	return GatewayHealth{OK: ok, Stats: stats}, nil
}
