// Package app orchestrates a user session across the resource cache, push
// registration and notification dispatch, and reacts to messages posted by
// the background worker.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/l0p7/guardpost/internal/alarm"
	"github.com/l0p7/guardpost/internal/dispatch"
	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/durable"
	"github.com/l0p7/guardpost/internal/gateway"
	"github.com/l0p7/guardpost/internal/push"
	"github.com/l0p7/guardpost/internal/remote"
	"github.com/l0p7/guardpost/internal/resource"
)

// ErrNoIdentity is returned by Start when neither the identity provider nor
// the durable user mirror names a user.
var ErrNoIdentity = errors.New("app: no authenticated user")

// NavigateFunc moves the foreground UI to route.
type NavigateFunc func(ctx context.Context, route string, msg *alarm.Message)

// Options configures an App.
type Options struct {
	Identity   Identity
	Records    *durable.Records
	Cache      *resource.Cache
	Push       *push.Manager
	Dispatcher *dispatch.Dispatcher
	// LiveClasses are subscribed when a session starts and stopped on logout.
	LiveClasses []domain.ResourceClass
	// Remote receives the Alert record paired with every raised alarm.
	Remote           remote.Store
	AlertsCollection string
	// UserMaxAge bounds how long the durable user mirror may stand in for
	// the identity provider.
	UserMaxAge time.Duration
	// RestoreMaxElapsed bounds the retries of a push restore that fails with
	// a transport error.
	RestoreMaxElapsed time.Duration
	RestoreBackOff    func() backoff.BackOff
	Navigate          NavigateFunc
	Logger            *slog.Logger
	Clock             func() time.Time
}

// Session describes a started session. PushErr carries a push registration
// failure; the session itself still runs without push.
type Session struct {
	UserID    string             `json:"userId"`
	Mirrored  bool               `json:"mirrored"`
	Push      *push.Registration `json:"push,omitempty"`
	PushError string             `json:"pushError,omitempty"`
	PushErr   error              `json:"-"`
	// Live lists the classes whose feed was armed.
	Live []domain.ResourceClass `json:"live,omitempty"`
}

// App ties the session lifecycle together.
type App struct {
	identity          Identity
	records           *durable.Records
	cache             *resource.Cache
	push              *push.Manager
	dispatcher        *dispatch.Dispatcher
	liveClasses       []domain.ResourceClass
	remote            remote.Store
	alerts            string
	userMaxAge        time.Duration
	restoreMaxElapsed time.Duration
	restoreBackOff    func() backoff.BackOff
	navigate          NavigateFunc
	logger            *slog.Logger
	now               func() time.Time

	mu      sync.Mutex
	current string
}

func New(opts Options) (*App, error) {
	if opts.Identity == nil {
		return nil, errors.New("app: identity required")
	}
	if opts.Records == nil || opts.Cache == nil || opts.Push == nil {
		return nil, errors.New("app: records, cache and push manager required")
	}
	alerts := strings.TrimSpace(opts.AlertsCollection)
	if alerts == "" {
		alerts = "alerts"
	}
	maxAge := opts.UserMaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	maxElapsed := opts.RestoreMaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	newBackOff := opts.RestoreBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &App{
		identity:          opts.Identity,
		records:           opts.Records,
		cache:             opts.Cache,
		push:              opts.Push,
		dispatcher:        opts.Dispatcher,
		liveClasses:       append([]domain.ResourceClass(nil), opts.LiveClasses...),
		remote:            opts.Remote,
		alerts:            alerts,
		userMaxAge:        maxAge,
		restoreMaxElapsed: maxElapsed,
		restoreBackOff:    newBackOff,
		navigate:          opts.Navigate,
		logger:            logger.With(slog.String("agent", "session")),
		now:               now,
	}, nil
}

// CurrentUser returns the user of the running session.
func (a *App) CurrentUser() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.current != ""
}

// Start resolves the user, hydrates the cache, arms the live feeds and
// re-establishes the push registration. Feed and push failures are reported
// on the Session or the log, not as an error.
func (a *App) Start(ctx context.Context) (Session, error) {
	userID, mirrored, err := a.resolveUser(ctx)
	if err != nil {
		return Session{}, err
	}
	a.mu.Lock()
	a.current = userID
	a.mu.Unlock()

	a.cache.Init(ctx)

	session := Session{UserID: userID, Mirrored: mirrored, Live: a.armFeeds(ctx)}
	reg, err := a.restorePush(ctx, userID)
	if err != nil {
		session.PushErr = err
		session.PushError = err.Error()
		a.logger.Warn("push registration unavailable", slog.String("user", userID), slog.Any("error", err))
	} else {
		session.Push = &reg
	}
	a.logger.Info("session started", slog.String("user", userID), slog.Bool("mirrored", mirrored))
	return session, nil
}

// armFeeds outlives the caller's ctx; feeds end on logout or shutdown.
func (a *App) armFeeds(ctx context.Context) []domain.ResourceClass {
	feedCtx := context.WithoutCancel(ctx)
	armed := make([]domain.ResourceClass, 0, len(a.liveClasses))
	for _, class := range a.liveClasses {
		_, err := a.cache.Subscribe(feedCtx, class, func(items []domain.Record) {
			if _, err := resource.DecodeClass(class, items); err != nil {
				a.logger.Warn("live snapshot has malformed records", slog.String("class", string(class)), slog.Any("error", err))
				return
			}
			a.logger.Debug("live snapshot", slog.String("class", string(class)), slog.Int("items", len(items)))
		})
		if err != nil {
			a.logger.Warn("live feed unavailable", slog.String("class", string(class)), slog.Any("error", err))
			continue
		}
		armed = append(armed, class)
	}
	return armed
}

// resolveUser prefers the identity provider and falls back to an unexpired
// durable mirror. A user seen live is mirrored for the next offline start.
func (a *App) resolveUser(ctx context.Context) (string, bool, error) {
	if userID, ok := a.identity.CurrentUserID(ctx); ok {
		if err := a.records.SaveUser(ctx, userID, a.now()); err != nil {
			a.logger.Warn("user mirror not saved", slog.Any("error", err))
		}
		return userID, false, nil
	}
	mirror, ok, err := a.records.LoadUser(ctx, a.userMaxAge, a.now())
	switch {
	case err != nil:
		a.logger.Warn("user mirror unusable", slog.Any("error", err))
	case ok:
		return mirror.UserID, true, nil
	}
	return "", false, ErrNoIdentity
}

// restorePush retries transport failures with backoff. When nothing durable
// exists for the user, or the permission is still undecided, it registers
// anew; a denied permission is final.
func (a *App) restorePush(ctx context.Context, userID string) (push.Registration, error) {
	reg, err := backoff.Retry(ctx, func() (push.Registration, error) {
		reg, err := a.push.Restore(ctx, userID)
		if err != nil && !errors.Is(err, push.ErrTransport) {
			return reg, backoff.Permanent(err)
		}
		return reg, err
	}, backoff.WithBackOff(a.restoreBackOff()), backoff.WithMaxElapsedTime(a.restoreMaxElapsed))
	if errors.Is(err, push.ErrNoRegistration) || errors.Is(err, push.ErrPermissionNotGranted) {
		return a.push.Register(ctx, userID)
	}
	return reg, err
}

// Logout stops every feed, drops cached data, revokes the push registration
// and forgets the user. Every step runs; failures are joined.
func (a *App) Logout(ctx context.Context) error {
	a.mu.Lock()
	userID := a.current
	a.current = ""
	a.mu.Unlock()

	a.cache.StopFeeds()
	a.cache.Clear(ctx)

	var errs []error
	if err := a.push.Revoke(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	if err := a.records.DeleteUser(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: delete user mirror: %w", err))
	}
	if so, ok := a.identity.(signOuter); ok {
		if err := so.SignOut(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: sign out: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("logout incomplete", slog.String("user", userID), slog.Any("error", err))
		return err
	}
	a.logger.Info("logged out", slog.String("user", userID))
	return nil
}

// Alarm is the outcome of RaiseAlarm. Recorded is false when the Alert record
// could not be written; the push path still ran.
type Alarm struct {
	AlertID  string          `json:"alertId"`
	Recorded bool            `json:"recorded"`
	Result   dispatch.Result `json:"result"`
}

// RaiseAlarm writes an Alert record, which open clients render through their
// live feed, and then dispatches the same message through push.
func (a *App) RaiseAlarm(ctx context.Context, target gateway.Target, msg alarm.Message) (Alarm, error) {
	if msg.Kind == "" {
		msg.Kind = alarm.KindAlarm
	}
	if msg.IssuedAt.IsZero() {
		msg.IssuedAt = a.now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return Alarm{}, fmt.Errorf("app: %w", err)
	}
	if a.dispatcher == nil {
		return Alarm{}, errors.New("app: dispatch not configured")
	}

	out := Alarm{AlertID: uuid.NewString()}
	if a.remote != nil {
		raisedBy, _ := a.CurrentUser()
		if err := a.remote.Mutate(ctx, a.alerts, out.AlertID, alertRecord(msg, target, raisedBy)); err != nil {
			a.logger.Error("alert record not written", slog.String("alert", out.AlertID), slog.Any("error", err))
		} else {
			out.Recorded = true
		}
	}

	result, err := a.Dispatch(ctx, target, msg)
	if err != nil {
		return out, err
	}
	out.Result = result
	a.logger.Info("alarm raised",
		slog.String("alert", out.AlertID),
		slog.String("target", string(target.Type)),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
	)
	return out, nil
}

// ForceLogout pushes a force_logout message. No Alert record is written.
func (a *App) ForceLogout(ctx context.Context, target gateway.Target, title, body string) (dispatch.Result, error) {
	if strings.TrimSpace(title) == "" {
		title = "Session ended"
	}
	return a.Dispatch(ctx, target, alarm.Message{
		Kind:     alarm.KindForceLogout,
		Title:    title,
		Body:     body,
		IssuedAt: a.now().UTC(),
	})
}

// Dispatch sends msg to target without writing an Alert record.
func (a *App) Dispatch(ctx context.Context, target gateway.Target, msg alarm.Message) (dispatch.Result, error) {
	if a.dispatcher == nil {
		return dispatch.Result{}, errors.New("app: dispatch not configured")
	}
	switch target.Type {
	case gateway.TargetAll, "":
		return a.dispatcher.DispatchToAll(ctx, msg)
	case gateway.TargetUsers:
		return a.dispatcher.DispatchToUsers(ctx, target.UserIDs, msg)
	case gateway.TargetRole:
		return a.dispatcher.DispatchByRole(ctx, target.Role, msg)
	}
	return dispatch.Result{}, fmt.Errorf("app: unknown target %q", target.Type)
}

func alertRecord(msg alarm.Message, target gateway.Target, raisedBy string) map[string]any {
	record := map[string]any{
		"kind":     string(msg.Kind),
		"title":    msg.Title,
		"body":     msg.Body,
		"status":   "open",
		"target":   string(target.Type),
		"issuedAt": msg.IssuedAt.Format(time.RFC3339Nano),
	}
	if msg.TargetObjectID != "" {
		record["targetObjectId"] = msg.TargetObjectID
	}
	if len(msg.TargetRoles) > 0 {
		roles := make([]any, len(msg.TargetRoles))
		for i, role := range msg.TargetRoles {
			roles[i] = string(role)
		}
		record["targetRoles"] = roles
	}
	if target.Role != "" {
		record["targetRole"] = string(target.Role)
	}
	if raisedBy != "" {
		record["raisedBy"] = raisedBy
	}
	return record
}

// Shutdown stops the cache's feeds; the session itself stays on disk.
func (a *App) Shutdown(ctx context.Context) error {
	return a.cache.Shutdown(ctx)
}
