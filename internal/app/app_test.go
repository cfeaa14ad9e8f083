package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/guardpost/internal/alarm"
	"github.com/l0p7/guardpost/internal/dispatch"
	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/durable"
	"github.com/l0p7/guardpost/internal/gateway"
	"github.com/l0p7/guardpost/internal/push"
	"github.com/l0p7/guardpost/internal/remote"
	"github.com/l0p7/guardpost/internal/resource"
	"github.com/l0p7/guardpost/internal/worker"
)

var testNow = time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)

type sent struct {
	target  gateway.Target
	payload alarm.Message
}

type recordingGateway struct {
	mu    sync.Mutex
	calls []sent
}

func (g *recordingGateway) SendAlarm(_ context.Context, target gateway.Target, payload []byte) (gateway.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, sent{target: target, payload: alarm.Parse(payload, testNow)})
	return gateway.Receipt{Sent: 1}, nil
}

func (g *recordingGateway) Status(context.Context) (bool, error) { return true, nil }

func (g *recordingGateway) SubscriptionStats(context.Context) (gateway.Stats, error) {
	return gateway.Stats{}, nil
}

func (g *recordingGateway) sent() []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sent(nil), g.calls...)
}

// flakyPlatform fails permission reads with a transport error a fixed number
// of times.
type flakyPlatform struct {
	*worker.PushPlatform
	mu       sync.Mutex
	failures int
	reads    int
}

func (p *flakyPlatform) Permission(ctx context.Context) (push.Permission, error) {
	p.mu.Lock()
	p.reads++
	fail := p.failures > 0
	if fail {
		p.failures--
	}
	p.mu.Unlock()
	if fail {
		return "", errors.New("platform bridge unavailable")
	}
	return p.PushPlatform.Permission(ctx)
}

type env struct {
	app      *App
	identity *MutableIdentity
	remote   *remote.Memory
	store    durable.Store
	records  *durable.Records
	platform *worker.PushPlatform
	gateway  *recordingGateway
	cache    *resource.Cache
}

type envOptions struct {
	userID   string
	store    durable.Store
	remote   *remote.Memory
	platform push.Platform
	native   *worker.PushPlatform
	navigate NavigateFunc
	live     []domain.ResourceClass
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func clock() time.Time { return testNow }

func newEnv(t *testing.T, o envOptions) *env {
	t.Helper()
	if o.store == nil {
		o.store = durable.NewMemory()
	}
	if o.remote == nil {
		o.remote = remote.NewMemory()
		o.remote.Seed("objects", []domain.Record{{ID: "o1", Data: map[string]any{"name": "Depot"}}})
		o.remote.Seed("users", []domain.Record{
			{ID: "u1", Data: map[string]any{"role": "inspector"}},
			{ID: "u2", Data: map[string]any{"role": "curator"}},
		})
	}
	if o.native == nil {
		o.native = worker.NewPushPlatform("https://push.example")
	}
	if o.platform == nil {
		o.platform = o.native
	}
	records := durable.NewRecords(o.store, nil, "app-test:")

	cache, err := resource.New(resource.Options{Remote: o.remote, Records: records, Logger: quietLogger(), Clock: clock})
	require.NoError(t, err)
	manager, err := push.NewManager(push.Options{
		Platform:             o.platform,
		Records:              records,
		Remote:               o.remote,
		ApplicationServerKey: "server-key",
		Logger:               quietLogger(),
		Clock:                clock,
	})
	require.NoError(t, err)
	gw := &recordingGateway{}
	dispatcher, err := dispatch.New(dispatch.Options{
		Gateway:   gw,
		Directory: dispatch.NewStoreDirectory(o.remote, "users"),
		Logger:    quietLogger(),
		Clock:     clock,
	})
	require.NoError(t, err)

	identity := NewMutableIdentity(o.userID)
	app, err := New(Options{
		Identity:       identity,
		Records:        records,
		Cache:          cache,
		Push:           manager,
		Dispatcher:     dispatcher,
		LiveClasses:    o.live,
		Remote:         o.remote,
		RestoreBackOff: func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		Navigate:       o.navigate,
		Logger:         quietLogger(),
		Clock:          clock,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return &env{
		app:      app,
		identity: identity,
		remote:   o.remote,
		store:    o.store,
		records:  records,
		platform: o.native,
		gateway:  gw,
		cache:    cache,
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Identity: NewMutableIdentity("u1")})
	require.Error(t, err)
}

func TestStartRegistersOnFirstRunAndRestoresAfterwards(t *testing.T) {
	ctx := context.Background()
	first := newEnv(t, envOptions{userID: "u1"})

	session, err := first.app.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", session.UserID)
	require.False(t, session.Mirrored)
	require.NoError(t, session.PushErr)
	require.NotNil(t, session.Push)

	mirror, ok, err := first.records.LoadUser(ctx, time.Hour, testNow)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u1", mirror.UserID)

	restarted := newEnv(t, envOptions{userID: "u1", store: first.store, remote: first.remote, native: first.platform})
	again, err := restarted.app.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, session.Push.Endpoint, again.Push.Endpoint, "restart reuses the live subscription")
}

func TestStartFallsBackToUserMirror(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	_, err := e.app.Start(ctx)
	require.ErrorIs(t, err, ErrNoIdentity)

	require.NoError(t, e.records.SaveUser(ctx, "u2", testNow.Add(-time.Hour)))
	session, err := e.app.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, "u2", session.UserID)
	require.True(t, session.Mirrored)
	user, ok := e.app.CurrentUser()
	require.True(t, ok)
	require.Equal(t, "u2", user)
}

func TestStartIgnoresExpiredUserMirror(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{})
	require.NoError(t, e.records.SaveUser(ctx, "u2", testNow.Add(-48*time.Hour)))
	_, err := e.app.Start(ctx)
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestStartKeepsSessionWhenPushDenied(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{userID: "u1"})
	e.platform.SetPermission(push.PermissionDenied)

	session, err := e.app.Start(ctx)
	require.NoError(t, err)
	require.ErrorIs(t, session.PushErr, push.ErrPermissionDenied)
	require.Nil(t, session.Push)
	live, err := e.platform.Subscription(ctx)
	require.NoError(t, err)
	require.Nil(t, live)
}

func TestStartRetriesTransportFailures(t *testing.T) {
	ctx := context.Background()
	seed := newEnv(t, envOptions{userID: "u1"})
	first, err := seed.app.Start(ctx)
	require.NoError(t, err)

	flaky := &flakyPlatform{PushPlatform: seed.platform, failures: 2}
	e := newEnv(t, envOptions{userID: "u1", store: seed.store, remote: seed.remote, native: seed.platform, platform: flaky})
	session, err := e.app.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, session.PushErr)
	require.Equal(t, first.Push.Endpoint, session.Push.Endpoint)
	require.GreaterOrEqual(t, flaky.reads, 3)
}

func TestStartArmsLiveFeedsUntilLogout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{userID: "u1", live: []domain.ResourceClass{domain.ClassObjects, domain.ClassTasks}})

	session, err := e.app.Start(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.ResourceClass{domain.ClassObjects, domain.ClassTasks}, session.Live)

	live := map[domain.ResourceClass]bool{}
	for _, stat := range e.cache.Stats() {
		live[stat.Class] = stat.Live
	}
	require.Equal(t, map[domain.ResourceClass]bool{
		domain.ClassObjects:    true,
		domain.ClassTasks:      true,
		domain.ClassCurators:   false,
		domain.ClassInspectors: false,
	}, live)

	objectItems := func() int {
		for _, stat := range e.cache.Stats() {
			if stat.Class == domain.ClassObjects {
				return stat.Items
			}
		}
		return -1
	}
	require.Eventually(t, func() bool { return objectItems() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.remote.Mutate(ctx, "objects", "o2", map[string]any{"name": "Gate"}))
	require.Eventually(t, func() bool { return objectItems() == 2 }, 2*time.Second, 10*time.Millisecond)
	items, err := e.cache.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Zero(t, e.remote.FetchCount("objects"))

	require.NoError(t, e.app.Logout(ctx))
	for _, stat := range e.cache.Stats() {
		require.False(t, stat.Live, stat.Class)
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{userID: "u1"})
	_, err := e.app.Start(ctx)
	require.NoError(t, err)

	items, err := e.cache.Get(ctx, domain.ClassObjects)
	require.NoError(t, err)
	require.Len(t, items, 1)
	_, err = e.cache.Subscribe(ctx, domain.ClassTasks, func([]domain.Record) {})
	require.NoError(t, err)

	require.NoError(t, e.app.Logout(ctx))

	for _, stat := range e.cache.Stats() {
		require.Zero(t, stat.Items, stat.Class)
		require.False(t, stat.Live, stat.Class)
	}
	live, err := e.platform.Subscription(ctx)
	require.NoError(t, err)
	require.Nil(t, live)
	_, ok, err := e.records.LoadUser(ctx, time.Hour, testNow)
	require.NoError(t, err)
	require.False(t, ok)
	_, signedIn := e.identity.CurrentUserID(ctx)
	require.False(t, signedIn)

	doc, ok := e.remote.Document("push_subscriptions", "u1")
	require.True(t, ok)
	require.Equal(t, false, doc.Data["active"])

	require.NoError(t, e.app.Logout(ctx), "logout is repeatable")
}

func TestRaiseAlarmWritesAlertAndDispatches(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{userID: "u2"})
	_, err := e.app.Start(ctx)
	require.NoError(t, err)

	out, err := e.app.RaiseAlarm(ctx, gateway.Target{Type: gateway.TargetRole, Role: domain.RoleInspector},
		alarm.Message{Title: "Intrusion", Body: "Gate 3", TargetObjectID: "o1"})
	require.NoError(t, err)
	require.True(t, out.Recorded)
	require.Equal(t, 1, out.Result.Succeeded)

	doc, ok := e.remote.Document("alerts", out.AlertID)
	require.True(t, ok)
	require.Equal(t, "alarm", doc.Data["kind"])
	require.Equal(t, "o1", doc.Data["targetObjectId"])
	require.Equal(t, "u2", doc.Data["raisedBy"])
	require.Equal(t, "inspector", doc.Data["targetRole"])

	calls := e.gateway.sent()
	require.Len(t, calls, 1)
	require.Equal(t, []string{"u1"}, calls[0].target.UserIDs)
	require.Equal(t, alarm.KindAlarm, calls[0].payload.Kind)
	require.Equal(t, "o1", calls[0].payload.TargetObjectID)
}

func TestRaiseAlarmRejectsInvalidMessage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{userID: "u2"})
	_, err := e.app.RaiseAlarm(ctx, gateway.Target{Type: gateway.TargetAll}, alarm.Message{Kind: alarm.KindAlarm})
	require.Error(t, err)
	records, err := e.remote.FetchAll(ctx, "alerts")
	require.NoError(t, err)
	require.Empty(t, records)
	require.Empty(t, e.gateway.sent())
}

func TestForceLogoutDispatchesWithoutAlert(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, envOptions{userID: "u2"})
	result, err := e.app.ForceLogout(ctx, gateway.Target{Type: gateway.TargetUsers, UserIDs: []string{"u1"}}, "", "Credentials rotated")
	require.NoError(t, err)
	require.Equal(t, 1, result.Succeeded)

	calls := e.gateway.sent()
	require.Len(t, calls, 1)
	require.Equal(t, alarm.KindForceLogout, calls[0].payload.Kind)
	require.Equal(t, "Session ended", calls[0].payload.Title)
	records, err := e.remote.FetchAll(ctx, "alerts")
	require.NoError(t, err)
	require.Empty(t, records)

	_, err = e.app.ForceLogout(ctx, gateway.Target{Type: "everyone"}, "x", "")
	require.Error(t, err)
}
