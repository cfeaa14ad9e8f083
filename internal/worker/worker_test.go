package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/guardpost/internal/alarm"
)

const testOrigin = "https://guard.example"

type fakeNetwork struct {
	mu     sync.Mutex
	pages  map[string]string
	down   bool
	served []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{pages: map[string]string{
		testOrigin + "/":               "<html>index</html>",
		testOrigin + "/app.js":         "console.log('app')",
		testOrigin + "/styles.css":     "body{}",
		testOrigin + "/sounds/alarm":   "RIFF",
		testOrigin + "/dashboard":      "<html>dashboard</html>",
		testOrigin + "/api/tasks":      `[]`,
		"https://cdn.example/font.ttf": "font",
	}}
}

func (n *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.served = append(n.served, req.URL.String())
	if n.down {
		return nil, errors.New("network unreachable")
	}
	body, ok := n.pages[req.URL.String()]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "missing"
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}

func (n *fakeNetwork) setDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

func (n *fakeNetwork) requests() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.served)
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Show(context.Context, Notification) error {
	f.calls++
	return errors.New("display unavailable")
}

type panickyNotifier struct{}

func (panickyNotifier) Show(context.Context, Notification) error { panic("renderer crashed") }

type harness struct {
	worker  *Worker
	assets  *AssetStorage
	clients *ClientRegistry
	network *fakeNetwork
	tray    *Tray
	siren   *Siren
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, version string, shared *harness, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		assets:  NewAssetStorage(),
		clients: NewClientRegistry(),
		network: newFakeNetwork(),
		tray:    NewTray(10),
		siren:   NewSiren(quietLogger()),
	}
	if shared != nil {
		h.assets, h.clients, h.network = shared.assets, shared.clients, shared.network
	}
	opts := Options{
		Version:       version,
		Origin:        testOrigin,
		GatewayOrigin: "https://push.example",
		Seeds:         []string{"/", "/app.js", "/styles.css", "/sounds/alarm"},
		Assets:        h.assets,
		Clients:       h.clients,
		Network:       h.network,
		Notifier:      h.tray,
		Player:        h.siren,
		Logger:        quietLogger(),
		Clock:         func() time.Time { return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC) },
	}
	for _, m := range mutate {
		m(&opts)
	}
	w, err := New(opts)
	require.NoError(t, err)
	h.worker = w
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) boot(t *testing.T) {
	t.Helper()
	h.run(t)
	require.NoError(t, h.worker.Boot(context.Background()))
}

func openClient(t *testing.T, clients *ClientRegistry, url string) *Client {
	t.Helper()
	client, err := clients.Open(url)
	require.NoError(t, err)
	return client
}

func drain(client *Client) []Message {
	var out []Message
	for {
		select {
		case msg := <-client.Messages():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Version: "v1", Origin: "guard.example"})
	require.Error(t, err)
	_, err = New(Options{Version: "v1", Origin: testOrigin})
	require.Error(t, err)
}

func TestInstallAndActivateSeedCache(t *testing.T) {
	h := newHarness(t, "v1", nil)
	before := openClient(t, h.clients, testOrigin+"/dashboard")
	foreign := openClient(t, h.clients, "https://other.example/")
	h.boot(t)

	require.Equal(t, StateActive, h.worker.State())
	require.Equal(t, []string{"guardpost-static-v1"}, h.assets.Names())
	require.Equal(t, []string{
		testOrigin + "/",
		testOrigin + "/app.js",
		testOrigin + "/sounds/alarm",
		testOrigin + "/styles.css",
	}, h.assets.Keys(h.worker.CacheName()))

	require.Equal(t, "v1", before.Controller())
	require.Equal(t, []Message{{Type: MessageNewVersion, Version: "v1"}}, drain(before))
	require.Empty(t, foreign.Controller())
	require.Empty(t, drain(foreign))
}

func TestVersionBumpReplacesStaticCache(t *testing.T) {
	first := newHarness(t, "v1", nil)
	first.boot(t)
	require.Equal(t, []string{"guardpost-static-v1"}, first.assets.Names())

	second := newHarness(t, "v2", first)
	second.boot(t)
	require.Equal(t, []string{"guardpost-static-v2"}, second.assets.Names())
	require.Len(t, second.assets.Keys("guardpost-static-v2"), 4)
}

func TestInstallSurvivesSeedFailures(t *testing.T) {
	h := newHarness(t, "v1", nil, func(o *Options) {
		o.Seeds = append(o.Seeds, "/missing.png")
	})
	h.boot(t)
	require.Equal(t, StateActive, h.worker.State())
	require.Len(t, h.assets.Keys(h.worker.CacheName()), 4)
}

func navigate(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	return req
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestFetchNavigationIsNetworkFirst(t *testing.T) {
	h := newHarness(t, "v1", nil)
	h.boot(t)
	ctx := context.Background()

	ev := &FetchEvent{Request: navigate(t, testOrigin+"/dashboard")}
	require.NoError(t, h.worker.Deliver(ctx, ev))
	require.True(t, ev.Handled)
	require.Equal(t, "<html>dashboard</html>", body(t, ev.Response))
	_, cached := h.assets.Match(h.worker.CacheName(), testOrigin+"/dashboard")
	require.True(t, cached)

	h.network.pages[testOrigin+"/dashboard"] = "<html>v2</html>"
	resp, handled := h.worker.HandleFetch(ctx, navigate(t, testOrigin+"/dashboard"))
	require.True(t, handled)
	require.Equal(t, "<html>v2</html>", body(t, resp), "network wins while reachable")

	h.network.setDown(true)
	resp, _ = h.worker.HandleFetch(ctx, navigate(t, testOrigin+"/dashboard#top"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>v2</html>", body(t, resp))

	resp, _ = h.worker.HandleFetch(ctx, navigate(t, testOrigin+"/never-visited"))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFetchAssetsAreCacheFirst(t *testing.T) {
	h := newHarness(t, "v1", nil)
	h.boot(t)
	ctx := context.Background()
	before := h.network.requests()

	req, err := http.NewRequest(http.MethodGet, testOrigin+"/app.js", nil)
	require.NoError(t, err)
	resp, handled := h.worker.HandleFetch(ctx, req)
	require.True(t, handled)
	require.Equal(t, "console.log('app')", body(t, resp))
	require.Equal(t, before, h.network.requests(), "cached asset must not hit the network")

	req, err = http.NewRequest(http.MethodGet, testOrigin+"/api/tasks", nil)
	require.NoError(t, err)
	resp, _ = h.worker.HandleFetch(ctx, req)
	require.Equal(t, "[]", body(t, resp))
	require.Equal(t, before+1, h.network.requests())
	_, cached := h.assets.Match(h.worker.CacheName(), testOrigin+"/api/tasks")
	require.False(t, cached)

	h.network.setDown(true)
	resp, _ = h.worker.HandleFetch(ctx, req)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFetchLeavesGatewayAndWritesAlone(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()

	req, err := http.NewRequest(http.MethodGet, "https://push.example/send", nil)
	require.NoError(t, err)
	_, handled := h.worker.HandleFetch(ctx, req)
	require.False(t, handled)

	req, err = http.NewRequest(http.MethodPost, testOrigin+"/api/tasks", strings.NewReader("{}"))
	require.NoError(t, err)
	_, handled = h.worker.HandleFetch(ctx, req)
	require.False(t, handled)
	require.Zero(t, h.network.requests())
}

func TestFetchLeavesGatewayWithBasePath(t *testing.T) {
	h := newHarness(t, "v1", nil, func(o *Options) {
		o.GatewayOrigin = "https://push.example/api/v1/"
	})
	ctx := context.Background()

	for _, target := range []string{"https://push.example/api/v1/send", "https://push.example/status"} {
		req, err := http.NewRequest(http.MethodGet, target, nil)
		require.NoError(t, err)
		_, handled := h.worker.HandleFetch(ctx, req)
		require.False(t, handled, target)
	}
	require.Zero(t, h.network.requests())

	_, err := New(Options{
		Version:       "v1",
		Origin:        testOrigin,
		GatewayOrigin: "push.example/api",
		Assets:        NewAssetStorage(),
		Clients:       NewClientRegistry(),
		Network:       newFakeNetwork(),
	})
	require.Error(t, err)
}

func TestForceLogoutReachesEveryClientWithoutClick(t *testing.T) {
	failing := &failingNotifier{}
	h := newHarness(t, "v1", nil, func(o *Options) { o.Notifier = failing })
	h.boot(t)
	a := openClient(t, h.clients, testOrigin+"/dashboard")
	b := openClient(t, h.clients, testOrigin+"/tasks")
	foreign := openClient(t, h.clients, "https://other.example/")

	payload := []byte(`{"kind":"force_logout","title":"Session revoked","body":"Contact your curator"}`)
	require.NoError(t, h.worker.Deliver(context.Background(), PushEvent{Payload: payload}))

	for _, client := range []*Client{a, b} {
		msgs := drain(client)
		require.Len(t, msgs, 1)
		require.Equal(t, MessageForceLogout, msgs[0].Type)
		require.Equal(t, "Session revoked", msgs[0].Payload.Title)
	}
	require.Empty(t, drain(foreign))
	require.Equal(t, 1, failing.calls)
	require.Zero(t, h.siren.Plays())
}

func TestPushRendersNotifications(t *testing.T) {
	h := newHarness(t, "v1", nil)
	ctx := context.Background()

	h.worker.HandlePush(ctx, []byte(`{"kind":"force_logout","title":"Bye"}`))
	h.worker.HandlePush(ctx, []byte(`{"kind":"alarm","title":"Intrusion","targetObjectId":"o1"}`))
	h.worker.HandlePush(ctx, []byte(`not json at all`))
	h.worker.HandlePush(ctx, []byte(`{"kind":"info","title":"Shift","url":"/tasks"}`))

	shown := h.tray.Shown()
	require.Len(t, shown, 4)

	require.True(t, shown[0].RequireInteraction)
	require.Equal(t, []Action{{Action: ActionLogout, Title: "Log out"}}, shown[0].Actions)

	require.False(t, shown[1].RequireInteraction)
	require.Equal(t, "guardpost-alarm-o1", shown[1].Tag)

	require.Equal(t, alarm.KindAlarm, shown[2].Data.Kind)
	require.Equal(t, "not json at all", shown[2].Body)

	require.False(t, shown[3].RequireInteraction)
	require.Equal(t, int64(2), h.siren.Plays(), "alarm and unparsable payloads play the alarm")
}

func TestNotificationClickRouting(t *testing.T) {
	ctx := context.Background()
	alarmMsg := alarm.Message{Kind: alarm.KindAlarm, Title: "Intrusion", TargetObjectID: "o 1"}

	t.Run("close does nothing", func(t *testing.T) {
		h := newHarness(t, "v1", nil)
		client := openClient(t, h.clients, testOrigin+"/")
		h.worker.HandleNotificationClick(ctx, Click{Action: ActionClose, Message: alarmMsg})
		require.Empty(t, drain(client))
		require.Zero(t, h.siren.Plays())
	})

	t.Run("logout messages first client", func(t *testing.T) {
		h := newHarness(t, "v1", nil)
		first := openClient(t, h.clients, testOrigin+"/a")
		second := openClient(t, h.clients, testOrigin+"/b")
		h.worker.HandleNotificationClick(ctx, Click{Action: ActionLogout, Message: alarm.Message{Kind: alarm.KindForceLogout, Title: "Bye"}})
		msgs := drain(first)
		require.Len(t, msgs, 1)
		require.Equal(t, MessageForceLogout, msgs[0].Type)
		require.True(t, first.Focused())
		require.Empty(t, drain(second))
	})

	t.Run("logout without clients opens login", func(t *testing.T) {
		h := newHarness(t, "v1", nil)
		h.worker.HandleNotificationClick(ctx, Click{Action: ActionLogout, Message: alarm.Message{Kind: alarm.KindForceLogout}})
		opened := h.clients.Match(testOrigin)
		require.Len(t, opened, 1)
		require.Equal(t, testOrigin+"/login", opened[0].URL())
	})

	t.Run("alarm focuses existing client", func(t *testing.T) {
		h := newHarness(t, "v1", nil)
		client := openClient(t, h.clients, testOrigin+"/dashboard")
		h.worker.HandleNotificationClick(ctx, Click{Message: alarmMsg})
		msgs := drain(client)
		require.Len(t, msgs, 1)
		require.Equal(t, MessageNavigateAlarm, msgs[0].Type)
		require.Equal(t, "/alarm/o%201", msgs[0].URL)
		require.True(t, client.Focused())
		require.Equal(t, int64(1), h.siren.Plays())
	})

	t.Run("opens new client at route", func(t *testing.T) {
		h := newHarness(t, "v1", nil)
		h.worker.HandleNotificationClick(ctx, Click{Message: alarm.Message{Kind: alarm.KindAlarm, Title: "x"}})
		h.worker.HandleNotificationClick(ctx, Click{Message: alarm.Message{Kind: alarm.KindInfo, Title: "x", URL: "https://evil.example/phish"}})
		opened := h.clients.Match(testOrigin)
		require.Len(t, opened, 1)
		require.Equal(t, testOrigin+"/alarm", opened[0].URL())
		require.Equal(t, "/", drain(opened[0])[0].URL)
	})
}

func TestRouteResolution(t *testing.T) {
	h := newHarness(t, "v1", nil)
	tests := []struct {
		msg  alarm.Message
		want string
	}{
		{alarm.Message{Kind: alarm.KindAlarm, TargetObjectID: "o7"}, "/alarm/o7"},
		{alarm.Message{Kind: alarm.KindAlarm}, "/alarm"},
		{alarm.Message{Kind: alarm.KindForceLogout}, "/login"},
		{alarm.Message{Kind: alarm.KindInfo, URL: "/tasks?id=3"}, "/tasks?id=3"},
		{alarm.Message{Kind: alarm.KindInfo, URL: testOrigin + "/objects"}, "/objects"},
		{alarm.Message{Kind: alarm.KindInfo, URL: "relative"}, "/"},
		{alarm.Message{Kind: alarm.KindInfo}, "/"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, h.worker.route(tc.msg))
	}
}

func TestClientMessages(t *testing.T) {
	h := newHarness(t, "v7", nil)
	h.run(t)
	ctx := context.Background()

	require.NoError(t, h.worker.Deliver(ctx, InstallEvent{}))
	require.Equal(t, StateInstalled, h.worker.State())

	reply := make(chan Message, 1)
	require.NoError(t, h.worker.Deliver(ctx, MessageEvent{Message: ClientMessage{Type: MessageGetVersion, Reply: reply}}))
	require.Equal(t, Message{Type: MessageVersion, Version: "v7"}, <-reply)

	require.NoError(t, h.worker.Deliver(ctx, MessageEvent{Message: ClientMessage{Type: MessagePlayAlarm}}))
	require.Equal(t, int64(1), h.siren.Plays())

	require.NoError(t, h.worker.Deliver(ctx, MessageEvent{Message: ClientMessage{Type: MessageSkipWaiting}}))
	require.Equal(t, StateActive, h.worker.State())

	require.NoError(t, h.worker.Deliver(ctx, MessageEvent{Message: ClientMessage{Type: "UNKNOWN"}}))
	require.NoError(t, h.worker.Deliver(ctx, MessageEvent{Message: ClientMessage{Type: MessageGetVersion}}))
}

func TestPanickingHandlerDoesNotStopWorker(t *testing.T) {
	h := newHarness(t, "v1", nil, func(o *Options) { o.Notifier = panickyNotifier{} })
	h.boot(t)
	client := openClient(t, h.clients, testOrigin+"/")
	ctx := context.Background()

	require.NoError(t, h.worker.Deliver(ctx, PushEvent{Payload: []byte(`{"kind":"force_logout","title":"x"}`)}))
	require.Equal(t, MessageForceLogout, drain(client)[0].Type)

	reply := make(chan Message, 1)
	require.NoError(t, h.worker.Deliver(ctx, MessageEvent{Message: ClientMessage{Type: MessageGetVersion, Reply: reply}}))
	require.Equal(t, "v1", (<-reply).Version)
}

func TestDeliverHonoursContext(t *testing.T) {
	h := newHarness(t, "v1", nil, func(o *Options) { o.QueueSize = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.worker.Deliver(ctx, PushEvent{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestClientInboxOverflow(t *testing.T) {
	registry := NewClientRegistry(2)
	client, err := registry.Open(testOrigin + "/")
	require.NoError(t, err)

	require.NoError(t, client.post(Message{Type: MessageVersion}))
	require.NoError(t, client.post(Message{Type: MessageVersion}))
	require.ErrorIs(t, client.post(Message{Type: MessageVersion}), ErrInboxFull)

	registry.Close(client)
	_, open := registry.Get(client.ID())
	require.False(t, open)
	require.Error(t, client.post(Message{Type: MessageVersion}))
}
