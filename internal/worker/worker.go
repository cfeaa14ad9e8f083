// Package worker is the background delivery context. It keeps a versioned
// static-asset cache, intercepts fetches, renders push notifications and talks
// to open application clients by message only.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/guardpost/internal/alarm"
	"github.com/l0p7/guardpost/internal/metrics"
)

// State is the worker lifecycle state.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Worker.
type Options struct {
	Version     string
	CachePrefix string
	// Origin is the application origin, e.g. https://guard.example.
	Origin string
	// GatewayOrigin is never intercepted. Any path is ignored, so the push
	// gateway's base URL may be passed as is.
	GatewayOrigin string
	// Seeds are the static assets cached on install, as paths under Origin
	// or absolute URLs.
	Seeds      []string
	LoginRoute string
	AlarmRoute string
	QueueSize  int

	Assets   *AssetStorage
	Clients  *ClientRegistry
	Network  Fetcher
	Notifier Notifier
	Player   Player
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	Clock    func() time.Time
}

// Worker is one version of the background delivery context.
type Worker struct {
	version       string
	cachePrefix   string
	cacheName     string
	origin        *url.URL
	gatewayOrigin string
	seeds         []string
	loginRoute    string
	alarmRoute    string

	assets   *AssetStorage
	clients  *ClientRegistry
	network  Fetcher
	notifier Notifier
	player   Player
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	lifecycle   sync.Mutex
	state       atomic.Value
	skipWaiting atomic.Bool

	events chan envelope
}

func New(opts Options) (*Worker, error) {
	if strings.TrimSpace(opts.Version) == "" {
		return nil, errors.New("worker: version required")
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("worker: origin %q must be an absolute url", opts.Origin)
	}
	if opts.Assets == nil || opts.Clients == nil {
		return nil, errors.New("worker: asset storage and client registry required")
	}
	if opts.Network == nil {
		return nil, errors.New("worker: network required")
	}
	gatewayOrigin := ""
	if raw := strings.TrimSpace(opts.GatewayOrigin); raw != "" {
		gw, err := url.Parse(raw)
		if err != nil || gw.Scheme == "" || gw.Host == "" {
			return nil, fmt.Errorf("worker: gateway origin %q must be an absolute url", opts.GatewayOrigin)
		}
		gatewayOrigin = originOf(gw)
	}
	prefix := opts.CachePrefix
	if prefix == "" {
		prefix = "guardpost-static-"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	queue := opts.QueueSize
	if queue <= 0 {
		queue = 64
	}
	w := &Worker{
		version:       opts.Version,
		cachePrefix:   prefix,
		cacheName:     prefix + opts.Version,
		origin:        &url.URL{Scheme: origin.Scheme, Host: origin.Host},
		gatewayOrigin: gatewayOrigin,
		seeds:         append([]string(nil), opts.Seeds...),
		loginRoute:    routeOr(opts.LoginRoute, "/login"),
		alarmRoute:    routeOr(opts.AlarmRoute, "/alarm"),
		assets:        opts.Assets,
		clients:       opts.Clients,
		network:       opts.Network,
		notifier:      opts.Notifier,
		player:        opts.Player,
		logger:        logger.With(slog.String("agent", "worker"), slog.String("version", opts.Version)),
		metrics:       opts.Metrics,
		now:           now,
		events:        make(chan envelope, queue),
	}
	w.state.Store(StateParsed)
	return w, nil
}

func routeOr(route, fallback string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return fallback
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return strings.TrimRight(route, "/")
}

func (w *Worker) Version() string   { return w.version }
func (w *Worker) CacheName() string { return w.cacheName }
func (w *Worker) State() State      { return w.state.Load().(State) }
func (w *Worker) Origin() string    { return w.origin.String() }

// Install fills this version's static cache with the seed set and then asks
// to skip waiting. Seeds that fail to download are logged and skipped.
func (w *Worker) Install(ctx context.Context) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	w.state.Store(StateInstalling)
	w.assets.Open(w.cacheName)

	cached := 0
	for _, seed := range w.seeds {
		target, err := w.origin.Parse(seed)
		if err != nil {
			w.logger.Warn("invalid seed url", slog.String("seed", seed), slog.Any("error", err))
			continue
		}
		if err := w.cacheSeed(ctx, target.String()); err != nil {
			w.logger.Warn("seed not cached", slog.String("url", target.String()), slog.Any("error", err))
			w.metrics.ObserveWorkerEvent("install_seed", metrics.ResultError)
			continue
		}
		cached++
	}
	w.state.Store(StateInstalled)
	w.skipWaiting.Store(true)
	w.logger.Info("installed", slog.String("cache", w.cacheName), slog.Int("seeds", cached))
	w.metrics.ObserveWorkerEvent("install", metrics.ResultOK)
}

func (w *Worker) cacheSeed(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := w.network.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	w.assets.Put(w.cacheName, target, CachedResponse{URL: target, Status: resp.StatusCode, Header: resp.Header, Body: body})
	return nil
}

// SkipWaiting activates an installed worker immediately.
func (w *Worker) SkipWaiting(ctx context.Context) {
	w.skipWaiting.Store(true)
	if w.State() == StateInstalled {
		w.Activate(ctx)
	}
}

// Activate removes every static cache of other versions, takes control of the
// open clients and tells them a new version is available.
func (w *Worker) Activate(_ context.Context) {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()
	if w.State() == StateActive {
		return
	}
	w.state.Store(StateActivating)

	for _, name := range w.assets.Names() {
		if name == w.cacheName {
			continue
		}
		w.assets.Delete(name)
		w.logger.Info("removed outdated static cache", slog.String("cache", name))
	}
	claimed := w.clients.Claim(w.origin.String(), w.version)
	w.broadcast(Message{Type: MessageNewVersion, Version: w.version})
	w.state.Store(StateActive)
	w.logger.Info("activated", slog.Int("clients", claimed))
	w.metrics.ObserveWorkerEvent("activate", metrics.ResultOK)
}

// broadcast posts msg to every client under the worker's origin and returns
// how many received it.
func (w *Worker) broadcast(msg Message) int {
	delivered := 0
	for _, client := range w.clients.Match(w.origin.String()) {
		if err := client.post(msg); err != nil {
			w.logger.Warn("client message dropped", slog.String("client", client.ID()), slog.String("type", string(msg.Type)), slog.Any("error", err))
			continue
		}
		delivered++
	}
	return delivered
}

// HandleFetch answers req when the worker intercepts it. handled is false for
// requests the worker leaves to the network: non-GET requests and anything
// bound for the push gateway.
func (w *Worker) HandleFetch(ctx context.Context, req *http.Request) (resp *http.Response, handled bool) {
	if req.Method != http.MethodGet {
		return nil, false
	}
	if w.gatewayOrigin != "" && originOf(req.URL) == w.gatewayOrigin {
		return nil, false
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return w.networkFirst(ctx, req), true
	}
	return w.cacheFirst(ctx, req), true
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request) *http.Response {
	key := cacheKey(req.URL)
	fresh, err := w.fetchNetwork(ctx, req)
	if err == nil {
		if fresh.Status == http.StatusOK {
			w.assets.Put(w.cacheName, key, fresh)
		}
		w.metrics.ObserveWorkerEvent("fetch_navigate", "network")
		return fresh.HTTPResponse(req)
	}
	if cached, ok := w.assets.Match(w.cacheName, key); ok {
		w.logger.Debug("navigation served from cache", slog.String("url", key), slog.Any("error", err))
		w.metrics.ObserveWorkerEvent("fetch_navigate", "cache")
		return cached.HTTPResponse(req)
	}
	w.logger.Warn("navigation failed offline", slog.String("url", key), slog.Any("error", err))
	w.metrics.ObserveWorkerEvent("fetch_navigate", metrics.ResultError)
	return offline(req)
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) *http.Response {
	key := cacheKey(req.URL)
	if cached, ok := w.assets.Match(w.cacheName, key); ok {
		w.metrics.ObserveWorkerEvent("fetch_asset", "cache")
		return cached.HTTPResponse(req)
	}
	fresh, err := w.fetchNetwork(ctx, req)
	if err != nil {
		w.logger.Warn("asset fetch failed", slog.String("url", key), slog.Any("error", err))
		w.metrics.ObserveWorkerEvent("fetch_asset", metrics.ResultError)
		return offline(req)
	}
	w.metrics.ObserveWorkerEvent("fetch_asset", "network")
	return fresh.HTTPResponse(req)
}

func (w *Worker) fetchNetwork(ctx context.Context, req *http.Request) (CachedResponse, error) {
	resp, err := w.network.Do(req.Clone(ctx))
	if err != nil {
		return CachedResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, err
	}
	return CachedResponse{URL: cacheKey(req.URL), Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func offline(req *http.Request) *http.Response {
	return CachedResponse{
		URL:    req.URL.String(),
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:   []byte("offline"),
	}.HTTPResponse(req)
}

func cacheKey(u *url.URL) string {
	copied := *u
	copied.Fragment = ""
	copied.RawFragment = ""
	return copied.String()
}

func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// HandlePush renders a push payload. force_logout messages are posted to
// every open client before the notification is shown, so the logout happens
// even when display fails or nobody clicks.
func (w *Worker) HandlePush(ctx context.Context, payload []byte) {
	msg := alarm.Parse(payload, w.now())
	logger := w.logger.With(slog.String("kind", string(msg.Kind)))

	if msg.Kind == alarm.KindForceLogout {
		copied := msg
		delivered := w.broadcast(Message{Type: MessageForceLogout, Payload: &copied})
		logger.Info("force logout sent to clients", slog.Int("clients", delivered))
	}

	if w.notifier != nil {
		if err := w.notifier.Show(ctx, w.notification(msg)); err != nil {
			logger.Error("notification display failed", slog.Any("error", err))
			w.metrics.ObserveWorkerEvent("push", metrics.ResultError)
		}
	}

	if msg.Kind == alarm.KindAlarm {
		w.playAlarm(ctx)
	}
	w.metrics.ObserveWorkerEvent("push", string(msg.Kind))
}

func (w *Worker) notification(msg alarm.Message) Notification {
	n := Notification{
		Tag:                "guardpost-" + string(msg.Kind),
		Title:              msg.Title,
		Body:               msg.Body,
		RequireInteraction: msg.RequireInteraction(),
		Data:               msg,
	}
	switch msg.Kind {
	case alarm.KindForceLogout:
		n.Actions = []Action{{Action: ActionLogout, Title: "Log out"}}
	case alarm.KindAlarm:
		if msg.TargetObjectID != "" {
			n.Tag += "-" + msg.TargetObjectID
		}
		n.Actions = []Action{{Action: ActionOpen, Title: "Open"}, {Action: ActionClose, Title: "Dismiss"}}
	}
	return n
}

func (w *Worker) playAlarm(ctx context.Context) {
	if w.player == nil {
		return
	}
	if err := w.player.Play(ctx); err != nil {
		w.logger.Warn("alarm playback failed", slog.Any("error", err))
	}
}

// Click is a user interaction with a displayed notification.
type Click struct {
	Action  string        `json:"action"`
	Message alarm.Message `json:"message"`
}

// HandleNotificationClick routes a notification interaction.
func (w *Worker) HandleNotificationClick(ctx context.Context, click Click) {
	msg := click.Message
	switch click.Action {
	case ActionClose:
		w.metrics.ObserveWorkerEvent("click", "closed")
		return
	case ActionLogout:
		w.clickLogout(msg)
		w.metrics.ObserveWorkerEvent("click", "logout")
		return
	}

	route := w.route(msg)
	if clients := w.clients.Match(w.origin.String()); len(clients) > 0 {
		client := clients[0]
		w.clients.Focus(client)
		copied := msg
		if err := client.post(Message{Type: MessageNavigateAlarm, URL: route, Payload: &copied}); err != nil {
			w.logger.Warn("navigate message dropped", slog.String("client", client.ID()), slog.Any("error", err))
		}
	} else {
		w.openAt(route)
	}
	if msg.Kind == alarm.KindAlarm {
		w.playAlarm(ctx)
	}
	w.metrics.ObserveWorkerEvent("click", string(msg.Kind))
}

func (w *Worker) clickLogout(msg alarm.Message) {
	clients := w.clients.Match(w.origin.String())
	if len(clients) == 0 {
		w.openAt(w.loginRoute)
		return
	}
	client := clients[0]
	copied := msg
	if err := client.post(Message{Type: MessageForceLogout, Payload: &copied}); err != nil {
		w.logger.Warn("force logout message dropped", slog.String("client", client.ID()), slog.Any("error", err))
	}
	w.clients.Focus(client)
}

func (w *Worker) openAt(route string) {
	parsed, err := w.origin.Parse(route)
	if err != nil {
		w.logger.Warn("invalid route", slog.String("route", route), slog.Any("error", err))
		return
	}
	target := parsed.String()
	client, err := w.clients.Open(target)
	if err != nil {
		w.logger.Warn("open client failed", slog.String("url", target), slog.Any("error", err))
		return
	}
	w.clients.Focus(client)
}

// route resolves the in-app route a click leads to.
func (w *Worker) route(msg alarm.Message) string {
	switch msg.Kind {
	case alarm.KindAlarm:
		if msg.TargetObjectID != "" {
			return w.alarmRoute + "/" + url.PathEscape(msg.TargetObjectID)
		}
		return w.alarmRoute
	case alarm.KindForceLogout:
		return w.loginRoute
	}
	if msg.URL == "" {
		return "/"
	}
	parsed, err := url.Parse(msg.URL)
	if err != nil {
		return "/"
	}
	if parsed.IsAbs() {
		if originOf(parsed) != w.origin.String() {
			return "/"
		}
		return parsed.RequestURI()
	}
	if !strings.HasPrefix(parsed.Path, "/") {
		return "/"
	}
	return parsed.String()
}

// ClientMessage is a message sent by an application client. Reply receives
// the answer to GET_VERSION.
type ClientMessage struct {
	Type  MessageType    `json:"type"`
	Reply chan<- Message `json:"-"`
}

// HandleMessage processes a client message.
func (w *Worker) HandleMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case MessagePlayAlarm:
		w.playAlarm(ctx)
	case MessageSkipWaiting:
		w.SkipWaiting(ctx)
	case MessageGetVersion:
		if msg.Reply == nil {
			w.logger.Warn("version request without reply channel")
			w.metrics.ObserveWorkerEvent("message", metrics.ResultError)
			return
		}
		select {
		case msg.Reply <- Message{Type: MessageVersion, Version: w.version}:
		default:
			w.logger.Warn("version reply dropped")
		}
	default:
		w.logger.Debug("ignored client message", slog.String("type", string(msg.Type)))
		w.metrics.ObserveWorkerEvent("message", "ignored")
		return
	}
	w.metrics.ObserveWorkerEvent("message", string(msg.Type))
}
