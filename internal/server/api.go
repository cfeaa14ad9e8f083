package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l0p7/guardpost/internal/alarm"
	"github.com/l0p7/guardpost/internal/app"
	"github.com/l0p7/guardpost/internal/dispatch"
	"github.com/l0p7/guardpost/internal/domain"
	"github.com/l0p7/guardpost/internal/expr"
	"github.com/l0p7/guardpost/internal/gateway"
	"github.com/l0p7/guardpost/internal/metrics"
	"github.com/l0p7/guardpost/internal/push"
	"github.com/l0p7/guardpost/internal/resource"
	"github.com/l0p7/guardpost/internal/worker"
)

const (
	maxBodyBytes      = 1 << 20
	feedWriteTimeout  = 10 * time.Second
	feedCloseDeadline = time.Second
)

// Services is what the facade exposes to the UI layer. Worker returns the
// currently active worker version so a version bump swaps it under the
// routes.
type Services struct {
	Cache      *resource.Cache
	Dispatcher *dispatch.Dispatcher
	Push       *push.Manager
	App        *app.App
	// Identity, when set, lets POST /session sign a user in first.
	Identity *app.MutableIdentity
	Worker   func() *worker.Worker
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	Clock    func() time.Time
}

type api struct {
	Services
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler routes the facade onto the services.
func NewHandler(s Services) http.Handler {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := s.Clock
	if now == nil {
		now = time.Now
	}
	a := &api{Services: s, logger: logger.With(slog.String("agent", "http")), now: now}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /resources/{class}", a.getResource)
	mux.HandleFunc("GET /resources/{class}/feed", a.feed)
	mux.HandleFunc("POST /resources/invalidate", a.invalidate)
	mux.HandleFunc("POST /resources/{class}/invalidate", a.invalidate)
	mux.HandleFunc("DELETE /resources", a.clear)
	mux.HandleFunc("DELETE /resources/{class}", a.clear)
	mux.HandleFunc("POST /dispatch", a.dispatch)
	mux.HandleFunc("POST /push/register", a.registerPush)
	mux.HandleFunc("POST /push/restore", a.registerPush)
	mux.HandleFunc("DELETE /push/{owner}", a.revokePush)
	mux.HandleFunc("GET /push/status", a.pushStatus)
	mux.HandleFunc("POST /session", a.startSession)
	mux.HandleFunc("DELETE /session", a.endSession)
	mux.HandleFunc("POST /worker/push", a.workerPush)
	mux.HandleFunc("POST /worker/click", a.workerClick)
	mux.HandleFunc("POST /worker/message", a.workerMessage)
	mux.HandleFunc("GET /healthz", a.health)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
	return mux
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	a.writeJSON(w, status, map[string]any{"error": message})
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// classFrom resolves the {class} path value. ok is false when the route has
// none; known is false when it names no resource class.
func classFrom(r *http.Request) (class domain.ResourceClass, ok, known bool) {
	raw := r.PathValue("class")
	if raw == "" {
		return "", false, true
	}
	class, known = domain.ParseClass(raw)
	return class, true, known
}

type resourceResponse struct {
	Class   domain.ResourceClass `json:"class"`
	Items   any                  `json:"items"`
	Stale   bool                 `json:"stale,omitempty"`
	Warning string               `json:"warning,omitempty"`
}

// getResource serves raw records, or the class model when view=typed.
func (a *api) getResource(w http.ResponseWriter, r *http.Request) {
	class, _, known := classFrom(r)
	if !known {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown resource class %q", r.PathValue("class")))
		return
	}
	var (
		items any
		err   error
	)
	switch view := r.URL.Query().Get("view"); view {
	case "", "records":
		items, err = a.Cache.Get(r.Context(), class)
	case "typed":
		items, err = a.Cache.Typed(r.Context(), class)
	default:
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown view %q", view))
		return
	}
	switch {
	case err == nil:
		a.writeJSON(w, http.StatusOK, resourceResponse{Class: class, Items: items})
	case errors.Is(err, resource.ErrStale):
		a.writeJSON(w, http.StatusOK, resourceResponse{Class: class, Items: items, Stale: true, Warning: err.Error()})
	case errors.Is(err, resource.ErrUnknownClass):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, resource.ErrMalformed):
		a.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		a.writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

var feedUpgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}

// feed streams every live snapshot of a class over a websocket. The optional
// filter query is a predicate over `id` and `doc`. The connection takes over
// the class feed until the client disconnects.
func (a *api) feed(w http.ResponseWriter, r *http.Request) {
	class, _, known := classFrom(r)
	if !known {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown resource class %q", r.PathValue("class")))
		return
	}
	var opts []resource.SubscribeOption
	if filter := strings.TrimSpace(r.URL.Query().Get("filter")); filter != "" {
		if _, err := expr.CompilePredicate(filter); err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts = append(opts, resource.WithFilter(filter))
	}
	if !websocket.IsWebSocketUpgrade(r) {
		a.writeError(w, http.StatusUpgradeRequired, "websocket upgrade required")
		return
	}
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		a.logger.Debug("feed upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Only the latest snapshot matters to a slow reader.
	updates := make(chan []domain.Record, 1)
	stop, err := a.Cache.Subscribe(ctx, class, func(items []domain.Record) {
		select {
		case <-updates:
		default:
		}
		updates <- items
	}, opts...)
	if err != nil {
		a.logger.Warn("feed subscribe failed", slog.String("class", string(class)), slog.Any("error", err))
		closeFeed(conn, websocket.CloseInternalServerErr, err.Error())
		return
	}
	defer stop()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			closeFeed(conn, websocket.CloseNormalClosure, "")
			return
		case items := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(resourceResponse{Class: class, Items: items}); err != nil {
				a.logger.Debug("feed write failed", slog.String("class", string(class)), slog.Any("error", err))
				return
			}
		}
	}
}

func closeFeed(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(feedCloseDeadline))
}

func (a *api) invalidate(w http.ResponseWriter, r *http.Request) {
	class, scoped, known := classFrom(r)
	if !known {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown resource class %q", r.PathValue("class")))
		return
	}
	if scoped {
		a.Cache.Invalidate(class)
	} else {
		a.Cache.Invalidate()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) clear(w http.ResponseWriter, r *http.Request) {
	class, scoped, known := classFrom(r)
	if !known {
		a.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown resource class %q", r.PathValue("class")))
		return
	}
	if scoped {
		a.Cache.Clear(r.Context(), class)
	} else {
		a.Cache.Clear(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}

type dispatchRequest struct {
	Target  gateway.Target `json:"target"`
	Message alarm.Message  `json:"message"`
}

type dispatchResponse struct {
	AlertID  string          `json:"alertId,omitempty"`
	Recorded bool            `json:"recorded,omitempty"`
	Result   dispatch.Result `json:"result"`
}

// dispatch pairs alarm-kind messages with an Alert record; other kinds go
// straight to the gateway.
func (a *api) dispatch(w http.ResponseWriter, r *http.Request) {
	if a.App == nil {
		a.writeError(w, http.StatusServiceUnavailable, "dispatch unavailable")
		return
	}
	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var resp dispatchResponse
	var err error
	if req.Message.Kind == "" || req.Message.Kind == alarm.KindAlarm {
		var raised app.Alarm
		raised, err = a.App.RaiseAlarm(r.Context(), req.Target, req.Message)
		resp = dispatchResponse{AlertID: raised.AlertID, Recorded: raised.Recorded, Result: raised.Result}
	} else {
		resp.Result, err = a.App.Dispatch(r.Context(), req.Target, req.Message)
	}
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if resp.Result.RateLimited {
		if resp.Result.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((resp.Result.RetryAfter+time.Second-1)/time.Second)))
		}
		a.writeJSON(w, http.StatusTooManyRequests, resp)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

type ownerRequest struct {
	OwnerID string `json:"ownerId"`
}

func (a *api) registerPush(w http.ResponseWriter, r *http.Request) {
	var req ownerRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		a.writeError(w, http.StatusBadRequest, "ownerId required")
		return
	}
	var (
		reg push.Registration
		err error
	)
	if strings.HasSuffix(r.URL.Path, "/restore") {
		reg, err = a.Push.Restore(r.Context(), req.OwnerID)
	} else {
		reg, err = a.Push.Register(r.Context(), req.OwnerID)
	}
	if err != nil {
		a.writeError(w, pushErrorStatus(err), err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, reg)
}

func pushErrorStatus(err error) int {
	switch {
	case errors.Is(err, push.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, push.ErrPermissionNotGranted), errors.Is(err, push.ErrKeyConflict):
		return http.StatusConflict
	case errors.Is(err, push.ErrNoRegistration):
		return http.StatusNotFound
	case errors.Is(err, push.ErrTransport):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (a *api) revokePush(w http.ResponseWriter, r *http.Request) {
	if err := a.Push.Revoke(r.Context(), r.PathValue("owner")); err != nil {
		a.writeError(w, pushErrorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) pushStatus(w http.ResponseWriter, r *http.Request) {
	if a.Dispatcher == nil {
		a.writeError(w, http.StatusServiceUnavailable, "gateway unavailable")
		return
	}
	health, err := a.Dispatcher.GatewayStatus(r.Context())
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, health)
}

type sessionRequest struct {
	UserID string `json:"userId"`
}

func (a *api) startSession(w http.ResponseWriter, r *http.Request) {
	if a.App == nil {
		a.writeError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	var req sessionRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.UserID != "" {
		if a.Identity == nil {
			a.writeError(w, http.StatusBadRequest, "identity is managed externally")
			return
		}
		a.Identity.SignIn(req.UserID)
	}
	session, err := a.App.Start(r.Context())
	if errors.Is(err, app.ErrNoIdentity) {
		a.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, session)
}

func (a *api) endSession(w http.ResponseWriter, r *http.Request) {
	if a.App == nil {
		a.writeError(w, http.StatusServiceUnavailable, "session unavailable")
		return
	}
	if err := a.App.Logout(r.Context()); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) currentWorker(w http.ResponseWriter) (*worker.Worker, bool) {
	if a.Worker == nil {
		a.writeError(w, http.StatusServiceUnavailable, "worker unavailable")
		return nil, false
	}
	wk := a.Worker()
	if wk == nil {
		a.writeError(w, http.StatusServiceUnavailable, "worker unavailable")
		return nil, false
	}
	return wk, true
}

// deliver hands ev to the worker. Events run to completion even if the
// client goes away.
func (a *api) deliver(w http.ResponseWriter, r *http.Request, wk *worker.Worker, ev worker.Event) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()
	if err := wk.Deliver(ctx, ev); err != nil {
		a.writeError(w, http.StatusServiceUnavailable, err.Error())
		return false
	}
	return true
}

func (a *api) workerPush(w http.ResponseWriter, r *http.Request) {
	wk, ok := a.currentWorker(w)
	if !ok {
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.deliver(w, r, wk, worker.PushEvent{Payload: payload}) {
		w.WriteHeader(http.StatusAccepted)
	}
}

func (a *api) workerClick(w http.ResponseWriter, r *http.Request) {
	wk, ok := a.currentWorker(w)
	if !ok {
		return
	}
	var click worker.Click
	if err := decodeBody(r, &click); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.deliver(w, r, wk, worker.ClickEvent{Click: click}) {
		w.WriteHeader(http.StatusAccepted)
	}
}

func (a *api) workerMessage(w http.ResponseWriter, r *http.Request) {
	wk, ok := a.currentWorker(w)
	if !ok {
		return
	}
	var msg worker.ClientMessage
	if err := decodeBody(r, &msg); err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reply := make(chan worker.Message, 1)
	msg.Reply = reply
	if !a.deliver(w, r, wk, worker.MessageEvent{Message: msg}) {
		return
	}
	select {
	case answer := <-reply:
		a.writeJSON(w, http.StatusOK, answer)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

type workerHealth struct {
	Version string       `json:"version"`
	State   worker.State `json:"state"`
	Cache   string       `json:"cache"`
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":     "ok",
		"observedAt": a.now().UTC(),
	}
	if a.Cache != nil {
		status["resources"] = a.Cache.Stats()
	}
	if a.App != nil {
		if user, ok := a.App.CurrentUser(); ok {
			status["user"] = user
		}
	}
	if a.Worker != nil {
		if wk := a.Worker(); wk != nil {
			status["worker"] = workerHealth{Version: wk.Version(), State: wk.State(), Cache: wk.CacheName()}
			if wk.State() != worker.StateActive {
				status["status"] = "degraded"
			}
		}
	}
	a.writeJSON(w, http.StatusOK, status)
}
