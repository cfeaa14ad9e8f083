package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
)

// Event is something the host delivers to the worker.
type Event interface {
	name() string
	lifecycle() bool
	handle(ctx context.Context, w *Worker)
}

type InstallEvent struct{}

func (InstallEvent) name() string                          { return "install" }
func (InstallEvent) lifecycle() bool                       { return true }
func (InstallEvent) handle(ctx context.Context, w *Worker) { w.Install(ctx) }

type ActivateEvent struct{}

func (ActivateEvent) name() string                          { return "activate" }
func (ActivateEvent) lifecycle() bool                       { return true }
func (ActivateEvent) handle(ctx context.Context, w *Worker) { w.Activate(ctx) }

// FetchEvent carries an intercepted request. After delivery Response holds
// the answer when Handled is true.
type FetchEvent struct {
	Request  *http.Request
	Response *http.Response
	Handled  bool
}

func (*FetchEvent) name() string    { return "fetch" }
func (*FetchEvent) lifecycle() bool { return false }
func (e *FetchEvent) handle(ctx context.Context, w *Worker) {
	e.Response, e.Handled = w.HandleFetch(ctx, e.Request)
}

type PushEvent struct {
	Payload []byte
}

func (PushEvent) name() string                            { return "push" }
func (PushEvent) lifecycle() bool                         { return false }
func (e PushEvent) handle(ctx context.Context, w *Worker) { w.HandlePush(ctx, e.Payload) }

type ClickEvent struct {
	Click Click
}

func (ClickEvent) name() string                            { return "notificationclick" }
func (ClickEvent) lifecycle() bool                         { return false }
func (e ClickEvent) handle(ctx context.Context, w *Worker) { w.HandleNotificationClick(ctx, e.Click) }

type MessageEvent struct {
	Message ClientMessage
}

func (MessageEvent) name() string                            { return "message" }
func (MessageEvent) lifecycle() bool                         { return false }
func (e MessageEvent) handle(ctx context.Context, w *Worker) { w.HandleMessage(ctx, e.Message) }

type envelope struct {
	ctx   context.Context
	event Event
	done  chan struct{}
}

// Deliver queues ev and waits until the worker has handled it. An event keeps
// running to completion even when ctx ends first.
func (w *Worker) Deliver(ctx context.Context, ev Event) error {
	env := envelope{ctx: ctx, event: ev, done: make(chan struct{})}
	select {
	case w.events <- env:
	case <-ctx.Done():
		return fmt.Errorf("worker: deliver %s: %w", ev.name(), ctx.Err())
	}
	select {
	case <-env.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: await %s: %w", ev.name(), ctx.Err())
	}
}

// Boot installs the worker and, since install always skips waiting,
// activates it.
func (w *Worker) Boot(ctx context.Context) error {
	if err := w.Deliver(ctx, InstallEvent{}); err != nil {
		return err
	}
	if !w.skipWaiting.Load() {
		return nil
	}
	return w.Deliver(ctx, ActivateEvent{})
}

// Run drains the event queue until ctx ends. Lifecycle events run one at a
// time in arrival order; fetch, push, click and message events run
// concurrently. Run waits for in-flight events before returning.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-w.events:
			if env.event.lifecycle() {
				w.dispatch(env)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.dispatch(env)
			}()
		}
	}
}

// dispatch contains a panicking handler to its event.
func (w *Worker) dispatch(env envelope) {
	defer close(env.done)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("event handler panicked",
				slog.String("event", env.event.name()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			w.metrics.ObserveWorkerEvent(env.event.name(), "panic")
		}
	}()
	env.event.handle(context.WithoutCancel(env.ctx), w)
}
