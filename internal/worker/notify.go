package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/l0p7/guardpost/internal/alarm"
)

// Action is a button rendered on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

const (
	ActionClose  = "close"
	ActionLogout = "logout"
	ActionOpen   = "open"
)

// Notification is what the worker asks the host to display.
type Notification struct {
	Tag                string        `json:"tag"`
	Title              string        `json:"title"`
	Body               string        `json:"body"`
	RequireInteraction bool          `json:"requireInteraction"`
	Actions            []Action      `json:"actions,omitempty"`
	Data               alarm.Message `json:"data"`
}

// Notifier displays notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// Player plays the local alarm sound.
type Player interface {
	Play(ctx context.Context) error
}

// Tray keeps the most recent notifications in memory.
type Tray struct {
	limit int

	mu    sync.Mutex
	shown []Notification
}

func NewTray(limit int) *Tray {
	if limit <= 0 {
		limit = 50
	}
	return &Tray{limit: limit}
}

func (t *Tray) Show(_ context.Context, n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shown = append(t.shown, n)
	if over := len(t.shown) - t.limit; over > 0 {
		t.shown = append([]Notification(nil), t.shown[over:]...)
	}
	return nil
}

// Shown returns the notifications in display order.
func (t *Tray) Shown() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Notification(nil), t.shown...)
}

// Siren logs and counts alarm playback.
type Siren struct {
	logger *slog.Logger
	plays  atomic.Int64
}

func NewSiren(logger *slog.Logger) *Siren {
	if logger == nil {
		logger = slog.Default()
	}
	return &Siren{logger: logger}
}

func (s *Siren) Play(context.Context) error {
	s.plays.Add(1)
	s.logger.Info("alarm sound playing")
	return nil
}

func (s *Siren) Plays() int64 { return s.plays.Load() }
