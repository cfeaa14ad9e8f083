package alarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/guardpost/internal/domain"
)

// Kind discriminates the alarm message variants.
type Kind string

const (
	KindAlarm       Kind = "alarm"
	KindForceLogout Kind = "force_logout"
	KindInfo        Kind = "info"
)

const (
	defaultAlarmTitle = "Alarm"
	defaultAlarmBody  = "An alarm was raised. Open the application for details."
)

// Message is the payload exchanged between dispatch, the push gateway and the
// background worker.
type Message struct {
	Kind           Kind          `json:"kind"`
	Title          string        `json:"title"`
	Body           string        `json:"body"`
	TargetObjectID string        `json:"targetObjectId,omitempty"`
	TargetRoles    []domain.Role `json:"targetRoles,omitempty"`
	URL            string        `json:"url,omitempty"`
	IssuedAt       time.Time     `json:"issuedAt"`
}

// RequireInteraction reports whether a rendered notification must stay on
// screen until the user acts on it. Only force_logout requires it.
func (m Message) RequireInteraction() bool {
	return m.Kind == KindForceLogout
}

// Validate checks the message at the dispatch boundary.
func (m Message) Validate() error {
	switch m.Kind {
	case KindAlarm, KindForceLogout, KindInfo:
	case "":
		return errors.New("alarm: kind required")
	default:
		return fmt.Errorf("alarm: unsupported kind %q", m.Kind)
	}
	if strings.TrimSpace(m.Title) == "" {
		return errors.New("alarm: title required")
	}
	for _, role := range m.TargetRoles {
		if _, err := domain.ParseRole(string(role)); err != nil {
			return fmt.Errorf("alarm: %w", err)
		}
	}
	return nil
}

// Encode serializes the message for the push gateway.
func (m Message) Encode() ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("alarm: encode: %w", err)
	}
	return payload, nil
}

// Generic returns the fallback alarm used when a payload cannot be understood.
func Generic(now time.Time) Message {
	return Message{
		Kind:     KindAlarm,
		Title:    defaultAlarmTitle,
		Body:     defaultAlarmBody,
		IssuedAt: now.UTC(),
	}
}

// Parse decodes a push payload. It never fails: payloads that are not valid
// JSON, or that carry an unknown kind, become a generic alarm. Plain text
// payloads keep their text as the alarm body.
func Parse(payload []byte, now time.Time) Message {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return Generic(now)
	}
	var msg Message
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		fallback := Generic(now)
		if !strings.HasPrefix(trimmed, "{") {
			fallback.Body = trimmed
		}
		return fallback
	}
	switch msg.Kind {
	case KindAlarm, KindForceLogout, KindInfo:
	default:
		msg.Kind = KindAlarm
	}
	if strings.TrimSpace(msg.Title) == "" {
		msg.Title = defaultAlarmTitle
	}
	if msg.IssuedAt.IsZero() {
		msg.IssuedAt = now.UTC()
	}
	return msg
}
