package app

import (
	"context"
	"log/slog"

	"github.com/l0p7/guardpost/internal/worker"
)

// Listen consumes the messages the worker posts to client until ctx ends or
// the client is closed. FORCE_LOGOUT ends the session without any user
// interaction.
func (a *App) Listen(ctx context.Context, client *worker.Client) error {
	logger := a.logger.With(slog.String("client", client.ID()))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-client.Messages():
			if !ok {
				return nil
			}
			a.handleWorkerMessage(ctx, logger, msg)
		}
	}
}

func (a *App) handleWorkerMessage(ctx context.Context, logger *slog.Logger, msg worker.Message) {
	switch msg.Type {
	case worker.MessageForceLogout:
		logger.Warn("forced logout received")
		if err := a.Logout(ctx); err != nil {
			logger.Error("forced logout incomplete", slog.Any("error", err))
		}
	case worker.MessageNewVersion:
		logger.Info("new worker version available", slog.String("version", msg.Version))
	case worker.MessageNavigateAlarm:
		if a.navigate != nil {
			a.navigate(ctx, msg.URL, msg.Payload)
		}
	default:
		logger.Debug("ignored worker message", slog.String("type", string(msg.Type)))
	}
}
