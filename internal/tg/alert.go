package tg

import (
	"context"

	"github.com/pvzzle/cryptopay/internal/bus"

	"go.uber.org/zap"
)

// Alerter queues operator alerts for the notify loop. It never blocks the caller:
// when the queue is full the alert is only logged.
type Alerter struct {
	chatID   int64
	notifyCh chan<- bus.Notification
	logger   *zap.Logger
}

func NewAlerter(chatID int64, notifyCh chan<- bus.Notification, logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{chatID: chatID, notifyCh: notifyCh, logger: logger}
}

func (a *Alerter) Alert(ctx context.Context, text string) {
	if a.chatID == 0 {
		a.logger.Warn("operator alert (no chat configured)", zap.String("text", text))
		return
	}

	select {
	case a.notifyCh <- bus.Notification{ChatID: a.chatID, Text: "🚨 " + text}:
	case <-ctx.Done():
		a.logger.Warn("operator alert dropped", zap.String("text", text), zap.Error(ctx.Err()))
	default:
		a.logger.Warn("operator alert dropped, queue full", zap.String("text", text))
	}
}
