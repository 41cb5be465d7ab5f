package notify

import (
	"context"

	"go.uber.org/zap"
)

// ConsoleSender logs messages instead of delivering them. Used in local
// development where no SendGrid key is configured.
type ConsoleSender struct {
	log *zap.Logger
}

func NewConsoleSender(log *zap.Logger) *ConsoleSender {
	return &ConsoleSender{log: log}
}

func (s *ConsoleSender) Send(_ context.Context, msg *Message) error {
	subject, body, err := msg.Render()
	if err != nil {
		return err
	}
	s.log.Info("notification (console delivery)",
		zap.String("contact", msg.Contact),
		zap.String("template", msg.TemplateID),
		zap.String("subject", subject),
		zap.String("body", body),
	)
	return nil
}
