package authkit

import (
	"context"

	"go.uber.org/zap"
)

// Mailer delivers account emails.
type Mailer interface {
	SendPasswordReset(ctx context.Context, userEmail string, resetLink string) error
}

// LogMailer writes outgoing mail to the logger instead of sending it.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// SendPasswordReset logs the reset link.
func (mailer *LogMailer) SendPasswordReset(ctx context.Context, userEmail string, resetLink string) error {
	mailer.logger.Info("password reset mail",
		zap.String("code", "mail.password_reset"),
		zap.String("to", userEmail),
		zap.String("link", resetLink))
	return nil
}
