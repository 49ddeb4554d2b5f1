// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package notify

import (
	"context"
	"log/slog"

	"github.com/accessward/accessward/internal/auth"
)

// LogNotifier writes codes to the log instead of sending them. It is the
// development channel and must not be used where logs are shared.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a LogNotifier. A nil logger means slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("notifier", "log")}
}

// SendCode logs the code at WARN so it stands out in development output.
func (n *LogNotifier) SendCode(ctx context.Context, msg auth.Message) error {
	n.logger.WarnContext(ctx, "one-time code issued (log delivery)",
		"to", msg.To,
		"purpose", string(msg.Purpose),
		"code", msg.Code,
		"expires_in", msg.ExpiresIn.String(),
	)
	return nil
}

// SendWelcome logs the welcome notice.
func (n *LogNotifier) SendWelcome(ctx context.Context, to, name string) error {
	n.logger.InfoContext(ctx, "welcome notice (log delivery)", "to", to, "name", name)
	return nil
}

var _ auth.Notifier = (*LogNotifier)(nil)
