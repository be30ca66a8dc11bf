// Package report delivers errors that need operator attention.
package report

import (
	"context"
	"errors"
	"log/slog"
)

// ErrIntegrity marks a data consistency problem that was tolerated.
var ErrIntegrity = errors.New("integrity warning")

// Notifier receives errors together with key/value context.
type Notifier interface {
	Notify(ctx context.Context, err error, attrs ...any)
}

// NoopNotifier is a Notifier that does nothing.
type NoopNotifier struct{}

func (NoopNotifier) Notify(_ context.Context, _ error, _ ...any) {}

// LogNotifier writes notifications as error records.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "report")}
}

func (n *LogNotifier) Notify(ctx context.Context, err error, attrs ...any) {
	level := slog.LevelError
	if errors.Is(err, ErrIntegrity) {
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "error notification", append([]any{"error", err}, attrs...)...)
}
