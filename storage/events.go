package storage

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// LogSink is an EventSink that writes every event to a structured logger.
type LogSink struct {
	logger  *slog.Logger
	changes atomic.Int64
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Progress logs transfer progress at debug level.
func (s *LogSink) Progress(req *Request, transferred, total int64) {
	s.logger.Debug("transfer progress",
		slog.String("request", req.Name()),
		slog.String("kind", req.Kind.String()),
		slog.Int64("transferred", transferred),
		slog.Int64("total", total),
	)
}

// Warning logs a non-fatal problem. Quota errors carry the user-facing
// guidance along with them.
func (s *LogSink) Warning(err error) {
	attrs := []any{slog.String("error", err.Error())}

	var quota *QuotaExceededError
	if errors.As(err, &quota) {
		attrs = append(attrs, slog.String("dialog", quota.DialogText()))

		if u := quota.AccountURL(); u != "" {
			attrs = append(attrs, slog.String("account_url", u))
		}

		if hint := quota.RetryHint(); hint != "" {
			attrs = append(attrs, slog.String("retry_hint", hint))
		}
	}

	s.logger.Warn("file sync warning", attrs...)
}

// Error logs a failed request.
func (s *LogSink) Error(req *Request, err error) {
	s.logger.Error("file sync request failed",
		slog.String("request", req.Name()),
		slog.String("kind", req.Kind.String()),
		slog.String("policy", PolicyFor(err).String()),
		slog.String("error", err.Error()),
	)
}

// ChangesMade counts ledger commits.
func (s *LogSink) ChangesMade() {
	s.changes.Add(1)
}

// Changes returns how many times ChangesMade was called.
func (s *LogSink) Changes() int64 {
	return s.changes.Load()
}
