package reporting

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// Log writes reporter events to the process logger. It is used when no
// Sentry DSN is configured.
type Log struct {
	logger *zap.Logger
}

var _ crawler.ErrorReporter = (*Log)(nil)

// NewLog returns a logger-backed reporter.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("reporter")}
}

// CaptureMessage logs message at info level.
func (l *Log) CaptureMessage(message string) {
	l.logger.Info(message)
}

// CaptureError logs err at error level; nil is ignored.
func (l *Log) CaptureError(err error) {
	if err == nil {
		return
	}
	l.logger.Error("fatal worker error", zap.Error(err))
}

// Flush syncs the logger.
func (l *Log) Flush(time.Duration) bool {
	_ = l.logger.Sync()
	return true
}
