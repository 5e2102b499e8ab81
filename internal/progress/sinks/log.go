package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// LogSink writes one debug entry per visit report.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements progress.Sink.
func (s *LogSink) Name() string {
	return "log"
}

// Consume logs each report in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []crawler.VisitReport) error {
	for _, rep := range batch {
		s.logger.Debug("visit report",
			zap.String("session_id", rep.SessionID),
			zap.Int("worker", rep.Worker),
			zap.Int("rank", rep.Rank),
			zap.String("target", rep.Target),
			zap.Int("attempt", rep.Attempt),
			zap.Bool("success", rep.Success),
			zap.Int64("elapsed_ms", rep.ElapsedMs),
			zap.String("disposition", string(rep.Disposition)),
			zap.String("error", rep.Error),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
