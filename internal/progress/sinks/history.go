package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// HistorySink forwards reports to a crawler.HistoryStore one row at a time.
type HistorySink struct {
	name  string
	store crawler.HistoryStore
	close func()
}

// NewHistorySink wraps store under name. closeFn, when set, runs on Close.
func NewHistorySink(name string, store crawler.HistoryStore, closeFn func()) (*HistorySink, error) {
	if store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if name == "" {
		name = "history"
	}
	return &HistorySink{name: name, store: store, close: closeFn}, nil
}

// Name implements progress.Sink.
func (s *HistorySink) Name() string {
	return s.name
}

// Consume records every report, continuing past failures, and joins the errors.
func (s *HistorySink) Consume(ctx context.Context, batch []crawler.VisitReport) error {
	var errs []error
	for _, rep := range batch {
		if err := s.store.RecordVisit(ctx, rep); err != nil {
			errs = append(errs, fmt.Errorf("rank %d: %w", rep.Rank, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Close releases the underlying store.
func (s *HistorySink) Close(context.Context) error {
	if s.close != nil {
		s.close()
	}
	return nil
}
