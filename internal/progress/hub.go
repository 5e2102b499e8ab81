package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
)

// ErrHubClosed is returned by RecordVisit after Close has begun.
var ErrHubClosed = errors.New("progress hub closed")

// Config controls buffering and batching for the Hub.
//   - BufferSize: reports held while sinks are busy (default 1024).
//   - MaxBatch: flush once this many reports are pending (default 100).
//   - MaxBatchWait: flush a partial batch after this long (default 1s).
//   - SinkTimeout: bound on one sink's Consume call (default 10s).
type Config struct {
	BufferSize   int
	MaxBatch     int
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	Logger       *zap.Logger
}

const (
	defaultBufferSize   = 1024
	defaultMaxBatch     = 100
	defaultMaxBatchWait = time.Second
	defaultSinkTimeout  = 10 * time.Second
	dropWarnInterval    = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = defaultMaxBatch
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub accepts visit reports from every worker loop and delivers them to its
// sinks in batches on one background goroutine. RecordVisit never blocks.
type Hub struct {
	cfg     Config
	sinks   []Sink
	reports chan crawler.VisitReport
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger

	dropped  atomic.Int64
	dropWarn rate.Sometimes

	mu       sync.RWMutex
	closed   bool
	closeCtx context.Context
}

var _ crawler.HistoryStore = (*Hub)(nil)

// NewHub starts delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	metrics.Init()
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:      cfg,
		sinks:    append([]Sink(nil), sinks...),
		reports:  make(chan crawler.VisitReport, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   cfg.Logger.Named("progress"),
		dropWarn: rate.Sometimes{Interval: dropWarnInterval},
	}
	go h.run()
	return h
}

// RecordVisit queues report for delivery. A full buffer drops the report
// and returns nil; only a closed hub is an error.
func (h *Hub) RecordVisit(_ context.Context, report crawler.VisitReport) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	select {
	case h.reports <- report:
	default:
		total := h.dropped.Add(1)
		metrics.ObserveHistoryDropped()
		h.dropWarn.Do(func() {
			h.logger.Warn("visit history buffer full, dropping reports",
				zap.Int64("dropped_total", total), zap.Int("rank", report.Rank))
		})
	}
	return nil
}

// Dropped reports how many visit reports were lost to backpressure.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close stops intake, delivers everything still buffered and closes the
// sinks. ctx bounds both the wait and the sinks' Close calls.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		h.closeCtx = ctx
		close(h.stopCh)
	}
	h.mu.Unlock()
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for history flush: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := batcher{hub: h, pending: make([]crawler.VisitReport, 0, h.cfg.MaxBatch)}
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	defer timer.Stop()
	for {
		var deadline <-chan time.Time
		if len(b.pending) > 0 {
			deadline = timer.C
		}
		select {
		case rep := <-h.reports:
			if len(b.pending) == 0 {
				timer.Reset(h.cfg.MaxBatchWait)
			}
			b.add(rep)
		case <-deadline:
			b.flush()
		case <-h.stopCh:
			// RecordVisit holds the read lock while sending, so nothing
			// arrives after stopCh is closed.
		drain:
			for {
				select {
				case rep := <-h.reports:
					b.add(rep)
				default:
					break drain
				}
			}
			b.flush()
			h.closeSinks()
			return
		}
	}
}

// batcher accumulates reports for the run goroutine.
type batcher struct {
	hub     *Hub
	pending []crawler.VisitReport
}

func (b *batcher) add(rep crawler.VisitReport) {
	b.pending = append(b.pending, rep)
	if len(b.pending) >= b.hub.cfg.MaxBatch {
		b.flush()
	}
}

func (b *batcher) flush() {
	if len(b.pending) == 0 {
		return
	}
	batch := append([]crawler.VisitReport(nil), b.pending...)
	b.pending = b.pending[:0]
	b.hub.deliver(batch)
}

func (h *Hub) deliver(batch []crawler.VisitReport) {
	metrics.ObserveHistoryBatch(len(batch))
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			metrics.ObserveHistorySinkError(sink.Name())
			h.logger.Warn("history sink failed",
				zap.String("sink", sink.Name()), zap.Int("reports", len(batch)), zap.Error(err))
		}
	}
}

func (h *Hub) closeSinks() {
	h.mu.RLock()
	ctx := h.closeCtx
	h.mu.RUnlock()
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("history sink close failed", zap.String("sink", sink.Name()), zap.Error(err))
		}
	}
}
