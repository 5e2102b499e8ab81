// Package dispatcher runs a pool of worker loops against one queue.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/worker"
)

const (
	startedMessage  = "Crawl worker started"
	finishedMessage = "Crawl worker finished"
)

// Loop is one worker control loop.
type Loop interface {
	Run(ctx context.Context) error
	Snapshot() worker.Status
}

// Config controls shutdown behaviour.
type Config struct {
	CloseTimeout time.Duration
	FlushTimeout time.Duration
}

// Dispatcher fans the shared queue out to its loops and releases the engine
// once they have all terminated.
type Dispatcher struct {
	loops    []Loop
	engine   crawler.Engine
	reporter crawler.ErrorReporter
	cfg      Config
	logger   *zap.Logger
}

// New creates a Dispatcher. reporter may be nil.
func New(loops []Loop, engine crawler.Engine, reporter crawler.ErrorReporter, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		loops:    loops,
		engine:   engine,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run starts every loop and blocks until all have terminated. The first
// fatal loop error stops the others and is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.capture(startedMessage)
	d.logger.Info("starting worker loops", zap.Int("loops", len(d.loops)))

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range d.loops {
		g.Go(func() error {
			return l.Run(gctx)
		})
	}
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CloseTimeout)
	defer cancel()
	if d.engine != nil {
		if err := d.engine.Close(closeCtx); err != nil {
			d.logger.Error("engine close failed", zap.Error(err))
		}
	}

	if runErr != nil {
		d.logger.Error("worker terminated with fatal error", zap.Error(runErr))
		if d.reporter != nil {
			d.reporter.CaptureError(runErr)
		}
	} else {
		d.logger.Info("all worker loops finished")
		d.capture(finishedMessage)
	}
	if d.reporter != nil && !d.reporter.Flush(d.cfg.FlushTimeout) {
		d.logger.Warn("error reporter flush timed out")
	}
	if runErr != nil {
		return fmt.Errorf("dispatcher: %w", runErr)
	}
	return nil
}

// Snapshot returns the status of every loop.
func (d *Dispatcher) Snapshot() []worker.Status {
	out := make([]worker.Status, 0, len(d.loops))
	for _, l := range d.loops {
		out = append(out, l.Snapshot())
	}
	return out
}

func (d *Dispatcher) capture(msg string) {
	if d.reporter != nil {
		d.reporter.CaptureMessage(msg)
	}
}
