package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/JakeFAU/crawl-worker/internal/crawler"

// Executor drives one job through the automation engine under a hard
// deadline. Every failure ends up in the returned Outcome.
type Executor struct {
	engine Engine
	clock  Clock
	tracer trace.Tracer
	logger *zap.Logger
}

// NewExecutor constructs an Executor. A nil tracer falls back to the global
// provider.
func NewExecutor(engine Engine, clock Clock, tracer trace.Tracer, logger *zap.Logger) *Executor {
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		engine: engine,
		clock:  clock,
		tracer: tracer,
		logger: logger,
	}
}

type visitAttempt struct {
	result VisitResult
	err    error
}

// Execute navigates to job.Target, dwells, and returns control after at
// most hardTimeout regardless of what the engine is doing.
func (e *Executor) Execute(ctx context.Context, job Job, dwell, hardTimeout time.Duration) Outcome {
	ctx, span := e.tracer.Start(ctx, "crawl.visit", trace.WithAttributes(
		attribute.String("crawl.target", job.Target),
		attribute.Int("crawl.rank", job.Rank),
		attribute.Int64("crawl.dwell_ms", dwell.Milliseconds()),
	))
	defer span.End()

	start := e.clock.Now()
	visitCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	done := make(chan visitAttempt, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- visitAttempt{err: &EngineCrashError{Value: r}}
			}
		}()
		result, err := e.engine.Visit(visitCtx, Directive{
			Rank:              job.Rank,
			Target:            job.Target,
			Dwell:             dwell,
			HardTimeout:       hardTimeout,
			ResetSessionFirst: true,
		})
		done <- visitAttempt{result: result, err: err}
	}()

	var attempt visitAttempt
	select {
	case attempt = <-done:
	case <-visitCtx.Done():
		// The engine may still be unwinding; the buffered channel lets it exit.
		attempt = visitAttempt{err: visitCtx.Err()}
	}

	outcome := Outcome{
		Elapsed:   e.clock.Now().Sub(start),
		FinalURL:  attempt.result.FinalURL,
		RecordURI: attempt.result.RecordURI,
	}
	if attempt.err != nil {
		outcome.Err = e.classify(ctx, attempt.err, hardTimeout)
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
		e.logger.Debug("visit failed",
			zap.String("target", job.Target),
			zap.Duration("elapsed", outcome.Elapsed),
			zap.Error(outcome.Err),
		)
		return outcome
	}
	outcome.Success = true
	span.SetAttributes(attribute.String("crawl.final_url", outcome.FinalURL))
	return outcome
}

func (e *Executor) classify(parent context.Context, err error, hardTimeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%w (%s): %w", ErrHardTimeout, hardTimeout, err)
	}
	return fmt.Errorf("visit: %w", err)
}
