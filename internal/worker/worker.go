// Package worker implements the poll, lease, execute, complete control loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
)

// ErrPersistentQueueFailure ends a loop once the queue keeps failing.
var ErrPersistentQueueFailure = errors.New("queue persistently unavailable")

// State is a loop state.
type State string

// Loop states.
const (
	StatePolling    State = "polling"
	StateLeasing    State = "leasing"
	StateExecuting  State = "executing"
	StateCompleting State = "completing"
	StateTerminated State = "terminated"
)

// Runner executes a parsed job. *crawler.Executor satisfies it.
type Runner interface {
	Execute(ctx context.Context, job crawler.Job, dwell, hardTimeout time.Duration) crawler.Outcome
}

// Config controls Loop timing and error tolerance.
type Config struct {
	ID                   int
	LeaseTimeout         time.Duration
	BlockTimeout         time.Duration
	IdleInterval         time.Duration
	Dwell                time.Duration
	HardTimeout          time.Duration
	Heartbeat            time.Duration
	MaxConsecutiveErrors int
	ErrorBackoff         time.Duration
	ErrorBackoffMax      time.Duration
	Topic                string
}

// Status is a point-in-time view of a Loop.
type Status struct {
	Worker            int    `json:"worker"`
	State             State  `json:"state"`
	Target            string `json:"target,omitempty"`
	Processed         int64  `json:"processed"`
	Succeeded         int64  `json:"succeeded"`
	Failed            int64  `json:"failed"`
	Requeued          int64  `json:"requeued"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastError         string `json:"last_error,omitempty"`
}

// Loop consumes leases from one queue until it is observed empty.
type Loop struct {
	queue     crawler.WorkQueue
	runner    Runner
	policy    crawler.DispositionPolicy
	publisher crawler.Publisher
	history   crawler.HistoryStore
	clock     crawler.Clock
	backoff   crawler.ExponentialBackoff
	cfg       Config
	logger    *zap.Logger

	mu     sync.Mutex
	status Status
}

// New constructs a Loop. publisher and history may be nil.
func New(
	queue crawler.WorkQueue,
	runner Runner,
	policy crawler.DispositionPolicy,
	publisher crawler.Publisher,
	history crawler.HistoryStore,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 1
	}
	metrics.Init()
	return &Loop{
		queue:     queue,
		runner:    runner,
		policy:    policy,
		publisher: publisher,
		history:   history,
		clock:     clock,
		backoff:   crawler.NewExponentialBackoff(cfg.ErrorBackoff, cfg.ErrorBackoffMax),
		cfg:       cfg,
		logger: logger.With(
			zap.String("session_id", queue.SessionID()),
			zap.Int("worker", cfg.ID),
		),
		status: Status{Worker: cfg.ID, State: StatePolling},
	}
}

// Snapshot returns the current loop status.
func (l *Loop) Snapshot() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Run blocks until the queue is observed empty, ctx ends, or the queue
// fails MaxConsecutiveErrors times in a row. Only the last case returns an
// error. A lease held when ctx ends is abandoned and left to expire.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(StateTerminated, "")
	for {
		if ctx.Err() != nil {
			l.logger.Info("worker stopping", zap.Error(ctx.Err()))
			return nil
		}

		l.setState(StatePolling, "")
		empty, err := l.queue.IsEmpty(ctx)
		if err != nil {
			if fatal := l.queueError(ctx, "is_empty", err); fatal != nil {
				return fatal
			}
			continue
		}
		l.resetErrors()
		if empty {
			l.logger.Info("job queue finished")
			return nil
		}

		l.setState(StateLeasing, "")
		lease, err := l.queue.Lease(ctx, l.cfg.LeaseTimeout, l.cfg.BlockTimeout)
		if err != nil {
			if fatal := l.queueError(ctx, "lease", err); fatal != nil {
				return fatal
			}
			continue
		}
		l.resetErrors()
		if lease == nil {
			metrics.ObserveLeaseEmpty()
			l.logger.Info("waiting for work", zap.Duration("idle", l.cfg.IdleInterval))
			l.sleep(ctx, l.cfg.IdleInterval)
			continue
		}

		if err := l.process(ctx, lease); err != nil {
			if fatal := l.queueError(ctx, "complete", err); fatal != nil {
				return fatal
			}
		}
	}
}

// process runs one lease to its disposition. The returned error is always a
// queue error; job failures are absorbed into the outcome.
func (l *Loop) process(ctx context.Context, lease *crawler.Lease) error {
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()

	logger := l.logger.With(zap.String("lease_id", lease.ID), zap.Int("attempt", lease.Attempt))
	job, parseErr := crawler.ParseJob(lease.Payload)

	var outcome crawler.Outcome
	result := metrics.ResultFailure
	if parseErr != nil {
		l.setState(StateExecuting, "")
		logger.Warn("malformed job payload, dropping", zap.Error(parseErr))
		outcome = crawler.Outcome{Err: parseErr}
		result = metrics.ResultMalformed
	} else {
		l.setState(StateExecuting, job.Target)
		logger = logger.With(zap.Int("rank", job.Rank), zap.String("target", job.Target))
		logger.Info("visiting target")
		stop := l.startHeartbeat(ctx, lease, logger)
		outcome = l.runner.Execute(ctx, job, l.cfg.Dwell, l.cfg.HardTimeout)
		stop()
		if outcome.Success {
			result = metrics.ResultSuccess
		}
	}

	if ctx.Err() != nil {
		logger.Warn("shutting down mid-job, abandoning lease")
		return nil
	}
	metrics.ObserveJob(result, outcome.Elapsed)
	if outcome.Err != nil && parseErr == nil {
		logger.Warn("visit failed", zap.Duration("elapsed", outcome.Elapsed), zap.Error(outcome.Err))
	}

	l.setState(StateCompleting, job.Target)
	disposition := l.policy.Decide(outcome, lease.Attempt)
	if err := l.dispose(ctx, lease, disposition, logger); err != nil {
		return err
	}
	metrics.ObserveDisposition(string(disposition))
	l.record(outcome, disposition)
	l.report(ctx, lease, job, outcome, disposition, logger)
	return nil
}

func (l *Loop) dispose(ctx context.Context, lease *crawler.Lease, disposition crawler.Disposition, logger *zap.Logger) error {
	if disposition == crawler.DispositionRequeue {
		failed, err := l.queue.Requeue(ctx, lease)
		switch {
		case errors.Is(err, crawler.ErrLeaseGone):
			logger.Warn("lease gone before requeue, item already re-offered")
			return nil
		case err != nil:
			return fmt.Errorf("requeue: %w", err)
		}
		logger.Info("job requeued", zap.Int("failed_attempts", failed))
		return nil
	}
	removed, err := l.queue.Complete(ctx, lease)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if !removed {
		logger.Warn("lease already gone at completion, job may run again")
	}
	return nil
}

func (l *Loop) report(
	ctx context.Context,
	lease *crawler.Lease,
	job crawler.Job,
	outcome crawler.Outcome,
	disposition crawler.Disposition,
	logger *zap.Logger,
) {
	rep := crawler.VisitReport{
		SessionID:   lease.Session,
		Worker:      l.cfg.ID,
		Rank:        job.Rank,
		Target:      job.Target,
		Attempt:     lease.Attempt,
		Success:     outcome.Success,
		Elapsed:     outcome.Elapsed,
		ElapsedMs:   outcome.Elapsed.Milliseconds(),
		Error:       outcome.ErrorText(),
		RecordURI:   outcome.RecordURI,
		Disposition: disposition,
		FinishedAt:  l.clock.Now(),
	}
	if rep.Target == "" {
		rep.Target = string(lease.Payload)
	}
	if l.history != nil {
		if err := l.history.RecordVisit(ctx, rep); err != nil {
			logger.Error("record visit history failed", zap.Error(err))
		}
	}
	if l.publisher == nil || l.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_rank":    rep.Rank,
		"target":      rep.Target,
		"session_id":  rep.SessionID,
		"success":     rep.Success,
		"elapsed_ms":  rep.ElapsedMs,
		"error":       rep.Error,
		"attempt":     rep.Attempt,
		"disposition": rep.Disposition,
		"record_uri":  rep.RecordURI,
		"timestamp":   rep.FinishedAt.Format(time.RFC3339),
	}
	if _, err := l.publisher.Publish(ctx, l.cfg.Topic, payload); err != nil {
		logger.Error("publish visit event failed", zap.Error(err))
	}
}

// startHeartbeat renews the lease every Heartbeat until the returned stop
// function is called.
func (l *Loop) startHeartbeat(ctx context.Context, lease *crawler.Lease, logger *zap.Logger) func() {
	if l.cfg.Heartbeat <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-l.clock.After(l.cfg.Heartbeat):
			}
			err := l.queue.Renew(hbCtx, lease, l.cfg.LeaseTimeout)
			switch {
			case err == nil:
			case errors.Is(err, crawler.ErrLeaseGone):
				logger.Warn("lease lost during execution")
				return
			case hbCtx.Err() != nil:
				return
			default:
				metrics.ObserveQueueError("renew")
				logger.Warn("lease renewal failed", zap.Error(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// queueError applies backoff to a transient queue failure and returns a
// fatal error once the failure streak reaches the configured limit.
func (l *Loop) queueError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	metrics.ObserveQueueError(op)
	l.mu.Lock()
	l.status.ConsecutiveErrors++
	l.status.LastError = err.Error()
	streak := l.status.ConsecutiveErrors
	l.mu.Unlock()

	if streak >= l.cfg.MaxConsecutiveErrors {
		l.logger.Error("queue unavailable, giving up", zap.String("op", op), zap.Int("attempts", streak), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrPersistentQueueFailure, op, err)
	}
	delay := l.backoff.Backoff(streak - 1)
	l.logger.Warn("transient queue error",
		zap.String("op", op),
		zap.Int("attempts", streak),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
	l.sleep(ctx, delay)
	return nil
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-l.clock.After(d):
	}
}

func (l *Loop) setState(state State, target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.status.State != state {
		l.logger.Debug("state transition", zap.String("from", string(l.status.State)), zap.String("state", string(state)))
	}
	l.status.State = state
	l.status.Target = target
}

func (l *Loop) resetErrors() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.ConsecutiveErrors = 0
}

func (l *Loop) record(outcome crawler.Outcome, disposition crawler.Disposition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.Processed++
	if outcome.Success {
		l.status.Succeeded++
	} else {
		l.status.Failed++
		l.status.LastError = outcome.ErrorText()
	}
	if disposition == crawler.DispositionRequeue {
		l.status.Requeued++
	}
}
