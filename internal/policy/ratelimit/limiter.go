// Package ratelimit spaces out visits to the same host. Ranked site lists
// often carry many subdomains of one operator; a token bucket per host keeps
// the fleet from hammering it.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerHostRPS is the sustained visit rate per host; <= 0 disables limiting.
	PerHostRPS float64
	// Burst is the number of visits allowed back to back.
	Burst int
}

// Limiter manages per-host token buckets.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.PerHostRPS)
	if cfg.PerHostRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	metrics.Init()
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      r,
		burst:    burst,
	}
}

// Wait blocks until target's host has a token and returns the time spent waiting.
func (l *Limiter) Wait(ctx context.Context, target string) (time.Duration, error) {
	host := hostKey(target)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return time.Since(start), fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	waited := time.Since(start)
	if waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return waited, nil
}

func hostKey(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Runner executes one job.
type Runner interface {
	Execute(ctx context.Context, job crawler.Job, dwell, hardTimeout time.Duration) crawler.Outcome
}

type politeRunner struct {
	next    Runner
	limiter *Limiter
	logger  *zap.Logger
}

// Wrap returns a Runner that waits for the job's host token before
// delegating to next. A nil limiter returns next unchanged.
func Wrap(next Runner, limiter *Limiter, logger *zap.Logger) Runner {
	if limiter == nil || limiter.rps == rate.Inf {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &politeRunner{next: next, limiter: limiter, logger: logger}
}

func (p *politeRunner) Execute(ctx context.Context, job crawler.Job, dwell, hardTimeout time.Duration) crawler.Outcome {
	waited, err := p.limiter.Wait(ctx, job.Target)
	if err != nil {
		return crawler.Outcome{Elapsed: waited, Err: err}
	}
	if waited > time.Second {
		p.logger.Debug("waited for host token", zap.String("target", job.Target), zap.Duration("elapsed", waited))
	}
	return p.next.Execute(ctx, job, dwell, hardTimeout)
}
