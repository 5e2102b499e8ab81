package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/crawl-worker/internal/clock/system"
	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/queue/memory"
)

// instantClock reports real time but fires every wait immediately and
// remembers what was asked for.
type instantClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *instantClock) Now() time.Time { return time.Now().UTC() }

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *instantClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeRunner struct {
	mu   sync.Mutex
	jobs []crawler.Job
	run  func(ctx context.Context, job crawler.Job) crawler.Outcome
}

func (r *fakeRunner) Execute(ctx context.Context, job crawler.Job, _, _ time.Duration) crawler.Outcome {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.run == nil {
		return crawler.Outcome{Success: true, Elapsed: time.Millisecond}
	}
	return r.run(ctx, job)
}

func (r *fakeRunner) seen() []crawler.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]crawler.Job(nil), r.jobs...)
}

type fakePublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads []map[string]any
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.(map[string]any))
	return fmt.Sprintf("msg-%d", len(p.payloads)), nil
}

type fakeHistory struct {
	mu      sync.Mutex
	reports []crawler.VisitReport
}

func (h *fakeHistory) RecordVisit(_ context.Context, report crawler.VisitReport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, report)
	return nil
}

type seqIDs struct {
	prefix string
	n      atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1)), nil
}

func newMemoryQueue(session string, payloads ...string) (*memory.Store, *memory.Queue) {
	store := memory.NewStore(system.New(), &seqIDs{prefix: "lease"})
	q, err := memory.New(store, &seqIDs{prefix: session})
	if err != nil {
		panic(err)
	}
	for _, p := range payloads {
		if _, err := store.Enqueue(context.Background(), []byte(p)); err != nil {
			panic(err)
		}
	}
	return store, q
}

func testConfig() Config {
	return Config{
		ID:                   1,
		LeaseTimeout:         time.Minute,
		BlockTimeout:         10 * time.Millisecond,
		IdleInterval:         5 * time.Second,
		Dwell:                time.Second,
		HardTimeout:          2 * time.Second,
		MaxConsecutiveErrors: 3,
		ErrorBackoff:         time.Millisecond,
		ErrorBackoffMax:      10 * time.Millisecond,
		Topic:                "crawl-events",
	}
}

// countingQueue records Renew and Complete results around a real queue.
type countingQueue struct {
	crawler.WorkQueue
	renewals  atomic.Int64
	completed atomic.Int64
}

func (q *countingQueue) Renew(ctx context.Context, lease *crawler.Lease, visibility time.Duration) error {
	err := q.WorkQueue.Renew(ctx, lease, visibility)
	if err == nil {
		q.renewals.Add(1)
	}
	return err
}

func (q *countingQueue) Complete(ctx context.Context, lease *crawler.Lease) (bool, error) {
	removed, err := q.WorkQueue.Complete(ctx, lease)
	if removed {
		q.completed.Add(1)
	}
	return removed, err
}
