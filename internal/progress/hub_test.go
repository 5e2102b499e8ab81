package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
	"github.com/JakeFAU/crawl-worker/internal/metrics"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:   8,
		MaxBatch:     2,
		MaxBatchWait: time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	require.NoError(t, hub.RecordVisit(context.Background(), sampleReport(1)))
	require.NoError(t, hub.RecordVisit(context.Background(), sampleReport(2)))
	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:   4,
		MaxBatch:     10,
		MaxBatchWait: 25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	require.NoError(t, hub.RecordVisit(context.Background(), sampleReport(1)))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubRecordVisitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	metrics.Init()
	hub := &Hub{
		cfg:      Config{},
		reports:  make(chan crawler.VisitReport),
		logger:   zap.NewNop(),
		dropWarn: rate.Sometimes{Interval: time.Hour},
	}
	start := time.Now()
	require.NoError(t, hub.RecordVisit(context.Background(), sampleReport(1)))
	require.NoError(t, hub.RecordVisit(context.Background(), sampleReport(2)))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Dropped())
}

// TestHubFlushOnClose ensures Close drains any buffered reports before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:   4,
		MaxBatch:     100,
		MaxBatchWait: time.Minute,
	}, sink)

	require.NoError(t, hub.RecordVisit(context.Background(), sampleReport(7)))

	require.NoError(t, hub.Close(context.Background()))
	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.Equal(t, 7, batches[0][0].Rank)
	require.True(t, sink.Closed())
}

func TestHubRejectsAfterClose(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))

	err := hub.RecordVisit(context.Background(), sampleReport(1))
	require.ErrorIs(t, err, ErrHubClosed)
}

func TestHubSinkFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()

	failing := newStubSink()
	failing.err = errors.New("db down")
	healthy := newStubSink()
	hub := NewHub(Config{MaxBatch: 1}, failing, healthy)

	require.NoError(t, hub.RecordVisit(context.Background(), sampleReport(1)))
	require.NoError(t, hub.Close(context.Background()))

	if got := len(healthy.Batches()); got != 1 {
		t.Fatalf("healthy sink batches = %d, want 1", got)
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]crawler.VisitReport
	closed  bool
	err     error
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]crawler.VisitReport{}}
}

func (s *stubSink) Name() string {
	return "stub"
}

func (s *stubSink) Consume(_ context.Context, batch []crawler.VisitReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, append([]crawler.VisitReport(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]crawler.VisitReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]crawler.VisitReport, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]crawler.VisitReport(nil), b...)
	}
	return out
}

func sampleReport(rank int) crawler.VisitReport {
	return crawler.VisitReport{
		SessionID:   "session-1",
		Worker:      0,
		Rank:        rank,
		Target:      "http://example.com",
		Attempt:     1,
		Success:     true,
		ElapsedMs:   12,
		Disposition: crawler.DispositionComplete,
		FinishedAt:  time.Now(),
	}
}
