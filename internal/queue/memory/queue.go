// Package memory provides an in-process lease queue for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

type item struct {
	payload []byte
	failed  int
}

type leasedItem struct {
	item
	id      string
	session string
	expires time.Time
}

// Store holds the shared queue state. Several Queue sessions may lease from
// one Store, the way several workers share one Redis list.
type Store struct {
	mu      sync.Mutex
	pending []item
	leased  map[string]*leasedItem
	clock   crawler.Clock
	ids     crawler.IDGenerator
	wake    chan struct{}
}

// NewStore creates an empty store. Lease IDs come from ids.
func NewStore(clock crawler.Clock, ids crawler.IDGenerator) *Store {
	return &Store{
		leased: make(map[string]*leasedItem),
		clock:  clock,
		ids:    ids,
		wake:   make(chan struct{}),
	}
}

// Enqueue appends payloads in order.
func (s *Store) Enqueue(_ context.Context, payloads ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range payloads {
		s.pending = append(s.pending, item{payload: append([]byte(nil), p...)})
	}
	s.broadcastLocked()
	return int64(len(s.pending)), nil
}

// Depth returns pending and leased counts after reclaiming expired leases.
func (s *Store) Depth(context.Context) (crawler.Depth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaimLocked()
	return crawler.Depth{Queued: int64(len(s.pending)), Leased: int64(len(s.leased))}, nil
}

func (s *Store) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// reclaimLocked returns expired leases to the front of the queue and reports
// the earliest remaining expiry.
func (s *Store) reclaimLocked() time.Time {
	now := s.clock.Now()
	var next time.Time
	var reclaimed []item
	for id, l := range s.leased {
		if !l.expires.After(now) {
			reclaimed = append(reclaimed, l.item)
			delete(s.leased, id)
			continue
		}
		if next.IsZero() || l.expires.Before(next) {
			next = l.expires
		}
	}
	if len(reclaimed) > 0 {
		s.pending = append(reclaimed, s.pending...)
	}
	return next
}

// Queue is one session's view of a Store and implements crawler.WorkQueue.
type Queue struct {
	store   *Store
	session string
}

var _ crawler.WorkQueue = (*Queue)(nil)

// New opens a session on store.
func New(store *Store, sessions crawler.IDGenerator) (*Queue, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	session, err := sessions.NewID()
	if err != nil {
		return nil, fmt.Errorf("assign session id: %w", err)
	}
	return &Queue{store: store, session: session}, nil
}

// SessionID returns the session assigned by New.
func (q *Queue) SessionID() string {
	return q.session
}

// Enqueue appends payloads to the shared store.
func (q *Queue) Enqueue(ctx context.Context, payloads ...[]byte) (int64, error) {
	return q.store.Enqueue(ctx, payloads...)
}

// Depth reports the shared store depth.
func (q *Queue) Depth(ctx context.Context) (crawler.Depth, error) {
	return q.store.Depth(ctx)
}

// IsEmpty reports whether nothing is pending or leased.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	d, err := q.store.Depth(ctx)
	if err != nil {
		return false, err
	}
	return d.Queued == 0 && d.Leased == 0, nil
}

// Lease claims the oldest pending item, waiting up to blockFor on the clock.
func (q *Queue) Lease(ctx context.Context, visibility, blockFor time.Duration) (*crawler.Lease, error) {
	if visibility <= 0 {
		return nil, errors.New("visibility timeout must be positive")
	}
	s := q.store
	deadline := s.clock.Now().Add(blockFor)
	for {
		s.mu.Lock()
		nextExpiry := s.reclaimLocked()
		if len(s.pending) > 0 {
			lease, err := q.takeLocked(visibility)
			s.mu.Unlock()
			return lease, err
		}
		wake := s.wake
		now := s.clock.Now()
		s.mu.Unlock()

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, nil
		}
		wait := remaining
		if !nextExpiry.IsZero() && nextExpiry.Sub(now) < wait {
			wait = nextExpiry.Sub(now)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lease: %w", ctx.Err())
		case <-wake:
		case <-s.clock.After(wait):
		}
	}
}

func (q *Queue) takeLocked(visibility time.Duration) (*crawler.Lease, error) {
	s := q.store
	id, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("lease id: %w", err)
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	now := s.clock.Now()
	s.leased[id] = &leasedItem{item: next, id: id, session: q.session, expires: now.Add(visibility)}
	return &crawler.Lease{
		ID:       id,
		Payload:  append([]byte(nil), next.payload...),
		Session:  q.session,
		Attempt:  next.failed + 1,
		LeasedAt: now,
	}, nil
}

// heldLocked returns the live lease owned by this session, reclaiming expired ones.
func (q *Queue) heldLocked(lease *crawler.Lease) (*leasedItem, bool) {
	q.store.reclaimLocked()
	l, ok := q.store.leased[lease.ID]
	if !ok || l.session != q.session {
		return nil, false
	}
	return l, true
}

// Complete drops a held lease. It returns false if the lease was gone.
func (q *Queue) Complete(_ context.Context, lease *crawler.Lease) (bool, error) {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := q.heldLocked(lease); !ok {
		return false, nil
	}
	delete(s.leased, lease.ID)
	return true, nil
}

// Renew pushes the expiry of a held lease forward.
func (q *Queue) Renew(_ context.Context, lease *crawler.Lease, visibility time.Duration) error {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := q.heldLocked(lease)
	if !ok {
		return crawler.ErrLeaseGone
	}
	l.expires = s.clock.Now().Add(visibility)
	return nil
}

// Requeue moves a held item to the back of the queue.
func (q *Queue) Requeue(_ context.Context, lease *crawler.Lease) (int, error) {
	s := q.store
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := q.heldLocked(lease)
	if !ok {
		return 0, crawler.ErrLeaseGone
	}
	delete(s.leased, lease.ID)
	l.failed++
	s.pending = append(s.pending, l.item)
	s.broadcastLocked()
	return l.failed, nil
}
