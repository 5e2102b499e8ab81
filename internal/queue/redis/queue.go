// Package redis implements the lease-based work queue on Redis lists.
//
// For a queue named q the layout is:
//
//	q                            pending items, consumed from the right
//	q:processing                 leased items as "<token>|<payload>"
//	q:leased_by_session:<token>  owning session, expires with the lease
//	q:lease_seq                  lease token counter
//	q:attempts                   failed attempts per payload sha1
//
// An item whose lease key has expired is moved back to q by the next
// Lease call from any worker, which is how crashed workers are recovered.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// waitSlice bounds each blocking wait so expired leases are reclaimed while
// a caller is still inside its block window.
const waitSlice = time.Second

// Config names the queue.
type Config struct {
	Name string
}

// Queue is a crawler.WorkQueue backed by Redis.
type Queue struct {
	client      goredis.UniversalClient
	main        string
	processing  string
	attempts    string
	sequence    string
	leasePrefix string
	session     string
	clock       crawler.Clock
	logger      *zap.Logger
}

var _ crawler.WorkQueue = (*Queue)(nil)

// New builds a queue client and assigns it a session ID.
func New(
	client goredis.UniversalClient,
	cfg Config,
	sessions crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Name == "" {
		return nil, errors.New("queue name is required")
	}
	session, err := sessions.NewID()
	if err != nil {
		return nil, fmt.Errorf("assign session id: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:      client,
		main:        cfg.Name,
		processing:  cfg.Name + ":processing",
		attempts:    cfg.Name + ":attempts",
		sequence:    cfg.Name + ":lease_seq",
		leasePrefix: cfg.Name + ":leased_by_session:",
		session:     session,
		clock:       clock,
		logger:      logger.With(zap.String("queue", cfg.Name), zap.String("session_id", session)),
	}, nil
}

// SessionID returns the identity assigned at construction.
func (q *Queue) SessionID() string {
	return q.session
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return unavailable(ctx, "ping", err)
	}
	return nil
}

// IsEmpty reports whether nothing is queued and nothing is leased.
func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return false, err
	}
	return depth.Queued == 0 && depth.Leased == 0, nil
}

// Depth returns the pending and leased item counts.
func (q *Queue) Depth(ctx context.Context) (crawler.Depth, error) {
	var queued, leased *goredis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		queued = p.LLen(ctx, q.main)
		leased = p.LLen(ctx, q.processing)
		return nil
	})
	if err != nil {
		return crawler.Depth{}, unavailable(ctx, "depth", err)
	}
	return crawler.Depth{Queued: queued.Val(), Leased: leased.Val()}, nil
}

// Enqueue appends payloads so they are leased in the given order.
func (q *Queue) Enqueue(ctx context.Context, payloads ...[]byte) (int64, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	values := make([]any, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}
	n, err := q.client.LPush(ctx, q.main, values...).Result()
	if err != nil {
		return 0, unavailable(ctx, "enqueue", err)
	}
	return n, nil
}

// Lease claims one item for visibility, waiting up to blockFor. Waits shorter
// than one second degrade to a single attempt because Redis blocking
// timeouts have whole-second resolution.
func (q *Queue) Lease(ctx context.Context, visibility, blockFor time.Duration) (*crawler.Lease, error) {
	if visibility <= 0 {
		return nil, errors.New("visibility timeout must be positive")
	}
	deadline := q.clock.Now().Add(blockFor)
	for {
		lease, err := q.tryLease(ctx, visibility)
		if err != nil || lease != nil {
			return lease, err
		}
		remaining := deadline.Sub(q.clock.Now())
		if remaining < time.Second {
			return nil, nil
		}
		if err := q.waitForItem(ctx, min(remaining, waitSlice)); err != nil {
			return nil, err
		}
	}
}

func (q *Queue) tryLease(ctx context.Context, visibility time.Duration) (*crawler.Lease, error) {
	keys := []string{q.main, q.processing, q.attempts, q.sequence}
	res, err := leaseScript.Run(ctx, q.client, keys, q.session, visibility.Milliseconds(), q.leasePrefix).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(ctx, "lease", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("lease: unexpected script reply %v", res)
	}
	item, _ := res[0].(string)
	token, _ := res[1].(string)
	failed, err := toInt(res[2])
	if err != nil {
		return nil, fmt.Errorf("lease: attempts: %w", err)
	}
	lease := &crawler.Lease{
		ID:       token,
		Payload:  []byte(item),
		Session:  q.session,
		Attempt:  failed + 1,
		LeasedAt: q.clock.Now(),
	}
	q.logger.Debug("leased item", zap.String("lease_id", token), zap.Int("attempt", lease.Attempt))
	return lease, nil
}

// waitForItem blocks until main is non-empty or d elapses. Rotating the
// list onto itself leaves its contents unchanged.
func (q *Queue) waitForItem(ctx context.Context, d time.Duration) error {
	err := q.client.BLMove(ctx, q.main, q.main, "RIGHT", "RIGHT", d).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return unavailable(ctx, "wait", err)
	}
	return nil
}

// Complete removes the leased item. It returns false when the lease had
// already been reclaimed or completed.
func (q *Queue) Complete(ctx context.Context, lease *crawler.Lease) (bool, error) {
	keys := []string{q.processing, q.leaseKey(lease), q.attempts}
	removed, err := completeScript.Run(ctx, q.client, keys, q.session, lease.ID, lease.Payload).Int64()
	if err != nil {
		return false, unavailable(ctx, "complete", err)
	}
	if removed <= 0 {
		q.logger.Debug("complete found no lease", zap.String("lease_id", lease.ID), zap.Int64("reply", removed))
		return false, nil
	}
	return true, nil
}

// Renew extends a lease this session still owns.
func (q *Queue) Renew(ctx context.Context, lease *crawler.Lease, visibility time.Duration) error {
	ok, err := renewScript.Run(ctx, q.client, []string{q.leaseKey(lease)}, q.session, visibility.Milliseconds()).Int64()
	if err != nil {
		return unavailable(ctx, "renew", err)
	}
	if ok == 0 {
		return crawler.ErrLeaseGone
	}
	return nil
}

// Requeue returns the item to the back of the queue and records a failed
// attempt.
func (q *Queue) Requeue(ctx context.Context, lease *crawler.Lease) (int, error) {
	keys := []string{q.processing, q.main, q.leaseKey(lease), q.attempts}
	n, err := requeueScript.Run(ctx, q.client, keys, q.session, lease.ID, lease.Payload).Int64()
	if err != nil {
		return 0, unavailable(ctx, "requeue", err)
	}
	if n < 0 {
		return 0, crawler.ErrLeaseGone
	}
	return int(n), nil
}

func (q *Queue) leaseKey(lease *crawler.Lease) string {
	return q.leasePrefix + lease.ID
}

// unavailable tags backend failures, leaving caller cancellation untouched.
func unavailable(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%s: %w: %w", op, crawler.ErrQueueUnavailable, err)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
