package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-worker/internal/clock/system"
	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

type fixedSession string

func (s fixedSession) NewID() (string, error) { return string(s), nil }

func newTestQueue(t *testing.T, m *miniredis.Miniredis, session string) *Queue {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := New(client, Config{Name: "crawl"}, fixedSession(session), system.New(), nil)
	require.NoError(t, err)
	return q
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: m.Addr()})
	defer client.Close()

	_, err := New(nil, Config{Name: "q"}, fixedSession("s"), system.New(), nil)
	require.ErrorContains(t, err, "client is required")
	_, err = New(client, Config{}, fixedSession("s"), system.New(), nil)
	require.ErrorContains(t, err, "queue name is required")

	q, err := New(client, Config{Name: "q"}, fixedSession("worker-a"), system.New(), nil)
	require.NoError(t, err)
	require.Equal(t, "worker-a", q.SessionID())
}

func TestLeaseCompleteFIFO(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	q := newTestQueue(t, m, "a")
	ctx := context.Background()

	n, err := q.Enqueue(ctx, []byte("1,example.com"), []byte("2,https://example.org"))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	first, err := q.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "1,example.com", string(first.Payload))
	require.Equal(t, "a", first.Session)
	require.Equal(t, 1, first.Attempt)
	require.True(t, m.Exists("crawl:leased_by_session:"+first.ID))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.Depth{Queued: 1, Leased: 1}, depth)

	removed, err := q.Complete(ctx, first)
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, m.Exists("crawl:leased_by_session:"+first.ID))

	second, err := q.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, "2,https://example.org", string(second.Payload))
	_, err = q.Complete(ctx, second)
	require.NoError(t, err)

	empty, err := q.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestLeaseEmptyReturnsNil(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	q := newTestQueue(t, m, "a")

	lease, err := q.Lease(context.Background(), time.Minute, 500*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, lease)
}

func TestCompleteTwiceIsNoop(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	q := newTestQueue(t, m, "a")
	ctx := context.Background()
	_, err := q.Enqueue(ctx, []byte("1,example.com"))
	require.NoError(t, err)

	lease, err := q.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)

	removed, err := q.Complete(ctx, lease)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = q.Complete(ctx, lease)
	require.NoError(t, err)
	require.False(t, removed)
}

func TestVisibilityTimeoutReclaimOnlyAfterExpiry(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	crashed := newTestQueue(t, m, "crashed")
	survivor := newTestQueue(t, m, "survivor")
	ctx := context.Background()
	_, err := crashed.Enqueue(ctx, []byte("1,example.com"))
	require.NoError(t, err)

	held, err := crashed.Lease(ctx, 10*time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, held)

	// The first worker dies without completing.
	lease, err := survivor.Lease(ctx, 10*time.Second, 0)
	require.NoError(t, err)
	require.Nil(t, lease)

	m.FastForward(9 * time.Second)
	lease, err = survivor.Lease(ctx, 10*time.Second, 0)
	require.NoError(t, err)
	require.Nil(t, lease, "item must stay invisible before the visibility timeout")

	m.FastForward(2 * time.Second)
	lease, err = survivor.Lease(ctx, 10*time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "1,example.com", string(lease.Payload))
	require.Equal(t, "survivor", lease.Session)
	owner, err := m.Get("crawl:leased_by_session:" + lease.ID)
	require.NoError(t, err)
	require.Equal(t, "survivor", owner)

	// A late completion from the original owner does not steal the item.
	removed, err := crashed.Complete(ctx, held)
	require.NoError(t, err)
	require.False(t, removed)
	depth, err := survivor.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth.Leased)

	removed, err = survivor.Complete(ctx, lease)
	require.NoError(t, err)
	require.True(t, removed)
}

func TestDuplicatePayloadsHoldSeparateLeases(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	a := newTestQueue(t, m, "a")
	b := newTestQueue(t, m, "b")
	ctx := context.Background()
	_, err := a.Enqueue(ctx, []byte("1,example.com"), []byte("1,example.com"))
	require.NoError(t, err)

	first, err := a.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	second, err := b.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	removed, err := a.Complete(ctx, first)
	require.NoError(t, err)
	require.True(t, removed)
	require.Equal(t, []string{second.ID + "|1,example.com"}, mustList(t, m, "crawl:processing"))

	removed, err = b.Complete(ctx, second)
	require.NoError(t, err)
	require.True(t, removed)

	// Nothing is left behind to be reclaimed and visited again.
	again, err := a.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.Nil(t, again)
	empty, err := a.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestRenew(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	q := newTestQueue(t, m, "a")
	other := newTestQueue(t, m, "b")
	ctx := context.Background()
	_, err := q.Enqueue(ctx, []byte("1,example.com"))
	require.NoError(t, err)

	lease, err := q.Lease(ctx, 5*time.Second, 0)
	require.NoError(t, err)

	m.FastForward(4 * time.Second)
	require.NoError(t, q.Renew(ctx, lease, 5*time.Second))
	m.FastForward(4 * time.Second)

	stolen, err := other.Lease(ctx, 5*time.Second, 0)
	require.NoError(t, err)
	require.Nil(t, stolen, "renewed lease must not be reclaimed")

	m.FastForward(2 * time.Second)
	require.ErrorIs(t, q.Renew(ctx, lease, 5*time.Second), crawler.ErrLeaseGone)
}

func TestRequeueCountsAttempts(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	q := newTestQueue(t, m, "a")
	ctx := context.Background()
	_, err := q.Enqueue(ctx, []byte("1,flaky.example"), []byte("2,other.example"))
	require.NoError(t, err)

	lease, err := q.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, 1, lease.Attempt)

	failed, err := q.Requeue(ctx, lease)
	require.NoError(t, err)
	require.Equal(t, 1, failed)
	require.Equal(t, []string{"1,flaky.example", "2,other.example"}, mustList(t, m, "crawl"))

	// The requeued item goes behind the rest of the queue.
	next, err := q.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, "2,other.example", string(next.Payload))
	_, err = q.Complete(ctx, next)
	require.NoError(t, err)

	retried, err := q.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, "1,flaky.example", string(retried.Payload))
	require.Equal(t, 2, retried.Attempt)

	removed, err := q.Complete(ctx, retried)
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, m.Exists("crawl:attempts"))

	_, err = q.Requeue(ctx, retried)
	require.ErrorIs(t, err, crawler.ErrLeaseGone)
}

func TestIsEmptyWithForeignLease(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	holder := newTestQueue(t, m, "holder")
	poller := newTestQueue(t, m, "poller")
	ctx := context.Background()
	_, err := holder.Enqueue(ctx, []byte("1,example.com"))
	require.NoError(t, err)
	_, err = holder.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)

	empty, err := poller.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)

	lease, err := poller.Lease(ctx, time.Minute, 0)
	require.NoError(t, err)
	require.Nil(t, lease)
}

func TestLeaseBlocksUntilItemArrives(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	q := newTestQueue(t, m, "a")
	producer := goredis.NewClient(&goredis.Options{Addr: m.Addr()})
	defer producer.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = producer.LPush(context.Background(), "crawl", "3,late.example").Err()
	}()

	lease, err := q.Lease(context.Background(), time.Minute, 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "3,late.example", string(lease.Payload))
}

func TestBackendFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	q := newTestQueue(t, m, "a")
	ctx := context.Background()
	m.SetError("ERR backend down")

	_, err := q.Lease(ctx, time.Minute, 0)
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
	_, err = q.IsEmpty(ctx)
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
	_, err = q.Complete(ctx, &crawler.Lease{ID: "x", Payload: []byte("1,a")})
	require.ErrorIs(t, err, crawler.ErrQueueUnavailable)
	require.ErrorIs(t, q.Ping(ctx), crawler.ErrQueueUnavailable)

	m.SetError("")
	require.NoError(t, q.Ping(ctx))
}

func TestCanceledContextIsNotUnavailable(t *testing.T) {
	t.Parallel()

	m := miniredis.RunT(t)
	q := newTestQueue(t, m, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Lease(ctx, time.Minute, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, crawler.ErrQueueUnavailable)
}

func mustList(t *testing.T, m *miniredis.Miniredis, key string) []string {
	t.Helper()
	list, err := m.List(key)
	require.NoError(t, err)
	return list
}
