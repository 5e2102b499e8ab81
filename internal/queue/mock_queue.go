package queue

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// MockQueue is a testify mock of Client.
type MockQueue struct {
	mock.Mock
}

var _ Client = (*MockQueue)(nil)

// SessionID is the mock implementation of SessionID.
func (m *MockQueue) SessionID() string {
	args := m.Called()
	return args.String(0)
}

// IsEmpty is the mock implementation of IsEmpty.
func (m *MockQueue) IsEmpty(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

// Lease is the mock implementation of Lease.
func (m *MockQueue) Lease(ctx context.Context, visibility, blockFor time.Duration) (*crawler.Lease, error) {
	args := m.Called(ctx, visibility, blockFor)
	lease, _ := args.Get(0).(*crawler.Lease)
	return lease, args.Error(1)
}

// Complete is the mock implementation of Complete.
func (m *MockQueue) Complete(ctx context.Context, lease *crawler.Lease) (bool, error) {
	args := m.Called(ctx, lease)
	return args.Bool(0), args.Error(1)
}

// Renew is the mock implementation of Renew.
func (m *MockQueue) Renew(ctx context.Context, lease *crawler.Lease, visibility time.Duration) error {
	args := m.Called(ctx, lease, visibility)
	return args.Error(0)
}

// Requeue is the mock implementation of Requeue.
func (m *MockQueue) Requeue(ctx context.Context, lease *crawler.Lease) (int, error) {
	args := m.Called(ctx, lease)
	return args.Int(0), args.Error(1)
}

// Enqueue is the mock implementation of Enqueue.
func (m *MockQueue) Enqueue(ctx context.Context, payloads ...[]byte) (int64, error) {
	args := m.Called(ctx, payloads)
	return args.Get(0).(int64), args.Error(1)
}

// Depth is the mock implementation of Depth.
func (m *MockQueue) Depth(ctx context.Context) (crawler.Depth, error) {
	args := m.Called(ctx)
	return args.Get(0).(crawler.Depth), args.Error(1)
}
