package crawler

import (
	"context"
	"io"
	"time"
)

// WorkQueue is the lease-based multi-consumer job queue.
type WorkQueue interface {
	// SessionID identifies this worker process for the lifetime of the client.
	SessionID() string
	// IsEmpty is a best-effort hint: nothing queued and nothing leased.
	IsEmpty(ctx context.Context) (bool, error)
	// Lease claims one item, waiting up to blockFor. A nil lease with a nil
	// error means nothing became available.
	Lease(ctx context.Context, visibility, blockFor time.Duration) (*Lease, error)
	// Complete removes the leased item. It reports false when the lease was
	// already gone; that is not an error.
	Complete(ctx context.Context, lease *Lease) (bool, error)
	// Renew extends a held lease, returning ErrLeaseGone if it lapsed.
	Renew(ctx context.Context, lease *Lease, visibility time.Duration) error
	// Requeue hands the item back to the queue immediately and returns the
	// number of failed attempts recorded for it.
	Requeue(ctx context.Context, lease *Lease) (int, error)
}

// Engine is the browser automation service a job is executed against.
type Engine interface {
	Visit(ctx context.Context, directive Directive) (VisitResult, error)
	Close(ctx context.Context) error
}

// ErrorReporter forwards fleet-level events to an external service.
type ErrorReporter interface {
	CaptureMessage(message string)
	CaptureError(err error)
	Flush(timeout time.Duration) bool
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// HistoryStore persists one row per processed visit.
type HistoryStore interface {
	RecordVisit(ctx context.Context, report VisitReport) error
}

// Hasher computes digests for captured content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and bounded waits (useful for testing).
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// IDGenerator produces session and lease IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
