// Package queue defines the operator-facing side of the lease queue. The
// backends live in the redis and memory subpackages.
package queue

import (
	"context"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// Admin seeds and inspects a queue without holding leases.
type Admin interface {
	// Enqueue appends raw payloads so they are leased in the given order.
	Enqueue(ctx context.Context, payloads ...[]byte) (int64, error)
	// Depth returns queued and leased item counts.
	Depth(ctx context.Context) (crawler.Depth, error)
}

// Client is a full queue backend: a worker session plus admin access.
type Client interface {
	crawler.WorkQueue
	Admin
}
