package headless

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// Noop is an engine for dry runs: it dwells for the requested time and
// reports success without loading anything.
type Noop struct {
	clock  crawler.Clock
	mu     sync.Mutex
	closed bool
}

var _ crawler.Engine = (*Noop)(nil)

// NewNoop creates a Noop engine.
func NewNoop(clock crawler.Clock) *Noop {
	return &Noop{clock: clock}
}

// Visit waits out the dwell time.
func (n *Noop) Visit(ctx context.Context, d crawler.Directive) (crawler.VisitResult, error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return crawler.VisitResult{}, crawler.ErrEngineClosed
	}
	if d.Dwell > 0 {
		select {
		case <-ctx.Done():
			return crawler.VisitResult{}, fmt.Errorf("dwell interrupted: %w", ctx.Err())
		case <-n.clock.After(d.Dwell):
		}
	}
	return crawler.VisitResult{FinalURL: d.Target}, nil
}

// Close marks the engine closed.
func (n *Noop) Close(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}
