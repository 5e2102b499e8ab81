package progress

import (
	"context"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// Sink consumes batches of visit reports. Implementations must honor ctx
// deadlines; a failed batch is not retried.
type Sink interface {
	// Name labels the sink in logs and metrics.
	Name() string
	Consume(ctx context.Context, batch []crawler.VisitReport) error
	Close(ctx context.Context) error
}
