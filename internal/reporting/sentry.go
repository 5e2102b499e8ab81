// Package reporting forwards worker lifecycle events and fatal errors to an
// external error tracker.
package reporting

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/JakeFAU/crawl-worker/internal/crawler"
)

// Config configures the Sentry reporter.
type Config struct {
	DSN         string
	Environment string
	Release     string
	SessionID   string
	// Transport replaces the HTTP transport; used by tests.
	Transport sentry.Transport
}

// Sentry reports through a dedicated hub so the global hub stays untouched.
type Sentry struct {
	hub *sentry.Hub
}

var _ crawler.ErrorReporter = (*Sentry)(nil)

// NewSentry builds a client and hub tagged with the session ID.
func NewSentry(cfg Config) (*Sentry, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		Transport:   cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create sentry client: %w", err)
	}
	scope := sentry.NewScope()
	if cfg.SessionID != "" {
		scope.SetTag("session_id", cfg.SessionID)
	}
	return &Sentry{hub: sentry.NewHub(client, scope)}, nil
}

// CaptureMessage sends an informational event.
func (s *Sentry) CaptureMessage(message string) {
	s.hub.CaptureMessage(message)
}

// CaptureError sends err as an exception event; nil is ignored.
func (s *Sentry) CaptureError(err error) {
	if err == nil {
		return
	}
	s.hub.CaptureException(err)
}

// Flush waits up to timeout for queued events to be delivered.
func (s *Sentry) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
