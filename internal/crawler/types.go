package crawler

import (
	"time"
)

// Job is one decoded queue item. Target always carries a scheme.
type Job struct {
	Rank   int    `json:"rank"`
	Target string `json:"target"`
}

// Lease is a worker's time-bounded claim on one queue item.
//
// ID is opaque to callers and only meaningful to the queue that issued it.
// Attempt counts executions of the payload, starting at 1.
type Lease struct {
	ID       string
	Payload  []byte
	Session  string
	Attempt  int
	LeasedAt time.Time
}

// Directive is the navigation request handed to an Engine.
type Directive struct {
	Rank              int
	Target            string
	Dwell             time.Duration
	HardTimeout       time.Duration
	ResetSessionFirst bool
}

// VisitResult is what an Engine reports back after a successful visit.
type VisitResult struct {
	FinalURL  string
	RecordURI string
}

// Outcome is the result of executing one job.
type Outcome struct {
	Success   bool
	Elapsed   time.Duration
	Err       error
	FinalURL  string
	RecordURI string
}

// ErrorText returns the outcome error message or an empty string.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Depth reports the number of queued and currently leased items.
type Depth struct {
	Queued int64 `json:"queued"`
	Leased int64 `json:"leased"`
}

// Disposition is the decision taken for a job once execution finished.
type Disposition string

// Disposition values.
const (
	DispositionComplete Disposition = "complete"
	DispositionRequeue  Disposition = "requeue"
)

// VisitReport summarises one processed lease for history and notifications.
type VisitReport struct {
	SessionID   string        `json:"session_id"`
	Worker      int           `json:"worker"`
	Rank        int           `json:"rank"`
	Target      string        `json:"target"`
	Attempt     int           `json:"attempt"`
	Success     bool          `json:"success"`
	Elapsed     time.Duration `json:"-"`
	ElapsedMs   int64         `json:"elapsed_ms"`
	Error       string        `json:"error,omitempty"`
	RecordURI   string        `json:"record_uri,omitempty"`
	Disposition Disposition   `json:"disposition"`
	FinishedAt  time.Time     `json:"finished_at"`
}
