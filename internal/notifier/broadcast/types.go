// Package broadcast is the fan-out executor: it delivers one payload to a
// list of recipients through one tenant credential and reports the counts.
package broadcast

import (
	"context"
	"time"

	"botfleet/internal/storage"
)

type Config struct {
	RatePerSec  int
	Burst       int
	SendTimeout time.Duration
}

// Origin names the component that asked for a pass.
const (
	OriginScheduler = "scheduler"
	OriginRelay     = "relay"
)

// Meta labels a pass for logs, events and the audit trail.
type Meta struct {
	TenantID int64
	JobID    int64
	Origin   string
}

// Result is the outcome of one pass. Sent+Failed always equals the number
// of recipients handed to Execute.
type Result struct {
	RunID    string
	Sent     int
	Failed   int
	Failures []int64 // first maxFailures failed recipients
	Took     time.Duration
}

// RunRecorder persists the audit record of a pass.
type RunRecorder interface {
	AppendRun(ctx context.Context, r storage.BroadcastRun) error
}

const (
	maxFailures = 200
	maxRecent   = 100
)
