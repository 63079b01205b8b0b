package eventbus

// Event types published by botfleet components.
const (
	TenantSpawned     = "tenant.spawned"
	TenantStopped     = "tenant.stopped"
	TenantSpawnFailed = "tenant.spawn_failed"

	DispatchAccepted = "dispatch.accepted"
	DispatchUnknown  = "dispatch.unknown_token"
	DispatchDropped  = "dispatch.mailbox_full"

	BroadcastFinished = "broadcast.finished"

	SchedulerFired   = "scheduler.fired"
	SchedulerSkipped = "scheduler.skipped"
	SchedulerMissed  = "scheduler.missed"

	RelayOutcome = "relay.outcome"

	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDeduped = "notifier.deduped"
)

// BroadcastResult is the Data of a BroadcastFinished event.
type BroadcastResult struct {
	RunID    string
	TenantID int64
	Origin   string // "scheduler" or "relay"
	Sent     int
	Failed   int
}

// Outcome is the Data of events that carry a single labelled result.
type Outcome struct {
	TenantID int64
	Kind     string
	Result   string
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
