package notifier

import (
	"time"

	"botfleet/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notification is one short message for a tenant owner (or an operator chat),
// sent through that tenant's own bot.
type Notification struct {
	TenantID int64
	ChatID   int64
	Text     string
	// Priority >= 7 gets a warning prefix, >= 9 an alert prefix.
	Priority int
	Options  *transport.SendOptions
}

// Lookup resolves the deliverer of a running tenant.
type Lookup func(tenantID int64) (transport.Deliverer, bool)

type HistoryItem struct {
	At       time.Time
	TenantID int64
	Text     string
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	TenantID int64     `json:"tenant_id"`
	ChatID   int64     `json:"chat_id"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
