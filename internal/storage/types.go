package storage

import (
	"errors"
	"time"

	"botfleet/internal/transport"
)

var (
	ErrNotFound  = errors.New("storage: not found")
	ErrDuplicate = errors.New("storage: duplicate")
)

// Config configures the SQLite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means sqlite default
}

type Tenant struct {
	ID              int64
	Token           string
	OwnerID         int64
	Username        string
	Active          bool
	SubscriptionEnd time.Time // zero: no expiry
	CreatedAt       time.Time
}

// Expired reports whether the subscription ended before now.
func (t Tenant) Expired(now time.Time) bool {
	return !t.SubscriptionEnd.IsZero() && now.After(t.SubscriptionEnd)
}

type JobKind string

const (
	JobOnce      JobKind = "once"
	JobRecurring JobKind = "recurring"
)

type JobStatus string

const (
	StatusPending JobStatus = "PENDING"
	StatusSent    JobStatus = "SENT"
	StatusMissed  JobStatus = "MISSED"
)

// Audience selects whom a broadcast is delivered to at fire time.
type Audience string

const (
	AudienceUsers  Audience = "users"
	AudienceGroups Audience = "groups"
)

type IntervalUnit string

const (
	EveryMinutes IntervalUnit = "minutes"
	EveryHours   IntervalUnit = "hours"
	Daily        IntervalUnit = "daily"
)

// Interval describes a recurring cadence: every N minutes, every N hours,
// or daily at Hour.
type Interval struct {
	Unit  IntervalUnit
	Every int
	Hour  int
}

type BroadcastJob struct {
	ID          int64
	TenantID    int64
	Kind        JobKind
	Audience    Audience
	Payload     transport.Payload
	FireAt      time.Time // once only
	Interval    Interval  // recurring only
	Status      JobStatus // once only
	Active      bool      // recurring only
	CreatedAt   time.Time
	LastFiredAt time.Time
}

// BroadcastRun is the audit record of one fan-out pass.
type BroadcastRun struct {
	RunID    string
	TenantID int64
	JobID    int64 // 0 for relay passes
	Origin   string
	Sent     int
	Failed   int
	Took     time.Duration
	At       time.Time
}

type ForwardMode string

const (
	ModeSingle    ForwardMode = "SINGLE"
	ModeBroadcast ForwardMode = "BROADCAST"
)

type Source struct {
	ChatID int64
	Name   string
}

type ForwarderConfig struct {
	TenantID      int64
	Sources       []Source
	TargetID      int64
	TargetName    string
	Mode          ForwardMode
	Filter        string
	Active        bool
	ActivatedOnce bool
}

// HasSource reports whether chatID is in the source set.
func (c ForwarderConfig) HasSource(chatID int64) bool {
	for _, s := range c.Sources {
		if s.ChatID == chatID {
			return true
		}
	}
	return false
}

type KnownGroup struct {
	TenantID int64
	ChatID   int64
	Title    string
	Active   bool
	SeenAt   time.Time
}
