// Package tenant hosts the per-bot runtimes of the fleet.
//
// The Registry owns one runtime per tenant credential. Every inbound update,
// polled or received by webhook, goes through Registry.Dispatch onto the
// tenant's bounded mailbox; a single goroutine per tenant drains it, so a
// tenant sees its updates in arrival order and a slow tenant never blocks
// another.
package tenant

import (
	"context"
	"errors"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/eventbus"
	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/relay"
	"botfleet/internal/storage"
	"botfleet/internal/transport"
)

var (
	ErrSpawnFailed  = errors.New("tenant: spawn failed")
	ErrNotRunning   = errors.New("tenant: not running")
	ErrUnknownToken = errors.New("tenant: unknown token")
	ErrMailboxFull  = errors.New("tenant: mailbox full")
)

type Config struct {
	MailboxSize    int
	ReplyCacheSize int
	HandlerTimeout time.Duration

	// Webhook mode registers PublicURL+"/webhook/<token>" instead of polling.
	Webhook       bool
	PublicURL     string
	WebhookSecret string
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.ReplyCacheSize <= 0 {
		c.ReplyCacheSize = 1024
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 30 * time.Second
	}
	return c
}

// Client is one tenant's connection to the chat platform.
type Client interface {
	transport.Deliverer
	Username() string
	Poll(ctx context.Context, sink func(tele.Update)) error
	SetWebhook(publicURL, secret string) error
}

// Factory builds the client for a credential. It is expected to verify the
// credential with the platform.
type Factory func(token string) (Client, error)

type Store interface {
	ListTenants(ctx context.Context, activeOnly bool) ([]storage.Tenant, error)
	SetTenantUsername(ctx context.Context, id int64, username string) error

	AddUser(ctx context.Context, tenantID, userID int64) (bool, error)
	CountUsers(ctx context.Context, tenantID int64) (int, error)
	UpsertKnownGroup(ctx context.Context, g storage.KnownGroup) error
	DeactivateKnownGroup(ctx context.Context, tenantID, chatID int64) error
	KnownGroups(ctx context.Context, tenantID int64) ([]storage.KnownGroup, error)

	CreateOnce(ctx context.Context, tenantID int64, aud storage.Audience, p transport.Payload, fireAt time.Time) (storage.BroadcastJob, error)
	CreateRecurring(ctx context.Context, tenantID int64, aud storage.Audience, p transport.Payload, iv storage.Interval) (storage.BroadcastJob, error)
	DeleteJob(ctx context.Context, tenantID, id int64) (bool, error)
	OpenJobs(ctx context.Context, tenantID int64) ([]storage.BroadcastJob, error)
}

type Scheduler interface {
	ScheduleOnce(job storage.BroadcastJob) error
	ScheduleRecurring(job storage.BroadcastJob) error
	Cancel(jobID int64) bool
	ResumeTenant(ctx context.Context, tenantID int64) (int, error)
	Location() *time.Location
}

type Relay interface {
	Status(ctx context.Context, tenantID int64) (relay.Snapshot, error)
	AddSource(ctx context.Context, tenantID, chatID int64, name string) (relay.Snapshot, error)
	RemoveSource(ctx context.Context, tenantID, chatID int64) (relay.Snapshot, error)
	SetTarget(ctx context.Context, tenantID, chatID int64, name string) (relay.Snapshot, error)
	SetMode(ctx context.Context, tenantID int64, raw string) (relay.Snapshot, error)
	SetFilter(ctx context.Context, tenantID int64, raw string) (relay.Snapshot, error)
	ToggleActive(ctx context.Context, tenantID int64) (relay.Snapshot, error)
	OnEvent(ctx context.Context, tenantID int64, d transport.Deliverer, originChatID int64, msg *transport.Message) (relay.Outcome, broadcast.Result)
}

type Deps struct {
	Store     Store
	Scheduler Scheduler
	Relay     Relay
	Bus       eventbus.Bus
}

// SyncReport summarizes one Registry.Sync pass.
type SyncReport struct {
	Spawned   int
	Refreshed int
	Stopped   int
	Failed    int
	Suspended int
}
