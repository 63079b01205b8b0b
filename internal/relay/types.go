// Package relay re-publishes channel posts from a tenant's source channels to
// a target chat (SINGLE) or to every group the tenant's bot is in (BROADCAST).
//
// Configuration is persisted per tenant. The relay turns itself on the first
// time its configuration becomes complete; after that only ToggleActive
// changes the active flag.
package relay

import (
	"context"
	"errors"

	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/storage"
	"botfleet/internal/transport"
)

var (
	ErrNotConfigured = errors.New("relay needs a source and a target (or broadcast mode)")
	ErrInvalidMode   = errors.New("mode must be single or broadcast")
	ErrInvalidChat   = errors.New("chat id required")
	ErrNoSuchSource  = errors.New("no such source")
)

type State string

const (
	StateUnconfigured State = "UNCONFIGURED"
	StateSourceSet    State = "SOURCE_SET"
	StateTargetSet    State = "TARGET_SET"
	StateConfigured   State = "CONFIGURED"
	StateActive       State = "ACTIVE"
)

// Outcome is what OnEvent did with one channel post.
type Outcome string

const (
	Forwarded     Outcome = "forwarded"
	Inactive      Outcome = "inactive"
	UnknownSource Outcome = "unknown_source"
	Filtered      Outcome = "filtered"
	NoRecipients  Outcome = "no_recipients"
)

// Snapshot is the operator view of a tenant's relay.
type Snapshot struct {
	Config storage.ForwarderConfig
	State  State
}

type Store interface {
	ForwarderConfig(ctx context.Context, tenantID int64) (storage.ForwarderConfig, error)
	UpdateForwarderConfig(ctx context.Context, tenantID int64, fn func(*storage.ForwarderConfig) error) (storage.ForwarderConfig, error)
	KnownGroupIDs(ctx context.Context, tenantID int64) ([]int64, error)
}

type Fanout interface {
	Execute(ctx context.Context, d transport.Deliverer, p transport.Payload, recipients []int64, meta broadcast.Meta) broadcast.Result
}

// complete reports whether cfg can forward: at least one source, and a target
// or BROADCAST mode.
func complete(cfg storage.ForwarderConfig) bool {
	return len(cfg.Sources) > 0 && (cfg.Mode == storage.ModeBroadcast || cfg.TargetID != 0)
}

// StateOf derives the relay state from a stored configuration.
func StateOf(cfg storage.ForwarderConfig) State {
	switch {
	case complete(cfg) && cfg.Active:
		return StateActive
	case complete(cfg):
		return StateConfigured
	case len(cfg.Sources) > 0:
		return StateSourceSet
	case cfg.TargetID != 0 || cfg.Mode == storage.ModeBroadcast:
		return StateTargetSet
	default:
		return StateUnconfigured
	}
}
