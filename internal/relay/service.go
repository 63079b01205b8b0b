package relay

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"botfleet/internal/eventbus"
	"botfleet/internal/notifier/broadcast"
	"botfleet/internal/storage"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

type Service struct {
	store  Store
	fanout Fanout
	log    logx.Logger
	bus    eventbus.Bus
}

func New(store Store, fanout Fanout, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, fanout: fanout, log: log.With(logx.String("comp", "relay")), bus: bus}
}

func (s *Service) Status(ctx context.Context, tenantID int64) (Snapshot, error) {
	cfg, err := s.store.ForwarderConfig(ctx, tenantID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Config: cfg, State: StateOf(cfg)}, nil
}

// AddSource upserts a source channel by chat id.
func (s *Service) AddSource(ctx context.Context, tenantID, chatID int64, name string) (Snapshot, error) {
	if chatID == 0 {
		return Snapshot{}, ErrInvalidChat
	}
	name = strings.TrimSpace(name)
	return s.edit(ctx, tenantID, func(cfg *storage.ForwarderConfig) error {
		for i := range cfg.Sources {
			if cfg.Sources[i].ChatID == chatID {
				if name != "" {
					cfg.Sources[i].Name = name
				}
				return nil
			}
		}
		cfg.Sources = append(cfg.Sources, storage.Source{ChatID: chatID, Name: name})
		return nil
	})
}

func (s *Service) RemoveSource(ctx context.Context, tenantID, chatID int64) (Snapshot, error) {
	return s.edit(ctx, tenantID, func(cfg *storage.ForwarderConfig) error {
		n := len(cfg.Sources)
		cfg.Sources = slices.DeleteFunc(cfg.Sources, func(src storage.Source) bool { return src.ChatID == chatID })
		if len(cfg.Sources) == n {
			return fmt.Errorf("%w: %d", ErrNoSuchSource, chatID)
		}
		return nil
	})
}

// SetTarget stores the SINGLE-mode recipient. The mode itself is unchanged.
func (s *Service) SetTarget(ctx context.Context, tenantID, chatID int64, name string) (Snapshot, error) {
	if chatID == 0 {
		return Snapshot{}, ErrInvalidChat
	}
	return s.edit(ctx, tenantID, func(cfg *storage.ForwarderConfig) error {
		cfg.TargetID = chatID
		cfg.TargetName = strings.TrimSpace(name)
		return nil
	})
}

// SetMode switches between SINGLE and BROADCAST; neither the stored target
// nor the sources are touched.
func (s *Service) SetMode(ctx context.Context, tenantID int64, raw string) (Snapshot, error) {
	mode := storage.ForwardMode(strings.ToUpper(strings.TrimSpace(raw)))
	if mode != storage.ModeSingle && mode != storage.ModeBroadcast {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
	return s.edit(ctx, tenantID, func(cfg *storage.ForwarderConfig) error {
		cfg.Mode = mode
		return nil
	})
}

// SetFilter stores a comma-separated keyword list. "" or "off" clears it.
func (s *Service) SetFilter(ctx context.Context, tenantID int64, raw string) (Snapshot, error) {
	filter := strings.Join(Keywords(raw), ",")
	if strings.EqualFold(strings.TrimSpace(raw), "off") {
		filter = ""
	}
	return s.edit(ctx, tenantID, func(cfg *storage.ForwarderConfig) error {
		cfg.Filter = filter
		return nil
	})
}

// ToggleActive flips the active flag. Turning on an incomplete relay is
// refused with ErrNotConfigured; turning off is always allowed.
func (s *Service) ToggleActive(ctx context.Context, tenantID int64) (Snapshot, error) {
	cfg, err := s.store.UpdateForwarderConfig(ctx, tenantID, func(cfg *storage.ForwarderConfig) error {
		if !cfg.Active && !complete(*cfg) {
			return ErrNotConfigured
		}
		cfg.Active = !cfg.Active
		if cfg.Active {
			cfg.ActivatedOnce = true
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	s.log.Info("relay toggled", logx.Int64("tenant", tenantID), logx.Bool("active", cfg.Active))
	return Snapshot{Config: cfg, State: StateOf(cfg)}, nil
}

// edit applies fn and auto-activates the relay the first time it becomes complete.
func (s *Service) edit(ctx context.Context, tenantID int64, fn func(*storage.ForwarderConfig) error) (Snapshot, error) {
	activated := false
	cfg, err := s.store.UpdateForwarderConfig(ctx, tenantID, func(cfg *storage.ForwarderConfig) error {
		if err := fn(cfg); err != nil {
			return err
		}
		if complete(*cfg) && !cfg.ActivatedOnce {
			cfg.Active = true
			cfg.ActivatedOnce = true
			activated = true
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	if activated {
		s.log.Info("relay auto-activated", logx.Int64("tenant", tenantID), logx.Int("sources", len(cfg.Sources)), logx.String("mode", string(cfg.Mode)))
	}
	return Snapshot{Config: cfg, State: StateOf(cfg)}, nil
}

// OnEvent relays one channel post from originChatID. Delivery goes through d,
// the tenant's own bot. Storage errors are logged and reported as Inactive.
func (s *Service) OnEvent(ctx context.Context, tenantID int64, d transport.Deliverer, originChatID int64, msg *transport.Message) (Outcome, broadcast.Result) {
	out, res := s.onEvent(ctx, tenantID, d, originChatID, msg)
	eventbus.Emit(s.bus, eventbus.RelayOutcome, eventbus.Outcome{TenantID: tenantID, Kind: "channel_post", Result: string(out)})
	return out, res
}

func (s *Service) onEvent(ctx context.Context, tenantID int64, d transport.Deliverer, originChatID int64, msg *transport.Message) (Outcome, broadcast.Result) {
	log := s.log.With(logx.Int64("tenant", tenantID), logx.Int64("origin", originChatID))

	cfg, err := s.store.ForwarderConfig(ctx, tenantID)
	if err != nil {
		log.Error("load relay config failed", logx.Err(err))
		return Inactive, broadcast.Result{}
	}
	if !cfg.Active {
		return Inactive, broadcast.Result{}
	}
	if !cfg.HasSource(originChatID) {
		log.Debug("post from unknown source ignored")
		return UnknownSource, broadcast.Result{}
	}
	if msg == nil || !Match(cfg.Filter, msg.Text+"\n"+msg.Caption) {
		return Filtered, broadcast.Result{}
	}

	var recipients []int64
	switch cfg.Mode {
	case storage.ModeBroadcast:
		recipients, err = s.store.KnownGroupIDs(ctx, tenantID)
		if err != nil {
			log.Error("resolve known groups failed", logx.Err(err))
			return NoRecipients, broadcast.Result{}
		}
	default:
		if cfg.TargetID != 0 {
			recipients = []int64{cfg.TargetID}
		}
	}
	if len(recipients) == 0 {
		log.Info("relay has no recipients", logx.String("mode", string(cfg.Mode)))
		return NoRecipients, broadcast.Result{}
	}

	res := s.fanout.Execute(ctx, d, transport.PayloadOf(msg), recipients, broadcast.Meta{TenantID: tenantID, Origin: broadcast.OriginRelay})
	return Forwarded, res
}
