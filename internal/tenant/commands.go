package tenant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"botfleet/internal/relay"
	"botfleet/internal/storage"
	"botfleet/internal/task/scheduler"
	"botfleet/internal/transport"
	"botfleet/pkg/tgui"
)

type access int

const (
	accessEveryone access = iota
	accessOwnerOnly
)

type command struct {
	Name        string
	Usage       string
	Description string
	Access      access
	Handle      func(ctx context.Context, req *request) error
}

type request struct {
	Msg    *transport.Message
	Chat   transport.ChatTarget
	Args   string
	Tenant storage.Tenant
	Owner  bool
}

func (rt *Runtime) buildCommands() map[string]*command {
	cmds := []*command{
		{Name: "start", Usage: "/start", Description: "greeting", Access: accessEveryone, Handle: rt.cmdStart},
		{Name: "help", Usage: "/help", Description: "list commands", Handle: rt.cmdHelp},
		{Name: "broadcast", Usage: "/broadcast", Description: "schedule a broadcast", Handle: rt.cmdBroadcast},
		{Name: "cancel", Usage: "/cancel", Description: "abort the current dialogue", Handle: rt.cmdCancel},
		{Name: "jobs", Usage: "/jobs [page]", Description: "list open jobs", Handle: rt.cmdJobs},
		{Name: "stopjob", Usage: "/stopjob <id>", Description: "delete a job", Handle: rt.cmdStopJob},
		{Name: "reply", Usage: "/reply <user_id> <text>", Description: "message a user", Handle: rt.cmdReply},
		{Name: "stats", Usage: "/stats", Description: "audience and relay summary", Handle: rt.cmdStats},
		{Name: "fwd", Usage: "/fwd", Description: "relay status", Handle: rt.cmdFwd},
		{Name: "fwd_add", Usage: "/fwd_add <chat_id> [name]", Description: "add a source channel", Handle: rt.cmdFwdAdd},
		{Name: "fwd_remove", Usage: "/fwd_remove <chat_id>", Description: "remove a source channel", Handle: rt.cmdFwdRemove},
		{Name: "fwd_target", Usage: "/fwd_target <chat_id> [name]", Description: "set the target chat", Handle: rt.cmdFwdTarget},
		{Name: "fwd_mode", Usage: "/fwd_mode single|broadcast", Description: "set relay mode", Handle: rt.cmdFwdMode},
		{Name: "fwd_filter", Usage: "/fwd_filter <kw,kw>|off", Description: "set keyword filter", Handle: rt.cmdFwdFilter},
		{Name: "fwd_toggle", Usage: "/fwd_toggle", Description: "turn the relay on or off", Handle: rt.cmdFwdToggle},
	}
	out := make(map[string]*command, len(cmds))
	for _, c := range cmds {
		if c.Name != "start" {
			c.Access = accessOwnerOnly
		}
		out[c.Name] = c
	}
	return out
}

// runCommand executes a command. handled is false when the sender may not use
// it, so the message falls through to regular handling.
func (rt *Runtime) runCommand(ctx context.Context, m *transport.Message, name, args string, isOwner bool) (handled bool, err error) {
	c := rt.commands[name]
	if c == nil {
		if !isOwner {
			return false, nil
		}
		return true, rt.reply(ctx, transport.ChatTarget{ChatID: m.ChatID}, "❓ Unknown command. Send /help.")
	}
	if c.Access == accessOwnerOnly && !isOwner {
		return false, nil
	}
	req := &request{
		Msg:    m,
		Chat:   transport.ChatTarget{ChatID: m.ChatID},
		Args:   args,
		Tenant: rt.Tenant(),
		Owner:  isOwner,
	}
	return true, c.Handle(ctx, req)
}

func (rt *Runtime) send(ctx context.Context, req *request, b *tgui.Builder) error {
	_, err := b.Build().Send(ctx, rt.client, req.Chat)
	return err
}

func (rt *Runtime) cmdStart(ctx context.Context, req *request) error {
	if req.Owner {
		return rt.send(ctx, req, tgui.New().
			Title("👋", "Owner panel").
			Line("Send /help for the list of commands."))
	}
	name := req.Msg.FromName
	if name == "" {
		name = "there"
	}
	return rt.send(ctx, req, tgui.New().ParseMode("").
		Title("👋", "Hi "+name+"!").
		Line("Send your message here and the admin will reply."))
}

func (rt *Runtime) cmdHelp(ctx context.Context, req *request) error {
	names := make([]string, 0, len(rt.commands))
	for n := range rt.commands {
		names = append(names, n)
	}
	slices.Sort(names)

	b := tgui.New().Title("📚", "Commands")
	for _, n := range names {
		c := rt.commands[n]
		b.RawLine(tgui.JoinH(" — ", tgui.Code(c.Usage), tgui.Esc(c.Description)))
	}
	return rt.send(ctx, req, b)
}

func (rt *Runtime) cmdBroadcast(ctx context.Context, req *request) error {
	rt.conv.set(req.Msg.FromID, awaitContent{})
	return rt.reply(ctx, req.Chat, promptContent)
}

func (rt *Runtime) cmdCancel(ctx context.Context, req *request) error {
	if rt.conv.reset(req.Msg.FromID) {
		return rt.reply(ctx, req.Chat, "❌ Cancelled.")
	}
	return rt.reply(ctx, req.Chat, "Nothing to cancel.")
}

const jobsPageSize = 10

func (rt *Runtime) cmdJobs(ctx context.Context, req *request) error {
	if rt.deps.Store == nil {
		return errors.New("no store")
	}
	jobs, err := rt.deps.Store.OpenJobs(ctx, req.Tenant.ID)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return rt.reply(ctx, req.Chat, "📭 No open jobs.")
	}
	page := 0
	if n, err := strconv.Atoi(strings.TrimSpace(req.Args)); err == nil && n > 0 {
		page = n - 1
	}
	pg := tgui.Paginate(jobs, page, jobsPageSize)

	loc := time.Local
	if rt.deps.Scheduler != nil {
		loc = rt.deps.Scheduler.Location()
	}
	b := tgui.New().Title("🗓", "Open jobs")
	for _, j := range pg.Items {
		b.RawLine(tgui.JoinH(" ", tgui.B(fmt.Sprintf("#%d", j.ID)), tgui.Esc(describeJob(j, loc))))
		if preview := strings.TrimSpace(j.Payload.Text); preview != "" {
			b.RawLine(tgui.JoinH(" ", "   ", tgui.I(tgui.TruncRunes(preview, 60))))
		}
	}
	b.Blank().Line(pg.Label())
	if pg.HasNext {
		b.Line(fmt.Sprintf("Next: /jobs %d", pg.Index+2))
	}
	return rt.send(ctx, req, b)
}

func describeJob(j storage.BroadcastJob, loc *time.Location) string {
	media := string(j.Payload.Media.Kind)
	if j.Kind == storage.JobRecurring {
		return fmt.Sprintf("%s → %s (%s)", scheduler.DescribeInterval(j.Interval), j.Audience, media)
	}
	return fmt.Sprintf("at %s → %s (%s)", j.FireAt.In(loc).Format("2006-01-02 15:04"), j.Audience, media)
}

func (rt *Runtime) cmdStopJob(ctx context.Context, req *request) error {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(req.Args), "#"), 10, 64)
	if err != nil || id <= 0 {
		return rt.reply(ctx, req.Chat, "Usage: /stopjob <id>")
	}
	ok, err := rt.deps.Store.DeleteJob(ctx, req.Tenant.ID, id)
	if err != nil {
		return err
	}
	if !ok {
		return rt.reply(ctx, req.Chat, fmt.Sprintf("No job #%d.", id))
	}
	if rt.deps.Scheduler != nil {
		rt.deps.Scheduler.Cancel(id)
	}
	return rt.reply(ctx, req.Chat, fmt.Sprintf("🗑 Job #%d deleted.", id))
}

func (rt *Runtime) cmdReply(ctx context.Context, req *request) error {
	head, text, _ := strings.Cut(strings.TrimSpace(req.Args), " ")
	userID, err := strconv.ParseInt(head, 10, 64)
	text = strings.TrimSpace(text)
	if err != nil || userID == 0 || text == "" {
		return rt.reply(ctx, req.Chat, "Usage: /reply <user_id> <text>")
	}
	if _, err := rt.client.SendText(ctx, transport.ChatTarget{ChatID: userID}, "💬 "+text, nil); err != nil {
		return rt.reply(ctx, req.Chat, "❌ Could not deliver: "+err.Error())
	}
	return rt.reply(ctx, req.Chat, "✅ Sent.")
}

func (rt *Runtime) cmdStats(ctx context.Context, req *request) error {
	users, err := rt.deps.Store.CountUsers(ctx, req.Tenant.ID)
	if err != nil {
		return err
	}
	groups, err := rt.deps.Store.KnownGroups(ctx, req.Tenant.ID)
	if err != nil {
		return err
	}
	jobs, err := rt.deps.Store.OpenJobs(ctx, req.Tenant.ID)
	if err != nil {
		return err
	}

	b := tgui.New().Title("📊", "Stats").
		KV("Users", strconv.Itoa(users)).
		KV("Groups", strconv.Itoa(len(groups))).
		KV("Open jobs", strconv.Itoa(len(jobs)))
	if rt.deps.Relay != nil {
		if snap, err := rt.deps.Relay.Status(ctx, req.Tenant.ID); err == nil {
			b.KV("Relay", string(snap.State))
		}
	}
	if !req.Tenant.SubscriptionEnd.IsZero() {
		b.KV("Subscription ends", req.Tenant.SubscriptionEnd.Format("2006-01-02"))
	}
	return rt.send(ctx, req, b)
}

func (rt *Runtime) cmdFwd(ctx context.Context, req *request) error {
	snap, err := rt.deps.Relay.Status(ctx, req.Tenant.ID)
	if err != nil {
		return err
	}
	return rt.sendRelay(ctx, req, snap)
}

// parseChatArgs reads "<chat_id> [name]".
func parseChatArgs(args string) (int64, string, bool) {
	head, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil || id == 0 {
		return 0, "", false
	}
	return id, strings.TrimSpace(rest), true
}

func (rt *Runtime) cmdFwdAdd(ctx context.Context, req *request) error {
	id, name, ok := parseChatArgs(req.Args)
	if !ok {
		return rt.reply(ctx, req.Chat, "Usage: /fwd_add <chat_id> [name]")
	}
	return rt.relayEdit(ctx, req, func() (relay.Snapshot, error) {
		return rt.deps.Relay.AddSource(ctx, req.Tenant.ID, id, name)
	})
}

func (rt *Runtime) cmdFwdRemove(ctx context.Context, req *request) error {
	id, _, ok := parseChatArgs(req.Args)
	if !ok {
		return rt.reply(ctx, req.Chat, "Usage: /fwd_remove <chat_id>")
	}
	return rt.relayEdit(ctx, req, func() (relay.Snapshot, error) {
		return rt.deps.Relay.RemoveSource(ctx, req.Tenant.ID, id)
	})
}

func (rt *Runtime) cmdFwdTarget(ctx context.Context, req *request) error {
	id, name, ok := parseChatArgs(req.Args)
	if !ok {
		return rt.reply(ctx, req.Chat, "Usage: /fwd_target <chat_id> [name]")
	}
	return rt.relayEdit(ctx, req, func() (relay.Snapshot, error) {
		return rt.deps.Relay.SetTarget(ctx, req.Tenant.ID, id, name)
	})
}

func (rt *Runtime) cmdFwdMode(ctx context.Context, req *request) error {
	return rt.relayEdit(ctx, req, func() (relay.Snapshot, error) {
		return rt.deps.Relay.SetMode(ctx, req.Tenant.ID, req.Args)
	})
}

func (rt *Runtime) cmdFwdFilter(ctx context.Context, req *request) error {
	if strings.TrimSpace(req.Args) == "" {
		return rt.reply(ctx, req.Chat, "Usage: /fwd_filter <kw,kw>|off")
	}
	return rt.relayEdit(ctx, req, func() (relay.Snapshot, error) {
		return rt.deps.Relay.SetFilter(ctx, req.Tenant.ID, req.Args)
	})
}

func (rt *Runtime) cmdFwdToggle(ctx context.Context, req *request) error {
	return rt.relayEdit(ctx, req, func() (relay.Snapshot, error) {
		return rt.deps.Relay.ToggleActive(ctx, req.Tenant.ID)
	})
}

// relayEdit runs one relay mutation and answers with the new status. User
// errors are answered, not returned.
func (rt *Runtime) relayEdit(ctx context.Context, req *request, fn func() (relay.Snapshot, error)) error {
	if rt.deps.Relay == nil {
		return errors.New("relay unavailable")
	}
	snap, err := fn()
	switch {
	case errors.Is(err, relay.ErrNotConfigured),
		errors.Is(err, relay.ErrInvalidMode),
		errors.Is(err, relay.ErrInvalidChat),
		errors.Is(err, relay.ErrNoSuchSource):
		return rt.reply(ctx, req.Chat, "⚠️ "+err.Error())
	case err != nil:
		return err
	}
	return rt.sendRelay(ctx, req, snap)
}

func (rt *Runtime) sendRelay(ctx context.Context, req *request, snap relay.Snapshot) error {
	cfg := snap.Config
	b := tgui.New().Title("🔁", "Relay").
		KV("State", string(snap.State)).
		KV("Mode", string(cfg.Mode))

	if cfg.Mode != storage.ModeBroadcast {
		target := "not set"
		if cfg.TargetID != 0 {
			target = strconv.FormatInt(cfg.TargetID, 10)
			if cfg.TargetName != "" {
				target = cfg.TargetName + " (" + target + ")"
			}
		}
		b.KV("Target", target)
	}
	filter := cfg.Filter
	if filter == "" {
		filter = "off"
	}
	b.KV("Filter", filter)

	if len(cfg.Sources) == 0 {
		b.KV("Sources", "none")
	} else {
		b.KV("Sources", strconv.Itoa(len(cfg.Sources)))
		for _, s := range cfg.Sources {
			label := strconv.FormatInt(s.ChatID, 10)
			if s.Name != "" {
				label = s.Name + " (" + label + ")"
			}
			b.Line("   " + label)
		}
	}
	return rt.send(ctx, req, b)
}
