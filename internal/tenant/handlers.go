package tenant

import (
	"context"
	"fmt"
	"strconv"

	"botfleet/internal/relay"
	"botfleet/internal/storage"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
	"botfleet/pkg/tgui"
)

const suspendedText = "⚠️ Service suspended. Please contact the owner."

func (rt *Runtime) onPrivate(ctx context.Context, ev transport.Event) error {
	m := ev.Message
	t := rt.Tenant()
	chat := transport.ChatTarget{ChatID: m.ChatID}

	if t.Expired(rt.now()) {
		return rt.reply(ctx, chat, suspendedText)
	}

	isOwner := m.FromID != 0 && m.FromID == t.OwnerID
	if !isOwner && rt.deps.Store != nil {
		if _, err := rt.deps.Store.AddUser(ctx, t.ID, m.FromID); err != nil {
			rt.log.Warn("record user failed", logx.Int64("user", m.FromID), logx.Err(err))
		}
	}

	if name, args, ok := m.Command(); ok {
		if handled, err := rt.runCommand(ctx, m, name, args, isOwner); handled {
			return err
		}
	}
	if !isOwner {
		return rt.forwardToOwner(ctx, m)
	}

	if handled, err := rt.step(ctx, m); handled {
		return err
	}
	if m.ReplyToID != 0 {
		if userID, ok := rt.replies.Lookup(m.ReplyToID); ok {
			return rt.replyToUser(ctx, m, userID)
		}
	}
	return rt.reply(ctx, chat, "Send /help for the list of commands.")
}

// forwardToOwner relays an end-user message to the owner's inbox. Both the
// header and the copy are remembered so a reply to either reaches the user.
func (rt *Runtime) forwardToOwner(ctx context.Context, m *transport.Message) error {
	t := rt.Tenant()
	if t.OwnerID == 0 {
		return nil
	}
	owner := transport.ChatTarget{ChatID: t.OwnerID}

	name := m.FromName
	if name == "" {
		name = m.FromUsername
	}
	if name == "" {
		name = strconv.FormatInt(m.FromID, 10)
	}
	header := tgui.New().
		RawLine(tgui.JoinH(" ", "📩", tgui.B("Message from"), tgui.Mention(name, m.FromID), tgui.Code(strconv.FormatInt(m.FromID, 10)))).
		Line("Reply to this message to answer.").
		Build()
	ref, err := header.Send(ctx, rt.client, owner)
	if err != nil {
		return fmt.Errorf("forward header: %w", err)
	}
	rt.replies.Remember(ref.MessageID, m.FromID)

	ref, err = rt.client.Deliver(ctx, owner, transport.PayloadOf(m))
	if err != nil {
		return fmt.Errorf("forward content: %w", err)
	}
	rt.replies.Remember(ref.MessageID, m.FromID)
	return nil
}

// replyToUser delivers the owner's message to userID and acknowledges it.
func (rt *Runtime) replyToUser(ctx context.Context, m *transport.Message, userID int64) error {
	chat := transport.ChatTarget{ChatID: m.ChatID}
	p := transport.PayloadOf(m)
	if p.Empty() {
		return rt.reply(ctx, chat, "⚠️ Nothing to send.")
	}
	if _, err := rt.client.Deliver(ctx, transport.ChatTarget{ChatID: userID}, p); err != nil {
		rt.log.Warn("support reply failed", logx.Int64("user", userID), logx.Err(err))
		return rt.reply(ctx, chat, "❌ Could not deliver: "+err.Error())
	}
	_, err := rt.client.SendText(ctx, chat, "✅ Sent.", &transport.SendOptions{ReplyToID: m.ID})
	return err
}

func (rt *Runtime) onGroupMessage(ctx context.Context, ev transport.Event) error {
	if rt.deps.Store == nil {
		return nil
	}
	m := ev.Message
	return rt.deps.Store.UpsertKnownGroup(ctx, storage.KnownGroup{
		TenantID: rt.TenantID(),
		ChatID:   m.ChatID,
		Title:    m.ChatTitle,
		Active:   true,
	})
}

func (rt *Runtime) onMembership(ctx context.Context, ev transport.Event) error {
	mb := ev.Membership
	if rt.deps.Store == nil || mb.ChatType == "channel" || mb.ChatType == "private" {
		return nil
	}
	tid := rt.TenantID()
	if !mb.Joined {
		rt.log.Info("removed from group", logx.Int64("chat", mb.ChatID))
		return rt.deps.Store.DeactivateKnownGroup(ctx, tid, mb.ChatID)
	}
	rt.log.Info("added to group", logx.Int64("chat", mb.ChatID), logx.String("title", mb.ChatTitle))
	return rt.deps.Store.UpsertKnownGroup(ctx, storage.KnownGroup{
		TenantID: tid,
		ChatID:   mb.ChatID,
		Title:    mb.ChatTitle,
		Active:   true,
	})
}

func (rt *Runtime) onChannelPost(ctx context.Context, ev transport.Event) error {
	if rt.deps.Relay == nil {
		return nil
	}
	t := rt.Tenant()
	if t.Expired(rt.now()) {
		rt.log.Debug("relay skipped: tenant suspended", logx.Int64("chat", ev.Message.ChatID))
		return nil
	}
	out, res := rt.deps.Relay.OnEvent(ctx, t.ID, rt.client, ev.Message.ChatID, ev.Message)
	if out == relay.Forwarded {
		rt.log.Debug("channel post relayed", logx.Int64("chat", ev.Message.ChatID), logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
	}
	return nil
}
