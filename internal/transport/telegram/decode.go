package telegram

import (
	"strings"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/transport"
)

// Decode classifies a raw update. ok is false for update types botfleet ignores
// (edits, callbacks, inline queries, ...).
func Decode(u tele.Update) (transport.Event, bool) {
	switch {
	case u.Message != nil && u.Message.Chat != nil:
		kind := transport.EventGroupMessage
		if u.Message.Chat.Type == tele.ChatPrivate {
			kind = transport.EventPrivateMessage
		} else if u.Message.Chat.Type == tele.ChatChannel {
			kind = transport.EventChannelPost
		}
		return transport.Event{UpdateID: u.ID, Kind: kind, Message: decodeMessage(u.Message)}, true

	case u.ChannelPost != nil && u.ChannelPost.Chat != nil:
		return transport.Event{UpdateID: u.ID, Kind: transport.EventChannelPost, Message: decodeMessage(u.ChannelPost)}, true

	case u.MyChatMember != nil && u.MyChatMember.Chat != nil:
		cm := u.MyChatMember
		joined := true
		if cm.NewChatMember != nil {
			switch cm.NewChatMember.Role {
			case tele.Left, tele.Kicked:
				joined = false
			}
		}
		return transport.Event{
			UpdateID: u.ID,
			Kind:     transport.EventMembership,
			Membership: &transport.Membership{
				ChatID:    cm.Chat.ID,
				ChatType:  string(cm.Chat.Type),
				ChatTitle: cm.Chat.Title,
				Joined:    joined,
			},
		}, true
	}
	return transport.Event{}, false
}

func decodeMessage(m *tele.Message) *transport.Message {
	out := &transport.Message{
		ID:        m.ID,
		ChatID:    m.Chat.ID,
		ChatType:  string(m.Chat.Type),
		ChatTitle: m.Chat.Title,
		Text:      m.Text,
		Caption:   m.Caption,
		Media:     mediaOf(m),
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromUsername = m.Sender.Username
		out.FromName = strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
	}
	if m.ReplyTo != nil {
		out.ReplyToID = m.ReplyTo.ID
	}
	return out
}

func mediaOf(m *tele.Message) transport.Media {
	switch {
	case m.Photo != nil:
		return transport.Media{Kind: transport.MediaPhoto, FileID: m.Photo.FileID}
	case m.Animation != nil:
		// Animations also carry a Document; check them first.
		return transport.Media{Kind: transport.MediaAnimation, FileID: m.Animation.FileID}
	case m.Video != nil:
		return transport.Media{Kind: transport.MediaVideo, FileID: m.Video.FileID}
	case m.Document != nil:
		return transport.Media{Kind: transport.MediaDocument, FileID: m.Document.FileID}
	case m.Audio != nil:
		return transport.Media{Kind: transport.MediaAudio, FileID: m.Audio.FileID}
	case m.Voice != nil:
		return transport.Media{Kind: transport.MediaVoice, FileID: m.Voice.FileID}
	case m.Sticker != nil:
		return transport.Media{Kind: transport.MediaSticker, FileID: m.Sticker.FileID}
	case m.Text != "":
		return transport.Media{Kind: transport.MediaText}
	default:
		// Polls, locations, contacts, video notes: copy from source.
		return transport.Media{Kind: transport.MediaOther}
	}
}
