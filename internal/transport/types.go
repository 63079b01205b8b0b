package transport

import (
	"context"
	"strings"
)

type EventKind string

const (
	EventPrivateMessage EventKind = "private_message"
	EventGroupMessage   EventKind = "group_message"
	EventChannelPost    EventKind = "channel_post"
	EventMembership     EventKind = "membership"
)

// Event is a decoded inbound update for one tenant.
type Event struct {
	UpdateID   int
	Kind       EventKind
	Message    *Message
	Membership *Membership
}

type MediaKind string

const (
	MediaText      MediaKind = "text"
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAnimation MediaKind = "animation"
	MediaAudio     MediaKind = "audio"
	MediaVoice     MediaKind = "voice"
	MediaSticker   MediaKind = "sticker"
	// MediaOther is anything without a typed send path; it is copied from its source.
	MediaOther MediaKind = "other"
)

type Media struct {
	Kind   MediaKind `json:"kind"`
	FileID string    `json:"file_id,omitempty"`
}

type Message struct {
	ID           int
	ChatID       int64
	ChatType     string
	ChatTitle    string
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	Caption      string
	Media        Media
	ReplyToID    int
}

// Command splits "/cmd@bot args" into ("cmd", "args"). ok is false for non-commands.
func (m *Message) Command() (cmd, args string, ok bool) {
	if m == nil || !strings.HasPrefix(m.Text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(strings.TrimSpace(m.Text[1:]), " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// Membership reports a change of the bot's own status in a chat.
type Membership struct {
	ChatID    int64
	ChatType  string
	ChatTitle string
	Joined    bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyToID      int
}

// Payload is a content descriptor for one delivery: text and at most one media
// item. Source* identify the origin message for copy-through of MediaOther.
type Payload struct {
	Text            string `json:"text,omitempty"`
	Media           Media  `json:"media"`
	SourceChatID    int64  `json:"source_chat_id,omitempty"`
	SourceMessageID int    `json:"source_message_id,omitempty"`
}

func (p Payload) Empty() bool {
	return strings.TrimSpace(p.Text) == "" && p.Media.FileID == "" &&
		(p.Media.Kind != MediaOther || p.SourceMessageID == 0)
}

// PayloadOf captures m as a payload; captions travel as Text.
func PayloadOf(m *Message) Payload {
	if m == nil {
		return Payload{}
	}
	p := Payload{
		Text:            m.Text,
		Media:           m.Media,
		SourceChatID:    m.ChatID,
		SourceMessageID: m.ID,
	}
	if p.Media.Kind == "" {
		p.Media.Kind = MediaText
	}
	if p.Media.Kind != MediaText {
		p.Text = m.Caption
	}
	return p
}

// Deliverer sends content through one tenant credential.
type Deliverer interface {
	Deliver(ctx context.Context, to ChatTarget, p Payload) (MessageRef, error)
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
