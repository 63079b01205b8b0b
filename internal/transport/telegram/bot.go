// Package telegram adapts one tenant credential to the Telegram Bot API via telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

var ErrInvalidToken = errors.New("telegram: malformed bot token")

var tokenRe = regexp.MustCompile(`^[0-9]{3,}:[A-Za-z0-9_-]{20,}$`)

// ValidateToken checks the "<bot id>:<secret>" shape without a network call.
func ValidateToken(token string) error {
	if !tokenRe.MatchString(strings.TrimSpace(token)) {
		return ErrInvalidToken
	}
	return nil
}

type Config struct {
	Token       string
	PollTimeout time.Duration
	APIURL      string
	// Offline skips getMe; the bot username stays empty.
	Offline bool
}

// Bot is a tenant's connection to the Bot API. It implements transport.Deliverer.
type Bot struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ transport.Deliverer = (*Bot)(nil)

// New validates the credential and builds the client. Unless cfg.Offline,
// telebot calls getMe, so a revoked token fails here.
func New(cfg Config, log logx.Logger) (*Bot, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if err := ValidateToken(cfg.Token); err != nil {
		return nil, err
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{cfg: cfg, log: log}
	tb, err := tele.NewBot(tele.Settings{
		Token:       cfg.Token,
		URL:         cfg.APIURL,
		Poller:      &tele.LongPoller{Timeout: cfg.PollTimeout},
		Synchronous: true,
		Offline:     cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			b.log.Warn("telegram api error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	b.bot = tb
	return b, nil
}

// Username is the bot's @username as reported by getMe (empty when offline).
func (b *Bot) Username() string {
	if b.bot == nil || b.bot.Me == nil {
		return ""
	}
	return b.bot.Me.Username
}

// Poll runs getUpdates until ctx is done and hands every raw update to sink,
// in arrival order.
func (b *Bot) Poll(ctx context.Context, sink func(tele.Update)) error {
	// Polling and webhooks are exclusive on the Bot API side.
	if !b.cfg.Offline {
		if err := b.bot.RemoveWebhook(); err != nil {
			b.log.Warn("remove webhook failed", logx.Err(err))
		}
	}

	updates := make(chan tele.Update, 64)
	stop := make(chan struct{})
	done := make(chan struct{})
	poller := &tele.LongPoller{Timeout: b.cfg.PollTimeout}
	go func() {
		defer close(done)
		poller.Poll(b.bot, updates, stop)
	}()

	b.log.Info("polling started")
	for {
		select {
		case <-ctx.Done():
			close(stop)
			// getUpdates may still be in flight; drain in the background so
			// the poller can observe stop without delaying shutdown.
			go func() {
				for {
					select {
					case <-updates:
					case <-done:
						return
					}
				}
			}()
			b.log.Info("polling stopped")
			return ctx.Err()
		case <-done:
			return errors.New("telegram poller exited")
		case u := <-updates:
			sink(u)
		}
	}
}

// SetWebhook registers publicURL (and the optional secret) with the Bot API.
func (b *Bot) SetWebhook(publicURL, secret string) error {
	return b.bot.SetWebhook(&tele.Webhook{
		Endpoint:    &tele.WebhookEndpoint{PublicURL: publicURL},
		SecretToken: secret,
	})
}

func (b *Bot) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		sendOpt := &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		if i == 0 && opt.ReplyToID != 0 {
			sendOpt.ReplyTo = &tele.Message{ID: opt.ReplyToID, Chat: &tele.Chat{ID: to.ChatID}}
		}
		msg, err := b.bot.Send(tele.ChatID(to.ChatID), chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// Deliver sends p to one chat, choosing the send method by media kind.
// MediaOther is copied from its source message.
func (b *Bot) Deliver(ctx context.Context, to transport.ChatTarget, p transport.Payload) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	if p.Media.Kind == "" || p.Media.Kind == transport.MediaText {
		return b.SendText(ctx, to, p.Text, nil)
	}

	dest := tele.ChatID(to.ChatID)
	var (
		msg *tele.Message
		err error
	)
	if what := sendable(p); what != nil {
		msg, err = b.bot.Send(dest, what, &tele.SendOptions{ThreadID: to.ThreadID})
	} else {
		if p.SourceMessageID == 0 {
			return transport.MessageRef{}, fmt.Errorf("telegram: no send path for %q without source message", p.Media.Kind)
		}
		src := tele.StoredMessage{MessageID: strconv.Itoa(p.SourceMessageID), ChatID: p.SourceChatID}
		msg, err = b.bot.Copy(dest, src, &tele.SendOptions{ThreadID: to.ThreadID})
	}
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// sendable maps a typed payload to a telebot value; nil means copy-through.
func sendable(p transport.Payload) any {
	if p.Media.FileID == "" {
		return nil
	}
	f := tele.File{FileID: p.Media.FileID}
	switch p.Media.Kind {
	case transport.MediaPhoto:
		return &tele.Photo{File: f, Caption: p.Text}
	case transport.MediaVideo:
		return &tele.Video{File: f, Caption: p.Text}
	case transport.MediaDocument:
		return &tele.Document{File: f, Caption: p.Text}
	case transport.MediaAnimation:
		return &tele.Animation{File: f, Caption: p.Text}
	case transport.MediaAudio:
		return &tele.Audio{File: f, Caption: p.Text}
	case transport.MediaVoice:
		return &tele.Voice{File: f, Caption: p.Text}
	case transport.MediaSticker:
		return &tele.Sticker{File: f}
	default:
		return nil
	}
}
