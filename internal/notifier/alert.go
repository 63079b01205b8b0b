package notifier

import "context"

// AlertSink routes logx alerts to one operator chat through a tenant bot.
type AlertSink struct {
	svc      *Service
	tenantID int64
	chatID   int64
}

func (s *Service) AlertSink(tenantID, chatID int64) *AlertSink {
	return &AlertSink{svc: s, tenantID: tenantID, chatID: chatID}
}

func (a *AlertSink) Alert(ctx context.Context, text string) error {
	return a.svc.Notify(ctx, Notification{TenantID: a.tenantID, ChatID: a.chatID, Text: text, Priority: 9})
}
