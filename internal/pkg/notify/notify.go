// Package notify delivers bargain alerts over SMTP.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/leader001a/ro-market-crawler-sub001/internal/config"
	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

// Notifier is the alarm sink consumed by the alarm scheduler.
type Notifier interface {
	Notify(ctx context.Context, deal model.DealItem, criterion model.WatchCriterion) error
}

// EmailNotifier sends one HTML mail per watch match.
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "email_notifier")),
	}
}

func (n *EmailNotifier) Notify(ctx context.Context, deal model.DealItem, criterion model.WatchCriterion) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", fmt.Sprintf("[RO Market] %s %s z", deal.DisplayName(), model.FormatZeny(deal.Price)))
	m.SetBody("text/html", n.buildHTMLBody(deal, criterion))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("alarm email sent",
		slog.String("to", n.cfg.ToEmail),
		slog.String("item", deal.DisplayName()),
		slog.Int64("price", deal.Price))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(deal model.DealItem, criterion model.WatchCriterion) string {
	ceiling := "-"
	if criterion.MaxPrice != nil {
		ceiling = model.FormatZeny(*criterion.MaxPrice) + " z"
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .price { font-size: 26px; font-weight: bold; color: #ef4444; margin: 8px 0 12px; }
  .title { font-size: 16px; margin-bottom: 16px; }
  .meta { font-size: 13px; color: #374151; margin-bottom: 4px; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[RO Market] 감시 품목 알림</div>
    <div class="content">
      <div class="price">%s z</div>
      <div class="title">%s</div>
      <div class="meta">서버: %s</div>
      <div class="meta">상점: %s</div>
      <div class="footer">감시 조건: %s ≤ %s</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		model.FormatZeny(deal.Price),
		deal.DisplayName(),
		deal.ServerName,
		deal.ShopName,
		criterion.Pattern,
		ceiling)
}
