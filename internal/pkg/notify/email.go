package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"avitohunter/internal/config"
	"avitohunter/internal/model"

	"gopkg.in/gomail.v2"
)

const siteRoot = "https://www.avito.ru"

// EmailNotifier 把每批新结果汇总成一封邮件。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
	send   func(m *gomail.Message) error
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	n := &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
	n.send = func(m *gomail.Message) error {
		d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
		return d.DialAndSend(m)
	}
	return n
}

// Enabled 报告邮件配置是否完整。
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUser != "" && n.cfg.FromEmail != "" && len(n.recipients()) > 0
}

// Name 实现结果输出接口。
func (n *EmailNotifier) Name() string {
	return "email"
}

// Write 发送一封汇总邮件。
//
// 配置不完整或列表为空时直接跳过。
//
// 参数:
//
//	ctx: 上下文
//	listings: 本批通过过滤的记录
//
// 返回值:
//
//	error: 发送失败返回错误
func (n *EmailNotifier) Write(ctx context.Context, listings []model.Listing) error {
	if len(listings) == 0 {
		return nil
	}
	if !n.Enabled() {
		n.logger.Debug("email config missing, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	to := n.recipients()
	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", fmt.Sprintf("[AvitoHunter] новых объявлений: %d", len(listings)))
	m.SetBody("text/html", buildHTMLBody(listings))

	if err := n.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent", slog.Int("listings", len(listings)), slog.String("to", strings.Join(to, ",")))
	return nil
}

func (n *EmailNotifier) recipients() []string {
	out := make([]string, 0, len(n.cfg.To))
	for _, addr := range n.cfg.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func buildHTMLBody(listings []model.Listing) string {
	var rows strings.Builder
	for _, l := range listings {
		fmt.Fprintf(&rows, `
      <tr>
        <td class="price">%s ₽</td>
        <td><a href="%s" target="_blank">%s</a><div class="loc">%s</div></td>
      </tr>`,
			formatRUB(l.Price),
			html.EscapeString(siteRoot+l.URLPath),
			html.EscapeString(l.Title),
			html.EscapeString(l.Location),
		)
	}

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 640px; margin: 24px auto; background: #ffffff; border-radius: 12px; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  table { width: 100%%; border-collapse: collapse; }
  td { padding: 10px 16px; border-bottom: 1px solid #e5e7eb; vertical-align: top; }
  .price { font-weight: bold; color: #ef4444; white-space: nowrap; }
  .loc { font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[AvitoHunter] новых объявлений: %d</div>
    <table>%s
    </table>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, len(listings), rows.String())
}

func formatRUB(v int64) string {
	s := fmt.Sprintf("%d", v)
	n := len(s)
	if n <= 3 {
		return s
	}
	out := make([]byte, 0, n+n/3)
	for i, ch := range []byte(s) {
		out = append(out, ch)
		if (n-i-1)%3 == 0 && i != n-1 {
			out = append(out, ' ')
		}
	}
	return string(out)
}
