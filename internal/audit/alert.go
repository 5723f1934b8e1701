package audit

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/roach88/tenantmig/internal/ir"
)

// Alerter is the external alert dispatcher. It is only ever called with
// critical issues.
type Alerter interface {
	Alert(ctx context.Context, session string, issues []ir.ValidationIssue) error
}

// NopAlerter drops alerts.
type NopAlerter struct{}

// Alert does nothing.
func (NopAlerter) Alert(context.Context, string, []ir.ValidationIssue) error { return nil }

// LogAlerter logs alerts at error level.
type LogAlerter struct {
	Logger *slog.Logger
}

// Alert logs each issue.
func (a LogAlerter) Alert(ctx context.Context, session string, issues []ir.ValidationIssue) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, is := range issues {
		logger.ErrorContext(ctx, "critical validation issue",
			"session", session, "category", is.Category, "check", is.Check, "description", is.Description)
	}
	return nil
}

// MailConfig configures MailAlerter.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Sender delivers a composed message. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// MailAlerter emails critical issues.
type MailAlerter struct {
	cfg    MailConfig
	sender Sender
}

// NewMailAlerter creates an alerter sending through an SMTP dialer.
func NewMailAlerter(cfg MailConfig) *MailAlerter {
	return &MailAlerter{cfg: cfg, sender: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)}
}

// NewMailAlerterWithSender creates an alerter with a custom sender.
func NewMailAlerterWithSender(cfg MailConfig, sender Sender) *MailAlerter {
	return &MailAlerter{cfg: cfg, sender: sender}
}

// Alert sends one message listing every issue.
func (a *MailAlerter) Alert(_ context.Context, session string, issues []ir.ValidationIssue) error {
	if len(issues) == 0 || len(a.cfg.To) == 0 {
		return nil
	}
	m := ComposeAlert(a.cfg.From, a.cfg.To, session, issues)
	if err := a.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

// ComposeAlert builds the alert message.
func ComposeAlert(from string, to []string, session string, issues []ir.ValidationIssue) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", fmt.Sprintf("[tenantmig] %d critical validation issue(s)", len(issues)))
	m.SetBody("text/html", alertBody(session, issues))
	return m
}

func alertBody(session string, issues []ir.ValidationIssue) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>tenantmig: %d critical issue(s)</h2>", len(issues))
	fmt.Fprintf(&b, "<p>Session %s</p><ul>", html.EscapeString(session))
	for _, is := range issues {
		fmt.Fprintf(&b, "<li><b>%s</b> %s: %s</li>",
			html.EscapeString(string(is.Category)), html.EscapeString(is.Check), html.EscapeString(is.Description))
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}
