package infra

import (
	"fmt"
	"net/smtp"

	"pharmapos/internal/config"

	"github.com/jordan-wright/email"
)

// Mailer sends reconciliation alerts to the back office.
type Mailer struct {
	host     string
	user     string
	password string
	addr     string
	to       string
}

func NewMailer(cfg *config.Config) *Mailer {
	return &Mailer{
		host:     cfg.SMTPHost,
		user:     cfg.SMTPUser,
		password: cfg.SMTPPassword,
		addr:     fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		to:       cfg.AlertEmail,
	}
}

// Enabled reports whether both an SMTP host and a recipient are configured.
func (m *Mailer) Enabled() bool { return m.host != "" && m.to != "" }

func (m *Mailer) SendAlert(subject, body string) error {
	if !m.Enabled() {
		return fmt.Errorf("mailer: not configured")
	}
	e := email.NewEmail()
	e.From = m.user
	e.To = []string{m.to}
	e.Subject = subject
	e.Text = []byte(body)

	auth := smtp.PlainAuth("", m.user, m.password, m.host)
	return e.Send(m.addr, auth)
}
