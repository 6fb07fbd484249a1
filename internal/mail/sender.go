// Package mail はパスワード再設定メールの送信を提供する。
package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"

	gomail "github.com/go-mail/mail"
)

const resetSubject = "Reset your password"

// Config はSMTP送信の設定。
type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string
	SSL  bool // trueの場合は暗黙的TLS（465番ポート）、falseの場合はSTARTTLSを自動で使う
}

// dialer はgo-mailのDialerのうち送信に使う部分。
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender はgo-mailでSMTP送信する。
type SMTPSender struct {
	from   string
	dialer dialer
}

// NewSMTPSender はSMTPSenderを生成する。
func NewSMTPSender(cfg Config) *SMTPSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	d.SSL = cfg.SSL
	return &SMTPSender{from: cfg.From, dialer: d}
}

// SendPasswordReset は再設定リンクをテキストとHTMLの両方で送信する。
// go-mailの送信はcontextを受け取らないため、送信前にのみキャンセルを確認する。
func (s *SMTPSender) SendPasswordReset(ctx context.Context, to, link string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	text, html, err := renderReset(link)
	if err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", resetSubject)
	m.SetBody("text/plain", text)
	m.AddAlternative("text/html", html)

	if err := s.dialer.DialAndSend(m); err != nil {
		slog.Error("smtp send failed", slog.String("error", err.Error()))
		return fmt.Errorf("smtp send: %w", err)
	}
	slog.Info("smtp send ok", slog.String("subject", resetSubject))
	return nil
}

// LogSender はメールを送信せず、リンクをログに出力する。SMTP未設定の開発環境用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// SendPasswordReset はリンクをログに出力する。
func (s *LogSender) SendPasswordReset(_ context.Context, to, link string) error {
	s.logger.Info("password reset mail (not sent, SMTP_HOST is empty)",
		slog.String("to", to),
		slog.String("link", link),
	)
	return nil
}
