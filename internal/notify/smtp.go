// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AccessWard Contributors

package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/accessward/accessward/internal/auth"
)

// DefaultSiteName appears in subjects and signatures when none is configured.
const DefaultSiteName = "AccessWard"

// SMTPConfig configures SMTPNotifier.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	SiteName string
}

// Validate checks that mail can be addressed and routed.
func (c SMTPConfig) Validate() error {
	if c.Host == "" {
		return oops.Code("NOTIFY_CONFIG_INVALID").With("field", "host").Errorf("smtp host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return oops.Code("NOTIFY_CONFIG_INVALID").With("field", "port").Errorf("smtp port %d out of range", c.Port)
	}
	if c.From == "" && c.Username == "" {
		return oops.Code("NOTIFY_CONFIG_INVALID").With("field", "from").Errorf("smtp from address or username is required")
	}
	return nil
}

// Envelope is one outgoing mail.
type Envelope struct {
	Addr string
	Auth smtp.Auth
	From string
	To   []string
	Msg  []byte
}

// SendFunc transmits an envelope. It must return when ctx is done.
type SendFunc func(ctx context.Context, env Envelope) error

// SMTPNotifier delivers codes as plain-text mail.
type SMTPNotifier struct {
	cfg    SMTPConfig
	send   SendFunc
	logger *slog.Logger
}

// SMTPOption configures an SMTPNotifier.
type SMTPOption func(*SMTPNotifier)

// WithSendFunc replaces the network transport, mainly for tests.
func WithSendFunc(send SendFunc) SMTPOption {
	return func(n *SMTPNotifier) {
		n.send = send
	}
}

// WithSMTPLogger sets the logger. Defaults to slog.Default().
func WithSMTPLogger(logger *slog.Logger) SMTPOption {
	return func(n *SMTPNotifier) {
		n.logger = logger
	}
}

// NewSMTPNotifier validates cfg and returns a notifier.
func NewSMTPNotifier(cfg SMTPConfig, opts ...SMTPOption) (*SMTPNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.SiteName == "" {
		cfg.SiteName = DefaultSiteName
	}
	n := &SMTPNotifier{cfg: cfg, send: dialAndSend, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	if n.send == nil || n.logger == nil {
		return nil, oops.Code("NOTIFY_CONFIG_INVALID").Errorf("send func and logger cannot be nil")
	}
	return n, nil
}

// SendCode mails msg.Code with a purpose-specific subject.
func (n *SMTPNotifier) SendCode(ctx context.Context, msg auth.Message) error {
	content, err := renderCode(n.cfg.SiteName, msg)
	if err != nil {
		return err
	}
	if err := n.deliver(ctx, msg.To, content); err != nil {
		return oops.With("purpose", string(msg.Purpose)).Wrap(err)
	}
	n.logger.DebugContext(ctx, "code mailed", "purpose", string(msg.Purpose))
	return nil
}

// SendWelcome mails the post-verification greeting.
func (n *SMTPNotifier) SendWelcome(ctx context.Context, to, name string) error {
	content, err := renderWelcome(n.cfg.SiteName, name)
	if err != nil {
		return err
	}
	return n.deliver(ctx, to, content)
}

func (n *SMTPNotifier) deliver(ctx context.Context, to string, content rendered) error {
	var a smtp.Auth
	if n.cfg.Username != "" {
		a = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	env := Envelope{
		Addr: net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port)),
		Auth: a,
		From: n.cfg.From,
		To:   []string{to},
		Msg:  compose(n.cfg.From, n.cfg.SiteName, to, content),
	}
	if err := n.send(ctx, env); err != nil {
		return oops.Code("NOTIFY_SMTP_FAILED").With("smtp_addr", env.Addr).Wrap(err)
	}
	return nil
}

// compose builds an RFC 5322 message with CRLF line endings.
func compose(from, site, to string, content rendered) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", mime.QEncoding.Encode("utf-8", site)+" <"+from+">")
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", content.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(content.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// dialAndSend speaks SMTP over a connection whose deadline follows ctx.
// Port 465 uses implicit TLS; other ports upgrade with STARTTLS when offered.
func dialAndSend(ctx context.Context, env Envelope) error {
	host, port, err := net.SplitHostPort(env.Addr)
	if err != nil {
		return err
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", env.Addr)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck // the client Quit/Close path reports errors
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if port == "465" {
		conn = tls.Client(conn, tlsConfig)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck // Quit below reports the meaningful error

	if port != "465" {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if env.Auth != nil {
		if err := c.Auth(env.Auth); err != nil {
			return err
		}
	}
	if err := c.Mail(env.From); err != nil {
		return err
	}
	for _, rcpt := range env.To {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(env.Msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

var _ auth.Notifier = (*SMTPNotifier)(nil)
