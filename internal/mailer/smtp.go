package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPTransport talks to real SMTP servers with net/smtp.
type SMTPTransport struct {
	opts Options
	// TLSConfig overrides the default client TLS settings when set.
	TLSConfig *tls.Config
}

func NewSMTPTransport(opts Options) *SMTPTransport {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	return &SMTPTransport{opts: opts}
}

func (t *SMTPTransport) tlsConfig(host string) *tls.Config {
	if t.TLSConfig != nil {
		c := t.TLSConfig.Clone()
		if c.ServerName == "" {
			c.ServerName = host
		}
		return c
	}
	return &tls.Config{ServerName: host}
}

// Open dials, negotiates TLS and authenticates.
func (t *SMTPTransport) Open(ctx context.Context, cfg Config) (Session, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: t.opts.DialTimeout}

	var (
		conn net.Conn
		err  error
	)
	if cfg.Secure {
		td := &tls.Dialer{NetDialer: dialer, Config: t.tlsConfig(cfg.Host)}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	_ = conn.SetDeadline(time.Now().Add(t.opts.SendTimeout))

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}

	if !cfg.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(t.tlsConfig(cfg.Host)); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
			if err := client.Auth(auth); err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("SMTP authentication failed: %w", err)
			}
		}
	}

	return &smtpSession{
		client:  client,
		conn:    conn,
		from:    mail.Address{Name: cfg.FromName, Address: cfg.FromEmail},
		timeout: t.opts.SendTimeout,
	}, nil
}

func (t *SMTPTransport) Verify(ctx context.Context, cfg Config) error {
	s, err := t.Open(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Close()
}

type smtpSession struct {
	client  *smtp.Client
	conn    net.Conn
	from    mail.Address
	timeout time.Duration
}

func (s *smtpSession) Send(ctx context.Context, env Envelope) error {
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)

	if err := s.send(env); err != nil {
		// Leave the session usable for the next recipient.
		_ = s.client.Reset()
		return err
	}
	return nil
}

func (s *smtpSession) send(env Envelope) error {
	if err := s.client.Mail(s.from.Address); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := s.client.Rcpt(env.To); err != nil {
		return fmt.Errorf("failed to set recipient %s: %w", env.To, err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("failed to start data transmission: %w", err)
	}
	if _, err := w.Write(buildMessage(s.from, env, time.Now())); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}
	return nil
}

func (s *smtpSession) Close() error {
	_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	if err := s.client.Quit(); err != nil {
		_ = s.client.Close()
		return err
	}
	return nil
}

// buildMessage renders a single-part HTML message.
func buildMessage(from mail.Address, env Envelope, now time.Time) []byte {
	var msg bytes.Buffer

	domain := "localhost"
	if i := strings.LastIndex(from.Address, "@"); i >= 0 && i < len(from.Address)-1 {
		domain = from.Address[i+1:]
	}

	msg.WriteString(fmt.Sprintf("From: %s\r\n", from.String()))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", env.To))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", env.Subject)))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", now.Format(time.RFC1123Z)))
	msg.WriteString(fmt.Sprintf("Message-ID: <%s@%s>\r\n", uuid.NewString(), domain))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	msg.WriteString(env.HTML)
	msg.WriteString("\r\n")
	return msg.Bytes()
}
