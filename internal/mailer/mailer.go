// Package mailer builds and verifies outbound SMTP sessions from sender
// credentials.
package mailer

import (
	"context"
	"time"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// Config is everything needed to open a session for one sender.
type Config struct {
	Host      string
	Port      int
	Secure    bool // implicit TLS
	Username  string
	Password  string
	FromName  string
	FromEmail string
}

// Envelope is one rendered message to one recipient.
type Envelope struct {
	To      string
	Subject string
	HTML    string
}

// Session is an open connection reused across many sends.
type Session interface {
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// Transport opens sessions. Verify opens and immediately closes one.
type Transport interface {
	Open(ctx context.Context, cfg Config) (Session, error)
	Verify(ctx context.Context, cfg Config) error
}

// Build derives the session config from a stored sender. Implicit TLS is
// decided by the port alone; the stored secure flag is informational.
func Build(s *model.Sender) Config {
	return Config{
		Host:      s.Host,
		Port:      s.Port,
		Secure:    s.Port == 465,
		Username:  s.Username,
		Password:  s.Password,
		FromName:  s.Name,
		FromEmail: s.Email,
	}
}

// Options tune the SMTP transport.
type Options struct {
	DialTimeout time.Duration
	SendTimeout time.Duration
}
