// Package seed loads YAML fixtures into the store for local runs and demos.
package seed

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

type Fixtures struct {
	Senders   []SenderFixture   `yaml:"senders"`
	Templates []TemplateFixture `yaml:"templates"`
	Clients   []ClientFixture   `yaml:"clients"`
	Schedules []ScheduleFixture `yaml:"schedules"`
}

type SenderFixture struct {
	UserID   int64  `yaml:"user_id"`
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Secure   bool   `yaml:"secure"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type TemplateFixture struct {
	UserID  int64  `yaml:"user_id"`
	Name    string `yaml:"name"`
	Subject string `yaml:"subject"`
	Content string `yaml:"content"`
}

type ClientFixture struct {
	UserID int64             `yaml:"user_id"`
	Name   string            `yaml:"name"`
	Email  string            `yaml:"email"`
	Fields map[string]string `yaml:"fields"`
}

// ScheduleFixture refers to its sender and template by name within the same user.
type ScheduleFixture struct {
	UserID   int64  `yaml:"user_id"`
	Name     string `yaml:"name"`
	Sender   string `yaml:"sender"`
	Template string `yaml:"template"`
	Cron     string `yaml:"cron"`
	Active   bool   `yaml:"active"`
}

type Stores struct {
	Senders   *repository.SenderRepository
	Templates *repository.TemplateRepository
	Clients   *repository.ClientRepository
	Schedules *repository.ScheduleRepository
}

// Result counts inserted rows per table.
type Result struct {
	Senders   int
	Templates int
	Clients   int
	Schedules int
}

func Load(r io.Reader) (*Fixtures, error) {
	var f Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return &f, nil
		}
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	return &f, nil
}

type key struct {
	user int64
	name string
}

// Apply inserts the fixtures in dependency order.
func Apply(ctx context.Context, s Stores, f *Fixtures) (Result, error) {
	var res Result
	senders := map[key]int64{}
	templates := map[key]int64{}

	for _, sf := range f.Senders {
		m := &model.Sender{
			UserID: sf.UserID, Name: sf.Name, Email: sf.Email, Host: sf.Host, Port: sf.Port,
			Secure: sf.Secure, Username: sf.Username, Password: sf.Password,
		}
		if err := s.Senders.Create(ctx, m); err != nil {
			return res, fmt.Errorf("sender %q: %w", sf.Name, err)
		}
		senders[key{sf.UserID, sf.Name}] = m.ID
		res.Senders++
	}

	for _, tf := range f.Templates {
		m := &model.Template{UserID: tf.UserID, Name: tf.Name, Subject: tf.Subject, Content: tf.Content}
		if err := s.Templates.Create(ctx, m); err != nil {
			return res, fmt.Errorf("template %q: %w", tf.Name, err)
		}
		templates[key{tf.UserID, tf.Name}] = m.ID
		res.Templates++
	}

	for _, cf := range f.Clients {
		m := &model.Client{UserID: cf.UserID, Name: cf.Name, Email: cf.Email, Fields: model.Fields(cf.Fields)}
		if err := s.Clients.Create(ctx, m); err != nil {
			return res, fmt.Errorf("client %q: %w", cf.Email, err)
		}
		res.Clients++
	}

	for _, sf := range f.Schedules {
		senderID, ok := senders[key{sf.UserID, sf.Sender}]
		if !ok {
			return res, fmt.Errorf("schedule %q: unknown sender %q", sf.Name, sf.Sender)
		}
		templateID, ok := templates[key{sf.UserID, sf.Template}]
		if !ok {
			return res, fmt.Errorf("schedule %q: unknown template %q", sf.Name, sf.Template)
		}
		m := &model.Schedule{
			UserID: sf.UserID, Name: sf.Name, SenderID: senderID, TemplateID: templateID,
			CronPattern: sf.Cron, IsActive: sf.Active,
		}
		if err := s.Schedules.Create(ctx, m); err != nil {
			return res, fmt.Errorf("schedule %q: %w", sf.Name, err)
		}
		res.Schedules++
	}
	return res, nil
}
