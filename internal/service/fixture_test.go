package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// stubTransport records envelopes and fails the addresses listed in failFor.
type stubTransport struct {
	mu        sync.Mutex
	openErr   error
	verifyErr error
	failFor   map[string]bool
	sent      []mailer.Envelope
	sentAt    []time.Time
	opens     int
	closes    int
}

func (t *stubTransport) Open(ctx context.Context, cfg mailer.Config) (mailer.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	t.opens++
	return &stubSession{t: t}, nil
}

func (t *stubTransport) Verify(ctx context.Context, cfg mailer.Config) error {
	return t.verifyErr
}

func (t *stubTransport) envelopes() []mailer.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]mailer.Envelope(nil), t.sent...)
}

type stubSession struct{ t *stubTransport }

func (s *stubSession) Send(ctx context.Context, env mailer.Envelope) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.sentAt = append(s.t.sentAt, time.Now())
	if s.t.failFor[env.To] {
		return errors.New("550 mailbox unavailable")
	}
	s.t.sent = append(s.t.sent, env)
	return nil
}

func (s *stubSession) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closes++
	return nil
}

// recordingQueue keeps published messages instead of running handlers.
type recordingQueue struct {
	mu        sync.Mutex
	published map[string][]queue.Message
}

func (q *recordingQueue) Publish(topic string, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.published == nil {
		q.published = map[string][]queue.Message{}
	}
	q.published[topic] = append(q.published[topic], msg)
	return nil
}

func (q *recordingQueue) Subscribe(string, queue.Handler) error { return nil }

type fakeRegistry struct {
	live map[int64]model.Schedule
	err  error
}

func (r *fakeRegistry) Add(s model.Schedule) error {
	if r.err != nil {
		return r.err
	}
	if r.live == nil {
		r.live = map[int64]model.Schedule{}
	}
	r.live[s.ID] = s
	return nil
}

func (r *fakeRegistry) Remove(id int64) { delete(r.live, id) }

type fixture struct {
	campaigns *repository.CampaignRepository
	senders   *repository.SenderRepository
	templates *repository.TemplateRepository
	clients   *repository.ClientRepository
	schedules *repository.ScheduleRepository
	logs      *repository.LogRepository

	transport  *stubTransport
	builder    *CampaignService
	dispatcher *Dispatcher

	sender   *model.Sender
	template *model.Template
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, config.DatabaseConfig{Driver: db.DriverSQLite, Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	f := &fixture{
		campaigns: &repository.CampaignRepository{DB: conn},
		senders:   &repository.SenderRepository{DB: conn},
		templates: &repository.TemplateRepository{DB: conn},
		clients:   &repository.ClientRepository{DB: conn},
		schedules: &repository.ScheduleRepository{DB: conn},
		logs:      &repository.LogRepository{DB: conn},
		transport: &stubTransport{failFor: map[string]bool{}},
	}
	f.builder = &CampaignService{
		CampaignRepo: f.campaigns,
		SenderRepo:   f.senders,
		TemplateRepo: f.templates,
		ClientRepo:   f.clients,
		LogRepo:      f.logs,
		Log:          zerolog.Nop(),
	}
	f.dispatcher = NewDispatcher(f.campaigns, f.senders, f.templates, f.logs, f.transport, 0, zerolog.Nop())

	f.sender = &model.Sender{UserID: 1, Name: "Ops", Email: "ops@example.com", Host: "smtp.example.com", Port: 587}
	require.NoError(t, f.senders.Create(ctx, f.sender))
	f.template = &model.Template{UserID: 1, Name: "greeting", Subject: "Hi {{name}}", Content: "{{name}}: {{email}} {{missing}}"}
	require.NoError(t, f.templates.Create(ctx, f.template))
	return f
}

func (f *fixture) addClient(t *testing.T, owner int64, name, email string) int64 {
	t.Helper()
	c := &model.Client{UserID: owner, Name: name, Email: email}
	require.NoError(t, f.clients.Create(context.Background(), c))
	return c.ID
}

func (f *fixture) newCampaign(t *testing.T, clientIDs ...int64) *model.Campaign {
	t.Helper()
	c, err := f.builder.CreateCampaign(context.Background(), CreateCampaignRequest{
		OwnerID:      1,
		SenderID:     f.sender.ID,
		TemplateID:   f.template.ID,
		RecipientIDs: clientIDs,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) statuses(t *testing.T, campaignID int64) []string {
	t.Helper()
	rows, err := f.campaigns.ListRecipients(context.Background(), campaignID)
	require.NoError(t, err)
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Status)
	}
	return out
}

func (f *fixture) actions(t *testing.T, userID int64) []model.Log {
	t.Helper()
	logs, err := f.logs.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	return logs
}
