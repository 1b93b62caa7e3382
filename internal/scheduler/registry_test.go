package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

type countingQueue struct {
	mu    sync.Mutex
	fired map[int64]int
}

func (q *countingQueue) Publish(topic string, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fired == nil {
		q.fired = map[int64]int{}
	}
	q.fired[msg.ScheduleID]++
	return nil
}

func (q *countingQueue) Subscribe(string, queue.Handler) error { return nil }

func (q *countingQueue) count(id int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fired[id]
}

type okTransport struct{}

func (okTransport) Open(context.Context, mailer.Config) (mailer.Session, error) { return okSession{}, nil }
func (okTransport) Verify(context.Context, mailer.Config) error                 { return nil }

type okSession struct{}

func (okSession) Send(context.Context, mailer.Envelope) error { return nil }
func (okSession) Close() error                                { return nil }

func newRegistry(t *testing.T, q queue.Queue) (*Registry, *repository.ScheduleRepository) {
	t.Helper()
	conn, err := db.Open(context.Background(), config.DatabaseConfig{Driver: db.DriverSQLite, Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	repo := &repository.ScheduleRepository{DB: conn}
	return NewRegistry(repo, q, "UTC", zerolog.Nop()), repo
}

func TestAddRemove(t *testing.T) {
	r, _ := newRegistry(t, &countingQueue{})

	require.NoError(t, r.Add(model.Schedule{ID: 1, CronPattern: "*/5 * * * *"}))
	assert.True(t, r.Has(1))
	next, ok := r.Next(1)
	assert.True(t, ok)
	assert.True(t, next.After(time.Now()))
	assert.Equal(t, 0, next.Minute()%5)

	r.Remove(1)
	assert.False(t, r.Has(1))
	assert.Equal(t, 0, r.Len())

	// Removing an unknown id is a no-op.
	r.Remove(42)
	assert.Equal(t, 0, r.Len())
}

func TestAddTwiceKeepsOneTrigger(t *testing.T) {
	q := &countingQueue{}
	r, _ := newRegistry(t, q)

	require.NoError(t, r.Add(model.Schedule{ID: 1, CronPattern: "@every 1s"}))
	require.NoError(t, r.Add(model.Schedule{ID: 1, CronPattern: "@every 1s"}))
	assert.Equal(t, 1, r.Len())
	assert.Len(t, r.c.Entries(), 1)

	r.Start()
	defer r.Stop(context.Background())
	require.Eventually(t, func() bool { return q.count(1) > 0 }, 3*time.Second, 10*time.Millisecond)
	// A duplicate entry would fire on the same tick.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, q.count(1))
}

func TestAddInvalidExpression(t *testing.T) {
	r, _ := newRegistry(t, &countingQueue{})

	for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * *"} {
		err := r.Add(model.Schedule{ID: 3, CronPattern: expr})
		assert.True(t, appErrors.IsInvalidScheduleExpression(err), expr)
	}
	assert.False(t, r.Has(3))

	// A bad update leaves the existing trigger in place.
	require.NoError(t, r.Add(model.Schedule{ID: 3, CronPattern: "@hourly"}))
	require.Error(t, r.Add(model.Schedule{ID: 3, CronPattern: "bogus"}))
	assert.True(t, r.Has(3))
}

func TestInitializeAndSync(t *testing.T) {
	r, repo := newRegistry(t, &countingQueue{})
	ctx := context.Background()

	active := &model.Schedule{UserID: 1, Name: "a", SenderID: 1, TemplateID: 1, CronPattern: "@daily", IsActive: true}
	broken := &model.Schedule{UserID: 1, Name: "b", SenderID: 1, TemplateID: 1, CronPattern: "whenever", IsActive: true}
	paused := &model.Schedule{UserID: 1, Name: "c", SenderID: 1, TemplateID: 1, CronPattern: "@daily", IsActive: false}
	for _, s := range []*model.Schedule{active, broken, paused} {
		require.NoError(t, repo.Create(ctx, s))
	}

	require.NoError(t, r.Initialize(ctx))
	assert.True(t, r.Has(active.ID))
	assert.False(t, r.Has(broken.ID))
	assert.False(t, r.Has(paused.ID))

	require.NoError(t, repo.SetActive(ctx, active.ID, false))
	require.NoError(t, repo.SetActive(ctx, paused.ID, true))
	require.NoError(t, r.Sync(ctx, active.ID))
	require.NoError(t, r.Sync(ctx, paused.ID))
	assert.False(t, r.Has(active.ID))
	assert.True(t, r.Has(paused.ID))

	require.NoError(t, r.Sync(ctx, 9999))
}

func TestStopClearsTriggers(t *testing.T) {
	r, _ := newRegistry(t, &countingQueue{})
	require.NoError(t, r.Add(model.Schedule{ID: 1, CronPattern: "@hourly"}))
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx)
	assert.Equal(t, 0, r.Len())
}

func TestScheduleFiresEndToEnd(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, config.DatabaseConfig{Driver: db.DriverSQLite, Path: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	defer conn.Close()

	campaigns := &repository.CampaignRepository{DB: conn}
	senders := &repository.SenderRepository{DB: conn}
	templates := &repository.TemplateRepository{DB: conn}
	clients := &repository.ClientRepository{DB: conn}
	schedules := &repository.ScheduleRepository{DB: conn}
	logs := &repository.LogRepository{DB: conn}

	sender := &model.Sender{UserID: 1, Name: "Ops", Email: "ops@example.com", Host: "localhost", Port: 2525}
	require.NoError(t, senders.Create(ctx, sender))
	tpl := &model.Template{UserID: 1, Name: "t", Subject: "Hello", Content: "{{name}}: {{email}}"}
	require.NoError(t, templates.Create(ctx, tpl))
	require.NoError(t, clients.Create(ctx, &model.Client{UserID: 1, Name: "Ana", Email: "ana@example.com"}))
	require.NoError(t, clients.Create(ctx, &model.Client{UserID: 1, Name: "Bruno", Email: "bruno@example.com"}))
	sch := &model.Schedule{UserID: 1, Name: "now", SenderID: sender.ID, TemplateID: tpl.ID, CronPattern: "@every 1s", IsActive: true}
	require.NoError(t, schedules.Create(ctx, sch))

	q := queue.NewInMemoryQueue(zerolog.Nop())
	builder := &service.CampaignService{
		CampaignRepo: campaigns, SenderRepo: senders, TemplateRepo: templates,
		ClientRepo: clients, LogRepo: logs, Log: zerolog.Nop(),
	}
	dispatcher := service.NewDispatcher(campaigns, senders, templates, logs, okTransport{}, 0, zerolog.Nop())
	reg := NewRegistry(schedules, q, "UTC", zerolog.Nop())
	svc := &service.ScheduleService{
		ScheduleRepo: schedules, LogRepo: logs, Campaigns: builder,
		Queue: q, Registry: reg, Log: zerolog.Nop(),
	}
	require.NoError(t, service.RegisterHandlers(ctx, q, svc, dispatcher))
	require.NoError(t, reg.Initialize(ctx))

	reg.Start()
	// Deactivate right after the first fire so exactly one campaign exists.
	require.Eventually(t, func() bool {
		list, _, err := campaigns.ListCampaigns(ctx, 1, 0, 10, "")
		if err != nil || len(list) == 0 {
			return false
		}
		reg.Remove(sch.ID)
		return true
	}, 5*time.Second, 20*time.Millisecond)
	reg.Stop(ctx)
	q.Wait()

	list, total, err := campaigns.ListCampaigns(ctx, 1, 0, 10, "")
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, model.CampaignStatusCompleted, list[0].Status)

	rows, err := campaigns.ListRecipients(ctx, list[0].ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, model.RecipientStatusSent, row.Status)
	}
}
