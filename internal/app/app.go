// Package app wires storage, queue and services for the binaries.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/db"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/scheduler"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

const (
	QueueMemory = "memory"
	QueueAMQP   = "amqp"
)

type App struct {
	Config *config.Config
	DB     *sqlx.DB
	Queue  queue.Queue
	Log    zerolog.Logger

	CampaignRepo *repository.CampaignRepository
	SenderRepo   *repository.SenderRepository
	TemplateRepo *repository.TemplateRepository
	ClientRepo   *repository.ClientRepository
	ScheduleRepo *repository.ScheduleRepository
	LogRepo      *repository.LogRepository

	Campaigns  *service.CampaignService
	Dispatcher *service.Dispatcher
	Schedules  *service.ScheduleService
	Senders    *service.SenderService
	Registry   *scheduler.Registry

	closers []func() error
}

// New opens the database and the configured queue and builds every service.
// Nothing is subscribed or started yet.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	conn, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Log: log}
	a.closers = append(a.closers, conn.Close)

	switch strings.ToLower(cfg.Queue.Driver) {
	case QueueMemory, "":
		q := queue.NewInMemoryQueue(log)
		q.SetRetries(queue.TopicCampaignDispatch, cfg.Queue.DispatchRetries)
		a.Queue = q
	case QueueAMQP:
		q, err := queue.DialAMQP(cfg.Queue.AMQPURL, cfg.Queue.Prefetch, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		// schedule.fired is never retried: a second attempt would build a
		// second campaign for the same firing.
		q.SetRetries(queue.TopicCampaignDispatch, cfg.Queue.DispatchRetries)
		a.Queue = q
		a.closers = append(a.closers, q.Close)
	default:
		_ = a.Close()
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}

	a.CampaignRepo = &repository.CampaignRepository{DB: conn}
	a.SenderRepo = &repository.SenderRepository{DB: conn}
	a.TemplateRepo = &repository.TemplateRepository{DB: conn}
	a.ClientRepo = &repository.ClientRepository{DB: conn}
	a.ScheduleRepo = &repository.ScheduleRepository{DB: conn}
	a.LogRepo = &repository.LogRepository{DB: conn}

	transport := mailer.NewSMTPTransport(mailer.Options{
		DialTimeout: cfg.Dispatch.DialTimeout,
		SendTimeout: cfg.Dispatch.SendTimeout,
	})

	a.Campaigns = &service.CampaignService{
		CampaignRepo: a.CampaignRepo,
		SenderRepo:   a.SenderRepo,
		TemplateRepo: a.TemplateRepo,
		ClientRepo:   a.ClientRepo,
		LogRepo:      a.LogRepo,
		Log:          log.With().Str("component", "campaigns").Logger(),
	}
	a.Dispatcher = service.NewDispatcher(a.CampaignRepo, a.SenderRepo, a.TemplateRepo, a.LogRepo,
		transport, cfg.Dispatch.SendDelay, log)
	a.Dispatcher.LeaseTTL = cfg.Dispatch.LeaseTTL
	a.Registry = scheduler.NewRegistry(a.ScheduleRepo, a.Queue, cfg.Scheduler.Timezone, log)
	a.Schedules = &service.ScheduleService{
		ScheduleRepo: a.ScheduleRepo,
		LogRepo:      a.LogRepo,
		Campaigns:    a.Campaigns,
		Queue:        a.Queue,
		Registry:     a.Registry,
		Log:          log.With().Str("component", "schedules").Logger(),
	}
	a.Senders = &service.SenderService{
		SenderRepo: a.SenderRepo,
		LogRepo:    a.LogRepo,
		Transport:  transport,
		Log:        log.With().Str("component", "senders").Logger(),
	}
	return a, nil
}

// Consume subscribes the schedule and dispatch handlers to the queue.
func (a *App) Consume(ctx context.Context) error {
	return service.RegisterHandlers(ctx, a.Queue, a.Schedules, a.Dispatcher)
}

// InProcess reports whether jobs run inside this process.
func (a *App) InProcess() bool {
	_, ok := a.Queue.(*queue.InMemoryQueue)
	return ok
}

// Drain waits for jobs already being handled by this process, or until ctx
// ends. Campaigns still running when it gives up are logged; their pending
// rows are picked up again by a later run.
func (a *App) Drain(ctx context.Context) error {
	var err error
	switch q := a.Queue.(type) {
	case *queue.InMemoryQueue:
		err = q.WaitContext(ctx)
	case *queue.AMQPQueue:
		err = q.Wait(ctx)
	}
	if err != nil {
		a.Log.Warn().Err(err).Ints64("campaign_ids", a.Dispatcher.Running()).
			Msg("shutdown before dispatch finished, campaigns left sending")
	}
	return err
}

func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
