// Package scheduler keeps one live cron trigger per active schedule.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// Registry maps schedule ids to cron entries. Firing only publishes a
// schedule.fired message; building and dispatching happen on the queue.
type Registry struct {
	repo  repository.ScheduleRepositoryInterface
	queue queue.Queue
	log   zerolog.Logger

	mu      sync.Mutex
	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	entries map[int64]cron.EntryID
}

func NewRegistry(repo repository.ScheduleRepositoryInterface, q queue.Queue, timezone string, log zerolog.Logger) *Registry {
	r := &Registry{
		repo:    repo,
		queue:   q,
		log:     log.With().Str("component", "scheduler").Logger(),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries: map[int64]cron.EntryID{},
	}
	r.loc = r.loadLocation(timezone)
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(r.loc))
	return r
}

// Initialize registers a trigger for every persisted active schedule. A
// schedule with a broken expression is logged and skipped.
func (r *Registry) Initialize(ctx context.Context) error {
	schedules, err := r.repo.ListActive(ctx)
	if err != nil {
		return appErrors.NewPersistence("list active schedules", err)
	}
	for _, s := range schedules {
		if err := r.Add(s); err != nil {
			r.log.Error().Err(err).Int64("schedule_id", s.ID).Msg("skipping schedule")
		}
	}
	r.log.Info().Int("loaded", r.Len()).Int("active", len(schedules)).Msg("schedules initialized")
	return nil
}

// Add validates the expression and registers the trigger, replacing any
// existing trigger for the same id.
func (r *Registry) Add(s model.Schedule) error {
	sched, err := r.parser.Parse(strings.TrimSpace(s.CronPattern))
	if err != nil {
		return appErrors.NewInvalidScheduleExpression(s.CronPattern, err)
	}

	id := s.ID
	job := cron.FuncJob(func() { r.fire(id) })

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[id]; ok {
		r.c.Remove(old)
	}
	r.entries[id] = r.c.Schedule(sched, job)
	metrics.SetLiveTriggers(len(r.entries))

	r.log.Info().Int64("schedule_id", id).Str("pattern", s.CronPattern).Msg("trigger registered")
	return nil
}

// Remove cancels the trigger for id. Unknown ids are ignored.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[id]
	if !ok {
		return
	}
	r.c.Remove(entry)
	delete(r.entries, id)
	metrics.SetLiveTriggers(len(r.entries))
	r.log.Info().Int64("schedule_id", id).Msg("trigger removed")
}

// Sync reloads one schedule from storage and adds or removes its trigger.
func (r *Registry) Sync(ctx context.Context, id int64) error {
	s, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			r.Remove(id)
			return nil
		}
		return err
	}
	if !s.IsActive {
		r.Remove(id)
		return nil
	}
	return r.Add(*s)
}

func (r *Registry) Has(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Next returns the next fire time of the trigger for id.
func (r *Registry) Next(id int64) (time.Time, bool) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := r.c.Entry(entry)
	// Next is only filled in once the cron is running.
	if e.Next.IsZero() && e.Schedule != nil {
		return e.Schedule.Next(time.Now().In(r.loc)), true
	}
	return e.Next, true
}

func (r *Registry) Start() {
	r.c.Start()
	r.log.Info().Str("tz", r.loc.String()).Msg("scheduler started")
}

// Stop halts the timers and waits for running callbacks, or for ctx.
// Registered entries are discarded.
func (r *Registry) Stop(ctx context.Context) {
	done := r.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn().Msg("scheduler stop timed out")
	}

	r.mu.Lock()
	for id, entry := range r.entries {
		r.c.Remove(entry)
		delete(r.entries, id)
	}
	r.mu.Unlock()
	metrics.SetLiveTriggers(0)
	r.log.Info().Msg("scheduler stopped")
}

// fire runs on the cron goroutine and must not block on the dispatch.
func (r *Registry) fire(id int64) {
	if err := r.queue.Publish(queue.TopicScheduleFired, queue.Message{ScheduleID: id}); err != nil {
		metrics.RecordScheduleFire("dropped")
		r.log.Error().Err(err).Int64("schedule_id", id).Msg("failed to enqueue schedule fire")
		return
	}
	metrics.RecordScheduleFire("queued")
	r.log.Debug().Int64("schedule_id", id).Msg("schedule fired")
}

func (r *Registry) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn().Err(err).Str("tz", tz).Msg("invalid timezone, falling back to Local")
		return time.Local
	}
	return loc
}
