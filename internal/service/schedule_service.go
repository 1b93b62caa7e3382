package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// TriggerRegistry is the part of the schedule registry the service mutates.
type TriggerRegistry interface {
	Add(s model.Schedule) error
	Remove(id int64)
}

// ScheduleService turns schedule firings into campaigns and keeps the
// registry in step with the isActive flag.
type ScheduleService struct {
	ScheduleRepo repository.ScheduleRepositoryInterface
	LogRepo      repository.LogRepositoryInterface
	Campaigns    *CampaignService
	Queue        queue.Queue
	Registry     TriggerRegistry
	Log          zerolog.Logger
}

// HandleFired builds a fresh campaign for the schedule and hands it to the
// dispatch topic. The schedule is re-read so a deactivation that raced the
// timer is honoured.
func (s *ScheduleService) HandleFired(ctx context.Context, scheduleID int64) error {
	log := s.Log.With().Int64("schedule_id", scheduleID).Logger()

	sch, err := s.ScheduleRepo.GetByID(ctx, scheduleID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			log.Warn().Msg("fired schedule no longer exists")
			return nil
		}
		return err
	}
	if !sch.IsActive {
		log.Info().Msg("fired schedule is inactive, skipping")
		return nil
	}

	campaign, err := s.Campaigns.CreateFromSchedule(ctx, sch)
	if err != nil {
		if appErrors.IsValidation(err) {
			log.Warn().Err(err).Msg("schedule has no clients, nothing to send")
			return nil
		}
		s.audit(ctx, sch.UserID, model.LogActionScheduleError,
			fmt.Sprintf("Error executing schedule %s: %v", sch.Name, err))
		return err
	}

	if err := s.ScheduleRepo.TouchLastRun(ctx, sch.ID, time.Now()); err != nil {
		log.Warn().Err(err).Msg("failed to update last run")
	}
	s.audit(ctx, sch.UserID, model.LogActionExecuteSchedule,
		fmt.Sprintf("Executed schedule: %s", sch.Name))

	if err := s.Queue.Publish(queue.TopicCampaignDispatch, queue.Message{CampaignID: campaign.ID, ScheduleID: sch.ID}); err != nil {
		log.Error().Err(err).Int64("campaign_id", campaign.ID).Msg("failed to enqueue dispatch")
		return err
	}
	log.Info().Int64("campaign_id", campaign.ID).Msg("scheduled campaign enqueued")
	return nil
}

// SetActive persists the flag and adds or removes the live trigger.
func (s *ScheduleService) SetActive(ctx context.Context, id, ownerID int64, active bool) (*model.Schedule, error) {
	sch, err := s.ScheduleRepo.GetOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if active {
		// Reject a bad expression before persisting the flag.
		sch.IsActive = true
		if err := s.Registry.Add(*sch); err != nil {
			return nil, err
		}
	}
	if err := s.ScheduleRepo.SetActive(ctx, id, active); err != nil {
		if active {
			s.Registry.Remove(id)
		}
		return nil, err
	}
	if !active {
		s.Registry.Remove(id)
	}
	sch.IsActive = active

	state := "deactivated"
	if active {
		state = "activated"
	}
	s.audit(ctx, ownerID, model.LogActionUpdateSchedule, fmt.Sprintf("Schedule %s %s", sch.Name, state))
	return sch, nil
}

// Sync re-reads one owned schedule and mirrors it into the registry.
func (s *ScheduleService) Sync(ctx context.Context, id, ownerID int64) (*model.Schedule, error) {
	sch, err := s.ScheduleRepo.GetOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if !sch.IsActive {
		s.Registry.Remove(id)
		return sch, nil
	}
	if err := s.Registry.Add(*sch); err != nil {
		return nil, err
	}
	return sch, nil
}

func (s *ScheduleService) audit(ctx context.Context, userID int64, action, details string) {
	if s.LogRepo == nil {
		return
	}
	if err := s.LogRepo.Append(ctx, userID, action, details); err != nil {
		s.Log.Warn().Err(err).Str("action", action).Msg("failed to append audit log")
	}
}

// RegisterHandlers subscribes the schedule and dispatch consumers to q.
// Jobs already taken off the queue finish even after ctx is cancelled, so a
// firing that lands during shutdown still produces its campaign.
func RegisterHandlers(ctx context.Context, q queue.Queue, schedules *ScheduleService, dispatcher *Dispatcher) error {
	ctx = context.WithoutCancel(ctx)
	if err := q.Subscribe(queue.TopicScheduleFired, func(msg queue.Message) error {
		return schedules.HandleFired(ctx, msg.ScheduleID)
	}); err != nil {
		return err
	}
	return q.Subscribe(queue.TopicCampaignDispatch, func(msg queue.Message) error {
		_, err := dispatcher.Run(ctx, msg.CampaignID)
		// Neither is fixed by retrying the job.
		if errors.Is(err, ErrRunInProgress) || appErrors.IsNotFound(err) {
			return nil
		}
		return err
	})
}
