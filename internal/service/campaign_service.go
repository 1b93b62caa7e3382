// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// CampaignService snapshots recipient sets into new campaigns.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	SenderRepo   repository.SenderRepositoryInterface
	TemplateRepo repository.TemplateRepositoryInterface
	ClientRepo   repository.ClientRepositoryInterface
	LogRepo      repository.LogRepositoryInterface
	Log          zerolog.Logger
}

// CreateCampaignRequest is the input of CreateCampaign.
type CreateCampaignRequest struct {
	Name         string
	OwnerID      int64
	SenderID     int64
	TemplateID   int64
	RecipientIDs []int64
	ScheduleID   *int64
}

type CampaignDetails struct {
	*model.Campaign
	Stats model.CampaignStats `json:"stats"`
}

// CreateCampaign validates ownership and creates the campaign with one
// pending row per distinct recipient, atomically.
func (s *CampaignService) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*model.Campaign, error) {
	recipients := dedupe(req.RecipientIDs)
	if len(recipients) == 0 {
		return nil, appErrors.NewEmptyRecipientSet()
	}

	if _, err := s.SenderRepo.GetOwned(ctx, req.SenderID, req.OwnerID); err != nil {
		return nil, lookupError("load sender", err)
	}
	if _, err := s.TemplateRepo.GetOwned(ctx, req.TemplateID, req.OwnerID); err != nil {
		return nil, lookupError("load template", err)
	}

	owned, err := s.ClientRepo.OwnedIDs(ctx, req.OwnerID, recipients)
	if err != nil {
		return nil, appErrors.NewPersistence("load clients", err)
	}
	if len(owned) != len(recipients) {
		return nil, appErrors.NewNotFound("client", firstMissing(recipients, owned))
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Campaign %s", time.Now().UTC().Format(time.RFC3339))
	}
	c := &model.Campaign{
		Name:       name,
		UserID:     req.OwnerID,
		SenderID:   req.SenderID,
		TemplateID: req.TemplateID,
		ScheduleID: req.ScheduleID,
		Status:     model.CampaignStatusSending,
	}
	if err := s.CampaignRepo.CreateWithRecipients(ctx, c, recipients); err != nil {
		return nil, appErrors.NewPersistence("create campaign", err)
	}

	s.Log.Info().Int64("campaign_id", c.ID).Int64("user_id", c.UserID).
		Int("recipients", len(recipients)).Msg("campaign created")
	s.audit(ctx, c.UserID, model.LogActionCreateCampaign,
		fmt.Sprintf("Created campaign: %s with %d recipients", c.Name, len(recipients)))
	return c, nil
}

// CreateFromSchedule re-snapshots every client the schedule owner currently
// has into a brand-new campaign.
func (s *CampaignService) CreateFromSchedule(ctx context.Context, sch *model.Schedule) (*model.Campaign, error) {
	clients, err := s.ClientRepo.ListByOwner(ctx, sch.UserID)
	if err != nil {
		return nil, appErrors.NewPersistence("list clients", err)
	}
	ids := make([]int64, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.ID)
	}

	scheduleID := sch.ID
	return s.CreateCampaign(ctx, CreateCampaignRequest{
		Name:         fmt.Sprintf("Scheduled: %s - %s", sch.Name, time.Now().UTC().Format(time.RFC3339)),
		OwnerID:      sch.UserID,
		SenderID:     sch.SenderID,
		TemplateID:   sch.TemplateID,
		RecipientIDs: ids,
		ScheduleID:   &scheduleID,
	})
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, ownerID int64, page, pageSize int, status string) ([]*model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	campaigns, total, err := s.CampaignRepo.ListCampaigns(ctx, ownerID, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
	return campaigns, pagination, nil
}

// GetCampaignDetailsWithStats returns an owned campaign with its recipient counts.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID, ownerID int64) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetOwned(ctx, campaignID, ownerID)
	if err != nil {
		return nil, err
	}
	stats, err := s.CampaignRepo.GetCampaignStats(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

func (s *CampaignService) audit(ctx context.Context, userID int64, action, details string) {
	if s.LogRepo == nil {
		return
	}
	if err := s.LogRepo.Append(ctx, userID, action, details); err != nil {
		s.Log.Warn().Err(err).Str("action", action).Msg("failed to append audit log")
	}
}

// lookupError keeps NotFound as is and wraps anything else as a persistence failure.
func lookupError(op string, err error) error {
	if appErrors.IsNotFound(err) {
		return err
	}
	return appErrors.NewPersistence(op, err)
}

// dedupe drops repeated ids, keeping first-seen order.
func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func firstMissing(want, have []int64) int64 {
	set := make(map[int64]struct{}, len(have))
	for _, id := range have {
		set[id] = struct{}{}
	}
	for _, id := range want {
		if _, ok := set[id]; !ok {
			return id
		}
	}
	return 0
}
