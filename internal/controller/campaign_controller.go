// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/service"
)

func withUser(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// userID returns the caller set by requireUser.
func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKey{}).(int64)
	return id
}

type CampaignController struct {
	CampaignService *service.CampaignService
	CampaignRepo    repository.CampaignRepositoryInterface
	Queue           queue.Queue
	Log             zerolog.Logger

	validate *validator.Validate
}

func NewCampaignController(svc *service.CampaignService, repo repository.CampaignRepositoryInterface, q queue.Queue, log zerolog.Logger) *CampaignController {
	return &CampaignController{
		CampaignService: svc,
		CampaignRepo:    repo,
		Queue:           q,
		Log:             log,
		validate:        validator.New(),
	}
}

type createCampaignRequest struct {
	Name         string  `json:"name" validate:"max=200"`
	SenderID     int64   `json:"senderId" validate:"required,gt=0"`
	TemplateID   int64   `json:"templateId" validate:"required,gt=0"`
	RecipientIDs []int64 `json:"recipientIds" validate:"dive,gt=0"`
}

// CreateCampaign snapshots the recipients and enqueues the dispatch run.
func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignRequest
	if err := decode(r, c.validate, &body); err != nil {
		respondErr(w, c.Log, err)
		return
	}
	owner := userID(r)

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), service.CreateCampaignRequest{
		Name:         body.Name,
		OwnerID:      owner,
		SenderID:     body.SenderID,
		TemplateID:   body.TemplateID,
		RecipientIDs: body.RecipientIDs,
	})
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}

	if err := c.Queue.Publish(queue.TopicCampaignDispatch, queue.Message{CampaignID: campaign.ID}); err != nil {
		// Rows stay pending; POST /campaigns/{id}/resume picks them up.
		c.Log.Error().Err(err).Int64("campaign_id", campaign.ID).Msg("failed to enqueue dispatch")
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), campaign.ID, owner)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, details)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), userID(r), page, pageSize, status)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), id, userID(r))
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) ListRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	if _, err := c.CampaignRepo.GetOwned(r.Context(), id, userID(r)); err != nil {
		respondErr(w, c.Log, err)
		return
	}
	rows, err := c.CampaignRepo.ListRecipients(r.Context(), id)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rows})
}

// ResumeCampaign re-enqueues a run. Only pending rows are sent, so this is
// safe on any campaign.
func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	if _, err := c.CampaignRepo.GetOwned(r.Context(), id, userID(r)); err != nil {
		respondErr(w, c.Log, err)
		return
	}
	if err := c.Queue.Publish(queue.TopicCampaignDispatch, queue.Message{CampaignID: id}); err != nil {
		respondErr(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"campaign_id": id, "status": "queued"})
}
