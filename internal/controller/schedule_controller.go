package controller

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/unclebandit/campaign-mailer/internal/service"
)

type ScheduleController struct {
	ScheduleService *service.ScheduleService
	Log             zerolog.Logger

	validate *validator.Validate
}

func NewScheduleController(svc *service.ScheduleService, log zerolog.Logger) *ScheduleController {
	return &ScheduleController{ScheduleService: svc, Log: log, validate: validator.New()}
}

type setActiveRequest struct {
	IsActive *bool `json:"isActive" validate:"required"`
}

func (c *ScheduleController) SetActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	var body setActiveRequest
	if err := decode(r, c.validate, &body); err != nil {
		respondErr(w, c.Log, err)
		return
	}

	sch, err := c.ScheduleService.SetActive(r.Context(), id, userID(r), *body.IsActive)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func (c *ScheduleController) Sync(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	sch, err := c.ScheduleService.Sync(r.Context(), id, userID(r))
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}
