package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
)

// UserHeader carries the authenticated caller id, set by the gateway in front.
const UserHeader = "X-User-ID"

// NewRouter mounts every controller on one chi router.
func NewRouter(campaigns *CampaignController, senders *SenderController, schedules *ScheduleController, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(requireUser)

		r.Post("/campaigns", campaigns.CreateCampaign)
		r.Get("/campaigns", campaigns.ListCampaigns)
		r.Get("/campaigns/{id}", campaigns.GetCampaignDetails)
		r.Get("/campaigns/{id}/recipients", campaigns.ListRecipients)
		r.Post("/campaigns/{id}/resume", campaigns.ResumeCampaign)

		r.Post("/senders/{id}/test", senders.TestSender)

		r.Put("/schedules/{id}/active", schedules.SetActive)
		r.Post("/schedules/{id}/sync", schedules.Sync)
	})
	return r
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

type ctxKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusUnauthorized, "missing or invalid "+UserHeader)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), id)))
	})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.NewValidation("id", "must be a positive integer")
	}
	return id, nil
}

func decode(r *http.Request, v *validator.Validate, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return appErrors.NewValidation("body", "invalid JSON: "+err.Error())
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return appErrors.NewValidation(fe.Field(), "failed on '"+fe.Tag()+"'")
		}
		return appErrors.NewValidation("body", err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// respondErr maps the error taxonomy onto HTTP status codes.
func respondErr(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case appErrors.IsValidation(err), appErrors.IsInvalidScheduleExpression(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case appErrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case appErrors.IsTransportUnavailable(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
