package controller

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/unclebandit/campaign-mailer/internal/service"
)

// SenderController exposes the sender connection test. Each caller gets its
// own token bucket so one user cannot hammer an SMTP host through us.
type SenderController struct {
	SenderService *service.SenderService
	Log           zerolog.Logger

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
	rps      float64
	burst    int
}

func NewSenderController(svc *service.SenderService, rps float64, burst int, log zerolog.Logger) *SenderController {
	if burst <= 0 {
		burst = 1
	}
	return &SenderController{
		SenderService: svc,
		Log:           log,
		limiters:      map[int64]*rate.Limiter{},
		rps:           rps,
		burst:         burst,
	}
}

func (c *SenderController) limiter(user int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[user]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.rps), c.burst)
		c.limiters[user] = l
	}
	return l
}

func (c *SenderController) TestSender(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondErr(w, c.Log, err)
		return
	}
	owner := userID(r)
	if !c.limiter(owner).Allow() {
		writeError(w, http.StatusTooManyRequests, "too many sender tests, slow down")
		return
	}

	if err := c.SenderService.Verify(r.Context(), id, owner); err != nil {
		respondErr(w, c.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sender_id": id, "ok": true})
}
