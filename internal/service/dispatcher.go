package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/mailer"
	"github.com/unclebandit/campaign-mailer/internal/metrics"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

// ErrRunInProgress is returned when another run, in this process or any
// other sharing the database, is already dispatching the campaign.
var ErrRunInProgress = errors.New("dispatch already running for campaign")

// DefaultLeaseTTL is how long a run's claim survives without a heartbeat.
const DefaultLeaseTTL = 2 * time.Minute

// RunResult summarises one dispatch run.
type RunResult struct {
	CampaignID int64
	RunID      string
	Sent       int
	Failed     int
	// Completed is true when this run moved the campaign to completed.
	Completed bool
}

// Dispatcher sends one campaign to its pending recipients, strictly in
// row order, over one transport session, pausing SendDelay between attempts.
type Dispatcher struct {
	CampaignRepo repository.CampaignRepositoryInterface
	SenderRepo   repository.SenderRepositoryInterface
	TemplateRepo repository.TemplateRepositoryInterface
	LogRepo      repository.LogRepositoryInterface
	Transport    mailer.Transport
	SendDelay    time.Duration
	LeaseTTL     time.Duration
	Log          zerolog.Logger

	// sleep is swapped in tests.
	sleep func(time.Duration)

	mu      sync.Mutex
	running map[int64]struct{}
}

func NewDispatcher(
	campaigns repository.CampaignRepositoryInterface,
	senders repository.SenderRepositoryInterface,
	templates repository.TemplateRepositoryInterface,
	logs repository.LogRepositoryInterface,
	transport mailer.Transport,
	sendDelay time.Duration,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		CampaignRepo: campaigns,
		SenderRepo:   senders,
		TemplateRepo: templates,
		LogRepo:      logs,
		Transport:    transport,
		SendDelay:    sendDelay,
		LeaseTTL:     DefaultLeaseTTL,
		Log:          log.With().Str("component", "dispatcher").Logger(),
		sleep:        time.Sleep,
		running:      map[int64]struct{}{},
	}
}

// Run processes every pending recipient of the campaign and then marks it
// completed, whatever the individual outcomes. Only pending rows are read,
// so calling Run again resumes an interrupted run and is a no-op on a
// completed campaign. A started run is not cancelled by ctx.
//
// The run claims the campaign in the database before reading pending rows
// and renews the claim after every recipient, so two processes never send
// the same campaign at once.
func (d *Dispatcher) Run(ctx context.Context, campaignID int64) (*RunResult, error) {
	if !d.acquire(campaignID) {
		return nil, ErrRunInProgress
	}
	defer d.release(campaignID)

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	res := &RunResult{CampaignID: campaignID, RunID: uuid.NewString()}
	log := d.Log.With().Int64("campaign_id", campaignID).Str("run_id", res.RunID).Logger()

	err := d.run(ctx, log, res)

	result := "completed"
	switch {
	case appErrors.IsTransportUnavailable(err):
		result = "transport_unavailable"
	case errors.Is(err, ErrRunInProgress):
		result = "claimed_elsewhere"
	case err != nil:
		result = "error"
	}
	metrics.RecordDispatchDuration(result, time.Since(start).Seconds())

	if errors.Is(err, ErrRunInProgress) {
		log.Info().Err(err).Int("sent", res.Sent).Msg("dispatch left to the other run")
		return res, err
	}
	if err != nil {
		log.Error().Err(err).Int("sent", res.Sent).Int("failed", res.Failed).Msg("dispatch aborted")
		return res, err
	}
	log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Dur("took", time.Since(start)).Msg("dispatch finished")
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, log zerolog.Logger, res *RunResult) error {
	campaign, err := d.CampaignRepo.GetByID(ctx, res.CampaignID)
	if err != nil {
		return lookupError("load campaign", err)
	}

	claimed, err := d.CampaignRepo.ClaimDispatch(ctx, campaign.ID, res.RunID, time.Now(), d.leaseTTL())
	if err != nil {
		return appErrors.NewPersistence("claim campaign", err)
	}
	if !claimed {
		return ErrRunInProgress
	}
	defer func() {
		if err := d.CampaignRepo.ReleaseDispatch(ctx, campaign.ID, res.RunID); err != nil {
			log.Warn().Err(err).Msg("failed to release dispatch claim")
		}
	}()

	pending, err := d.CampaignRepo.ListPendingRecipients(ctx, campaign.ID)
	if err != nil {
		return appErrors.NewPersistence("list pending recipients", err)
	}

	if len(pending) > 0 {
		if err := d.sendAll(ctx, log, campaign, pending, res); err != nil {
			return err
		}
	}
	return d.complete(ctx, log, campaign, res)
}

func (d *Dispatcher) sendAll(ctx context.Context, log zerolog.Logger, campaign *model.Campaign, pending []model.PendingRecipient, res *RunResult) error {
	sender, err := d.SenderRepo.GetByID(ctx, campaign.SenderID)
	if err != nil {
		return d.failAll(ctx, log, pending, res, lookupError("load sender", err))
	}
	tpl, err := d.TemplateRepo.GetByID(ctx, campaign.TemplateID)
	if err != nil {
		return d.failAll(ctx, log, pending, res, lookupError("load template", err))
	}

	cfg := mailer.Build(sender)
	session, err := d.Transport.Open(ctx, cfg)
	if err != nil {
		return appErrors.NewTransportUnavailable(cfg.Host, cfg.Port, err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close transport session")
		}
	}()

	log.Info().Int("pending", len(pending)).Str("host", cfg.Host).Msg("dispatch started")

	for i, p := range pending {
		if i > 0 {
			if d.SendDelay > 0 {
				d.sleep(d.SendDelay)
			}
			// Stop before sending if another run took the campaign over.
			if err := d.renew(ctx, campaign.ID, res.RunID); err != nil {
				return err
			}
		}

		subject, body := RenderMessage(tpl.Subject, tpl.Content, p.FieldMap())
		sendErr := session.Send(ctx, mailer.Envelope{To: p.Email, Subject: subject, HTML: body})

		var (
			changed bool
			err     error
		)
		if sendErr == nil {
			changed, err = d.CampaignRepo.MarkRecipientSent(ctx, p.RecipientID, time.Now())
		} else {
			rse := &appErrors.RecipientSendError{RecipientID: p.RecipientID, Email: p.Email, Err: sendErr}
			log.Warn().Err(rse).Int64("recipient_id", p.RecipientID).Msg("recipient send failed")
			changed, err = d.CampaignRepo.MarkRecipientFailed(ctx, p.RecipientID, sendErr.Error())
		}
		if err != nil {
			return appErrors.NewPersistence(fmt.Sprintf("record recipient %d", p.RecipientID), err)
		}
		if !changed {
			log.Warn().Int64("recipient_id", p.RecipientID).Msg("recipient row already settled")
			continue
		}

		if sendErr == nil {
			res.Sent++
			metrics.RecordRecipient(model.RecipientStatusSent)
		} else {
			res.Failed++
			metrics.RecordRecipient(model.RecipientStatusFailed)
		}

	}
	return nil
}

// failAll records every pending row as failed when the campaign can never be
// sent because its sender or template is gone. Other lookup errors abort.
func (d *Dispatcher) failAll(ctx context.Context, log zerolog.Logger, pending []model.PendingRecipient, res *RunResult, cause error) error {
	if !appErrors.IsNotFound(cause) {
		return cause
	}
	log.Error().Err(cause).Int("pending", len(pending)).Msg("campaign cannot be sent, failing pending recipients")
	for _, p := range pending {
		changed, err := d.CampaignRepo.MarkRecipientFailed(ctx, p.RecipientID, cause.Error())
		if err != nil {
			return appErrors.NewPersistence(fmt.Sprintf("record recipient %d", p.RecipientID), err)
		}
		if changed {
			res.Failed++
			metrics.RecordRecipient(model.RecipientStatusFailed)
		}
	}
	return nil
}

func (d *Dispatcher) renew(ctx context.Context, campaignID int64, runID string) error {
	held, err := d.CampaignRepo.RenewDispatch(ctx, campaignID, runID, time.Now())
	if err != nil {
		return appErrors.NewPersistence("renew campaign claim", err)
	}
	if !held {
		return fmt.Errorf("%w: claim on campaign %d was taken over", ErrRunInProgress, campaignID)
	}
	return nil
}

// leaseTTL never lets the claim expire during a single pause between sends.
func (d *Dispatcher) leaseTTL() time.Duration {
	ttl := d.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if floor := 3 * d.SendDelay; ttl < floor {
		ttl = floor
	}
	return ttl
}

// complete marks the campaign completed and writes the audit entry once.
func (d *Dispatcher) complete(ctx context.Context, log zerolog.Logger, campaign *model.Campaign, res *RunResult) error {
	changed, err := d.CampaignRepo.MarkCompleted(ctx, campaign.ID, time.Now())
	if err != nil {
		return appErrors.NewPersistence("complete campaign", err)
	}
	if !changed {
		return nil
	}
	res.Completed = true

	stats, err := d.CampaignRepo.GetCampaignStats(ctx, campaign.ID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load final stats")
		stats = model.CampaignStats{Sent: res.Sent, Failed: res.Failed}
	}
	if d.LogRepo != nil {
		details := fmt.Sprintf("Campaign completed: %d sent, %d failed", stats.Sent, stats.Failed)
		if err := d.LogRepo.Append(ctx, campaign.UserID, model.LogActionCompleteCampaign, details); err != nil {
			log.Warn().Err(err).Msg("failed to append audit log")
		}
	}
	return nil
}

// Stats returns the aggregated recipient counts of a campaign.
func (d *Dispatcher) Stats(ctx context.Context, campaignID int64) (model.CampaignStats, error) {
	if _, err := d.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return model.CampaignStats{}, err
	}
	return d.CampaignRepo.GetCampaignStats(ctx, campaignID)
}

// Running lists the campaigns this process is dispatching right now.
func (d *Dispatcher) Running() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]int64, 0, len(d.running))
	for id := range d.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Dispatcher) acquire(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running == nil {
		d.running = map[int64]struct{}{}
	}
	if _, ok := d.running[id]; ok {
		return false
	}
	d.running[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.running, id)
}
