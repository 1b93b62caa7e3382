package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/repository"
)

func TestRunIsolatesRecipientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	c := f.addClient(t, 1, "Carla", "carla@example.com")
	f.transport.failFor["bruno@example.com"] = true

	campaign := f.newCampaign(t, a, b, c)
	res, err := f.dispatcher.Run(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Completed)
	assert.NotEmpty(t, res.RunID)

	assert.Equal(t, []string{"sent", "failed", "sent"}, f.statuses(t, campaign.ID))
	assert.Equal(t, 1, f.transport.opens)
	assert.Equal(t, 1, f.transport.closes)

	rows, err := f.campaigns.ListRecipients(ctx, campaign.ID)
	require.NoError(t, err)
	require.NotNil(t, rows[1].ErrorMessage)
	assert.Contains(t, *rows[1].ErrorMessage, "550")
	assert.NotNil(t, rows[0].SentAt)
	assert.Nil(t, rows[1].SentAt)

	got, err := f.campaigns.GetByID(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	logs := f.actions(t, 1)
	last := logs[len(logs)-1]
	assert.Equal(t, model.LogActionCompleteCampaign, last.Action)
	assert.Equal(t, "Campaign completed: 2 sent, 1 failed", last.Details)
}

func TestRunRendersPerRecipient(t *testing.T) {
	f := newFixture(t)
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	campaign := f.newCampaign(t, a)

	_, err := f.dispatcher.Run(context.Background(), campaign.ID)
	require.NoError(t, err)

	sent := f.transport.envelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, "ana@example.com", sent[0].To)
	assert.Equal(t, "Hi Ana", sent[0].Subject)
	assert.Equal(t, "Ana: ana@example.com {{missing}}", sent[0].HTML)
}

func TestRunAllFailedStillCompletes(t *testing.T) {
	f := newFixture(t)
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	f.transport.failFor["ana@example.com"] = true
	campaign := f.newCampaign(t, a)

	res, err := f.dispatcher.Run(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.True(t, res.Completed)

	got, err := f.campaigns.GetByID(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusCompleted, got.Status)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	campaign := f.newCampaign(t, a, b)

	_, err := f.dispatcher.Run(ctx, campaign.ID)
	require.NoError(t, err)
	before := f.statuses(t, campaign.ID)
	logsBefore := len(f.actions(t, 1))

	res, err := f.dispatcher.Run(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent+res.Failed)
	assert.False(t, res.Completed)
	assert.Equal(t, before, f.statuses(t, campaign.ID))
	assert.Len(t, f.transport.envelopes(), 2)
	assert.Len(t, f.actions(t, 1), logsBefore)
	// No pending rows means no session is opened.
	assert.Equal(t, 1, f.transport.opens)
}

func TestRunTransportUnavailableLeavesRowsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	campaign := f.newCampaign(t, a, b)

	f.transport.openErr = errors.New("dial tcp: connection refused")
	_, err := f.dispatcher.Run(ctx, campaign.ID)
	require.Error(t, err)
	assert.True(t, appErrors.IsTransportUnavailable(err))
	assert.Equal(t, []string{"pending", "pending"}, f.statuses(t, campaign.ID))

	got, err := f.campaigns.GetByID(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSending, got.Status)

	f.transport.openErr = nil
	res, err := f.dispatcher.Run(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, []string{"sent", "sent"}, f.statuses(t, campaign.ID))
}

func TestRunResumesAfterPartialProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	campaign := f.newCampaign(t, a, b)

	// Simulate a crash after the first recipient was recorded.
	rows, err := f.campaigns.ListRecipients(ctx, campaign.ID)
	require.NoError(t, err)
	_, err = f.campaigns.MarkRecipientSent(ctx, rows[0].ID, time.Now())
	require.NoError(t, err)

	res, err := f.dispatcher.Run(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	sent := f.transport.envelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, "bruno@example.com", sent[0].To)
}

func TestRunPacesSends(t *testing.T) {
	f := newFixture(t)
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	c := f.addClient(t, 1, "Carla", "carla@example.com")
	f.transport.failFor["bruno@example.com"] = true
	campaign := f.newCampaign(t, a, b, c)

	delay := 40 * time.Millisecond
	f.dispatcher.SendDelay = delay

	start := time.Now()
	_, err := f.dispatcher.Run(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*delay)

	require.Len(t, f.transport.sentAt, 3)
	for i := 1; i < len(f.transport.sentAt); i++ {
		assert.GreaterOrEqual(t, f.transport.sentAt[i].Sub(f.transport.sentAt[i-1]), delay)
	}
}

func TestRunCountsDelays(t *testing.T) {
	f := newFixture(t)
	ids := []int64{
		f.addClient(t, 1, "Ana", "ana@example.com"),
		f.addClient(t, 1, "Bruno", "bruno@example.com"),
		f.addClient(t, 1, "Carla", "carla@example.com"),
		f.addClient(t, 1, "Duarte", "duarte@example.com"),
	}
	campaign := f.newCampaign(t, ids...)

	var slept []time.Duration
	f.dispatcher.SendDelay = time.Second
	f.dispatcher.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := f.dispatcher.Run(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, slept)
}

func TestRunIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	campaign := f.newCampaign(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.dispatcher.Run(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestRunUnknownCampaign(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Run(context.Background(), 404)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestRunRejectsConcurrentRunOfSameCampaign(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.dispatcher.acquire(7))
	defer f.dispatcher.release(7)

	_, err := f.dispatcher.Run(context.Background(), 7)
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunClaimSharedAcrossDispatchers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	c := f.addClient(t, 1, "Carla", "carla@example.com")
	campaign := f.newCampaign(t, a, b, c)

	// first is parked in its first pause, as a server would be mid-campaign.
	paused := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once
	f.dispatcher.SendDelay = time.Second
	f.dispatcher.sleep = func(time.Duration) {
		once.Do(func() { close(paused) })
		<-resume
	}

	type outcome struct {
		res *RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.dispatcher.Run(ctx, campaign.ID)
		done <- outcome{res, err}
	}()
	<-paused

	// second shares only the database, like a separate CLI process.
	second := NewDispatcher(f.campaigns, f.senders, f.templates, f.logs, f.transport, 0, zerolog.Nop())
	_, err := second.Run(ctx, campaign.ID)
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(resume)
	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, 3, out.res.Sent)

	sent := f.transport.envelopes()
	require.Len(t, sent, 3)
	assert.Equal(t, []string{"ana@example.com", "bruno@example.com", "carla@example.com"},
		[]string{sent[0].To, sent[1].To, sent[2].To})

	// The claim is released, so a later resume runs and finds nothing to do.
	res, err := second.Run(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Len(t, f.transport.envelopes(), 3)
}

func TestRunTakesOverAbandonedClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	campaign := f.newCampaign(t, a)

	// A crashed process left its claim behind.
	ok, err := f.campaigns.ClaimDispatch(ctx, campaign.ID, "crashed", time.Now().Add(-time.Hour), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.dispatcher.Run(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.True(t, res.Completed)
}

func TestRunStopsWhenClaimIsLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	campaign := f.newCampaign(t, a, b)

	f.dispatcher.SendDelay = time.Second
	f.dispatcher.sleep = func(time.Duration) {
		// Another run takes over while this one sleeps.
		require.NoError(t, f.campaigns.ReleaseDispatch(ctx, campaign.ID, currentOwner(t, f, campaign.ID)))
		ok, err := f.campaigns.ClaimDispatch(ctx, campaign.ID, "other", time.Now(), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	res, err := f.dispatcher.Run(ctx, campaign.ID)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, 1, res.Sent)
	assert.False(t, res.Completed)
	assert.Equal(t, []string{"sent", "pending"}, f.statuses(t, campaign.ID))
	require.Len(t, f.transport.envelopes(), 1)

	got, err := f.campaigns.GetByID(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusSending, got.Status)
}

func currentOwner(t *testing.T, f *fixture, campaignID int64) string {
	t.Helper()
	var owner string
	require.NoError(t, f.campaigns.DB.Get(&owner, `SELECT dispatch_owner FROM campaigns WHERE id=?`, campaignID))
	return owner
}

func TestRunFailsRecipientsWhenSenderIsGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	campaign := f.newCampaign(t, a, b)

	f.dispatcher.SenderRepo = missingSenders{f.senders}
	res, err := f.dispatcher.Run(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.True(t, res.Completed)
	assert.Equal(t, []string{"failed", "failed"}, f.statuses(t, campaign.ID))
	assert.Empty(t, f.transport.envelopes())
	assert.Equal(t, 0, f.transport.opens)

	rows, err := f.campaigns.ListRecipients(ctx, campaign.ID)
	require.NoError(t, err)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "sender")
}

type missingSenders struct {
	repository.SenderRepositoryInterface
}

func (missingSenders) GetByID(ctx context.Context, id int64) (*model.Sender, error) {
	return nil, appErrors.NewNotFound("sender", id)
}

func TestRunning(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.dispatcher.acquire(9))
	require.True(t, f.dispatcher.acquire(3))
	assert.Equal(t, []int64{3, 9}, f.dispatcher.Running())
	f.dispatcher.release(9)
	f.dispatcher.release(3)
	assert.Empty(t, f.dispatcher.Running())
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	a := f.addClient(t, 1, "Ana", "ana@example.com")
	b := f.addClient(t, 1, "Bruno", "bruno@example.com")
	f.transport.failFor["bruno@example.com"] = true
	campaign := f.newCampaign(t, a, b)

	stats, err := f.dispatcher.Stats(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStats{Total: 2, Pending: 2}, stats)

	_, err = f.dispatcher.Run(context.Background(), campaign.ID)
	require.NoError(t, err)
	stats, err = f.dispatcher.Stats(context.Background(), campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStats{Total: 2, Sent: 1, Failed: 1}, stats)
}
