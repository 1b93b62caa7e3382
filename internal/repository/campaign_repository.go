package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaigns
	CreateWithRecipients(ctx context.Context, c *model.Campaign, clientIDs []int64) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	GetOwned(ctx context.Context, id, ownerID int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, ownerID int64, offset, limit int, status string) ([]*model.Campaign, int, error)
	MarkCompleted(ctx context.Context, campaignID int64, at time.Time) (bool, error)
	ClaimDispatch(ctx context.Context, campaignID int64, owner string, now time.Time, ttl time.Duration) (bool, error)
	RenewDispatch(ctx context.Context, campaignID int64, owner string, now time.Time) (bool, error)
	ReleaseDispatch(ctx context.Context, campaignID int64, owner string) error

	// Recipients
	ListPendingRecipients(ctx context.Context, campaignID int64) ([]model.PendingRecipient, error)
	ListRecipients(ctx context.Context, campaignID int64) ([]model.CampaignRecipient, error)
	MarkRecipientSent(ctx context.Context, recipientID int64, at time.Time) (bool, error)
	MarkRecipientFailed(ctx context.Context, recipientID int64, reason string) (bool, error)
	GetCampaignStats(ctx context.Context, campaignID int64) (model.CampaignStats, error)
}

type CampaignRepository struct {
	DB *sqlx.DB
}

const campaignColumns = `id, name, user_id, sender_id, template_id, schedule_id, status, created_at, completed_at`

// ====================== Campaigns ======================

// CreateWithRecipients inserts the campaign and one pending row per client in
// a single transaction. Nothing is visible unless every row was written.
func (r *CampaignRepository) CreateWithRecipients(ctx context.Context, c *model.Campaign, clientIDs []int64) error {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignStatusSending
	}
	query := tx.Rebind(`
        INSERT INTO campaigns (name, user_id, sender_id, template_id, schedule_id, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `)
	if err := tx.GetContext(ctx, &c.ID, query,
		c.Name, c.UserID, c.SenderID, c.TemplateID, c.ScheduleID, c.Status, c.CreatedAt); err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}

	insert := tx.Rebind(`
        INSERT INTO campaign_recipients (campaign_id, client_id, status, created_at)
        VALUES (?, ?, ?, ?)
    `)
	for _, clientID := range clientIDs {
		if _, err := tx.ExecContext(ctx, insert, c.ID, clientID, model.RecipientStatusPending, c.CreatedAt); err != nil {
			return fmt.Errorf("failed to create recipient for client %d: %w", clientID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.DB.GetContext(ctx, &c, r.DB.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id=?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) GetOwned(ctx context.Context, id, ownerID int64) (*model.Campaign, error) {
	var c model.Campaign
	err := r.DB.GetContext(ctx, &c,
		r.DB.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id=? AND user_id=?`), id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, ownerID int64, offset, limit int, status string) ([]*model.Campaign, int, error) {
	where := ` WHERE user_id=?`
	args := []interface{}{ownerID}
	if status != "" {
		where += ` AND status=?`
		args = append(args, status)
	}

	campaigns := []*model.Campaign{}
	query := r.DB.Rebind(`SELECT ` + campaignColumns + ` FROM campaigns` + where + ` ORDER BY id DESC LIMIT ? OFFSET ?`)
	if err := r.DB.SelectContext(ctx, &campaigns, query, append(args, limit, offset)...); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.GetContext(ctx, &total, r.DB.Rebind(`SELECT COUNT(*) FROM campaigns`+where), args...); err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// MarkCompleted moves a sending campaign to completed. It reports false when
// the campaign was already completed.
func (r *CampaignRepository) MarkCompleted(ctx context.Context, campaignID int64, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`UPDATE campaigns SET status=?, completed_at=? WHERE id=? AND status=?`),
		model.CampaignStatusCompleted, at.UTC(), campaignID, model.CampaignStatusSending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ClaimDispatch makes owner the only run allowed to send for the campaign.
// A claim whose heartbeat is older than ttl is considered abandoned and can
// be taken over. It reports false when another live run holds the claim.
func (r *CampaignRepository) ClaimDispatch(ctx context.Context, campaignID int64, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`UPDATE campaigns SET dispatch_owner=?, dispatch_heartbeat=?
            WHERE id=? AND (dispatch_owner IS NULL OR dispatch_heartbeat < ?)`),
		owner, now.UnixMilli(), campaignID, now.Add(-ttl).UnixMilli())
	if err != nil {
		return false, err
	}
	return affected(res)
}

// RenewDispatch refreshes the heartbeat. It reports false when owner no
// longer holds the claim.
func (r *CampaignRepository) RenewDispatch(ctx context.Context, campaignID int64, owner string, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`UPDATE campaigns SET dispatch_heartbeat=? WHERE id=? AND dispatch_owner=?`),
		now.UnixMilli(), campaignID, owner)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *CampaignRepository) ReleaseDispatch(ctx context.Context, campaignID int64, owner string) error {
	_, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`UPDATE campaigns SET dispatch_owner=NULL, dispatch_heartbeat=NULL WHERE id=? AND dispatch_owner=?`),
		campaignID, owner)
	return err
}

// ====================== Recipients ======================

// ListPendingRecipients returns pending rows in creation order, joined with
// the client data used for rendering.
func (r *CampaignRepository) ListPendingRecipients(ctx context.Context, campaignID int64) ([]model.PendingRecipient, error) {
	query := r.DB.Rebind(`
        SELECT cr.id AS recipient_id, cr.client_id, c.email, c.name, c.fields
        FROM campaign_recipients cr
        JOIN clients c ON c.id = cr.client_id
        WHERE cr.campaign_id=? AND cr.status=?
        ORDER BY cr.id ASC
    `)
	pending := []model.PendingRecipient{}
	if err := r.DB.SelectContext(ctx, &pending, query, campaignID, model.RecipientStatusPending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (r *CampaignRepository) ListRecipients(ctx context.Context, campaignID int64) ([]model.CampaignRecipient, error) {
	query := r.DB.Rebind(`
        SELECT id, campaign_id, client_id, status, sent_at, error_message, created_at
        FROM campaign_recipients
        WHERE campaign_id=?
        ORDER BY id ASC
    `)
	rows := []model.CampaignRecipient{}
	if err := r.DB.SelectContext(ctx, &rows, query, campaignID); err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkRecipientSent only touches pending rows, so a row transitions at most once.
func (r *CampaignRepository) MarkRecipientSent(ctx context.Context, recipientID int64, at time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`UPDATE campaign_recipients SET status=?, sent_at=? WHERE id=? AND status=?`),
		model.RecipientStatusSent, at.UTC(), recipientID, model.RecipientStatusPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *CampaignRepository) MarkRecipientFailed(ctx context.Context, recipientID int64, reason string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`UPDATE campaign_recipients SET status=?, error_message=? WHERE id=? AND status=?`),
		model.RecipientStatusFailed, reason, recipientID, model.RecipientStatusPending)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *CampaignRepository) GetCampaignStats(ctx context.Context, campaignID int64) (model.CampaignStats, error) {
	var stats model.CampaignStats
	rows, err := r.DB.QueryContext(ctx,
		r.DB.Rebind(`SELECT status, COUNT(*) FROM campaign_recipients WHERE campaign_id=? GROUP BY status`), campaignID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		switch status {
		case model.RecipientStatusSent:
			stats.Sent = count
		case model.RecipientStatusFailed:
			stats.Failed = count
		case model.RecipientStatusPending:
			stats.Pending = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
