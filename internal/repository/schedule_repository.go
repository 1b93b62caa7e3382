package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

type ScheduleRepositoryInterface interface {
	ListActive(ctx context.Context) ([]model.Schedule, error)
	GetByID(ctx context.Context, id int64) (*model.Schedule, error)
	GetOwned(ctx context.Context, id, ownerID int64) (*model.Schedule, error)
	SetActive(ctx context.Context, id int64, active bool) error
	TouchLastRun(ctx context.Context, id int64, at time.Time) error
}

type ScheduleRepository struct {
	DB *sqlx.DB
}

const scheduleColumns = `id, user_id, name, sender_id, template_id, cron_pattern, is_active, last_run, created_at`

func (r *ScheduleRepository) Create(ctx context.Context, s *model.Schedule) error {
	s.CreatedAt = time.Now().UTC()
	query := r.DB.Rebind(`
        INSERT INTO schedules (user_id, name, sender_id, template_id, cron_pattern, is_active, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `)
	return r.DB.GetContext(ctx, &s.ID, query,
		s.UserID, s.Name, s.SenderID, s.TemplateID, s.CronPattern, s.IsActive, s.CreatedAt)
}

func (r *ScheduleRepository) ListActive(ctx context.Context) ([]model.Schedule, error) {
	schedules := []model.Schedule{}
	query := r.DB.Rebind(`SELECT ` + scheduleColumns + ` FROM schedules WHERE is_active=? ORDER BY id ASC`)
	if err := r.DB.SelectContext(ctx, &schedules, query, true); err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id int64) (*model.Schedule, error) {
	var s model.Schedule
	err := r.DB.GetContext(ctx, &s, r.DB.Rebind(`SELECT `+scheduleColumns+` FROM schedules WHERE id=?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("schedule", id)
		}
		return nil, err
	}
	return &s, nil
}

func (r *ScheduleRepository) GetOwned(ctx context.Context, id, ownerID int64) (*model.Schedule, error) {
	var s model.Schedule
	err := r.DB.GetContext(ctx, &s,
		r.DB.Rebind(`SELECT `+scheduleColumns+` FROM schedules WHERE id=? AND user_id=?`), id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("schedule", id)
		}
		return nil, err
	}
	return &s, nil
}

func (r *ScheduleRepository) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`UPDATE schedules SET is_active=? WHERE id=?`), active, id)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.NewNotFound("schedule", id)
	}
	return nil
}

func (r *ScheduleRepository) TouchLastRun(ctx context.Context, id int64, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, r.DB.Rebind(`UPDATE schedules SET last_run=? WHERE id=?`), at.UTC(), id)
	return err
}

var _ ScheduleRepositoryInterface = (*ScheduleRepository)(nil)
