package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// LogRepositoryInterface is the append-only audit sink.
type LogRepositoryInterface interface {
	Append(ctx context.Context, userID int64, action, details string) error
}

type LogRepository struct {
	DB *sqlx.DB
}

func (r *LogRepository) Append(ctx context.Context, userID int64, action, details string) error {
	_, err := r.DB.ExecContext(ctx,
		r.DB.Rebind(`INSERT INTO logs (user_id, action, details, created_at) VALUES (?, ?, ?, ?)`),
		userID, action, details, time.Now().UTC())
	return err
}

// ListByUser is used by tests and the CLI; the engine itself never reads logs.
func (r *LogRepository) ListByUser(ctx context.Context, userID int64) ([]model.Log, error) {
	logs := []model.Log{}
	err := r.DB.SelectContext(ctx, &logs,
		r.DB.Rebind(`SELECT id, user_id, action, details, created_at FROM logs WHERE user_id=? ORDER BY id ASC`), userID)
	return logs, err
}

var _ LogRepositoryInterface = (*LogRepository)(nil)
