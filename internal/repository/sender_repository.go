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

type SenderRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Sender, error)
	GetOwned(ctx context.Context, id, ownerID int64) (*model.Sender, error)
}

type SenderRepository struct {
	DB *sqlx.DB
}

const senderColumns = `id, user_id, name, email, host, port, secure, username, password, created_at`

func (r *SenderRepository) Create(ctx context.Context, s *model.Sender) error {
	s.CreatedAt = time.Now().UTC()
	query := r.DB.Rebind(`
        INSERT INTO senders (user_id, name, email, host, port, secure, username, password, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        RETURNING id
    `)
	return r.DB.GetContext(ctx, &s.ID, query,
		s.UserID, s.Name, s.Email, s.Host, s.Port, s.Secure, s.Username, s.Password, s.CreatedAt)
}

func (r *SenderRepository) GetByID(ctx context.Context, id int64) (*model.Sender, error) {
	var s model.Sender
	err := r.DB.GetContext(ctx, &s, r.DB.Rebind(`SELECT `+senderColumns+` FROM senders WHERE id=?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("sender", id)
		}
		return nil, err
	}
	return &s, nil
}

// GetOwned returns NotFound both when the sender is missing and when it
// belongs to someone else.
func (r *SenderRepository) GetOwned(ctx context.Context, id, ownerID int64) (*model.Sender, error) {
	var s model.Sender
	err := r.DB.GetContext(ctx, &s,
		r.DB.Rebind(`SELECT `+senderColumns+` FROM senders WHERE id=? AND user_id=?`), id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("sender", id)
		}
		return nil, err
	}
	return &s, nil
}

var _ SenderRepositoryInterface = (*SenderRepository)(nil)
