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

type TemplateRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Template, error)
	GetOwned(ctx context.Context, id, ownerID int64) (*model.Template, error)
}

type TemplateRepository struct {
	DB *sqlx.DB
}

func (r *TemplateRepository) Create(ctx context.Context, t *model.Template) error {
	t.CreatedAt = time.Now().UTC()
	query := r.DB.Rebind(`
        INSERT INTO templates (user_id, name, subject, content, created_at)
        VALUES (?, ?, ?, ?, ?)
        RETURNING id
    `)
	return r.DB.GetContext(ctx, &t.ID, query, t.UserID, t.Name, t.Subject, t.Content, t.CreatedAt)
}

func (r *TemplateRepository) GetByID(ctx context.Context, id int64) (*model.Template, error) {
	var t model.Template
	err := r.DB.GetContext(ctx, &t,
		r.DB.Rebind(`SELECT id, user_id, name, subject, content, created_at FROM templates WHERE id=?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("template", id)
		}
		return nil, err
	}
	return &t, nil
}

func (r *TemplateRepository) GetOwned(ctx context.Context, id, ownerID int64) (*model.Template, error) {
	var t model.Template
	err := r.DB.GetContext(ctx, &t,
		r.DB.Rebind(`SELECT id, user_id, name, subject, content, created_at FROM templates WHERE id=? AND user_id=?`),
		id, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewNotFound("template", id)
		}
		return nil, err
	}
	return &t, nil
}

var _ TemplateRepositoryInterface = (*TemplateRepository)(nil)
