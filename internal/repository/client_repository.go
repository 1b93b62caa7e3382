package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// ClientRepositoryInterface defines methods used by service
type ClientRepositoryInterface interface {
	ListByOwner(ctx context.Context, ownerID int64) ([]model.Client, error)
	OwnedIDs(ctx context.Context, ownerID int64, ids []int64) ([]int64, error)
}

type ClientRepository struct {
	DB *sqlx.DB
}

func (r *ClientRepository) Create(ctx context.Context, c *model.Client) error {
	c.CreatedAt = time.Now().UTC()
	if c.Fields == nil {
		c.Fields = model.Fields{}
	}
	query := r.DB.Rebind(`
        INSERT INTO clients (user_id, name, email, fields, created_at)
        VALUES (?, ?, ?, ?, ?)
        RETURNING id
    `)
	return r.DB.GetContext(ctx, &c.ID, query, c.UserID, c.Name, c.Email, c.Fields, c.CreatedAt)
}

// ListByOwner fetches every client of one user, oldest first.
func (r *ClientRepository) ListByOwner(ctx context.Context, ownerID int64) ([]model.Client, error) {
	clients := []model.Client{}
	query := r.DB.Rebind(`
        SELECT id, user_id, name, email, fields, created_at
        FROM clients
        WHERE user_id=?
        ORDER BY id ASC
    `)
	if err := r.DB.SelectContext(ctx, &clients, query, ownerID); err != nil {
		return nil, err
	}
	return clients, nil
}

// OwnedIDs returns the subset of ids that exist and belong to ownerID.
func (r *ClientRepository) OwnedIDs(ctx context.Context, ownerID int64, ids []int64) ([]int64, error) {
	owned := []int64{}
	if len(ids) == 0 {
		return owned, nil
	}
	query, args, err := sqlx.In(`SELECT id FROM clients WHERE user_id=? AND id IN (?)`, ownerID, ids)
	if err != nil {
		return nil, err
	}
	if err := r.DB.SelectContext(ctx, &owned, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return owned, nil
}

var _ ClientRepositoryInterface = (*ClientRepository)(nil)
