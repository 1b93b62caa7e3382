// internal/model/campaign.go
package model

import "time"

const (
	CampaignStatusSending   = "sending"
	CampaignStatusCompleted = "completed"
)

type Campaign struct {
	ID          int64      `db:"id" json:"id"`
	Name        string     `db:"name" json:"name"`
	UserID      int64      `db:"user_id" json:"user_id"`
	SenderID    int64      `db:"sender_id" json:"sender_id"`
	TemplateID  int64      `db:"template_id" json:"template_id"`
	ScheduleID  *int64     `db:"schedule_id" json:"schedule_id,omitempty"`
	Status      string     `db:"status" json:"status"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// CampaignStats aggregates recipient rows of one campaign by status.
type CampaignStats struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}
