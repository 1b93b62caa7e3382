// internal/model/schedule.go
package model

import "time"

type Schedule struct {
	ID          int64      `db:"id" json:"id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	Name        string     `db:"name" json:"name"`
	SenderID    int64      `db:"sender_id" json:"sender_id"`
	TemplateID  int64      `db:"template_id" json:"template_id"`
	CronPattern string     `db:"cron_pattern" json:"cron_pattern"`
	IsActive    bool       `db:"is_active" json:"is_active"`
	LastRun     *time.Time `db:"last_run" json:"last_run,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
