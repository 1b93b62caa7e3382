// internal/model/log.go
package model

import "time"

// Audit log actions written by the dispatch engine.
const (
	LogActionCreateCampaign   = "create_campaign"
	LogActionCompleteCampaign = "complete_campaign"
	LogActionExecuteSchedule  = "execute_schedule"
	LogActionScheduleError    = "schedule_error"
	LogActionTestSender       = "test_sender"
	LogActionUpdateSchedule   = "update_schedule"
)

type Log struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Action    string    `db:"action" json:"action"`
	Details   string    `db:"details" json:"details"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
