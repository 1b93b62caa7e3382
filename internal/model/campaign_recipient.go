// internal/model/campaign_recipient.go
package model

import "time"

const (
	RecipientStatusPending = "pending"
	RecipientStatusSent    = "sent"
	RecipientStatusFailed  = "failed"
)

type CampaignRecipient struct {
	ID           int64      `db:"id" json:"id"`
	CampaignID   int64      `db:"campaign_id" json:"campaign_id"`
	ClientID     int64      `db:"client_id" json:"client_id"`
	Status       string     `db:"status" json:"status"`
	SentAt       *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// PendingRecipient is a pending row joined with the client data needed to
// render and address one message.
type PendingRecipient struct {
	RecipientID int64  `db:"recipient_id"`
	ClientID    int64  `db:"client_id"`
	Email       string `db:"email"`
	Name        string `db:"name"`
	Fields      Fields `db:"fields"`
}

// FieldMap returns the placeholder values for this recipient. Stored fields
// never shadow email and name.
func (p PendingRecipient) FieldMap() map[string]string {
	m := make(map[string]string, len(p.Fields)+2)
	for k, v := range p.Fields {
		m[k] = v
	}
	m["email"] = p.Email
	m["name"] = p.Name
	return m
}
