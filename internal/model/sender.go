// internal/model/sender.go
package model

import "time"

// Sender is an outbound mail identity with its SMTP credentials.
type Sender struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Host      string    `db:"host" json:"host"`
	Port      int       `db:"port" json:"port"`
	Secure    bool      `db:"secure" json:"secure"`
	Username  string    `db:"username" json:"username"`
	Password  string    `db:"password" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
