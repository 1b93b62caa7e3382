// internal/model/client.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Client struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	Email     string    `db:"email" json:"email"`
	Fields    Fields    `db:"fields" json:"fields,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Fields holds arbitrary named client attributes usable as placeholders.
// Stored as a JSON object in a text column.
type Fields map[string]string

func (f Fields) Value() (driver.Value, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(f))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (f *Fields) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*f = Fields{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("fields: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*f = Fields{}
		return nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("fields: %w", err)
	}
	*f = m
	return nil
}
