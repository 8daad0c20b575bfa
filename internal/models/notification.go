package models

import "time"

// Notification informs an approver that a registration awaits their action.
// Written asynchronously on level entry; delivery is best-effort.
type Notification struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	RequestID string    `db:"request_id" json:"requestId"`
	Level     int       `db:"level" json:"level"`
	Message   string    `db:"message" json:"message"`
	Read      bool      `db:"read" json:"read"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}
