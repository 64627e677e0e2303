package models

import "time"

// Conversation groups an ordered sequence of turns owned by one user.
// Ownership never changes after creation; updated_at is bumped by every
// committed turn and is monotonically non-decreasing.
type Conversation struct {
	ID        int64             `json:"id"`
	UserID    int64             `json:"user_id"`
	Title     string            `json:"title"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
