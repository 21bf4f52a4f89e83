package model

import "time"

type Status string

const (
	Pending   Status = "pending"
	Queued    Status = "queued"
	Published Status = "published"
	Failed    Status = "failed"
)

type Post struct {
	ID          string     `json:"id"`
	Body        string     `json:"body"`
	Status      Status     `json:"status"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	Recurring   bool       `json:"recurring"`
	LastError   *string    `json:"lastError,omitempty"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
