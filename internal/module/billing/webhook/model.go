package webhook

import "time"

// Status is the processing state of a delivered provider event.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Event is the idempotency record for one provider event id.
type Event struct {
	EventID     string     `json:"event_id" gorm:"type:text;primaryKey"`
	Provider    string     `json:"provider" gorm:"type:text;not null"`
	EventType   string     `json:"event_type" gorm:"type:text;not null"`
	Status      Status     `json:"status" gorm:"type:text;not null;index:idx_webhook_events_status,priority:1"`
	Attempts    int        `json:"attempts" gorm:"not null"`
	LastError   *string    `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"index:idx_webhook_events_status,priority:2"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name.
func (Event) TableName() string {
	return "webhook_events"
}
