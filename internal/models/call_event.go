package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Call event types appended to the audit trail.
const (
	EventCallInitiated    = "call_initiated"
	EventCallRinging      = "call_ringing"
	EventCallAnswered     = "call_answered"
	EventCallRejected     = "call_rejected"
	EventCallEnded        = "call_ended"
	EventCallTimeout      = "call_timeout"
	EventIntercomStarted  = "intercom_started"
	EventIntercomTimeout  = "intercom_timeout"
	EventNotificationSent = "notification_sent"
)

// CallEvent is an immutable audit row. Rows are appended on every call
// transition and never updated or deleted.
type CallEvent struct {
	ID        string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	CallID    string       `gorm:"type:varchar(36);not null;index" json:"call_id"`
	EventType string       `gorm:"type:varchar(40);not null" json:"event_type"`
	Payload   CallMetadata `gorm:"type:text" json:"payload,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

func (e *CallEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}
