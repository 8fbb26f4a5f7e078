package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"gorm.io/gorm"
)

// CallStatus is the lifecycle state of a call.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusTimeout   CallStatus = "timeout"
	CallStatusEnded     CallStatus = "ended"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusRejected, CallStatusTimeout, CallStatusEnded:
		return true
	}
	return false
}

// ActiveStatuses are the statuses that count against the
// one-active-call-per-pair rule.
var ActiveStatuses = []CallStatus{CallStatusInitiated, CallStatusRinging, CallStatusAnswered}

type CallKind string

const (
	CallKindAudio    CallKind = "audio"
	CallKindIntercom CallKind = "intercom"
)

// End reasons recorded on terminal calls.
const (
	EndReasonUserEnded          = "user_ended"
	EndReasonRejectedByReceiver = "rejected_by_receiver"
	EndReasonTimeout            = "timeout"
	EndReasonMaxDuration        = "max_duration_reached"
	EndReasonDisconnection      = "disconnection"
)

// CallMetadata is a free-form string map persisted as a JSON column.
type CallMetadata map[string]string

func (m CallMetadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *CallMetadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("unsupported call metadata column type")
	}
}

// Call is one directed ringing attempt from a caller to a receiver.
// Calls are never deleted, only transitioned to a terminal status.
type Call struct {
	ID              string       `gorm:"type:varchar(36);primaryKey" json:"id"`
	CallerID        string       `gorm:"type:varchar(36);not null;index" json:"caller_id"`
	ReceiverID      string       `gorm:"type:varchar(36);not null;index" json:"receiver_id"`
	Kind            CallKind     `gorm:"type:varchar(20);not null" json:"kind"`
	Status          CallStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	GroupID         string       `gorm:"type:varchar(64);index" json:"group_id,omitempty"`
	InitiatedAt     time.Time    `gorm:"not null" json:"initiated_at"`
	AnsweredAt      *time.Time   `json:"answered_at,omitempty"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
	DurationSeconds int          `gorm:"not null;default:0" json:"duration_seconds"`
	EndReason       string       `gorm:"type:varchar(40)" json:"end_reason,omitempty"`
	Metadata        CallMetadata `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (c *Call) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		id, err := gonanoid.New(16)
		if err != nil {
			return err
		}
		c.ID = id
	}
	return nil
}

// Counterpart returns the other participant of the call.
func (c *Call) Counterpart(userID string) string {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

// Involves reports whether userID is the caller or the receiver.
func (c *Call) Involves(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}
