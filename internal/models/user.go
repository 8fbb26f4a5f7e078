package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role separates the doorman console from resident apps. Every connection
// carries exactly one role, derived from its credential.
type Role string

const (
	RoleDoorman  Role = "doorman"
	RoleResident Role = "resident"
)

type User struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	FullName    string    `gorm:"type:varchar(100);not null" json:"full_name"`
	Role        Role      `gorm:"type:varchar(20);not null;index" json:"role"`
	BuildingID  string    `gorm:"type:varchar(36);index" json:"building_id,omitempty"`
	IsOnline    bool      `gorm:"not null;default:false" json:"is_online"`
	IsAvailable bool      `gorm:"not null;default:true" json:"is_available"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// Profile is the snapshot of a user shared over the wire: what other
// connections are allowed to see about who is online.
type Profile struct {
	ID          string `json:"id"`
	FullName    string `json:"full_name"`
	Role        Role   `json:"role"`
	IsAvailable bool   `json:"is_available"`
}

func (u *User) Profile() Profile {
	return Profile{
		ID:          u.ID,
		FullName:    u.FullName,
		Role:        u.Role,
		IsAvailable: u.IsAvailable,
	}
}
