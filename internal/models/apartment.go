package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Building struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(100);not null" json:"name"`
	Address   string    `gorm:"type:varchar(200)" json:"address,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (b *Building) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

type Apartment struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Number     string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_apartments_building_number" json:"number"`
	BuildingID string    `gorm:"type:varchar(36);not null;uniqueIndex:idx_apartments_building_number" json:"building_id"`
	Floor      int       `json:"floor"`
	CreatedAt  time.Time `json:"created_at"`

	Building Building `gorm:"foreignKey:BuildingID" json:"-"`
}

func (a *Apartment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// ApartmentResident links a user profile to an apartment. A user may live in
// one apartment only; an apartment holds any number of residents.
type ApartmentResident struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ApartmentID string    `gorm:"type:varchar(36);not null;index" json:"apartment_id"`
	UserID      string    `gorm:"type:varchar(36);not null;uniqueIndex" json:"user_id"`
	IsPrimary   bool      `gorm:"not null;default:false" json:"is_primary"`
	CreatedAt   time.Time `json:"created_at"`

	Apartment Apartment `gorm:"foreignKey:ApartmentID" json:"-"`
	User      User      `gorm:"foreignKey:UserID" json:"-"`
}

func (r *ApartmentResident) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}
