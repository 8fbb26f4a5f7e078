package store

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/intercall/signaling/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrApartmentNotFound = errors.New("apartment not found")
)

// Store is the single writer of durable rows. Every other component mutates
// persisted state only through it.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func Open(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&models.User{},
		&models.Building{},
		&models.Apartment{},
		&models.ApartmentResident{},
		&models.Call{},
		&models.CallEvent{},
		&models.PushSubscription{},
	); err != nil {
		return nil, err
	}

	return db, nil
}

func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) CreateCall(call *models.Call) error {
	if err := s.db.Create(call).Error; err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

// UpdateCall applies fields to the call row. Zero rows affected is not an
/// error: late-arriving updates against a missing row are dropped silently and
// the in-memory state machine stays authoritative.
func (s *Store) UpdateCall(callID string, fields map[string]any) error {
	res := s.db.Model(&models.Call{}).Where("id = ?", callID).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update call %s: %w", callID, res.Error)
	}
	return nil
}

func (s *Store) GetCall(callID string) (*models.Call, error) {
	var call models.Call
	if err := s.db.Where("id = ?", callID).First(&call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("get call %s: %w", callID, err)
	}
	return &call, nil
}

// ActiveCallBetween finds a non-terminal call linking the unordered pair
// (a, b), in either direction. Returns ErrCallNotFound when the pair is free.
func (s *Store) ActiveCallBetween(a, b string) (*models.Call, error) {
	var call models.Call
	err := s.db.
		Where("((caller_id = ? AND receiver_id = ?) OR (caller_id = ? AND receiver_id = ?)) AND status IN ?",
			a, b, b, a, models.ActiveStatuses).
		First(&call).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("active call between %s and %s: %w", a, b, err)
	}
	return &call, nil
}

// ActiveCallsInvolving lists every non-terminal call where userID is caller
// or receiver. Used by the gateway to force-end calls on disconnect.
func (s *Store) ActiveCallsInvolving(userID string) ([]models.Call, error) {
	var calls []models.Call
	err := s.db.
		Where("(caller_id = ? OR receiver_id = ?) AND status IN ?", userID, userID, models.ActiveStatuses).
		Find(&calls).Error
	if err != nil {
		return nil, fmt.Errorf("active calls involving %s: %w", userID, err)
	}
	return calls, nil
}

// ActiveGroupCalls lists the still-ringing siblings of an intercom group.
func (s *Store) ActiveGroupCalls(groupID string) ([]models.Call, error) {
	var calls []models.Call
	err := s.db.
		Where("group_id = ? AND status IN ?", groupID, []models.CallStatus{models.CallStatusInitiated, models.CallStatusRinging}).
		Find(&calls).Error
	if err != nil {
		return nil, fmt.Errorf("active group calls %s: %w", groupID, err)
	}
	return calls, nil
}

type HistoryFilter struct {
	Status   models.CallStatus
	Kind     models.CallKind
	DateFrom time.Time
	DateTo   time.Time
	Limit    int
	Offset   int
}

// CallHistory returns (count, rows) for one participant, newest first.
func (s *Store) CallHistory(userID string, f HistoryFilter) (int64, []models.Call, error) {
	q := s.db.Model(&models.Call{}).Where("caller_id = ? OR receiver_id = ?", userID, userID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if !f.DateFrom.IsZero() {
		q = q.Where("initiated_at >= ?", f.DateFrom)
	}
	if !f.DateTo.IsZero() {
		q = q.Where("initiated_at <= ?", f.DateTo)
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, nil, fmt.Errorf("count call history for %s: %w", userID, err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var calls []models.Call
	err := q.Order("initiated_at DESC").Limit(limit).Offset(f.Offset).Find(&calls).Error
	if err != nil {
		return 0, nil, fmt.Errorf("list call history for %s: %w", userID, err)
	}
	return count, calls, nil
}

// AppendEvent writes an audit row. Failures are logged and swallowed: the
// audit trail is never allowed to fail a call transition.
func (s *Store) AppendEvent(callID, eventType string, payload models.CallMetadata) {
	event := models.CallEvent{
		CallID:    callID,
		EventType: eventType,
		Payload:   payload,
	}
	if err := s.db.Create(&event).Error; err != nil {
		s.logger.Error("append call event failed", "call_id", callID, "event_type", eventType, "error", err)
	}
}

func (s *Store) CallEvents(callID string) ([]models.CallEvent, error) {
	var events []models.CallEvent
	if err := s.db.Where("call_id = ?", callID).Order("created_at ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("call events %s: %w", callID, err)
	}
	return events, nil
}

func (s *Store) GetUser(userID string) (*models.User, error) {
	var user models.User
	if err := s.db.Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &user, nil
}

// SetUserPresence updates the durable online/available flags. The in-process
// presence registry is the fast path; these flags survive restarts.
func (s *Store) SetUserPresence(userID string, online, available bool) error {
	err := s.db.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"is_online":    online,
		"is_available": available,
		"last_seen_at": time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	return nil
}

func (s *Store) SetUserAvailability(userID string, available bool) error {
	err := s.db.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"is_available": available,
		"last_seen_at": time.Now(),
	}).Error
	if err != nil {
		return fmt.Errorf("set availability for %s: %w", userID, err)
	}
	return nil
}

// Resident is one eligible occupant of an apartment, resolved for fan-out.
type Resident struct {
	UserID      string
	FullName    string
	IsPrimary   bool
	IsAvailable bool
}

// ApartmentResidents resolves the resident-role occupants of one unit,
// primary occupants first. ErrApartmentNotFound when the unit does not exist.
func (s *Store) ApartmentResidents(apartmentNumber, buildingID string) (*models.Apartment, []Resident, error) {
	number := strings.ToUpper(strings.TrimSpace(apartmentNumber))

	var apartment models.Apartment
	err := s.db.Where("number = ? AND building_id = ?", number, buildingID).First(&apartment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrApartmentNotFound
		}
		return nil, nil, fmt.Errorf("apartment %s/%s: %w", number, buildingID, err)
	}

	var rows []struct {
		UserID      string
		FullName    string
		Role        models.Role
		IsPrimary   bool
		IsAvailable bool
	}
	err = s.db.Model(&models.ApartmentResident{}).
		Select("apartment_residents.user_id, users.full_name, users.role, apartment_residents.is_primary, users.is_available").
		Joins("JOIN users ON users.id = apartment_residents.user_id").
		Where("apartment_residents.apartment_id = ?", apartment.ID).
		Order("apartment_residents.is_primary DESC, users.full_name ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, nil, fmt.Errorf("residents of apartment %s: %w", apartment.ID, err)
	}

	residents := make([]Resident, 0, len(rows))
	for _, row := range rows {
		if row.Role != models.RoleResident {
			continue
		}
		residents = append(residents, Resident{
			UserID:      row.UserID,
			FullName:    row.FullName,
			IsPrimary:   row.IsPrimary,
			IsAvailable: row.IsAvailable,
		})
	}
	return &apartment, residents, nil
}

func (s *Store) BuildingApartments(buildingID string) ([]models.Apartment, error) {
	var apartments []models.Apartment
	err := s.db.Where("building_id = ?", buildingID).Order("number ASC").Find(&apartments).Error
	if err != nil {
		return nil, fmt.Errorf("apartments of building %s: %w", buildingID, err)
	}
	return apartments, nil
}

func (s *Store) ActiveSubscriptions(userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.Where("user_id = ? AND is_active = ?", userID, true).Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("subscriptions for %s: %w", userID, err)
	}
	return subs, nil
}

// SaveSubscription registers a push endpoint, deactivating older entries for
// the same user and platform so each device holds one live subscription.
func (s *Store) SaveSubscription(sub *models.PushSubscription) error {
	err := s.db.Model(&models.PushSubscription{}).
		Where("user_id = ? AND platform = ? AND endpoint = ?", sub.UserID, sub.Platform, sub.Endpoint).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("deactivate old subscriptions for %s: %w", sub.UserID, err)
	}
	if err := s.db.Create(sub).Error; err != nil {
		return fmt.Errorf("create subscription for %s: %w", sub.UserID, err)
	}
	return nil
}

func (s *Store) DeactivateSubscription(subscriptionID string) error {
	err := s.db.Model(&models.PushSubscription{}).
		Where("id = ?", subscriptionID).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("deactivate subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (s *Store) RemoveSubscription(userID, endpoint string) error {
	res := s.db.Where("user_id = ? AND endpoint = ?", userID, endpoint).Delete(&models.PushSubscription{})
	if res.Error != nil {
		return fmt.Errorf("remove subscription for %s: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

type Stats struct {
	TotalUsers  int64 `json:"total_users"`
	OnlineUsers int64 `json:"online_users"`
	TotalCalls  int64 `json:"total_calls"`
	ActiveCalls int64 `json:"active_calls"`
}

func (s *Store) Statistics() (Stats, error) {
	var stats Stats
	if err := s.db.Model(&models.User{}).Count(&stats.TotalUsers).Error; err != nil {
		return stats, err
	}
	if err := s.db.Model(&models.User{}).Where("is_online = ?", true).Count(&stats.OnlineUsers).Error; err != nil {
		return stats, err
	}
	if err := s.db.Model(&models.Call{}).Count(&stats.TotalCalls).Error; err != nil {
		return stats, err
	}
	if err := s.db.Model(&models.Call{}).Where("status IN ?", models.ActiveStatuses).Count(&stats.ActiveCalls).Error; err != nil {
		return stats, err
	}
	return stats, nil
}
