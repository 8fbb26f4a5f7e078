package intercom

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/intercall/signaling/internal/call"
	"github.com/intercall/signaling/internal/models"
	"github.com/intercall/signaling/internal/notify"
	"github.com/intercall/signaling/internal/store"
)

const (
	DefaultGroupTimeout = 30 * time.Second
	MaxGroupTimeout     = 120 * time.Second
)

var ErrNoResidents = errors.New("apartment has no eligible residents")

// ResidentResolver is the slice of the durable store the coordinator reads.
type ResidentResolver interface {
	ApartmentResidents(apartmentNumber, buildingID string) (*models.Apartment, []store.Resident, error)
	GetUser(userID string) (*models.User, error)
}

// BatchNotifier pushes to many users at once.
type BatchNotifier interface {
	NotifyBatch(requests []notify.Request) notify.BatchResult
}

// Group correlates the sibling calls of one fan-out request. It lives only
// for the ringing window and is never persisted as its own row.
type Group struct {
	ID              string        `json:"group_id"`
	ApartmentID     string        `json:"apartment_id"`
	ApartmentNumber string        `json:"apartment_number"`
	BuildingID      string        `json:"building_id"`
	Timeout         time.Duration `json:"-"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Sink receives group-level realtime events for the gateway to relay.
type Sink interface {
	IntercomIncoming(userID string, c *models.Call, group Group)
	IntercomTimeout(group Group, expired []*models.Call)
}

type noopSink struct{}

func (noopSink) IntercomIncoming(string, *models.Call, Group) {}
func (noopSink) IntercomTimeout(Group, []*models.Call)        {}

// Summary is the consolidated result of one fan-out request.
type Summary struct {
	GroupID           string         `json:"group_id"`
	ApartmentNumber   string         `json:"apartment_number"`
	BuildingID        string         `json:"building_id"`
	TotalResidents    int            `json:"total_residents"`
	CallsCreated      int            `json:"calls_created"`
	CallsFailed       int            `json:"calls_failed"`
	NotificationsSent int            `json:"notifications_sent"`
	TimeoutMs         int64          `json:"timeout_ms"`
	Calls             []*models.Call `json:"calls"`
}

// Coordinator rings every eligible occupant of one unit as a single logical
// intercom call: one sibling call per resident, correlated by a group id,
// governed by one group-level timeout.
type Coordinator struct {
	engine   *call.Engine
	resolver ResidentResolver
	notifier BatchNotifier
	timers   *call.Timers
	logger   *slog.Logger
	sink     Sink

	defaultTimeout time.Duration
	nowFn          func() time.Time
}

func NewCoordinator(engine *call.Engine, resolver ResidentResolver, notifier BatchNotifier, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		engine:         engine,
		resolver:       resolver,
		notifier:       notifier,
		timers:         call.NewTimers(),
		logger:         logger,
		sink:           noopSink{},
		defaultTimeout: DefaultGroupTimeout,
		nowFn:          time.Now,
	}
	engine.BindGroups(c)
	return c
}

func (c *Coordinator) Bind(sink Sink) {
	c.sink = sink
}

// SetDefaultTimeout overrides the window used when a request does not name
// its own.
func (c *Coordinator) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		c.defaultTimeout = d
	}
}

// StartApartmentCall resolves the unit's residents, creates one call per
// resident through the engine and arms the group timeout. A resident whose
// call creation fails is recorded as a failure without aborting the others.
func (c *Coordinator) StartApartmentCall(callerID, apartmentNumber, buildingID string, timeout time.Duration) (*Summary, error) {
	apartment, residents, err := c.resolver.ApartmentResidents(apartmentNumber, buildingID)
	if err != nil {
		return nil, err
	}
	if len(residents) == 0 {
		return nil, ErrNoResidents
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if timeout > MaxGroupTimeout {
		timeout = MaxGroupTimeout
	}

	now := c.nowFn()
	group := Group{
		ID:              fmt.Sprintf("intercom_%s_%d", apartment.ID, now.UnixMilli()),
		ApartmentID:     apartment.ID,
		ApartmentNumber: apartment.Number,
		BuildingID:      buildingID,
		Timeout:         timeout,
		CreatedAt:       now,
	}

	summary := &Summary{
		GroupID:         group.ID,
		ApartmentNumber: apartment.Number,
		BuildingID:      buildingID,
		TotalResidents:  len(residents),
		TimeoutMs:       timeout.Milliseconds(),
	}

	callerName := callerID
	if caller, err := c.resolver.GetUser(callerID); err == nil {
		callerName = caller.FullName
	}

	for _, resident := range residents {
		created, err := c.engine.Create(call.CreateRequest{
			CallerID:   callerID,
			ReceiverID: resident.UserID,
			Kind:       models.CallKindIntercom,
			GroupID:    group.ID,
			Metadata: models.CallMetadata{
				"apartment_number": apartment.Number,
				"building_id":      buildingID,
				"resident_name":    resident.FullName,
			},
			FanOut: true,
		})
		if err != nil {
			c.logger.Error("sibling call creation failed",
				"group_id", group.ID,
				"resident_id", resident.UserID,
				"error", err,
			)
			summary.CallsFailed++
			continue
		}
		summary.CallsCreated++
		summary.Calls = append(summary.Calls, created)

		// Realtime ring if the resident holds a live connection.
		c.sink.IntercomIncoming(resident.UserID, created, group)
		c.engine.MarkRinging(created.ID)
	}

	if summary.CallsCreated == 0 {
		return summary, fmt.Errorf("no intercom calls could be created for apartment %s", apartment.Number)
	}

	// Push to every resident unconditionally, in parallel with the realtime
	// ring: reach matters more than avoiding a duplicate buzz.
	requests := make([]notify.Request, 0, len(residents))
	for _, resident := range residents {
		requests = append(requests, notify.Request{
			UserID: resident.UserID,
			Payload: notify.Payload{
				Title: fmt.Sprintf("Intercom: apartment %s", apartment.Number),
				Body:  fmt.Sprintf("%s is calling your apartment", callerName),
				Data: map[string]any{
					"type":             "intercom_call",
					"group_id":         group.ID,
					"apartment_number": apartment.Number,
					"building_id":      buildingID,
					"timeout_ms":       timeout.Milliseconds(),
				},
			},
		})
	}
	batch := c.notifier.NotifyBatch(requests)
	summary.NotificationsSent = batch.Successful

	groupID := group.ID
	c.timers.Schedule(groupID, timeout, func() {
		c.handleGroupTimeout(group)
	})

	c.logger.Info("intercom fan-out started",
		"group_id", group.ID,
		"apartment_number", apartment.Number,
		"building_id", buildingID,
		"residents", len(residents),
		"calls_created", summary.CallsCreated,
		"calls_failed", summary.CallsFailed,
		"notified", summary.NotificationsSent,
	)
	return summary, nil
}

// CancelGroupTimer drops the pending group timeout, used when every sibling
// reached a terminal state before the window elapsed.
func (c *Coordinator) CancelGroupTimer(groupID string) bool {
	return c.timers.Cancel(groupID)
}

// GroupDrained implements call.GroupObserver: the engine saw the last ringing
// sibling of groupID leave the ringing set, so the window can close early.
func (c *Coordinator) GroupDrained(groupID string) {
	if c.CancelGroupTimer(groupID) {
		c.logger.Info("intercom group drained early", "group_id", groupID)
	}
}

// handleGroupTimeout batch-expires the still-ringing siblings and broadcasts
// the group timeout. Siblings already answered, rejected or ended are left
// untouched; an empty batch is a no-op.
func (c *Coordinator) handleGroupTimeout(group Group) {
	expired := c.engine.ExpireGroup(group.ID)
	if len(expired) == 0 {
		return
	}
	c.sink.IntercomTimeout(group, expired)
}
