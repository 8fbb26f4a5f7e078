package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/intercall/signaling/internal/models"
	"github.com/intercall/signaling/internal/notify"
	"github.com/intercall/signaling/internal/store"
)

const (
	DefaultRingTimeout = 30 * time.Second
	MaxRingTimeout     = 120 * time.Second
	DefaultMaxDuration = time.Hour
)

var (
	ErrSelfCall            = errors.New("cannot call yourself")
	ErrReceiverUnavailable = errors.New("receiver is not available")
	ErrCallNotFound        = errors.New("call not found")
	ErrNotParticipant      = errors.New("user is not part of this call")
	ErrAlreadyTerminal     = errors.New("call already reached a terminal status")
)

// ConflictError rejects a new call while the pair already has an active one.
// It carries the existing call id so the client can recover.
type ConflictError struct {
	ExistingCallID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active call already exists between these users: %s", e.ExistingCallID)
}

// Store is the slice of the durable store the engine writes through.
type Store interface {
	CreateCall(call *models.Call) error
	UpdateCall(callID string, fields map[string]any) error
	GetCall(callID string) (*models.Call, error)
	ActiveCallBetween(a, b string) (*models.Call, error)
	ActiveCallsInvolving(userID string) ([]models.Call, error)
	ActiveGroupCalls(groupID string) ([]models.Call, error)
	GetUser(userID string) (*models.User, error)
	AppendEvent(callID, eventType string, payload models.CallMetadata)
}

// Notifier is the push side of delivery. Delivery failures are logged and
// never roll a transition back.
type Notifier interface {
	NotifyWithRetry(req notify.Request, maxAttempts int) (notify.DeliveryResult, error)
}

// Sink receives engine-originated transitions (timer fired, force end) so the
// gateway can relay them to connected participants. Realtime delivery of
// user-initiated transitions stays with the gateway itself.
type Sink interface {
	CallTimedOut(call *models.Call)
	CallForceEnded(call *models.Call, endedBy string)
}

// noopSink keeps the engine usable before the gateway binds itself.
type noopSink struct{}

func (noopSink) CallTimedOut(*models.Call)          {}
func (noopSink) CallForceEnded(*models.Call, string) {}

// GroupObserver learns when no sibling of a fan-out group is still ringing,
// so the pending group timer can be dropped early.
type GroupObserver interface {
	GroupDrained(groupID string)
}

type noopGroups struct{}

func (noopGroups) GroupDrained(string) {}

// Options carries the timeout knobs. Zero values fall back to defaults.
type Options struct {
	RingTimeout time.Duration
	MaxDuration time.Duration
}

// Engine owns the one-to-one call state machine. All transitions go through
// it; the durable status is the source of truth and delivery is additive.
type Engine struct {
	store    Store
	notifier Notifier
	timers   *Timers
	logger   *slog.Logger
	opts     Options

	// mu serializes transitions so that only one of answer, reject, end or
	// timeout wins a given call.
	mu     sync.Mutex
	sink   Sink
	groups GroupObserver

	nowFn func() time.Time
}

func NewEngine(st Store, notifier Notifier, logger *slog.Logger, opts Options) *Engine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.RingTimeout > MaxRingTimeout {
		opts.RingTimeout = MaxRingTimeout
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	return &Engine{
		store:    st,
		notifier: notifier,
		timers:   NewTimers(),
		logger:   logger,
		opts:     opts,
		sink:     noopSink{},
		groups:   noopGroups{},
		nowFn:    time.Now,
	}
}

// Bind attaches the gateway as the sink for engine-originated transitions.
// Called once during wiring, before any call exists.
func (e *Engine) Bind(sink Sink) {
	e.sink = sink
}

// BindGroups attaches the fan-out coordinator so it hears when a group has no
// ringing sibling left. Called once during wiring.
func (e *Engine) BindGroups(groups GroupObserver) {
	e.groups = groups
}

// CreateRequest describes one validated ringing attempt.
type CreateRequest struct {
	CallerID   string
	ReceiverID string
	Kind       models.CallKind
	GroupID    string
	Metadata   models.CallMetadata

	// FanOut marks sibling calls created by the intercom coordinator: the
	// pair-conflict and availability checks are bypassed (every resident is
	// rung) and the group timer replaces the per-call ring timer.
	FanOut bool
}

// Create validates and persists a call in initiated status, schedules the
// ring timeout and returns the call.
func (e *Engine) Create(req CreateRequest) (*models.Call, error) {
	if req.CallerID == req.ReceiverID {
		return nil, ErrSelfCall
	}

	receiver, err := e.store.GetUser(req.ReceiverID)
	if err != nil {
		return nil, err
	}
	if !req.FanOut && !receiver.IsAvailable {
		return nil, ErrReceiverUnavailable
	}

	// Hold the transition lock across the conflict check and the insert so
	// two racing initiations cannot both pass the pair check.
	e.mu.Lock()
	defer e.mu.Unlock()

	if !req.FanOut {
		if existing, err := e.store.ActiveCallBetween(req.CallerID, req.ReceiverID); err == nil {
			return nil, &ConflictError{ExistingCallID: existing.ID}
		} else if !errors.Is(err, store.ErrCallNotFound) {
			return nil, err
		}
	}

	kind := req.Kind
	if kind == "" {
		kind = models.CallKindAudio
	}

	call := &models.Call{
		CallerID:    req.CallerID,
		ReceiverID:  req.ReceiverID,
		Kind:        kind,
		Status:      models.CallStatusInitiated,
		GroupID:     req.GroupID,
		InitiatedAt: e.nowFn(),
		Metadata:    req.Metadata,
	}
	if err := e.store.CreateCall(call); err != nil {
		return nil, err
	}

	e.store.AppendEvent(call.ID, models.EventCallInitiated, models.CallMetadata{
		"caller_id":   call.CallerID,
		"receiver_id": call.ReceiverID,
		"kind":        string(call.Kind),
	})

	if !req.FanOut {
		callID := call.ID
		e.timers.Schedule(callID, e.opts.RingTimeout, func() {
			e.handleRingTimeout(callID)
		})
	}

	e.logger.Info("call created",
		"call_id", call.ID,
		"caller_id", call.CallerID,
		"receiver_id", call.ReceiverID,
		"kind", call.Kind,
		"group_id", call.GroupID,
	)
	return call, nil
}

// MarkRinging records that the receiver has been signaled. A call that is no
// longer initiated is left untouched.
func (e *Engine) MarkRinging(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	call, err := e.store.GetCall(callID)
	if err != nil || call.Status != models.CallStatusInitiated {
		return
	}
	if err := e.store.UpdateCall(callID, map[string]any{"status": models.CallStatusRinging}); err != nil {
		e.logger.Error("mark ringing failed", "call_id", callID, "error", err)
		return
	}
	e.store.AppendEvent(callID, models.EventCallRinging, nil)
}

// Answer transitions initiated/ringing to answered for the call's receiver,
// stamps answered_at and arms the maximum-duration timeout.
func (e *Engine) Answer(callID, userID string) (*models.Call, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	call, err := e.store.GetCall(callID)
	if err != nil {
		return nil, ErrCallNotFound
	}
	// Anything not answerable by this user looks like not found.
	if call.ReceiverID != userID || !isRingable(call.Status) {
		return nil, ErrCallNotFound
	}

	now := e.nowFn()
	if err := e.store.UpdateCall(callID, map[string]any{
		"status":      models.CallStatusAnswered,
		"answered_at": now,
	}); err != nil {
		return nil, err
	}
	call.Status = models.CallStatusAnswered
	call.AnsweredAt = &now

	e.timers.Cancel(callID)
	e.timers.Schedule(callID, e.opts.MaxDuration, func() {
		e.handleDurationTimeout(callID)
	})
	e.checkGroupDrained(call.GroupID)

	e.store.AppendEvent(callID, models.EventCallAnswered, models.CallMetadata{
		"answered_by": userID,
	})
	e.logger.Info("call answered", "call_id", callID, "answered_by", userID)
	return call, nil
}

// Reject moves a still-ringing call to rejected and pushes a missed-call
// notice to the caller.
func (e *Engine) Reject(callID, userID string) (*models.Call, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	call, err := e.store.GetCall(callID)
	if err != nil {
		return nil, ErrCallNotFound
	}
	if !call.Involves(userID) {
		return nil, ErrNotParticipant
	}
	if !isRingable(call.Status) {
		return nil, ErrAlreadyTerminal
	}

	now := e.nowFn()
	if err := e.store.UpdateCall(callID, map[string]any{
		"status":     models.CallStatusRejected,
		"ended_at":   now,
		"end_reason": models.EndReasonRejectedByReceiver,
	}); err != nil {
		return nil, err
	}
	call.Status = models.CallStatusRejected
	call.EndedAt = &now
	call.EndReason = models.EndReasonRejectedByReceiver

	e.timers.Cancel(callID)
	e.checkGroupDrained(call.GroupID)
	e.store.AppendEvent(callID, models.EventCallRejected, models.CallMetadata{
		"rejected_by": userID,
	})

	go e.pushMissedCall(call.CallerID, call, "Call declined")

	e.logger.Info("call rejected", "call_id", callID, "rejected_by", userID)
	return call, nil
}

// End terminates a call: normal hang-up from answered, or a forced end from
// any non-terminal state (disconnect, group timeout cleanup).
func (e *Engine) End(callID, userID, reason string) (*models.Call, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endLocked(callID, userID, reason)
}

func (e *Engine) endLocked(callID, userID, reason string) (*models.Call, error) {
	call, err := e.store.GetCall(callID)
	if err != nil {
		return nil, ErrCallNotFound
	}
	if userID != "" && !call.Involves(userID) {
		return nil, ErrNotParticipant
	}
	if call.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}

	if reason == "" {
		reason = models.EndReasonUserEnded
	}

	now := e.nowFn()
	duration := 0
	if call.AnsweredAt != nil {
		duration = int(now.Sub(*call.AnsweredAt).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	if err := e.store.UpdateCall(callID, map[string]any{
		"status":           models.CallStatusEnded,
		"ended_at":         now,
		"duration_seconds": duration,
		"end_reason":       reason,
	}); err != nil {
		return nil, err
	}
	call.Status = models.CallStatusEnded
	call.EndedAt = &now
	call.DurationSeconds = duration
	call.EndReason = reason

	e.timers.Cancel(callID)
	e.checkGroupDrained(call.GroupID)
	e.store.AppendEvent(callID, models.EventCallEnded, models.CallMetadata{
		"ended_by":         userID,
		"end_reason":       reason,
		"duration_seconds": fmt.Sprintf("%d", duration),
	})

	e.logger.Info("call ended",
		"call_id", callID,
		"ended_by", userID,
		"reason", reason,
		"duration_seconds", duration,
	)
	return call, nil
}

// ForceEndForUser terminates every non-terminal call the user participates
// in. Used by the gateway when a connection drops mid-call.
func (e *Engine) ForceEndForUser(userID, reason string) []*models.Call {
	active, err := e.store.ActiveCallsInvolving(userID)
	if err != nil {
		e.logger.Error("list active calls for disconnect failed", "user_id", userID, "error", err)
		return nil
	}

	var ended []*models.Call
	for _, c := range active {
		call, err := e.End(c.ID, userID, reason)
		if err != nil {
			if !errors.Is(err, ErrAlreadyTerminal) {
				e.logger.Error("force end failed", "call_id", c.ID, "error", err)
			}
			continue
		}
		ended = append(ended, call)
	}
	return ended
}

// ExpireGroup batch-times-out every sibling of an intercom group still in
// initiated/ringing. Already-terminal siblings are untouched.
func (e *Engine) ExpireGroup(groupID string) []*models.Call {
	e.mu.Lock()
	defer e.mu.Unlock()

	siblings, err := e.store.ActiveGroupCalls(groupID)
	if err != nil {
		e.logger.Error("list group calls failed", "group_id", groupID, "error", err)
		return nil
	}

	now := e.nowFn()
	var expired []*models.Call
	for i := range siblings {
		call := siblings[i]
		if err := e.store.UpdateCall(call.ID, map[string]any{
			"status":     models.CallStatusTimeout,
			"ended_at":   now,
			"end_reason": models.EndReasonTimeout,
		}); err != nil {
			e.logger.Error("expire group call failed", "call_id", call.ID, "error", err)
			continue
		}
		call.Status = models.CallStatusTimeout
		call.EndedAt = &now
		call.EndReason = models.EndReasonTimeout
		e.timers.Cancel(call.ID)
		e.store.AppendEvent(call.ID, models.EventCallTimeout, models.CallMetadata{
			"group_id": groupID,
		})
		expired = append(expired, &call)
	}

	if len(expired) > 0 {
		e.logger.Info("intercom group expired", "group_id", groupID, "calls", len(expired))
	}
	return expired
}

// handleRingTimeout fires when the ring window elapses. It re-reads the call
// and only acts when the call is still unanswered, so a race with a
// concurrent answer or end is a safe no-op.
func (e *Engine) handleRingTimeout(callID string) {
	e.mu.Lock()

	call, err := e.store.GetCall(callID)
	if err != nil || !isRingable(call.Status) {
		e.mu.Unlock()
		return
	}

	now := e.nowFn()
	if err := e.store.UpdateCall(callID, map[string]any{
		"status":     models.CallStatusTimeout,
		"ended_at":   now,
		"end_reason": models.EndReasonTimeout,
	}); err != nil {
		e.logger.Error("ring timeout update failed", "call_id", callID, "error", err)
		e.mu.Unlock()
		return
	}
	call.Status = models.CallStatusTimeout
	call.EndedAt = &now
	call.EndReason = models.EndReasonTimeout

	e.checkGroupDrained(call.GroupID)
	e.store.AppendEvent(callID, models.EventCallTimeout, nil)
	e.mu.Unlock()

	e.logger.Info("call timed out", "call_id", callID)
	e.sink.CallTimedOut(call)
	e.pushMissedCall(call.ReceiverID, call, "Missed call")
}

// handleDurationTimeout force-ends a call that has been answered for longer
// than the maximum duration.
func (e *Engine) handleDurationTimeout(callID string) {
	e.mu.Lock()
	call, err := e.store.GetCall(callID)
	if err != nil || call.Status != models.CallStatusAnswered {
		e.mu.Unlock()
		return
	}
	call, err = e.endLocked(callID, "", models.EndReasonMaxDuration)
	e.mu.Unlock()
	if err != nil {
		return
	}

	e.logger.Info("call hit max duration", "call_id", callID)
	e.sink.CallForceEnded(call, "")
}

// checkGroupDrained tells the observer when a transition left the call's
// group with no ringing sibling. No-op for ungrouped calls.
func (e *Engine) checkGroupDrained(groupID string) {
	if groupID == "" {
		return
	}
	remaining, err := e.store.ActiveGroupCalls(groupID)
	if err != nil {
		e.logger.Error("list group calls failed", "group_id", groupID, "error", err)
		return
	}
	if len(remaining) == 0 {
		e.groups.GroupDrained(groupID)
	}
}

func (e *Engine) pushMissedCall(userID string, call *models.Call, title string) {
	caller, err := e.store.GetUser(call.CallerID)
	callerName := call.CallerID
	if err == nil {
		callerName = caller.FullName
	}

	_, err = e.notifier.NotifyWithRetry(notify.Request{
		UserID: userID,
		Payload: notify.Payload{
			Title: title,
			Body:  fmt.Sprintf("%s tried to reach you", callerName),
			Data: map[string]any{
				"type":    "missed_call",
				"call_id": call.ID,
			},
		},
	}, 0)
	if err != nil {
		e.logger.Warn("missed-call push failed", "call_id", call.ID, "user_id", userID, "error", err)
	}
}

func isRingable(status models.CallStatus) bool {
	return status == models.CallStatusInitiated || status == models.CallStatusRinging
}
