package call

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/intercall/signaling/internal/models"
	"github.com/intercall/signaling/internal/notify"
	"github.com/intercall/signaling/internal/store"
)

type memStore struct {
	mu    sync.Mutex
	seq   int
	calls map[string]*models.Call
	users map[string]*models.User
}

func newMemStore(users ...*models.User) *memStore {
	s := &memStore{
		calls: make(map[string]*models.Call),
		users: make(map[string]*models.User),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) CreateCall(call *models.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.ID == "" {
		s.seq++
		call.ID = fmt.Sprintf("call-%d", s.seq)
	}
	stored := *call
	s.calls[call.ID] = &stored
	return nil
}

func (s *memStore) UpdateCall(callID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil
	}
	for k, v := range fields {
		switch k {
		case "status":
			call.Status = v.(models.CallStatus)
		case "answered_at":
			at := v.(time.Time)
			call.AnsweredAt = &at
		case "ended_at":
			at := v.(time.Time)
			call.EndedAt = &at
		case "duration_seconds":
			call.DurationSeconds = v.(int)
		case "end_reason":
			call.EndReason = v.(string)
		}
	}
	return nil
}

func (s *memStore) GetCall(callID string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	if !ok {
		return nil, store.ErrCallNotFound
	}
	copied := *call
	return &copied, nil
}

func (s *memStore) ActiveCallBetween(a, b string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, call := range s.calls {
		if call.Status.IsTerminal() {
			continue
		}
		if (call.CallerID == a && call.ReceiverID == b) || (call.CallerID == b && call.ReceiverID == a) {
			copied := *call
			return &copied, nil
		}
	}
	return nil, store.ErrCallNotFound
}

func (s *memStore) ActiveCallsInvolving(userID string) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Call
	for _, call := range s.calls {
		if !call.Status.IsTerminal() && call.Involves(userID) {
			out = append(out, *call)
		}
	}
	return out, nil
}

func (s *memStore) ActiveGroupCalls(groupID string) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Call
	for _, call := range s.calls {
		if call.GroupID == groupID && isRingable(call.Status) {
			out = append(out, *call)
		}
	}
	return out, nil
}

func (s *memStore) GetUser(userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

func (s *memStore) AppendEvent(callID, eventType string, payload models.CallMetadata) {}

type recordingNotifier struct {
	requests chan notify.Request
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{requests: make(chan notify.Request, 16)}
}

func (n *recordingNotifier) NotifyWithRetry(req notify.Request, maxAttempts int) (notify.DeliveryResult, error) {
	n.requests <- req
	return notify.DeliveryResult{UserID: req.UserID, Sent: true}, nil
}

func (n *recordingNotifier) wait(t *testing.T) notify.Request {
	t.Helper()
	select {
	case req := <-n.requests:
		return req
	case <-time.After(time.Second):
		t.Fatal("expected a push notification")
		return notify.Request{}
	}
}

type recordingSink struct {
	mu         sync.Mutex
	timedOut   []*models.Call
	forceEnded []*models.Call
}

func (s *recordingSink) CallTimedOut(call *models.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timedOut = append(s.timedOut, call)
}

func (s *recordingSink) CallForceEnded(call *models.Call, endedBy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceEnded = append(s.forceEnded, call)
}

func (s *recordingSink) timedOutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timedOut)
}

type recordingGroups struct {
	mu      sync.Mutex
	drained []string
}

func (g *recordingGroups) GroupDrained(groupID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drained = append(g.drained, groupID)
}

func (g *recordingGroups) snapshot() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.drained...)
}

func testUser(id string, available bool) *models.User {
	return &models.User{
		ID:          id,
		FullName:    "User " + id,
		Role:        models.RoleResident,
		IsAvailable: available,
	}
}

func newTestEngine(t *testing.T, st Store, notifier Notifier) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// A long ring timeout keeps real timers from firing during the test;
	// timeout paths are driven directly.
	return NewEngine(st, notifier, logger, Options{RingTimeout: time.Hour, MaxDuration: time.Hour})
}

func TestCreateRejectsSelfCall(t *testing.T) {
	e := newTestEngine(t, newMemStore(testUser("alice", true)), newRecordingNotifier())

	_, err := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "alice"})
	if !errors.Is(err, ErrSelfCall) {
		t.Fatalf("expected ErrSelfCall, got %v", err)
	}
}

func TestCreateRejectsUnavailableReceiver(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", false))
	e := newTestEngine(t, st, newRecordingNotifier())

	_, err := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if !errors.Is(err, ErrReceiverUnavailable) {
		t.Fatalf("expected ErrReceiverUnavailable, got %v", err)
	}
}

func TestCreateReportsExistingCall(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	e := newTestEngine(t, st, newRecordingNotifier())

	first, err := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	// Same pair in the opposite direction is still a conflict.
	_, err = e.Create(CreateRequest{CallerID: "bob", ReceiverID: "alice"})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ExistingCallID != first.ID {
		t.Fatalf("conflict carries %q, want %q", conflict.ExistingCallID, first.ID)
	}
}

func TestFanOutBypassesAvailabilityAndPairCheck(t *testing.T) {
	st := newMemStore(testUser("doorman", true), testUser("bob", false))
	e := newTestEngine(t, st, newRecordingNotifier())

	first, err := e.Create(CreateRequest{CallerID: "doorman", ReceiverID: "bob", FanOut: true, GroupID: "g1"})
	if err != nil {
		t.Fatalf("fan-out create failed: %v", err)
	}
	second, err := e.Create(CreateRequest{CallerID: "doorman", ReceiverID: "bob", FanOut: true, GroupID: "g2"})
	if err != nil {
		t.Fatalf("second fan-out create failed: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected distinct sibling calls")
	}
	if e.timers.Pending() != 0 {
		t.Fatalf("fan-out calls must not arm per-call ring timers, got %d", e.timers.Pending())
	}
}

func TestAnswerStampsTimestampAndArmsDurationTimer(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	e := newTestEngine(t, st, newRecordingNotifier())

	base := time.Unix(1_800_000_000, 0)
	e.nowFn = func() time.Time { return base }

	created, err := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	answered, err := e.Answer(created.ID, "bob")
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if answered.Status != models.CallStatusAnswered {
		t.Fatalf("status = %s, want answered", answered.Status)
	}
	if answered.AnsweredAt == nil || !answered.AnsweredAt.Equal(base) {
		t.Fatalf("answered_at = %v, want %v", answered.AnsweredAt, base)
	}
	if e.timers.Pending() != 1 {
		t.Fatalf("expected only the duration timer armed, got %d", e.timers.Pending())
	}
}

func TestAnswerByCallerLooksLikeNotFound(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	e := newTestEngine(t, st, newRecordingNotifier())

	created, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := e.Answer(created.ID, "alice"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound for caller answering, got %v", err)
	}
}

func TestRejectNotifiesCaller(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	notifier := newRecordingNotifier()
	e := newTestEngine(t, st, notifier)

	created, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	rejected, err := e.Reject(created.ID, "bob")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Status != models.CallStatusRejected {
		t.Fatalf("status = %s, want rejected", rejected.Status)
	}
	if rejected.EndReason != models.EndReasonRejectedByReceiver {
		t.Fatalf("end_reason = %s, want %s", rejected.EndReason, models.EndReasonRejectedByReceiver)
	}

	push := notifier.wait(t)
	if push.UserID != "alice" {
		t.Fatalf("declined push went to %s, want the caller", push.UserID)
	}
}

func TestEndComputesDurationFromAnswer(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	e := newTestEngine(t, st, newRecordingNotifier())

	now := time.Unix(1_800_000_000, 0)
	e.nowFn = func() time.Time { return now }

	created, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := e.Answer(created.ID, "bob"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	now = now.Add(95 * time.Second)
	ended, err := e.End(created.ID, "alice", "")
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if ended.DurationSeconds != 95 {
		t.Fatalf("duration = %d, want 95", ended.DurationSeconds)
	}
	if ended.EndReason != models.EndReasonUserEnded {
		t.Fatalf("end_reason = %s, want %s", ended.EndReason, models.EndReasonUserEnded)
	}
	if e.timers.Pending() != 0 {
		t.Fatalf("end must cancel the duration timer, %d pending", e.timers.Pending())
	}
}

func TestEndTwiceReportsTerminal(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	e := newTestEngine(t, st, newRecordingNotifier())

	created, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := e.End(created.ID, "alice", ""); err != nil {
		t.Fatalf("first end failed: %v", err)
	}
	if _, err := e.End(created.ID, "alice", ""); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestEndByOutsiderRejected(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	e := newTestEngine(t, st, newRecordingNotifier())

	created, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := e.End(created.ID, "mallory", ""); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestRingTimeoutIsIdempotent(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	notifier := newRecordingNotifier()
	e := newTestEngine(t, st, notifier)
	sink := &recordingSink{}
	e.Bind(sink)

	created, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})

	e.handleRingTimeout(created.ID)

	got, _ := st.GetCall(created.ID)
	if got.Status != models.CallStatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
	if sink.timedOutCount() != 1 {
		t.Fatalf("sink notified %d times, want 1", sink.timedOutCount())
	}
	push := notifier.wait(t)
	if push.UserID != "bob" {
		t.Fatalf("missed-call push went to %s, want the receiver", push.UserID)
	}

	// A stale second firing must be a no-op.
	e.handleRingTimeout(created.ID)
	if sink.timedOutCount() != 1 {
		t.Fatalf("stale timeout fired the sink again, %d calls", sink.timedOutCount())
	}

	// The timed-out call can no longer be answered.
	if _, err := e.Answer(created.ID, "bob"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound after timeout, got %v", err)
	}
}

func TestDurationTimeoutForceEnds(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	e := newTestEngine(t, st, newRecordingNotifier())
	sink := &recordingSink{}
	e.Bind(sink)

	created, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := e.Answer(created.ID, "bob"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	e.handleDurationTimeout(created.ID)

	got, _ := st.GetCall(created.ID)
	if got.Status != models.CallStatusEnded {
		t.Fatalf("status = %s, want ended", got.Status)
	}
	if got.EndReason != models.EndReasonMaxDuration {
		t.Fatalf("end_reason = %s, want %s", got.EndReason, models.EndReasonMaxDuration)
	}

	sink.mu.Lock()
	forceEnded := len(sink.forceEnded)
	sink.mu.Unlock()
	if forceEnded != 1 {
		t.Fatalf("sink force-end notified %d times, want 1", forceEnded)
	}
}

func TestForceEndForUserEndsAllActiveCalls(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true), testUser("carol", true))
	e := newTestEngine(t, st, newRecordingNotifier())

	first, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	second, _ := e.Create(CreateRequest{CallerID: "carol", ReceiverID: "alice"})

	ended := e.ForceEndForUser("alice", models.EndReasonDisconnection)
	if len(ended) != 2 {
		t.Fatalf("force-ended %d calls, want 2", len(ended))
	}
	for _, id := range []string{first.ID, second.ID} {
		got, _ := st.GetCall(id)
		if got.Status != models.CallStatusEnded || got.EndReason != models.EndReasonDisconnection {
			t.Fatalf("call %s: status=%s reason=%s", id, got.Status, got.EndReason)
		}
	}
}

func TestGroupDrainedFiresOnLastRingingSibling(t *testing.T) {
	st := newMemStore(testUser("doorman", true), testUser("r1", true), testUser("r2", true))
	e := newTestEngine(t, st, newRecordingNotifier())
	groups := &recordingGroups{}
	e.BindGroups(groups)

	first, _ := e.Create(CreateRequest{CallerID: "doorman", ReceiverID: "r1", FanOut: true, GroupID: "g1"})
	second, _ := e.Create(CreateRequest{CallerID: "doorman", ReceiverID: "r2", FanOut: true, GroupID: "g1"})

	if _, err := e.Reject(first.ID, "r1"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if drained := groups.snapshot(); len(drained) != 0 {
		t.Fatalf("group drained while a sibling still rings: %v", drained)
	}

	if _, err := e.Answer(second.ID, "r2"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if drained := groups.snapshot(); len(drained) != 1 || drained[0] != "g1" {
		t.Fatalf("drained = %v, want [g1]", drained)
	}
}

func TestUngroupedCallsNeverReportDrained(t *testing.T) {
	st := newMemStore(testUser("alice", true), testUser("bob", true))
	e := newTestEngine(t, st, newRecordingNotifier())
	groups := &recordingGroups{}
	e.BindGroups(groups)

	created, _ := e.Create(CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := e.End(created.ID, "alice", ""); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	if drained := groups.snapshot(); len(drained) != 0 {
		t.Fatalf("drained = %v, want none", drained)
	}
}

func TestExpireGroupLeavesTerminalSiblingsAlone(t *testing.T) {
	st := newMemStore(testUser("doorman", true), testUser("r1", true), testUser("r2", true), testUser("r3", true))
	e := newTestEngine(t, st, newRecordingNotifier())

	var siblings []*models.Call
	for _, r := range []string{"r1", "r2", "r3"} {
		c, err := e.Create(CreateRequest{CallerID: "doorman", ReceiverID: r, FanOut: true, GroupID: "g1"})
		if err != nil {
			t.Fatalf("fan-out create for %s failed: %v", r, err)
		}
		siblings = append(siblings, c)
	}

	if _, err := e.Answer(siblings[1].ID, "r2"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	expired := e.ExpireGroup("g1")
	if len(expired) != 2 {
		t.Fatalf("expired %d siblings, want 2", len(expired))
	}

	answered, _ := st.GetCall(siblings[1].ID)
	if answered.Status != models.CallStatusAnswered {
		t.Fatalf("answered sibling flipped to %s", answered.Status)
	}
	for _, id := range []string{siblings[0].ID, siblings[2].ID} {
		got, _ := st.GetCall(id)
		if got.Status != models.CallStatusTimeout || got.EndReason != models.EndReasonTimeout {
			t.Fatalf("sibling %s: status=%s reason=%s", id, got.Status, got.EndReason)
		}
	}
}
