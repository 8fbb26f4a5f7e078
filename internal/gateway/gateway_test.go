package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/intercall/signaling/internal/call"
	"github.com/intercall/signaling/internal/intercom"
	"github.com/intercall/signaling/internal/models"
	"github.com/intercall/signaling/internal/notify"
	"github.com/intercall/signaling/internal/presence"
	"github.com/intercall/signaling/internal/store"
)

func testClient() *Client {
	return clientFor("alice")
}

func clientFor(userID string) *Client {
	return &Client{
		send:    make(chan []byte, wsSendBuffer),
		userID:  userID,
		profile: models.Profile{ID: userID, FullName: "User " + userID, Role: models.RoleResident},
	}
}

func testGateway() *Gateway {
	return &Gateway{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func receive(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case payload := <-c.send:
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("malformed event frame: %v", err)
		}
		return env
	default:
		t.Fatal("no event queued")
		return Envelope{}
	}
}

func TestEncodeEventWrapsEnvelope(t *testing.T) {
	payload := encodeEvent(evCallSent, callSentData{CallID: "c-1"})

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if env.Type != evCallSent {
		t.Fatalf("type = %s, want %s", env.Type, evCallSent)
	}

	var data callSentData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.CallID != "c-1" {
		t.Fatalf("call_id = %s", data.CallID)
	}
}

func TestEngineErrorTranslation(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{call.ErrSelfCall, codeSelfCall},
		{call.ErrReceiverUnavailable, codeReceiverUnavailable},
		{call.ErrCallNotFound, codeCallNotFound},
		{call.ErrNotParticipant, codeNotParticipant},
		{call.ErrAlreadyTerminal, codeCallAlreadyOver},
		{store.ErrApartmentNotFound, codeApartmentNotFound},
		{intercom.ErrNoResidents, codeNoResidents},
		{store.ErrUserNotFound, codeUserNotFound},
		{errors.New("database is locked"), codeInternalError},
	}

	gw := testGateway()
	for _, tc := range cases {
		c := testClient()
		gw.sendEngineError(c, tc.err)

		env := receive(t, c)
		if env.Type != evError {
			t.Fatalf("%v: event type %s, want error", tc.err, env.Type)
		}
		var data errorData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("unmarshal error data: %v", err)
		}
		if data.Code != tc.code {
			t.Fatalf("%v translated to %s, want %s", tc.err, data.Code, tc.code)
		}
	}
}

func TestConflictErrorCarriesExistingCall(t *testing.T) {
	gw := testGateway()
	c := testClient()

	gw.sendEngineError(c, &call.ConflictError{ExistingCallID: "c-42"})

	env := receive(t, c)
	var data errorData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal error data: %v", err)
	}
	if data.Code != codeActiveCallExists {
		t.Fatalf("code = %s, want %s", data.Code, codeActiveCallExists)
	}
	if data.ExistingCallID != "c-42" {
		t.Fatalf("existing_call_id = %q, want c-42", data.ExistingCallID)
	}
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	gw := testGateway()
	c := testClient()

	gw.handleMessage(c, []byte("{not json"))

	env := receive(t, c)
	if env.Type != evError {
		t.Fatalf("event type %s, want error", env.Type)
	}
	var data errorData
	json.Unmarshal(env.Data, &data)
	if data.Code != codeInvalidPayload {
		t.Fatalf("code = %s, want %s", data.Code, codeInvalidPayload)
	}
}

func TestUnknownEventTypeRejected(t *testing.T) {
	gw := testGateway()
	c := testClient()

	gw.handleMessage(c, []byte(`{"type":"call.teleport","data":{}}`))

	env := receive(t, c)
	var data errorData
	json.Unmarshal(env.Data, &data)
	if data.Code != codeInvalidPayload {
		t.Fatalf("code = %s, want %s", data.Code, codeInvalidPayload)
	}
}

// memStore backs a real engine for message-handling tests and records the
// presence flags the gateway persists.
type memStore struct {
	mu       sync.Mutex
	seq      int
	calls    map[string]*models.Call
	users    map[string]*models.User
	presence map[string][]presenceFlags
}

type presenceFlags struct {
	online    bool
	available bool
}

func newMemStore(users ...*models.User) *memStore {
	s := &memStore{
		calls:    make(map[string]*models.Call),
		users:    make(map[string]*models.User),
		presence: make(map[string][]presenceFlags),
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *memStore) CreateCall(c *models.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		s.seq++
		c.ID = fmt.Sprintf("call-%d", s.seq)
	}
	stored := *c
	s.calls[c.ID] = &stored
	return nil
}

func (s *memStore) UpdateCall(callID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil
	}
	for k, v := range fields {
		switch k {
		case "status":
			c.Status = v.(models.CallStatus)
		case "answered_at":
			at := v.(time.Time)
			c.AnsweredAt = &at
		case "ended_at":
			at := v.(time.Time)
			c.EndedAt = &at
		case "duration_seconds":
			c.DurationSeconds = v.(int)
		case "end_reason":
			c.EndReason = v.(string)
		}
	}
	return nil
}

func (s *memStore) GetCall(callID string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, store.ErrCallNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *memStore) ActiveCallBetween(a, b string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.Status.IsTerminal() {
			continue
		}
		if (c.CallerID == a && c.ReceiverID == b) || (c.CallerID == b && c.ReceiverID == a) {
			copied := *c
			return &copied, nil
		}
	}
	return nil, store.ErrCallNotFound
}

func (s *memStore) ActiveCallsInvolving(userID string) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Call
	for _, c := range s.calls {
		if !c.Status.IsTerminal() && c.Involves(userID) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) ActiveGroupCalls(groupID string) ([]models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Call
	for _, c := range s.calls {
		if c.GroupID == groupID &&
			(c.Status == models.CallStatusInitiated || c.Status == models.CallStatusRinging) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *memStore) GetUser(userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *memStore) AppendEvent(callID, eventType string, payload models.CallMetadata) {}

func (s *memStore) SetUserPresence(userID string, online, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = append(s.presence[userID], presenceFlags{online: online, available: available})
	return nil
}

func (s *memStore) SetUserAvailability(userID string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.IsAvailable = available
	}
	return nil
}

func (s *memStore) lastPresence(userID string) (presenceFlags, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := s.presence[userID]
	if len(updates) == 0 {
		return presenceFlags{}, false
	}
	return updates[len(updates)-1], true
}

type fakePush struct{}

func (fakePush) NotifyWithRetry(req notify.Request, maxAttempts int) (notify.DeliveryResult, error) {
	return notify.DeliveryResult{UserID: req.UserID, Sent: true}, nil
}

func liveUser(id string) *models.User {
	return &models.User{ID: id, FullName: "User " + id, Role: models.RoleResident, IsAvailable: true}
}

// liveGateway wires a real engine and registry over the in-memory store so
// message handlers run end to end without a network connection.
func liveGateway(st *memStore) *Gateway {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := call.NewEngine(st, fakePush{}, logger, call.Options{RingTimeout: time.Hour, MaxDuration: time.Hour})
	return &Gateway{
		registry: presence.NewRegistry(),
		engine:   engine,
		store:    st,
		notifier: fakePush{},
		logger:   logger,
	}
}

func TestEndPersistsClientReason(t *testing.T) {
	st := newMemStore(liveUser("alice"), liveUser("bob"))
	g := liveGateway(st)
	alice, bob := clientFor("alice"), clientFor("bob")
	g.registry.Register("alice", alice, alice.profile)
	g.registry.Register("bob", bob, bob.profile)

	created, err := g.engine.Create(call.CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := g.engine.Answer(created.ID, "bob"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	g.handleEnd(bob, json.RawMessage(`{"call_id":"`+created.ID+`","reason":"network_quality"}`))

	stored, _ := st.GetCall(created.ID)
	if stored.EndReason != "network_quality" {
		t.Fatalf("end_reason persisted as %q, want network_quality", stored.EndReason)
	}

	env := receive(t, alice)
	if env.Type != evCallEnded {
		t.Fatalf("counterpart got %s, want %s", env.Type, evCallEnded)
	}
	var data callEndedData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Reason != "network_quality" {
		t.Fatalf("counterpart told reason %q, want network_quality", data.Reason)
	}
}

func TestEndWithoutReasonDefaultsToUserEnded(t *testing.T) {
	st := newMemStore(liveUser("alice"), liveUser("bob"))
	g := liveGateway(st)
	bob := clientFor("bob")

	created, _ := g.engine.Create(call.CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := g.engine.Answer(created.ID, "bob"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	g.handleEnd(bob, json.RawMessage(`{"call_id":"`+created.ID+`"}`))

	stored, _ := st.GetCall(created.ID)
	if stored.EndReason != models.EndReasonUserEnded {
		t.Fatalf("end_reason = %q, want %s", stored.EndReason, models.EndReasonUserEnded)
	}
}

func TestDisconnectForceEndsAndGoesOffline(t *testing.T) {
	st := newMemStore(liveUser("alice"), liveUser("bob"))
	g := liveGateway(st)
	alice, bob := clientFor("alice"), clientFor("bob")
	g.registry.Register("alice", alice, alice.profile)
	g.registry.Register("bob", bob, bob.profile)

	created, _ := g.engine.Create(call.CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := g.engine.Answer(created.ID, "bob"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	g.handleDisconnect(bob)

	if g.registry.IsOnline("bob") {
		t.Fatal("bob still registered after disconnect")
	}
	flags, ok := st.lastPresence("bob")
	if !ok || flags.online {
		t.Fatalf("durable online flag = %+v, want offline", flags)
	}

	stored, _ := st.GetCall(created.ID)
	if stored.Status != models.CallStatusEnded || stored.EndReason != models.EndReasonDisconnection {
		t.Fatalf("call after disconnect: status=%s reason=%s", stored.Status, stored.EndReason)
	}

	// The counterpart hears the forced end, then the presence broadcast.
	env := receive(t, alice)
	if env.Type != evCallEnded {
		t.Fatalf("first event %s, want %s", env.Type, evCallEnded)
	}
	var data callEndedData
	json.Unmarshal(env.Data, &data)
	if data.Reason != models.EndReasonDisconnection {
		t.Fatalf("reason = %q, want %s", data.Reason, models.EndReasonDisconnection)
	}
	env = receive(t, alice)
	if env.Type != evPresenceOffline {
		t.Fatalf("second event %s, want %s", env.Type, evPresenceOffline)
	}
}

func TestStaleDisconnectKeepsNewerConnection(t *testing.T) {
	st := newMemStore(liveUser("alice"), liveUser("bob"))
	g := liveGateway(st)
	stale, fresh := clientFor("bob"), clientFor("bob")
	g.registry.Register("bob", fresh, fresh.profile)

	created, _ := g.engine.Create(call.CreateRequest{CallerID: "alice", ReceiverID: "bob"})
	if _, err := g.engine.Answer(created.ID, "bob"); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	g.handleDisconnect(stale)

	if !g.registry.IsOnline("bob") {
		t.Fatal("fresh connection evicted by a stale disconnect")
	}
	if entry, _ := g.registry.Lookup("bob"); entry.Conn != fresh {
		t.Fatal("registry no longer holds the fresh connection")
	}
	if _, ok := st.lastPresence("bob"); ok {
		t.Fatal("stale disconnect must not touch the durable presence flags")
	}
	stored, _ := st.GetCall(created.ID)
	if stored.Status != models.CallStatusAnswered {
		t.Fatalf("active call flipped to %s by a stale disconnect", stored.Status)
	}
}
