package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/intercall/signaling/internal/call"
	"github.com/intercall/signaling/internal/intercom"
	"github.com/intercall/signaling/internal/models"
	"github.com/intercall/signaling/internal/notify"
	"github.com/intercall/signaling/internal/presence"
	"github.com/intercall/signaling/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// Notifier is the push fallback for receivers without a live connection.
type Notifier interface {
	NotifyWithRetry(req notify.Request, maxAttempts int) (notify.DeliveryResult, error)
}

// Store is the slice of the durable store the gateway touches directly.
type Store interface {
	GetUser(userID string) (*models.User, error)
	SetUserPresence(userID string, online, available bool) error
	SetUserAvailability(userID string, available bool) error
}

// Gateway is the only component touching the duplex channel. It owns
// authentication and event routing; every domain rule lives in the engine
// and the coordinator.
type Gateway struct {
	registry    *presence.Registry
	engine      *call.Engine
	coordinator *intercom.Coordinator
	store       Store
	notifier    Notifier
	upgrader    websocket.Upgrader
	jwtSecret   []byte
	logger      *slog.Logger
}

func New(
	registry *presence.Registry,
	engine *call.Engine,
	coordinator *intercom.Coordinator,
	st Store,
	notifier Notifier,
	jwtSecret string,
	logger *slog.Logger,
) *Gateway {
	gw := &Gateway{
		registry:    registry,
		engine:      engine,
		coordinator: coordinator,
		store:       st,
		notifier:    notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		jwtSecret: []byte(jwtSecret),
		logger:    logger,
	}
	engine.Bind(gw)
	coordinator.Bind(gw)
	return gw
}

// HandleWebSocket authenticates and upgrades one connection, binds it into
// the presence registry and runs its pumps until disconnect.
func (g *Gateway) HandleWebSocket(c *gin.Context) {
	user, err := g.authenticate(c)
	if err != nil {
		g.logger.Warn("ws auth failed", "ip", c.ClientIP(), "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("ws upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	client := newClient(g, conn, user.Profile())

	// A new connection wins: close whatever stale handle the user held.
	if evicted := g.registry.Register(user.ID, client, client.profile); evicted != nil {
		evicted.Close()
	}

	if err := g.store.SetUserPresence(user.ID, true, user.IsAvailable); err != nil {
		g.logger.Error("persist online flag failed", "user_id", user.ID, "error", err)
	}

	g.logger.Info("user connected", "user_id", user.ID, "role", user.Role, "online", g.registry.Count())

	// The newcomer gets the current online list; everyone else learns about
	// the newcomer.
	client.Send(encodeEvent(evPresenceList, presenceListData{Users: g.registry.Online()}))
	g.registry.Broadcast(encodeEvent(evPresenceOnline, presenceOnlineData{
		UserID:  user.ID,
		Profile: client.profile,
	}), user.ID)

	go client.writePump()
	client.readPump()
}

func (g *Gateway) authenticate(c *gin.Context) (*models.User, error) {
	credential := c.Query("token")
	if credential == "" {
		credential = c.GetHeader("Authorization")
		if len(credential) > 7 && credential[:7] == "Bearer " {
			credential = credential[7:]
		}
	}
	if credential == "" {
		return nil, errors.New("missing credential")
	}

	token, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, errors.New("token has no user_id")
	}

	// The durable profile is authoritative for role and display name.
	user, err := g.store.GetUser(userID)
	if err != nil {
		return nil, fmt.Errorf("unknown user %s: %w", userID, err)
	}
	return user, nil
}

func (g *Gateway) handleMessage(c *Client, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		g.sendError(c, codeInvalidPayload, "malformed event")
		return
	}

	switch env.Type {
	case "ping":
		// Application-level keepalive from older clients; ignored.
	case evCallInitiate:
		g.handleInitiate(c, env.Data)
	case evCallAnswer:
		g.handleAnswer(c, env.Data)
	case evCallReject:
		g.handleReject(c, env.Data)
	case evCallEnd:
		g.handleEnd(c, env.Data)
	case evICECandidate:
		g.handleICECandidate(c, env.Data)
	case evPresenceSetAvail:
		g.handleSetAvailable(c, env.Data)
	case evIntercomInitiate:
		g.handleIntercomInitiate(c, env.Data)
	default:
		g.sendError(c, codeInvalidPayload, "unknown event type: "+env.Type)
	}
}

func (g *Gateway) handleInitiate(c *Client, raw json.RawMessage) {
	var data initiateData
	if err := json.Unmarshal(raw, &data); err != nil || data.ReceiverID == "" {
		g.sendError(c, codeInvalidPayload, "receiver_id is required")
		return
	}

	created, err := g.engine.Create(call.CreateRequest{
		CallerID:   c.userID,
		ReceiverID: data.ReceiverID,
		Kind:       data.Kind,
	})
	if err != nil {
		g.sendEngineError(c, err)
		return
	}

	// Relay the opaque offer to the receiver if present; push otherwise.
	delivered := g.registry.Send(data.ReceiverID, encodeEvent(evCallIncoming, callIncomingData{
		CallID:   created.ID,
		CallerID: c.userID,
		Caller:   c.profile,
		Offer:    data.Offer,
	}))
	if delivered {
		g.engine.MarkRinging(created.ID)
	} else {
		go g.pushIncomingCall(created, c.profile)
	}

	c.Send(encodeEvent(evCallSent, callSentData{CallID: created.ID}))
}

func (g *Gateway) pushIncomingCall(created *models.Call, caller models.Profile) {
	_, err := g.notifier.NotifyWithRetry(notify.Request{
		UserID: created.ReceiverID,
		Payload: notify.Payload{
			Title: "Incoming call",
			Body:  fmt.Sprintf("%s is calling you", caller.FullName),
			Data: map[string]any{
				"type":      "incoming_call",
				"call_id":   created.ID,
				"caller_id": created.CallerID,
			},
		},
	}, 0)
	if err != nil {
		g.logger.Warn("incoming-call push failed", "call_id", created.ID, "receiver_id", created.ReceiverID, "error", err)
	}
}

func (g *Gateway) handleAnswer(c *Client, raw json.RawMessage) {
	var data answerData
	if err := json.Unmarshal(raw, &data); err != nil || data.CallID == "" {
		g.sendError(c, codeInvalidPayload, "call_id is required")
		return
	}

	answered, err := g.engine.Answer(data.CallID, c.userID)
	if err != nil {
		g.sendEngineError(c, err)
		return
	}

	g.registry.Send(answered.CallerID, encodeEvent(evCallAnswered, callAnsweredData{
		CallID: answered.ID,
		Answer: data.Answer,
	}))
}

func (g *Gateway) handleReject(c *Client, raw json.RawMessage) {
	var data rejectData
	if err := json.Unmarshal(raw, &data); err != nil || data.CallID == "" {
		g.sendError(c, codeInvalidPayload, "call_id is required")
		return
	}

	rejected, err := g.engine.Reject(data.CallID, c.userID)
	if err != nil {
		g.sendEngineError(c, err)
		return
	}

	g.registry.Send(rejected.CallerID, encodeEvent(evCallRejected, callRejectedData{
		CallID: rejected.ID,
	}))
}

func (g *Gateway) handleEnd(c *Client, raw json.RawMessage) {
	var data endData
	if err := json.Unmarshal(raw, &data); err != nil || data.CallID == "" {
		g.sendError(c, codeInvalidPayload, "call_id is required")
		return
	}

	ended, err := g.engine.End(data.CallID, c.userID, data.Reason)
	if err != nil {
		g.sendEngineError(c, err)
		return
	}

	g.registry.Send(ended.Counterpart(c.userID), encodeEvent(evCallEnded, callEndedData{
		CallID:          ended.ID,
		EndedBy:         c.userID,
		Reason:          ended.EndReason,
		DurationSeconds: ended.DurationSeconds,
	}))
}

// handleICECandidate is a pure relay: candidates are opaque and cause no
// state change.
func (g *Gateway) handleICECandidate(c *Client, raw json.RawMessage) {
	var data iceData
	if err := json.Unmarshal(raw, &data); err != nil || data.TargetUserID == "" {
		g.sendError(c, codeInvalidPayload, "target_user_id is required")
		return
	}

	g.registry.Send(data.TargetUserID, encodeEvent(evICECandidate, iceCandidateData{
		CallID:     data.CallID,
		FromUserID: c.userID,
		Candidate:  data.Candidate,
	}))
}

func (g *Gateway) handleSetAvailable(c *Client, raw json.RawMessage) {
	var data setAvailableData
	if err := json.Unmarshal(raw, &data); err != nil {
		g.sendError(c, codeInvalidPayload, "malformed availability update")
		return
	}

	if err := g.store.SetUserAvailability(c.userID, data.IsAvailable); err != nil {
		g.logger.Error("persist availability failed", "user_id", c.userID, "error", err)
		g.sendError(c, codeInternalError, "could not update availability")
		return
	}
	c.profile.IsAvailable = data.IsAvailable

	g.registry.Broadcast(encodeEvent(evPresenceChanged, presenceChangedData{
		UserID:      c.userID,
		IsAvailable: data.IsAvailable,
	}), c.userID)
}

func (g *Gateway) handleIntercomInitiate(c *Client, raw json.RawMessage) {
	var data intercomInitiateData
	if err := json.Unmarshal(raw, &data); err != nil || data.ApartmentNumber == "" || data.BuildingID == "" {
		g.sendError(c, codeInvalidPayload, "apartment_number and building_id are required")
		return
	}
	if c.profile.Role != models.RoleDoorman {
		g.sendError(c, codeForbidden, "only the doorman console may ring an apartment")
		return
	}

	summary, err := g.coordinator.StartApartmentCall(
		c.userID,
		data.ApartmentNumber,
		data.BuildingID,
		time.Duration(data.TimeoutMs)*time.Millisecond,
	)
	if err != nil {
		g.sendEngineError(c, err)
		return
	}

	c.Send(encodeEvent(evIntercomStarted, summary))
}

// handleDisconnect runs when a connection's read pump exits: the user leaves
// presence, their non-terminal calls are force-ended with
// end_reason=disconnection and counterparts are told.
func (g *Gateway) handleDisconnect(c *Client) {
	// Only the owner may evict the entry; a disconnect racing a reconnect
	// must not tear down the newer connection.
	if !g.registry.Unregister(c.userID, c) {
		c.closeSend()
		return
	}
	c.closeSend()

	if err := g.store.SetUserPresence(c.userID, false, false); err != nil {
		g.logger.Error("persist offline flag failed", "user_id", c.userID, "error", err)
	}

	ended := g.engine.ForceEndForUser(c.userID, models.EndReasonDisconnection)
	for _, call := range ended {
		g.registry.Send(call.Counterpart(c.userID), encodeEvent(evCallEnded, callEndedData{
			CallID:          call.ID,
			EndedBy:         c.userID,
			Reason:          models.EndReasonDisconnection,
			DurationSeconds: call.DurationSeconds,
		}))
	}

	g.registry.Broadcast(encodeEvent(evPresenceOffline, presenceOfflineData{UserID: c.userID}), c.userID)
	g.logger.Info("user disconnected", "user_id", c.userID, "calls_ended", len(ended), "online", g.registry.Count())
}

// CallTimedOut implements call.Sink: a ring timeout fired and the call is
// now terminal. Both sides are told.
func (g *Gateway) CallTimedOut(timedOut *models.Call) {
	msg := encodeEvent(evCallEnded, callEndedData{
		CallID: timedOut.ID,
		Reason: models.EndReasonTimeout,
	})
	g.registry.Send(timedOut.CallerID, msg)
	g.registry.Send(timedOut.ReceiverID, msg)
}

// CallForceEnded implements call.Sink: the maximum-duration timer expired.
func (g *Gateway) CallForceEnded(ended *models.Call, endedBy string) {
	msg := encodeEvent(evCallEnded, callEndedData{
		CallID:          ended.ID,
		EndedBy:         endedBy,
		Reason:          ended.EndReason,
		DurationSeconds: ended.DurationSeconds,
	})
	g.registry.Send(ended.CallerID, msg)
	g.registry.Send(ended.ReceiverID, msg)
}

// IntercomIncoming implements intercom.Sink: ring one resident over the
// duplex channel if they are present.
func (g *Gateway) IntercomIncoming(userID string, incoming *models.Call, group intercom.Group) {
	g.registry.Send(userID, encodeEvent(evIntercomIncoming, intercomIncomingData{
		CallID:          incoming.ID,
		CallerID:        incoming.CallerID,
		GroupID:         group.ID,
		ApartmentNumber: group.ApartmentNumber,
		TimeoutMs:       group.Timeout.Milliseconds(),
	}))
}

// IntercomTimeout implements intercom.Sink: the group window elapsed and the
// expired siblings plus the caller are told.
func (g *Gateway) IntercomTimeout(group intercom.Group, expired []*models.Call) {
	msg := encodeEvent(evIntercomTimeout, intercomTimeoutData{
		GroupID:         group.ID,
		ApartmentNumber: group.ApartmentNumber,
	})
	for _, sibling := range expired {
		g.registry.Send(sibling.ReceiverID, msg)
	}
	if len(expired) > 0 {
		g.registry.Send(expired[0].CallerID, msg)
	}
}

func (g *Gateway) sendError(c *Client, code, message string) {
	c.Send(encodeEvent(evError, errorData{Code: code, Message: message}))
}

// sendEngineError translates typed domain errors into error events. Raw
// infrastructure errors collapse into internal_error.
func (g *Gateway) sendEngineError(c *Client, err error) {
	var conflict *call.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.Send(encodeEvent(evError, errorData{
			Code:           codeActiveCallExists,
			Message:        "an active call already exists between these users",
			ExistingCallID: conflict.ExistingCallID,
		}))
	case errors.Is(err, call.ErrSelfCall):
		g.sendError(c, codeSelfCall, "cannot call yourself")
	case errors.Is(err, call.ErrReceiverUnavailable):
		g.sendError(c, codeReceiverUnavailable, "receiver is not available")
	case errors.Is(err, call.ErrCallNotFound), errors.Is(err, store.ErrCallNotFound):
		g.sendError(c, codeCallNotFound, "call not found")
	case errors.Is(err, call.ErrNotParticipant):
		g.sendError(c, codeNotParticipant, "you are not part of this call")
	case errors.Is(err, call.ErrAlreadyTerminal):
		g.sendError(c, codeCallAlreadyOver, "call already reached a terminal status")
	case errors.Is(err, store.ErrApartmentNotFound):
		g.sendError(c, codeApartmentNotFound, "apartment not found")
	case errors.Is(err, intercom.ErrNoResidents):
		g.sendError(c, codeNoResidents, "apartment has no eligible residents")
	case errors.Is(err, store.ErrUserNotFound):
		g.sendError(c, codeUserNotFound, "user not found")
	default:
		g.logger.Error("gateway internal error", "user_id", c.userID, "error", err)
		g.sendError(c, codeInternalError, "internal error")
	}
}
