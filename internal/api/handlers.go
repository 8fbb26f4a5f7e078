package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/intercall/signaling/internal/models"
	"github.com/intercall/signaling/internal/store"
	"github.com/intercall/signaling/internal/turn"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

// Handlers serves the REST surface living next to the duplex channel: call
// history, building layout, push subscription management and operational
// statistics.
type Handlers struct {
	store      *store.Store
	turnServer *turn.Server
	vapidKey   string
	jwtSecret  []byte
	logger     *slog.Logger
}

func New(st *store.Store, turnServer *turn.Server, vapidPublicKey, jwtSecret string, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:      st,
		turnServer: turnServer,
		vapidKey:   vapidPublicKey,
		jwtSecret:  []byte(jwtSecret),
		logger:     logger,
	}
}

// AuthRequired validates the bearer token and puts user_id into the gin
// context for downstream handlers.
func (h *Handlers) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		credential := c.GetHeader("Authorization")
		if len(credential) > 7 && credential[:7] == "Bearer " {
			credential = credential[7:]
		}
		if credential == "" {
			credential = c.Query("token")
		}
		if credential == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		token, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return h.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID, _ := claims["user_id"].(string)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("user_id", userID)
		c.Next()
	}
}

func currentUserID(c *gin.Context) string {
	id, _ := c.Get("user_id")
	s, _ := id.(string)
	return s
}

type callHistoryResponse struct {
	Total int64         `json:"total"`
	Calls []models.Call `json:"calls"`
}

// CallHistory returns the caller's past calls, newest first. Supported query
// parameters: status, kind, date_from, date_to (RFC 3339), limit, offset.
func (h *Handlers) CallHistory(c *gin.Context) {
	filter := store.HistoryFilter{
		Status: models.CallStatus(c.Query("status")),
		Kind:   models.CallKind(c.Query("kind")),
	}
	if v := c.Query("date_from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date_from must be RFC 3339"})
			return
		}
		filter.DateFrom = t
	}
	if v := c.Query("date_to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date_to must be RFC 3339"})
			return
		}
		filter.DateTo = t
	}
	if v := c.Query("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := c.Query("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}

	total, calls, err := h.store.CallHistory(currentUserID(c), filter)
	if err != nil {
		h.logger.Error("call history failed", "user_id", currentUserID(c), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load history"})
		return
	}

	c.JSON(http.StatusOK, callHistoryResponse{Total: total, Calls: calls})
}

// CallEvents returns the audit trail of one call the requester took part in.
func (h *Handlers) CallEvents(c *gin.Context) {
	callID := c.Param("call_id")

	call, err := h.store.GetCall(callID)
	if err != nil {
		if errors.Is(err, store.ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load call"})
		return
	}
	if !call.Involves(currentUserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	events, err := h.store.CallEvents(callID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"call": call, "events": events})
}

// BuildingApartments lists the units of one building for the doorman console.
func (h *Handlers) BuildingApartments(c *gin.Context) {
	buildingID := c.Param("building_id")

	apartments, err := h.store.BuildingApartments(buildingID)
	if err != nil {
		h.logger.Error("list apartments failed", "building_id", buildingID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load apartments"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"building_id": buildingID, "apartments": apartments})
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TURNConfig returns the ICE server list clients feed into their peer
// connection. Without an embedded relay only the public STUN entry remains.
func (h *Handlers) TURNConfig(c *gin.Context) {
	servers := []iceServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}

	if h.turnServer != nil {
		creds := h.turnServer.Credentials()
		host := c.Request.Host
		if hostname := c.Request.URL.Hostname(); hostname != "" {
			host = hostname
		}
		servers = append(servers, iceServer{
			URLs:       []string{fmt.Sprintf("turn:%s:3478", host)},
			Username:   creds.Username,
			Credential: creds.Password,
		})
	}

	c.JSON(http.StatusOK, gin.H{"ice_servers": servers})
}

// VAPIDPublicKey hands the browser the key it needs to subscribe for push.
func (h *Handlers) VAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": h.vapidKey})
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
	Keys     struct {
		P256DH string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
	Platform string `json:"platform"`
}

// Subscribe registers a push endpoint for the authenticated user.
func (h *Handlers) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint and keys are required"})
		return
	}
	if req.Platform == "" {
		req.Platform = "web"
	}

	sub := &models.PushSubscription{
		UserID:   currentUserID(c),
		Endpoint: req.Endpoint,
		P256DH:   req.Keys.P256DH,
		Auth:     req.Keys.Auth,
		Platform: req.Platform,
		IsActive: true,
	}
	if err := h.store.SaveSubscription(sub); err != nil {
		h.logger.Error("save subscription failed", "user_id", sub.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not save subscription"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": sub.ID})
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// Unsubscribe removes the push endpoint, typically on logout.
func (h *Handlers) Unsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "endpoint is required"})
		return
	}

	err := h.store.RemoveSubscription(currentUserID(c), req.Endpoint)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not remove subscription"})
		return
	}

	c.Status(http.StatusNoContent)
}

// Statistics is an unauthenticated operational snapshot.
func (h *Handlers) Statistics(c *gin.Context) {
	stats, err := h.store.Statistics()
	if err != nil {
		h.logger.Error("statistics failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load statistics"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Health is the liveness probe.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
