package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/intercall/signaling/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = time.Second
	pushTTLSeconds     = 30
)

// SubscriptionStore is the slice of the durable store the dispatcher needs.
type SubscriptionStore interface {
	ActiveSubscriptions(userID string) ([]models.PushSubscription, error)
	DeactivateSubscription(subscriptionID string) error
}

type VAPID struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Payload is the push message shown on the user's device. Data rides along
// for the client app to route the tap (call id, apartment number, ...).
type Payload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// TokenResult is the outcome for one subscription endpoint.
type TokenResult struct {
	SubscriptionID string
	Endpoint       string
	Delivered      bool
	Permanent      bool
	Err            error
}

// DeliveryResult aggregates one user's dispatch. Sent is true when at least
// one endpoint accepted the message.
type DeliveryResult struct {
	UserID  string
	Sent    bool
	Results []TokenResult
}

// Transient reports whether any endpoint failed in a retryable way. Permanent
// failures and successes are both non-retryable.
func (r DeliveryResult) Transient() bool {
	for _, res := range r.Results {
		if res.Err != nil && !res.Permanent {
			return true
		}
	}
	return false
}

type Request struct {
	UserID  string
	Payload Payload
}

type BatchResult struct {
	Total      int
	Successful int
	Failed     int
	Details    []DeliveryResult
}

// sendFunc matches webpush.SendNotification; swapped out in tests.
type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Dispatcher reaches users who are not present on the duplex channel through
// web push. It never blocks a call transition: callers fire it after the
// durable state change commits.
type Dispatcher struct {
	subs   SubscriptionStore
	vapid  VAPID
	logger *slog.Logger

	sendFn  sendFunc
	sleepFn func(time.Duration)

	baseDelay time.Duration
}

func NewDispatcher(subs SubscriptionStore, vapid VAPID, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		subs:      subs,
		vapid:     vapid,
		logger:    logger,
		sendFn:    webpush.SendNotification,
		sleepFn:   time.Sleep,
		baseDelay: defaultBaseDelay,
	}
}

// Notify attempts delivery to every active subscription of userID. An
// endpoint the provider reports gone (404/410) is deactivated as a side
// effect and never retried.
func (d *Dispatcher) Notify(userID string, payload Payload) (DeliveryResult, error) {
	result := DeliveryResult{UserID: userID}

	subscriptions, err := d.subs.ActiveSubscriptions(userID)
	if err != nil {
		return result, fmt.Errorf("load subscriptions: %w", err)
	}
	if len(subscriptions) == 0 {
		d.logger.Debug("no push subscriptions", "user_id", userID)
		return result, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("marshal push payload: %w", err)
	}

	for _, sub := range subscriptions {
		tokenResult := d.sendOne(body, sub)
		if tokenResult.Delivered {
			result.Sent = true
		}
		if tokenResult.Permanent {
			if err := d.subs.DeactivateSubscription(sub.ID); err != nil {
				d.logger.Error("deactivate dead subscription failed", "subscription_id", sub.ID, "error", err)
			} else {
				d.logger.Info("deactivated dead push subscription", "user_id", userID, "subscription_id", sub.ID)
			}
		}
		result.Results = append(result.Results, tokenResult)
	}

	d.logger.Debug("push dispatched",
		"user_id", userID,
		"endpoints", len(result.Results),
		"sent", result.Sent,
	)
	return result, nil
}

func (d *Dispatcher) sendOne(body []byte, sub models.PushSubscription) TokenResult {
	result := TokenResult{SubscriptionID: sub.ID, Endpoint: sub.Endpoint}

	resp, err := d.sendFn(body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      d.vapid.Subject,
		VAPIDPublicKey:  d.vapid.PublicKey,
		VAPIDPrivateKey: d.vapid.PrivateKey,
		TTL:             pushTTLSeconds,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		result.Err = err
		return result
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result.Delivered = true
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		result.Permanent = true
		result.Err = fmt.Errorf("subscription gone: status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden:
		result.Permanent = true
		result.Err = fmt.Errorf("push rejected: status %d", resp.StatusCode)
	default:
		// 429 and 5xx are worth another attempt.
		result.Err = fmt.Errorf("push failed: status %d", resp.StatusCode)
	}
	return result
}

// NotifyWithRetry retries the whole dispatch with linear-growth backoff
// (base delay × attempt number) while the failure class is transient.
func (d *Dispatcher) NotifyWithRetry(req Request, maxAttempts int) (DeliveryResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var result DeliveryResult
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err = d.Notify(req.UserID, req.Payload)
		if err == nil && !result.Transient() {
			return result, nil
		}
		if err == nil && result.Sent {
			// Partial success: something got through, stop retrying.
			return result, nil
		}
		if attempt < maxAttempts {
			delay := d.baseDelay * time.Duration(attempt)
			d.logger.Warn("push attempt failed, retrying",
				"user_id", req.UserID,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			d.sleepFn(delay)
		}
	}
	return result, err
}

// NotifyBatch dispatches many users concurrently. One user's failure never
// blocks or fails another's.
func (d *Dispatcher) NotifyBatch(requests []Request) BatchResult {
	batch := BatchResult{
		Total:   len(requests),
		Details: make([]DeliveryResult, len(requests)),
	}

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			result, err := d.Notify(req.UserID, req.Payload)
			if err != nil {
				d.logger.Error("batch push failed", "user_id", req.UserID, "error", err)
			}
			batch.Details[i] = result
		}(i, req)
	}
	wg.Wait()

	for _, detail := range batch.Details {
		if detail.Sent {
			batch.Successful++
		} else {
			batch.Failed++
		}
	}
	return batch
}
