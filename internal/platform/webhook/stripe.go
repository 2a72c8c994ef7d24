// Package webhook receives signed payment-provider webhooks and keeps
// subscription state in redis.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/speakbridge/aac/internal/platform/metrics"
)

const maxPayloadBytes = 64 * 1024

// Event types routed to the subscription handler.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Outcome labels recorded in metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Event is the envelope of a Stripe webhook.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type subscriptionObject struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// IdempotencyStore records which events were already processed.
type IdempotencyStore interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// SubscriptionStore persists subscription state.
type SubscriptionStore interface {
	Subscription(ctx context.Context, customerID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error
}

// StripeHandler verifies, deduplicates and dispatches Stripe events.
type StripeHandler struct {
	secret    string
	tolerance time.Duration
	events    IdempotencyStore
	subs      SubscriptionStore
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewStripeHandler builds the handler. A nil store disables processing and
// the endpoint answers 503. An empty secret skips signature verification.
func NewStripeHandler(secret string, store *RedisStore, m *metrics.Metrics, logger zerolog.Logger) *StripeHandler {
	h := &StripeHandler{
		secret:    secret,
		tolerance: DefaultTolerance,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
	if store != nil {
		h.events = store
		h.subs = store
	}
	return h
}

func (h *StripeHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/stripe", h.Handle)
}

func (h *StripeHandler) Handle(c echo.Context) error {
	if h.events == nil || h.subs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "webhook processing is not configured")
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPayloadBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if len(payload) > maxPayloadBytes {
		h.metrics.WebhookEvent("unknown", OutcomeRejected)
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	if h.secret != "" {
		if err := VerifySignature(h.secret, payload, c.Request().Header.Get("Stripe-Signature"), h.now(), h.tolerance); err != nil {
			h.metrics.WebhookEvent("unknown", OutcomeRejected)
			h.logger.Warn().Err(err).Str("remote_ip", c.RealIP()).Msg("stripe webhook signature rejected")
			return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
		}
	}

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil || evt.ID == "" || evt.Type == "" {
		h.metrics.WebhookEvent("unknown", OutcomeRejected)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event")
	}

	ctx := c.Request().Context()
	claimed, err := h.events.Claim(ctx, evt.ID)
	if err != nil {
		h.logger.Error().Err(err).Str("event_id", evt.ID).Msg("webhook idempotency check failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "server error")
	}
	if !claimed {
		h.metrics.WebhookEvent(evt.Type, OutcomeDuplicate)
		return c.JSON(http.StatusOK, map[string]string{"status": "duplicate"})
	}

	outcome, err := h.dispatch(ctx, &evt)
	if err != nil {
		if relErr := h.events.Release(ctx, evt.ID); relErr != nil {
			h.logger.Error().Err(relErr).Str("event_id", evt.ID).Msg("release webhook event")
		}
		h.metrics.WebhookEvent(evt.Type, OutcomeFailed)
		h.logger.Error().Err(err).Str("event_id", evt.ID).Str("event_type", evt.Type).Msg("webhook handler failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "server error")
	}

	h.metrics.WebhookEvent(evt.Type, outcome)
	return c.JSON(http.StatusOK, map[string]string{"status": outcome})
}

func (h *StripeHandler) dispatch(ctx context.Context, evt *Event) (string, error) {
	switch evt.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return OutcomeProcessed, h.updateSubscription(ctx, evt)
	default:
		return OutcomeIgnored, nil
	}
}

// updateSubscription stores the subscription carried by evt. Events older
// than the stored state are skipped so out-of-order delivery cannot regress it.
func (h *StripeHandler) updateSubscription(ctx context.Context, evt *Event) error {
	var obj subscriptionObject
	if err := json.Unmarshal(evt.Data.Object, &obj); err != nil {
		return fmt.Errorf("decode subscription object: %w", err)
	}
	if obj.Customer == "" {
		return errors.New("subscription event has no customer")
	}

	current, err := h.subs.Subscription(ctx, obj.Customer)
	if err != nil {
		return err
	}
	if current != nil && current.EventCreated > evt.Created {
		h.logger.Info().Str("event_id", evt.ID).Str("customer", obj.Customer).Msg("skipping stale subscription event")
		return nil
	}

	status := obj.Status
	if evt.Type == EventSubscriptionDeleted {
		status = "canceled"
	}
	sub := &Subscription{
		SubscriptionID: obj.ID,
		CustomerID:     obj.Customer,
		Status:         status,
		EventID:        evt.ID,
		EventCreated:   evt.Created,
		UpdatedAt:      h.now().UTC(),
	}
	if len(obj.Items.Data) > 0 {
		sub.PriceID = obj.Items.Data[0].Price.ID
	}
	if obj.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(obj.CurrentPeriodEnd, 0).UTC()
	}

	if err := h.subs.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	h.logger.Info().Str("customer", sub.CustomerID).Str("status", sub.Status).Msg("subscription updated")
	return nil
}
