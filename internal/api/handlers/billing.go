// Package handlers contains the HTTP handler implementations for the Jaquizy
// usage API.
//
// This file implements the billing endpoints:
//   - Checkout session creation for tier upgrades
//   - The Stripe webhook receiver (signature-validated)
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"

	"jaquizy/internal/core"
	"jaquizy/internal/types"
)

// maxWebhookBodySize bounds the webhook payload read. Stripe events are
// small; anything larger is hostile.
const maxWebhookBodySize = 64 * 1024

// --- Service Interfaces ---

// CheckoutService abstracts the payment provider (Stripe).
type CheckoutService interface {
	// CreateCheckoutSession generates a URL for the user to enter payment
	// info for the target tier.
	CreateCheckoutSession(ctx context.Context, userID string, tier types.TierID) (checkoutURL string, sessionID string, err error)

	// ValidateWebhook verifies the provider's event signature and returns
	// the parsed event.
	ValidateWebhook(payload []byte, sigHeader string) (stripe.Event, error)
}

// --- Request/Response Models ---

// CreateCheckoutRequest is the request body for
// POST /v1/billing/checkout-session.
//
// Note: success and cancel URLs are intentionally absent. They are
// constructed server-side from the configured dashboard URL so client input
// can never cause an open redirect.
type CreateCheckoutRequest struct {
	UserID string       `json:"user_id" validate:"required"`
	Tier   types.TierID `json:"tier" validate:"required,oneof=plus pro"`
}

// CheckoutResponse is the response for POST /v1/billing/checkout-session.
type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// --- Billing Handler ---

// BillingHandler handles checkout creation and webhook delivery.
type BillingHandler struct {
	service   CheckoutService
	validator *core.Validator
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler with the provided dependencies.
func NewBillingHandler(svc CheckoutService, v *core.Validator, l *slog.Logger) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	return &BillingHandler{
		service:   svc,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the billing endpoints.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout-session", h.CreateCheckoutSession)
	r.Post("/billing/webhook", h.HandleWebhook)
}

// CreateCheckoutSession handles POST /v1/billing/checkout-session.
//
// The free tier is rejected by validation: there is nothing to purchase,
// and downgrades are a subscription-management concern, not a checkout one.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	checkoutURL, sessionID, err := h.service.CreateCheckoutSession(r.Context(), req.UserID, req.Tier)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"user_id", req.UserID,
			"tier", req.Tier,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"user_id", req.UserID,
		"tier", req.Tier,
		"session_id", sessionID,
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CheckoutResponse{
		CheckoutURL: checkoutURL,
		SessionID:   sessionID,
	}})
}

// HandleWebhook handles POST /v1/billing/webhook.
//
// Signature validation is the only gate; the endpoint acknowledges every
// valid event so Stripe stops retrying. Tier changes themselves are applied
// by the subscription system upstream of this service, so the completed
// checkout is recorded in the logs for correlation and nothing else.
func (h *BillingHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"failed to read webhook payload",
			err,
		))
		return
	}

	event, err := h.service.ValidateWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature validation failed", "error", err)
		core.Error(w, r, err)
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var session struct {
			ID                string `json:"id"`
			ClientReferenceID string `json:"client_reference_id"`
		}
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			h.logger.ErrorContext(r.Context(), "failed to decode checkout session event",
				"event_id", event.ID,
				"error", err,
			)
			break
		}
		h.logger.InfoContext(r.Context(), "checkout completed",
			"event_id", event.ID,
			"session_id", session.ID,
			"user_id", session.ClientReferenceID,
		)
	default:
		h.logger.DebugContext(r.Context(), "ignoring webhook event",
			"event_id", event.ID,
			"type", event.Type,
		)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]bool{"received": true}})
}
