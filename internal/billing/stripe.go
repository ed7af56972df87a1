// Package billing creates Stripe Checkout sessions for tier upgrades. It
// talks to the Stripe REST API directly with form-encoded requests; the
// stripe-go module supplies the pinned API version and webhook signature
// validation.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"jaquizy/internal/types"
)

// stripeAPIBase is the default Stripe API base URL. Overridable in tests
// via Config.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// Config holds the configuration for creating a StripeClient.
type Config struct {
	SecretKey string
	// PriceIDs maps paid tier IDs to Stripe Price IDs.
	PriceIDs map[types.TierID]string
	// DashboardURL is the app origin the user returns to after checkout.
	// Redirect URLs are always built server-side from it; the client never
	// supplies them.
	DashboardURL string
	// WebhookSecret verifies event signatures from Stripe.
	WebhookSecret string
	// BaseURL overrides the Stripe API origin for testing.
	BaseURL string
	Logger  *slog.Logger
}

// StripeClient creates checkout and billing portal sessions.
type StripeClient struct {
	httpClient    *http.Client
	secretKey     string
	priceIDs      map[types.TierID]string
	dashboardURL  string
	webhookSecret string
	baseURL       string
	logger        *slog.Logger
}

// NewStripeClient creates a StripeClient. The httpClient should carry a
// timeout of around 20 seconds; checkout creation sits on a user-facing
// request.
func NewStripeClient(httpClient *http.Client, cfg Config) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		httpClient:    httpClient,
		secretKey:     cfg.SecretKey,
		priceIDs:      cfg.PriceIDs,
		dashboardURL:  strings.TrimSuffix(cfg.DashboardURL, "/"),
		webhookSecret: cfg.WebhookSecret,
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		logger:        logger,
	}
}

type checkoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession generates a Stripe Checkout Session URL for
// upgrading the user to the given tier. Sets client_reference_id to the
// user ID for webhook correlation.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, userID string, tier types.TierID) (checkoutURL string, sessionID string, err error) {
	priceID, ok := s.priceIDs[tier]
	if !ok {
		return "", "", types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidTier,
			"tier is not purchasable",
			nil,
			map[string]any{"tier": string(tier)},
		)
	}

	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", userID)
	params.Set("success_url", s.dashboardURL+"/upgrade/success?session_id={CHECKOUT_SESSION_ID}")
	params.Set("cancel_url", s.dashboardURL+"/upgrade/cancelled")
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[tier]", string(tier))
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", types.NewAppError(types.ErrCodeUpstreamStripe, "failed to reach Stripe", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session checkoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return session.URL, session.ID, nil
}

// ValidateWebhook verifies the Stripe-Signature header and returns the
// parsed event.
func (s *StripeClient) ValidateWebhook(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, types.NewAppError(types.ErrCodeAuthWebhookInvalid, "invalid webhook signature", err)
	}
	return event, nil
}

// doPost sends a form-encoded POST, retrying once on transport errors and
// 5xx responses.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.secretKey)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Stripe-Version", stripe.APIVersion)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("stripe returned %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

type stripeErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed stripeErrorBody
	_ = json.Unmarshal(body, &parsed)

	s.logger.Error("stripe request failed",
		"operation", op,
		"status", resp.StatusCode,
		"stripe_code", parsed.Error.Code,
	)
	return types.NewAppErrorWithDetails(
		types.ErrCodeUpstreamStripe,
		"stripe request failed",
		nil,
		map[string]any{
			"operation": op,
			"status":    resp.StatusCode,
		},
	)
}
