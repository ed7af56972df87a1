package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jaquizy/internal/catalog"
	"jaquizy/internal/core"
	"jaquizy/internal/quota"
	"jaquizy/internal/types"
)

// =============================================================================
// Shared Test Fixtures
// =============================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestCatalog builds a real catalog from the compiled-in defaults,
// optionally overriding global feature flags.
func newTestCatalog(t *testing.T, flags ...types.FeatureFlag) *catalog.Catalog {
	t.Helper()
	return catalog.New(catalog.Options{
		Flags:  flags,
		Logger: testLogger(),
	})
}

// mockGuard implements SpendGuard for testing.
type mockGuard struct {
	spendFn    func(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *quota.Reservation, error)
	refundFn   func(ctx context.Context, userID string, q types.QuotaName, amount int64) (int64, error)
	snapshotFn func(ctx context.Context, def types.TierDefinition, userID string) (types.UsageSnapshot, error)
}

func (m *mockGuard) Spend(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *quota.Reservation, error) {
	if m.spendFn != nil {
		return m.spendFn(ctx, def, req)
	}
	return types.EvaluationResult{Allowed: true, Reason: types.ReasonOK}, nil, nil
}

func (m *mockGuard) Refund(ctx context.Context, userID string, q types.QuotaName, amount int64) (int64, error) {
	if m.refundFn != nil {
		return m.refundFn(ctx, userID, q, amount)
	}
	return 0, nil
}

func (m *mockGuard) Snapshot(ctx context.Context, def types.TierDefinition, userID string) (types.UsageSnapshot, error) {
	if m.snapshotFn != nil {
		return m.snapshotFn(ctx, def, userID)
	}
	return types.UsageSnapshot{UserID: userID, Tier: def.ID}, nil
}

// mockUsageReader implements UsageReader for testing.
type mockUsageReader struct {
	usageForFn func(ctx context.Context, userID, periodKey string) (types.UsagePeriod, error)
}

func (m *mockUsageReader) UsageFor(ctx context.Context, userID, periodKey string) (types.UsagePeriod, error) {
	if m.usageForFn != nil {
		return m.usageForFn(ctx, userID, periodKey)
	}
	return types.UsagePeriod{UserID: userID, PeriodKey: periodKey}, nil
}

// mockPrompter implements Prompter for testing.
type mockPrompter struct {
	decideFn func(ctx context.Context, tier types.TierDefinition, topTier types.TierID, usage types.UsageSnapshot, featureBlocked bool) types.PromptDecision

	// lastFeatureBlocked records the flag passed to the most recent call.
	lastFeatureBlocked bool
	calls              int
}

func (m *mockPrompter) Decide(ctx context.Context, tier types.TierDefinition, topTier types.TierID, usage types.UsageSnapshot, featureBlocked bool) types.PromptDecision {
	m.calls++
	m.lastFeatureBlocked = featureBlocked
	if m.decideFn != nil {
		return m.decideFn(ctx, tier, topTier, usage, featureBlocked)
	}
	return types.PromptDecision{}
}

func newQuotaHandler(t *testing.T, guard *mockGuard, usage *mockUsageReader, prompts *mockPrompter) *QuotaHandler {
	t.Helper()
	logger := testLogger()
	return NewQuotaHandler(
		guard,
		usage,
		newTestCatalog(t),
		prompts,
		core.NewMetrics("test"),
		core.NewValidator(logger),
		logger,
	)
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

// decodeData unwraps the standard {"data": ...} envelope into dst.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

// decodeErrorCode extracts the error code from the standard error envelope.
func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

// =============================================================================
// Consume
// =============================================================================

func TestConsumeAllowed(t *testing.T) {
	guard := &mockGuard{
		spendFn: func(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *quota.Reservation, error) {
			assert.Equal(t, types.TierFree, def.ID)
			assert.Equal(t, int64(5), req.Amount)
			return types.EvaluationResult{Allowed: true, Remaining: 0, Limit: 100, Reason: types.ReasonOK}, &quota.Reservation{}, nil
		},
	}
	h := newQuotaHandler(t, guard, &mockUsageReader{}, &mockPrompter{})

	rec := doJSON(t, h.Consume, http.MethodPost, "/v1/quota/consume", ConsumeRequest{
		UserID: "user-1",
		Tier:   types.TierFree,
		Quota:  types.QuotaQuestionsPerMonth,
		Amount: 5,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConsumeResponse
	decodeData(t, rec, &resp)
	assert.True(t, resp.Allowed)
	assert.Equal(t, int64(0), resp.Remaining)
	assert.Nil(t, resp.UpgradePrompt)
}

func TestConsumeOmittedAmountDefaultsToOne(t *testing.T) {
	guard := &mockGuard{
		spendFn: func(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *quota.Reservation, error) {
			assert.Equal(t, int64(1), req.Amount)
			return types.EvaluationResult{Allowed: true, Remaining: 99, Limit: 100, Reason: types.ReasonOK}, &quota.Reservation{}, nil
		},
	}
	h := newQuotaHandler(t, guard, &mockUsageReader{}, &mockPrompter{})

	rec := doJSON(t, h.Consume, http.MethodPost, "/v1/quota/consume", map[string]any{
		"user_id": "user-1",
		"quota":   string(types.QuotaQuestionsPerMonth),
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConsumeResponse
	decodeData(t, rec, &resp)
	assert.True(t, resp.Allowed)
	assert.Equal(t, int64(99), resp.Remaining)
}

func TestConsumeDeniedIsNotAnHTTPError(t *testing.T) {
	guard := &mockGuard{
		spendFn: func(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *quota.Reservation, error) {
			return types.EvaluationResult{Allowed: false, Remaining: 5, Limit: 100, Reason: types.ReasonQuotaExceeded}, nil, nil
		},
	}
	h := newQuotaHandler(t, guard, &mockUsageReader{}, &mockPrompter{})

	rec := doJSON(t, h.Consume, http.MethodPost, "/v1/quota/consume", ConsumeRequest{
		UserID: "user-1",
		Quota:  types.QuotaQuestionsPerMonth,
		Amount: 10,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConsumeResponse
	decodeData(t, rec, &resp)
	assert.False(t, resp.Allowed)
	assert.Equal(t, types.ReasonQuotaExceeded, resp.Reason)
	assert.Equal(t, int64(5), resp.Remaining)
}

func TestConsumeAttachesUpgradePrompt(t *testing.T) {
	prompts := &mockPrompter{
		decideFn: func(ctx context.Context, tier types.TierDefinition, topTier types.TierID, usage types.UsageSnapshot, featureBlocked bool) types.PromptDecision {
			assert.Equal(t, types.TierPro, topTier)
			assert.False(t, featureBlocked)
			return types.PromptDecision{ShouldShow: true, Trigger: types.TriggerQuotaNearLimit}
		},
	}
	h := newQuotaHandler(t, &mockGuard{}, &mockUsageReader{}, prompts)

	rec := doJSON(t, h.Consume, http.MethodPost, "/v1/quota/consume", ConsumeRequest{
		UserID: "user-1",
		Quota:  types.QuotaQuestionsPerMonth,
		Amount: 1,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConsumeResponse
	decodeData(t, rec, &resp)
	require.NotNil(t, resp.UpgradePrompt)
	assert.True(t, resp.UpgradePrompt.ShouldShow)
	assert.Equal(t, types.TriggerQuotaNearLimit, resp.UpgradePrompt.Trigger)
}

func TestConsumeSnapshotFailureSuppressesPromptOnly(t *testing.T) {
	guard := &mockGuard{
		snapshotFn: func(ctx context.Context, def types.TierDefinition, userID string) (types.UsageSnapshot, error) {
			return types.UsageSnapshot{}, types.NewAppError(types.ErrCodeStoreUnavailable, "down", nil)
		},
	}
	prompts := &mockPrompter{}
	h := newQuotaHandler(t, guard, &mockUsageReader{}, prompts)

	rec := doJSON(t, h.Consume, http.MethodPost, "/v1/quota/consume", ConsumeRequest{
		UserID: "user-1",
		Quota:  types.QuotaQuestionsPerMonth,
		Amount: 1,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ConsumeResponse
	decodeData(t, rec, &resp)
	assert.True(t, resp.Allowed)
	assert.Nil(t, resp.UpgradePrompt)
	assert.Zero(t, prompts.calls)
}

func TestConsumeStoreUnavailableFailsClosed(t *testing.T) {
	guard := &mockGuard{
		spendFn: func(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *quota.Reservation, error) {
			return types.EvaluationResult{}, nil, types.NewAppError(types.ErrCodeStoreUnavailable, "usage ledger unavailable", nil)
		},
	}
	h := newQuotaHandler(t, guard, &mockUsageReader{}, &mockPrompter{})

	rec := doJSON(t, h.Consume, http.MethodPost, "/v1/quota/consume", ConsumeRequest{
		UserID: "user-1",
		Quota:  types.QuotaQuestionsPerMonth,
		Amount: 1,
	})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(types.ErrCodeStoreUnavailable), decodeErrorCode(t, rec))
}

func TestConsumeContentionReturnsConflict(t *testing.T) {
	guard := &mockGuard{
		spendFn: func(ctx context.Context, def types.TierDefinition, req types.ActionRequest) (types.EvaluationResult, *quota.Reservation, error) {
			return types.EvaluationResult{}, nil, types.NewAppError(types.ErrCodeConflictConcurrent, "contention", nil)
		},
	}
	h := newQuotaHandler(t, guard, &mockUsageReader{}, &mockPrompter{})

	rec := doJSON(t, h.Consume, http.MethodPost, "/v1/quota/consume", ConsumeRequest{
		UserID: "user-1",
		Quota:  types.QuotaQuestionsPerMonth,
		Amount: 1,
	})

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(types.ErrCodeConflictConcurrent), decodeErrorCode(t, rec))
}

func TestConsumeValidation(t *testing.T) {
	h := newQuotaHandler(t, &mockGuard{}, &mockUsageReader{}, &mockPrompter{})

	tests := []struct {
		name string
		body ConsumeRequest
	}{
		{
			name: "missing user id",
			body: ConsumeRequest{Quota: types.QuotaQuestionsPerMonth, Amount: 1},
		},
		{
			name: "unknown quota",
			body: ConsumeRequest{UserID: "user-1", Quota: "widgets", Amount: 1},
		},
		{
			name: "negative amount",
			body: ConsumeRequest{UserID: "user-1", Quota: types.QuotaQuestionsPerMonth, Amount: -4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h.Consume, http.MethodPost, "/v1/quota/consume", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// =============================================================================
// Refund
// =============================================================================

func TestRefund(t *testing.T) {
	guard := &mockGuard{
		refundFn: func(ctx context.Context, userID string, q types.QuotaName, amount int64) (int64, error) {
			assert.Equal(t, "user-1", userID)
			assert.Equal(t, int64(3), amount)
			return 7, nil
		},
	}
	h := newQuotaHandler(t, guard, &mockUsageReader{}, &mockPrompter{})

	rec := doJSON(t, h.Refund, http.MethodPost, "/v1/quota/refund", RefundRequest{
		UserID: "user-1",
		Quota:  types.QuotaQuestionsPerMonth,
		Amount: 3,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RefundResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, int64(7), resp.Consumed)
}

// =============================================================================
// GetUsage
// =============================================================================

func TestGetUsage(t *testing.T) {
	usage := &mockUsageReader{
		usageForFn: func(ctx context.Context, userID, periodKey string) (types.UsagePeriod, error) {
			assert.Equal(t, "2026-02", periodKey)
			return types.UsagePeriod{
				UserID:    userID,
				PeriodKey: periodKey,
				Consumed:  map[types.QuotaName]int64{types.QuotaQuestionsPerMonth: 42},
			}, nil
		},
	}
	h := newQuotaHandler(t, &mockGuard{}, usage, &mockPrompter{})

	rec := doJSON(t, h.GetUsage, http.MethodGet, "/v1/usage?user_id=user-1&tier=free&period=2026-02", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap types.UsageSnapshot
	decodeData(t, rec, &snap)
	assert.Equal(t, types.TierFree, snap.Tier)
	assert.Equal(t, "2026-02", snap.PeriodKey)

	questions := snap.Quotas[types.QuotaQuestionsPerMonth]
	assert.Equal(t, int64(42), questions.Used)
	assert.Equal(t, int64(100), questions.Limit)
	assert.Equal(t, int64(58), questions.Remaining)

	// Untouched quotas in the tier schema report zero used.
	topics := snap.Quotas[types.QuotaTopicsPerMonth]
	assert.Equal(t, int64(0), topics.Used)
}

func TestGetUsageValidation(t *testing.T) {
	h := newQuotaHandler(t, &mockGuard{}, &mockUsageReader{}, &mockPrompter{})

	tests := []struct {
		name     string
		target   string
		wantCode types.ErrorCode
	}{
		{
			name:     "missing user id",
			target:   "/v1/usage",
			wantCode: types.ErrCodeValidationMissingField,
		},
		{
			name:     "malformed period",
			target:   "/v1/usage?user_id=user-1&period=february",
			wantCode: types.ErrCodeValidationInvalidPeriod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h.GetUsage, http.MethodGet, tt.target, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(tt.wantCode), decodeErrorCode(t, rec))
		})
	}
}

func TestGetUsageUnknownTierFallsBackToFree(t *testing.T) {
	h := newQuotaHandler(t, &mockGuard{}, &mockUsageReader{}, &mockPrompter{})

	rec := doJSON(t, h.GetUsage, http.MethodGet, "/v1/usage?user_id=user-1&tier=platinum", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap types.UsageSnapshot
	decodeData(t, rec, &snap)
	assert.Equal(t, types.TierFree, snap.Tier)
}

// Route registration wires handlers at the documented paths.
func TestQuotaRouteRegistration(t *testing.T) {
	h := newQuotaHandler(t, &mockGuard{}, &mockUsageReader{}, &mockPrompter{})

	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		h.RegisterRoutes(r)
		r.Route("/admin", h.RegisterAdminRoutes)
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/usage?user_id=user-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
