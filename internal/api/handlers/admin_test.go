package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jaquizy/internal/core"
	"jaquizy/internal/types"
)

// mockRefresher implements CatalogRefresher for testing.
type mockRefresher struct {
	refreshFn func(ctx context.Context) error
	calls     int
}

func (m *mockRefresher) Refresh(ctx context.Context) error {
	m.calls++
	if m.refreshFn != nil {
		return m.refreshFn(ctx)
	}
	return nil
}

// mockUsageAdmin implements UsageAdmin for testing.
type mockUsageAdmin struct {
	resetFn  func(ctx context.Context, userID, periodKey string) error
	streamFn func(ctx context.Context, periodKey string, fn func(types.CounterRow) error) error
}

func (m *mockUsageAdmin) ResetPeriod(ctx context.Context, userID, periodKey string) error {
	if m.resetFn != nil {
		return m.resetFn(ctx, userID, periodKey)
	}
	return nil
}

func (m *mockUsageAdmin) StreamCounters(ctx context.Context, periodKey string, fn func(types.CounterRow) error) error {
	if m.streamFn != nil {
		return m.streamFn(ctx, periodKey, fn)
	}
	return nil
}

func newAdminHandler(t *testing.T, refresher *mockRefresher, usage *mockUsageAdmin) *AdminHandler {
	t.Helper()
	logger := testLogger()
	return NewAdminHandler(
		refresher,
		newTestCatalog(t),
		usage,
		core.NewMetrics("test"),
		core.NewValidator(logger),
		logger,
	)
}

func TestRefreshCatalog(t *testing.T) {
	refresher := &mockRefresher{}
	h := newAdminHandler(t, refresher, &mockUsageAdmin{})

	rec := doJSON(t, h.RefreshCatalog, http.MethodPost, "/v1/admin/catalog/refresh", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, refresher.calls)
	var resp RefreshResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, 3, resp.TierCount)
	assert.False(t, resp.LoadedAt.IsZero())
}

func TestRefreshCatalogFailureKeepsServing(t *testing.T) {
	refresher := &mockRefresher{
		refreshFn: func(ctx context.Context) error {
			return errors.New("overrides table unreachable")
		},
	}
	h := newAdminHandler(t, refresher, &mockUsageAdmin{})

	rec := doJSON(t, h.RefreshCatalog, http.MethodPost, "/v1/admin/catalog/refresh", nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, string(types.ErrCodeStoreUnavailable), decodeErrorCode(t, rec))
}

func TestResetUsage(t *testing.T) {
	var gotUser, gotPeriod string
	usage := &mockUsageAdmin{
		resetFn: func(ctx context.Context, userID, periodKey string) error {
			gotUser, gotPeriod = userID, periodKey
			return nil
		},
	}
	h := newAdminHandler(t, &mockRefresher{}, usage)

	rec := doJSON(t, h.ResetUsage, http.MethodPost, "/v1/admin/usage/reset", ResetUsageRequest{
		UserID: "user-1",
		Period: "2026-02",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", gotUser)
	assert.Equal(t, "2026-02", gotPeriod)
}

func TestResetUsageValidation(t *testing.T) {
	h := newAdminHandler(t, &mockRefresher{}, &mockUsageAdmin{})

	tests := []struct {
		name     string
		body     ResetUsageRequest
		wantCode types.ErrorCode
	}{
		{
			name:     "missing user id",
			body:     ResetUsageRequest{Period: "2026-02"},
			wantCode: types.ErrCodeValidationMissingField,
		},
		{
			name:     "malformed period",
			body:     ResetUsageRequest{UserID: "user-1", Period: "Feb 2026"},
			wantCode: types.ErrCodeValidationInvalidPeriod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h.ResetUsage, http.MethodPost, "/v1/admin/usage/reset", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(tt.wantCode), decodeErrorCode(t, rec))
		})
	}
}

func TestExportUsage(t *testing.T) {
	rows := []types.CounterRow{
		{UserID: "user-1", PeriodKey: "2026-02", Quota: types.QuotaQuestionsPerMonth, Consumed: 42, UpdatedAt: time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)},
		{UserID: "user-1", PeriodKey: "2026-02", Quota: types.QuotaTopicsPerMonth, Consumed: 3, UpdatedAt: time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{UserID: "user-2", PeriodKey: "2026-02", Quota: types.QuotaQuestionsPerMonth, Consumed: 7, UpdatedAt: time.Date(2026, 2, 12, 0, 0, 0, 0, time.UTC)},
	}
	usage := &mockUsageAdmin{
		streamFn: func(ctx context.Context, periodKey string, fn func(types.CounterRow) error) error {
			assert.Equal(t, "2026-02", periodKey)
			for _, row := range rows {
				if err := fn(row); err != nil {
					return err
				}
			}
			return nil
		},
	}
	h := newAdminHandler(t, &mockRefresher{}, usage)

	rec := doJSON(t, h.ExportUsage, http.MethodGet, "/v1/admin/usage/export?period=2026-02", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.NotEmpty(t, rec.Header().Get("X-Export-Id"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gz.Close()

	var decoded []types.CounterRow
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var row types.CounterRow
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &row))
		decoded = append(decoded, row)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, rows, decoded)
}

func TestExportUsageBadPeriod(t *testing.T) {
	h := newAdminHandler(t, &mockRefresher{}, &mockUsageAdmin{})

	rec := doJSON(t, h.ExportUsage, http.MethodGet, "/v1/admin/usage/export?period=nonsense", nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidPeriod), decodeErrorCode(t, rec))
}

// A mid-stream failure truncates the gzip stream after a committed 200; the
// handler must not panic or write a second status.
func TestExportUsageMidStreamFailure(t *testing.T) {
	usage := &mockUsageAdmin{
		streamFn: func(ctx context.Context, periodKey string, fn func(types.CounterRow) error) error {
			if err := fn(types.CounterRow{UserID: "user-1", PeriodKey: periodKey, Quota: types.QuotaQuestionsPerMonth, Consumed: 1}); err != nil {
				return err
			}
			return errors.New("ledger connection lost")
		},
	}
	h := newAdminHandler(t, &mockRefresher{}, usage)

	rec := doJSON(t, h.ExportUsage, http.MethodGet, "/v1/admin/usage/export?period=2026-02", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}
