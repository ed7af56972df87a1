package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"jaquizy/internal/types"
)

func TestPromptRepo_Last_Success(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewPromptRepo(dbx)

	shownAt := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{
			scanFn: func(dest ...any) error {
				*dest[0].(*time.Time) = shownAt
				*dest[1].(*int64) = 3
				return nil
			},
		})

	record, err := repo.Last(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", record.UserID)
	assert.Equal(t, shownAt, record.LastShownAt)
	assert.Equal(t, int64(3), record.ShownCount)
}

func TestPromptRepo_Last_NeverPromptedReturnsZeroRecord(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewPromptRepo(dbx)

	dbx.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	record, err := repo.Last(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", record.UserID)
	assert.True(t, record.LastShownAt.IsZero())
	assert.Equal(t, int64(0), record.ShownCount)
}

func TestPromptRepo_MarkShown_Success(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewPromptRepo(dbx)

	dbx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, nil)

	err := repo.MarkShown(context.Background(), "u1", time.Now())
	require.NoError(t, err)
	dbx.AssertExpectations(t)
}

func TestPromptRepo_MarkShown_DBError(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewPromptRepo(dbx)

	dbx.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.MarkShown(context.Background(), "u1", time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestTierOverrideRepo_LoadTierOverrides_MalformedDocumentFailsLoad(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewTierOverrideRepo(dbx)

	rows := newMockRows([][]any{{"plus", "not json"}})
	rows.scanFn = func(dest ...any) error {
		*dest[0].(*string) = "plus"
		*dest[1].(*[]byte) = []byte("{broken")
		return nil
	}
	dbx.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	_, err := repo.LoadTierOverrides(context.Background())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestTierOverrideRepo_LoadTierOverrides_ColumnOverridesDocumentID(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewTierOverrideRepo(dbx)

	rows := newMockRows([][]any{{"plus", ""}})
	rows.scanFn = func(dest ...any) error {
		*dest[0].(*string) = "plus"
		*dest[1].(*[]byte) = []byte(`{"display_name":"Plus (promo)","price_cents":99}`)
		return nil
	}
	dbx.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	overrides, err := repo.LoadTierOverrides(context.Background())
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, types.TierPlus, overrides[0].ID)
	assert.Equal(t, int64(99), overrides[0].PriceCents)
}
