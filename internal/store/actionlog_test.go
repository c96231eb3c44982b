package store

import (
	"context"
	"testing"

	"noshow-workers/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createMockActionLog(t *testing.T) (*ActionLogStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewActionLogStore(db), mock
}

func TestActionLogStore_Append_FillsDefaults(t *testing.T) {
	store, mock := createMockActionLog(t)

	mock.ExpectExec("INSERT INTO prevention_actions").
		WithArgs(sqlmock.AnyArg(), "booking-1", "msg-1", models.TierReminder,
			models.ActionGentleReminder, 45, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &models.PreventionAction{
		BookingID:       "booking-1",
		MessageID:       "msg-1",
		Tier:            models.TierReminder,
		Action:          models.ActionGentleReminder,
		RiskScoreAtTime: 45,
		Metadata:        map[string]interface{}{"level": "medium"},
	}

	err := store.Append(context.Background(), entry)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActionLogStore_HasAction(t *testing.T) {
	tests := []struct {
		name   string
		exists bool
	}{
		{"action already logged", true},
		{"action not yet logged", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := createMockActionLog(t)
			mock.ExpectQuery("SELECT EXISTS").
				WithArgs("msg-1", models.TierReminder, models.ActionGentleReminder).
				WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))

			got, err := store.HasAction(context.Background(), "msg-1", models.TierReminder, models.ActionGentleReminder)
			require.NoError(t, err)
			assert.Equal(t, tt.exists, got)
		})
	}
}
