package attempt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dbConn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := dbConn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, dbConn.AutoMigrate(&Record{}))

	return dbConn
}

func TestCreateAssignsSequentialNumbers(t *testing.T) {
	repository := NewRepository(newTestDB(t))
	ctx := context.Background()

	for _, method := range []string{MethodSMS, MethodCall, MethodEmail} {
		_, err := repository.Create(ctx, &Record{
			EntryID:     "entry-1",
			Method:      method,
			MessageSent: "hello",
			Success:     true,
			AttemptedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	records, err := repository.ListByEntry(ctx, "entry-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	for idx, record := range records {
		require.Equal(t, idx+1, record.AttemptNumber)
	}

	require.Equal(t, MethodSMS, records[0].Method)
	require.Equal(t, MethodCall, records[1].Method)
	require.Equal(t, MethodEmail, records[2].Method)
}

func TestCreateNumbersPerEntry(t *testing.T) {
	repository := NewRepository(newTestDB(t))
	ctx := context.Background()

	first, err := repository.Create(ctx, &Record{EntryID: "entry-1", Method: MethodSMS})
	require.NoError(t, err)
	require.Equal(t, 1, first.AttemptNumber)

	other, err := repository.Create(ctx, &Record{EntryID: "entry-2", Method: MethodSMS})
	require.NoError(t, err)
	require.Equal(t, 1, other.AttemptNumber)
}

func TestDuplicateAttemptNumberRejectedByIndex(t *testing.T) {
	dbConn := newTestDB(t)
	repository := NewRepository(dbConn)
	ctx := context.Background()

	created, err := repository.Create(ctx, &Record{EntryID: "entry-1", Method: MethodSMS})
	require.NoError(t, err)
	require.Equal(t, 1, created.AttemptNumber)

	duplicate := &Record{
		ID:            "dup-1",
		EntryID:       "entry-1",
		AttemptNumber: created.AttemptNumber,
		Method:        MethodCall,
		AttemptedAt:   time.Now(),
	}
	require.Error(t, dbConn.Create(duplicate).Error)
}

func TestMarkRespondedUpdatesLatestAttempt(t *testing.T) {
	repository := NewRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repository.Create(ctx, &Record{EntryID: "entry-1", Method: MethodSMS})
	require.NoError(t, err)

	_, err = repository.Create(ctx, &Record{EntryID: "entry-1", Method: MethodCall})
	require.NoError(t, err)

	respondedAt := time.Now()
	require.NoError(t, repository.MarkResponded(ctx, "entry-1", "yes please call me back", respondedAt))

	records, err := repository.ListByEntry(ctx, "entry-1")
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Nil(t, records[0].ResponseReceived)
	require.False(t, records[0].CustomerEngaged)

	require.NotNil(t, records[1].ResponseReceived)
	require.Equal(t, "yes please call me back", *records[1].ResponseReceived)
	require.True(t, records[1].CustomerEngaged)
	require.NotNil(t, records[1].RespondedAt)
}

func TestMarkRespondedWithoutAttemptsIsNoop(t *testing.T) {
	repository := NewRepository(newTestDB(t))

	require.NoError(t, repository.MarkResponded(context.Background(), "entry-unknown", "hi", time.Now()))
}

func TestDeleteByEntryIDs(t *testing.T) {
	repository := NewRepository(newTestDB(t))
	ctx := context.Background()

	_, err := repository.Create(ctx, &Record{EntryID: "entry-1", Method: MethodSMS})
	require.NoError(t, err)

	_, err = repository.Create(ctx, &Record{EntryID: "entry-2", Method: MethodSMS})
	require.NoError(t, err)

	require.NoError(t, repository.DeleteByEntryIDs(ctx, []string{"entry-1"}))

	records, err := repository.ListByEntry(ctx, "entry-1")
	require.NoError(t, err)
	require.Empty(t, records)

	records, err = repository.ListByEntry(ctx, "entry-2")
	require.NoError(t, err)
	require.Len(t, records, 1)

	require.NoError(t, repository.DeleteByEntryIDs(ctx, nil))
}
