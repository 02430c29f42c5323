package notifications

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/database"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
)

func newTestStore(t *testing.T) (*Store, uuid.UUID) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db, zap.NewNop()))

	user := &models.User{
		ID:              uuid.New(),
		Name:            "Reader",
		Email:           "reader@example.org",
		Role:            models.UserRoleReader,
		MaxBooksAllowed: 5,
		LoanPeriodDays:  14,
	}
	require.NoError(t, db.Create(user).Error)
	return NewStore(db), user.ID
}

func Test_Store_NotifyAndList(t *testing.T) {
	store, userID := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Notify(ctx, Event{
		UserID:  userID,
		Type:    TypeBookIssued,
		Payload: map[string]interface{}{"loan_id": "l-1", "days": 14},
	}))

	list, err := store.ListByUser(ctx, userID, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, string(TypeBookIssued), list[0].Type)
	assert.False(t, list[0].IsRead)

	payload, err := DecodePayload(list[0])
	require.NoError(t, err)
	assert.Equal(t, "l-1", payload["loan_id"])
	assert.EqualValues(t, 14, payload["days"])
}

func Test_Store_DedupKeyCollapsesRepeats(t *testing.T) {
	store, userID := newTestStore(t)
	ctx := context.Background()

	ev := Event{UserID: userID, Type: TypeOverdue, DedupKey: "overdue:l-1:2026-03-17"}
	require.NoError(t, store.Notify(ctx, ev))
	require.NoError(t, store.Notify(ctx, ev))
	require.NoError(t, store.Notify(ctx, Event{UserID: userID, Type: TypeOverdue, DedupKey: "overdue:l-1:2026-03-18"}))
	require.NoError(t, store.Notify(ctx, Event{UserID: userID, Type: TypeBookReturned}))
	require.NoError(t, store.Notify(ctx, Event{UserID: userID, Type: TypeBookReturned}))

	list, err := store.ListByUser(ctx, userID, false)
	require.NoError(t, err)
	assert.Len(t, list, 4, "events without a key are never collapsed")
}

func Test_Store_MarkRead(t *testing.T) {
	store, userID := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Notify(ctx, Event{UserID: userID, Type: TypeDueSoon}))
	require.NoError(t, store.Notify(ctx, Event{UserID: userID, Type: TypeFineAdded}))

	all, err := store.ListByUser(ctx, userID, false)
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, store.MarkRead(ctx, all[0].ID))
	unread, err := store.ListByUser(ctx, userID, true)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, all[1].ID, unread[0].ID)

	assert.ErrorIs(t, store.MarkRead(ctx, uuid.New()), ErrNotificationNotFound)
}

func Test_Store_UnknownUser(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Notify(context.Background(), Event{UserID: uuid.New(), Type: TypeDueSoon})
	assert.Error(t, err)
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Event) error { return f.err }

func Test_Multi_JoinsErrors(t *testing.T) {
	first := errors.New("smtp down")
	second := errors.New("push down")
	core, logs := observer.New(zap.InfoLevel)

	m := Multi{failingNotifier{first}, NewLogger(zap.New(core)), Nop{}, failingNotifier{second}}
	err := m.Notify(context.Background(), Event{UserID: uuid.New(), Type: TypeFinePaid})

	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.ErrorIs(t, err, second)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, 1, logs.FilterMessage("notification").Len(), "a failing notifier does not stop the others")

	assert.NoError(t, Multi{Nop{}}.Notify(context.Background(), Event{}))
}
