package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/database"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/models"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/notifications"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/repositories"
)

// t0 is a Monday morning; every scenario starts here.
var t0 = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// notifierMock records every event. Tests that care about failures program the return value.
type notifierMock struct {
	mock.Mock
}

func (m *notifierMock) Notify(ctx context.Context, event notifications.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *notifierMock) eventsOfType(typ notifications.Type) []notifications.Event {
	var out []notifications.Event
	for _, call := range m.Calls {
		if ev, ok := call.Arguments.Get(1).(notifications.Event); ok && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	t        *testing.T
	db       *gorm.DB
	repos    repositories.Set
	svc      *libraryService
	clock    *fakeClock
	notifier *notifierMock
}

// newTestDB opens a private in-memory SQLite database with the full schema. One connection
// means transactions run one at a time, which stands in for PostgreSQL's row locks.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db, zap.NewNop()))
	return db
}

func newTestEnv(t *testing.T, tweak ...func(*Policy)) *testEnv {
	t.Helper()
	db := newTestDB(t)
	policy := DefaultPolicy()
	for _, f := range tweak {
		f(&policy)
	}
	clock := &fakeClock{now: t0}
	notifier := &notifierMock{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)
	repos := repositories.New(db)
	svc := NewLibraryService(db, repos, notifier, clock, policy, zap.NewNop(), WithBaseDelay(0)).(*libraryService)
	return &testEnv{t: t, db: db, repos: repos, svc: svc, clock: clock, notifier: notifier}
}

func (e *testEnv) ctx() context.Context {
	return context.Background()
}

func (e *testEnv) newUser(maxBooks int) *models.User {
	e.t.Helper()
	user, err := e.svc.CreateUser(e.ctx(), NewUser{
		Name:            "Reader",
		Email:           uuid.NewString() + "@example.org",
		MaxBooksAllowed: maxBooks,
	})
	require.NoError(e.t, err)
	return user
}

func (e *testEnv) newBook(copies int) *models.Book {
	e.t.Helper()
	book, err := e.svc.CreateBook(e.ctx(), NewBook{
		Title:   "The Go Programming Language",
		Authors: "Donovan, Kernighan",
		ISBN:    "978-0134190440",
		Copies:  copies,
	})
	require.NoError(e.t, err)
	return book
}

func (e *testEnv) reloadBook(id uuid.UUID) *models.Book {
	e.t.Helper()
	book, err := e.repos.Books.GetByID(nil, id)
	require.NoError(e.t, err)
	return book
}

func (e *testEnv) reloadUser(id uuid.UUID) *models.User {
	e.t.Helper()
	user, err := e.repos.Users.GetByID(nil, id)
	require.NoError(e.t, err)
	return user
}

func (e *testEnv) reloadInstance(id uuid.UUID) *models.BookInstance {
	e.t.Helper()
	instance, err := e.repos.Instances.GetByID(nil, id)
	require.NoError(e.t, err)
	return instance
}

// requireConsistent checks the cached counters against a recount.
func (e *testEnv) requireConsistent(bookID uuid.UUID) {
	e.t.Helper()
	require.NoError(e.t, e.svc.CheckCatalogConsistency(e.ctx(), bookID))
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
