package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/database"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/notifications"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/repositories"
	"github.com/AlexeyVin20/LibraryAPI-sub001/internal/services"
)

var t0 = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer struct {
	t      *testing.T
	router *gin.Engine
	clock  *testClock
	logs   *observer.ObservedLogs
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db, zap.NewNop()))

	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)
	clock := &testClock{now: t0}
	store := notifications.NewStore(db)
	svc := services.NewLibraryService(db, repositories.New(db), store, clock, services.DefaultPolicy(), log, services.WithBaseDelay(0))

	router := gin.New()
	router.Use(RequestLogger(log), gin.Recovery())
	RegisterRoutes(router, svc, store, clock, log)
	return &testServer{t: t, router: router, clock: clock, logs: logs}
}

func (s *testServer) do(method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (s *testServer) doList(method, path string) (*httptest.ResponseRecorder, []map[string]interface{}) {
	s.t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var out []map[string]interface{}
	if w.Code == http.StatusOK {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func (s *testServer) createUser(email string) string {
	s.t.Helper()
	w, body := s.do(http.MethodPost, "/users", gin.H{"name": "Reader", "email": email})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return body["id"].(string)
}

func (s *testServer) createBook(copies int) string {
	s.t.Helper()
	w, body := s.do(http.MethodPost, "/books", gin.H{
		"title":   "The Go Programming Language",
		"authors": "Donovan, Kernighan",
		"isbn":    "978-0134190440",
		"copies":  copies,
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	return body["id"].(string)
}

func assertMoney(t *testing.T, want string, got interface{}) {
	t.Helper()
	s, ok := got.(string)
	require.True(t, ok, "amount %v is not a string", got)
	assert.Equal(t, want, decimal.RequireFromString(s).StringFixed(2))
}

func Test_API_BorrowAndReturnLate(t *testing.T) {
	s := newTestServer(t)
	bookID := s.createBook(1)
	alice := s.createUser("alice@example.org")
	bob := s.createUser("bob@example.org")

	w, loan := s.do(http.MethodPost, "/books/"+bookID+"/borrow", gin.H{"user_id": alice})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, false, loan["is_returned"])
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
	loanID := loan["id"].(string)

	w, body := s.do(http.MethodPost, "/books/"+bookID+"/borrow", gin.H{"user_id": bob})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["error"], "no copies available")

	s.clock.advance(16 * 24 * time.Hour)
	w, loan = s.do(http.MethodGet, "/loans/"+loanID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, loan["is_overdue"])
	assert.EqualValues(t, 2, loan["days_overdue"])

	w, loan = s.do(http.MethodPost, "/loans/"+loanID+"/return", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, loan["is_returned"])
	assertMoney(t, "20.00", loan["fine_amount"])

	w, _ = s.do(http.MethodPost, "/loans/"+loanID+"/return", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, fines := s.doList(http.MethodGet, "/users/"+alice+"/fines")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, fines, 2)

	w, paid := s.do(http.MethodPost, "/fines/"+fines[0]["id"].(string)+"/pay", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, paid["is_paid"])
	w, _ = s.do(http.MethodPost, "/fines/"+fines[0]["id"].(string)+"/pay", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, user := s.do(http.MethodGet, "/users/"+alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assertMoney(t, "10.00", user["fine_amount"])

	w, consistency := s.do(http.MethodGet, "/books/"+bookID+"/consistency", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, consistency["consistent"])
}

func Test_API_Notifications(t *testing.T) {
	s := newTestServer(t)
	bookID := s.createBook(1)
	alice := s.createUser("alice@example.org")

	w, _ := s.do(http.MethodPost, "/books/"+bookID+"/borrow", gin.H{"user_id": alice})
	require.Equal(t, http.StatusCreated, w.Code)

	for i := 0; i < 2; i++ {
		w, _ = s.do(http.MethodPost, "/sweeps", gin.H{"as_of": "2026-03-17"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w, list := s.doList(http.MethodGet, "/users/"+alice+"/notifications")
	require.Equal(t, http.StatusOK, w.Code)
	types := map[string]int{}
	for _, n := range list {
		types[n["type"].(string)]++
	}
	assert.Equal(t, map[string]int{
		string(notifications.TypeBookIssued): 1,
		string(notifications.TypeOverdue):    1,
		string(notifications.TypeFineAdded):  1,
	}, types, "repeated sweeps must not repeat notices")

	w, _ = s.do(http.MethodPost, "/notifications/"+list[0]["id"].(string)+"/read", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, unread := s.doList(http.MethodGet, "/users/"+alice+"/notifications?unread=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, unread, len(list)-1)

	w, _ = s.do(http.MethodPost, "/notifications/"+uuid.NewString()+"/read", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_API_ReservationFlow(t *testing.T) {
	s := newTestServer(t)
	bookID := s.createBook(1)
	alice := s.createUser("alice@example.org")

	w, rv := s.do(http.MethodPost, "/reservations", gin.H{"user_id": alice, "book_id": bookID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rvID := rv["id"].(string)
	assert.Equal(t, "PROCESSING", rv["effective_status"])

	w, _ = s.do(http.MethodPost, "/reservations", gin.H{"user_id": alice, "book_id": bookID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, rv = s.do(http.MethodPost, "/reservations/"+rvID+"/approve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "APPROVED", rv["status"])

	w, loan := s.do(http.MethodPost, "/reservations/"+rvID+"/issue", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, rvID, loan["reservation_id"])

	s.clock.advance(20 * 24 * time.Hour)
	w, rv = s.do(http.MethodGet, "/reservations/"+rvID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ISSUED", rv["status"])
	assert.Equal(t, "OVERDUE", rv["effective_status"])

	w, _ = s.do(http.MethodPost, "/reservations/"+rvID+"/cancel", gin.H{"by_user": true})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, list := s.doList(http.MethodGet, "/users/"+alice+"/reservations")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, list, 1)
}

func Test_API_CatalogAdministration(t *testing.T) {
	s := newTestServer(t)

	w, shelf := s.do(http.MethodPost, "/shelves", gin.H{"code": "A-1", "capacity": 10})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, book := s.do(http.MethodPost, "/books", gin.H{
		"title": "SICP", "authors": "Abelson, Sussman", "isbn": "0-262-51087-1", "shelf_id": shelf["id"], "copies": 2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bookID := book["id"].(string)

	w, instance := s.do(http.MethodPost, "/books/"+bookID+"/instances", gin.H{"condition": "WORN"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "WORN", instance["condition"])

	w, instances := s.doList(http.MethodGet, "/books/"+bookID+"/instances")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, instances, 3)

	w, updated := s.do(http.MethodPatch, "/instances/"+instance["id"].(string)+"/status", gin.H{"status": "damaged"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "DAMAGED", updated["status"])

	w, _ = s.do(http.MethodPatch, "/instances/"+instance["id"].(string)+"/status", gin.H{"status": "BORROWED"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, withdrawn := s.do(http.MethodPatch, "/instances/"+instance["id"].(string)+"/active", gin.H{"active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, withdrawn["is_active"])
	w, _ = s.do(http.MethodPatch, "/instances/"+instance["id"].(string)+"/status", gin.H{"status": "AVAILABLE"})
	assert.Equal(t, http.StatusConflict, w.Code, "a withdrawn copy stays off the shelf")
	w, _ = s.do(http.MethodPatch, "/instances/"+instance["id"].(string)+"/active", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, book = s.do(http.MethodGet, "/books/"+bookID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, book["total_copies"])
	assert.EqualValues(t, 2, book["available_copies"])

	w, _ = s.do(http.MethodDelete, "/instances/"+instance["id"].(string), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = s.do(http.MethodDelete, "/books/"+bookID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, _ = s.do(http.MethodGet, "/books/"+bookID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_API_RejectsBadInput(t *testing.T) {
	s := newTestServer(t)
	bookID := s.createBook(1)

	testCases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"bad isbn checksum", http.MethodPost, "/books", gin.H{"title": "X", "authors": "Y", "isbn": "978-0134190441"}, http.StatusBadRequest},
		{"missing title", http.MethodPost, "/books", gin.H{"authors": "Y"}, http.StatusBadRequest},
		{"bad email", http.MethodPost, "/users", gin.H{"name": "X", "email": "not-an-email"}, http.StatusBadRequest},
		{"unknown role", http.MethodPost, "/users", gin.H{"name": "X", "email": "x@example.org", "role": "ROOT"}, http.StatusBadRequest},
		{"malformed book id", http.MethodGet, "/books/42", nil, http.StatusBadRequest},
		{"unknown book", http.MethodGet, "/books/" + uuid.NewString(), nil, http.StatusNotFound},
		{"borrow without user", http.MethodPost, "/books/" + bookID + "/borrow", gin.H{}, http.StatusBadRequest},
		{"borrow for unknown user", http.MethodPost, "/books/" + bookID + "/borrow", gin.H{"user_id": uuid.NewString()}, http.StatusNotFound},
		{"reservation with bad ids", http.MethodPost, "/reservations", gin.H{"user_id": "x", "book_id": bookID}, http.StatusBadRequest},
		{"unknown loan", http.MethodPost, "/loans/" + uuid.NewString() + "/return", nil, http.StatusNotFound},
		{"unknown fine", http.MethodPost, "/fines/" + uuid.NewString() + "/pay", nil, http.StatusNotFound},
		{"bad sweep date", http.MethodPost, "/sweeps", gin.H{"as_of": "yesterday"}, http.StatusBadRequest},
	}
	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, s.logs.FilterMessage("request failed").Len(), "client errors are not logged as failures")
}

func Test_StatusFor(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{errors.Wrap(services.ErrBookNotFound, "borrow"), http.StatusNotFound},
		{notifications.ErrNotificationNotFound, http.StatusNotFound},
		{services.ErrInvalidArgument, http.StatusBadRequest},
		{services.ErrNoCopiesAvailable, http.StatusConflict},
		{services.ErrUserBorrowLimitExceeded, http.StatusConflict},
		{services.ErrInvalidTransition, http.StatusConflict},
		{services.ErrAlreadyPaid, http.StatusConflict},
		{services.ErrBookHasOpenLoans, http.StatusConflict},
		{services.ErrInvariantViolation, http.StatusInternalServerError},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range testCases {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func Test_CreateBookRequest_ISBN(t *testing.T) {
	registerValidations()

	testCases := []struct {
		isbn string
		want bool
	}{
		{"978-0134190440", true},
		{"9780134190440", true},
		{"0-13-419044-0", true},
		{"0-306-40615-2", true},
		{"0 262 51087 1", true},
		{"", true},
		{"978-0134190441", false},
		{"0-306-40615-3", false},
		{"X-306-40615-2", false},
		{"12345", false},
	}
	for _, tt := range testCases {
		t.Run(tt.isbn, func(t *testing.T) {
			req := createBookRequest{Title: "T", Authors: "A", ISBN: tt.isbn}
			err := binding.Validator.ValidateStruct(&req)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func Test_SetInstanceStatusRequest_Status(t *testing.T) {
	registerValidations()

	for status, want := range map[string]bool{"AVAILABLE": true, "damaged": true, "LOST": true, "BORROWED": false, "RESERVED": false} {
		req := setInstanceStatusRequest{Status: status}
		assert.Equal(t, want, binding.Validator.ValidateStruct(&req) == nil, status)
	}
}
